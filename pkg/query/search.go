package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
	"github.com/nainya/chatstore/pkg/tokenize"
)

// Search is the command-palette search. A blank query browses: the most
// recently active threads followed by the latest history entries. Otherwise
// active threads, recent messages and history entries containing any query
// word are returned newest first, capped at MaxResults. projectID 0 searches
// every project; history is never scoped.
func (e *Engine) Search(ctx context.Context, query string, projectID int64) ([]SearchResult, error) {
	var (
		results []SearchResult
		kind    string
	)
	err := e.store.View(ctx, "search", func(tx *store.Tx) error {
		var err error
		if words := tokenize.Words(query); len(words) == 0 {
			kind = "browse"
			results, err = browse(tx, projectID)
		} else {
			kind = "filter"
			results, err = filter(tx, words, projectID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSearch(kind, len(results))
	e.log.Debug("Search completed").
		Str("mode", kind).
		Int("results", len(results)).
		Send()
	return results, nil
}

func activeThreads(tx *store.Tx, projectID int64) ([]*model.Thread, error) {
	q := store.On(store.IdxStatus, storage.String(model.StatusActive))
	if projectID != 0 {
		q = store.On(store.IdxProjectStatus, storage.Int64(projectID), storage.String(model.StatusActive))
	}
	return store.Threads.Find(tx, q)
}

func threadResult(t *model.Thread) SearchResult {
	return SearchResult{
		Kind:      KindThread,
		ID:        t.ID,
		Title:     t.Title,
		Content:   t.LastMessageContent,
		Timestamp: t.ActivityAt(),
		ThreadID:  t.ID,
	}
}

func historyResult(h *model.SearchHistory) SearchResult {
	r := SearchResult{
		Kind:      KindQuery,
		ID:        h.ID,
		Title:     h.Query,
		Timestamp: h.Timestamp,
	}
	if h.ThreadID != nil {
		r.ThreadID = *h.ThreadID
	}
	return r
}

func browse(tx *store.Tx, projectID int64) ([]SearchResult, error) {
	threads, err := activeThreads(tx, projectID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].ActivityAt().After(threads[j].ActivityAt())
	})
	if len(threads) > BrowseThreads {
		threads = threads[:BrowseThreads]
	}
	history, err := store.SearchHistory.Find(tx, store.On(store.IdxTimestamp).Desc().Take(BrowseHistory))
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(threads)+len(history))
	for _, t := range threads {
		results = append(results, threadResult(t))
	}
	for _, h := range history {
		r := historyResult(h)
		if h.ResultCount != nil && *h.ResultCount > 0 {
			r.Metadata = fmt.Sprintf("%d results", *h.ResultCount)
		}
		results = append(results, r)
	}
	return results, nil
}

func filter(tx *store.Tx, words []string, projectID int64) ([]SearchResult, error) {
	var results []SearchResult

	threads, err := activeThreads(tx, projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range threads {
		if tokenize.Score(strings.ToLower(t.Title), words) > 0 {
			results = append(results, threadResult(t))
		}
	}

	mq := store.Query{}.Desc().Take(FilterMessages)
	if projectID != 0 {
		mq = store.On(store.IdxProjectID, storage.Int64(projectID)).Desc().Take(FilterMessages)
	}
	// Only active threads label their messages.
	titles := make(map[int64]string, len(threads))
	for _, t := range threads {
		titles[t.ID] = t.Title
	}
	err = store.Messages.Each(tx, mq, func(m *model.Message) (bool, error) {
		if tokenize.Score(strings.ToLower(m.Content), words) == 0 {
			return true, nil
		}
		results = append(results, SearchResult{
			Kind:      KindMessage,
			ID:        m.ID,
			Title:     model.Truncate(m.Content, messageTitleLength) + "...",
			Timestamp: m.CreatedAt,
			ThreadID:  m.ThreadID,
			Metadata:  titles[m.ThreadID],
		})
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	err = store.SearchHistory.Each(tx, store.Query{}, func(h *model.SearchHistory) (bool, error) {
		if tokenize.Score(strings.ToLower(h.Query), words) > 0 {
			results = append(results, historyResult(h))
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > MaxResults {
		results = results[:MaxResults]
	}
	if results == nil {
		results = []SearchResult{}
	}
	return results, nil
}
