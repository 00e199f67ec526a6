// ABOUTME: Recency log of search queries, one row per distinct query text
// ABOUTME: Re-running a query refreshes its timestamp instead of adding a row

package history

import (
	"context"
	"strings"
	"time"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
)

const (
	// DefaultLimit is the Recent limit when none is given.
	DefaultLimit = 50
	// DefaultMaxEntries bounds the log; the oldest entries are pruned first.
	DefaultMaxEntries = 500
)

// Meta is optional context stored with a query. Nil fields keep the
// existing value when an entry is refreshed.
type Meta struct {
	ThreadID    *int64
	ProjectID   *int64
	ResultCount *int
}

// Log is the search-history log.
type Log struct {
	store *store.Store
	log   *logger.Logger
	now   func() time.Time
	// MaxEntries caps the number of rows; 0 disables pruning.
	MaxEntries int
}

// New returns a log over s.
func New(s *store.Store, l *logger.Logger) *Log {
	if l == nil {
		l = logger.Nop()
	}
	return &Log{store: s, log: l.Component("history"), now: time.Now, MaxEntries: DefaultMaxEntries}
}

// Add records query. Blank queries are ignored. It returns the entry id,
// or 0 when nothing was recorded.
func (h *Log) Add(ctx context.Context, query string, meta Meta) (int64, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return 0, nil
	}
	now := h.now()
	var id int64
	err := h.store.Update(ctx, "history_add", func(tx *store.Tx) error {
		existing, err := store.SearchHistory.Find(tx, store.On(store.IdxQuery, storage.String(query)).Take(1))
		if err != nil {
			return err
		}
		entry := &model.SearchHistory{Query: query}
		if len(existing) == 1 {
			entry = existing[0]
		}
		entry.Timestamp = now
		if meta.ThreadID != nil {
			entry.ThreadID = meta.ThreadID
		}
		if meta.ProjectID != nil {
			entry.ProjectID = meta.ProjectID
		}
		if meta.ResultCount != nil {
			entry.ResultCount = meta.ResultCount
		}
		if entry.ID != 0 {
			id = entry.ID
			return store.SearchHistory.Put(tx, entry)
		}
		if id, err = store.SearchHistory.Insert(tx, entry); err != nil {
			return err
		}
		return h.prune(tx)
	})
	return id, err
}

func (h *Log) prune(tx *store.Tx) error {
	if h.MaxEntries <= 0 {
		return nil
	}
	n, err := store.SearchHistory.Count(tx, store.Query{})
	if err != nil || n <= h.MaxEntries {
		return err
	}
	stale, err := store.SearchHistory.IDs(tx, store.On(store.IdxTimestamp).Take(n-h.MaxEntries))
	if err != nil {
		return err
	}
	for _, id := range stale {
		if _, err := store.SearchHistory.Delete(tx, id); err != nil {
			return err
		}
	}
	h.log.Debug("Pruned search history").Int("removed", len(stale)).Send()
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// means DefaultLimit.
func (h *Log) Recent(ctx context.Context, limit int) ([]*model.SearchHistory, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []*model.SearchHistory
	err := h.store.View(ctx, "history_recent", func(tx *store.Tx) error {
		var err error
		out, err = store.SearchHistory.Find(tx, store.On(store.IdxTimestamp).Desc().Take(limit))
		return err
	})
	return out, err
}

// Remove deletes one entry and reports whether it existed.
func (h *Log) Remove(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := h.store.Update(ctx, "history_remove", func(tx *store.Tx) error {
		var err error
		ok, err = store.SearchHistory.Delete(tx, id)
		return err
	})
	return ok, err
}

// Clear deletes every entry.
func (h *Log) Clear(ctx context.Context) (int, error) {
	var n int
	err := h.store.Update(ctx, "history_clear", func(tx *store.Tx) error {
		ids, err := store.SearchHistory.IDs(tx, store.Query{})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := store.SearchHistory.Delete(tx, id); err != nil {
				return err
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}
