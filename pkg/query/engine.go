// ABOUTME: Read-only queries over projects, threads, messages and search history
// ABOUTME: Includes keyword search over the token index and the composite browse/filter search

package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
	"github.com/nainya/chatstore/pkg/tokenize"
)

// Engine answers read queries. It never writes.
type Engine struct {
	store   *store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records search counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a new query engine
func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, log: logger.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Component("query")
	return e
}

func get[T any](ctx context.Context, e *Engine, op string, c store.Collection[T], id int64) (*T, error) {
	var v *T
	err := e.store.View(ctx, op, func(tx *store.Tx) error {
		var err error
		v, err = c.Get(tx, id)
		return err
	})
	return v, err
}

func find[T any](ctx context.Context, e *Engine, op string, c store.Collection[T], q store.Query) ([]*T, error) {
	var out []*T
	err := e.store.View(ctx, op, func(tx *store.Tx) error {
		var err error
		out, err = c.Find(tx, q)
		return err
	})
	return out, err
}

// GetProject returns one project or an error wrapping store.ErrNotFound.
func (e *Engine) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	return get(ctx, e, "get_project", store.Projects, id)
}

// GetThread returns one thread or an error wrapping store.ErrNotFound.
func (e *Engine) GetThread(ctx context.Context, id int64) (*model.Thread, error) {
	return get(ctx, e, "get_thread", store.Threads, id)
}

// GetMessage returns one message or an error wrapping store.ErrNotFound.
func (e *Engine) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	return get(ctx, e, "get_message", store.Messages, id)
}

// ListProjects returns every project, most recently updated first.
func (e *Engine) ListProjects(ctx context.Context) ([]*model.Project, error) {
	return find(ctx, e, "list_projects", store.Projects, store.On(store.IdxUpdatedAt).Desc())
}

// GetThreadsByProject returns a project's threads by lastMessageAt,
// newest first. Threads without messages come last.
func (e *Engine) GetThreadsByProject(ctx context.Context, projectID int64) ([]*model.Thread, error) {
	return find(ctx, e, "threads_by_project", store.Threads,
		store.On(store.IdxProjectLastMessageAt, storage.Int64(projectID)).Desc())
}

// GetMessagesByThread returns a thread's messages in createdAt order.
func (e *Engine) GetMessagesByThread(ctx context.Context, threadID int64) ([]*model.Message, error) {
	return find(ctx, e, "messages_by_thread", store.Messages,
		store.On(store.IdxThreadCreatedAt, storage.Int64(threadID)))
}

// GetMessagesByProject returns a project's messages in createdAt order.
func (e *Engine) GetMessagesByProject(ctx context.Context, projectID int64) ([]*model.Message, error) {
	return find(ctx, e, "messages_by_project", store.Messages,
		store.On(store.IdxProjectCreatedAt, storage.Int64(projectID)))
}

// GetRecentThreads returns up to limit threads by lastMessageAt, newest
// first. A non-positive limit means DefaultRecentThreads.
func (e *Engine) GetRecentThreads(ctx context.Context, limit int) ([]*model.Thread, error) {
	if limit <= 0 {
		limit = DefaultRecentThreads
	}
	return find(ctx, e, "recent_threads", store.Threads, store.On(store.IdxLastMessageAt).Desc().Take(limit))
}

// GetActiveProjects returns active projects, most recently updated first.
func (e *Engine) GetActiveProjects(ctx context.Context) ([]*model.Project, error) {
	return find(ctx, e, "active_projects", store.Projects,
		store.On(store.IdxStatusUpdatedAt, storage.String(model.StatusActive)).Desc())
}

// GetProjectStats counts a project's threads and messages and sums their
// usage. Unknown projects yield zero stats.
func (e *Engine) GetProjectStats(ctx context.Context, projectID int64) (*model.ProjectStats, error) {
	stats := &model.ProjectStats{}
	err := e.store.View(ctx, "project_stats", func(tx *store.Tx) error {
		var err error
		byProject := store.On(store.IdxProjectID, storage.Int64(projectID))
		if stats.ThreadCount, err = store.Threads.Count(tx, byProject); err != nil {
			return err
		}
		latest, err := store.Threads.Find(tx,
			store.On(store.IdxProjectLastMessageAt, storage.Int64(projectID)).Desc().Take(1))
		if err != nil {
			return err
		}
		if len(latest) == 1 && latest[0].LastMessageAt != nil {
			at := *latest[0].LastMessageAt
			stats.LastActivity = &at
		}
		return store.Messages.Each(tx, byProject, func(m *model.Message) (bool, error) {
			stats.MessageCount++
			if m.TokensUsed != nil {
				stats.TotalTokens += *m.TokensUsed
			}
			if m.Cost != nil {
				stats.TotalCost += *m.Cost
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SearchMessages returns messages whose index tokens contain any query term
// of three or more bytes as a substring, in id order. A query without such
// terms returns nothing without reading the store.
func (e *Engine) SearchMessages(ctx context.Context, query string) ([]*model.Message, error) {
	terms := tokenize.Terms(query)
	if len(terms) == 0 {
		return []*model.Message{}, nil
	}
	var out []*model.Message
	err := e.store.View(ctx, "search_messages", func(tx *store.Tx) error {
		ids, err := matchTokens(tx, model.TokenMessage, terms)
		if err != nil {
			return err
		}
		out, err = fetch(tx, store.Messages, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSearch("messages", len(out))
	return out, nil
}

// SearchThreads is SearchMessages over thread titles.
func (e *Engine) SearchThreads(ctx context.Context, query string) ([]*model.Thread, error) {
	terms := tokenize.Terms(query)
	if len(terms) == 0 {
		return []*model.Thread{}, nil
	}
	var out []*model.Thread
	err := e.store.View(ctx, "search_threads", func(tx *store.Tx) error {
		ids, err := matchTokens(tx, model.TokenThread, terms)
		if err != nil {
			return err
		}
		out, err = fetch(tx, store.Threads, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordSearch("threads", len(out))
	return out, nil
}

// matchTokens returns the sorted distinct reference ids of typ tokens
// containing any term.
func matchTokens(tx *store.Tx, typ string, terms []string) ([]int64, error) {
	seen := map[int64]bool{}
	var ids []int64
	err := store.SearchTokens.Each(tx, store.On(store.IdxType, storage.String(typ)), func(tok *model.SearchToken) (bool, error) {
		if !seen[tok.ReferenceID] && anyContains(tok.Tokens, terms) {
			seen[tok.ReferenceID] = true
			ids = append(ids, tok.ReferenceID)
		}
		return true, nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

func anyContains(tokens, terms []string) bool {
	for _, term := range terms {
		for _, tok := range tokens {
			if strings.Contains(tok, term) {
				return true
			}
		}
	}
	return false
}

// fetch loads ids, skipping rows that no longer exist.
func fetch[T any](tx *store.Tx, c store.Collection[T], ids []int64) ([]*T, error) {
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		v, ok, err := c.Lookup(tx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch %s %d: %w", c.Name(), id, err)
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}
