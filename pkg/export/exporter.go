// ABOUTME: Full and per-project snapshots, export statistics and snapshot import
// ABOUTME: Multi-project exports read projects concurrently inside one read transaction

package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/model"
	"github.com/nainya/chatstore/pkg/mutation"
	"github.com/nainya/chatstore/pkg/storage"
	"github.com/nainya/chatstore/pkg/store"
)

var (
	// ErrIntegrity is returned when an imported row references a parent
	// that exists neither in the snapshot nor in the store.
	ErrIntegrity = errors.New("export: broken reference in snapshot")
	// ErrConflict is returned when an imported id is already taken.
	ErrConflict = errors.New("export: id already exists")
)

// Estimated bytes per row used by Stats.
const (
	projectWeight = 500
	threadWeight  = 300
	messageWeight = 1000
	tokenWeight   = 100
)

// Exporter reads and writes snapshots.
type Exporter struct {
	store   *store.Store
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(x *Exporter) { x.log = l }
}

// WithMetrics records export counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Exporter) { x.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(x *Exporter) { x.now = now }
}

// New returns an Exporter over s.
func New(s *store.Store, opts ...Option) *Exporter {
	x := &Exporter{store: s, log: logger.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(x)
	}
	x.log = x.log.Component("export")
	return x
}

// ExportAll snapshots every project, thread, message and search token.
func (x *Exporter) ExportAll(ctx context.Context) (*Snapshot, error) {
	snap := newSnapshot(x.now())
	err := x.store.View(ctx, "export_all", func(tx *store.Tx) error {
		var err error
		if snap.Projects, err = store.Projects.Find(tx, store.Query{}); err != nil {
			return err
		}
		if snap.Threads, err = store.Threads.Find(tx, store.Query{}); err != nil {
			return err
		}
		err = store.Messages.Each(tx, store.Query{}, func(m *model.Message) (bool, error) {
			snap.Messages = append(snap.Messages, sanitize(m))
			return true, nil
		})
		if err != nil {
			return err
		}
		snap.SearchTokens, err = store.SearchTokens.Find(tx, store.Query{})
		return err
	})
	x.metrics.RecordExport("all", err)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ExportProject snapshots one project with its threads, messages and their
// search tokens. A missing project is an error wrapping store.ErrNotFound.
func (x *Exporter) ExportProject(ctx context.Context, id int64) (*Snapshot, error) {
	return x.ExportProjects(ctx, id)
}

// ExportProjects snapshots the given projects, concatenated in request
// order. No ids means everything.
func (x *Exporter) ExportProjects(ctx context.Context, ids ...int64) (*Snapshot, error) {
	if len(ids) == 0 {
		return x.ExportAll(ctx)
	}
	parts := make([]*Snapshot, len(ids))
	err := x.store.View(ctx, "export_projects", func(tx *store.Tx) error {
		g, gctx := errgroup.WithContext(ctx)
		for i, id := range ids {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				part, err := projectPart(tx, id)
				parts[i] = part
				return err
			})
		}
		return g.Wait()
	})
	x.metrics.RecordExport("project", err)
	if err != nil {
		return nil, err
	}

	snap := newSnapshot(x.now())
	for _, p := range parts {
		snap.Projects = append(snap.Projects, p.Projects...)
		snap.Threads = append(snap.Threads, p.Threads...)
		snap.Messages = append(snap.Messages, p.Messages...)
		snap.SearchTokens = append(snap.SearchTokens, p.SearchTokens...)
	}
	return snap, nil
}

type tokenRef struct {
	typ string
	id  int64
}

// projectPart collects one project and the search tokens of everything
// under it. tx is only read, so parts may be built concurrently.
func projectPart(tx *store.Tx, id int64) (*Snapshot, error) {
	project, err := store.Projects.Get(tx, id)
	if err != nil {
		return nil, fmt.Errorf("export project %d: %w", id, err)
	}
	part := &Snapshot{Projects: []*model.Project{project}}
	byProject := store.On(store.IdxProjectID, storage.Int64(id))
	if part.Threads, err = store.Threads.Find(tx, byProject); err != nil {
		return nil, err
	}
	messages, err := store.Messages.Find(tx, byProject)
	if err != nil {
		return nil, err
	}

	refs := []tokenRef{{model.TokenProject, id}}
	for _, t := range part.Threads {
		refs = append(refs, tokenRef{model.TokenThread, t.ID})
	}
	for _, m := range messages {
		part.Messages = append(part.Messages, sanitize(m))
		refs = append(refs, tokenRef{model.TokenMessage, m.ID})
	}
	for _, ref := range refs {
		toks, err := store.SearchTokens.Find(tx, store.On(store.IdxTypeReference, storage.String(ref.typ), storage.Int64(ref.id)))
		if err != nil {
			return nil, err
		}
		part.SearchTokens = append(part.SearchTokens, toks...)
	}
	return part, nil
}

// ExportProjectsJSON is ExportProjects encoded as indented JSON.
func (x *Exporter) ExportProjectsJSON(ctx context.Context, ids ...int64) ([]byte, error) {
	snap, err := x.ExportProjects(ctx, ids...)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := snap.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Stats summarises the store for the export dialog.
type Stats struct {
	TotalProjects     int    `json:"totalProjects"`
	TotalThreads      int    `json:"totalThreads"`
	TotalMessages     int    `json:"totalMessages"`
	TotalSearchTokens int    `json:"totalSearchTokens"`
	TotalHistory      int    `json:"totalHistory"`
	DatabaseSize      string `json:"databaseSize"`
	FileBytes         int64  `json:"fileBytes"`
}

// Stats counts rows and estimates the exported size from fixed per-row weights.
func (x *Exporter) Stats(ctx context.Context) (*Stats, error) {
	counts, err := x.store.CountAll(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{
		TotalProjects:     counts[store.CollProjects],
		TotalThreads:      counts[store.CollThreads],
		TotalMessages:     counts[store.CollMessages],
		TotalSearchTokens: counts[store.CollSearchTokens],
		TotalHistory:      counts[store.CollSearchHistory],
		FileBytes:         x.store.Stats().FileBytes,
	}
	estimate := int64(st.TotalProjects)*projectWeight +
		int64(st.TotalThreads)*threadWeight +
		int64(st.TotalMessages)*messageWeight +
		int64(st.TotalSearchTokens)*tokenWeight
	st.DatabaseSize = FormatBytes(estimate)
	return st, nil
}

// ImportResult counts imported rows.
type ImportResult struct {
	Projects     int `json:"projects"`
	Threads      int `json:"threads"`
	Messages     int `json:"messages"`
	SearchTokens int `json:"searchTokens"`
}

// Import writes a snapshot's projects, threads and messages under their
// original ids in one transaction. Search tokens are rebuilt rather than
// copied. Any conflict or broken reference aborts the whole import.
func (x *Exporter) Import(ctx context.Context, snap *Snapshot) (*ImportResult, error) {
	if snap.Version != Version {
		x.log.Warn("Importing snapshot with unknown version").
			Str("version", snap.Version).
			Send()
	}
	now := x.now()
	res := &ImportResult{}
	err := x.store.Update(ctx, "import", func(tx *store.Tx) error {
		if err := checkSnapshot(tx, snap); err != nil {
			return err
		}
		for _, p := range snap.Projects {
			if err := store.Projects.Put(tx, p); err != nil {
				return err
			}
			if err := reindexCounted(tx, res, model.TokenProject, p.ID, mutation.ProjectText(p), now); err != nil {
				return err
			}
		}
		for _, t := range snap.Threads {
			if err := store.Threads.Put(tx, t); err != nil {
				return err
			}
			if err := reindexCounted(tx, res, model.TokenThread, t.ID, t.Title, now); err != nil {
				return err
			}
		}
		for _, em := range snap.Messages {
			m := em.toModel()
			if err := store.Messages.Put(tx, &m); err != nil {
				return err
			}
			if err := reindexCounted(tx, res, model.TokenMessage, m.ID, m.Content, now); err != nil {
				return err
			}
		}
		res.Projects, res.Threads, res.Messages = len(snap.Projects), len(snap.Threads), len(snap.Messages)
		return nil
	})
	x.metrics.RecordExport("import", err)
	if err != nil {
		return nil, err
	}
	x.log.Info("Snapshot imported").
		Int("projects", res.Projects).
		Int("threads", res.Threads).
		Int("messages", res.Messages).
		Send()
	return res, nil
}

func reindexCounted(tx *store.Tx, res *ImportResult, typ string, id int64, text string, now time.Time) error {
	if err := mutation.Reindex(tx, typ, id, text, now); err != nil {
		return err
	}
	n, err := store.SearchTokens.Count(tx, store.On(store.IdxTypeReference, storage.String(typ), storage.Int64(id)))
	res.SearchTokens += n
	return err
}

// checkSnapshot rejects taken or duplicate ids and references to parents
// that will not exist after the import.
func checkSnapshot(tx *store.Tx, snap *Snapshot) error {
	projects := map[int64]bool{}
	for _, p := range snap.Projects {
		if err := claim(tx, store.Projects, projects, p.ID); err != nil {
			return err
		}
	}
	threadIDs := map[int64]bool{}
	threads := map[int64]int64{}
	for _, t := range snap.Threads {
		if err := claim(tx, store.Threads, threadIDs, t.ID); err != nil {
			return err
		}
		if !projects[t.ProjectID] {
			if _, ok, err := store.Projects.Lookup(tx, t.ProjectID); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: thread %d references project %d", ErrIntegrity, t.ID, t.ProjectID)
			}
		}
		threads[t.ID] = t.ProjectID
	}
	messages := map[int64]bool{}
	for _, m := range snap.Messages {
		if err := claim(tx, store.Messages, messages, m.ID); err != nil {
			return err
		}
		owner, ok := threads[m.ThreadID]
		if !ok {
			t, found, err := store.Threads.Lookup(tx, m.ThreadID)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: message %d references thread %d", ErrIntegrity, m.ID, m.ThreadID)
			}
			owner = t.ProjectID
		}
		if owner != m.ProjectID {
			return fmt.Errorf("%w: message %d names project %d but thread %d is in project %d",
				ErrIntegrity, m.ID, m.ProjectID, m.ThreadID, owner)
		}
	}
	return nil
}

// claim records id in seen, failing if it repeats or is already stored.
func claim[T any](tx *store.Tx, c store.Collection[T], seen map[int64]bool, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s id %d", ErrIntegrity, c.Name(), id)
	}
	if seen[id] {
		return fmt.Errorf("%w: %s %d appears twice", ErrConflict, c.Name(), id)
	}
	seen[id] = true
	_, exists, err := c.Lookup(tx, id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s %d", ErrConflict, c.Name(), id)
	}
	return nil
}
