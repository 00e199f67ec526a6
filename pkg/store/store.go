// ABOUTME: Store opens a chat database file and upgrades its schema in place
// ABOUTME: View and Update wrap KV transactions with logging and metrics

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/storage"
)

// Options configures Open.
type Options struct {
	Path string
	// NoSync disables fsync on commit. Only for tests and throwaway files.
	NoSync  bool
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	// schema overrides ChatSchema; tests use it to open older layouts.
	schema *Schema
}

// Store is an open chat database.
type Store struct {
	kv      *storage.KV
	schema  Schema
	log     *logger.Logger
	metrics *metrics.Metrics
}

func versionKey() []byte {
	return storage.EncodeKey(prefixMeta, storage.String("schema_version"))
}

// Open opens or creates the database at opts.Path and brings it up to the
// current schema version, backfilling indexes added since the file was
// last written.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	schema := ChatSchema()
	if opts.schema != nil {
		schema = *opts.schema
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	s := &Store{
		kv:      &storage.KV{Path: opts.Path, NoSync: opts.NoSync},
		schema:  schema,
		log:     log.Component("store"),
		metrics: opts.Metrics,
	}
	if err := s.kv.Open(); err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	if err := s.upgrade(); err != nil {
		_ = s.kv.Close()
		return nil, err
	}
	s.refreshStats()
	return s, nil
}

func (s *Store) upgrade() error {
	return s.kv.Update(func(kvtx *storage.Tx) error {
		stored, err := readVersion(kvtx)
		if err != nil {
			return err
		}
		if stored > s.schema.Version {
			return fmt.Errorf("%w: file is v%d, build supports v%d", ErrSchemaTooNew, stored, s.schema.Version)
		}
		if stored == s.schema.Version {
			return nil
		}
		tx := &Tx{kv: kvtx, schema: &s.schema}
		for i := range s.schema.Collections {
			c := &s.schema.Collections[i]
			var added []IndexDef
			for _, idx := range c.Indexes {
				if idx.Since > stored {
					added = append(added, idx)
				}
			}
			if stored == 0 || len(added) == 0 {
				continue
			}
			n, err := tx.backfill(c, added)
			if err != nil {
				return fmt.Errorf("backfill %s: %w", c.Name, err)
			}
			s.log.Info("Backfilled indexes").
				Str("collection", c.Name).
				Int("indexes", len(added)).
				Int("rows", n).
				Send()
		}
		s.log.Info("Schema upgraded").
			Int("from", stored).
			Int("to", s.schema.Version).
			Send()
		return kvtx.Set(versionKey(), storage.EncodeValues(storage.Int64(int64(s.schema.Version))))
	})
}

func readVersion(kvtx *storage.Tx) (int, error) {
	val, ok, err := kvtx.Get(versionKey())
	if err != nil || !ok {
		return 0, err
	}
	vals, err := storage.DecodeValues(val)
	if err != nil || len(vals) != 1 || vals[0].Type != storage.TypeInt64 {
		return 0, fmt.Errorf("%w: schema version", ErrCorrupt)
	}
	return int(vals[0].I64), nil
}

// backfill writes idxs entries for every existing row of c.
func (tx *Tx) backfill(c *CollectionDef, idxs []IndexDef) (int, error) {
	var ids []int64
	err := tx.scanIDs(c, nil, Query{}, func(id int64) (bool, error) {
		ids = append(ids, id)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		rec, _, err := tx.get(c, id)
		if err != nil {
			return 0, err
		}
		keys, err := indexKeys(idxs, id, rec)
		if err != nil {
			return 0, err
		}
		for k := range keys {
			if err := tx.kv.Set([]byte(k), nil); err != nil {
				return 0, err
			}
		}
	}
	return len(ids), nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Version returns the schema version the store was opened with.
func (s *Store) Version() int { return s.schema.Version }

// Path returns the database file path.
func (s *Store) Path() string { return s.kv.Path }

// Stats describes the database file.
func (s *Store) Stats() storage.Stats { return s.kv.Stats() }

// View runs fn in a read transaction. op names the operation in logs and metrics.
func (s *Store) View(ctx context.Context, op string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := s.kv.View(func(kvtx *storage.Tx) error {
		return fn(&Tx{kv: kvtx, schema: &s.schema})
	})
	s.finish(op, start, 0, err)
	return err
}

// Update runs fn in a write transaction that commits only if fn returns nil.
func (s *Store) Update(ctx context.Context, op string, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	var writes int
	err := s.kv.Update(func(kvtx *storage.Tx) error {
		tx := &Tx{kv: kvtx, schema: &s.schema}
		err := fn(tx)
		writes = tx.writes
		return err
	})
	s.finish(op, start, writes, err)
	if err == nil {
		s.refreshStats()
	}
	return err
}

func (s *Store) finish(op string, start time.Time, writes int, err error) {
	elapsed := time.Since(start)
	s.log.LogDbOperation(op, elapsed, writes, err)
	s.metrics.RecordDbOperation(op, err, elapsed)
}

func (s *Store) refreshStats() {
	if s.metrics == nil {
		return
	}
	st := s.kv.Stats()
	s.metrics.UpdateDbStats(st.FileBytes, st.FreePages)
}

// CountAll returns the row count of every collection.
func (s *Store) CountAll(ctx context.Context) (map[string]int, error) {
	counts := map[string]int{}
	err := s.View(ctx, "count_all", func(tx *Tx) error {
		for _, c := range s.schema.Collections {
			n, err := tx.Count(c.Name, Query{})
			if err != nil {
				return err
			}
			counts[c.Name] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for name, n := range counts {
		s.metrics.SetCollectionRows(name, n)
	}
	return counts, nil
}
