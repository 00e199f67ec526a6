// ABOUTME: Scheduled full exports written to a backup directory
// ABOUTME: Only the newest Keep files survive each run

package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/export"
)

const (
	filePrefix = "chat-export-"
	fileSuffix = ".json"
)

// Job writes one backup per Run.
type Job struct {
	exporter *export.Exporter
	dir      string
	// Keep is the number of backups retained; 0 keeps all.
	Keep int

	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewJob returns a job writing into dir.
func NewJob(x *export.Exporter, dir string, keep int, log *logger.Logger, m *metrics.Metrics) *Job {
	if log == nil {
		log = logger.Nop()
	}
	return &Job{exporter: x, dir: dir, Keep: keep, log: log.Component("backup"), metrics: m, now: time.Now}
}

// Run exports everything to a new file and prunes old ones. It returns the
// path written.
func (j *Job) Run(ctx context.Context) (string, error) {
	path, err := j.write(ctx)
	if err == nil {
		err = j.prune()
	}
	j.metrics.RecordBackup(err)
	if err != nil {
		j.log.Error("Backup failed").Err(err).Send()
		return path, err
	}
	j.log.Info("Backup written").Str("path", path).Send()
	return path, nil
}

func (j *Job) write(ctx context.Context) (string, error) {
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	snap, err := j.exporter.ExportAll(ctx)
	if err != nil {
		return "", err
	}

	path := filepath.Join(j.dir, export.DefaultFilename(nil, j.now()))
	tmp, err := os.CreateTemp(j.dir, ".backup-*")
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := snap.Encode(tmp); err != nil {
		tmp.Close()
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	return path, nil
}

// List returns the backups in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type backup struct {
		name string
		ms   int64
	}
	var found []backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ms, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		found = append(found, backup{name, ms})
	}
	sort.Slice(found, func(a, b int) bool { return found[a].ms < found[b].ms })
	paths := make([]string, len(found))
	for i, b := range found {
		paths[i] = filepath.Join(dir, b.name)
	}
	return paths, nil
}

func (j *Job) prune() error {
	if j.Keep <= 0 {
		return nil
	}
	paths, err := List(j.dir)
	if err != nil {
		return err
	}
	for len(paths) > j.Keep {
		if err := os.Remove(paths[0]); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		j.log.Debug("Removed old backup").Str("path", paths[0]).Send()
		paths = paths[1:]
	}
	return nil
}

// Scheduler runs a Job on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
}

// Schedule starts running j on spec, which accepts the standard five-field
// syntax and descriptors such as @daily or @every 6h.
func Schedule(spec string, j *Job) (*Scheduler, error) {
	c := cron.New(cron.WithLogger(cronLogger{j.log}))
	if _, err := c.AddFunc(spec, func() { _, _ = j.Run(context.Background()) }); err != nil {
		return nil, fmt.Errorf("backup schedule %q: %w", spec, err)
	}
	c.Start()
	j.log.Info("Backups scheduled").Str("schedule", spec).Str("dir", j.dir).Send()
	return &Scheduler{cron: c}, nil
}

// Stop stops scheduling and waits for a running backup to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg).Fields(keysAndValues).Send()
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg).Err(err).Fields(keysAndValues).Send()
}
