package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/nainya/chatstore/internal/backup"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/internal/server"
	"github.com/nainya/chatstore/pkg/export"
	"github.com/nainya/chatstore/pkg/history"
	"github.com/nainya/chatstore/pkg/query"
	"github.com/nainya/chatstore/pkg/store"
)

var serveCommand = command{
	usage: "run the gRPC control server",
	setup: func(e *env) runFunc {
		e.server = true
		e.cfg.RegisterServerFlags(e.flags)
		return serve
	},
}

func listen(addr string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(addr, "unix://"); ok {
		_ = os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

func serve(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
	cfg := e.cfg
	e.log.LogServerStart(cfg.Server.Addr, cfg.DBPath)

	lis, err := listen(cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	srv := server.NewServer(s, server.Options{Logger: e.log, Metrics: m, HistoryMaxEntries: cfg.History.MaxEntries})
	gs := server.NewGRPCServer(srv,
		grpc.MaxRecvMsgSize(cfg.Server.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.Server.MaxMessageBytes),
	)

	var obs *server.ObservabilityServer
	if cfg.Server.MetricsPort > 0 {
		obs = server.NewObservabilityServer(cfg.Server.MetricsPort, s, m, e.log)
	}

	var sched *backup.Scheduler
	if cfg.Backup.Schedule != "" {
		job := backup.NewJob(export.New(s, export.WithLogger(e.log), export.WithMetrics(m)),
			cfg.Backup.Dir, cfg.Backup.Keep, e.log, m)
		if sched, err = backup.Schedule(cfg.Backup.Schedule, job); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.log.LogServerReady(lis.Addr().String())
		return gs.Serve(lis)
	})
	if obs != nil {
		g.Go(obs.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		e.log.LogServerShutdown()
		srv.Shutdown()
		if sched != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			sched.Stop(stopCtx)
			cancel()
		}
		gs.GracefulStop()
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return obs.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}

var exportCommand = command{
	usage: "write projects to a JSON snapshot",
	setup: func(e *env) runFunc {
		projects := e.flags.String("projects", "", "Comma-separated project ids, empty for everything")
		output := e.flags.String("o", "", "Output file, - for stdout (default: generated name)")
		return func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
			ids, err := parseIDs(*projects)
			if err != nil {
				return err
			}
			x := export.New(s, export.WithLogger(e.log))
			snap, err := x.ExportProjects(ctx, ids...)
			if err != nil {
				return err
			}
			if *output == "-" {
				return snap.Encode(e.out)
			}
			path := *output
			if path == "" {
				path = export.DefaultFilename(ids, snap.ExportedAt)
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := snap.Encode(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "exported %d projects, %d threads, %d messages to %s\n",
				len(snap.Projects), len(snap.Threads), len(snap.Messages), filepath.Clean(path))
			return nil
		}
	},
}

func parseIDs(list string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad project id %q: %w", field, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var importCommand = command{
	usage: "load a JSON snapshot into the database",
	setup: func(e *env) runFunc {
		input := e.flags.String("i", "", "Snapshot file, - for stdin")
		return func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
			if *input == "" {
				return fmt.Errorf("import: -i is required")
			}
			r := os.Stdin
			if *input != "-" {
				f, err := os.Open(*input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			snap, err := export.Decode(r)
			if err != nil {
				return err
			}
			res, err := export.New(s, export.WithLogger(e.log)).Import(ctx, snap)
			if err != nil {
				return err
			}
			return printJSON(e.out, res)
		}
	},
}

var statsCommand = command{
	usage: "print row counts and the estimated export size",
	setup: func(e *env) runFunc {
		project := e.flags.Int64("project", 0, "Print usage totals for one project instead")
		return func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
			if *project != 0 {
				st, err := query.NewEngine(s, query.WithLogger(e.log)).GetProjectStats(ctx, *project)
				if err != nil {
					return err
				}
				return printJSON(e.out, st)
			}
			st, err := export.New(s, export.WithLogger(e.log)).Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(e.out, st)
		}
	},
}

var searchCommand = command{
	usage: "search threads, messages and history",
	setup: func(e *env) runFunc {
		project := e.flags.Int64("project", 0, "Limit to one project")
		messages := e.flags.Bool("messages", false, "Search message tokens only")
		record := e.flags.Bool("record", true, "Add the query to search history")
		return func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
			q := strings.Join(e.args, " ")
			engine := query.NewEngine(s, query.WithLogger(e.log))

			var (
				results interface{}
				n       int
			)
			if *messages {
				msgs, err := engine.SearchMessages(ctx, q)
				if err != nil {
					return err
				}
				results, n = msgs, len(msgs)
			} else {
				rs, err := engine.Search(ctx, q, *project)
				if err != nil {
					return err
				}
				results, n = rs, len(rs)
			}

			if *record {
				meta := history.Meta{ResultCount: &n}
				if *project != 0 {
					meta.ProjectID = project
				}
				h := history.New(s, e.log)
				h.MaxEntries = e.cfg.History.MaxEntries
				if _, err := h.Add(ctx, q, meta); err != nil {
					return err
				}
			}
			return printJSON(e.out, results)
		}
	},
}

var historyCommand = command{
	usage: "list, remove or clear search history",
	setup: func(e *env) runFunc {
		limit := e.flags.Int("limit", history.DefaultLimit, "Entries to list")
		remove := e.flags.Int64("remove", 0, "Remove one entry by id")
		clearAll := e.flags.Bool("clear", false, "Remove every entry")
		return func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error {
			h := history.New(s, e.log)
			switch {
			case *clearAll:
				n, err := h.Clear(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "removed %d entries\n", n)
				return nil
			case *remove != 0:
				ok, err := h.Remove(ctx, *remove)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("history entry %d: %w", *remove, store.ErrNotFound)
				}
				fmt.Fprintf(e.out, "removed entry %d\n", *remove)
				return nil
			}
			entries, err := h.Recent(ctx, *limit)
			if err != nil {
				return err
			}
			return printJSON(e.out, entries)
		}
	},
}
