// chatstore command-line tool and control server
// Usage: chatstore [-config file] [-env file] <command> [flags]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/nainya/chatstore/internal/config"
	"github.com/nainya/chatstore/internal/logger"
	"github.com/nainya/chatstore/internal/metrics"
	"github.com/nainya/chatstore/pkg/store"
)

const version = "1.0.0"

// env is what every command runs with.
type env struct {
	cfg    *config.Config
	log    *logger.Logger
	out    io.Writer
	flags  *flag.FlagSet
	args   []string
	server bool
}

type runFunc func(ctx context.Context, e *env, s *store.Store, m *metrics.Metrics) error

type command struct {
	usage string
	// setup registers command flags on e.flags and returns the body.
	setup func(e *env) runFunc
}

var commands = map[string]command{
	"serve":   serveCommand,
	"export":  exportCommand,
	"import":  importCommand,
	"stats":   statsCommand,
	"search":  searchCommand,
	"history": historyCommand,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chatstore:", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "chatstore %s\n\nUsage: chatstore [-config file] [-env file] <command> [flags]\n\nCommands:\n", version)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name].usage)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("chatstore", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	configFile := global.String("config", os.Getenv("CHATSTORE_CONFIG"), "YAML config file")
	envFile := global.String("env", ".env", "dotenv file")
	if err := global.Parse(args); err != nil {
		usage(out)
		return err
	}
	if global.NArg() == 0 {
		usage(out)
		return errors.New("no command given")
	}
	name := global.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		usage(out)
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(*configFile, *envFile)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, out: out, flags: flag.NewFlagSet(name, flag.ContinueOnError)}
	cfg.RegisterFlags(e.flags)
	body := cmd.setup(e)
	if err := e.flags.Parse(global.Args()[1:]); err != nil {
		return err
	}
	e.args = e.flags.Args()
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.log = logger.NewLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	var m *metrics.Metrics
	if e.server {
		m = metrics.NewMetrics()
	}
	s, err := store.Open(ctx, store.Options{Path: cfg.DBPath, NoSync: cfg.NoSync, Logger: e.log, Metrics: m})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			e.log.Error("Failed to close store").Err(err).Send()
		}
	}()
	return body(ctx, e, s, m)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
