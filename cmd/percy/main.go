// Command percy drives a visual-regression build: it starts the orchestrator,
// feeds it snapshots (directly or through a wrapped command talking to the
// local API), and finalizes the build on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/GoCodeAlone/percy/core"
	"github.com/GoCodeAlone/percy/history"
	"github.com/GoCodeAlone/percy/internal/version"
	"github.com/GoCodeAlone/percy/server"
)

func main() {
	var (
		configPath   = flag.String("config", "", "config file path (default: .percy.yml)")
		port         = flag.Int("port", 0, "local API server port (default: 5338)")
		token        = flag.String("token", os.Getenv("PERCY_TOKEN"), "Percy project token (or $PERCY_TOKEN)")
		loglevel     = flag.String("loglevel", "", "log level: debug, info, warn, error")
		dryRun       = flag.Bool("dry-run", false, "count snapshots without uploading")
		deferUploads = flag.Bool("defer-uploads", false, "hold uploads until the run is flushed")
		skipUploads  = flag.Bool("skip-uploads", false, "discover snapshots but never upload")
		historyPath  = flag.String("history", "", "record outcomes to a SQLite database at this path")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	opts := core.Options{
		Loglevel:     *loglevel,
		DeferUploads: *deferUploads,
		SkipUploads:  *skipUploads,
		DryRun:       *dryRun,
		Config:       *configPath,
		Token:        *token,
		Port:         *port,
	}

	cmd := args[0]
	rest := args[1:]

	var err error
	switch cmd {
	case "version":
		fmt.Printf("percy %s (commit %s, built %s)\n",
			version.Version, version.Commit, version.BuildDate)
	case "snapshot":
		err = cmdSnapshot(opts, *historyPath, rest)
	case "exec":
		err = cmdExec(opts, *historyPath, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `percy — visual-regression snapshot orchestrator

Usage:
  percy [flags] <command> [args]

Flags:
  --config  <path>   config file (default: .percy.yml)
  --port    <port>   local API server port (default: 5338)
  --token   <token>  Percy project token (or $PERCY_TOKEN)
  --loglevel <level> debug, info, warn, or error
  --dry-run          count snapshots without uploading
  --defer-uploads    hold uploads until the run is flushed
  --skip-uploads     discover snapshots but never upload
  --history <path>   record outcomes to a SQLite database

Commands:
  version                     print version
  snapshot <dir|sitemap|url>  snapshot a static directory, sitemap, or URL list
  exec -- <cmd> [args]        run a command against a live Percy server
`)
}

// newPercy builds the orchestrator, its local server, and the optional
// history store. The returned cleanup closes the store.
func newPercy(opts core.Options, historyPath string) (*core.Percy, func(), error) {
	var deps core.Deps
	var store *history.Store
	cleanup := func() {}

	if historyPath != "" {
		var err error
		store, err = history.Open(historyPath)
		if err != nil {
			return nil, nil, err
		}
		deps.Recorder = store
		cleanup = func() { _ = store.Close() }
	}

	p, err := core.New(opts, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if opts.ServerEnabled() {
		srv := server.New(p, p.Options().Port)
		if store != nil {
			srv.SetHistory(store)
		}
		p.SetServer(srv)
	}
	return p, cleanup, nil
}

// interruptContext cancels the returned context on SIGINT or SIGTERM.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdSnapshot(opts core.Options, historyPath string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: percy snapshot <dir|sitemap|url...>")
	}

	p, cleanup, err := newPercy(opts, historyPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := interruptContext()
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return err
	}

	for _, arg := range args {
		var what any
		switch {
		case strings.HasSuffix(arg, ".xml"):
			what = core.SnapshotOptions{Sitemap: arg}
		case isDir(arg):
			what = core.SnapshotOptions{Serve: arg, URL: "/"}
		default:
			what = arg
		}
		if err := p.Snapshot(ctx, what); err != nil {
			_ = p.Stop(ctx, true)
			return err
		}
	}
	return p.Stop(ctx, false)
}

func cmdExec(opts core.Options, historyPath string, args []string) error {
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("usage: percy exec -- <command> [args]")
	}

	p, cleanup, err := newPercy(opts, historyPath)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := interruptContext()
	defer cancel()

	if err := p.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("http://localhost:%d", p.Options().Port)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PERCY_SERVER_ADDRESS="+addr)

	runErr := cmd.Run()
	if err := p.Stop(ctx, false); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
