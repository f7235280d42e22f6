package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/store"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for local mode
)

// Typed exit codes for scripted callers. 0 success, 1 generic failure or
// issues found, 2 usage.
const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2

	exitSVN         = 10
	exitGitLab      = 11
	exitMaterialize = 12
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher; split from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFail
	}

	switch args[1] {
	case "serve", "server":
		return runServe(cfg, stdout, stderr)
	case "sync":
		return runSync(cfg, args[2:], stdout, stderr)
	case "outbox-worker":
		return runOutboxWorker(cfg, stdout, stderr)
	case "check":
		return runCheck(cfg, args[2:], stdout, stderr)
	case "report":
		return runReport(cfg, stdout, stderr)
	case "health":
		return runHealth(cfg, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: engram <command> [flags]

Commands:
  serve          run the memory gateway HTTP server
  sync           run one sync batch (or a loop) for a repository
  outbox-worker  drain the memory outbox until interrupted
  check          run the offline integrity scan
  report         print the reliability report
  health         ping the database and the external memory service`)
}

// newMetrics builds the process counters. Instrument registration on the
// global provider is best-effort; a failure disables recording, nothing else.
func newMetrics() *observability.Metrics {
	m, err := observability.NewMetrics()
	if err != nil {
		slog.Warn("metrics init failed", "error", err)
		return nil
	}
	return m
}

// openStore connects using the configured DSN. DSNs that are not Postgres
// URLs open the SQLite driver, which carries local mode and tests.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	driver := "postgres"
	if !strings.HasPrefix(cfg.PostgresDSN, "postgres://") && !strings.HasPrefix(cfg.PostgresDSN, "postgresql://") {
		driver = "sqlite"
	}
	st, err := store.Open(ctx, driver, cfg.PostgresDSN, cfg.PGSchema)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite" {
		if err := st.Init(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}
