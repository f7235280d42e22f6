package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/extmem"
	"github.com/engramhq/engram/pkg/outbox"
)

func runOutboxWorker(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return exitFail
	}
	defer func() { _ = st.Close() }()

	mem := extmem.New(cfg.OpenMemoryBaseURL, cfg.OpenMemoryTimeout)
	worker := outbox.New(cfg.Outbox, st, mem, workerID()).WithMetrics(newMetrics())

	slog.Info("outbox worker: starting", "poll_interval", cfg.Outbox.PollInterval)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		_, _ = fmt.Fprintf(stderr, "outbox worker: %v\n", err)
		return exitFail
	}
	_, _ = fmt.Fprintln(stdout, "outbox worker: stopped")
	return exitOK
}
