package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/extmem"
	"github.com/engramhq/engram/pkg/store"
)

func runReport(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return exitFail
	}
	defer func() { _ = st.Close() }()

	outbox, err := st.GetOutboxStats(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "report: outbox stats: %v\n", err)
		return exitFail
	}
	audit, err := st.GetAuditStats(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "report: audit stats: %v\n", err)
		return exitFail
	}

	report := struct {
		OutboxStats store.OutboxStats `json:"outbox_stats"`
		AuditStats  store.AuditStats  `json:"audit_stats"`
		GeneratedAt string            `json:"generated_at"`
	}{outbox, audit, time.Now().UTC().Format(time.RFC3339)}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_, _ = fmt.Fprintf(stderr, "report: %v\n", err)
		return exitFail
	}
	return exitOK
}

func runHealth(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code := exitOK

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "health: database: %v\n", err)
		code = exitFail
	} else {
		defer func() { _ = st.Close() }()
		if err := st.DB().PingContext(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "health: database: %v\n", err)
			code = exitFail
		} else {
			_, _ = fmt.Fprintln(stdout, "database: ok")
		}
	}

	mem := extmem.New(cfg.OpenMemoryBaseURL, cfg.OpenMemoryTimeout)
	if err := mem.Ping(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "health: openmemory: %v\n", err)
		code = exitFail
	} else {
		_, _ = fmt.Fprintln(stdout, "openmemory: ok")
	}

	return code
}
