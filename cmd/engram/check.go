package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/engramhq/engram/pkg/artifacts"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/integrity"
)

func runCheck(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fix := fs.Bool("fix", false, "apply deterministic source-id repairs")
	sample := fs.Int("sample", 0, "scan at most N blobs and N attachments (0 = all)")
	chunkingVersion := fs.String("chunking-version", "", "expected chunking version; rows that drift are flagged")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "store: %v\n", err)
		return exitFail
	}
	defer func() { _ = st.Close() }()

	art, err := artifacts.NewStore(ctx, cfg.ArtifactRoot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "artifacts: %v\n", err)
		return exitFail
	}

	checker := integrity.New(integrity.Config{
		SampleLimit:             *sample,
		ExpectedChunkingVersion: *chunkingVersion,
		Fix:                     *fix,
	}, st, art)

	report, err := checker.Run(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "check: %v\n", err)
		return exitFail
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_, _ = fmt.Fprintf(stderr, "check: %v\n", err)
		return exitFail
	}
	if report.Clean() {
		return exitOK
	}
	return exitFail
}
