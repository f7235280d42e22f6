package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramhq/engram/pkg/artifacts"
	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/errkind"
	"github.com/engramhq/engram/pkg/materialize"
	"github.com/engramhq/engram/pkg/scm/gitlab"
	"github.com/engramhq/engram/pkg/scm/svn"
	"github.com/engramhq/engram/pkg/store"
	"github.com/engramhq/engram/pkg/syncer"
)

func runSync(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	repoURL := fs.String("repo-url", "", "repository url (required)")
	repoType := fs.String("repo-type", "git", "svn or git")
	branch := fs.String("branch", "", "git ref to sync (default branch when empty)")
	loop := fs.Bool("loop", false, "keep syncing until interrupted")
	interval := fs.Duration("interval", time.Minute, "loop sleep between empty batches")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *repoURL == "" {
		_, _ = fmt.Fprintln(stderr, "sync: -repo-url is required")
		return exitUsage
	}
	if *repoType != store.RepoTypeSVN && *repoType != store.RepoTypeGit {
		_, _ = fmt.Fprintf(stderr, "sync: unknown repo type %q\n", *repoType)
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

	repo, err := st.EnsureRepo(ctx, *repoType, *repoURL, cfg.ProjectKey, *branch)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ensure repo: %v\n", err)
		return exitFail
	}

	art, err := artifacts.NewStore(ctx, cfg.ArtifactRoot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "artifacts: %v\n", err)
		return exitFail
	}

	svnAdapter := svn.New(svn.Config{
		Username:       cfg.SVN.Username,
		Password:       cfg.SVN.Password,
		CommandTimeout: cfg.SVN.CommandTimeout,
	})
	tokens, err := gitlab.NewTokenProvider(cfg.GitLab.TokenSource, cfg.GitLab.TokenValue)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "gitlab token: %v\n", err)
		return exitFail
	}
	// With REDIS_ADDR set every worker draws from one shared token bucket;
	// otherwise each process keeps its own.
	var limiter gitlab.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = redisClient.Close() }()
		limiter = gitlab.NewRedisLimiter(redisClient, cfg.GitLab.RatePerSecond, cfg.GitLab.RateBurst)
	} else {
		limiter = gitlab.NewLocalLimiter(cfg.GitLab.RatePerSecond, cfg.GitLab.RateBurst)
	}
	gitClient := gitlab.NewClient(gitlab.ClientConfig{
		BaseURL:        cfg.GitLab.BaseURL,
		TenantID:       cfg.GitLab.TenantID,
		MaxAttempts:    cfg.GitLab.MaxAttempts,
		BackoffBase:    cfg.GitLab.BackoffBase,
		BackoffMax:     cfg.GitLab.BackoffMax,
		RequestTimeout: cfg.GitLab.RequestTimeout,
		MaxInFlight:    cfg.GitLab.MaxInFlight,
	}, tokens, limiter)

	mat := materialize.New(materialize.Config{
		ProjectKey:   cfg.ProjectKey,
		MaxSizeBytes: cfg.Sync.MaxDiffBytes,
	}, st, art, svnAdapter, gitClient)

	var src syncer.Source
	if *repoType == store.RepoTypeSVN {
		src = syncer.NewSVNSource(svnAdapter)
	} else {
		src = syncer.NewGitLabSource(gitClient, *branch, cfg.GitLab.PerPage)
	}

	engine := syncer.New(cfg.Sync, st, mat, workerID()).WithMetrics(newMetrics())

	if *loop {
		ctrl := syncer.NewController(cfg.Sync)
		if err := engine.RunLoop(ctx, repo, src, ctrl, *interval); err != nil && ctx.Err() == nil {
			_, _ = fmt.Fprintf(stderr, "sync loop: %v\n", err)
			return exitFail
		}
		return exitOK
	}

	res, err := engine.RunOnce(ctx, repo, src)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "sync: %v\n", err)
		return syncExitCode(*repoType, res)
	}
	if res.Locked {
		_, _ = fmt.Fprintln(stdout, "sync: lease held by another worker, skipped")
		return exitOK
	}
	_, _ = fmt.Fprintf(stdout, "sync: run %s status=%s fetched=%d persisted=%d materialized=%d degraded=%d failed=%d has_more=%v\n",
		res.RunID, res.Status, res.Counts.Fetched, res.Counts.Persisted,
		res.Counts.Materialized, res.Counts.Degraded, res.Counts.Failed, res.HasMore)
	if res.Status == "failed" {
		return syncExitCode(*repoType, res)
	}
	return exitOK
}

// syncExitCode maps a failed run onto the typed exit range.
func syncExitCode(repoType string, res syncer.Result) int {
	switch {
	case res.FailureKinds[errkind.AuthError] > 0 || res.FailureKinds[errkind.CommandError] > 0:
		if repoType == store.RepoTypeSVN {
			return exitSVN
		}
		return exitGitLab
	case res.FailureKinds[errkind.RateLimited] > 0 || res.FailureKinds[errkind.HTTPError] > 0:
		return exitGitLab
	case res.FailureKinds[errkind.ValidationError] > 0 || res.FailureKinds[errkind.ContentTooLarge] > 0:
		return exitMaterialize
	}
	return exitFail
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
