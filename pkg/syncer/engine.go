// Package syncer runs the cursor-driven ingestion pipelines. One engine
// invocation claims the (repo, job) lease, fetches a window of events,
// dedupes and orders them, persists rows, materializes patch blobs and
// advances the watermark under the strict or best-effort rules.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/errkind"
	"github.com/engramhq/engram/pkg/materialize"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/store"
)

// Diff modes.
const (
	DiffModeAlways     = "always"
	DiffModeBestEffort = "best_effort"
	DiffModeNone       = "none"
)

// DB is the slice of the relational store the engine drives.
type DB interface {
	ClaimLease(ctx context.Context, repoID int64, jobType, workerID string, lease time.Duration) (store.Lease, error)
	RenewLease(ctx context.Context, repoID int64, jobType, workerID string, lease time.Duration) error
	ReleaseLease(ctx context.Context, repoID int64, jobType, workerID string) error
	LoadCursor(ctx context.Context, repoID int64, jobType string) (store.Cursor, error)
	SaveCursor(ctx context.Context, repoID int64, jobType string, mark store.Watermark, syncCount int) error
	OpenSyncRun(ctx context.Context, run store.SyncRun) error
	CloseSyncRun(ctx context.Context, run store.SyncRun) error
	UpsertSvnRevision(ctx context.Context, rev store.SvnRevision) error
	UpsertGitCommit(ctx context.Context, c store.GitCommit) error
	EnsurePatchBlob(ctx context.Context, sourceType, sourceID, format string) (store.PatchBlob, error)
}

// Blobs is the materializer seam.
type Blobs interface {
	Process(ctx context.Context, blob store.PatchBlob, bestEffort bool) (materialize.Outcome, error)
}

// Result summarizes one engine invocation.
type Result struct {
	RunID        string
	Locked       bool
	Status       string // completed | failed | no_data
	HasMore      bool
	CursorBefore store.Watermark
	CursorAfter  store.Watermark
	Counts       store.RunCounts

	// Failure accounting for the adaptive controller and run record.
	FailureKinds           map[errkind.Kind]int
	UnrecoverableErrors    []string
	CursorAdvanceStoppedAt string
	MissingTypes           []string
}

func (r Result) sawKind(kinds ...errkind.Kind) bool {
	for _, k := range kinds {
		if r.FailureKinds[k] > 0 {
			return true
		}
	}
	return false
}

// Engine is the shared sync skeleton.
type Engine struct {
	cfg      config.SyncConfig
	db       DB
	blobs    Blobs
	workerID string
	now      func() time.Time
	metrics  *observability.Metrics
}

// New creates an engine.
func New(cfg config.SyncConfig, db DB, blobs Blobs, workerID string) *Engine {
	return &Engine{cfg: cfg, db: db, blobs: blobs, workerID: workerID,
		now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithMetrics attaches run counters. Nil leaves recording off.
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// RunOnce executes one sync batch for (repo, source). A held lease is not
// an error: the caller gets Locked and moves on.
func (e *Engine) RunOnce(ctx context.Context, repo store.Repo, src Source) (Result, error) {
	res := Result{RunID: uuid.NewString(), FailureKinds: map[errkind.Kind]int{}}
	jobType := src.JobType()
	leaseDur := time.Duration(e.cfg.LeaseSeconds) * time.Second

	if _, err := e.db.ClaimLease(ctx, repo.RepoID, jobType, e.workerID, leaseDur); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			res.Locked = true
			return res, nil
		}
		return res, fmt.Errorf("claim lease: %w", err)
	}
	defer func() {
		if err := e.db.ReleaseLease(ctx, repo.RepoID, jobType, e.workerID); err != nil {
			slog.Warn("sync: lease release failed", "repo_id", repo.RepoID, "job_type", jobType, "error", err)
		}
	}()

	run := store.SyncRun{
		RunID:     res.RunID,
		RepoID:    repo.RepoID,
		JobType:   jobType,
		Mode:      e.cfg.DiffMode,
		StartedAt: e.now(),
	}
	if err := e.db.OpenSyncRun(ctx, run); err != nil {
		return res, fmt.Errorf("open sync run: %w", err)
	}
	defer func() {
		run.FinishedAt = e.now()
		run.Status = res.Status
		run.CursorBefore = res.CursorBefore
		run.CursorAfter = res.CursorAfter
		run.Counts = res.Counts
		if len(res.UnrecoverableErrors) > 0 {
			run.ErrorSummary = res.UnrecoverableErrors[0]
		}
		if err := e.db.CloseSyncRun(ctx, run); err != nil {
			slog.Warn("sync: run close failed", "run_id", run.RunID, "error", err)
		}
		e.metrics.RecordSyncRun(ctx, jobType, res.Status)
	}()

	cur, err := e.db.LoadCursor(ctx, repo.RepoID, jobType)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		res.Status = "failed"
		return res, fmt.Errorf("load cursor: %w", err)
	}
	res.CursorBefore = cur.Mark
	res.CursorAfter = cur.Mark

	window := ComputeWindow(cur, e.cfg, e.now())
	events, err := src.Fetch(ctx, repo, cur, window, e.cfg.BatchSize)
	if err != nil {
		res.Status = "failed"
		res.FailureKinds[errkind.KindOf(err)]++
		res.UnrecoverableErrors = append(res.UnrecoverableErrors, err.Error())
		return res, fmt.Errorf("fetch %s: %w", jobType, err)
	}
	res.Counts.Fetched = len(events)

	events = e.prepare(events, cur)
	res.Counts.Deduped = res.Counts.Fetched - len(events)
	if len(events) == 0 {
		res.Status = "no_data"
		return res, nil
	}
	if len(events) > e.cfg.BatchSize {
		events = events[:e.cfg.BatchSize]
		res.HasMore = true
	}

	target, aborted := e.processEvents(ctx, repo, src, events, &res)

	if !target.IsZero() && cur.Mark.Less(target) {
		if err := e.db.SaveCursor(ctx, repo.RepoID, jobType, target, res.Counts.Persisted); err != nil &&
			!errors.Is(err, store.ErrWatermarkUnchanged) {
			res.Status = "failed"
			return res, fmt.Errorf("save cursor: %w", err)
		}
		res.CursorAfter = target
	}

	if aborted {
		res.Status = "failed"
		return res, nil
	}
	res.Status = "completed"
	return res, nil
}

// prepare collapses duplicates, drops events at or below the watermark and
// sorts ascending by (ts, sha). The stable sha tie-break lets a repeated
// same-second commit land in one run.
func (e *Engine) prepare(events []Event, cur store.Cursor) []Event {
	seen := make(map[string]bool, len(events))
	kept := events[:0]
	for _, ev := range events {
		if seen[ev.SourceID] {
			continue
		}
		seen[ev.SourceID] = true
		if !cur.Mark.IsZero() && !cur.Mark.Less(ev.Mark) {
			continue
		}
		kept = append(kept, ev)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Mark.Less(kept[j].Mark) })
	return kept
}

// processEvents persists and materializes in order. Returns the cursor
// target and whether the run aborted (lost lease or strict-mode stop).
func (e *Engine) processEvents(ctx context.Context, repo store.Repo, src Source, events []Event, res *Result) (store.Watermark, bool) {
	bestEffort := e.cfg.DiffMode == DiffModeBestEffort
	leaseDur := time.Duration(e.cfg.LeaseSeconds) * time.Second

	var lastSuccess store.Watermark
	for i, ev := range events {
		if e.cfg.RenewIntervalRevs > 0 && i > 0 && i%e.cfg.RenewIntervalRevs == 0 {
			if err := e.db.RenewLease(ctx, repo.RepoID, src.JobType(), e.workerID, leaseDur); err != nil {
				// Lost lease: another worker may own the pair now. Stop
				// writing and advance only past what we finished.
				slog.Warn("sync: lease lost mid-batch", "repo_id", repo.RepoID, "job_type", src.JobType())
				res.UnrecoverableErrors = append(res.UnrecoverableErrors, "renew_failed")
				return lastSuccess, true
			}
		}
		if err := e.persist(ctx, ev); err != nil {
			res.Counts.Failed++
			res.FailureKinds[errkind.KindOf(err)]++
			res.UnrecoverableErrors = append(res.UnrecoverableErrors, err.Error())
			return lastSuccess, true
		}
		res.Counts.Persisted++

		if e.cfg.DiffMode == DiffModeNone {
			lastSuccess = ev.Mark
			continue
		}

		format := store.FormatDiff
		isBulk, _ := classifyBulk(src.SourceType(), ev.Summary(), e.cfg)
		if isBulk {
			format = store.FormatDiffstat
		}
		blob, err := e.db.EnsurePatchBlob(ctx, src.SourceType(), ev.SourceID, format)
		if err != nil {
			res.Counts.Failed++
			res.FailureKinds[errkind.KindOf(err)]++
			res.UnrecoverableErrors = append(res.UnrecoverableErrors, err.Error())
			return lastSuccess, true
		}
		if blob.MaterializeStatus == store.MaterializeDone {
			lastSuccess = ev.Mark
			continue
		}

		outcome, err := e.blobs.Process(ctx, blob, bestEffort)
		if err != nil {
			res.Counts.Failed++
			res.FailureKinds[errkind.Unknown]++
			res.UnrecoverableErrors = append(res.UnrecoverableErrors, err.Error())
			return lastSuccess, true
		}
		switch outcome.Status {
		case store.MaterializeDone:
			res.Counts.Materialized++
			if outcome.Degraded {
				res.Counts.Degraded++
				res.MissingTypes = append(res.MissingTypes, format)
			}
			lastSuccess = ev.Mark
		case store.MaterializeFailed:
			res.Counts.Failed++
			res.FailureKinds[outcome.Category]++
			if outcome.Category.Unrecoverable() {
				res.UnrecoverableErrors = append(res.UnrecoverableErrors,
					fmt.Sprintf("%s: %s", ev.SourceID, outcome.Category))
				if e.cfg.Strict {
					// Strict mode stops the watermark at the last fully
					// processed event; everything after is re-fetched.
					res.CursorAdvanceStoppedAt = markKey(lastSuccess)
					return lastSuccess, false
				}
				// Best effort advances past the failure and records the gap.
				res.MissingTypes = append(res.MissingTypes, format)
				lastSuccess = ev.Mark
				continue
			}
			// Recoverable (parse, content-too-large): cursor moves on.
			res.MissingTypes = append(res.MissingTypes, format)
			lastSuccess = ev.Mark
		default: // skipped: another worker owns the blob
			lastSuccess = ev.Mark
		}
	}
	return lastSuccess, false
}

func (e *Engine) persist(ctx context.Context, ev Event) error {
	switch {
	case ev.Svn != nil:
		rev := *ev.Svn
		rev.IsBulk, rev.BulkReason = classifyBulk("svn", rev.Meta, e.cfg)
		return e.db.UpsertSvnRevision(ctx, rev)
	case ev.Git != nil:
		c := *ev.Git
		c.IsBulk, c.BulkReason = classifyBulk("git", c.Meta, e.cfg)
		return e.db.UpsertGitCommit(ctx, c)
	}
	return fmt.Errorf("event %s has no payload", ev.SourceID)
}

func markKey(m store.Watermark) string {
	if m.Rev != 0 {
		return fmt.Sprintf("r%d", m.Rev)
	}
	return m.SHA
}

// RunLoop runs batches until ctx is canceled, applying the adaptive
// controller between batches. The interval only applies when a batch did
// not fill; a truncated batch continues immediately.
func (e *Engine) RunLoop(ctx context.Context, repo store.Repo, src Source, ctrl *Controller, interval time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cfg := e.cfg
		if ctrl != nil {
			cfg = ctrl.Apply(cfg)
		}
		batch := &Engine{cfg: cfg, db: e.db, blobs: e.blobs, workerID: e.workerID, now: e.now, metrics: e.metrics}

		res, err := batch.RunOnce(ctx, repo, src)
		if err != nil {
			slog.Error("sync: batch failed", "repo_id", repo.RepoID, "job_type", src.JobType(), "error", err)
		}
		if ctrl != nil {
			ctrl.Observe(res)
		}
		if res.HasMore && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
