// Package outbox drains the durable memory outbox: entries enqueued when
// the gateway could not reach the external memory service are retried with
// bounded exponential backoff, dead-lettered when retries run out, and
// closed with a flush-success audit row that shares the outbox id with the
// original failure audit.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/store"
)

// DB is the slice of the relational store the worker drives.
type DB interface {
	ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, maxRetries int, lease time.Duration) ([]store.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, outboxID int64, memoryID string) error
	MarkOutboxFailed(ctx context.Context, outboxID int64, lastError string, nextAttemptAt time.Time, dead bool) error
	InsertAudit(ctx context.Context, row store.AuditRow) (string, error)
}

// Memory is the delivery seam.
type Memory interface {
	Store(ctx context.Context, payloadMD string, metadata map[string]any) (string, error)
}

// BatchStats summarizes one ProcessBatch call.
type BatchStats struct {
	Claimed int
	Sent    int
	Failed  int
	Dead    int
}

// Worker delivers queued entries.
type Worker struct {
	cfg      config.OutboxConfig
	db       DB
	mem      Memory
	workerID string
	now      func() time.Time
	metrics  *observability.Metrics
}

// New creates a worker.
func New(cfg config.OutboxConfig, db DB, mem Memory, workerID string) *Worker {
	return &Worker{cfg: cfg, db: db, mem: mem, workerID: workerID,
		now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock. Test hook.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// WithMetrics attaches flush counters. Nil leaves recording off.
func (w *Worker) WithMetrics(m *observability.Metrics) *Worker {
	w.metrics = m
	return w
}

// ProcessBatch claims due entries and attempts delivery. Crash safety rides
// on the claim query: rows stuck in_progress with an expired lease are
// reclaimed like any due row.
func (w *Worker) ProcessBatch(ctx context.Context) (BatchStats, error) {
	lease := time.Duration(w.cfg.LeaseSeconds) * time.Second
	entries, err := w.db.ClaimOutboxBatch(ctx, w.workerID, w.cfg.BatchSize, w.cfg.MaxRetries, lease)
	if err != nil {
		return BatchStats{}, fmt.Errorf("claim batch: %w", err)
	}

	stats := BatchStats{Claimed: len(entries)}
	for _, entry := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		w.deliver(ctx, entry, &stats)
	}
	return stats, nil
}

func (w *Worker) deliver(ctx context.Context, entry store.OutboxEntry, stats *BatchStats) {
	itemCtx, cancel := context.WithTimeout(ctx, w.cfg.ItemTimeout)
	defer cancel()

	memoryID, err := w.mem.Store(itemCtx, entry.PayloadMD, map[string]any{"space": entry.TargetSpace})
	if err != nil {
		w.recordFailure(ctx, entry, err, stats)
		return
	}

	if err := w.db.MarkOutboxSent(ctx, entry.OutboxID, memoryID); err != nil {
		slog.Error("outbox: sent mark failed", "outbox_id", entry.OutboxID, "error", err)
		stats.Failed++
		w.metrics.RecordOutboxFlush(ctx, "failed")
		return
	}

	// The flush audit closes the causal chain opened by the gateway's
	// failure audit: both carry this outbox id. The correlation id is
	// fresh; this delivery is its own causal stage.
	if _, err := w.db.InsertAudit(ctx, store.AuditRow{
		ActorUserID: "outbox_worker",
		TargetSpace: entry.TargetSpace,
		Action:      store.AuditAllow,
		Reason:      "outbox_flush_success",
		PayloadSHA:  entry.PayloadSHA,
		Evidence: store.EvidenceRefs{
			Source:        "outbox_worker",
			CorrelationID: identity.NewCorrelationID(),
			OutboxID:      entry.OutboxID,
			MemoryID:      memoryID,
		},
	}); err != nil {
		slog.Error("outbox: flush audit failed", "outbox_id", entry.OutboxID, "error", err)
	}

	stats.Sent++
	w.metrics.RecordOutboxFlush(ctx, "sent")
	slog.Info("outbox: delivered", "outbox_id", entry.OutboxID, "memory_id", memoryID,
		"retry_count", entry.RetryCount)
}

func (w *Worker) recordFailure(ctx context.Context, entry store.OutboxEntry, deliverErr error, stats *BatchStats) {
	retries := entry.RetryCount + 1
	dead := retries >= w.cfg.MaxRetries

	next := w.now().Add(w.backoff(retries))
	if err := w.db.MarkOutboxFailed(ctx, entry.OutboxID, deliverErr.Error(), next, dead); err != nil {
		slog.Error("outbox: failure mark failed", "outbox_id", entry.OutboxID, "error", err)
		stats.Failed++
		w.metrics.RecordOutboxFlush(ctx, "failed")
		return
	}
	if dead {
		stats.Dead++
		w.metrics.RecordOutboxFlush(ctx, "dead")
		slog.Warn("outbox: dead-lettered", "outbox_id", entry.OutboxID,
			"retry_count", retries, "error", deliverErr)
		return
	}
	stats.Failed++
	w.metrics.RecordOutboxFlush(ctx, "failed")
	slog.Info("outbox: delivery failed, scheduled retry", "outbox_id", entry.OutboxID,
		"retry_count", retries, "next_attempt_at", next, "error", deliverErr)
}

// backoff is base * 2^(retries-1) with jitter, so synchronized workers
// spread their retries.
func (w *Worker) backoff(retries int) time.Duration {
	d := w.cfg.BaseBackoff << uint(retries-1) //nolint:gosec // retries is bounded by MaxRetries
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1)) //nolint:gosec // scheduling jitter
	return d + jitter
}

// Run polls until ctx is canceled. The stop signal is honored between
// batches, never mid-entry.
func (w *Worker) Run(ctx context.Context) error {
	for {
		stats, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("outbox: batch failed", "error", err)
		} else if stats.Claimed > 0 {
			slog.Info("outbox: batch done", "claimed", stats.Claimed,
				"sent", stats.Sent, "failed", stats.Failed, "dead", stats.Dead)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.PollInterval):
		}
	}
}
