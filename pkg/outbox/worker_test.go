package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/engramhq/engram/pkg/config"
	"github.com/engramhq/engram/pkg/identity"
	"github.com/engramhq/engram/pkg/observability"
	"github.com/engramhq/engram/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type outboxDB struct {
	entries []store.OutboxEntry

	sent        map[int64]string
	failures    map[int64]string
	deadIDs     map[int64]bool
	nextTimes   map[int64]time.Time
	audits      []store.AuditRow
	auditErr    error
	markSentErr error
}

func newOutboxDB(entries ...store.OutboxEntry) *outboxDB {
	return &outboxDB{
		entries:   entries,
		sent:      map[int64]string{},
		failures:  map[int64]string{},
		deadIDs:   map[int64]bool{},
		nextTimes: map[int64]time.Time{},
	}
}

func (d *outboxDB) ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, maxRetries int, lease time.Duration) ([]store.OutboxEntry, error) {
	if len(d.entries) > batchSize {
		return d.entries[:batchSize], nil
	}
	return d.entries, nil
}

func (d *outboxDB) MarkOutboxSent(ctx context.Context, outboxID int64, memoryID string) error {
	if d.markSentErr != nil {
		return d.markSentErr
	}
	d.sent[outboxID] = memoryID
	return nil
}

func (d *outboxDB) MarkOutboxFailed(ctx context.Context, outboxID int64, lastError string, nextAttemptAt time.Time, dead bool) error {
	d.failures[outboxID] = lastError
	d.deadIDs[outboxID] = dead
	d.nextTimes[outboxID] = nextAttemptAt
	return nil
}

func (d *outboxDB) InsertAudit(ctx context.Context, row store.AuditRow) (string, error) {
	if d.auditErr != nil {
		return "", d.auditErr
	}
	d.audits = append(d.audits, row)
	return "audit-1", nil
}

type fakeMemory struct {
	memoryID string
	err      error
	calls    int
}

func (m *fakeMemory) Store(ctx context.Context, payloadMD string, metadata map[string]any) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.memoryID, nil
}

func workerConfig() config.OutboxConfig {
	return config.OutboxConfig{
		BatchSize:    50,
		MaxRetries:   3,
		BaseBackoff:  30 * time.Second,
		LeaseSeconds: 120,
		ItemTimeout:  5 * time.Second,
		PollInterval: time.Millisecond,
	}
}

func entry(id int64, retries int) store.OutboxEntry {
	return store.OutboxEntry{
		OutboxID:    id,
		TargetSpace: "team:billing",
		PayloadMD:   "[Kind] incident\n",
		PayloadSHA:  "deadbeef",
		RetryCount:  retries,
	}
}

func TestProcessBatchDeliversAndAudits(t *testing.T) {
	db := newOutboxDB(entry(1, 0), entry(2, 1))
	mem := &fakeMemory{memoryID: "mem-42"}
	w := New(workerConfig(), db, mem, "w1")

	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 2, Sent: 2}, stats)
	assert.Equal(t, "mem-42", db.sent[1])
	assert.Equal(t, "mem-42", db.sent[2])

	// Each delivery closes its causal chain with a flush audit carrying the
	// outbox id and a fresh correlation id.
	require.Len(t, db.audits, 2)
	flush := db.audits[0]
	assert.Equal(t, "outbox_worker", flush.ActorUserID)
	assert.Equal(t, store.AuditAllow, flush.Action)
	assert.Equal(t, "outbox_flush_success", flush.Reason)
	assert.Equal(t, "deadbeef", flush.PayloadSHA)
	assert.Equal(t, int64(1), flush.Evidence.OutboxID)
	assert.Equal(t, "mem-42", flush.Evidence.MemoryID)
	assert.True(t, identity.ValidCorrelationID(flush.Evidence.CorrelationID))
	assert.NotEqual(t, flush.Evidence.CorrelationID, db.audits[1].Evidence.CorrelationID)
}

func TestProcessBatchSchedulesRetryWithBackoff(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db := newOutboxDB(entry(1, 0))
	mem := &fakeMemory{err: errors.New("connection refused")}
	w := New(workerConfig(), db, mem, "w1").WithClock(func() time.Time { return now })

	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 1, Failed: 1}, stats)
	assert.False(t, db.deadIDs[1])
	assert.Equal(t, "connection refused", db.failures[1])

	// retries=1: backoff is base plus up to a quarter jitter.
	delay := db.nextTimes[1].Sub(now)
	assert.GreaterOrEqual(t, delay, 30*time.Second)
	assert.Less(t, delay, 38*time.Second)
	assert.Empty(t, db.audits)
}

func TestProcessBatchBackoffDoubles(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db := newOutboxDB(entry(1, 1))
	mem := &fakeMemory{err: errors.New("still down")}
	w := New(workerConfig(), db, mem, "w1").WithClock(func() time.Time { return now })

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	// retries=2: base doubled.
	delay := db.nextTimes[1].Sub(now)
	assert.GreaterOrEqual(t, delay, 60*time.Second)
	assert.Less(t, delay, 76*time.Second)
}

func TestProcessBatchDeadLetters(t *testing.T) {
	db := newOutboxDB(entry(1, 2)) // next failure is attempt 3 of 3
	mem := &fakeMemory{err: errors.New("permanently broken")}
	w := New(workerConfig(), db, mem, "w1")

	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 1, Dead: 1}, stats)
	assert.True(t, db.deadIDs[1])
}

func TestProcessBatchSentMarkFailureCountsFailed(t *testing.T) {
	db := newOutboxDB(entry(1, 0))
	db.markSentErr = errors.New("db down")
	w := New(workerConfig(), db, &fakeMemory{memoryID: "mem-1"}, "w1")

	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 1, Failed: 1}, stats)
	assert.Empty(t, db.audits)
}

func TestProcessBatchAuditFailureStillCountsSent(t *testing.T) {
	// The external write is authoritative; a failed flush audit is logged,
	// not rolled back.
	db := newOutboxDB(entry(1, 0))
	db.auditErr = errors.New("audit table locked")
	w := New(workerConfig(), db, &fakeMemory{memoryID: "mem-1"}, "w1")

	stats, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 1, Sent: 1}, stats)
	assert.Equal(t, "mem-1", db.sent[1])
}

func TestRunStopsOnContextCancel(t *testing.T) {
	db := newOutboxDB()
	w := New(workerConfig(), db, &fakeMemory{}, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func flushCounterByResult(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	byResult := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "engram.outbox.flushes" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				result, _ := dp.Attributes.Value(attribute.Key("result"))
				byResult[result.AsString()] += dp.Value
			}
		}
	}
	return byResult
}

func TestProcessBatchCountsFlushResults(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := observability.NewMetricsWith(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	db := newOutboxDB(entry(1, 0), entry(2, 0))
	w := New(workerConfig(), db, &fakeMemory{memoryID: "mem-1"}, "w1").WithMetrics(m)
	_, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sent": 2}, flushCounterByResult(t, reader))

	// A delivery failure on the last allowed retry dead-letters.
	db = newOutboxDB(entry(3, 1), entry(4, 2))
	w = New(workerConfig(), db, &fakeMemory{err: errors.New("connection refused")}, "w1").WithMetrics(m)
	_, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sent": 2, "failed": 1, "dead": 1},
		flushCounterByResult(t, reader))
}
