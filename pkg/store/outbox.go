package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueOutbox inserts a pending outbox entry and returns its id. Called
// only when the external-memory write failed; payload_sha is the dedup and
// audit-correlation key.
func (s *Store) EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string) (int64, error) {
	now := s.now()
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO outbox_memory (target_space, payload_md, payload_sha, status, retry_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5)
		RETURNING outbox_id`,
		targetSpace, payloadMD, payloadSHA, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox: %w", err)
	}
	return id, nil
}

// GetOutboxEntry loads one entry.
func (s *Store) GetOutboxEntry(ctx context.Context, outboxID int64) (OutboxEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT outbox_id, target_space, payload_md, payload_sha, status, retry_count,
		       next_attempt_at, created_at, COALESCE(last_error, ''),
		       COALESCE(lease_worker, ''), lease_expires_at
		FROM outbox_memory WHERE outbox_id = $1`, outboxID)

	var e OutboxEntry
	var leaseExp sql.NullTime
	err := row.Scan(&e.OutboxID, &e.TargetSpace, &e.PayloadMD, &e.PayloadSHA, &e.Status,
		&e.RetryCount, &e.NextAttemptAt, &e.CreatedAt, &e.LastError, &e.LeaseWorker, &leaseExp)
	if err != nil {
		return OutboxEntry{}, mapNoRows(err)
	}
	if leaseExp.Valid {
		e.LeaseExpiresAt = leaseExp.Time.UTC()
	}
	return e, nil
}

// ClaimOutboxBatch leases up to batchSize deliverable entries for workerID
// and flips them to in_progress. Deliverable means pending/failed with
// next_attempt_at due and retries remaining, or in_progress with an expired
// lease (crashed worker). On Postgres the inner select takes
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on a row.
func (s *Store) ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, maxRetries int, lease time.Duration) ([]OutboxEntry, error) {
	now := s.now()
	locking := ""
	if s.driver == "postgres" {
		locking = " FOR UPDATE SKIP LOCKED"
	}
	query := `
		UPDATE outbox_memory SET
			status = 'in_progress', lease_worker = $1, lease_expires_at = $2
		WHERE outbox_id IN (
			SELECT outbox_id FROM outbox_memory
			WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $3 AND retry_count < $4)
			   OR (status = 'in_progress' AND lease_expires_at <= $3)
			ORDER BY next_attempt_at
			LIMIT $5` + locking + `
		)
		RETURNING outbox_id, target_space, payload_md, payload_sha, status, retry_count,
		          next_attempt_at, created_at, COALESCE(last_error, ''),
		          COALESCE(lease_worker, ''), lease_expires_at`

	rows, err := s.db.QueryContext(ctx, query, workerID, now.Add(lease), now, maxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]OutboxEntry, 0, batchSize)
	for rows.Next() {
		var e OutboxEntry
		var leaseExp sql.NullTime
		if err := rows.Scan(&e.OutboxID, &e.TargetSpace, &e.PayloadMD, &e.PayloadSHA, &e.Status,
			&e.RetryCount, &e.NextAttemptAt, &e.CreatedAt, &e.LastError, &e.LeaseWorker, &leaseExp); err != nil {
			return nil, err
		}
		if leaseExp.Valid {
			e.LeaseExpiresAt = leaseExp.Time.UTC()
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkOutboxSent finalizes a delivered entry. lastError records the
// delivered memory id for operator forensics.
func (s *Store) MarkOutboxSent(ctx context.Context, outboxID int64, memoryID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_memory SET
			status = 'sent', last_error = $1, lease_worker = NULL, lease_expires_at = NULL
		WHERE outbox_id = $2`,
		"memory_id="+memoryID, outboxID,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent %d: %w", outboxID, err)
	}
	return nil
}

// MarkOutboxFailed bumps the retry counter and either schedules the next
// attempt or dead-letters the entry once maxRetries is exhausted.
func (s *Store) MarkOutboxFailed(ctx context.Context, outboxID int64, lastError string, nextAttemptAt time.Time, dead bool) error {
	status := OutboxFailed
	if dead {
		status = OutboxDead
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_memory SET
			status = $1, retry_count = retry_count + 1, last_error = $2,
			next_attempt_at = $3, lease_worker = NULL, lease_expires_at = NULL
		WHERE outbox_id = $4`,
		status, lastError, nextAttemptAt.UTC(), outboxID,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed %d: %w", outboxID, err)
	}
	return nil
}

// OutboxStats aggregates queue health for the reliability report.
type OutboxStats struct {
	Total                   int            `json:"total"`
	ByStatus                map[string]int `json:"by_status"`
	AvgRetryCount           float64        `json:"avg_retry_count"`
	OldestPendingAgeSeconds int64          `json:"oldest_pending_age_seconds"`
}

// GetOutboxStats computes queue aggregates.
func (s *Store) GetOutboxStats(ctx context.Context) (OutboxStats, error) {
	stats := OutboxStats{ByStatus: map[string]int{
		OutboxPending: 0, OutboxSent: 0, OutboxFailed: 0, OutboxDead: 0,
	}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outbox_memory GROUP BY status`)
	if err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OutboxStats{}, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return OutboxStats{}, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(retry_count), 0) FROM outbox_memory`)
	if err := row.Scan(&stats.AvgRetryCount); err != nil {
		return OutboxStats{}, fmt.Errorf("outbox stats: avg retry: %w", err)
	}

	// Direct column select, not MIN(): aggregate expressions lose the
	// declared column type on SQLite and break time scanning.
	var oldest time.Time
	row = s.db.QueryRowContext(ctx, `
		SELECT created_at FROM outbox_memory WHERE status = 'pending' ORDER BY created_at LIMIT 1`)
	err = row.Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return OutboxStats{}, fmt.Errorf("outbox stats: oldest pending: %w", err)
	default:
		stats.OldestPendingAgeSeconds = int64(s.now().Sub(oldest).Seconds())
	}
	return stats, nil
}
