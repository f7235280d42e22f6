package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Lease errors surface as values so pipelines can branch without string
// matching.
var (
	ErrLeaseHeld   = errors.New("lease held by another worker")
	ErrRenewFailed = errors.New("lease renew failed")
)

// ClaimLease atomically acquires the (repo, job) lease for workerID. A row
// whose expiry has passed is stolen; expires_at == now counts as expired.
// Returns ErrLeaseHeld when another worker holds an unexpired lease.
func (s *Store) ClaimLease(ctx context.Context, repoID int64, jobType, workerID string, lease time.Duration) (Lease, error) {
	now := s.now()
	l := Lease{
		RepoID:     repoID,
		JobType:    jobType,
		WorkerID:   workerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_leases (repo_id, job_type, worker_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id, job_type) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at <= $6`,
		repoID, jobType, workerID, l.AcquiredAt, l.ExpiresAt, now,
	)
	if err != nil {
		return Lease{}, fmt.Errorf("claim lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, fmt.Errorf("claim lease: rows affected: %w", err)
	}
	if n == 0 {
		return Lease{}, ErrLeaseHeld
	}
	return l, nil
}

// RenewLease extends an unexpired lease owned by workerID. A lost lease
// returns ErrRenewFailed; the owner must abort in-flight writes for the
// (repo, job) pair.
func (s *Store) RenewLease(ctx context.Context, repoID int64, jobType, workerID string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_leases SET expires_at = $1
		WHERE repo_id = $2 AND job_type = $3 AND worker_id = $4 AND expires_at > $5`,
		now.Add(lease), repoID, jobType, workerID, now,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: rows affected: %w", err)
	}
	if n == 0 {
		return ErrRenewFailed
	}
	return nil
}

// ReleaseLease deletes the lease iff workerID still owns it. Releasing a
// lease lost to another worker is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, repoID int64, jobType, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_leases WHERE repo_id = $1 AND job_type = $2 AND worker_id = $3`,
		repoID, jobType, workerID,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
