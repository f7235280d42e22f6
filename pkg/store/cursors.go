package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWatermarkUnchanged is returned when a cursor save would not strictly
// advance the stored watermark. Callers treat it as a benign no-op signal.
var ErrWatermarkUnchanged = errors.New("watermark unchanged")

// LoadCursor returns the cursor for (repo, job), or ErrNotFound before the
// first sync.
func (s *Store) LoadCursor(ctx context.Context, repoID int64, jobType string) (Cursor, error) {
	return loadCursorTx(ctx, s.db, repoID, jobType)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCursorTx(ctx context.Context, q queryRower, repoID int64, jobType string) (Cursor, error) {
	row := q.QueryRowContext(ctx, `
		SELECT repo_id, job_type, last_rev, last_commit_sha, last_commit_ts, last_sync_at, last_sync_count
		FROM sync_cursors WHERE repo_id = $1 AND job_type = $2`, repoID, jobType)

	var c Cursor
	var ts, syncAt sql.NullTime
	err := row.Scan(&c.RepoID, &c.JobType, &c.Mark.Rev, &c.Mark.SHA, &ts, &syncAt, &c.LastSyncCount)
	if err != nil {
		return Cursor{}, mapNoRows(err)
	}
	if ts.Valid {
		c.Mark.TS = ts.Time.UTC()
	}
	if syncAt.Valid {
		c.LastSyncAt = syncAt.Time.UTC()
	}
	return c, nil
}

// SaveCursor advances the watermark for (repo, job). The monotonicity check
// runs transactionally: the existing row is read, compared, and overwritten
// only if the target is strictly greater. A lesser or equal target returns
// ErrWatermarkUnchanged and leaves the row untouched.
func (s *Store) SaveCursor(ctx context.Context, repoID int64, jobType string, mark Watermark, syncCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cursor: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := loadCursorTx(ctx, tx, repoID, jobType)
	switch {
	case errors.Is(err, ErrNotFound):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_cursors (repo_id, job_type, last_rev, last_commit_sha, last_commit_ts, last_sync_at, last_sync_count)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			repoID, jobType, mark.Rev, mark.SHA, nullTime(mark.TS), s.now(), syncCount)
		if err != nil {
			return fmt.Errorf("save cursor: insert: %w", err)
		}
	case err != nil:
		return fmt.Errorf("save cursor: load: %w", err)
	default:
		if !existing.Mark.Less(mark) {
			return ErrWatermarkUnchanged
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sync_cursors
			SET last_rev = $1, last_commit_sha = $2, last_commit_ts = $3, last_sync_at = $4, last_sync_count = $5
			WHERE repo_id = $6 AND job_type = $7`,
			mark.Rev, mark.SHA, nullTime(mark.TS), s.now(), syncCount, repoID, jobType)
		if err != nil {
			return fmt.Errorf("save cursor: update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save cursor: commit: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
