package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// OpenSyncRun records the start of a lease-holding sync invocation.
func (s *Store) OpenSyncRun(ctx context.Context, run SyncRun) error {
	before, err := json.Marshal(run.CursorBefore)
	if err != nil {
		return fmt.Errorf("marshal cursor_before: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (run_id, repo_id, job_type, mode, started_at, cursor_before)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.RunID, run.RepoID, run.JobType, run.Mode, run.StartedAt.UTC(), string(before),
	)
	if err != nil {
		return fmt.Errorf("open sync run %s: %w", run.RunID, err)
	}
	return nil
}

// CloseSyncRun finalizes the run row with status, counts and the cursor
// position after the run.
func (s *Store) CloseSyncRun(ctx context.Context, run SyncRun) error {
	after, err := json.Marshal(run.CursorAfter)
	if err != nil {
		return fmt.Errorf("marshal cursor_after: %w", err)
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			finished_at = $1, status = $2, cursor_after = $3, counts = $4,
			error_summary = $5, degradation = $6
		WHERE run_id = $7`,
		run.FinishedAt.UTC(), run.Status, string(after), string(counts),
		nullStr(run.ErrorSummary), nullStr(run.Degradation), run.RunID,
	)
	if err != nil {
		return fmt.Errorf("close sync run %s: %w", run.RunID, err)
	}
	return nil
}
