package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// UpsertSvnRevision persists one SVN revision. Identity attributes
// (repo_id, rev_num, source_id) never change on conflict; the rest is
// overwritten so re-syncs converge on the latest classification.
func (s *Store) UpsertSvnRevision(ctx context.Context, rev SvnRevision) error {
	meta, err := json.Marshal(rev.Meta)
	if err != nil {
		return fmt.Errorf("marshal revision meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO svn_revisions (repo_id, rev_num, author_raw, ts, message, is_merge, is_bulk, bulk_reason, source_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (repo_id, rev_num) DO UPDATE SET
			author_raw = EXCLUDED.author_raw,
			ts = EXCLUDED.ts,
			message = EXCLUDED.message,
			is_merge = EXCLUDED.is_merge,
			is_bulk = EXCLUDED.is_bulk,
			bulk_reason = EXCLUDED.bulk_reason,
			meta = EXCLUDED.meta`,
		rev.RepoID, rev.RevNum, rev.AuthorRaw, rev.TS.UTC(), rev.Message,
		rev.IsMerge, rev.IsBulk, nullStr(rev.BulkReason), rev.SourceID, string(meta),
	)
	if err != nil {
		return fmt.Errorf("upsert svn revision r%d: %w", rev.RevNum, err)
	}
	return nil
}

// UpsertGitCommit persists one Git commit with the same conflict semantics
// as UpsertSvnRevision.
func (s *Store) UpsertGitCommit(ctx context.Context, c GitCommit) error {
	meta, err := json.Marshal(c.Meta)
	if err != nil {
		return fmt.Errorf("marshal commit meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO git_commits (repo_id, commit_sha, author_raw, ts, message, is_merge, is_bulk, bulk_reason, source_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (repo_id, commit_sha) DO UPDATE SET
			author_raw = EXCLUDED.author_raw,
			ts = EXCLUDED.ts,
			message = EXCLUDED.message,
			is_merge = EXCLUDED.is_merge,
			is_bulk = EXCLUDED.is_bulk,
			bulk_reason = EXCLUDED.bulk_reason,
			meta = EXCLUDED.meta`,
		c.RepoID, c.CommitSHA, c.AuthorRaw, c.TS.UTC(), c.Message,
		c.IsMerge, c.IsBulk, nullStr(c.BulkReason), c.SourceID, string(meta),
	)
	if err != nil {
		return fmt.Errorf("upsert git commit %s: %w", c.CommitSHA, err)
	}
	return nil
}

// GetSvnRevision loads one revision row.
func (s *Store) GetSvnRevision(ctx context.Context, repoID, revNum int64) (SvnRevision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, rev_num, COALESCE(author_raw, ''), ts, COALESCE(message, ''),
		       is_merge, is_bulk, COALESCE(bulk_reason, ''), source_id, COALESCE(meta, '{}')
		FROM svn_revisions WHERE repo_id = $1 AND rev_num = $2`, repoID, revNum)

	var rev SvnRevision
	var meta string
	err := row.Scan(&rev.RepoID, &rev.RevNum, &rev.AuthorRaw, &rev.TS, &rev.Message,
		&rev.IsMerge, &rev.IsBulk, &rev.BulkReason, &rev.SourceID, &meta)
	if err != nil {
		return SvnRevision{}, mapNoRows(err)
	}
	if err := json.Unmarshal([]byte(meta), &rev.Meta); err != nil {
		return SvnRevision{}, fmt.Errorf("corrupt meta on r%d: %w", revNum, err)
	}
	return rev, nil
}

// GetGitCommit loads one commit row.
func (s *Store) GetGitCommit(ctx context.Context, repoID int64, sha string) (GitCommit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, commit_sha, COALESCE(author_raw, ''), ts, COALESCE(message, ''),
		       is_merge, is_bulk, COALESCE(bulk_reason, ''), source_id, COALESCE(meta, '{}')
		FROM git_commits WHERE repo_id = $1 AND commit_sha = $2`, repoID, sha)

	var c GitCommit
	var meta string
	err := row.Scan(&c.RepoID, &c.CommitSHA, &c.AuthorRaw, &c.TS, &c.Message,
		&c.IsMerge, &c.IsBulk, &c.BulkReason, &c.SourceID, &meta)
	if err != nil {
		return GitCommit{}, mapNoRows(err)
	}
	if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
		return GitCommit{}, fmt.Errorf("corrupt meta on %s: %w", sha, err)
	}
	return c, nil
}
