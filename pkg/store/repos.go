package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/engramhq/engram/pkg/identity"
)

// ErrNotFound is returned for missing rows across the store API.
var ErrNotFound = errors.New("not found")

// EnsureRepo registers a repository on first contact and returns the
// existing row afterwards. The canonical URL is the identity; repo_id is
// assigned on first ensure and never changes.
func (s *Store) EnsureRepo(ctx context.Context, repoType, rawURL, projectKey, defaultBranch string) (Repo, error) {
	canonical, err := identity.NormalizeRepoURL(rawURL)
	if err != nil {
		return Repo{}, err
	}

	existing, err := s.GetRepoByURL(ctx, canonical)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Repo{}, err
	}

	repo := Repo{
		RepoID:        repoIDFor(canonical),
		RepoType:      repoType,
		CanonicalURL:  canonical,
		ProjectKey:    projectKey,
		DefaultBranch: defaultBranch,
		CreatedAt:     s.now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO repos (repo_id, repo_type, canonical_url, project_key, default_branch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (canonical_url) DO NOTHING`,
		repo.RepoID, repo.RepoType, repo.CanonicalURL, repo.ProjectKey, nullStr(repo.DefaultBranch), repo.CreatedAt,
	)
	if err != nil {
		return Repo{}, fmt.Errorf("ensure repo: %w", err)
	}
	// Re-read: a concurrent ensure may have won the insert.
	return s.GetRepoByURL(ctx, canonical)
}

// GetRepo loads a repo by id.
func (s *Store) GetRepo(ctx context.Context, repoID int64) (Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, repo_type, canonical_url, project_key, COALESCE(default_branch, ''), created_at
		FROM repos WHERE repo_id = $1`, repoID)
	return scanRepo(row)
}

// GetRepoByURL loads a repo by its canonical URL.
func (s *Store) GetRepoByURL(ctx context.Context, canonicalURL string) (Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, repo_type, canonical_url, project_key, COALESCE(default_branch, ''), created_at
		FROM repos WHERE canonical_url = $1`, canonicalURL)
	return scanRepo(row)
}

// ListRepos returns all registered repos.
func (s *Store) ListRepos(ctx context.Context) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, repo_type, canonical_url, project_key, COALESCE(default_branch, ''), created_at
		FROM repos ORDER BY repo_id`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Repo, 0)
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.RepoID, &r.RepoType, &r.CanonicalURL, &r.ProjectKey, &r.DefaultBranch, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRepo(row *sql.Row) (Repo, error) {
	var r Repo
	err := row.Scan(&r.RepoID, &r.RepoType, &r.CanonicalURL, &r.ProjectKey, &r.DefaultBranch, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Repo{}, ErrNotFound
	}
	if err != nil {
		return Repo{}, err
	}
	return r, nil
}

// repoIDFor derives a stable positive id from the canonical URL so that
// concurrent first-ensures on different nodes converge without a sequence.
func repoIDFor(canonicalURL string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonicalURL))
	id := int64(h.Sum64() & 0x7fffffffffff) // keep it comfortably in BIGINT range
	if id == 0 {
		id = 1
	}
	return id
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
