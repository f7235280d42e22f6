package store

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsurePatchBlob creates the pending patch-blob row for (source_id, format)
// if it does not exist yet and returns the current row either way.
func (s *Store) EnsurePatchBlob(ctx context.Context, sourceType, sourceID, format string) (PatchBlob, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patch_blobs (source_type, source_id, format, materialize_status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (source_id, format) DO NOTHING`,
		sourceType, sourceID, format,
	)
	if err != nil {
		return PatchBlob{}, fmt.Errorf("ensure patch blob %s/%s: %w", sourceID, format, err)
	}
	return s.GetPatchBlob(ctx, sourceID, format)
}

// GetPatchBlob loads a blob by its (source_id, format) identity.
func (s *Store) GetPatchBlob(ctx context.Context, sourceID, format string) (PatchBlob, error) {
	row := s.db.QueryRowContext(ctx, patchBlobSelect+` WHERE source_id = $1 AND format = $2`, sourceID, format)
	return scanPatchBlob(row)
}

// GetPatchBlobByID loads a blob by primary key.
func (s *Store) GetPatchBlobByID(ctx context.Context, blobID int64) (PatchBlob, error) {
	row := s.db.QueryRowContext(ctx, patchBlobSelect+` WHERE blob_id = $1`, blobID)
	return scanPatchBlob(row)
}

const patchBlobSelect = `
	SELECT blob_id, source_type, source_id, format,
	       COALESCE(uri, ''), COALESCE(sha256, ''), COALESCE(size_bytes, 0),
	       COALESCE(evidence_uri, ''), materialize_status, attempts,
	       COALESCE(last_error, ''), COALESCE(last_endpoint, ''), COALESCE(error_category, ''),
	       COALESCE(mirror_uri, ''), COALESCE(mirror_sha256, ''), COALESCE(chunking_version, ''),
	       degraded, COALESCE(degrade_reason, '')
	FROM patch_blobs`

type rowScanner interface{ Scan(dest ...any) error }

func scanPatchBlob(row rowScanner) (PatchBlob, error) {
	var b PatchBlob
	err := row.Scan(&b.BlobID, &b.SourceType, &b.SourceID, &b.Format,
		&b.URI, &b.SHA256, &b.SizeBytes,
		&b.EvidenceURI, &b.MaterializeStatus, &b.Attempts,
		&b.LastError, &b.LastEndpoint, &b.ErrorCategory,
		&b.MirrorURI, &b.MirrorSHA256, &b.ChunkingVersion, &b.Degraded, &b.DegradeReason)
	if err != nil {
		if err == sql.ErrNoRows {
			return PatchBlob{}, ErrNotFound
		}
		return PatchBlob{}, err
	}
	return b, nil
}

// AcquirePatchBlob flips a blob to in_progress, but only from pending or
// failed. The advisory update doubles as the ownership claim: zero rows
// affected means another worker owns it and the caller must skip.
func (s *Store) AcquirePatchBlob(ctx context.Context, blobID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE patch_blobs SET materialize_status = 'in_progress'
		WHERE blob_id = $1 AND materialize_status IN ('pending', 'failed')`, blobID)
	if err != nil {
		return false, fmt.Errorf("acquire patch blob %d: %w", blobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire patch blob %d: rows affected: %w", blobID, err)
	}
	return n == 1, nil
}

// CompletePatchBlob finalizes a materialization. The conditional on the
// stored sha256 makes the transition check-and-set: once set, uri and
// sha256 are immutable, and a lost race leaves the winner's row intact.
// Reports whether the update landed.
func (s *Store) CompletePatchBlob(ctx context.Context, b PatchBlob) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE patch_blobs SET
			uri = $1, sha256 = $2, size_bytes = $3, evidence_uri = $4,
			materialize_status = 'done', attempts = attempts + 1,
			last_error = NULL, error_category = NULL, last_endpoint = $5,
			degraded = $6, degrade_reason = $7
		WHERE blob_id = $8 AND (sha256 IS NULL OR sha256 = '' OR sha256 = $2)`,
		b.URI, b.SHA256, b.SizeBytes, b.EvidenceURI, nullStr(b.LastEndpoint),
		b.Degraded, nullStr(b.DegradeReason), b.BlobID,
	)
	if err != nil {
		return false, fmt.Errorf("complete patch blob %d: %w", b.BlobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete patch blob %d: rows affected: %w", b.BlobID, err)
	}
	return n == 1, nil
}

// FailPatchBlob records a failed materialization attempt with its error
// category and, under the mirror policy, the forensic mirror location and
// the digest the fetched content actually hashed to.
func (s *Store) FailPatchBlob(ctx context.Context, blobID int64, category, lastError, lastEndpoint, mirrorURI, mirrorSHA string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patch_blobs SET
			materialize_status = 'failed', attempts = attempts + 1,
			error_category = $1, last_error = $2, last_endpoint = $3,
			mirror_uri = COALESCE($4, mirror_uri),
			mirror_sha256 = COALESCE($5, mirror_sha256)
		WHERE blob_id = $6`,
		category, lastError, nullStr(lastEndpoint), nullStr(mirrorURI), nullStr(mirrorSHA), blobID,
	)
	if err != nil {
		return fmt.Errorf("fail patch blob %d: %w", blobID, err)
	}
	return nil
}

// UpdatePatchBlobSourceID rewrites a malformed source id. Only the
// integrity checker's opt-in fix path calls this, and only with a value
// derived deterministically from the stored one.
func (s *Store) UpdatePatchBlobSourceID(ctx context.Context, blobID int64, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE patch_blobs SET source_id = $1 WHERE blob_id = $2`, sourceID, blobID)
	if err != nil {
		return fmt.Errorf("update patch blob %d source id: %w", blobID, err)
	}
	return nil
}

// ListPatchBlobsByStatus returns up to limit blobs in the given status,
// oldest first. The materializer drains pending/failed through this.
func (s *Store) ListPatchBlobsByStatus(ctx context.Context, status string, limit int) ([]PatchBlob, error) {
	rows, err := s.db.QueryContext(ctx, patchBlobSelect+`
		WHERE materialize_status = $1 ORDER BY blob_id LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list patch blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]PatchBlob, 0, limit)
	for rows.Next() {
		b, err := scanPatchBlob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}
