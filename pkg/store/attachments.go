package store

import (
	"context"
	"fmt"
)

// InsertAttachment stores one attachment row and returns its id. The caller
// is responsible for the canonical memory://attachments/<id>/<sha> URI; use
// FinalizeAttachmentURI when the id is needed first.
func (s *Store) InsertAttachment(ctx context.Context, a Attachment) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO attachments (item_id, kind, uri, sha256, size_bytes, meta, chunking_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING attachment_id`,
		a.ItemID, a.Kind, a.URI, a.SHA256, a.SizeBytes, nullStr(a.Meta), nullStr(a.ChunkingVersion),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert attachment: %w", err)
	}
	return id, nil
}

// FinalizeAttachmentURI sets the canonical URI once the attachment id is
// known.
func (s *Store) FinalizeAttachmentURI(ctx context.Context, attachmentID int64, uri string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET uri = $1 WHERE attachment_id = $2`, uri, attachmentID)
	if err != nil {
		return fmt.Errorf("finalize attachment uri: %w", err)
	}
	return nil
}

// ListAttachments pages attachment rows for the integrity checker.
func (s *Store) ListAttachments(ctx context.Context, afterID int64, limit int) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, item_id, kind, uri, sha256, size_bytes, COALESCE(meta, ''), COALESCE(chunking_version, '')
		FROM attachments WHERE attachment_id > $1 ORDER BY attachment_id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Attachment, 0, limit)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.AttachmentID, &a.ItemID, &a.Kind, &a.URI, &a.SHA256,
			&a.SizeBytes, &a.Meta, &a.ChunkingVersion); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListPatchBlobsPage pages patch-blob rows for the integrity checker.
func (s *Store) ListPatchBlobsPage(ctx context.Context, afterID int64, limit int) ([]PatchBlob, error) {
	rows, err := s.db.QueryContext(ctx, patchBlobSelect+`
		WHERE blob_id > $1 ORDER BY blob_id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list patch blobs page: %w", err)
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
