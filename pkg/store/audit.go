package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// InsertAudit appends one governance audit row. The evidence_refs block is
// stored in RFC 8785 canonical form so identical refs are byte-identical at
// rest. Audit rows are append-only; there is no update path.
func (s *Store) InsertAudit(ctx context.Context, row AuditRow) (string, error) {
	if row.AuditID == "" {
		row.AuditID = uuid.New().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now()
	}

	raw, err := json.Marshal(row.Evidence)
	if err != nil {
		return "", fmt.Errorf("marshal evidence_refs: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence_refs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO write_audit (audit_id, actor_user_id, target_space, action, reason, payload_sha, evidence_refs, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		row.AuditID, row.ActorUserID, row.TargetSpace, row.Action, row.Reason,
		row.PayloadSHA, string(canonical), row.CreatedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert audit: %w", err)
	}
	return row.AuditID, nil
}

// ListAuditByPayloadSHA returns all audit rows sharing a payload fingerprint,
// oldest first.
func (s *Store) ListAuditByPayloadSHA(ctx context.Context, payloadSHA string) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, actor_user_id, target_space, action, reason, payload_sha, evidence_refs, created_at
		FROM write_audit WHERE payload_sha = $1 ORDER BY created_at`, payloadSHA)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]AuditRow, 0)
	for rows.Next() {
		var r AuditRow
		var refs string
		if err := rows.Scan(&r.AuditID, &r.ActorUserID, &r.TargetSpace, &r.Action, &r.Reason,
			&r.PayloadSHA, &refs, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &r.Evidence); err != nil {
			return nil, fmt.Errorf("corrupt evidence_refs on %s: %w", r.AuditID, err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// AuditStats aggregates the audit log for the reliability report.
type AuditStats struct {
	Total     int            `json:"total"`
	ByAction  map[string]int `json:"by_action"`
	ByReason  map[string]int `json:"by_reason"`
	Recent24h int            `json:"recent_24h"`
}

// GetAuditStats computes audit aggregates.
func (s *Store) GetAuditStats(ctx context.Context) (AuditStats, error) {
	stats := AuditStats{
		ByAction: map[string]int{AuditAllow: 0, AuditRedirect: 0, AuditReject: 0},
		ByReason: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT action, reason, COUNT(*) FROM write_audit GROUP BY action, reason`)
	if err != nil {
		return AuditStats{}, fmt.Errorf("audit stats: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var action, reason string
		var n int
		if err := rows.Scan(&action, &reason, &n); err != nil {
			return AuditStats{}, err
		}
		stats.ByAction[action] += n
		stats.ByReason[reason] += n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return AuditStats{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM write_audit WHERE created_at >= $1`, s.now().Add(-24*time.Hour))
	if err := row.Scan(&stats.Recent24h); err != nil {
		return AuditStats{}, fmt.Errorf("audit stats: recent: %w", err)
	}
	return stats, nil
}
