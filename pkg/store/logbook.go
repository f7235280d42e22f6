package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CheckDedup looks up a payload fingerprint in the logbook. A hit means the
// identical card was already stored; the gateway short-circuits with the
// existing memory id.
func (s *Store) CheckDedup(ctx context.Context, payloadSHA string) (KnowledgeCandidate, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT candidate_id, payload_sha, COALESCE(memory_id, ''), target_space, summary, created_at
		FROM knowledge_candidates WHERE payload_sha = $1`, payloadSHA)

	var kc KnowledgeCandidate
	err := row.Scan(&kc.CandidateID, &kc.PayloadSHA, &kc.MemoryID, &kc.TargetSpace, &kc.Summary, &kc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return KnowledgeCandidate{}, false, nil
	}
	if err != nil {
		return KnowledgeCandidate{}, false, fmt.Errorf("check dedup: %w", err)
	}
	return kc, true, nil
}

// RecordCandidate upserts the logbook row for a stored (or deferred) card.
// memoryID may be empty for deferred writes and is filled when the outbox
// worker flushes.
func (s *Store) RecordCandidate(ctx context.Context, payloadSHA, memoryID, targetSpace, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_candidates (payload_sha, memory_id, target_space, summary, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payload_sha) DO UPDATE SET
			memory_id = CASE WHEN EXCLUDED.memory_id <> '' THEN EXCLUDED.memory_id ELSE knowledge_candidates.memory_id END`,
		payloadSHA, memoryID, targetSpace, summary, s.now(),
	)
	if err != nil {
		return fmt.Errorf("record candidate: %w", err)
	}
	return nil
}

// SearchCandidates is the degraded query fallback: prefix match on the
// stored summary, newest first.
func (s *Store) SearchCandidates(ctx context.Context, prefix string, limit int) ([]KnowledgeCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT candidate_id, payload_sha, COALESCE(memory_id, ''), target_space, summary, created_at
		FROM knowledge_candidates WHERE summary LIKE $1 ORDER BY created_at DESC LIMIT $2`,
		prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]KnowledgeCandidate, 0, limit)
	for rows.Next() {
		var kc KnowledgeCandidate
		if err := rows.Scan(&kc.CandidateID, &kc.PayloadSHA, &kc.MemoryID, &kc.TargetSpace, &kc.Summary, &kc.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, kc)
	}
	return result, rows.Err()
}
