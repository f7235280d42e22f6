package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetTeamSettings loads the policy settings row for a project key. Missing
// rows resolve to permissive defaults so new projects work before any
// governance_update.
func (s *Store) GetTeamSettings(ctx context.Context, projectKey string) (TeamSettings, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_key, team_write_enabled, policy_json, updated_at
		FROM team_settings WHERE project_key = $1`, projectKey)

	var ts TeamSettings
	err := row.Scan(&ts.ProjectKey, &ts.TeamWriteEnabled, &ts.PolicyJSON, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TeamSettings{
			ProjectKey:       projectKey,
			TeamWriteEnabled: true,
			PolicyJSON:       "{}",
			UpdatedAt:        s.now(),
		}, nil
	}
	if err != nil {
		return TeamSettings{}, fmt.Errorf("get team settings: %w", err)
	}
	return ts, nil
}

// UpsertTeamSettings replaces the settings row for a project key.
func (s *Store) UpsertTeamSettings(ctx context.Context, ts TeamSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_settings (project_key, team_write_enabled, policy_json, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_key) DO UPDATE SET
			team_write_enabled = EXCLUDED.team_write_enabled,
			policy_json = EXCLUDED.policy_json,
			updated_at = EXCLUDED.updated_at`,
		ts.ProjectKey, ts.TeamWriteEnabled, ts.PolicyJSON, s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert team settings: %w", err)
	}
	return nil
}
