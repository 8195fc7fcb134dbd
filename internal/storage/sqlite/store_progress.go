package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/storage"
)

// GetProgress loads one player→objective progress edge.
func (s *Store) GetProgress(ctx context.Context, playerID, objectiveID string) (objdomain.Progress, error) {
	if err := ctx.Err(); err != nil {
		return objdomain.Progress{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT player_id, objective_id, campaign_id, percentage, status, started_at, updated_at, completed_at
		 FROM player_progress WHERE player_id = ? AND objective_id = ?`,
		strings.TrimSpace(playerID),
		strings.TrimSpace(objectiveID),
	)
	return scanProgress(row)
}

// ListProgress lists a player's progress edges within a campaign.
func (s *Store) ListProgress(ctx context.Context, playerID, campaignID string) ([]objdomain.Progress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT player_id, objective_id, campaign_id, percentage, status, started_at, updated_at, completed_at
		 FROM player_progress WHERE player_id = ? AND campaign_id = ?
		 ORDER BY objective_id`,
		strings.TrimSpace(playerID),
		strings.TrimSpace(campaignID),
	)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var results []objdomain.Progress
	for rows.Next() {
		progress, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, progress)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress rows: %w", err)
	}
	return results, nil
}

// PutProgress upserts a progress edge. Last write wins; callers guarantee
// monotonicity before writing.
func (s *Store) PutProgress(ctx context.Context, progress objdomain.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(progress.PlayerID) == "" || strings.TrimSpace(progress.ObjectiveID) == "" {
		return fmt.Errorf("player id and objective id are required")
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO player_progress (player_id, objective_id, campaign_id, percentage, status, started_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(player_id, objective_id) DO UPDATE SET
		     campaign_id = excluded.campaign_id,
		     percentage = excluded.percentage,
		     status = excluded.status,
		     updated_at = excluded.updated_at,
		     completed_at = excluded.completed_at`,
		progress.PlayerID,
		progress.ObjectiveID,
		progress.CampaignID,
		progress.Percentage,
		string(progress.Status),
		toMillis(progress.StartedAt),
		toMillis(progress.UpdatedAt),
		toNullMillis(progress.CompletedAt),
	); err != nil {
		return fmt.Errorf("put progress %s/%s: %w", progress.PlayerID, progress.ObjectiveID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (objdomain.Progress, error) {
	var (
		progress    objdomain.Progress
		status      string
		startedAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&progress.PlayerID,
		&progress.ObjectiveID,
		&progress.CampaignID,
		&progress.Percentage,
		&status,
		&startedAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return objdomain.Progress{}, storage.ErrNotFound
		}
		return objdomain.Progress{}, fmt.Errorf("scan progress row: %w", err)
	}
	progress.Status = objdomain.ProgressStatus(status)
	progress.StartedAt = fromMillis(startedAt)
	progress.UpdatedAt = fromMillis(updatedAt)
	progress.CompletedAt = fromNullMillis(completedAt)
	return progress, nil
}
