package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lorehall/engine/internal/session/domain"
	"github.com/lorehall/engine/internal/storage"
)

// PutSnapshot upserts the durable checkpoint for a session.
func (s *Store) PutSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(snapshot.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	document, err := json.Marshal(snapshot.Document)
	if err != nil {
		return fmt.Errorf("encode session document: %w", err)
	}
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock()
	}
	if _, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_snapshots (session_id, campaign_id, document, checkpoint_count, processed_actions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		     campaign_id = excluded.campaign_id,
		     document = excluded.document,
		     checkpoint_count = excluded.checkpoint_count,
		     processed_actions = excluded.processed_actions,
		     created_at = excluded.created_at`,
		snapshot.SessionID,
		snapshot.CampaignID,
		string(document),
		snapshot.CheckpointCount,
		snapshot.ProcessedActions,
		toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("put snapshot %s: %w", snapshot.SessionID, err)
	}
	return nil
}

// GetSnapshot loads the latest checkpoint for a session.
func (s *Store) GetSnapshot(ctx context.Context, sessionID string) (storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return storage.Snapshot{}, err
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT session_id, campaign_id, document, checkpoint_count, processed_actions, created_at
		 FROM session_snapshots WHERE session_id = ?`,
		sessionID,
	)

	var (
		snapshot  storage.Snapshot
		document  string
		createdAt int64
	)
	if err := row.Scan(&snapshot.SessionID, &snapshot.CampaignID, &document, &snapshot.CheckpointCount, &snapshot.ProcessedActions, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Snapshot{}, storage.ErrNotFound
		}
		return storage.Snapshot{}, fmt.Errorf("get snapshot %s: %w", sessionID, err)
	}

	var doc domain.Session
	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode session document %s: %w", sessionID, err)
	}
	snapshot.Document = doc
	snapshot.CreatedAt = fromMillis(createdAt)
	return snapshot, nil
}

// ListSnapshotSessionIDs lists every checkpointed session id.
func (s *Store) ListSnapshotSessionIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT session_id FROM session_snapshots ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot ids: %w", err)
	}
	return ids, nil
}
