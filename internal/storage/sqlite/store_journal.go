package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lorehall/engine/internal/storage"
)

// Append journals a message as pending and immediately claimable.
func (s *Store) Append(ctx context.Context, topic string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return 0, fmt.Errorf("topic is required")
	}
	now := toMillis(s.clock())
	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO bus_journal (topic, payload, status, attempt_count, next_attempt_at, enqueued_at)
		 VALUES (?, ?, 'pending', 0, ?, ?)`,
		topic,
		payload,
		now,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("append journal message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read journal message id: %w", err)
	}
	return id, nil
}

// Claim leases the oldest deliverable message on the topic to the caller.
//
// Deliverable means pending or failed with a due next_attempt_at, or
// processing with a lapsed lease (an abandoned claim from a crashed worker).
// Returns storage.ErrNotFound when nothing is deliverable.
func (s *Store) Claim(ctx context.Context, topic string, lease time.Duration) (storage.JournalMessage, error) {
	if err := ctx.Err(); err != nil {
		return storage.JournalMessage{}, err
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	now := s.clock()
	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.JournalMessage{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id, topic, payload, status, attempt_count, next_attempt_at, last_error, enqueued_at
		 FROM bus_journal
		 WHERE topic = ?
		   AND (
		       (status IN ('pending', 'failed') AND next_attempt_at <= ?)
		       OR (status = 'processing' AND lease_expires_at <= ?)
		   )
		 ORDER BY id ASC
		 LIMIT 1`,
		topic,
		nowMillis,
		nowMillis,
	)

	var (
		msg         storage.JournalMessage
		nextAttempt int64
		enqueuedAt  int64
	)
	if err := row.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.AttemptCount, &nextAttempt, &msg.LastError, &enqueuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.JournalMessage{}, storage.ErrNotFound
		}
		return storage.JournalMessage{}, fmt.Errorf("select claimable message: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE bus_journal
		 SET status = 'processing', attempt_count = attempt_count + 1, lease_expires_at = ?
		 WHERE id = ?`,
		toMillis(now.Add(lease)),
		msg.ID,
	); err != nil {
		return storage.JournalMessage{}, fmt.Errorf("lease message %d: %w", msg.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return storage.JournalMessage{}, fmt.Errorf("commit claim tx: %w", err)
	}

	msg.Status = "processing"
	msg.AttemptCount++
	msg.NextAttemptAt = fromMillis(nextAttempt)
	msg.EnqueuedAt = fromMillis(enqueuedAt)
	return msg, nil
}

// Ack removes a successfully processed message from the journal.
func (s *Store) Ack(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM bus_journal WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack journal message %d: %w", id, err)
	}
	return nil
}

// Nack reschedules a message for redelivery after backoff.
//
// With maxAttempts > 0 the message dead-letters once its attempt count
// reaches the budget. With maxAttempts == 0 the message requeues without
// consuming an attempt, which is how lock contention stays out of the
// failure accounting.
func (s *Store) Nack(ctx context.Context, id int64, cause string, backoff time.Duration, maxAttempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.clock()

	if maxAttempts == 0 {
		if _, err := s.sqlDB.ExecContext(
			ctx,
			`UPDATE bus_journal
			 SET status = 'pending',
			     attempt_count = CASE WHEN attempt_count > 0 THEN attempt_count - 1 ELSE 0 END,
			     next_attempt_at = ?,
			     lease_expires_at = 0
			 WHERE id = ?`,
			toMillis(now.Add(backoff)),
			id,
		); err != nil {
			return fmt.Errorf("requeue journal message %d: %w", id, err)
		}
		return nil
	}

	if _, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE bus_journal
		 SET status = CASE WHEN attempt_count >= ? THEN 'dead' ELSE 'failed' END,
		     next_attempt_at = ?,
		     lease_expires_at = 0,
		     last_error = ?
		 WHERE id = ?`,
		maxAttempts,
		toMillis(now.Add(backoff)),
		cause,
		id,
	); err != nil {
		return fmt.Errorf("nack journal message %d: %w", id, err)
	}
	return nil
}

// Summary returns journal depth by status for inspection tooling.
func (s *Store) Summary(ctx context.Context) (storage.JournalSummary, error) {
	if err := ctx.Err(); err != nil {
		return storage.JournalSummary{}, err
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT status, COUNT(*) FROM bus_journal GROUP BY status`,
	)
	if err != nil {
		return storage.JournalSummary{}, fmt.Errorf("query journal summary: %w", err)
	}
	defer rows.Close()

	summary := storage.JournalSummary{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return storage.JournalSummary{}, fmt.Errorf("scan journal summary: %w", err)
		}
		switch status {
		case "pending":
			summary.PendingCount += count
		case "processing":
			summary.ProcessingCount += count
		case "failed":
			summary.FailedCount += count
		case "dead":
			summary.DeadCount += count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.JournalSummary{}, fmt.Errorf("iterate journal summary: %w", err)
	}
	return summary, nil
}

// ListJournalMessages returns messages in one status, oldest first, for
// inspection tooling. It is not part of the consumer contract.
func (s *Store) ListJournalMessages(ctx context.Context, status string, limit int) ([]storage.JournalMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, topic, payload, status, attempt_count, next_attempt_at, last_error, enqueued_at
		 FROM bus_journal WHERE status = ?
		 ORDER BY id ASC
		 LIMIT ?`,
		strings.TrimSpace(status),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal messages: %w", err)
	}
	defer rows.Close()

	var messages []storage.JournalMessage
	for rows.Next() {
		var (
			msg         storage.JournalMessage
			nextAttempt int64
			enqueuedAt  int64
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.AttemptCount, &nextAttempt, &msg.LastError, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan journal message: %w", err)
		}
		msg.NextAttemptAt = fromMillis(nextAttempt)
		msg.EnqueuedAt = fromMillis(enqueuedAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal messages: %w", err)
	}
	return messages, nil
}
