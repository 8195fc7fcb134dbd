package storage

import (
	"context"
	"errors"
	"time"

	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	sessiondomain "github.com/lorehall/engine/internal/session/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// Snapshot is a periodic durable checkpoint of one session document.
//
// Snapshots exist for crash recovery and analytics only; the action pipeline
// never reads them.
type Snapshot struct {
	SessionID        string
	CampaignID       string
	Document         sessiondomain.Session
	CheckpointCount  int
	ProcessedActions int
	CreatedAt        time.Time
}

// SnapshotStore persists session checkpoints keyed by session id.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, snapshot Snapshot) error
	GetSnapshot(ctx context.Context, sessionID string) (Snapshot, error)
	ListSnapshotSessionIDs(ctx context.Context) ([]string, error)
}

// HierarchyStore reads the authored objective hierarchy for a campaign.
type HierarchyStore interface {
	GetHierarchy(ctx context.Context, campaignID string) (objdomain.Hierarchy, error)
}

// ProgressStore persists player progress edges.
//
// Progress rows are written only by the objective cascade tracker. Concurrent
// writers across sessions may touch the same player's edges; last-write-wins
// is safe because recomputation is idempotent and monotonic.
type ProgressStore interface {
	GetProgress(ctx context.Context, playerID, objectiveID string) (objdomain.Progress, error)
	ListProgress(ctx context.Context, playerID, campaignID string) ([]objdomain.Progress, error)
	PutProgress(ctx context.Context, progress objdomain.Progress) error
}

// JournalMessage is one durable bus message.
type JournalMessage struct {
	ID            int64
	Topic         string
	Payload       []byte
	Status        string
	AttemptCount  int
	NextAttemptAt time.Time
	LastError     string
	EnqueuedAt    time.Time
}

// JournalSummary reports queue depth by status for inspection tooling.
type JournalSummary struct {
	PendingCount    int
	ProcessingCount int
	FailedCount     int
	DeadCount       int
}

// JournalStore is the durable queue backing the event bus inbound topic.
//
// Claim leases one pending message per call; Ack removes it; Nack reschedules
// it with backoff until the attempt budget is spent, after which the message
// is dead-lettered.
type JournalStore interface {
	Append(ctx context.Context, topic string, payload []byte) (int64, error)
	Claim(ctx context.Context, topic string, lease time.Duration) (JournalMessage, error)
	Ack(ctx context.Context, id int64) error
	Nack(ctx context.Context, id int64, cause string, backoff time.Duration, maxAttempts int) error
	Summary(ctx context.Context) (JournalSummary, error)
}
