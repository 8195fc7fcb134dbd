package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lorehall/engine/internal/platform/id"
	"github.com/lorehall/engine/internal/session/domain"
	"github.com/lorehall/engine/internal/storage"
)

const (
	// DefaultDocumentTTL bounds how long a paused session survives untouched.
	DefaultDocumentTTL = 24 * time.Hour
	// DefaultLockTTL bounds one lock lease. Holders renew between processing
	// phases, so one lease only has to cover a single phase, not a whole run.
	DefaultLockTTL = 30 * time.Second

	janitorInterval = time.Minute
)

// ErrLockLost indicates the presented token no longer owns the session lock.
// Holders must stop writing and abandon the run when they see it.
var ErrLockLost = errors.New("session lock lost")

// Store is the live session state contract used by the pipeline.
//
// All callers must treat AcquireLock returning false as "busy, retry later";
// nothing in the engine blocks waiting for a session lock. The returned token
// fences every later lock operation: a holder whose lease lapsed and was
// taken over cannot release or extend the new holder's lock.
type Store interface {
	Save(ctx context.Context, sessionID string, doc domain.Session, ttl time.Duration) error
	Load(ctx context.Context, sessionID string) (domain.Session, error)
	Delete(ctx context.Context, sessionID string) error
	ExtendTTL(ctx context.Context, sessionID string) error

	AcquireLock(ctx context.Context, sessionID string, ttl time.Duration) (token string, acquired bool, err error)
	ExtendLock(ctx context.Context, sessionID, token string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, sessionID, token string) error
}

type entry struct {
	doc       domain.Session
	ttl       time.Duration
	expiresAt time.Time
}

type lockEntry struct {
	token    string
	deadline time.Time
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]entry
	locks   map[string]lockEntry
	clock   func() time.Time
	stopped chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{
		docs:    make(map[string]entry),
		locks:   make(map[string]lockEntry),
		clock:   time.Now,
		stopped: make(chan struct{}),
	}
	go store.janitor()
	return store
}

// NewMemoryStoreWithClock creates a store with an injected clock and no
// janitor goroutine. Expiry still applies lazily on access.
func NewMemoryStoreWithClock(clock func() time.Time) *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]entry),
		locks:   make(map[string]lockEntry),
		clock:   clock,
		stopped: make(chan struct{}),
	}
}

// Close stops the expiry janitor.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stopped) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range s.docs {
		if now.After(value.expiresAt) {
			delete(s.docs, key)
		}
	}
	for key, lock := range s.locks {
		if now.After(lock.deadline) {
			delete(s.locks, key)
		}
	}
}

// Save replaces the full session document and resets its expiry window.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, doc domain.Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultDocumentTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[sessionID] = entry{doc: doc, ttl: ttl, expiresAt: s.clock().Add(ttl)}
	return nil
}

// Load returns the session document or storage.ErrNotFound.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.docs[sessionID]
	if !ok || s.clock().After(value.expiresAt) {
		delete(s.docs, sessionID)
		return domain.Session{}, storage.ErrNotFound
	}
	return value.doc, nil
}

// Delete removes the session document and any lock held on it.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, sessionID)
	delete(s.locks, sessionID)
	return nil
}

// ExtendTTL renews the document expiry without rewriting the document.
func (s *MemoryStore) ExtendTTL(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.docs[sessionID]
	if !ok || s.clock().After(value.expiresAt) {
		delete(s.docs, sessionID)
		return storage.ErrNotFound
	}
	value.expiresAt = s.clock().Add(value.ttl)
	s.docs[sessionID] = value
	return nil
}

// AcquireLock attempts a set-if-absent lock with an expiry.
//
// A held lock whose deadline has passed counts as absent, so a crashed
// holder cannot wedge the session. The returned token identifies this lease;
// ExtendLock and ReleaseLock only act when the token still owns the lock.
func (s *MemoryStore) AcquireLock(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	token, err := id.NewID()
	if err != nil {
		return "", false, fmt.Errorf("generate lock token: %w", err)
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, held := s.locks[sessionID]; held && now.Before(lock.deadline) {
		return "", false, nil
	}
	s.locks[sessionID] = lockEntry{token: token, deadline: now.Add(ttl)}
	return token, true, nil
}

// ExtendLock renews the lease identified by token.
//
// A matching token proves unbroken ownership even past the old deadline,
// because any takeover would have replaced it. A mismatch or missing lock
// returns ErrLockLost and the caller must abandon the run without writing.
func (s *MemoryStore) ExtendLock(ctx context.Context, sessionID, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, held := s.locks[sessionID]
	if !held || lock.token != token {
		return ErrLockLost
	}
	lock.deadline = s.clock().Add(ttl)
	s.locks[sessionID] = lock
	return nil
}

// ListActive returns every unexpired session document.
//
// The snapshotter uses this to checkpoint live sessions; it is not part of
// the Store contract because the pipeline never enumerates sessions.
func (s *MemoryStore) ListActive(ctx context.Context) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions := make([]domain.Session, 0, len(s.docs))
	for _, value := range s.docs {
		if now.After(value.expiresAt) {
			continue
		}
		sessions = append(sessions, value.doc)
	}
	return sessions, nil
}

// ReleaseLock drops the lock when token still owns it.
//
// Releasing with a stale token is a no-op: the lease already moved to another
// holder and deleting it would open the session to a third writer.
func (s *MemoryStore) ReleaseLock(ctx context.Context, sessionID, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, held := s.locks[sessionID]; held && lock.token == token {
		delete(s.locks, sessionID)
	}
	return nil
}
