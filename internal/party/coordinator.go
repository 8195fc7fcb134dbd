package party

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lorehall/engine/internal/bus"
	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/session/domain"
)

// Phase is the party lifecycle state.
type Phase string

const (
	// PhaseWaiting indicates the party has not started playing yet.
	PhaseWaiting Phase = "waiting"
	// PhaseActive indicates turns are being taken.
	PhaseActive Phase = "active"
	// PhasePaused indicates the timer is suspended.
	PhasePaused Phase = "paused"
	// PhaseEnded indicates the party finished.
	PhaseEnded Phase = "ended"
)

// Publisher publishes coordinator events to session topics.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// record is the in-memory party state for one session.
type record struct {
	sessionID  string
	phase      Phase
	discipline domain.TurnDiscipline
	order      []string
	hostID     string
	turnIndex  int
	// turnEpoch increments on every turn change so a stale timer firing
	// after an advance cannot double-emit a timeout.
	turnEpoch int
	timeout   time.Duration
	stopTimer func()

	pending map[string]*coordination
}

// coordination is a pending multi-player action awaiting confirmations.
type coordination struct {
	id            string
	required      int
	confirmations map[string]struct{}
	expiresAt     time.Time
}

// Coordinator enforces turn disciplines and party membership changes.
type Coordinator struct {
	mu       sync.Mutex
	parties  map[string]*record
	events   Publisher
	clock    func() time.Time
	schedule func(d time.Duration, fn func()) func()
}

// NewCoordinator creates a coordinator publishing events on the bus.
func NewCoordinator(events Publisher) *Coordinator {
	return &Coordinator{
		parties: make(map[string]*record),
		events:  events,
		clock:   time.Now,
		schedule: func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, fn)
			return func() { timer.Stop() }
		},
	}
}

// WithClock overrides the coordinator clock, for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// WithScheduler overrides timer scheduling, for tests.
func (c *Coordinator) WithScheduler(schedule func(time.Duration, func()) func()) *Coordinator {
	if schedule != nil {
		c.schedule = schedule
	}
	return c
}

// Ensure rebuilds the party record from session state when absent.
//
// This is the self-healing path: records are cheap derivations, so a process
// restart simply reconstructs them from the next loaded session document.
func (c *Coordinator) Ensure(session domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parties[session.ID]; ok {
		c.syncMembership(c.parties[session.ID], session)
		return
	}
	rec := &record{
		sessionID:  session.ID,
		phase:      PhaseWaiting,
		discipline: session.Party.Discipline,
		hostID:     session.Party.HostPlayerID,
		timeout:    time.Duration(session.Party.TurnTimeoutSeconds) * time.Second,
		pending:    make(map[string]*coordination),
	}
	rec.order = orderFor(session)
	if session.Status == domain.StatusActive {
		rec.phase = PhaseActive
	}
	c.parties[session.ID] = rec
	// A rebuilt active party picks its turn timer back up immediately;
	// otherwise the current player could stall forever after a restart.
	if rec.phase == PhaseActive {
		c.armTimerLocked(rec)
	}
}

// orderFor derives the turn order from the session document.
func orderFor(session domain.Session) []string {
	if session.Party.Discipline == domain.TurnInitiative && len(session.Party.InitiativeOrder) > 0 {
		order := make([]string, 0, len(session.Party.InitiativeOrder))
		for _, playerID := range session.Party.InitiativeOrder {
			if session.HasPlayer(playerID) {
				order = append(order, playerID)
			}
		}
		return order
	}
	return session.PlayerOrder()
}

func (c *Coordinator) syncMembership(rec *record, session domain.Session) {
	rec.discipline = session.Party.Discipline
	rec.hostID = session.Party.HostPlayerID
	rec.order = orderFor(session)
	if rec.turnIndex >= len(rec.order) {
		rec.turnIndex = 0
	}
}

// Start moves the party to active and opens the first turn.
func (c *Coordinator) Start(ctx context.Context, session domain.Session) error {
	c.Ensure(session)
	c.mu.Lock()
	rec := c.parties[session.ID]
	if rec.phase == PhaseEnded {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodePartyNotFound, "party already ended")
	}
	rec.phase = PhaseActive
	rec.turnIndex = 0
	current := rec.currentPlayer()
	discipline := rec.discipline
	c.armTimerLocked(rec)
	c.mu.Unlock()

	if current != "" && discipline != domain.TurnOpen {
		c.emit(ctx, session.ID, bus.EventTurnStarted, map[string]any{
			"player_id": current,
		})
	}
	return nil
}

// Pause suspends the party and its turn timer.
func (c *Coordinator) Pause(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.parties[sessionID]
	if !ok {
		return
	}
	rec.phase = PhasePaused
	rec.cancelTimerLocked()
}

// Resume reactivates a paused party and re-arms the timer.
func (c *Coordinator) Resume(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.parties[sessionID]
	if !ok || rec.phase != PhasePaused {
		return
	}
	rec.phase = PhaseActive
	c.armTimerLocked(rec)
}

// End terminates the party and discards its record.
func (c *Coordinator) End(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.parties[sessionID]
	if !ok {
		return
	}
	rec.phase = PhaseEnded
	rec.cancelTimerLocked()
	delete(c.parties, sessionID)
}

// Authorize reports whether the player may act right now.
//
// Open parties always authorize members. Sequential and initiative parties
// authorize only the current turn holder; rejected actions must not mutate
// shared state, which the orchestrator honors by checking before executing.
func (c *Coordinator) Authorize(session domain.Session, playerID string) error {
	if !session.HasPlayer(playerID) {
		return apperrors.New(apperrors.CodeSessionPlayerNotFound, "player is not in the party")
	}
	c.Ensure(session)

	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.parties[session.ID]
	if rec.discipline == domain.TurnOpen {
		return nil
	}
	current := rec.currentPlayer()
	if current != playerID {
		return apperrors.New(apperrors.CodeTurnNotCurrentPlayer,
			fmt.Sprintf("turn belongs to %s", current)).WithMetadata(map[string]string{
			"current_player_id": current,
		})
	}
	return nil
}

// EndTurn advances the turn to the next player in order.
func (c *Coordinator) EndTurn(ctx context.Context, session domain.Session, playerID string) error {
	c.Ensure(session)
	c.mu.Lock()
	rec := c.parties[session.ID]
	if rec.discipline == domain.TurnOpen {
		c.mu.Unlock()
		return nil
	}
	current := rec.currentPlayer()
	if current != playerID {
		c.mu.Unlock()
		return apperrors.New(apperrors.CodeTurnNotCurrentPlayer,
			fmt.Sprintf("turn belongs to %s", current))
	}
	next := c.advanceLocked(rec)
	c.mu.Unlock()

	c.emit(ctx, session.ID, bus.EventTurnEnded, map[string]any{"player_id": current})
	if next != "" {
		c.emit(ctx, session.ID, bus.EventTurnStarted, map[string]any{"player_id": next})
	}
	return nil
}

// CurrentPlayer returns the player holding the turn, or "" for open parties.
func (c *Coordinator) CurrentPlayer(sessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.parties[sessionID]
	if !ok || rec.discipline == domain.TurnOpen {
		return ""
	}
	return rec.currentPlayer()
}

// PlayerJoined records membership growth and broadcasts it.
func (c *Coordinator) PlayerJoined(ctx context.Context, session domain.Session, playerID string) {
	c.Ensure(session)
	c.mu.Lock()
	c.syncMembership(c.parties[session.ID], session)
	c.mu.Unlock()
	c.emit(ctx, session.ID, bus.EventPlayerJoinedParty, map[string]any{"player_id": playerID})
}

// PlayerLeft handles departures, host failover, and empty-party teardown.
func (c *Coordinator) PlayerLeft(ctx context.Context, session domain.Session, playerID, newHostID string) {
	c.Ensure(session)
	c.mu.Lock()
	rec := c.parties[session.ID]
	c.syncMembership(rec, session)
	empty := len(rec.order) == 0 && len(session.Players) == 0
	if empty {
		rec.cancelTimerLocked()
		delete(c.parties, session.ID)
	}
	c.mu.Unlock()

	c.emit(ctx, session.ID, bus.EventPlayerLeftParty, map[string]any{"player_id": playerID})
	if newHostID != "" {
		c.emit(ctx, session.ID, bus.EventHostTransferred, map[string]any{"host_player_id": newHostID})
	}
}

func (rec *record) currentPlayer() string {
	if len(rec.order) == 0 {
		return ""
	}
	return rec.order[rec.turnIndex%len(rec.order)]
}

// advanceLocked moves to the next player and re-arms the timer.
func (c *Coordinator) advanceLocked(rec *record) string {
	rec.turnEpoch++
	if len(rec.order) == 0 {
		return ""
	}
	rec.turnIndex = (rec.turnIndex + 1) % len(rec.order)
	c.armTimerLocked(rec)
	return rec.currentPlayer()
}

// armTimerLocked schedules the turn timeout for timed disciplines.
func (c *Coordinator) armTimerLocked(rec *record) {
	rec.cancelTimerLocked()
	if rec.discipline == domain.TurnOpen || rec.timeout <= 0 || rec.phase != PhaseActive {
		return
	}
	sessionID := rec.sessionID
	epoch := rec.turnEpoch
	rec.stopTimer = c.schedule(rec.timeout, func() {
		c.fireTurnTimeout(sessionID, epoch)
	})
}

func (rec *record) cancelTimerLocked() {
	if rec.stopTimer != nil {
		rec.stopTimer()
		rec.stopTimer = nil
	}
}

// fireTurnTimeout auto-advances the turn when the timer lapses.
//
// The epoch check makes the timeout fire at most once per turn: a turn that
// ended normally bumped the epoch and orphaned this callback.
func (c *Coordinator) fireTurnTimeout(sessionID string, epoch int) {
	c.mu.Lock()
	rec, ok := c.parties[sessionID]
	if !ok || rec.phase != PhaseActive || rec.turnEpoch != epoch {
		c.mu.Unlock()
		return
	}
	expired := rec.currentPlayer()
	next := c.advanceLocked(rec)
	c.mu.Unlock()

	ctx := context.Background()
	c.emit(ctx, sessionID, bus.EventTurnTimeout, map[string]any{"player_id": expired})
	if next != "" {
		c.emit(ctx, sessionID, bus.EventTurnStarted, map[string]any{"player_id": next})
	}
}

func (c *Coordinator) emit(ctx context.Context, sessionID, event string, payload map[string]any) {
	if c.events == nil {
		return
	}
	payload["session_id"] = sessionID
	payload["timestamp"] = c.clock().UTC().Format(time.RFC3339)
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("party: encode %s event: %v", event, err)
		return
	}
	if err := c.events.Publish(ctx, bus.SessionTopic(sessionID, event), encoded); err != nil {
		log.Printf("party: publish %s event: %v", event, err)
	}
}

// RequestCoordination opens a pending multi-player action.
func (c *Coordinator) RequestCoordination(session domain.Session, coordinationID string, required int, timeout time.Duration) error {
	coordinationID = strings.TrimSpace(coordinationID)
	if coordinationID == "" {
		return apperrors.New(apperrors.CodeCoordinationNotFound, "coordination id is required")
	}
	if required <= 0 {
		required = len(session.Players)
	}
	c.Ensure(session)
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.parties[session.ID]
	rec.pending[coordinationID] = &coordination{
		id:            coordinationID,
		required:      required,
		confirmations: make(map[string]struct{}),
		expiresAt:     c.clock().Add(timeout),
	}
	return nil
}

// Confirm adds one participant's confirmation to a pending coordination.
//
// It returns true only when the confirmation completes the request; expired
// requests are discarded without any effect, so partial confirmation never
// applies anything.
func (c *Coordinator) Confirm(sessionID, coordinationID, playerID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.parties[sessionID]
	if !ok {
		return false, apperrors.New(apperrors.CodePartyNotFound, "party is not active")
	}
	pending, ok := rec.pending[coordinationID]
	if !ok {
		return false, apperrors.New(apperrors.CodeCoordinationNotFound, "coordination request is unknown")
	}
	if c.clock().After(pending.expiresAt) {
		delete(rec.pending, coordinationID)
		return false, apperrors.New(apperrors.CodeCoordinationExpired, "coordination request expired")
	}
	if _, dup := pending.confirmations[playerID]; dup {
		return false, apperrors.New(apperrors.CodeCoordinationDuplicate, "player already confirmed")
	}
	pending.confirmations[playerID] = struct{}{}
	if len(pending.confirmations) >= pending.required {
		delete(rec.pending, coordinationID)
		return true, nil
	}
	return false, nil
}
