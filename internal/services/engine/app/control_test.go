package app

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lorehall/engine/internal/bus"
	"github.com/lorehall/engine/internal/party"
	"github.com/lorehall/engine/internal/session/domain"
	"github.com/lorehall/engine/internal/statestore"
)

type recordedEvent struct {
	topic   string
	payload map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(_ context.Context, topic string, payload []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{topic: topic, payload: decoded})
	return nil
}

func (r *eventRecorder) byEvent(event string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []recordedEvent
	for _, recorded := range r.events {
		if strings.HasSuffix(recorded.topic, "."+event) {
			matched = append(matched, recorded)
		}
	}
	return matched
}

func controlSession(t *testing.T, status domain.Status, discipline domain.TurnDiscipline, playerIDs ...string) domain.Session {
	t.Helper()
	now := func() time.Time { return time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC) }
	session := domain.Session{
		ID:         "sess-1",
		CampaignID: "camp-1",
		Status:     domain.StatusWaitingForPlayers,
		Party: domain.PartySettings{
			Discipline:         discipline,
			MaxPlayers:         6,
			TurnTimeoutSeconds: 120,
		},
		Inventories:      map[string][]string{},
		Knowledge:        map[string][]string{},
		VisitedScenes:    map[string][]string{},
		NPCConversations: map[string][]string{},
		Challenges:       map[string][]string{},
	}
	for i, playerID := range playerIDs {
		if i == 0 {
			session.Party.HostPlayerID = playerID
		}
		if err := session.AddPlayer(domain.Player{PlayerID: playerID}, now); err != nil {
			t.Fatalf("add player %s: %v", playerID, err)
		}
	}
	session.Status = status
	return session
}

func newControlFixture(t *testing.T, session domain.Session) (*controlHandler, *statestore.MemoryStore, *eventRecorder) {
	t.Helper()
	store := statestore.NewMemoryStore()
	t.Cleanup(store.Close)
	if err := store.Save(context.Background(), session.ID, session, 0); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	events := &eventRecorder{}
	coordinator := party.NewCoordinator(events)
	return newControlHandler(store, coordinator, events, 0, 0), store, events
}

func controlMessage(t *testing.T, envelope party.ControlEnvelope) bus.Message {
	t.Helper()
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("encode control envelope: %v", err)
	}
	return bus.Message{Topic: bus.TopicSessionControl, Payload: payload, Attempt: 1}
}

func TestControlJoinAddsPlayerOnce(t *testing.T) {
	session := controlSession(t, domain.StatusWaitingForPlayers, domain.TurnOpen, "alice")
	handler, store, events := newControlFixture(t, session)
	ctx := context.Background()

	join := controlMessage(t, party.ControlEnvelope{
		Kind:          party.ControlPlayerJoined,
		SessionID:     session.ID,
		PlayerID:      "bob",
		CharacterName: "Bram the Bold",
	})
	if err := handler.HandleMessage(ctx, join); err != nil {
		t.Fatalf("join: %v", err)
	}

	saved, err := store.Load(ctx, session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if !saved.HasPlayer("bob") {
		t.Fatal("joined player missing from the session document")
	}
	if got := len(events.byEvent(bus.EventPlayerJoinedParty)); got != 1 {
		t.Fatalf("got %d player_joined_party events, want 1", got)
	}

	// Redelivered join: acked, applied nothing.
	if err := handler.HandleMessage(ctx, join); err != nil {
		t.Fatalf("redelivered join: %v", err)
	}
	saved, _ = store.Load(ctx, session.ID)
	if got := len(saved.Players); got != 2 {
		t.Fatalf("party size after redelivery = %d, want 2", got)
	}
	if got := len(events.byEvent(bus.EventPlayerJoinedParty)); got != 1 {
		t.Fatalf("redelivery emitted extra join events, got %d", got)
	}
}

func TestControlDepartureTransfersHost(t *testing.T) {
	session := controlSession(t, domain.StatusActive, domain.TurnOpen, "alice", "bob")
	handler, store, events := newControlFixture(t, session)
	ctx := context.Background()

	left := controlMessage(t, party.ControlEnvelope{
		Kind:      party.ControlPlayerLeft,
		SessionID: session.ID,
		PlayerID:  "alice",
	})
	if err := handler.HandleMessage(ctx, left); err != nil {
		t.Fatalf("departure: %v", err)
	}

	saved, err := store.Load(ctx, session.ID)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if saved.HasPlayer("alice") {
		t.Fatal("departed player still in the session document")
	}
	if saved.Party.HostPlayerID != "bob" {
		t.Fatalf("host after departure = %q, want bob", saved.Party.HostPlayerID)
	}
	transfers := events.byEvent(bus.EventHostTransferred)
	if len(transfers) != 1 {
		t.Fatalf("got %d host_transferred events, want 1", len(transfers))
	}
	if got := transfers[0].payload["host_player_id"]; got != "bob" {
		t.Fatalf("transferred host = %v, want bob", got)
	}

	// Redelivered departure: the player is already gone.
	if err := handler.HandleMessage(ctx, left); err != nil {
		t.Fatalf("redelivered departure: %v", err)
	}
	if got := len(events.byEvent(bus.EventHostTransferred)); got != 1 {
		t.Fatalf("redelivery emitted extra transfer events, got %d", got)
	}
}

func TestControlStartIsHostOnly(t *testing.T) {
	session := controlSession(t, domain.StatusWaitingForPlayers, domain.TurnSequential, "alice", "bob")
	handler, store, events := newControlFixture(t, session)
	ctx := context.Background()

	byGuest := controlMessage(t, party.ControlEnvelope{
		Kind:      party.ControlSessionStart,
		SessionID: session.ID,
		PlayerID:  "bob",
	})
	if err := handler.HandleMessage(ctx, byGuest); err != nil {
		t.Fatalf("guest start: %v", err)
	}
	rejections := events.byEvent(bus.EventActionRejected)
	if len(rejections) != 1 {
		t.Fatalf("got %d action_rejected events, want 1", len(rejections))
	}
	if got := rejections[0].payload["code"]; got != "SESSION_NOT_HOST" {
		t.Fatalf("rejection code = %v, want SESSION_NOT_HOST", got)
	}
	saved, _ := store.Load(ctx, session.ID)
	if saved.Status != domain.StatusWaitingForPlayers {
		t.Fatalf("guest start changed status to %s", saved.Status)
	}

	byHost := controlMessage(t, party.ControlEnvelope{
		Kind:      party.ControlSessionStart,
		SessionID: session.ID,
		PlayerID:  "alice",
	})
	if err := handler.HandleMessage(ctx, byHost); err != nil {
		t.Fatalf("host start: %v", err)
	}
	saved, _ = store.Load(ctx, session.ID)
	if saved.Status != domain.StatusActive {
		t.Fatalf("status after host start = %s, want %s", saved.Status, domain.StatusActive)
	}
	if got := len(events.byEvent(bus.EventSessionStarted)); got != 1 {
		t.Fatalf("got %d session_started events, want 1", got)
	}
	starts := events.byEvent(bus.EventTurnStarted)
	if len(starts) != 1 {
		t.Fatalf("got %d turn_started events, want 1", len(starts))
	}
	if got := starts[0].payload["player_id"]; got != "alice" {
		t.Fatalf("first turn holder = %v, want alice", got)
	}

	// Redelivered start: the session is already active.
	if err := handler.HandleMessage(ctx, byHost); err != nil {
		t.Fatalf("redelivered start: %v", err)
	}
	if got := len(events.byEvent(bus.EventSessionStarted)); got != 1 {
		t.Fatalf("redelivery emitted extra session_started events, got %d", got)
	}
}

func TestControlMembershipRequeuesWhenLocked(t *testing.T) {
	session := controlSession(t, domain.StatusActive, domain.TurnOpen, "alice")
	handler, store, _ := newControlFixture(t, session)
	ctx := context.Background()

	if _, ok, err := store.AcquireLock(ctx, session.ID, time.Minute); err != nil || !ok {
		t.Fatalf("hold lock externally: ok=%v err=%v", ok, err)
	}

	join := controlMessage(t, party.ControlEnvelope{
		Kind:      party.ControlPlayerJoined,
		SessionID: session.ID,
		PlayerID:  "bob",
	})
	if err := handler.HandleMessage(ctx, join); err != bus.ErrRequeue {
		t.Fatalf("locked session error = %v, want bus.ErrRequeue", err)
	}
}

func TestControlCoordinationRoundTrip(t *testing.T) {
	session := controlSession(t, domain.StatusActive, domain.TurnOpen, "alice", "bob")
	handler, _, events := newControlFixture(t, session)
	ctx := context.Background()

	request := controlMessage(t, party.ControlEnvelope{
		Kind:           party.ControlCoordinationRequest,
		SessionID:      session.ID,
		PlayerID:       "alice",
		CoordinationID: "ritual-1",
		Required:       2,
		TimeoutSeconds: 30,
	})
	if err := handler.HandleMessage(ctx, request); err != nil {
		t.Fatalf("request: %v", err)
	}
	requested := events.byEvent(bus.EventCoordinationRequested)
	if len(requested) != 1 {
		t.Fatalf("got %d coordination_requested events, want 1", len(requested))
	}
	if got := requested[0].payload["required"]; got != float64(2) {
		t.Fatalf("required = %v, want 2", got)
	}

	confirm := func(playerID string) {
		t.Helper()
		msg := controlMessage(t, party.ControlEnvelope{
			Kind:           party.ControlCoordinationConfirm,
			SessionID:      session.ID,
			PlayerID:       playerID,
			CoordinationID: "ritual-1",
		})
		if err := handler.HandleMessage(ctx, msg); err != nil {
			t.Fatalf("confirm %s: %v", playerID, err)
		}
	}

	confirm("alice")
	if got := len(events.byEvent(bus.EventCoordinationComplete)); got != 0 {
		t.Fatalf("partial confirmation completed the coordination, got %d events", got)
	}
	confirm("bob")
	if got := len(events.byEvent(bus.EventCoordinationConfirmed)); got != 2 {
		t.Fatalf("got %d coordination_confirmed events, want 2", got)
	}
	complete := events.byEvent(bus.EventCoordinationComplete)
	if len(complete) != 1 {
		t.Fatalf("got %d coordination_complete events, want 1", len(complete))
	}
	if got := complete[0].payload["coordination_id"]; got != "ritual-1" {
		t.Fatalf("completed coordination = %v, want ritual-1", got)
	}
}

func TestControlRejectsOutsiderCoordination(t *testing.T) {
	session := controlSession(t, domain.StatusActive, domain.TurnOpen, "alice")
	handler, _, events := newControlFixture(t, session)
	ctx := context.Background()

	request := controlMessage(t, party.ControlEnvelope{
		Kind:           party.ControlCoordinationRequest,
		SessionID:      session.ID,
		PlayerID:       "mallory",
		CoordinationID: "ritual-2",
	})
	if err := handler.HandleMessage(ctx, request); err != nil {
		t.Fatalf("outsider request: %v", err)
	}
	rejections := events.byEvent(bus.EventActionRejected)
	if len(rejections) != 1 {
		t.Fatalf("got %d action_rejected events, want 1", len(rejections))
	}
	if got := rejections[0].payload["player_id"]; got != "mallory" {
		t.Fatalf("rejection target = %v, want mallory", got)
	}
	if got := len(events.byEvent(bus.EventCoordinationRequested)); got != 0 {
		t.Fatalf("outsider opened a coordination, got %d events", got)
	}
}
