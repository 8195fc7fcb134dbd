package domain

import (
	"testing"
	"time"

	apperrors "github.com/lorehall/engine/internal/errors"
)

func fixedNow() time.Time {
	return time.Date(2025, 2, 10, 15, 0, 0, 0, time.UTC)
}

func staticID() (string, error) {
	return "session123456789012345678ab", nil
}

func TestCreateSessionDefaults(t *testing.T) {
	session, err := CreateSession(CreateSessionInput{
		CampaignID:   "camp-1",
		HostPlayerID: "alice",
	}, fixedNow, staticID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Status != StatusInitializing {
		t.Fatalf("status = %s, want %s", session.Status, StatusInitializing)
	}
	if session.Party.MaxPlayers != 6 {
		t.Fatalf("max players = %d, want 6", session.Party.MaxPlayers)
	}
	if session.Party.TurnTimeoutSeconds != 120 {
		t.Fatalf("turn timeout = %d, want 120", session.Party.TurnTimeoutSeconds)
	}
	if session.Party.Discipline != TurnOpen {
		t.Fatalf("discipline = %s, want %s", session.Party.Discipline, TurnOpen)
	}
	if session.CreatedAt != fixedNow() {
		t.Fatalf("created at = %v", session.CreatedAt)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name  string
		input CreateSessionInput
		code  apperrors.Code
	}{
		{
			name:  "missing campaign",
			input: CreateSessionInput{HostPlayerID: "alice"},
			code:  apperrors.CodeSessionEmptyCampaignID,
		},
		{
			name:  "invalid discipline",
			input: CreateSessionInput{CampaignID: "camp-1", HostPlayerID: "alice", Discipline: "chaotic"},
			code:  apperrors.CodeTurnInvalidDiscipline,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CreateSession(tc.input, fixedNow, staticID)
			if !apperrors.IsCode(err, tc.code) {
				t.Fatalf("error = %v, want %s", err, tc.code)
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusInitializing, StatusWaitingForPlayers, true},
		{StatusWaitingForPlayers, StatusActive, true},
		{StatusActive, StatusPaused, true},
		{StatusPaused, StatusActive, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusAbandoned, true},
		{StatusCompleted, StatusActive, false},
		{StatusAbandoned, StatusActive, false},
		{StatusInitializing, StatusCompleted, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	session := Session{Status: StatusCompleted}
	err := session.Transition(StatusActive, fixedNow)
	if !apperrors.IsCode(err, apperrors.CodeSessionInvalidStatusTransition) {
		t.Fatalf("error = %v, want %s", err, apperrors.CodeSessionInvalidStatusTransition)
	}
	if session.Status != StatusCompleted {
		t.Fatalf("failed transition mutated status to %s", session.Status)
	}
}

func TestAddPlayerEnforcesCapacityAndUniqueness(t *testing.T) {
	session := Session{
		ID:     "sess-1",
		Status: StatusWaitingForPlayers,
		Party:  PartySettings{MaxPlayers: 2, HostPlayerID: "alice"},
	}
	if err := session.AddPlayer(Player{PlayerID: "alice"}, fixedNow); err != nil {
		t.Fatalf("add first player: %v", err)
	}
	if err := session.AddPlayer(Player{PlayerID: "alice"}, fixedNow); !apperrors.IsCode(err, apperrors.CodeSessionPlayerExists) {
		t.Fatalf("duplicate player error = %v, want %s", err, apperrors.CodeSessionPlayerExists)
	}
	if err := session.AddPlayer(Player{PlayerID: "bob"}, fixedNow); err != nil {
		t.Fatalf("add second player: %v", err)
	}
	if err := session.AddPlayer(Player{PlayerID: "carol"}, fixedNow); !apperrors.IsCode(err, apperrors.CodeSessionFull) {
		t.Fatalf("over-capacity error = %v, want %s", err, apperrors.CodeSessionFull)
	}
}

func TestRemovePlayerTransfersHost(t *testing.T) {
	session := Session{
		ID:     "sess-1",
		Status: StatusActive,
		Party:  PartySettings{MaxPlayers: 4, HostPlayerID: "alice"},
	}
	for _, playerID := range []string{"alice", "bob", "carol"} {
		if err := session.AddPlayer(Player{PlayerID: playerID}, fixedNow); err != nil {
			t.Fatalf("add %s: %v", playerID, err)
		}
	}

	newHost, err := session.RemovePlayer("alice", fixedNow)
	if err != nil {
		t.Fatalf("remove host: %v", err)
	}
	if newHost != "bob" {
		t.Fatalf("new host = %q, want bob (earliest joined)", newHost)
	}
	if session.Party.HostPlayerID != "bob" {
		t.Fatalf("party host = %q, want bob", session.Party.HostPlayerID)
	}

	// Removing a non-host player does not change the host.
	newHost, err = session.RemovePlayer("carol", fixedNow)
	if err != nil {
		t.Fatalf("remove carol: %v", err)
	}
	if newHost != "" {
		t.Fatalf("non-host removal reported host change to %q", newHost)
	}

	if _, err := session.RemovePlayer("mallory", fixedNow); !apperrors.IsCode(err, apperrors.CodeSessionPlayerNotFound) {
		t.Fatalf("unknown player error = %v, want %s", err, apperrors.CodeSessionPlayerNotFound)
	}
}

func TestLedgersAreAppendOnlySets(t *testing.T) {
	session := Session{ID: "sess-1"}

	if !session.GrantKnowledge("alice", "k1") {
		t.Fatal("first grant should report added")
	}
	if session.GrantKnowledge("alice", "k1") {
		t.Fatal("second grant of the same fact should be a no-op")
	}
	if !session.GrantKnowledge("alice", "k2") {
		t.Fatal("different fact should be added")
	}
	if got := len(session.Knowledge["alice"]); got != 2 {
		t.Fatalf("knowledge entries = %d, want 2", got)
	}

	if !session.GrantItem("alice", "lantern") || session.GrantItem("alice", "lantern") {
		t.Fatal("item ledger should add once")
	}
	if !session.RecordSceneVisit("alice", "scene-1") || session.RecordSceneVisit("alice", "scene-1") {
		t.Fatal("scene ledger should add once")
	}
	if !session.RecordConversation("alice", "npc-1") || session.RecordConversation("alice", "npc-1") {
		t.Fatal("conversation ledger should add once")
	}
	if !session.RecordChallenge("alice", "ch-1") || session.RecordChallenge("alice", "ch-1") {
		t.Fatal("challenge ledger should add once")
	}
	if !session.CompleteQuest("q1") || session.CompleteQuest("q1") {
		t.Fatal("quest completion should record once")
	}
}

func TestPlayerOrderFollowsJoinOrder(t *testing.T) {
	session := Session{
		ID:     "sess-1",
		Status: StatusActive,
		Party:  PartySettings{MaxPlayers: 4, HostPlayerID: "carol"},
	}
	for _, playerID := range []string{"carol", "alice", "bob"} {
		if err := session.AddPlayer(Player{PlayerID: playerID}, fixedNow); err != nil {
			t.Fatalf("add %s: %v", playerID, err)
		}
	}
	order := session.PlayerOrder()
	want := []string{"carol", "alice", "bob"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
