package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/platform/id"
)

// Status describes the lifecycle state of a session.
type Status string

const (
	// StatusInitializing indicates the session document is being assembled.
	StatusInitializing Status = "initializing"
	// StatusWaitingForPlayers indicates the session waits for the party to fill.
	StatusWaitingForPlayers Status = "waiting_for_players"
	// StatusActive indicates actions are being accepted and processed.
	StatusActive Status = "active"
	// StatusPaused indicates the session is temporarily suspended.
	StatusPaused Status = "paused"
	// StatusCompleted indicates the session finished normally.
	StatusCompleted Status = "completed"
	// StatusAbandoned indicates the session expired or was discarded.
	StatusAbandoned Status = "abandoned"
	// StatusError indicates the session is unusable after a processing fault.
	StatusError Status = "error"
)

// TurnDiscipline is the policy governing which party member may act.
type TurnDiscipline string

const (
	// TurnOpen lets any player act at any time.
	TurnOpen TurnDiscipline = "open"
	// TurnSequential passes the turn in join order with a per-turn timer.
	TurnSequential TurnDiscipline = "sequential"
	// TurnInitiative passes the turn following an explicit precomputed order.
	TurnInitiative TurnDiscipline = "initiative"
)

// ValidDiscipline reports whether value names a known turn discipline.
func ValidDiscipline(value TurnDiscipline) bool {
	switch value {
	case TurnOpen, TurnSequential, TurnInitiative:
		return true
	}
	return false
}

// statusTransitions lists the allowed session status edges.
var statusTransitions = map[Status][]Status{
	StatusInitializing:      {StatusWaitingForPlayers, StatusActive, StatusError, StatusAbandoned},
	StatusWaitingForPlayers: {StatusActive, StatusAbandoned, StatusError},
	StatusActive:            {StatusPaused, StatusCompleted, StatusAbandoned, StatusError},
	StatusPaused:            {StatusActive, StatusCompleted, StatusAbandoned, StatusError},
	StatusCompleted:         {},
	StatusAbandoned:         {},
	StatusError:             {StatusAbandoned},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range statusTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Player is one member of the session party.
type Player struct {
	PlayerID      string `json:"player_id"`
	CharacterID   string `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
	// ProfileTier is an opaque label forwarded to content generation calls.
	ProfileTier string    `json:"profile_tier,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// PartySettings holds the party-level policy knobs.
type PartySettings struct {
	Discipline         TurnDiscipline `json:"turn_discipline"`
	MaxPlayers         int            `json:"max_players"`
	TurnTimeoutSeconds int            `json:"turn_timeout_seconds"`
	HostPlayerID       string         `json:"host_player_id"`
	// InitiativeOrder is the explicit order used by the initiative discipline.
	InitiativeOrder []string `json:"initiative_order,omitempty"`
}

// TurnContext tracks where the pipeline left off for this session.
type TurnContext struct {
	CurrentPhase        string `json:"current_phase"`
	PendingPlayerID     string `json:"pending_player_id,omitempty"`
	AwaitingPlayerInput bool   `json:"awaiting_player_input"`
}

// ActionRecord is one processed action in the append-only audit trail.
type ActionRecord struct {
	PlayerID   string    `json:"player_id"`
	ActionType string    `json:"action_type"`
	Action     string    `json:"action"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
}

// ChatEntry is one chat or narrative line in the append-only session log.
type ChatEntry struct {
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is the full per-session state document.
//
// The progress ledgers are monotonically growing sets: entries are only ever
// added, which is what makes cascade recomputation from the full acquired set
// idempotent under message redelivery.
type Session struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Status     Status `json:"status"`

	Players []Player      `json:"players"`
	Party   PartySettings `json:"party"`
	Turn    TurnContext   `json:"turn"`

	CompletedQuestIDs []string            `json:"completed_quest_ids"`
	CompletedSceneIDs []string            `json:"completed_scene_ids"`
	Inventories       map[string][]string `json:"inventories"`
	Knowledge         map[string][]string `json:"knowledge"`
	VisitedScenes     map[string][]string `json:"visited_scenes"`
	NPCConversations  map[string][]string `json:"npc_conversations"`
	Challenges        map[string][]string `json:"challenges"`

	CurrentSceneID string `json:"current_scene_id,omitempty"`

	ActionHistory    []ActionRecord `json:"action_history"`
	ChatLog          []ChatEntry    `json:"chat_log"`
	CheckpointCount  int            `json:"checkpoint_count"`
	ProcessedActions int            `json:"processed_actions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	CampaignID         string
	HostPlayerID       string
	Discipline         TurnDiscipline
	MaxPlayers         int
	TurnTimeoutSeconds int
}

const (
	defaultMaxPlayers         = 6
	defaultTurnTimeoutSeconds = 120
)

// CreateSession creates a new session document with a generated ID.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateSessionInput(input)
	if err != nil {
		return Session{}, err
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	createdAt := now().UTC()
	return Session{
		ID:         sessionID,
		CampaignID: normalized.CampaignID,
		Status:     StatusInitializing,
		Party: PartySettings{
			Discipline:         normalized.Discipline,
			MaxPlayers:         normalized.MaxPlayers,
			TurnTimeoutSeconds: normalized.TurnTimeoutSeconds,
			HostPlayerID:       normalized.HostPlayerID,
		},
		Turn: TurnContext{
			CurrentPhase:        "interpret_action",
			AwaitingPlayerInput: false,
		},
		Inventories:      map[string][]string{},
		Knowledge:        map[string][]string{},
		VisitedScenes:    map[string][]string{},
		NPCConversations: map[string][]string{},
		Challenges:       map[string][]string{},
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}, nil
}

// NormalizeCreateSessionInput trims and validates session input metadata.
func NormalizeCreateSessionInput(input CreateSessionInput) (CreateSessionInput, error) {
	input.CampaignID = strings.TrimSpace(input.CampaignID)
	if input.CampaignID == "" {
		return CreateSessionInput{}, apperrors.New(apperrors.CodeSessionEmptyCampaignID, "campaign id is required")
	}
	input.HostPlayerID = strings.TrimSpace(input.HostPlayerID)
	if input.Discipline == "" {
		input.Discipline = TurnOpen
	}
	if !ValidDiscipline(input.Discipline) {
		return CreateSessionInput{}, apperrors.New(apperrors.CodeTurnInvalidDiscipline, fmt.Sprintf("unknown turn discipline %q", input.Discipline))
	}
	if input.MaxPlayers <= 0 {
		input.MaxPlayers = defaultMaxPlayers
	}
	if input.TurnTimeoutSeconds <= 0 {
		input.TurnTimeoutSeconds = defaultTurnTimeoutSeconds
	}
	return input, nil
}

// Transition moves the session to a new status after checking the edge.
func (s *Session) Transition(to Status, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	if !CanTransition(s.Status, to) {
		return apperrors.New(apperrors.CodeSessionInvalidStatusTransition,
			fmt.Sprintf("cannot transition session from %s to %s", s.Status, to))
	}
	s.Status = to
	s.UpdatedAt = now().UTC()
	return nil
}

// AddPlayer appends a player to the party in join order.
func (s *Session) AddPlayer(player Player, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	player.PlayerID = strings.TrimSpace(player.PlayerID)
	if player.PlayerID == "" {
		return apperrors.New(apperrors.CodeActionEmptyPlayerID, "player id is required")
	}
	switch s.Status {
	case StatusInitializing, StatusWaitingForPlayers, StatusActive:
	default:
		return apperrors.New(apperrors.CodeSessionNotJoinable,
			fmt.Sprintf("session status %s does not accept new players", s.Status))
	}
	if len(s.Players) >= s.Party.MaxPlayers {
		return apperrors.New(apperrors.CodeSessionFull, "party is full")
	}
	for _, existing := range s.Players {
		if existing.PlayerID == player.PlayerID {
			return apperrors.New(apperrors.CodeSessionPlayerExists, "player already joined")
		}
	}
	player.JoinedAt = now().UTC()
	s.Players = append(s.Players, player)
	if s.Party.HostPlayerID == "" {
		s.Party.HostPlayerID = player.PlayerID
	}
	s.UpdatedAt = player.JoinedAt
	return nil
}

// RemovePlayer drops a player and reassigns the host when needed.
//
// It returns the new host player id when host reassignment happened, or the
// empty string otherwise.
func (s *Session) RemovePlayer(playerID string, now func() time.Time) (string, error) {
	if now == nil {
		now = time.Now
	}
	playerID = strings.TrimSpace(playerID)
	index := -1
	for i, existing := range s.Players {
		if existing.PlayerID == playerID {
			index = i
			break
		}
	}
	if index == -1 {
		return "", apperrors.New(apperrors.CodeSessionPlayerNotFound, "player is not in the party")
	}
	s.Players = append(s.Players[:index], s.Players[index+1:]...)
	s.UpdatedAt = now().UTC()

	newHost := ""
	if s.Party.HostPlayerID == playerID {
		s.Party.HostPlayerID = ""
		if len(s.Players) > 0 {
			s.Party.HostPlayerID = s.Players[0].PlayerID
			newHost = s.Party.HostPlayerID
		}
	}
	return newHost, nil
}

// HasPlayer reports whether the player belongs to the session party.
func (s *Session) HasPlayer(playerID string) bool {
	for _, existing := range s.Players {
		if existing.PlayerID == playerID {
			return true
		}
	}
	return false
}

// PlayerOrder returns party member ids in join order.
func (s *Session) PlayerOrder() []string {
	order := make([]string, 0, len(s.Players))
	for _, player := range s.Players {
		order = append(order, player.PlayerID)
	}
	return order
}

// appendUnique grows a monotonic set, preserving insertion order.
func appendUnique(values []string, value string) ([]string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return values, false
	}
	for _, existing := range values {
		if existing == value {
			return values, false
		}
	}
	return append(values, value), true
}

// GrantKnowledge records a knowledge acquisition for a player.
// Returns false when the player already held the knowledge.
func (s *Session) GrantKnowledge(playerID, knowledgeID string) bool {
	if s.Knowledge == nil {
		s.Knowledge = map[string][]string{}
	}
	updated, added := appendUnique(s.Knowledge[playerID], knowledgeID)
	s.Knowledge[playerID] = updated
	return added
}

// GrantItem records an inventory acquisition for a player.
func (s *Session) GrantItem(playerID, itemID string) bool {
	if s.Inventories == nil {
		s.Inventories = map[string][]string{}
	}
	updated, added := appendUnique(s.Inventories[playerID], itemID)
	s.Inventories[playerID] = updated
	return added
}

// RecordSceneVisit records a visited scene for a player.
func (s *Session) RecordSceneVisit(playerID, sceneID string) bool {
	if s.VisitedScenes == nil {
		s.VisitedScenes = map[string][]string{}
	}
	updated, added := appendUnique(s.VisitedScenes[playerID], sceneID)
	s.VisitedScenes[playerID] = updated
	return added
}

// RecordConversation records an NPC conversation for a player.
func (s *Session) RecordConversation(playerID, npcID string) bool {
	if s.NPCConversations == nil {
		s.NPCConversations = map[string][]string{}
	}
	updated, added := appendUnique(s.NPCConversations[playerID], npcID)
	s.NPCConversations[playerID] = updated
	return added
}

// RecordChallenge records a completed challenge for a player.
func (s *Session) RecordChallenge(playerID, challengeID string) bool {
	if s.Challenges == nil {
		s.Challenges = map[string][]string{}
	}
	updated, added := appendUnique(s.Challenges[playerID], challengeID)
	s.Challenges[playerID] = updated
	return added
}

// CompleteQuest adds a quest id to the session-wide completed set.
func (s *Session) CompleteQuest(questID string) bool {
	updated, added := appendUnique(s.CompletedQuestIDs, questID)
	s.CompletedQuestIDs = updated
	return added
}

// CompleteScene adds a scene id to the session-wide completed set.
func (s *Session) CompleteScene(sceneID string) bool {
	updated, added := appendUnique(s.CompletedSceneIDs, sceneID)
	s.CompletedSceneIDs = updated
	return added
}

// AppendAction appends to the append-only action history.
func (s *Session) AppendAction(record ActionRecord) {
	s.ActionHistory = append(s.ActionHistory, record)
	s.ProcessedActions++
}

// AppendChat appends to the append-only chat/narrative log.
func (s *Session) AppendChat(entry ChatEntry) {
	s.ChatLog = append(s.ChatLog, entry)
}
