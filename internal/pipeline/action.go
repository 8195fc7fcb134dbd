package pipeline

import (
	objdomain "github.com/lorehall/engine/internal/objectives/domain"
)

// ActionType classifies what the player is trying to do.
type ActionType string

const (
	ActionConversation           ActionType = "conversation"
	ActionExploration            ActionType = "exploration"
	ActionItemInteraction        ActionType = "item_interaction"
	ActionDiscoveryInvestigation ActionType = "discovery_investigation"
	ActionChallengeAttempt       ActionType = "challenge_attempt"
	ActionNavigation             ActionType = "navigation"
	ActionGMQuestion             ActionType = "gm_question"
)

// KnownActionTypes lists every action type a registry must cover.
var KnownActionTypes = []ActionType{
	ActionConversation,
	ActionExploration,
	ActionItemInteraction,
	ActionDiscoveryInvestigation,
	ActionChallengeAttempt,
	ActionNavigation,
	ActionGMQuestion,
}

// Action is one interpreted player intent.
type Action struct {
	SessionID string
	PlayerID  string
	RequestID string
	Type      ActionType
	// Text is the raw player input the interpreter classified.
	Text string
	// TargetID names the NPC, item, scene, discovery or challenge acted on.
	TargetID string
}

// Outcome is the result of executing one action against session state.
type Outcome struct {
	Success bool
	// Outcome is the mechanical summary handed to the narrator.
	Outcome string
	// Acquisitions are the ledger entries this action newly produced.
	Acquisitions []objdomain.Acquisition
	// FollowUp, when RequiresFollowUp is set, is dispatched in the same run.
	RequiresFollowUp bool
	FollowUp         *Action
	Err              error
}

// Envelope is the wire form of an inbound player_action message.
type Envelope struct {
	SessionID  string `json:"session_id"`
	PlayerID   string `json:"player_id"`
	RequestID  string `json:"request_id"`
	Text       string `json:"text"`
	ActionType string `json:"action_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
}
