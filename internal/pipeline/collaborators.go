package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/lorehall/engine/internal/session/domain"
)

// KeywordInterpreter is the deterministic built-in interpreter.
//
// It trusts the client's action_type hint when present and otherwise
// classifies on the leading verb. Deployments with a content generation
// backend replace it through the Interpreter interface.
type KeywordInterpreter struct{}

var verbTable = map[string]ActionType{
	"talk":        ActionConversation,
	"speak":       ActionConversation,
	"greet":       ActionConversation,
	"go":          ActionNavigation,
	"move":        ActionNavigation,
	"travel":      ActionNavigation,
	"enter":       ActionNavigation,
	"look":        ActionExploration,
	"explore":     ActionExploration,
	"survey":      ActionExploration,
	"search":      ActionExploration,
	"take":        ActionItemInteraction,
	"grab":        ActionItemInteraction,
	"use":         ActionItemInteraction,
	"pick":        ActionItemInteraction,
	"investigate": ActionDiscoveryInvestigation,
	"examine":     ActionDiscoveryInvestigation,
	"study":       ActionDiscoveryInvestigation,
	"read":        ActionDiscoveryInvestigation,
	"attempt":     ActionChallengeAttempt,
	"try":         ActionChallengeAttempt,
	"solve":       ActionChallengeAttempt,
	"climb":       ActionChallengeAttempt,
}

// Interpret classifies the envelope into a typed action.
func (KeywordInterpreter) Interpret(_ context.Context, _ domain.Session, envelope Envelope) (Action, error) {
	action := Action{Text: envelope.Text, TargetID: envelope.TargetID}

	if hinted := ActionType(envelope.ActionType); hinted != "" {
		for _, known := range KnownActionTypes {
			if hinted == known {
				action.Type = hinted
				return action, nil
			}
		}
	}

	fields := strings.Fields(strings.ToLower(envelope.Text))
	if len(fields) > 0 {
		if actionType, ok := verbTable[fields[0]]; ok {
			action.Type = actionType
			if action.TargetID == "" && len(fields) > 1 {
				action.TargetID = fields[len(fields)-1]
			}
			return action, nil
		}
	}

	// Anything unclassifiable is a question for the game master.
	action.Type = ActionGMQuestion
	return action, nil
}

// SummaryNarrator is the deterministic built-in narrator.
//
// It stitches outcome summaries into one line. Real narration comes from a
// content generation backend behind the Narrator interface.
type SummaryNarrator struct{}

// Narrate renders the mechanical results as plain second-person text.
func (SummaryNarrator) Narrate(_ context.Context, _ domain.Session, results []Result) (string, error) {
	var parts []string
	for _, result := range results {
		if result.Outcome.Outcome == "" {
			continue
		}
		parts = append(parts, result.Outcome.Outcome)
	}
	if len(parts) == 0 {
		return "Nothing comes of it.", nil
	}
	return fmt.Sprintf("You %s.", strings.Join(parts, ", then ")), nil
}
