package pipeline

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/lorehall/engine/internal/errors"
	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/session/domain"
)

// Handler executes one class of player action against session state.
//
// Execute runs inside the session lock and may mutate the document directly.
// Ledger writes go through the session's append-only helpers, so re-executing
// the same action is harmless.
type Handler interface {
	CanHandle(actionType ActionType) bool
	Execute(ctx context.Context, action Action, session *domain.Session) Outcome
}

// Registry resolves action types to handlers once at startup.
type Registry struct {
	handlers map[ActionType]Handler
}

// NewRegistry builds a registry over the given handlers.
//
// Resolution happens here, not per message: every known action type must be
// claimed by exactly one handler or construction fails.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	resolved := make(map[ActionType]Handler, len(KnownActionTypes))
	for _, actionType := range KnownActionTypes {
		for _, handler := range handlers {
			if !handler.CanHandle(actionType) {
				continue
			}
			if _, dup := resolved[actionType]; dup {
				return nil, fmt.Errorf("action type %q claimed by two handlers", actionType)
			}
			resolved[actionType] = handler
		}
		if _, ok := resolved[actionType]; !ok {
			return nil, fmt.Errorf("action type %q has no handler", actionType)
		}
	}
	return &Registry{handlers: resolved}, nil
}

// DefaultRegistry wires the built-in handler set.
func DefaultRegistry() (*Registry, error) {
	return NewRegistry(
		conversationHandler{},
		explorationHandler{},
		itemHandler{},
		discoveryHandler{},
		challengeHandler{},
		navigationHandler{},
		gmQuestionHandler{},
	)
}

// Resolve returns the handler for the action type.
func (r *Registry) Resolve(actionType ActionType) (Handler, error) {
	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, apperrors.New(apperrors.CodeActionTypeUnsupported,
			fmt.Sprintf("no handler for action type %q", actionType))
	}
	return handler, nil
}

func missingTarget(action Action, what string) Outcome {
	return Outcome{
		Success: false,
		Outcome: fmt.Sprintf("the %s you are looking for is not here", what),
		Err: apperrors.New(apperrors.CodeNotFound,
			fmt.Sprintf("%s action without a target", action.Type)),
	}
}

type conversationHandler struct{}

func (conversationHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionConversation
}

func (conversationHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	npcID := strings.TrimSpace(action.TargetID)
	if npcID == "" {
		return missingTarget(action, "character")
	}
	added := session.RecordConversation(action.PlayerID, npcID)
	outcome := Outcome{
		Success: true,
		Outcome: fmt.Sprintf("spoke with %s", npcID),
	}
	if added {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionConversation, ID: npcID},
		}
	}
	return outcome
}

type explorationHandler struct{}

func (explorationHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionExploration
}

// Execute surveys the current scene. When the interpreter attached a target,
// the survey surfaces it as a discovery follow-up in the same run.
func (explorationHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	sceneID := session.CurrentSceneID
	outcome := Outcome{Success: true, Outcome: "surveyed the area"}
	if sceneID != "" && session.RecordSceneVisit(action.PlayerID, sceneID) {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionSceneVisit, ID: sceneID},
		}
	}
	if target := strings.TrimSpace(action.TargetID); target != "" {
		followUp := action
		followUp.Type = ActionDiscoveryInvestigation
		outcome.RequiresFollowUp = true
		outcome.FollowUp = &followUp
		outcome.Outcome = fmt.Sprintf("surveyed the area and noticed %s", target)
	}
	return outcome
}

type itemHandler struct{}

func (itemHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionItemInteraction
}

func (itemHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	itemID := strings.TrimSpace(action.TargetID)
	if itemID == "" {
		return missingTarget(action, "item")
	}
	added := session.GrantItem(action.PlayerID, itemID)
	outcome := Outcome{Success: true, Outcome: fmt.Sprintf("took %s", itemID)}
	if added {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionItem, ID: itemID},
		}
	}
	return outcome
}

type discoveryHandler struct{}

func (discoveryHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionDiscoveryInvestigation
}

func (discoveryHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	discoveryID := strings.TrimSpace(action.TargetID)
	if discoveryID == "" {
		return missingTarget(action, "discovery")
	}
	added := session.GrantKnowledge(action.PlayerID, discoveryID)
	outcome := Outcome{Success: true, Outcome: fmt.Sprintf("learned about %s", discoveryID)}
	if added {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionKnowledge, ID: discoveryID},
		}
	}
	return outcome
}

type challengeHandler struct{}

func (challengeHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionChallengeAttempt
}

func (challengeHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	challengeID := strings.TrimSpace(action.TargetID)
	if challengeID == "" {
		return missingTarget(action, "challenge")
	}
	added := session.RecordChallenge(action.PlayerID, challengeID)
	outcome := Outcome{Success: true, Outcome: fmt.Sprintf("overcame %s", challengeID)}
	if added {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionChallenge, ID: challengeID},
		}
	}
	return outcome
}

type navigationHandler struct{}

func (navigationHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionNavigation
}

func (navigationHandler) Execute(_ context.Context, action Action, session *domain.Session) Outcome {
	sceneID := strings.TrimSpace(action.TargetID)
	if sceneID == "" {
		return missingTarget(action, "place")
	}
	session.CurrentSceneID = sceneID
	outcome := Outcome{Success: true, Outcome: fmt.Sprintf("moved to %s", sceneID)}
	if session.RecordSceneVisit(action.PlayerID, sceneID) {
		outcome.Acquisitions = []objdomain.Acquisition{
			{Type: objdomain.AcquisitionSceneVisit, ID: sceneID},
		}
	}
	return outcome
}

type gmQuestionHandler struct{}

func (gmQuestionHandler) CanHandle(actionType ActionType) bool {
	return actionType == ActionGMQuestion
}

// Execute answers out-of-character questions. It never touches the ledgers.
func (gmQuestionHandler) Execute(_ context.Context, action Action, _ *domain.Session) Outcome {
	return Outcome{Success: true, Outcome: "answered: " + strings.TrimSpace(action.Text)}
}
