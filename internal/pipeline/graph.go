package pipeline

import (
	"context"
	"fmt"

	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/objectives"
	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/session/domain"
)

// Phase names one node of the processing graph.
type Phase string

const (
	PhaseInterpret  Phase = "interpret_action"
	PhaseDispatch   Phase = "dispatch"
	PhaseCascade    Phase = "objective_cascade_check"
	PhaseNarrate    Phase = "narrate"
	PhaseAwaitInput Phase = "await_player_input"
)

// DefaultStepLimit bounds the number of node transitions in one run.
const DefaultStepLimit = 50

// nodeFunc executes one phase and names the next one.
type nodeFunc func(ctx context.Context, r *run) (Phase, error)

// run carries the working state of one pipeline execution.
type run struct {
	envelope  Envelope
	session   *domain.Session
	lockToken string

	// queue holds actions still to dispatch; follow-ups are appended here.
	queue        []Action
	executed     []executedAction
	acquisitions []objdomain.Acquisition
	progress     []objectives.ProgressEvent
	narrative    string
}

type executedAction struct {
	action  Action
	outcome Outcome
}

func (o *Orchestrator) buildGraph() map[Phase]nodeFunc {
	return map[Phase]nodeFunc{
		PhaseInterpret: o.interpretNode,
		PhaseDispatch:  o.dispatchNode,
		PhaseCascade:   o.cascadeNode,
		PhaseNarrate:   o.narrateNode,
	}
}

// runGraph walks the phase graph from interpretation to the terminal node.
//
// Every transition counts against the step limit, so a handler that keeps
// scheduling follow-ups fails loudly instead of looping.
func (o *Orchestrator) runGraph(ctx context.Context, r *run) error {
	r.session.Turn.PendingPlayerID = r.envelope.PlayerID
	phase := PhaseInterpret
	for steps := 0; ; steps++ {
		if steps >= o.cfg.StepLimit {
			return apperrors.New(apperrors.CodeActionStepLimit,
				fmt.Sprintf("pipeline exceeded %d steps in phase %s", o.cfg.StepLimit, phase))
		}
		r.session.Turn.CurrentPhase = string(phase)
		node, ok := o.graph[phase]
		if !ok {
			return fmt.Errorf("pipeline has no node for phase %q", phase)
		}
		next, err := node(ctx, r)
		if err != nil {
			return err
		}
		// Interpret and narrate calls can outlast one lock lease, so the lease
		// is renewed after every phase. Losing it means another worker may own
		// the session now: abandon without saving and let redelivery retry.
		if err := o.store.ExtendLock(ctx, r.envelope.SessionID, r.lockToken, o.cfg.LockTTL); err != nil {
			return fmt.Errorf("renew session lock after %s: %w", phase, err)
		}
		if next == PhaseAwaitInput {
			r.session.Turn.CurrentPhase = string(PhaseAwaitInput)
			r.session.Turn.AwaitingPlayerInput = true
			r.session.Turn.PendingPlayerID = ""
			return nil
		}
		phase = next
	}
}

// interpretNode classifies the raw input into a typed action.
func (o *Orchestrator) interpretNode(ctx context.Context, r *run) (Phase, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.InterpretTimeout)
	defer cancel()

	action, err := o.interpreter.Interpret(callCtx, *r.session, r.envelope)
	if err != nil {
		// Interpretation failures degrade to the envelope hint instead of
		// poisoning the queue with a retry that will fail the same way.
		action = fallbackAction(r.envelope)
	}
	action.SessionID = r.envelope.SessionID
	action.PlayerID = r.envelope.PlayerID
	action.RequestID = r.envelope.RequestID
	if action.Text == "" {
		action.Text = r.envelope.Text
	}
	r.queue = append(r.queue, action)
	return PhaseDispatch, nil
}

// fallbackAction builds an action from the client's own hint.
func fallbackAction(envelope Envelope) Action {
	actionType := ActionType(envelope.ActionType)
	supported := false
	for _, known := range KnownActionTypes {
		if actionType == known {
			supported = true
			break
		}
	}
	if !supported {
		actionType = ActionGMQuestion
	}
	return Action{
		Type:     actionType,
		Text:     envelope.Text,
		TargetID: envelope.TargetID,
	}
}

// dispatchNode executes the next queued action through its handler.
func (o *Orchestrator) dispatchNode(ctx context.Context, r *run) (Phase, error) {
	if len(r.queue) == 0 {
		return PhaseCascade, nil
	}
	action := r.queue[0]
	r.queue = r.queue[1:]

	handler, err := o.registry.Resolve(action.Type)
	if err != nil {
		return "", err
	}
	outcome := handler.Execute(ctx, action, r.session)
	r.executed = append(r.executed, executedAction{action: action, outcome: outcome})
	r.acquisitions = append(r.acquisitions, outcome.Acquisitions...)
	if outcome.RequiresFollowUp && outcome.FollowUp != nil {
		r.queue = append(r.queue, *outcome.FollowUp)
	}
	if len(r.queue) > 0 {
		return PhaseDispatch, nil
	}
	return PhaseCascade, nil
}

// cascadeNode propagates this run's acquisitions through the hierarchy.
func (o *Orchestrator) cascadeNode(ctx context.Context, r *run) (Phase, error) {
	if len(r.acquisitions) == 0 {
		return PhaseNarrate, nil
	}
	playerID := r.envelope.PlayerID
	acquired := objectives.NewAcquiredSet(
		r.session.Knowledge[playerID],
		r.session.Inventories[playerID],
		r.session.VisitedScenes[playerID],
		r.session.NPCConversations[playerID],
		r.session.Challenges[playerID],
	)
	events, err := o.tracker.Apply(ctx, r.session.CampaignID, playerID, r.acquisitions, acquired)
	if err != nil {
		return "", fmt.Errorf("objective cascade: %w", err)
	}
	r.progress = events
	for _, event := range events {
		if event.Level == objectives.LevelQuest && event.Completed {
			r.session.CompleteQuest(event.ObjectiveID)
		}
	}
	return PhaseNarrate, nil
}

// narrateNode asks the narrator for player-facing text.
func (o *Orchestrator) narrateNode(ctx context.Context, r *run) (Phase, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.NarrateTimeout)
	defer cancel()

	narrative, err := o.narrator.Narrate(callCtx, *r.session, r.results())
	if err != nil || narrative == "" {
		narrative = fallbackNarrative(r)
	}
	r.narrative = narrative

	now := o.clock()
	for _, done := range r.executed {
		r.session.AppendAction(domain.ActionRecord{
			PlayerID:   done.action.PlayerID,
			ActionType: string(done.action.Type),
			Action:     done.action.Text,
			Success:    done.outcome.Success,
			Timestamp:  now,
		})
	}
	r.session.AppendChat(domain.ChatEntry{
		Sender:      "gm",
		Content:     narrative,
		MessageType: "narrative",
		Timestamp:   now,
	})
	return PhaseAwaitInput, nil
}

// results exposes the executed action/outcome pairs to the narrator.
func (r *run) results() []Result {
	results := make([]Result, 0, len(r.executed))
	for _, done := range r.executed {
		results = append(results, Result{Action: done.action, Outcome: done.outcome})
	}
	return results
}

// fallbackNarrative keeps the table moving when the narrator is unreachable.
func fallbackNarrative(r *run) string {
	for i := len(r.executed) - 1; i >= 0; i-- {
		if summary := r.executed[i].outcome.Outcome; summary != "" {
			return "You " + summary + "."
		}
	}
	return "The game master nods slowly, taking in what just happened."
}
