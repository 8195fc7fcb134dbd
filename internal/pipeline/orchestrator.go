package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lorehall/engine/internal/bus"
	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/objectives"
	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/session/domain"
	"github.com/lorehall/engine/internal/statestore"
	"github.com/lorehall/engine/internal/storage"
)

// Result pairs an executed action with its mechanical outcome.
type Result struct {
	Action  Action
	Outcome Outcome
}

// Interpreter classifies raw player text into a typed action.
//
// Implementations usually call a content generation backend; the orchestrator
// bounds every call with a timeout and degrades to the client hint on error.
type Interpreter interface {
	Interpret(ctx context.Context, session domain.Session, envelope Envelope) (Action, error)
}

// Narrator phrases the mechanical results as in-character text.
type Narrator interface {
	Narrate(ctx context.Context, session domain.Session, results []Result) (string, error)
}

// Authorizer decides whether a player may act in a session right now, and is
// told when a processed action consumed the player's turn.
type Authorizer interface {
	Ensure(session domain.Session)
	Authorize(session domain.Session, playerID string) error
	EndTurn(ctx context.Context, session domain.Session, playerID string) error
}

// CascadeTracker recomputes objective progress from fresh acquisitions.
type CascadeTracker interface {
	Apply(ctx context.Context, campaignID, playerID string, acquisitions []objdomain.Acquisition, acquired objectives.AcquiredSet) ([]objectives.ProgressEvent, error)
}

// Publisher publishes outbound session events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config holds the orchestrator policy knobs.
type Config struct {
	StepLimit        int
	LockTTL          time.Duration
	DocumentTTL      time.Duration
	InterpretTimeout time.Duration
	NarrateTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepLimit <= 0 {
		c.StepLimit = DefaultStepLimit
	}
	if c.LockTTL <= 0 {
		c.LockTTL = statestore.DefaultLockTTL
	}
	if c.DocumentTTL <= 0 {
		c.DocumentTTL = statestore.DefaultDocumentTTL
	}
	if c.InterpretTimeout <= 0 {
		c.InterpretTimeout = 20 * time.Second
	}
	if c.NarrateTimeout <= 0 {
		c.NarrateTimeout = 30 * time.Second
	}
	return c
}

// Orchestrator drives player actions through the phase graph.
//
// It is the only component that mutates a session document, and it only does
// so while holding the session lock.
type Orchestrator struct {
	store       statestore.Store
	coordinator Authorizer
	tracker     CascadeTracker
	registry    *Registry
	interpreter Interpreter
	narrator    Narrator
	events      Publisher
	cfg         Config
	clock       func() time.Time
	graph       map[Phase]nodeFunc
}

// New creates an orchestrator over the given collaborators.
func New(store statestore.Store, coordinator Authorizer, tracker CascadeTracker, registry *Registry, interpreter Interpreter, narrator Narrator, events Publisher, cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		coordinator: coordinator,
		tracker:     tracker,
		registry:    registry,
		interpreter: interpreter,
		narrator:    narrator,
		events:      events,
		cfg:         cfg.withDefaults(),
		clock:       time.Now,
	}
	o.graph = o.buildGraph()
	return o
}

// WithClock overrides the orchestrator clock, for tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	if clock != nil {
		o.clock = clock
	}
	return o
}

// HandleMessage processes one inbound player_action bus message.
//
// The signature matches bus.ConsumeFunc. Returning bus.ErrRequeue on lock
// contention makes the bus redeliver without burning the failure budget.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg bus.Message) error {
	var envelope Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return fmt.Errorf("decode player_action payload: %w", err)
	}
	return o.Process(ctx, envelope)
}

// Process runs one action end to end: lock, load, authorize, graph, save,
// release, publish.
func (o *Orchestrator) Process(ctx context.Context, envelope Envelope) error {
	if envelope.SessionID == "" {
		return apperrors.New(apperrors.CodeSessionEmptyID, "player_action without a session id")
	}
	if envelope.PlayerID == "" {
		return apperrors.New(apperrors.CodeActionEmptyPlayerID, "player_action without a player id")
	}

	token, acquired, err := o.store.AcquireLock(ctx, envelope.SessionID, o.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !acquired {
		// Another worker holds this session; redeliver rather than fail.
		return bus.ErrRequeue
	}
	defer func() {
		if err := o.store.ReleaseLock(ctx, envelope.SessionID, token); err != nil {
			log.Printf("pipeline: release lock %s: %v", envelope.SessionID, err)
		}
	}()

	session, err := o.store.Load(ctx, envelope.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Wrap(apperrors.CodeNotFound, "session state is gone", err)
		}
		return fmt.Errorf("load session state: %w", err)
	}

	o.coordinator.Ensure(session)
	if err := o.coordinator.Authorize(session, envelope.PlayerID); err != nil {
		// Off-turn actions are rejected without touching state; the message
		// is acked because redelivery would only be rejected again.
		o.publishRejection(ctx, envelope, err)
		return nil
	}

	r := &run{envelope: envelope, session: &session, lockToken: token}
	if err := o.runGraph(ctx, r); err != nil {
		return err
	}

	session.UpdatedAt = o.clock()
	if err := o.store.Save(ctx, session.ID, session, o.cfg.DocumentTTL); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}

	o.publishResults(ctx, r)

	// A processed action consumes the turn whether or not it succeeded in
	// fiction. Open parties treat this as a no-op. Turn advance failure is
	// not worth redelivering an already-applied action.
	if err := o.coordinator.EndTurn(ctx, session, envelope.PlayerID); err != nil {
		log.Printf("pipeline: end turn %s/%s: %v", session.ID, envelope.PlayerID, err)
	}
	return nil
}

func (o *Orchestrator) publishRejection(ctx context.Context, envelope Envelope, cause error) {
	o.publish(ctx, bus.SessionTopic(envelope.SessionID, bus.EventActionRejected), map[string]any{
		"session_id": envelope.SessionID,
		"player_id":  envelope.PlayerID,
		"request_id": envelope.RequestID,
		"code":       string(apperrors.GetCode(cause)),
		"reason":     cause.Error(),
	})
}

// publishResults emits the narrative, acquisition and progress events for a
// completed run. Events go out after the state is saved so a subscriber never
// observes progress the document does not yet contain.
func (o *Orchestrator) publishResults(ctx context.Context, r *run) {
	sessionID := r.session.ID

	o.publish(ctx, bus.SessionTopic(sessionID, bus.EventChatMessage), map[string]any{
		"session_id":   sessionID,
		"sender":       "gm",
		"message_type": "narrative",
		"content":      r.narrative,
		"request_id":   r.envelope.RequestID,
	})

	for _, done := range r.executed {
		if done.action.Type == ActionNavigation && done.outcome.Success {
			o.publish(ctx, bus.SessionTopic(sessionID, bus.EventSceneUpdate), map[string]any{
				"session_id": sessionID,
				"scene_id":   r.session.CurrentSceneID,
				"player_id":  done.action.PlayerID,
			})
		}
	}

	for _, acquisition := range r.acquisitions {
		o.publish(ctx, bus.AcquiredTopic(sessionID, string(acquisition.Type)), map[string]any{
			"session_id": sessionID,
			"player_id":  r.envelope.PlayerID,
			"id":         acquisition.ID,
			"type":       string(acquisition.Type),
		})
	}

	for _, event := range r.progress {
		name := bus.EventQuestProgress
		if event.Level == objectives.LevelCampaign {
			name = bus.EventCampaignObjectiveProgress
		}
		o.publish(ctx, bus.SessionTopic(sessionID, name), map[string]any{
			"session_id":   sessionID,
			"player_id":    event.PlayerID,
			"objective_id": event.ObjectiveID,
			"description":  event.Description,
			"percentage":   event.Percentage,
			"completed":    event.Completed,
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, payload map[string]any) {
	if o.events == nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("pipeline: encode event %s: %v", topic, err)
		return
	}
	if err := o.events.Publish(ctx, topic, encoded); err != nil {
		log.Printf("pipeline: publish event %s: %v", topic, err)
	}
}
