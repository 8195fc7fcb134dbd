package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lorehall/engine/internal/bus"
	apperrors "github.com/lorehall/engine/internal/errors"
	"github.com/lorehall/engine/internal/party"
	"github.com/lorehall/engine/internal/session/domain"
	"github.com/lorehall/engine/internal/statestore"
	"github.com/lorehall/engine/internal/storage"
)

// defaultCoordinationTimeout bounds a coordination request that named none.
const defaultCoordinationTimeout = 60 * time.Second

// controlHandler applies session_control messages: party membership changes,
// session start, and coordination requests. It is the engine-side peer of the
// gateway's control publishes, consumed single-worker so membership changes
// for one session apply in the order they were queued.
type controlHandler struct {
	store       statestore.Store
	coordinator *party.Coordinator
	events      party.Publisher
	clock       func() time.Time
	lockTTL     time.Duration
	documentTTL time.Duration
}

func newControlHandler(store statestore.Store, coordinator *party.Coordinator, events party.Publisher, lockTTL, documentTTL time.Duration) *controlHandler {
	return &controlHandler{
		store:       store,
		coordinator: coordinator,
		events:      events,
		clock:       time.Now,
		lockTTL:     lockTTL,
		documentTTL: documentTTL,
	}
}

// HandleMessage processes one inbound session_control bus message.
//
// The signature matches bus.ConsumeFunc. Like the action pipeline, lock
// contention requeues instead of burning the failure budget, and conditions
// that would fail identically on redelivery are acked after a targeted
// rejection event.
func (h *controlHandler) HandleMessage(ctx context.Context, msg bus.Message) error {
	var envelope party.ControlEnvelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil {
		return fmt.Errorf("decode session_control payload: %w", err)
	}
	if envelope.SessionID == "" {
		return apperrors.New(apperrors.CodeSessionEmptyID, "session_control without a session id")
	}
	if envelope.PlayerID == "" {
		return apperrors.New(apperrors.CodeActionEmptyPlayerID, "session_control without a player id")
	}

	switch envelope.Kind {
	case party.ControlPlayerJoined, party.ControlPlayerLeft, party.ControlSessionStart:
		return h.applyMembership(ctx, envelope)
	case party.ControlCoordinationRequest, party.ControlCoordinationConfirm:
		return h.applyCoordination(ctx, envelope)
	default:
		return fmt.Errorf("unknown session_control kind %q", envelope.Kind)
	}
}

// applyMembership mutates the session document under the session lock and
// tells the coordinator after the new state is saved, so coordinator events
// never describe membership the document does not yet contain.
func (h *controlHandler) applyMembership(ctx context.Context, envelope party.ControlEnvelope) error {
	token, acquired, err := h.store.AcquireLock(ctx, envelope.SessionID, h.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire session lock: %w", err)
	}
	if !acquired {
		return bus.ErrRequeue
	}
	defer func() {
		if err := h.store.ReleaseLock(ctx, envelope.SessionID, token); err != nil {
			log.Printf("control: release lock %s: %v", envelope.SessionID, err)
		}
	}()

	session, err := h.store.Load(ctx, envelope.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The session expired or ended; there is nothing to apply to.
			return nil
		}
		return fmt.Errorf("load session state: %w", err)
	}

	var notify func(context.Context)
	switch envelope.Kind {
	case party.ControlPlayerJoined:
		err := session.AddPlayer(domain.Player{
			PlayerID:      envelope.PlayerID,
			CharacterID:   envelope.CharacterID,
			CharacterName: envelope.CharacterName,
		}, h.clock)
		if err != nil {
			if apperrors.GetCode(err) == apperrors.CodeSessionPlayerExists {
				// Redelivered join.
				return nil
			}
			h.reject(ctx, envelope, err)
			return nil
		}
		notify = func(ctx context.Context) {
			h.coordinator.PlayerJoined(ctx, session, envelope.PlayerID)
		}

	case party.ControlPlayerLeft:
		newHost, err := session.RemovePlayer(envelope.PlayerID, h.clock)
		if err != nil {
			// Redelivered departure, or a player that never joined.
			return nil
		}
		notify = func(ctx context.Context) {
			h.coordinator.PlayerLeft(ctx, session, envelope.PlayerID, newHost)
		}

	case party.ControlSessionStart:
		if envelope.PlayerID != session.Party.HostPlayerID {
			h.reject(ctx, envelope, apperrors.New(apperrors.CodeSessionNotHost, "only the host may start the session"))
			return nil
		}
		if session.Status == domain.StatusActive {
			// Redelivered start.
			return nil
		}
		if err := session.Transition(domain.StatusActive, h.clock); err != nil {
			h.reject(ctx, envelope, err)
			return nil
		}
		notify = func(ctx context.Context) {
			if err := h.coordinator.Start(ctx, session); err != nil {
				log.Printf("control: start party %s: %v", session.ID, err)
			}
			h.publish(ctx, session.ID, bus.EventSessionStarted, map[string]any{
				"session_id": session.ID,
				"started_by": envelope.PlayerID,
			})
		}
	}

	if err := h.store.Save(ctx, session.ID, session, h.documentTTL); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	notify(ctx)
	return nil
}

// applyCoordination manages pending multi-player actions. Coordination state
// lives only in the coordinator, so no session lock is taken; the document is
// loaded read-only for membership checks.
func (h *controlHandler) applyCoordination(ctx context.Context, envelope party.ControlEnvelope) error {
	session, err := h.store.Load(ctx, envelope.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load session state: %w", err)
	}
	if !session.HasPlayer(envelope.PlayerID) {
		h.reject(ctx, envelope, apperrors.New(apperrors.CodeSessionPlayerNotFound, "player is not in the party"))
		return nil
	}
	h.coordinator.Ensure(session)

	switch envelope.Kind {
	case party.ControlCoordinationRequest:
		timeout := time.Duration(envelope.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultCoordinationTimeout
		}
		required := envelope.Required
		if required <= 0 {
			required = len(session.Players)
		}
		if err := h.coordinator.RequestCoordination(session, envelope.CoordinationID, required, timeout); err != nil {
			h.reject(ctx, envelope, err)
			return nil
		}
		h.publish(ctx, session.ID, bus.EventCoordinationRequested, map[string]any{
			"session_id":      session.ID,
			"coordination_id": envelope.CoordinationID,
			"required":        required,
			"requested_by":    envelope.PlayerID,
		})

	case party.ControlCoordinationConfirm:
		complete, err := h.coordinator.Confirm(session.ID, envelope.CoordinationID, envelope.PlayerID)
		if err != nil {
			h.reject(ctx, envelope, err)
			return nil
		}
		h.publish(ctx, session.ID, bus.EventCoordinationConfirmed, map[string]any{
			"session_id":      session.ID,
			"coordination_id": envelope.CoordinationID,
			"player_id":       envelope.PlayerID,
		})
		if complete {
			h.publish(ctx, session.ID, bus.EventCoordinationComplete, map[string]any{
				"session_id":      session.ID,
				"coordination_id": envelope.CoordinationID,
			})
		}
	}
	return nil
}

// reject emits a targeted action_rejected event instead of failing the
// message; the condition would reject identically on every redelivery.
func (h *controlHandler) reject(ctx context.Context, envelope party.ControlEnvelope, cause error) {
	h.publish(ctx, envelope.SessionID, bus.EventActionRejected, map[string]any{
		"session_id": envelope.SessionID,
		"player_id":  envelope.PlayerID,
		"code":       string(apperrors.GetCode(cause)),
		"reason":     cause.Error(),
	})
}

func (h *controlHandler) publish(ctx context.Context, sessionID, event string, payload map[string]any) {
	if h.events == nil {
		return
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		log.Printf("control: encode event %s: %v", event, err)
		return
	}
	if err := h.events.Publish(ctx, bus.SessionTopic(sessionID, event), encoded); err != nil {
		log.Printf("control: publish event %s: %v", event, err)
	}
}
