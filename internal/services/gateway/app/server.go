// Package app hosts the gateway: the WebSocket fan-out between live clients
// and the engine's event bus.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lorehall/engine/internal/bus"
	objdomain "github.com/lorehall/engine/internal/objectives/domain"
	"github.com/lorehall/engine/internal/party"
	"github.com/lorehall/engine/internal/pipeline"
	"github.com/lorehall/engine/internal/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
	maxChatBodyRunes       = 2000
)

// Publisher publishes inbound player actions to the durable bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// stateReader provides the replay data sent to a freshly joined client.
//
// Both methods are served by the sqlite store; a nil reader disables replay,
// which tests use.
type stateReader interface {
	GetSnapshot(ctx context.Context, sessionID string) (storage.Snapshot, error)
	ListProgress(ctx context.Context, playerID, campaignID string) ([]objdomain.Progress, error)
}

type joinPayload struct {
	SessionID     string `json:"session_id"`
	PlayerID      string `json:"player_id"`
	CharacterID   string `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
}

type coordinatePayload struct {
	CoordinationID string `json:"coordination_id"`
	Required       int    `json:"required,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Confirm        bool   `json:"confirm,omitempty"`
}

type connectionConfirmedPayload struct {
	SessionID  string `json:"session_id"`
	PlayerID   string `json:"player_id"`
	ServerTime string `json:"server_time"`
}

type actionPayload struct {
	Text       string `json:"text"`
	ActionType string `json:"action_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
}

type chatPayload struct {
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

type presencePayload struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
	Status    string `json:"status"`
}

type ackPayload struct {
	Status string `json:"status"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsSession struct {
	sessionID string
	playerID  string
	room      *sessionRoom
	peer      *wsPeer
}

type gatewayHandler struct {
	hub       *roomHub
	publisher Publisher
	state     stateReader
}

func newGatewayHandler(hub *roomHub, publisher Publisher, state stateReader) *gatewayHandler {
	return &gatewayHandler{hub: hub, publisher: publisher, state: state}
}

// Routes builds the gateway HTTP routes.
func (handler *gatewayHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	wsHandler := websocket.Handler(handler.handleConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})
	return mux
}

func (g *gatewayHandler) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	session := &wsSession{peer: peer}
	defer g.dropSession(session)

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "join":
			g.handleJoin(ctx, session, frame)
		case "player_action":
			g.handleAction(ctx, session, frame)
		case "start_session":
			g.handleStartSession(ctx, session, frame)
		case "coordinate":
			g.handleCoordinate(ctx, session, frame)
		case "team_chat":
			g.handleChat(session, frame)
		case "typing":
			g.handleTyping(session, frame)
		case "ping":
			_ = peer.writeFrame(wsFrame{Type: "pong", RequestID: frame.RequestID})
		default:
			_ = writeError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// dropSession detaches the peer on disconnect, queues the departure for the
// engine, and broadcasts presence to the remaining peers.
//
// The departure only counts once the player's last connection is gone; a
// player with a second tab open has not left the party.
func (g *gatewayHandler) dropSession(session *wsSession) {
	if session.room == nil {
		return
	}
	room := session.room
	empty := room.leave(session.peer)
	gone := session.playerID != "" && (empty || !containsPlayer(room.connectedPlayers(), session.playerID))
	if gone {
		// The connection context is already dead at this point.
		_ = g.publishControl(context.Background(), party.ControlEnvelope{
			Kind:      party.ControlPlayerLeft,
			SessionID: session.sessionID,
			PlayerID:  session.playerID,
		})
	}
	if empty {
		g.hub.drop(room.sessionID)
		return
	}
	if gone {
		g.broadcastPresence(room, session.sessionID, session.playerID, "offline")
	}
}

// publishControl queues a membership or coordination change for the engine.
func (g *gatewayHandler) publishControl(ctx context.Context, envelope party.ControlEnvelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := g.publisher.Publish(ctx, bus.TopicSessionControl, encoded); err != nil {
		log.Printf("gateway: publish session_control %s: %v", envelope.Kind, err)
		return err
	}
	return nil
}

func containsPlayer(players []string, playerID string) bool {
	for _, connected := range players {
		if connected == playerID {
			return true
		}
	}
	return false
}

func (g *gatewayHandler) handleJoin(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	playerID := strings.TrimSpace(payload.PlayerID)
	if sessionID == "" || playerID == "" {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "session_id and player_id are required")
		return
	}

	if err := g.publishControl(ctx, party.ControlEnvelope{
		Kind:          party.ControlPlayerJoined,
		SessionID:     sessionID,
		PlayerID:      playerID,
		CharacterID:   strings.TrimSpace(payload.CharacterID),
		CharacterName: strings.TrimSpace(payload.CharacterName),
	}); err != nil {
		_ = writeError(session.peer, frame.RequestID, "UNAVAILABLE", "join could not be queued")
		return
	}

	if session.room != nil {
		session.room.leave(session.peer)
	}
	room := g.hub.room(sessionID)
	room.join(session.peer, playerID)
	session.room = room
	session.sessionID = sessionID
	session.playerID = playerID

	confirmed, err := makeFrame("connection_confirmed", frame.RequestID, connectionConfirmedPayload{
		SessionID:  sessionID,
		PlayerID:   playerID,
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		_ = session.peer.writeFrame(confirmed)
	}

	g.broadcastPresence(room, sessionID, playerID, "online")
	g.replayState(ctx, session)
}

// replayState sends the current scene and quest progress to a new peer.
//
// Replay is full state, not deltas: a reconnecting client renders from these
// two frames alone, whatever it missed while away.
func (g *gatewayHandler) replayState(ctx context.Context, session *wsSession) {
	if g.state == nil {
		return
	}
	snapshot, err := g.state.GetSnapshot(ctx, session.sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("gateway: replay snapshot for %s: %v", session.sessionID, err)
		}
		return
	}

	if sceneID := snapshot.Document.CurrentSceneID; sceneID != "" {
		frame, err := makeFrame("scene_update", "", map[string]any{
			"session_id": session.sessionID,
			"scene_id":   sceneID,
		})
		if err == nil {
			_ = session.peer.writeFrame(frame)
		}
	}

	progress, err := g.state.ListProgress(ctx, session.playerID, snapshot.CampaignID)
	if err != nil {
		log.Printf("gateway: replay progress for %s: %v", session.playerID, err)
		return
	}
	frame, err := makeFrame("progress_snapshot", "", map[string]any{
		"session_id": session.sessionID,
		"player_id":  session.playerID,
		"progress":   progress,
	})
	if err == nil {
		_ = session.peer.writeFrame(frame)
	}
}

func (g *gatewayHandler) broadcastPresence(room *sessionRoom, sessionID, playerID, status string) {
	frame, err := makeFrame(bus.EventPlayerPresence, "", presencePayload{
		SessionID: sessionID,
		PlayerID:  playerID,
		Status:    status,
	})
	if err != nil {
		return
	}
	room.broadcast(frame, playerID)
}

// handleAction acks immediately and publishes to the durable queue; results
// arrive asynchronously as session events.
func (g *gatewayHandler) handleAction(ctx context.Context, session *wsSession, frame wsFrame) {
	if session.room == nil {
		_ = writeError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a session first")
		return
	}
	var payload actionPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid action payload")
		return
	}

	envelope := pipeline.Envelope{
		SessionID:  session.sessionID,
		PlayerID:   session.playerID,
		RequestID:  frame.RequestID,
		Text:       payload.Text,
		ActionType: payload.ActionType,
		TargetID:   payload.TargetID,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, "INTERNAL", "encode action")
		return
	}
	if err := g.publisher.Publish(ctx, bus.TopicPlayerAction, encoded); err != nil {
		log.Printf("gateway: publish player_action: %v", err)
		_ = writeError(session.peer, frame.RequestID, "UNAVAILABLE", "action could not be queued")
		return
	}

	ack, err := makeFrame("ack", frame.RequestID, ackPayload{Status: "queued"})
	if err == nil {
		_ = session.peer.writeFrame(ack)
	}
}

// handleStartSession queues the host's request to begin play. The engine
// checks the host claim against the session document, not the gateway.
func (g *gatewayHandler) handleStartSession(ctx context.Context, session *wsSession, frame wsFrame) {
	if session.room == nil {
		_ = writeError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a session first")
		return
	}
	err := g.publishControl(ctx, party.ControlEnvelope{
		Kind:      party.ControlSessionStart,
		SessionID: session.sessionID,
		PlayerID:  session.playerID,
	})
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, "UNAVAILABLE", "start could not be queued")
		return
	}
	ack, err := makeFrame("ack", frame.RequestID, ackPayload{Status: "queued"})
	if err == nil {
		_ = session.peer.writeFrame(ack)
	}
}

// handleCoordinate queues a coordinated-action request or confirmation.
func (g *gatewayHandler) handleCoordinate(ctx context.Context, session *wsSession, frame wsFrame) {
	if session.room == nil {
		_ = writeError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a session first")
		return
	}
	var payload coordinatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid coordinate payload")
		return
	}
	coordinationID := strings.TrimSpace(payload.CoordinationID)
	if coordinationID == "" {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "coordination_id is required")
		return
	}
	kind := party.ControlCoordinationRequest
	if payload.Confirm {
		kind = party.ControlCoordinationConfirm
	}
	err := g.publishControl(ctx, party.ControlEnvelope{
		Kind:           kind,
		SessionID:      session.sessionID,
		PlayerID:       session.playerID,
		CoordinationID: coordinationID,
		Required:       payload.Required,
		TimeoutSeconds: payload.TimeoutSeconds,
	})
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, "UNAVAILABLE", "coordination could not be queued")
		return
	}
	ack, err := makeFrame("ack", frame.RequestID, ackPayload{Status: "queued"})
	if err == nil {
		_ = session.peer.writeFrame(ack)
	}
}

// handleChat broadcasts a team chat line with client_message_id idempotency.
func (g *gatewayHandler) handleChat(session *wsSession, frame wsFrame) {
	if session.room == nil {
		_ = writeError(session.peer, frame.RequestID, "FAILED_PRECONDITION", "join a session first")
		return
	}
	var payload chatPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid chat payload")
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "chat body is required")
		return
	}
	if len([]rune(body)) > maxChatBodyRunes {
		_ = writeError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "chat body too long")
		return
	}

	clientMessageID := strings.TrimSpace(payload.ClientMessageID)
	if clientMessageID != "" {
		if _, duplicate := session.room.recallChat(clientMessageID); duplicate {
			// Replayed send: ack again, broadcast nothing.
			ack, err := makeFrame("ack", frame.RequestID, ackPayload{Status: "duplicate"})
			if err == nil {
				_ = session.peer.writeFrame(ack)
			}
			return
		}
	}

	broadcastFrame, err := makeFrame(bus.EventChatMessage, "", map[string]any{
		"session_id":        session.sessionID,
		"sender":            session.playerID,
		"message_type":      "team_chat",
		"content":           body,
		"client_message_id": clientMessageID,
		"sent_at":           time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, "INTERNAL", "encode chat message")
		return
	}
	session.room.recordChat(clientMessageID, broadcastFrame)
	session.room.broadcast(broadcastFrame, "")

	ack, err := makeFrame("ack", frame.RequestID, ackPayload{Status: "sent"})
	if err == nil {
		_ = session.peer.writeFrame(ack)
	}
}

func (g *gatewayHandler) handleTyping(session *wsSession, frame wsFrame) {
	if session.room == nil {
		return
	}
	var payload typingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	session.room.setTyping(session.playerID, payload.Typing)
	typingFrame, err := makeFrame(bus.EventPlayerTyping, "", map[string]any{
		"session_id": session.sessionID,
		"player_id":  session.playerID,
		"typing":     payload.Typing,
	})
	if err != nil {
		return
	}
	session.room.broadcast(typingFrame, session.playerID)
}

func writeError(peer *wsPeer, requestID, code, message string) error {
	frame, err := makeFrame("error", requestID, errorPayload{Code: code, Message: message})
	if err != nil {
		return err
	}
	return peer.writeFrame(frame)
}

// DeliverEvent routes one relayed session event to its room.
//
// Targeted events (action_rejected) go only to the player they concern;
// everything else is broadcast. Sessions with no connected peers drop the
// event silently, the snapshot replay covers reconnects.
func (g *gatewayHandler) DeliverEvent(topic string, payload []byte) {
	sessionID := bus.SessionIDFromTopic(topic)
	event := bus.EventFromTopic(topic)
	if sessionID == "" || event == "" {
		return
	}
	room, ok := g.hub.existing(sessionID)
	if !ok {
		return
	}
	frame := wsFrame{Type: event, Payload: json.RawMessage(payload)}

	if event == bus.EventActionRejected {
		var target struct {
			PlayerID string `json:"player_id"`
		}
		if err := json.Unmarshal(payload, &target); err == nil && target.PlayerID != "" {
			room.sendToPlayer(target.PlayerID, frame)
			return
		}
	}
	room.broadcast(frame, "")
}
