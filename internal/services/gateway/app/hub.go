package app

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
)

const (
	maxIdempotencyRecord = 4000
)

// wsFrame is the wire envelope for every gateway message, both directions.
type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func makeFrame(frameType, requestID string, payload any) (wsFrame, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return wsFrame{}, err
	}
	return wsFrame{Type: frameType, RequestID: requestID, Payload: encoded}, nil
}

// wsPeer serializes frame writes to one connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// sessionRoom tracks the live peers of one session.
type sessionRoom struct {
	mu        sync.Mutex
	sessionID string
	peers     map[*wsPeer]string

	// chat idempotency: client_message_id -> broadcast chat frame.
	idempotencyBy    map[string]wsFrame
	idempotencyOrder []string

	typing map[string]bool
}

func newSessionRoom(sessionID string) *sessionRoom {
	return &sessionRoom{
		sessionID:     sessionID,
		peers:         make(map[*wsPeer]string),
		idempotencyBy: make(map[string]wsFrame),
		typing:        make(map[string]bool),
	}
}

func (r *sessionRoom) join(peer *wsPeer, playerID string) {
	r.mu.Lock()
	r.peers[peer] = playerID
	r.mu.Unlock()
}

// leave removes the peer and reports whether the room emptied.
func (r *sessionRoom) leave(peer *wsPeer) bool {
	r.mu.Lock()
	playerID := r.peers[peer]
	delete(r.peers, peer)
	if playerID != "" {
		stillConnected := false
		for _, other := range r.peers {
			if other == playerID {
				stillConnected = true
				break
			}
		}
		if !stillConnected {
			delete(r.typing, playerID)
		}
	}
	empty := len(r.peers) == 0
	r.mu.Unlock()
	return empty
}

// connectedPlayers returns the distinct player ids with at least one peer.
func (r *sessionRoom) connectedPlayers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.peers))
	players := make([]string, 0, len(r.peers))
	for _, playerID := range r.peers {
		if _, ok := seen[playerID]; ok {
			continue
		}
		seen[playerID] = struct{}{}
		players = append(players, playerID)
	}
	return players
}

func (r *sessionRoom) setTyping(playerID string, typing bool) {
	r.mu.Lock()
	if typing {
		r.typing[playerID] = true
	} else {
		delete(r.typing, playerID)
	}
	r.mu.Unlock()
}

// recallChat returns the recorded broadcast for a client_message_id, if any.
func (r *sessionRoom) recallChat(clientMessageID string) (wsFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frame, ok := r.idempotencyBy[clientMessageID]
	return frame, ok
}

// recordChat remembers a broadcast chat frame under its client_message_id.
func (r *sessionRoom) recordChat(clientMessageID string, frame wsFrame) {
	clientMessageID = strings.TrimSpace(clientMessageID)
	if clientMessageID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idempotencyBy[clientMessageID] = frame
	r.idempotencyOrder = append(r.idempotencyOrder, clientMessageID)
	if len(r.idempotencyOrder) > maxIdempotencyRecord {
		evict := r.idempotencyOrder[0]
		r.idempotencyOrder = r.idempotencyOrder[1:]
		delete(r.idempotencyBy, evict)
	}
}

// broadcast writes the frame to every peer, skipping excludePlayerID.
//
// A failed write is an implicit disconnect: the peer is dropped from the room
// and the remaining peers still receive the frame.
func (r *sessionRoom) broadcast(frame wsFrame, excludePlayerID string) {
	r.mu.Lock()
	targets := make([]*wsPeer, 0, len(r.peers))
	for peer, playerID := range r.peers {
		if excludePlayerID != "" && playerID == excludePlayerID {
			continue
		}
		targets = append(targets, peer)
	}
	r.mu.Unlock()

	for _, peer := range targets {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("gateway: broadcast to session %s failed, dropping peer: %v", r.sessionID, err)
			r.leave(peer)
		}
	}
}

// sendToPlayer writes the frame to every peer of one player.
func (r *sessionRoom) sendToPlayer(playerID string, frame wsFrame) {
	r.mu.Lock()
	targets := make([]*wsPeer, 0, 1)
	for peer, connected := range r.peers {
		if connected == playerID {
			targets = append(targets, peer)
		}
	}
	r.mu.Unlock()

	for _, peer := range targets {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("gateway: send to player %s failed, dropping peer: %v", playerID, err)
			r.leave(peer)
		}
	}
}

// roomHub maps session ids to rooms, creating them on demand.
type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*sessionRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*sessionRoom)}
}

func (h *roomHub) room(sessionID string) *sessionRoom {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if ok {
		return room
	}
	room = newSessionRoom(sessionID)
	h.rooms[sessionID] = room
	return room
}

// existing returns the room only if it already has peers.
func (h *roomHub) existing(sessionID string) (*sessionRoom, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	return room, ok
}

// drop removes an emptied room.
func (h *roomHub) drop(sessionID string) {
	h.mu.Lock()
	delete(h.rooms, sessionID)
	h.mu.Unlock()
}
