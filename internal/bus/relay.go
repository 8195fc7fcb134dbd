package bus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
)

// RelayEnvelope wraps an outbound session event for the durable relay queue.
type RelayEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// RelaySessionEvents mirrors every session.* publish into the durable
// session_events queue so another process can consume the stream.
//
// The returned subscription stops the mirroring when closed.
func (b *Bus) RelaySessionEvents() *Subscription {
	b.DeclareDurable(TopicSessionEvents)
	return b.Subscribe("session.*.*", func(ctx context.Context, msg Message) {
		encoded, err := json.Marshal(RelayEnvelope{Topic: msg.Topic, Payload: msg.Payload})
		if err != nil {
			log.Printf("bus: encode relay envelope for %s: %v", msg.Topic, err)
			return
		}
		if err := b.Publish(ctx, TopicSessionEvents, encoded); err != nil {
			log.Printf("bus: relay %s: %v", msg.Topic, err)
		}
	})
}

// SessionIDFromTopic extracts the session id from a session.<id>.<event>
// topic, or "" when the topic has a different shape.
func SessionIDFromTopic(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "session" {
		return ""
	}
	return parts[1]
}

// EventFromTopic extracts the event name from a session.<id>.<event> topic.
func EventFromTopic(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "session" {
		return ""
	}
	return parts[2]
}
