package bus

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/lorehall/engine/internal/storage"
)

// Message is one delivered bus message.
type Message struct {
	Topic   string
	Payload []byte
	// Attempt counts deliveries of a durable message, starting at 1.
	Attempt int
}

// SubscribeFunc handles a fanned-out message. Delivery is best-effort and
// must not block; slow consumers buffer internally.
type SubscribeFunc func(ctx context.Context, msg Message)

// Subscription detaches a subscriber when closed.
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscriber struct {
	pattern string
	handler SubscribeFunc
}

// Bus routes published messages to durable queues and live subscribers.
type Bus struct {
	journal storage.JournalStore

	mu          sync.RWMutex
	subscribers map[int64]subscriber
	nextSubID   int64

	// wake signals durable consumers that new work may be available,
	// avoiding a full poll interval of latency after each publish.
	wakeMu  sync.Mutex
	wakers  map[string][]chan struct{}
	durable map[string]bool
}

// New creates a bus. The journal may be nil when no durable topics are used.
func New(journal storage.JournalStore) *Bus {
	return &Bus{
		journal:     journal,
		subscribers: make(map[int64]subscriber),
		wakers:      make(map[string][]chan struct{}),
		durable: map[string]bool{
			TopicPlayerAction:   true,
			TopicSessionControl: true,
		},
	}
}

// DeclareDurable marks a topic for journaled, at-least-once consumption.
func (b *Bus) DeclareDurable(topic string) {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	b.durable[topic] = true
}

func (b *Bus) isDurable(topic string) bool {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	return b.durable[topic]
}

// Publish routes a message. Durable topics are journaled first so delivery
// survives a process crash; everything else fans out to live subscribers.
// Publish never waits for consumers.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("topic is required")
	}

	if b.isDurable(topic) {
		if b.journal == nil {
			return fmt.Errorf("durable topic %q requires a journal", topic)
		}
		if _, err := b.journal.Append(ctx, topic, payload); err != nil {
			return fmt.Errorf("journal publish to %s: %w", topic, err)
		}
		b.wake(topic)
		return nil
	}

	b.dispatch(ctx, Message{Topic: topic, Payload: payload, Attempt: 1})
	return nil
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	handlers := make([]SubscribeFunc, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if MatchTopic(sub.pattern, msg.Topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if recovered := recover(); recovered != nil {
					log.Printf("bus: subscriber panic on %s: %v", msg.Topic, recovered)
				}
			}()
			handler(ctx, msg)
		}()
	}
}

// Subscribe registers a live handler for topics matching pattern.
func (b *Bus) Subscribe(pattern string, handler SubscribeFunc) *Subscription {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = subscriber{pattern: pattern, handler: handler}
	b.mu.Unlock()

	return &Subscription{cancel: func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) wake(topic string) {
	b.wakeMu.Lock()
	defer b.wakeMu.Unlock()
	for _, ch := range b.wakers[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) addWaker(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.wakeMu.Lock()
	b.wakers[topic] = append(b.wakers[topic], ch)
	b.wakeMu.Unlock()
	return ch
}
