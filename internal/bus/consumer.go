package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lorehall/engine/internal/storage"
)

// ConsumeFunc processes one durable message. Returning nil acknowledges the
// message; returning an error reschedules it with backoff.
type ConsumeFunc func(ctx context.Context, msg Message) error

// ErrRequeue asks for redelivery without counting the attempt as a failure
// worth logging. Used for lock contention, which is not an error.
var ErrRequeue = errors.New("requeue message")

// ConsumerConfig tunes a durable topic consumer pool.
type ConsumerConfig struct {
	// Workers is the pool size. Each worker holds at most one in-flight
	// message, so the pool-wide prefetch per worker is one.
	Workers int
	// Lease bounds how long a claimed message stays invisible before it is
	// considered abandoned and redelivered.
	Lease time.Duration
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
	// RetryBackoff is the base redelivery delay; it doubles per attempt.
	RetryBackoff time.Duration
	// RetryMaxDelay caps the redelivery delay.
	RetryMaxDelay time.Duration
	// MaxAttempts dead-letters a message after this many failures.
	MaxAttempts int
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	return c
}

// Consume runs a worker pool over a durable topic until ctx ends.
//
// Each worker claims one message at a time and acknowledges only after the
// handler returns nil, so a crash mid-processing leads to redelivery once
// the lease lapses. Handlers must therefore be idempotent.
func (b *Bus) Consume(ctx context.Context, topic string, handler ConsumeFunc, cfg ConsumerConfig) error {
	if b.journal == nil {
		return fmt.Errorf("consume %s: journal is not configured", topic)
	}
	if handler == nil {
		return fmt.Errorf("consume %s: handler is required", topic)
	}
	cfg = cfg.withDefaults()
	b.DeclareDurable(topic)
	wakeCh := b.addWaker(topic)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.consumeLoop(ctx, topic, handler, cfg, wakeCh)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Bus) consumeLoop(ctx context.Context, topic string, handler ConsumeFunc, cfg ConsumerConfig, wake <-chan struct{}) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := b.journal.Claim(ctx, topic, cfg.Lease)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				select {
				case <-ctx.Done():
					return
				case <-wake:
				case <-time.After(cfg.PollInterval):
				}
				continue
			}
			log.Printf("bus: claim %s: %v", topic, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.PollInterval):
			}
			continue
		}

		b.process(ctx, claimed, handler, cfg)
	}
}

func (b *Bus) process(ctx context.Context, claimed storage.JournalMessage, handler ConsumeFunc, cfg ConsumerConfig) {
	msg := Message{Topic: claimed.Topic, Payload: claimed.Payload, Attempt: claimed.AttemptCount}
	err := handler(ctx, msg)
	if err == nil {
		if ackErr := b.journal.Ack(ctx, claimed.ID); ackErr != nil {
			log.Printf("bus: ack %s/%d: %v", claimed.Topic, claimed.ID, ackErr)
		}
		return
	}

	delay := backoffDelay(cfg.RetryBackoff, cfg.RetryMaxDelay, claimed.AttemptCount)
	if errors.Is(err, ErrRequeue) {
		// Contention, not failure: redeliver promptly without burning the
		// attempt budget on a healthy message.
		if nackErr := b.journal.Nack(ctx, claimed.ID, "", cfg.RetryBackoff, 0); nackErr != nil {
			log.Printf("bus: requeue %s/%d: %v", claimed.Topic, claimed.ID, nackErr)
		}
		return
	}

	log.Printf("bus: process %s/%d attempt %d: %v", claimed.Topic, claimed.ID, claimed.AttemptCount, err)
	if nackErr := b.journal.Nack(ctx, claimed.ID, err.Error(), delay, cfg.MaxAttempts); nackErr != nil {
		log.Printf("bus: nack %s/%d: %v", claimed.Topic, claimed.ID, nackErr)
	}
}

// backoffDelay doubles the base delay per attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
