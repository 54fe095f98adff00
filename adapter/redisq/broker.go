// Package redisq implements the durable task queue on Redis lists:
// routing-key dispatch, consume-time TTL enforcement, a bounded retry
// budget and a shared dead-letter queue.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"newsagg/domain"
)

const (
	keyPrefix = "newsagg:q:"
	// How long one BRPOP blocks before re-checking for shutdown.
	popTimeout = time.Second
)

// ErrUnknownRoute is returned when a routing key has no queue binding.
var ErrUnknownRoute = errors.New("unknown routing key")

// Binding maps a routing key onto a queue with its TTL.
type Binding struct {
	RoutingKey string
	Queue      string
	TTL        time.Duration
}

// envelope is the wire frame around every task body.
type envelope struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Body       json.RawMessage `json:"body"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

type Broker struct {
	client     *redis.Client
	log        *zap.Logger
	routes     map[string]Binding
	maxRetries int
	wg         sync.WaitGroup
}

func NewBroker(client *redis.Client, log *zap.Logger, bindings []Binding, maxRetries int) *Broker {
	routes := make(map[string]Binding, len(bindings))
	for _, b := range bindings {
		routes[b.RoutingKey] = b
	}
	return &Broker{
		client:     client,
		log:        log,
		routes:     routes,
		maxRetries: maxRetries,
	}
}

// DefaultBindings wires the three task queues with their TTLs.
func DefaultBindings(crawlTTL, scrapeTTL, digestTTL time.Duration) []Binding {
	return []Binding{
		{RoutingKey: domain.RouteCrawl, Queue: domain.QueueCrawl, TTL: crawlTTL},
		{RoutingKey: domain.RouteScrape, Queue: domain.QueueScrape, TTL: scrapeTTL},
		{RoutingKey: domain.RouteDigest, Queue: domain.QueueDigest, TTL: digestTTL},
	}
}

// Publish routes a task body onto the queue bound to the routing key.
func (b *Broker) Publish(ctx context.Context, routingKey string, body any) error {
	binding, ok := b.routes[routingKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoute, routingKey)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal task body: %w", err)
	}
	env := envelope{
		ID:         uuid.NewString(),
		Queue:      binding.Queue,
		Body:       raw,
		EnqueuedAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().Add(binding.TTL),
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.LPush(ctx, keyPrefix+binding.Queue, frame).Err(); err != nil {
		return fmt.Errorf("enqueue to %s: %w", binding.Queue, err)
	}
	return nil
}

// Consume starts `workers` goroutines on the queue. Each pulls one
// message, runs the handler to completion, applies the three-way
// result and only then pulls the next — the prefetch=1 discipline that
// keeps one fast producer from monopolizing a worker.
func (b *Broker) Consume(ctx context.Context, queue string, workers int, h domain.Handler) error {
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.workerLoop(ctx, queue, h)
		}()
	}
	return nil
}

func (b *Broker) workerLoop(ctx context.Context, queue string, h domain.Handler) {
	key := keyPrefix + queue
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.BRPop(ctx, popTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.log.Error("queue pop failed", zap.String("queue", queue), zap.Error(err))
			time.Sleep(popTimeout)
			continue
		}
		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		b.process(ctx, queue, []byte(res[1]), h)
	}
}

func (b *Broker) process(ctx context.Context, queue string, frame []byte, h domain.Handler) {
	// The message is already off the queue, so the verdict bookkeeping
	// must outlive a shutdown that cancels ctx mid-handler: a requeue or
	// dead-letter push that fails on context.Canceled would drop work.
	keep := context.WithoutCancel(ctx)

	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		b.deadLetter(keep, queue, frame, "malformed envelope")
		return
	}
	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		b.log.Warn("message expired unconsumed",
			zap.String("queue", queue), zap.String("id", env.ID),
			zap.Time("enqueued_at", env.EnqueuedAt))
		b.deadLetter(keep, queue, env.Body, "expired")
		return
	}

	result := b.run(ctx, h, env.Body)
	switch result {
	case domain.Ack:
		// done, message is gone
	case domain.Retry:
		env.RetryCount++
		if env.RetryCount > b.maxRetries {
			b.deadLetter(keep, queue, env.Body, "retries exhausted")
			return
		}
		frame, err := json.Marshal(env)
		if err != nil {
			b.deadLetter(keep, queue, env.Body, "requeue marshal failed")
			return
		}
		if err := b.client.LPush(keep, keyPrefix+queue, frame).Err(); err != nil {
			b.log.Error("requeue failed", zap.String("queue", queue), zap.String("id", env.ID), zap.Error(err))
		}
	case domain.DeadLetter:
		b.deadLetter(keep, queue, env.Body, "rejected by handler")
	}
}

// run shields the worker loop from handler panics; a panicking handler
// is treated as a retryable failure.
func (b *Broker) run(ctx context.Context, h domain.Handler, body []byte) (result domain.HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", zap.Any("panic", r))
			result = domain.Retry
		}
	}()
	return h(ctx, body)
}

func (b *Broker) deadLetter(ctx context.Context, queue string, body []byte, reason string) {
	entry := domain.DeadLetterEntry{
		OriginalQueue: queue,
		Reason:        reason,
		Body:          body,
		FailedAt:      time.Now().UTC(),
	}
	frame, err := json.Marshal(entry)
	if err != nil {
		b.log.Error("dead-letter marshal failed", zap.String("queue", queue), zap.Error(err))
		return
	}
	if err := b.client.LPush(ctx, keyPrefix+domain.QueueDeadLetter, frame).Err(); err != nil {
		b.log.Error("dead-letter push failed", zap.String("queue", queue), zap.Error(err))
	}
}

// ConsumeDeadLetters runs a single consumer on the dead-letter queue.
func (b *Broker) ConsumeDeadLetters(ctx context.Context, h func(ctx context.Context, e domain.DeadLetterEntry)) error {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		key := keyPrefix + domain.QueueDeadLetter
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			res, err := b.client.BRPop(ctx, popTimeout, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				b.log.Error("dead-letter pop failed", zap.Error(err))
				time.Sleep(popTimeout)
				continue
			}
			if len(res) != 2 {
				continue
			}
			var entry domain.DeadLetterEntry
			if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
				b.log.Error("dead-letter entry unreadable", zap.Error(err))
				continue
			}
			h(ctx, entry)
		}
	}()
	return nil
}

// Drain blocks until all consumer goroutines have finished their
// in-flight work and exited.
func (b *Broker) Drain() {
	b.wg.Wait()
}
