// Package queue consumes webhook and sync events from a Redis Stream.
//
// Messages join the stream with a deliveryId; processing is idempotent over
// that id via a KV claim with a long TTL, so redeliveries and duplicate
// webhooks ack without re-processing. Failed messages are re-queued with an
// attempt counter and routed to a dead-letter stream once the bounded retry
// budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/chittyos/chittybroker/internal/kv"
)

// Event is one message on the stream.
type Event struct {
	DeliveryID string         `json:"deliveryId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attempt    int            `json:"attempt"`
}

// Handler processes one event. A nil error acks the delivery; an error
// requests redelivery until the retry budget runs out.
type Handler func(ctx context.Context, evt Event) error

// Options configures a Consumer.
type Options struct {
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string
	Workers     int
	MaxAttempts int
	// IdempotencyTTL bounds how long a deliveryId stays claimed. Keep it at
	// 24h or above so webhook redeliveries stay deduplicated.
	IdempotencyTTL time.Duration
	// Block is the XREADGROUP block timeout per poll.
	Block time.Duration
}

// Consumer reads a Redis Streams consumer group with bounded concurrency.
type Consumer struct {
	client *redis.Client
	store  kv.Store
	opts   Options
	logger *slog.Logger

	handlers map[string]Handler
	sem      *semaphore.Weighted
}

// NewConsumer creates a Consumer. Handlers are registered before Run.
func NewConsumer(client *redis.Client, store kv.Store, opts Options, logger *slog.Logger) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.IdempotencyTTL < 24*time.Hour {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.DLQStream == "" {
		opts.DLQStream = opts.Stream + ":dlq"
	}
	return &Consumer{
		client:   client,
		store:    store,
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
	}
}

// Handle registers the handler for an event type.
func (c *Consumer) Handle(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Publish appends an event to a stream. Used by webhook ingestion and tests.
func Publish(ctx context.Context, client *redis.Client, stream string, evt Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"deliveryId": evt.DeliveryID,
			"type":       evt.Type,
			"payload":    string(payload),
			"attempt":    strconv.Itoa(evt.Attempt),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. In-flight handlers drain before return.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}
	c.logger.Info("queue consumer started",
		"stream", c.opts.Stream, "group", c.opts.Group, "workers", c.opts.Workers)

	for {
		if err := ctx.Err(); err != nil {
			break
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    int64(c.opts.Workers),
			Block:    c.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Warn("queue read failed, backing off", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if err := c.sem.Acquire(ctx, 1); err != nil {
					break
				}
				go func(msg redis.XMessage) {
					defer c.sem.Release(1)
					c.process(context.WithoutCancel(ctx), msg)
				}(msg)
			}
		}
	}

	// Drain: wait for all workers.
	_ = c.sem.Acquire(context.Background(), int64(c.opts.Workers))
	c.sem.Release(int64(c.opts.Workers))
	c.logger.Info("queue consumer stopped")
	return nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

func idempotencyKey(deliveryID string) string { return "idemp:" + deliveryID }

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	evt, err := parseMessage(msg)
	if err != nil {
		// Malformed messages can never succeed; dead-letter immediately.
		c.logger.Warn("malformed queue message", "id", msg.ID, "error", err)
		c.deadLetter(ctx, evt, "malformed: "+err.Error())
		c.ack(ctx, msg.ID)
		return
	}

	claimed, err := c.store.PutIfAbsent(ctx, idempotencyKey(evt.DeliveryID),
		time.Now().UTC().Format(time.RFC3339), c.opts.IdempotencyTTL)
	if err != nil {
		c.logger.Warn("idempotency check failed, leaving for redelivery",
			"deliveryId", evt.DeliveryID, "error", err)
		return
	}
	if !claimed {
		c.logger.Info("duplicate delivery acked", "deliveryId", evt.DeliveryID)
		c.ack(ctx, msg.ID)
		return
	}

	handler, ok := c.handlers[evt.Type]
	if !ok {
		c.logger.Warn("no handler for event type", "type", evt.Type, "deliveryId", evt.DeliveryID)
		c.deadLetter(ctx, evt, "unhandled event type")
		c.ack(ctx, msg.ID)
		return
	}

	if err := handler(ctx, evt); err != nil {
		// Release the claim so the retry is not treated as a duplicate.
		if delErr := c.store.Delete(ctx, idempotencyKey(evt.DeliveryID)); delErr != nil {
			c.logger.Warn("release idempotency claim", "deliveryId", evt.DeliveryID, "error", delErr)
		}
		c.retryOrDeadLetter(ctx, evt, err)
		c.ack(ctx, msg.ID)
		return
	}

	c.logger.Info("event processed", "deliveryId", evt.DeliveryID, "type", evt.Type, "attempt", evt.Attempt)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) retryOrDeadLetter(ctx context.Context, evt Event, cause error) {
	if evt.Attempt+1 >= c.opts.MaxAttempts {
		c.logger.Warn("retry budget exhausted, dead-lettering",
			"deliveryId", evt.DeliveryID, "type", evt.Type, "attempts", evt.Attempt+1, "error", cause)
		c.deadLetter(ctx, evt, cause.Error())
		return
	}
	retry := evt
	retry.Attempt++
	if err := Publish(ctx, c.client, c.opts.Stream, retry); err != nil {
		c.logger.Error("requeue failed, dead-lettering", "deliveryId", evt.DeliveryID, "error", err)
		c.deadLetter(ctx, evt, cause.Error())
		return
	}
	c.logger.Info("event requeued", "deliveryId", evt.DeliveryID, "attempt", retry.Attempt, "error", cause)
}

func (c *Consumer) deadLetter(ctx context.Context, evt Event, reason string) {
	payload, _ := json.Marshal(evt.Payload)
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.opts.DLQStream,
		Values: map[string]any{
			"deliveryId": evt.DeliveryID,
			"type":       evt.Type,
			"payload":    string(payload),
			"attempt":    strconv.Itoa(evt.Attempt),
			"reason":     reason,
			"failedAt":   time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		c.logger.Error("dead-letter write failed", "deliveryId", evt.DeliveryID, "error", err)
	}
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, msgID).Err(); err != nil {
		c.logger.Warn("ack failed", "id", msgID, "error", err)
	}
}

func parseMessage(msg redis.XMessage) (Event, error) {
	evt := Event{}
	deliveryID, _ := msg.Values["deliveryId"].(string)
	if deliveryID == "" {
		return evt, fmt.Errorf("missing deliveryId")
	}
	evt.DeliveryID = deliveryID
	evt.Type, _ = msg.Values["type"].(string)
	if evt.Type == "" {
		return evt, fmt.Errorf("missing type")
	}
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &evt.Payload); err != nil {
			return evt, fmt.Errorf("decode payload: %w", err)
		}
	}
	if raw, ok := msg.Values["attempt"].(string); ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return evt, fmt.Errorf("decode attempt: %w", err)
		}
		evt.Attempt = n
	}
	return evt, nil
}
