// Package events publishes Store lifecycle events to Redis, following
// the platform's stream-plus-pubsub fan-out idiom: a capped per-key
// stream for replay, and a pub/sub broadcast for subscribers that only
// care about "now". Publishing is always best-effort — a dead Redis
// must never block or fail a reconciliation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each per-store stream so a long-lived Store can't
// grow its event history unboundedly.
const streamMaxLen = 100

const globalChannel = "store:events"

// Event is the payload published both to the per-store stream and the
// global channel. ID is stamped by Publish, not by callers, so every
// envelope on the wire carries a unique identifier regardless of which
// Reconcile step constructed the Event value.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Store     string    `json:"store"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is a no-op when built without a Redis URL, so the operator
// runs identically with or without an events backend configured.
type Publisher struct {
	rdb     *redis.Client
	log     logr.Logger
	failure prometheus.Counter
}

// New connects to redisURL if non-empty; an empty URL returns a
// Publisher that no-ops on every call.
func New(ctx context.Context, redisURL string, log logr.Logger) (*Publisher, error) {
	failure := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "store_operator_event_publish_failures_total",
		Help: "Count of best-effort event publishes that failed.",
	})
	_ = prometheus.Register(failure)

	if redisURL == "" {
		return &Publisher{log: log, failure: failure}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Publisher{rdb: client, log: log, failure: failure}, nil
}

// Publish appends evt to the per-store stream and broadcasts it on the
// global channel. Any failure is logged at debug level and swallowed.
func (p *Publisher) Publish(ctx context.Context, storeName string, evt Event) {
	if p.rdb == nil {
		return
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.log.V(1).Info("failed to marshal event", "error", err.Error())
		p.failure.Inc()
		return
	}

	streamKey := "store:events:" + storeName
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":        evt.ID,
			"type":      evt.Type,
			"message":   evt.Message,
			"phase":     evt.Phase,
			"timestamp": evt.Timestamp.Format(time.RFC3339),
			"store":     evt.Store,
		},
	}).Err(); err != nil {
		p.log.V(1).Info("failed to append event to stream", "stream", streamKey, "error", err.Error())
		p.failure.Inc()
	}

	if err := p.rdb.Publish(ctx, globalChannel, payload).Err(); err != nil {
		p.log.V(1).Info("failed to publish event", "channel", globalChannel, "error", err.Error())
		p.failure.Inc()
	}
}

// DeleteStream removes the per-store stream key, invoked from the
// delete flow's best-effort cleanup step.
func (p *Publisher) DeleteStream(ctx context.Context, storeName string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.Del(ctx, "store:events:"+storeName).Err(); err != nil {
		p.log.V(1).Info("failed to delete event stream", "store", storeName, "error", err.Error())
	}
}

// Close releases the underlying Redis connection, if any.
func (p *Publisher) Close() error {
	if p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
