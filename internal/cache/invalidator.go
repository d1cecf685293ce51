package cache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oriys/pagecache/internal/logging"
	"github.com/oriys/pagecache/internal/observability"
)

// DefaultInvalidationChannel is the Redis Pub/Sub channel carrying clear
// events between hosts.
const DefaultInvalidationChannel = "pagecache:invalidate"

// Event asks every listener serving Site to clear ResourceID. An empty
// ResourceID requests a full flush; an empty Site addresses every listener.
type Event struct {
	Site       string `json:"site,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Sender     string `json:"sender"`

	Trace observability.TraceContext `json:"trace,omitempty"`
}

// InvalidationBus broadcasts clear events over Redis Pub/Sub so that a
// content change on one host invalidates the caches of every daemon.
type InvalidationBus struct {
	client  *redis.Client
	channel string
	sender  string

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidationBus creates a bus on channel, or on the default channel
// when channel is empty.
func NewInvalidationBus(client *redis.Client, channel string) *InvalidationBus {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &InvalidationBus{
		client:  client,
		channel: channel,
		sender:  uuid.NewString(),
	}
}

// Sender returns the id stamped on events published through this bus.
func (b *InvalidationBus) Sender() string { return b.sender }

// Publish broadcasts a clear event.
func (b *InvalidationBus) Publish(ctx context.Context, site, resourceID string) error {
	payload, err := json.Marshal(Event{
		Site:       site,
		ResourceID: resourceID,
		Sender:     b.sender,
		Trace:      observability.TraceContextFrom(ctx),
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen applies events addressed to site to c until ctx is cancelled or
// Close is called. Events published by this bus itself are skipped. ready,
// if non-nil, is closed once the subscription is established.
func (b *InvalidationBus) Listen(ctx context.Context, c *Client, site string, ready chan<- struct{}) error {
	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil
	}
	b.cancel = cancel
	b.mu.Unlock()
	defer cancel()

	pubsub := b.client.Subscribe(subCtx, b.channel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(subCtx); err != nil {
		if subCtx.Err() != nil {
			return nil
		}
		return err
	}
	if ready != nil {
		close(ready)
	}
	logging.Op().Info("listening for invalidation events", "channel", b.channel, "site", site)

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.apply(subCtx, c, site, msg.Payload)
		}
	}
}

func (b *InvalidationBus) apply(ctx context.Context, c *Client, site, payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logging.Op().Warn("malformed invalidation event", "payload", payload, "error", err)
		return
	}
	if ev.Sender == b.sender {
		return
	}
	if ev.Site != "" && ev.Site != site {
		return
	}
	ctx, span := observability.StartSpan(observability.ContextWithTrace(ctx, ev.Trace), "cache.invalidation_event",
		observability.AttrSite.String(site),
		observability.AttrResourceID.String(ev.ResourceID),
	)
	defer span.End()
	log := logging.OpWithTrace(observability.TraceIDs(ctx))

	res, err := c.Clear(ctx, ev.ResourceID)
	if err != nil {
		observability.SetSpanError(span, err)
		log.Warn("invalidation event failed", "resource_id", ev.ResourceID, "sender", ev.Sender, "error", err)
		return
	}
	observability.SetSpanOK(span)
	log.Info("invalidation event applied", "resource_id", ev.ResourceID, "sender", ev.Sender, "result", res)
}

// Close stops the listener.
func (b *InvalidationBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}
