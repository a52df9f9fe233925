package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lorrc/portal-sync/internal/core/domain"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

// DefaultChannel is the pub/sub channel shared by every relay instance.
const DefaultChannel = "portal-sync:events"

const publishTimeout = 3 * time.Second

// NewClient parses a redis:// URL and returns a client.
func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Fanout relays events between relay instances. Broadcast publishes to Redis;
// Run delivers everything published by any instance, this one included, to
// the local hub.
type Fanout struct {
	client     *redis.Client
	channel    string
	local      ports.EventBroadcaster
	origin     string
	subscribed atomic.Bool
	logger     *slog.Logger
}

var _ ports.EventBroadcaster = (*Fanout)(nil)

func NewFanout(client *redis.Client, channel string, local ports.EventBroadcaster, logger *slog.Logger) *Fanout {
	if channel == "" {
		channel = DefaultChannel
	}
	origin := uuid.NewString()
	return &Fanout{
		client:  client,
		channel: channel,
		local:   local,
		origin:  origin,
		logger:  logger.With("component", "redis_fanout", "channel", channel, "origin", origin),
	}
}

// Subscribed reports whether Run holds an active subscription.
func (f *Fanout) Subscribed() bool {
	return f.subscribed.Load()
}

// Broadcast publishes event for every instance. Until the subscription is up,
// or when Redis is unreachable, the event is delivered to the local hub only.
func (f *Fanout) Broadcast(event domain.Event) error {
	if !f.subscribed.Load() {
		return f.local.Broadcast(event)
	}

	// Each hub stamps its own sequence.
	event.Seq = 0
	data, err := json.Marshal(envelope{Origin: f.origin, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := f.client.Publish(ctx, f.channel, data).Err(); err != nil {
		f.logger.Warn("publish failed, delivering locally", "event_type", event.Type, "error", err)
		return f.local.Broadcast(event)
	}
	return nil
}

// Run subscribes and forwards received events to the local hub until ctx is
// cancelled. go-redis reconnects the subscription on its own.
func (f *Fanout) Run(ctx context.Context) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer func() {
		f.subscribed.Store(false)
		_ = sub.Close()
	}()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.subscribed.Store(true)
	f.logger.Info("subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			f.deliver(msg.Payload)
		}
	}
}

func (f *Fanout) deliver(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		f.logger.Warn("dropping malformed fan-out message", "error", err)
		return
	}
	if err := f.local.Broadcast(env.Event); err != nil {
		f.logger.Error("local broadcast failed", "event_type", env.Event.Type, "error", err)
		return
	}
	f.logger.Debug("fan-out event delivered", "event_type", env.Event.Type, "from", env.Origin)
}
