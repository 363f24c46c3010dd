package broadcast

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-sync/domain"
)

// DefaultRelayChannel is the Redis pub/sub channel events travel on.
const DefaultRelayChannel = "tasks:events"

// Relay shares one event stream between server instances over Redis
// pub/sub. Every instance publishes to the channel and broadcasts what it
// receives to its local hub, its own events included.
type Relay struct {
	rc      *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger

	retryDelay time.Duration
}

func NewRelay(rc *redis.Client, channel string, hub *Hub, logger *log.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{rc: rc, channel: channel, hub: hub, logger: logger, retryDelay: time.Second}
}

// Publish sends ev to every subscribed instance.
func (r *Relay) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rc.Publish(ctx, r.channel, data).Err()
}

// Run subscribes to the channel and hands every event to the hub until ctx
// is done. A lost subscription is re-established after retryDelay.
func (r *Relay) Run(ctx context.Context) {
	for {
		r.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		r.logger.WithField("channel", r.channel).Error("pubsub channel closed, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retryDelay):
		}
	}
}

func (r *Relay) consume(ctx context.Context) {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev domain.Event
			if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.WithError(err).WithField("channel", r.channel).Error("unable to parse event")
				continue
			}
			if !relayable(ev) {
				r.logger.WithFields(log.Fields{"event": ev.Type, "channel": r.channel}).Warn("received malformed event, ignoring it")
				continue
			}
			r.hub.Broadcast(ev)
		}
	}
}

func relayable(ev domain.Event) bool {
	switch ev.Type {
	case domain.TaskCreated, domain.TaskUpdated:
		return ev.Task != nil
	case domain.TaskDeleted:
		return ev.TaskID != ""
	}
	return false
}
