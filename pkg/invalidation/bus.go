// Package invalidation broadcasts cache invalidations between nodes over
// Redis pub/sub.
//
// Every node subscribes to the same channel. A node that invalidates
// locally publishes a Message; peers receive it and apply it to their own
// manager and store. Messages published by a bus are not delivered back to
// its own handler.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "pagecache:invalidate"

// ErrEmptyMessage is returned by Publish for a message without tags or keys.
var ErrEmptyMessage = errors.New("invalidation message has no tags or keys")

// Message names the entries to invalidate.
type Message struct {
	Tags   []string `json:"tags,omitempty"`
	Keys   []string `json:"keys,omitempty"`
	Source string   `json:"source,omitempty"`
}

// Handler applies a received message.
type Handler func(ctx context.Context, msg Message)

// Bus publishes and receives invalidation messages.
type Bus struct {
	client  *redis.Client
	channel string
	nodeID  string
	logger  zerolog.Logger
}

// NewBus creates a bus on channel. An empty channel selects DefaultChannel.
func NewBus(client *redis.Client, channel string, logger zerolog.Logger) *Bus {
	if client == nil {
		panic("invalidation: redis client cannot be nil")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	host, _ := os.Hostname()
	return &Bus{
		client:  client,
		channel: channel,
		nodeID:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:  logger.With().Str("component", "invalidation").Str("channel", channel).Logger(),
	}
}

// Channel returns the pub/sub channel name.
func (b *Bus) Channel() string {
	return b.channel
}

// NodeID identifies this bus in published messages.
func (b *Bus) NodeID() string {
	return b.nodeID
}

// Publish sends msg to all subscribed nodes.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if len(msg.Tags) == 0 && len(msg.Keys) == 0 {
		return ErrEmptyMessage
	}
	msg.Source = b.nodeID

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}

	b.logger.Debug().
		Strs("tags", msg.Tags).
		Strs("keys", msg.Keys).
		Msg("Published invalidation")
	return nil
}

// Subscription is an active subscription to the bus channel.
type Subscription struct {
	bus    *Bus
	pubsub *redis.PubSub
}

// Subscribe subscribes to the channel and waits for the confirmation, so
// messages published after it returns are delivered.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	return &Subscription{bus: b, pubsub: pubsub}, nil
}

// Run dispatches messages to handler until ctx is done. It closes the
// subscription on return.
func (s *Subscription) Run(ctx context.Context, handler Handler) error {
	defer s.pubsub.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatch(ctx, m.Payload, handler)
		}
	}
}

func (s *Subscription) dispatch(ctx context.Context, payload string, handler Handler) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.bus.logger.Warn().Err(err).Msg("Dropping malformed invalidation message")
		return
	}
	if msg.Source == s.bus.nodeID {
		return
	}

	s.bus.logger.Info().
		Strs("tags", msg.Tags).
		Strs("keys", msg.Keys).
		Str("source", msg.Source).
		Msg("Received invalidation")
	handler(ctx, msg)
}

// Run subscribes and dispatches messages until ctx is done.
func (b *Bus) Run(ctx context.Context, handler Handler) error {
	sub, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	return sub.Run(ctx, handler)
}
