package invalidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis creates a test Redis client.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewBus(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	b := NewBus(client, "", zerolog.Nop())
	if b.Channel() != DefaultChannel {
		t.Errorf("Channel() = %q, want %q", b.Channel(), DefaultChannel)
	}
	if b.NodeID() == "" {
		t.Error("NodeID() should not be empty")
	}

	custom := NewBus(client, "custom", zerolog.Nop())
	if custom.Channel() != "custom" {
		t.Errorf("Channel() = %q, want custom", custom.Channel())
	}
}

func TestNewBus_NilClientPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewBus(nil) should panic")
		}
	}()
	NewBus(nil, "", zerolog.Nop())
}

func TestPublish_EmptyMessage(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	b := NewBus(client, "", zerolog.Nop())
	if err := b.Publish(context.Background(), Message{}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Publish(empty) = %v, want ErrEmptyMessage", err)
	}
}

func TestSubscription_Dispatch(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	b := NewBus(client, "", zerolog.Nop())
	sub := &Subscription{bus: b}

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"peer message", `{"tags":["news"],"source":"peer-1"}`, true},
		{"own message", `{"tags":["news"],"source":"` + b.NodeID() + `"}`, false},
		{"malformed", `{not json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			sub.dispatch(context.Background(), tt.payload, func(ctx context.Context, msg Message) {
				called = true
				if len(msg.Tags) != 1 || msg.Tags[0] != "news" {
					t.Errorf("Tags = %v, want [news]", msg.Tags)
				}
			})
			if called != tt.want {
				t.Errorf("handler called = %v, want %v", called, tt.want)
			}
		})
	}
}

func testPublishReceive(t *testing.T, client *redis.Client) {
	t.Helper()

	channel := "pagecache:test:" + time.Now().Format("150405.000000")
	receiver := NewBus(client, channel, zerolog.Nop())
	sender := NewBus(client, channel, zerolog.Nop())
	sender.nodeID = "peer"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := receiver.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	got := make(chan Message, 2)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(ctx, func(ctx context.Context, msg Message) {
			got <- msg
		})
	}()

	// Own messages are filtered, so only the peer message arrives.
	if err := receiver.Publish(ctx, Message{Keys: []string{"self"}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := sender.Publish(ctx, Message{Tags: []string{"news"}, Keys: []string{"page:a"}}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-got:
		if msg.Source != "peer" {
			t.Errorf("Source = %q, want peer", msg.Source)
		}
		if len(msg.Tags) != 1 || msg.Tags[0] != "news" || len(msg.Keys) != 1 || msg.Keys[0] != "page:a" {
			t.Errorf("msg = %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
	select {
	case msg := <-got:
		t.Errorf("unexpected extra message %+v", msg)
	default:
	}
}

func TestBus_PublishReceive(t *testing.T) {
	testPublishReceive(t, setupTestRedis(t))
}
