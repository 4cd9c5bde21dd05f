package warmup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/pagecache/pkg/cache"
	"github.com/Sternrassler/pagecache/pkg/protocol"
)

// fakeServer runs builders directly and tracks concurrency.
type fakeServer struct {
	mu      sync.Mutex
	served  []string
	active  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
}

func (s *fakeServer) Serve(ctx context.Context, key string, build cache.Builder, cond protocol.Conditions) (*protocol.Disposition, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if _, err := build(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.served = append(s.served, key)
	s.mu.Unlock()
	return &protocol.Disposition{Kind: protocol.Full}, nil
}

func okBuilder(key string) cache.Builder {
	return func(ctx context.Context) (*cache.Content, error) {
		return &cache.Content{Body: []byte(key)}, nil
	}
}

func keys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("page:%d", i)
	}
	return out
}

func TestNew_Defaults(t *testing.T) {
	w := New(&fakeServer{}, Config{})
	if w.config.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", w.config.MaxConcurrency)
	}
	if w.config.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", w.config.Timeout)
	}
}

func TestWarm(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		keys       []string
		builder    BuilderFor
		wantWarmed int
		wantFailed int
	}{
		{
			name:    "empty",
			keys:    nil,
			builder: okBuilder,
		},
		{
			name:       "all succeed",
			keys:       keys(20),
			builder:    okBuilder,
			wantWarmed: 20,
		},
		{
			name: "failures do not stop others",
			keys: keys(10),
			builder: func(key string) cache.Builder {
				if key == "page:3" || key == "page:7" {
					return func(ctx context.Context) (*cache.Content, error) { return nil, errBoom }
				}
				return okBuilder(key)
			},
			wantWarmed: 8,
			wantFailed: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &fakeServer{}
			w := New(srv, Config{MaxConcurrency: 3, Timeout: time.Second, Logger: zerolog.Nop()})

			res := w.Warm(context.Background(), tt.keys, tt.builder)
			if res.Warmed != tt.wantWarmed || res.Failed != tt.wantFailed {
				t.Errorf("Result = %d warmed / %d failed, want %d / %d",
					res.Warmed, res.Failed, tt.wantWarmed, tt.wantFailed)
			}
			if len(res.Errors) != tt.wantFailed {
				t.Errorf("len(Errors) = %d, want %d", len(res.Errors), tt.wantFailed)
			}
			for k, err := range res.Errors {
				if !errors.Is(err, errBoom) {
					t.Errorf("Errors[%s] = %v, want boom", k, err)
				}
			}
		})
	}
}

func TestWarm_BoundedConcurrency(t *testing.T) {
	srv := &fakeServer{delay: 10 * time.Millisecond}
	w := New(srv, Config{MaxConcurrency: 2, Timeout: time.Second, Logger: zerolog.Nop()})

	res := w.Warm(context.Background(), keys(8), okBuilder)
	if res.Warmed != 8 {
		t.Fatalf("Warmed = %d, want 8", res.Warmed)
	}
	if got := srv.maxSeen.Load(); got > 2 {
		t.Errorf("max concurrent serves = %d, want <= 2", got)
	}
}

func TestWarm_Timeout(t *testing.T) {
	srv := &fakeServer{delay: time.Second}
	w := New(srv, Config{MaxConcurrency: 2, Timeout: 10 * time.Millisecond, Logger: zerolog.Nop()})

	res := w.Warm(context.Background(), keys(2), okBuilder)
	if res.Failed != 2 {
		t.Fatalf("Failed = %d, want 2", res.Failed)
	}
	for k, err := range res.Errors {
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Errors[%s] = %v, want deadline exceeded", k, err)
		}
	}
}

func TestWarm_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := New(&fakeServer{}, Config{MaxConcurrency: 2, Logger: zerolog.Nop()})
	res := w.Warm(ctx, keys(5), okBuilder)
	if res.Warmed+res.Failed != 5 {
		t.Errorf("Warmed+Failed = %d, want 5", res.Warmed+res.Failed)
	}
	if res.Failed == 0 {
		t.Error("cancelled warmup should report failed keys")
	}
}

func TestWarm_PopulatesManager(t *testing.T) {
	m := cache.NewManager(cache.Options{Name: t.Name(), Logger: zerolog.Nop()})
	defer m.Close()

	var builds atomic.Int32
	builderFor := func(key string) cache.Builder {
		return func(ctx context.Context) (*cache.Content, error) {
			builds.Add(1)
			return &cache.Content{Body: []byte(key), ContentType: "text/html"}, nil
		}
	}

	w := New(m, Config{MaxConcurrency: 3, Timeout: time.Second, Logger: zerolog.Nop()})
	res := w.Warm(context.Background(), keys(6), builderFor)
	if res.Warmed != 6 {
		t.Fatalf("Warmed = %d, want 6", res.Warmed)
	}
	if m.Len() != 6 {
		t.Errorf("manager Len() = %d, want 6", m.Len())
	}

	// A second run is served from the pool.
	w.Warm(context.Background(), keys(6), builderFor)
	if got := builds.Load(); got != 6 {
		t.Errorf("builds = %d, want 6", got)
	}
}
