package bus

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharrisenterprises/sammy-sub004/internal/config"
)

func TestInvalidMessageFormat(t *testing.T) {
	b := New(nil)
	resp := b.Dispatch(context.Background(), Message{})
	require.False(t, resp.Success)
	require.Equal(t, "Invalid message format", resp.Error)
}

func TestUnknownAction(t *testing.T) {
	b := New(nil)
	resp := b.Dispatch(context.Background(), Message{Action: "nope"})
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "Unknown action: nope")
}

func TestSyncHandler(t *testing.T) {
	b := New(nil)
	b.RegisterHandler("ping", func(ctx context.Context, payload any) HandlerOutcome {
		return Sync(Response{Success: true, Data: "pong"})
	})
	resp := b.Dispatch(context.Background(), Message{Action: "ping"})
	require.True(t, resp.Success)
	require.Equal(t, "pong", resp.Data)
}

func TestPendingHandler(t *testing.T) {
	b := New(nil)
	b.RegisterHandler("async", func(ctx context.Context, payload any) HandlerOutcome {
		ch := make(chan Response, 1)
		go func() {
			ch <- Response{Success: true, Data: "later"}
		}()
		return Pending(ch)
	})
	resp := b.Dispatch(context.Background(), Message{Action: "async"})
	require.True(t, resp.Success)
	require.Equal(t, "later", resp.Data)
}

func TestHandlerPanicBecomesFailureResponse(t *testing.T) {
	b := New(nil)
	b.RegisterHandler("boom", func(ctx context.Context, payload any) HandlerOutcome {
		panic("kaboom")
	})
	resp := b.Dispatch(context.Background(), Message{Action: "boom"})
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "kaboom")

	// Handler not evicted: a second dispatch still reaches it.
	resp2 := b.Dispatch(context.Background(), Message{Action: "boom"})
	require.False(t, resp2.Success)
}

// Registering a second handler for the same action replaces the first.
func TestHandlerOverrideIsLastWriterWins(t *testing.T) {
	b := New(nil)
	calls := 0
	b.RegisterHandler("x", func(ctx context.Context, payload any) HandlerOutcome {
		calls++
		return Sync(Response{Success: true, Data: "first"})
	})
	b.RegisterHandler("x", func(ctx context.Context, payload any) HandlerOutcome {
		calls++
		return Sync(Response{Success: true, Data: "second"})
	})
	resp := b.Dispatch(context.Background(), Message{Action: "x"})
	require.Equal(t, "second", resp.Data)
	require.Equal(t, 1, calls)
}

func TestBroadcastOrderingAndWildcard(t *testing.T) {
	b := New(nil)
	var order []string
	b.Subscribe("foo", func(m BroadcastMessage) { order = append(order, "typed-1") })
	b.Subscribe("*", func(m BroadcastMessage) { order = append(order, "wild-1") })
	b.Subscribe("foo", func(m BroadcastMessage) { order = append(order, "typed-2") })

	b.Broadcast(BroadcastMessage{Type: "foo"})
	require.Equal(t, []string{"typed-1", "wild-1", "typed-2"}, order)
}

func TestBroadcastSubscriberPanicDoesNotBlockOthers(t *testing.T) {
	b := New(nil)
	var second bool
	b.Subscribe("evt", func(m BroadcastMessage) { panic("nope") })
	b.Subscribe("evt", func(m BroadcastMessage) { second = true })
	require.NotPanics(t, func() { b.Broadcast(BroadcastMessage{Type: "evt"}) })
	require.True(t, second)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	var calls int
	unsub := b.Subscribe("evt", func(m BroadcastMessage) { calls++ })
	b.Broadcast(BroadcastMessage{Type: "evt"})
	unsub()
	b.Broadcast(BroadcastMessage{Type: "evt"})
	require.Equal(t, 1, calls)
}

// Retry with backoff: base=100, max=10000, jitter=0, maxAttempts=3, and a
// transport that fails twice then succeeds. Expect 3 total calls with
// delays of 100ms then 200ms between attempts.
func TestRetryWithBackoff(t *testing.T) {
	retry := config.RetryConfig{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, JitterFactor: 0}
	calls := 0
	var gaps []time.Duration
	last := time.Time{}

	transport := TransportFunc(func(ctx context.Context, msg Message) (Response, error) {
		now := time.Now()
		if !last.IsZero() {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		if calls < 3 {
			return Response{}, context.DeadlineExceeded
		}
		return Response{Success: true}, nil
	})

	s := NewSender(transport, retry, rand.New(rand.NewSource(1)))
	resp := s.Send(context.Background(), "do-thing", nil)
	require.True(t, resp.Success)
	require.Equal(t, 3, calls)
	require.Len(t, gaps, 2)
	require.InDelta(t, 100*time.Millisecond, gaps[0], float64(30*time.Millisecond))
	require.InDelta(t, 200*time.Millisecond, gaps[1], float64(30*time.Millisecond))
}

// The delay for attempt i must lie in the documented backoff bounds.
func TestRetryDelayBounds(t *testing.T) {
	retry := config.RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 1 * time.Second, JitterFactor: 0.25}
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 4; i++ {
		d := RetryDelay(retry, i, rng)
		capped := float64(retry.BaseDelay) * pow2(i)
		if capped > float64(retry.MaxDelay) {
			capped = float64(retry.MaxDelay)
		}
		lo := capped * (1 - retry.JitterFactor)
		hi := capped * (1 + retry.JitterFactor)
		require.GreaterOrEqual(t, float64(d), 0.0)
		require.GreaterOrEqual(t, float64(d), lo-1)
		require.LessOrEqual(t, float64(d), hi+1)
	}
}

func TestRetryExhaustionReturnsFailureResponse(t *testing.T) {
	retry := config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
	transport := TransportFunc(func(ctx context.Context, msg Message) (Response, error) {
		return Response{}, context.DeadlineExceeded
	})
	s := NewSender(transport, retry, rand.New(rand.NewSource(3)))
	resp := s.Send(context.Background(), "x", nil)
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "transport failed after 2 attempts")
}
