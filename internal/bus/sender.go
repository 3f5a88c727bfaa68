package bus

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/pharrisenterprises/sammy-sub004/internal/config"
)

// Transport is whatever the sender-side helper ultimately calls to deliver a
// message (the bus itself, or a cross-process channel to it).
type Transport interface {
	Send(ctx context.Context, msg Message) (Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg Message) (Response, error)

func (f TransportFunc) Send(ctx context.Context, msg Message) (Response, error) { return f(ctx, msg) }

// Sender wraps a Transport with exponential-backoff retry plus jitter: with
// c = min(max, base*2^i), the delay for attempt i lies in
// [c*(1-jitter), c*(1+jitter)], clamped >= 0.
type Sender struct {
	transport Transport
	retry     config.RetryConfig
	rand      *rand.Rand
	sleep     func(context.Context, time.Duration) error
}

// NewSender constructs a Sender. rng may be nil to use a process-global
// source; tests that need determinism should pass their own *rand.Rand.
func NewSender(transport Transport, retry config.RetryConfig, rng *rand.Rand) *Sender {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Sender{transport: transport, retry: retry, rand: rng, sleep: defaultSleep}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryDelay computes the delay before attempt i (0-based: the delay taken
// after the i-th failure, before the (i+1)-th attempt).
func RetryDelay(retry config.RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	base := float64(retry.BaseDelay)
	factor := base * pow2(attempt)
	capped := factor
	if max := float64(retry.MaxDelay); capped > max {
		capped = max
	}
	jitterSpread := capped * retry.JitterFactor
	jitter := 0.0
	if jitterSpread > 0 {
		jitter = (rng.Float64()*2 - 1) * jitterSpread
	}
	d := capped + jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func pow2(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 2
	}
	return out
}

// Send delivers action/payload, retrying transient failures up to
// retry.MaxAttempts-1 additional times. On final exhaustion it returns a
// failure Response rather than an error, so callers always get the wire
// envelope back.
func (s *Sender) Send(ctx context.Context, action string, payload any) Response {
	var lastErr error
	for attempt := 0; attempt < s.retry.MaxAttempts; attempt++ {
		resp, err := s.transport.Send(ctx, Message{Action: action, Payload: payload})
		if err == nil {
			return resp
		}
		lastErr = err
		if attempt == s.retry.MaxAttempts-1 {
			break
		}
		delay := RetryDelay(s.retry, attempt, s.rand)
		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			return Response{Success: false, Error: sleepErr.Error()}
		}
	}
	return Response{Success: false, Error: fmt.Sprintf("transport failed after %d attempts: %v", s.retry.MaxAttempts, lastErr)}
}
