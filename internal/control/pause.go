package control

import (
	"sync"
	"time"
)

// PauseController implements the cooperative pause gate: Pause flips a
// flag, Resume clears it and releases a single-shot latch every waiter
// shares, and WaitIfPaused blocks only while paused.
type PauseController struct {
	mu      sync.Mutex
	paused  bool
	reason  string
	latch   chan struct{} // closed on Resume; recreated on Pause
	since   time.Time
	history []pauseSpan
}

type pauseSpan struct {
	start time.Time
	end   time.Time
}

// NewPauseController constructs an unpaused controller.
func NewPauseController() *PauseController {
	return &PauseController{latch: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pause flips the pause flag and records the reason and start time.
func (p *PauseController) Pause(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		return
	}
	p.paused = true
	p.reason = reason
	p.since = time.Now()
	p.latch = make(chan struct{})
}

// Resume clears the pause flag and releases every awaiter sharing the latch.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.history = append(p.history, pauseSpan{start: p.since, end: time.Now()})
	close(p.latch)
}

// IsPaused is a pure read.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// WaitIfPaused returns immediately if not paused, else blocks on the shared
// latch until Resume is called (or stopCh closes, for cancellation).
func (p *PauseController) WaitIfPaused(stopCh <-chan struct{}) {
	p.mu.Lock()
	latch := p.latch
	paused := p.paused
	p.mu.Unlock()
	if !paused {
		return
	}
	select {
	case <-latch:
	case <-stopCh:
	}
}

// TotalPauseDuration sums every completed pause span plus any pause
// currently in progress (evaluated at call time), used to exclude pause time
// from a session's duration.
func (p *PauseController) TotalPauseDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total time.Duration
	for _, span := range p.history {
		total += span.end.Sub(span.start)
	}
	if p.paused {
		total += time.Since(p.since)
	}
	return total
}

// SlicedDelay sleeps for d, checking stop and pause at <=100ms granularity so
// a stop request is observed within ~100ms even mid-delay. It returns the
// StopController's Checkpoint error, if any.
func SlicedDelay(stop *StopController, pause *PauseController, d time.Duration) error {
	const slice = 100 * time.Millisecond
	remaining := d
	for remaining > 0 {
		if err := stop.Checkpoint(); err != nil {
			return err
		}
		pause.WaitIfPaused(stop.Context().Done())
		if err := stop.Checkpoint(); err != nil {
			return err
		}
		step := slice
		if remaining < step {
			step = remaining
		}
		timer := time.NewTimer(step)
		select {
		case <-timer.C:
		case <-stop.Context().Done():
			timer.Stop()
			return stop.Checkpoint()
		}
		remaining -= step
	}
	return stop.Checkpoint()
}
