// Package navigation implements the navigation supervisor: it tracks a set
// of tabs, filters host navigation events to that set, and debounces
// re-injection of the page agent on main-frame navigation.
package navigation

import (
	"context"
	"sync"
	"time"

	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
)

// Injector runs one injection attempt for tabID and reports success.
type Injector func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool

// TabRecord is the per-tab navigation state.
type TabRecord struct {
	TabID            int
	URL              string
	ScriptInjected   bool
	InjectionPending bool
	Status           hostapi.TabStatus
	LastInjection    time.Time
}

// Stats counts re-injection outcomes.
type Stats struct {
	ReinjectionAttempts  int
	ReinjectionSuccesses int
	ReinjectionFailures  int
}

// Supervisor tracks a set of tabs and drives debounced re-injection.
type Supervisor struct {
	nav      hostapi.NavigationEvents
	tabs     hostapi.TabAPI
	injector Injector
	cfg      config.InjectionConfig
	log      *logging.Logger

	onTabRemoved func(tabID int)

	mu       sync.Mutex
	tracked  map[int]bool
	state    map[int]*TabRecord
	pending  map[int]*time.Timer
	stats    Stats

	unsub []hostapi.Unsubscribe
}

// New constructs a Supervisor. injector performs the actual script-injection
// call (bound to the real hostapi.ScriptInjector or a test double).
func New(nav hostapi.NavigationEvents, tabs hostapi.TabAPI, injector Injector, cfg config.InjectionConfig, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{
		nav:      nav,
		tabs:     tabs,
		injector: injector,
		cfg:      cfg,
		log:      log,
		tracked:  make(map[int]bool),
		state:    make(map[int]*TabRecord),
		pending:  make(map[int]*time.Timer),
	}
}

// OnTabRemoved registers the optional "tab removed" callback.
func (s *Supervisor) OnTabRemoved(fn func(tabID int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTabRemoved = fn
}

// Start subscribes to every navigation event and tab-removed.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	s.unsub = append(s.unsub,
		s.nav.OnCommitted(s.handleMainFrame(hostapi.TabLoading)),
		s.nav.OnCompleted(s.handleMainFrame(hostapi.TabComplete)),
		s.nav.OnHistoryStateUpdated(s.handleMainFrame(hostapi.TabComplete)),
		s.nav.OnBeforeNavigate(s.handleBeforeNavigate),
		s.nav.OnDOMContentLoaded(s.handleDOMContentLoaded),
		s.nav.OnErrorOccurred(s.handleError),
		s.tabs.OnRemoved(s.handleTabRemoved),
	)
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes everything and cancels pending timers.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	for tabID, t := range s.pending {
		t.Stop()
		delete(s.pending, tabID)
	}
	s.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	return nil
}

// Track begins following tabID.
func (s *Supervisor) Track(tabID int, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[tabID] = true
	s.state[tabID] = &TabRecord{TabID: tabID, URL: url, Status: hostapi.TabNavigating}
}

// Untrack stops following tabID and cancels any pending re-injection.
func (s *Supervisor) Untrack(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.untrackLocked(tabID)
}

func (s *Supervisor) untrackLocked(tabID int) {
	delete(s.tracked, tabID)
	delete(s.state, tabID)
	if t, ok := s.pending[tabID]; ok {
		t.Stop()
		delete(s.pending, tabID)
	}
}

// IsTracked reports whether tabID is currently followed.
func (s *Supervisor) IsTracked(tabID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[tabID]
}

// TabState returns a snapshot of tabID's record, if tracked.
func (s *Supervisor) TabState(tabID int) (TabRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state[tabID]
	if !ok {
		return TabRecord{}, false
	}
	return *r, true
}

// Stats returns a snapshot of re-injection outcome counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Supervisor) handleBeforeNavigate(e hostapi.NavEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracked[e.TabID] {
		return
	}
	if r, ok := s.state[e.TabID]; ok {
		r.Status = hostapi.TabNavigating
		r.URL = e.URL
	}
}

func (s *Supervisor) handleDOMContentLoaded(e hostapi.NavEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracked[e.TabID] {
		return
	}
	if r, ok := s.state[e.TabID]; ok {
		r.Status = hostapi.TabLoading
	}
}

func (s *Supervisor) handleError(e hostapi.NavEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracked[e.TabID] {
		return
	}
	if r, ok := s.state[e.TabID]; ok {
		r.Status = hostapi.TabError
	}
}

// handleMainFrame returns a handler shared by committed/completed/history-state
// events: non-main-frame events are ignored; a main-frame event on a tracked
// tab updates its status and URL and, when re-injection on navigation is
// enabled, schedules a debounced re-injection.
func (s *Supervisor) handleMainFrame(status hostapi.TabStatus) func(hostapi.NavEvent) {
	return func(e hostapi.NavEvent) {
		if !e.IsMainFrame() {
			return
		}
		s.mu.Lock()
		tracked := s.tracked[e.TabID]
		if tracked {
			if r, ok := s.state[e.TabID]; ok {
				r.Status = status
				r.URL = e.URL
			}
		}
		s.mu.Unlock()
		if !tracked {
			return
		}
		if s.cfg.ReinjectOnNavigation {
			s.scheduleReinjection(e.TabID)
		}
	}
}

// scheduleReinjection cancels any pending timer for tabID and schedules a
// fresh one; only the final trigger in a debounce burst fires an injection.
func (s *Supervisor) scheduleReinjection(tabID int) {
	s.mu.Lock()
	if t, ok := s.pending[tabID]; ok {
		t.Stop()
	}
	if r, ok := s.state[tabID]; ok {
		r.InjectionPending = true
	}
	s.pending[tabID] = time.AfterFunc(s.cfg.NavigationDelay, func() {
		s.fireReinjection(tabID)
	})
	s.mu.Unlock()
}

func (s *Supervisor) fireReinjection(tabID int) {
	s.mu.Lock()
	delete(s.pending, tabID)
	_, stillTracked := s.tracked[tabID]
	if r, ok := s.state[tabID]; ok {
		r.InjectionPending = false
	}
	s.mu.Unlock()
	if !stillTracked {
		return
	}
	s.runInjection(context.Background(), tabID)
}

func (s *Supervisor) runInjection(ctx context.Context, tabID int) bool {
	s.mu.Lock()
	s.stats.ReinjectionAttempts++
	s.mu.Unlock()

	ok := s.injector(ctx, tabID, s.cfg.AllFrames, s.cfg.World)

	s.mu.Lock()
	if ok {
		s.stats.ReinjectionSuccesses++
		if r, exists := s.state[tabID]; exists {
			r.ScriptInjected = true
			r.LastInjection = time.Now()
		}
	} else {
		s.stats.ReinjectionFailures++
	}
	s.mu.Unlock()
	return ok
}

// ForceInjection cancels any pending timer for tabID and runs the injector
// immediately, returning the outcome. It only ever cancels a pending (not
// yet fired) timer, never an injection already running: runInjection holds
// no lock across the injector call, so the two can briefly overlap.
func (s *Supervisor) ForceInjection(ctx context.Context, tabID int) bool {
	s.mu.Lock()
	if t, ok := s.pending[tabID]; ok {
		t.Stop()
		delete(s.pending, tabID)
	}
	if r, ok := s.state[tabID]; ok {
		r.InjectionPending = false
	}
	s.mu.Unlock()
	return s.runInjection(ctx, tabID)
}

func (s *Supervisor) handleTabRemoved(tabID int, isWindowClosing bool) {
	s.mu.Lock()
	_, tracked := s.tracked[tabID]
	s.untrackLocked(tabID)
	cb := s.onTabRemoved
	s.mu.Unlock()
	if !tracked {
		return
	}
	if cb != nil {
		cb(tabID)
	}
}
