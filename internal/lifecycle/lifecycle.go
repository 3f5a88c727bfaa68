// Package lifecycle implements the lifecycle supervisor:
// install/update/startup/suspend/icon-click wiring against the host, a
// durable-storage grant request, and an install/update dashboard-open hook.
package lifecycle

import (
	"context"
	"sync"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
)

// Stats counts onInstalled/onUpdate events per classified reason.
type Stats struct {
	InstallCount            int
	UpdateCount              int
	ChromeUpdateCount        int
	SharedModuleUpdateCount  int
	StartupCount             int
	SuspendCount             int
	SuspendCanceledCount     int
	IconClickedCount         int
	StoragePersisted         bool
	StorageDenied            bool
}

// Options configures a Supervisor.
type Options struct {
	// DashboardPage is opened on install and on update (not on
	// chrome_update or shared_module_update) when non-empty.
	DashboardPage string
	// RequestPersistence requests a durable-storage grant on Start.
	RequestPersistence bool
	// HasIconClickHandler reports whether a user-registered handler already
	// answers icon clicks; when true the supervisor's default dashboard-open
	// behavior on icon click is fully suppressed.
	HasIconClickHandler func() bool
}

// Supervisor wires host lifecycle events to the process bring-up policies.
type Supervisor struct {
	lifecycle hostapi.LifecycleEvents
	tabs      hostapi.TabAPI
	storage   hostapi.StoragePersistence
	opts      Options
	log       *logging.Logger

	mu    sync.Mutex
	stats Stats
	unsub []hostapi.Unsubscribe
}

// New constructs a Supervisor. storage may be nil if Options.RequestPersistence is false.
func New(lifecycle hostapi.LifecycleEvents, tabs hostapi.TabAPI, storage hostapi.StoragePersistence, opts Options, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.Nop()
	}
	return &Supervisor{lifecycle: lifecycle, tabs: tabs, storage: storage, opts: opts, log: log}
}

// Start subscribes every lifecycle callback and requests a persistence grant
// if configured. It is idempotent only insofar as the caller calls it once;
// a second Start would double-subscribe, matching the host's own semantics.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.unsub = append(s.unsub,
		s.lifecycle.OnInstalled(s.handleInstalled),
		s.lifecycle.OnStartup(s.handleStartup),
		s.lifecycle.OnSuspend(s.handleSuspend),
		s.lifecycle.OnSuspendCanceled(s.handleSuspendCanceled),
		s.lifecycle.OnClicked(s.handleClicked),
	)
	s.mu.Unlock()

	if s.opts.RequestPersistence && s.storage != nil {
		persisted, err := s.storage.Persist(ctx)
		s.mu.Lock()
		if err != nil {
			s.log.Warn(logging.CategoryLifecycle, "persistence grant request failed", err.Error())
		} else if persisted {
			s.stats.StoragePersisted = true
			s.log.Info(logging.CategoryLifecycle, "storage_persisted", nil)
		} else {
			s.stats.StorageDenied = true
			s.log.Info(logging.CategoryLifecycle, "storage_denied", nil)
		}
		s.mu.Unlock()
	}
	return nil
}

// Stop symmetrically removes every subscription registered by Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	for _, fn := range unsub {
		fn()
	}
	return nil
}

// Stats returns a snapshot of event counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Supervisor) handleInstalled(evt hostapi.InstallEvent) {
	s.mu.Lock()
	switch evt.Reason {
	case hostapi.ReasonInstall:
		s.stats.InstallCount++
	case hostapi.ReasonUpdate:
		s.stats.UpdateCount++
	case hostapi.ReasonChromeUpdate:
		s.stats.ChromeUpdateCount++
	case hostapi.ReasonSharedModuleUpdate:
		s.stats.SharedModuleUpdateCount++
	}
	s.mu.Unlock()

	// Install and update reasons open the dashboard; chrome/shared-module
	// updates stay silent. Those are host-triggered housekeeping the user
	// never asked for, and reopening a tab for them would be surprising.
	if evt.Reason != hostapi.ReasonInstall && evt.Reason != hostapi.ReasonUpdate {
		return
	}
	if s.opts.DashboardPage == "" || s.tabs == nil {
		return
	}
	if _, err := s.tabs.Create(context.Background(), s.opts.DashboardPage, true); err != nil {
		s.log.Warn(logging.CategoryLifecycle, "dashboard open failed", err.Error())
	}
}

func (s *Supervisor) handleStartup() {
	s.mu.Lock()
	s.stats.StartupCount++
	s.mu.Unlock()
}

func (s *Supervisor) handleSuspend() {
	s.mu.Lock()
	s.stats.SuspendCount++
	s.mu.Unlock()
}

func (s *Supervisor) handleSuspendCanceled() {
	s.mu.Lock()
	s.stats.SuspendCanceledCount++
	s.mu.Unlock()
}

func (s *Supervisor) handleClicked(tabID int) {
	s.mu.Lock()
	s.stats.IconClickedCount++
	s.mu.Unlock()

	// Default dashboard-open behavior fires only if no user handler is
	// registered at all, regardless of outcome.
	if s.opts.HasIconClickHandler != nil && s.opts.HasIconClickHandler() {
		return
	}
	if s.opts.DashboardPage == "" || s.tabs == nil {
		return
	}
	if _, err := s.tabs.Create(context.Background(), s.opts.DashboardPage, true); err != nil {
		s.log.Warn(logging.CategoryLifecycle, "dashboard open failed", err.Error())
	}
}
