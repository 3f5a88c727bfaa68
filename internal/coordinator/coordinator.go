// Package coordinator implements the service coordinator: it composes
// lifecycle, navigation, keepalive, the message bus and the persistent
// state cache, runs ordered init/start/stop sequences, and exposes a
// health snapshot over every owned component.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/keepalive"
	"github.com/pharrisenterprises/sammy-sub004/internal/lifecycle"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
	"github.com/pharrisenterprises/sammy-sub004/internal/navigation"
	"github.com/pharrisenterprises/sammy-sub004/internal/statecache"
)

// Status is the coordinator's own lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusReady         Status = "ready"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusStopped       Status = "stopped"
	StatusError         Status = "error"
)

// Component is anything the coordinator starts/stops in order. Additional
// components registered after Start are auto-started.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ComponentHealth is one entry in the coordinator's health snapshot.
type ComponentHealth struct {
	Name   string
	Active bool
	Stats  any
}

// Health is the coordinator's health snapshot.
type Health struct {
	Status     Status
	Uptime     time.Duration
	StartedAt  time.Time
	LastActivity time.Time
	Components []ComponentHealth
}

// funcComponent adapts plain start/stop funcs to Component.
type funcComponent struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

func (f funcComponent) Name() string                    { return f.name }
func (f funcComponent) Start(ctx context.Context) error { return f.start(ctx) }
func (f funcComponent) Stop(ctx context.Context) error  { return f.stop(ctx) }

// Coordinator composes the background components. The orchestrator is not
// owned here; it is driven separately against a live Coordinator's
// collaborators.
type Coordinator struct {
	cfg *config.Config
	log *logging.Logger

	Cache      *statecache.Cache
	Bus        *bus.Bus
	Lifecycle  *lifecycle.Supervisor
	Navigation *navigation.Supervisor
	Keepalive  *keepalive.Keepalive

	mu         sync.Mutex
	status     Status
	startedAt  time.Time
	lastActivity time.Time
	extra      []Component
	started    map[string]bool
	errors     map[string]error
}

// Options bundles the host-surface handles and config a Coordinator composes.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	Cache      *statecache.Cache
	Bus        *bus.Bus
	Lifecycle  *lifecycle.Supervisor
	Navigation *navigation.Supervisor
	Keepalive  *keepalive.Keepalive
}

// New constructs a Coordinator in the uninitialized state.
func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Coordinator{
		cfg:        opts.Config,
		log:        log,
		Cache:      opts.Cache,
		Bus:        opts.Bus,
		Lifecycle:  opts.Lifecycle,
		Navigation: opts.Navigation,
		Keepalive:  opts.Keepalive,
		status:     StatusUninitialized,
		started:    make(map[string]bool),
		errors:     make(map[string]error),
	}
}

// Status returns the coordinator's current status.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// RegisterComponent adds an additional component. If the coordinator has
// already started, the component is started immediately.
func (c *Coordinator) RegisterComponent(comp Component) error {
	c.mu.Lock()
	c.extra = append(c.extra, comp)
	running := c.status == StatusRunning
	c.mu.Unlock()
	if running {
		return c.startOne(context.Background(), comp)
	}
	return nil
}

// Initialize restores persisted state from the cache and marks the
// coordinator ready. It does not attach bus handlers or wire lifecycle
// callbacks; callers register those themselves.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.setStatus(StatusInitializing)

	if c.Cache != nil {
		if err := c.Cache.Restore(ctx); err != nil {
			c.setStatus(StatusError)
			return fmt.Errorf("coordinator: restore state: %w", err)
		}
	}

	// Handler-registry attachment and lifecycle-callback wiring are performed
	// by the caller via RegisterComponent / Bus.RegisterHandler before Start;
	// Initialize's contract is to guarantee the cache is restored first so
	// those registrations can read persisted state immediately.

	c.setStatus(StatusReady)
	return nil
}

// Start starts lifecycle, then navigation, then keepalive, then every
// registered extra component, in that order.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.startedAt = time.Now()
	extra := append([]Component{}, c.extra...)
	c.mu.Unlock()

	if c.Lifecycle != nil {
		if err := c.startOne(ctx, funcComponent{name: "lifecycle", start: c.Lifecycle.Start, stop: c.Lifecycle.Stop}); err != nil {
			c.setStatus(StatusError)
			return err
		}
	}
	if c.Navigation != nil {
		if err := c.startOne(ctx, funcComponent{name: "navigation", start: func(context.Context) error { return c.Navigation.Start() }, stop: func(context.Context) error { return c.Navigation.Stop() }}); err != nil {
			c.setStatus(StatusError)
			return err
		}
	}
	if c.Keepalive != nil {
		if err := c.startOne(ctx, funcComponent{name: "keepalive", start: func(context.Context) error { return c.Keepalive.Start() }, stop: func(context.Context) error { return c.Keepalive.Stop() }}); err != nil {
			c.setStatus(StatusError)
			return err
		}
	}
	for _, comp := range extra {
		if err := c.startOne(ctx, comp); err != nil {
			c.setStatus(StatusError)
			return err
		}
	}

	c.setStatus(StatusRunning)
	return nil
}

func (c *Coordinator) startOne(ctx context.Context, comp Component) error {
	if err := comp.Start(ctx); err != nil {
		c.mu.Lock()
		c.errors[comp.Name()] = err
		c.mu.Unlock()
		c.log.Error(logging.CategoryCoordinator, "component start failed", map[string]string{"component": comp.Name(), "error": err.Error()})
		return fmt.Errorf("coordinator: start %s: %w", comp.Name(), err)
	}
	c.mu.Lock()
	c.started[comp.Name()] = true
	delete(c.errors, comp.Name())
	c.mu.Unlock()
	return nil
}

// Stop reverses Start's order (extra components, then keepalive, then
// navigation, then lifecycle), saving a state snapshot first when one is supplied. Any single
// component's Stop failure is caught and recorded; it never aborts the
// teardown of its peers.
func (c *Coordinator) Stop(ctx context.Context, snapshot *statecache.Snapshot) error {
	c.setStatus(StatusStopping)

	if snapshot != nil && c.Cache != nil {
		if err := c.Cache.SaveSnapshot(ctx, *snapshot); err != nil {
			c.log.Error(logging.CategoryCoordinator, "snapshot save failed on stop", err.Error())
		}
	}

	c.mu.Lock()
	extra := append([]Component{}, c.extra...)
	c.mu.Unlock()

	var eg errgroup.Group
	results := make(map[string]error, len(extra))
	var resultsMu sync.Mutex
	for _, comp := range extra {
		comp := comp
		eg.Go(func() error {
			err := comp.Stop(ctx)
			resultsMu.Lock()
			results[comp.Name()] = err
			resultsMu.Unlock()
			return nil // never propagate: errgroup.Wait must not short-circuit peers
		})
	}
	_ = eg.Wait()

	if c.Keepalive != nil {
		if err := c.Keepalive.Stop(); err != nil {
			results["keepalive"] = err
		}
	}
	if c.Navigation != nil {
		if err := c.Navigation.Stop(); err != nil {
			results["navigation"] = err
		}
	}
	if c.Lifecycle != nil {
		if err := c.Lifecycle.Stop(ctx); err != nil {
			results["lifecycle"] = err
		}
	}

	var firstErr error
	for name, err := range results {
		if err == nil {
			continue
		}
		c.log.Error(logging.CategoryCoordinator, "component stop failed", map[string]string{"component": name, "error": err.Error()})
		if firstErr == nil {
			firstErr = fmt.Errorf("coordinator: stop %s: %w", name, err)
		}
	}

	c.setStatus(StatusStopped)
	return firstErr
}

// Health assembles a snapshot of every owned and registered component.
func (c *Coordinator) Health() Health {
	c.mu.Lock()
	status := c.status
	startedAt := c.startedAt
	lastActivity := c.lastActivity
	extra := append([]Component{}, c.extra...)
	c.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}

	var comps []ComponentHealth
	if c.Keepalive != nil {
		kh := c.Keepalive.Health()
		comps = append(comps, ComponentHealth{Name: "keepalive", Active: kh.KeepaliveActive, Stats: kh})
	}
	if c.Navigation != nil {
		comps = append(comps, ComponentHealth{Name: "navigation", Active: true, Stats: c.Navigation.Stats()})
	}
	if c.Lifecycle != nil {
		comps = append(comps, ComponentHealth{Name: "lifecycle", Active: true, Stats: c.Lifecycle.Stats()})
	}
	for _, comp := range extra {
		if hc, ok := comp.(interface{ Healthy() bool }); ok {
			comps = append(comps, ComponentHealth{Name: comp.Name(), Active: hc.Healthy()})
		} else {
			comps = append(comps, ComponentHealth{Name: comp.Name(), Active: status == StatusRunning})
		}
	}

	return Health{
		Status:       status,
		Uptime:       uptime,
		StartedAt:    startedAt,
		LastActivity: lastActivity,
		Components:   comps,
	}
}

// Snapshot packs the given values into a persisted-state snapshot that a
// caller can hand to Stop.
func (c *Coordinator) Snapshot(ctx context.Context, openedTabID *int, trackedTabs []statecache.TrackedTabSlot, activeProjectID *int, recording *statecache.RecordingState) statecache.Snapshot {
	return statecache.Snapshot{
		OpenedTabID:     openedTabID,
		TrackedTabs:     trackedTabs,
		ActiveProjectID: activeProjectID,
		RecordingState:  recording,
	}
}

// AlarmHealthStatus adapts the coordinator's own status to keepalive's
// status type so Keepalive.Health can judge "status == ready".
func (c *Coordinator) AlarmHealthStatus() keepalive.Status {
	if c.Status() == StatusRunning {
		return keepalive.StatusReady
	}
	return keepalive.Status(c.Status())
}
