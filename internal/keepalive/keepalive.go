// Package keepalive implements the keepalive component: a periodic no-op
// driven by a host alarm that keeps the coordinator resident between
// external events, plus a health snapshot.
package keepalive

import (
	"sync"
	"time"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
)

// Status is the coordinator status Health reads to decide healthiness.
type Status string

const (
	StatusReady Status = "ready"
)

// Health is the keepalive health snapshot.
type Health struct {
	KeepaliveActive   bool
	TimeSinceHeartbeat time.Duration
	Uptime             time.Duration
	Healthy            bool
}

// Keepalive creates a named periodic alarm and records a heartbeat on every tick.
type Keepalive struct {
	alarms   hostapi.AlarmScheduler
	alarmName string
	interval time.Duration
	log      *logging.Logger

	statusFn func() Status

	mu         sync.Mutex
	active     bool
	startedAt  time.Time
	lastBeat   time.Time
	ticks      int
	unsub      hostapi.Unsubscribe

	listeners []func(tick int)
}

// New constructs a Keepalive bound to alarms, named alarmName, ticking every
// interval. statusFn reports the owning coordinator's current status, used
// by Health's healthy computation; it may be nil (treated as always ready).
func New(alarms hostapi.AlarmScheduler, alarmName string, interval time.Duration, statusFn func() Status, log *logging.Logger) *Keepalive {
	if log == nil {
		log = logging.Nop()
	}
	if statusFn == nil {
		statusFn = func() Status { return StatusReady }
	}
	return &Keepalive{alarms: alarms, alarmName: alarmName, interval: interval, statusFn: statusFn, log: log}
}

// Start creates the alarm and subscribes to its ticks.
func (k *Keepalive) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.active {
		return nil
	}
	if err := k.alarms.Create(k.alarmName, k.interval); err != nil {
		return err
	}
	k.unsub = k.alarms.OnAlarm(k.onAlarm)
	k.active = true
	k.startedAt = time.Now()
	k.lastBeat = time.Now()
	return nil
}

// Stop clears the alarm and unsubscribes.
func (k *Keepalive) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.active {
		return nil
	}
	if k.unsub != nil {
		k.unsub()
		k.unsub = nil
	}
	k.active = false
	return k.alarms.Clear(k.alarmName)
}

func (k *Keepalive) onAlarm(name string) {
	if name != k.alarmName {
		return
	}
	k.mu.Lock()
	k.lastBeat = time.Now()
	k.ticks++
	tick := k.ticks
	k.mu.Unlock()
	k.log.Debug(logging.CategoryKeepalive, "heartbeat", tick)
	for _, fn := range k.listenersSnapshot() {
		fn(tick)
	}
}

func (k *Keepalive) listenersSnapshot() []func(int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]func(int){}, k.listeners...)
}

// OnTick registers a listener invoked on every heartbeat.
func (k *Keepalive) OnTick(fn func(tick int)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners, fn)
}

// Health returns the current health snapshot: healthy means the owner
// reports ready and the last heartbeat is younger than two intervals.
func (k *Keepalive) Health() Health {
	k.mu.Lock()
	active := k.active
	sinceBeat := time.Since(k.lastBeat)
	uptime := time.Duration(0)
	if active {
		uptime = time.Since(k.startedAt)
	}
	k.mu.Unlock()

	healthy := k.statusFn() == StatusReady && sinceBeat < 2*k.interval
	return Health{
		KeepaliveActive:    active,
		TimeSinceHeartbeat: sinceBeat,
		Uptime:             uptime,
		Healthy:            healthy,
	}
}

// Active reports whether the alarm is currently scheduled.
func (k *Keepalive) Active() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.active
}
