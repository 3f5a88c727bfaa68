// Package hostapi declares the host-surface contract the coordination core
// consumes: alarm scheduler, lifecycle/navigation event buses, tab API,
// script injector, persistent key-value store, storage-persistence request,
// and the single message receiver. Every entry point here is injectable so
// the core can run against an in-memory fake (see fake.go) or a real
// browser-automation backend (see the rodhost sub-package).
package hostapi

import (
	"context"
	"time"
)

// InstallReason classifies why onInstalled fired.
type InstallReason string

const (
	ReasonInstall             InstallReason = "install"
	ReasonUpdate              InstallReason = "update"
	ReasonChromeUpdate        InstallReason = "chrome_update"
	ReasonSharedModuleUpdate  InstallReason = "shared_module_update"
)

// InstallEvent carries the onInstalled/onUpdate payload.
type InstallEvent struct {
	Reason          InstallReason
	PreviousVersion string
}

// TabStatus is a tracked tab's navigation lifecycle phase.
type TabStatus string

const (
	TabNavigating TabStatus = "navigating"
	TabLoading    TabStatus = "loading"
	TabComplete   TabStatus = "complete"
	TabError      TabStatus = "error"
)

// NavEvent is the common shape carried by every navigation callback.
type NavEvent struct {
	TabID                int
	FrameID              int
	URL                  string
	TimeStamp            time.Time
	TransitionType       string
	TransitionQualifiers []string
	ErrorText            string
}

// IsMainFrame reports whether this event is for the top-level frame.
func (e NavEvent) IsMainFrame() bool { return e.FrameID == 0 }

// Unsubscribe removes a previously registered listener.
type Unsubscribe func()

// AlarmScheduler schedules/clears named periodic alarms and delivers ticks.
type AlarmScheduler interface {
	Create(name string, period time.Duration) error
	Clear(name string) error
	OnAlarm(fn func(name string)) Unsubscribe
}

// LifecycleEvents delivers process/extension lifecycle signals.
type LifecycleEvents interface {
	OnInstalled(fn func(InstallEvent)) Unsubscribe
	OnStartup(fn func()) Unsubscribe
	OnSuspend(fn func()) Unsubscribe
	OnSuspendCanceled(fn func()) Unsubscribe
	OnClicked(fn func(tabID int)) Unsubscribe
}

// NavigationEvents delivers per-frame navigation lifecycle signals.
type NavigationEvents interface {
	OnBeforeNavigate(fn func(NavEvent)) Unsubscribe
	OnCommitted(fn func(NavEvent)) Unsubscribe
	OnDOMContentLoaded(fn func(NavEvent)) Unsubscribe
	OnCompleted(fn func(NavEvent)) Unsubscribe
	OnErrorOccurred(fn func(NavEvent)) Unsubscribe
	OnHistoryStateUpdated(fn func(NavEvent)) Unsubscribe
}

// TabAPI models the subset of the tabs surface the core needs.
type TabAPI interface {
	Create(ctx context.Context, url string, active bool) (tabID int, err error)
	Update(ctx context.Context, tabID int, active bool) error
	Query(ctx context.Context, urlPattern string) ([]int, error)
	Close(ctx context.Context, tabID int) error
	OnRemoved(fn func(tabID int, isWindowClosing bool)) Unsubscribe
	SendMessage(ctx context.Context, tabID int, message any) (response any, err error)
}

// ExecuteParams parameterizes a script injection call.
type ExecuteParams struct {
	TabID     int
	AllFrames bool
	World     string // "MAIN" | "ISOLATED"
	Files     []string
	Source    string // inline source, alternative to Files
}

// ScriptInjector injects the page agent into a tab.
type ScriptInjector interface {
	Execute(ctx context.Context, params ExecuteParams) error
}

// KVStore is the host's persistent key-value backing store
// (chrome.storage.local/.session equivalent).
type KVStore interface {
	Get(ctx context.Context, keys []string) (map[string]any, error)
	// GetAll returns every key/value pair currently stored, used by restore().
	GetAll(ctx context.Context) (map[string]any, error)
	Set(ctx context.Context, items map[string]any) error
	Remove(ctx context.Context, keys []string) error
	Clear(ctx context.Context) error
}

// StoragePersistence requests a durable-storage grant from the host.
type StoragePersistence interface {
	Persist(ctx context.Context) (bool, error)
	Persisted(ctx context.Context) (bool, error)
}

// Sender identifies the originator of an inbound message (unused fields kept
// nil in the in-memory fake; present for parity with the wire contract).
type Sender struct {
	TabID int
}
