// Package statecache implements the persistent state cache: a write-through
// map from string keys to JSON-serializable values, backed by a
// hostapi.KVStore, with a write-debouncer and change notifications.
package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
)

// ChangeEvent is emitted whenever save/delete mutates a key.
type ChangeEvent struct {
	Key       string // user key, not fullKey
	OldValue  any
	NewValue  any // nil/absent for delete
	Deleted   bool
	Timestamp time.Time
}

// Snapshot is the well-known "persistedState" shape.
type Snapshot struct {
	OpenedTabID      *int             `json:"openedTabId"`
	TrackedTabs      []TrackedTabSlot `json:"trackedTabs"`
	ActiveProjectID  *int             `json:"activeProjectId"`
	RecordingState   *RecordingState  `json:"recordingState"`
	LastUpdated      string           `json:"lastUpdated"`
	Version          int              `json:"version"`
}

// TrackedTabSlot is one element of the persisted trackedTabs array.
type TrackedTabSlot struct {
	TabID     int    `json:"tabId"`
	ProjectID *int   `json:"projectId,omitempty"`
	URL       string `json:"url"`
	Injected  bool   `json:"injected"`
	TrackedAt string `json:"trackedAt"`
}

// RecordingState is the persisted "recordingState" shape.
type RecordingState struct {
	ProjectID   int    `json:"projectId"`
	TabID       int    `json:"tabId"`
	IsRecording bool   `json:"isRecording"`
	StepCount   int    `json:"stepCount"`
	StartedAt   string `json:"startedAt"`
}

// CurrentSnapshotVersion is the only version this cache reads without
// rejecting. Unknown or higher versions are rejected, not migrated: a
// revived process must never read a schema it only partially understands.
const CurrentSnapshotVersion = 1

// Well-known key names (unprefixed; Cache adds the configured prefix).
const (
	KeyOpenedTabID     = "openedTabId"
	KeyTrackedTabs     = "trackedTabs"
	KeyActiveProject   = "activeProject"
	KeyRecordingState  = "recordingState"
	KeyPersistedState  = "persistedState"
	KeyLastUpdated     = "lastUpdated"
)

// Backend selects which host-provided store a Cache writes through to.
type Backend int

const (
	BackendLocal Backend = iota
	BackendSession
)

// Cache is the persistent, write-through, debounced key-value cache.
type Cache struct {
	mu sync.RWMutex

	prefix       string
	debounce     time.Duration
	autoRestore  bool

	local   hostapi.KVStore
	session hostapi.KVStore // may be nil if the host offers no session store
	backend Backend

	cache   map[string]any // fullKey -> value
	pending map[string]any // fullKey -> value awaiting flush

	cacheInitialized bool
	errorCount       int

	flushTimer *time.Timer
	flushGroup singleflight.Group

	listeners []func(ChangeEvent)
	log       *logging.Logger
}

// Options configures a new Cache.
type Options struct {
	KeyPrefix    string
	SaveDebounce time.Duration
	AutoRestore  bool
	StorageType  string // "local" | "session"
	Local        hostapi.KVStore
	Session      hostapi.KVStore
	Logger       *logging.Logger
}

// New constructs a Cache per Options. Storage defaults to local; if
// StorageType == "session" and a session store was supplied, that backend is
// used instead.
func New(opts Options) *Cache {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	backend := BackendLocal
	if opts.StorageType == "session" && opts.Session != nil {
		backend = BackendSession
	}
	return &Cache{
		prefix:      opts.KeyPrefix,
		debounce:    opts.SaveDebounce,
		autoRestore: opts.AutoRestore,
		local:       opts.Local,
		session:     opts.Session,
		backend:     backend,
		cache:       make(map[string]any),
		pending:     make(map[string]any),
		log:         log,
	}
}

func (c *Cache) store() hostapi.KVStore {
	if c.backend == BackendSession && c.session != nil {
		return c.session
	}
	return c.local
}

// fullKey prefixes k unless it is already prefixed; a key that already
// begins with the prefix is never double-prefixed.
func (c *Cache) fullKey(k string) string {
	if strings.HasPrefix(k, c.prefix) {
		return k
	}
	return c.prefix + k
}

func (c *Cache) userKey(fullKey string) string {
	return strings.TrimPrefix(fullKey, c.prefix)
}

// OnChange registers a listener invoked synchronously after every save/delete.
func (c *Cache) OnChange(fn func(ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Cache) notify(e ChangeEvent) {
	c.mu.RLock()
	ls := append([]func(ChangeEvent){}, c.listeners...)
	c.mu.RUnlock()
	for _, l := range ls {
		l(e)
	}
}

// Save updates the cache synchronously, enqueues the write, and schedules a
// debounced flush. If SaveDebounce == 0 the write is issued immediately.
func (c *Cache) Save(ctx context.Context, key string, value any) error {
	fk := c.fullKey(key)

	c.mu.Lock()
	old, hadOld := c.cache[fk]
	c.cache[fk] = value
	c.pending[fk] = value
	c.mu.Unlock()

	var oldVal any
	if hadOld {
		oldVal = old
	}
	c.notify(ChangeEvent{Key: c.userKey(fk), OldValue: oldVal, NewValue: value, Timestamp: time.Now()})

	if c.debounce <= 0 {
		return c.FlushPending(ctx)
	}
	c.scheduleFlush(ctx)
	return nil
}

func (c *Cache) scheduleFlush(ctx context.Context) {
	c.mu.Lock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
	}
	c.flushTimer = time.AfterFunc(c.debounce, func() {
		if err := c.FlushPending(ctx); err != nil {
			c.log.Error(logging.CategoryStateCache, "debounced flush failed", err)
		}
	})
	c.mu.Unlock()
}

// FlushPending batches every pending write into one backing-store Set call
// and clears the pending map. Concurrent callers are coalesced via
// singleflight so a burst of triggers issues at most one in-flight Set.
func (c *Cache) FlushPending(ctx context.Context) error {
	_, err, _ := c.flushGroup.Do("flush", func() (any, error) {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return nil, nil
		}
		batch := make(map[string]any, len(c.pending))
		for k, v := range c.pending {
			batch[k] = v
		}
		c.pending = make(map[string]any)
		c.mu.Unlock()

		if err := c.store().Set(ctx, batch); err != nil {
			c.mu.Lock()
			c.errorCount++
			c.mu.Unlock()
			c.log.Error(logging.CategoryStateCache, "backing store Set failed", err)
			return nil, fmt.Errorf("statecache: flush: %w", err)
		}
		return nil, nil
	})
	return err
}

// Load reads key, preferring the in-memory cache (write-through visibility:
// a just-written value is visible before any backing-store write resolves).
func Load[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T
	fk := c.fullKey(key)

	c.mu.RLock()
	v, ok := c.cache[fk]
	c.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	typed, err := coerce[T](v)
	if err != nil {
		return zero, false, fmt.Errorf("statecache: load %q: %w", key, err)
	}
	return typed, true, nil
}

func coerce[T any](v any) (T, error) {
	var zero T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	// Round-trip through JSON to coerce e.g. map[string]any into a struct T,
	// matching what a real KV store would hand back after deserialization.
	b, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, err
	}
	return out, nil
}

// Delete removes key from the cache and pending writes, issues a backing
// remove, and emits a change event with NewValue undefined.
func (c *Cache) Delete(ctx context.Context, key string) error {
	fk := c.fullKey(key)

	c.mu.Lock()
	old, hadOld := c.cache[fk]
	delete(c.cache, fk)
	delete(c.pending, fk)
	c.mu.Unlock()

	if err := c.store().Remove(ctx, []string{fk}); err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		c.log.Error(logging.CategoryStateCache, "backing store Remove failed", err)
		return fmt.Errorf("statecache: delete %q: %w", key, err)
	}

	var oldVal any
	if hadOld {
		oldVal = old
	}
	c.notify(ChangeEvent{Key: key, OldValue: oldVal, Deleted: true, Timestamp: time.Now()})
	return nil
}

// Clear removes every prefixed key from the backing store and empties the cache.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.cache))
	for k := range c.cache {
		keys = append(keys, k)
	}
	c.cache = make(map[string]any)
	c.pending = make(map[string]any)
	c.mu.Unlock()

	all, err := c.store().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("statecache: clear: %w", err)
	}
	for k := range all {
		if strings.HasPrefix(k, c.prefix) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.store().Remove(ctx, keys); err != nil {
		return fmt.Errorf("statecache: clear: %w", err)
	}
	return nil
}

// Restore reads every prefixed entry from the backing store into the cache.
// A no-op if AutoRestore is false.
func (c *Cache) Restore(ctx context.Context) error {
	if !c.autoRestore {
		return nil
	}
	all, err := c.store().GetAll(ctx)
	if err != nil {
		c.mu.Lock()
		c.errorCount++
		c.mu.Unlock()
		return fmt.Errorf("statecache: restore: %w", err)
	}
	c.mu.Lock()
	for k, v := range all {
		if strings.HasPrefix(k, c.prefix) {
			c.cache[k] = v
		}
	}
	c.cacheInitialized = true
	c.mu.Unlock()
	return nil
}

// Keys returns every user-facing (unprefixed) key currently cached.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.cache))
	for k := range c.cache {
		out = append(out, c.userKey(k))
	}
	return out
}

// Initialized reports whether Restore has completed at least once.
func (c *Cache) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cacheInitialized
}

// ErrorCount returns the number of backing-store failures observed so far.
func (c *Cache) ErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorCount
}

// --- Well-known key accessors ---

func (c *Cache) OpenedTabID(ctx context.Context) (int, bool, error) {
	return Load[int](ctx, c, KeyOpenedTabID)
}

func (c *Cache) SetOpenedTabID(ctx context.Context, tabID int) error {
	return c.Save(ctx, KeyOpenedTabID, tabID)
}

func (c *Cache) TrackedTabs(ctx context.Context) ([]TrackedTabSlot, bool, error) {
	return Load[[]TrackedTabSlot](ctx, c, KeyTrackedTabs)
}

func (c *Cache) SetTrackedTabs(ctx context.Context, tabs []TrackedTabSlot) error {
	return c.Save(ctx, KeyTrackedTabs, tabs)
}

func (c *Cache) ActiveProjectID(ctx context.Context) (int, bool, error) {
	return Load[int](ctx, c, KeyActiveProject)
}

func (c *Cache) SetActiveProjectID(ctx context.Context, projectID int) error {
	return c.Save(ctx, KeyActiveProject, projectID)
}

func (c *Cache) RecordingState(ctx context.Context) (RecordingState, bool, error) {
	return Load[RecordingState](ctx, c, KeyRecordingState)
}

func (c *Cache) SetRecordingState(ctx context.Context, rs RecordingState) error {
	return c.Save(ctx, KeyRecordingState, rs)
}

// SaveSnapshot persists the full snapshot shape used across process revivals.
func (c *Cache) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	snap.Version = CurrentSnapshotVersion
	snap.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if err := c.Save(ctx, KeyPersistedState, snap); err != nil {
		return err
	}
	return c.Save(ctx, KeyLastUpdated, snap.LastUpdated)
}

// ErrUnsupportedSnapshotVersion is returned by LoadSnapshot when the
// persisted snapshot carries a version this cache does not understand.
var ErrUnsupportedSnapshotVersion = fmt.Errorf("statecache: unsupported snapshot version")

// LoadSnapshot reads back the full snapshot, rejecting unknown/higher
// versions.
func (c *Cache) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	snap, ok, err := Load[Snapshot](ctx, c, KeyPersistedState)
	if err != nil || !ok {
		return Snapshot{}, ok, err
	}
	if snap.Version != CurrentSnapshotVersion {
		return Snapshot{}, false, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedSnapshotVersion, snap.Version, CurrentSnapshotVersion)
	}
	return snap, true, nil
}
