package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/keepalive"
	"github.com/pharrisenterprises/sammy-sub004/internal/lifecycle"
	"github.com/pharrisenterprises/sammy-sub004/internal/navigation"
	"github.com/pharrisenterprises/sammy-sub004/internal/statecache"
)

func buildCoordinator(t *testing.T) (*Coordinator, *hostapi.FakeAlarms, *hostapi.FakeKVStore) {
	t.Helper()
	cfg := config.DefaultConfig().ApplyPreset(config.PresetTesting)
	kv := hostapi.NewFakeKVStore()
	cache := statecache.New(statecache.Options{KeyPrefix: cfg.State.KeyPrefix, SaveDebounce: cfg.State.SaveDebounce, AutoRestore: cfg.State.AutoRestore, StorageType: cfg.State.StorageType, Local: kv})

	lc := hostapi.NewFakeLifecycle()
	tabs := hostapi.NewFakeTabs()
	persistence := hostapi.NewFakePersistence()
	sup := lifecycle.New(lc, tabs, persistence, lifecycle.Options{}, nil)

	navEvents := hostapi.NewFakeNavigation()
	navSup := navigation.New(navEvents, tabs, func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool { return true }, cfg.Injection, nil)

	alarms := hostapi.NewFakeAlarms()
	ka := keepalive.New(alarms, cfg.Keepalive.AlarmName, cfg.Keepalive.Interval(), nil, nil)

	b := bus.New(nil)

	c := New(Options{Config: cfg, Cache: cache, Bus: b, Lifecycle: sup, Navigation: navSup, Keepalive: ka})
	return c, alarms, kv
}

func TestInitializeRestoresStateBeforeReady(t *testing.T) {
	c, _, kv := buildCoordinator(t)
	require.NoError(t, kv.Set(context.Background(), map[string]any{"bg_openedTabId": 42}))

	require.NoError(t, c.Initialize(context.Background()))
	require.Equal(t, StatusReady, c.Status())

	id, ok, err := c.Cache.OpenedTabID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 42, id)
}

func TestStartRunsCoordinatorAndActivatesKeepalive(t *testing.T) {
	c, alarms, _ := buildCoordinator(t)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, StatusRunning, c.Status())
	require.True(t, alarms.Active(c.cfg.Keepalive.AlarmName))
}

type failingComponent struct {
	name     string
	stopErr  error
	stopped  *bool
}

func (f failingComponent) Name() string { return f.name }
func (f failingComponent) Start(ctx context.Context) error { return nil }
func (f failingComponent) Stop(ctx context.Context) error {
	*f.stopped = true
	return f.stopErr
}

func TestStopDoesNotAbortOnOneComponentFailure(t *testing.T) {
	c, _, _ := buildCoordinator(t)
	require.NoError(t, c.Initialize(context.Background()))

	var aStopped, bStopped bool
	require.NoError(t, c.RegisterComponent(failingComponent{name: "a", stopErr: fmt.Errorf("boom"), stopped: &aStopped}))
	require.NoError(t, c.RegisterComponent(failingComponent{name: "b", stopErr: nil, stopped: &bStopped}))

	require.NoError(t, c.Start(context.Background()))
	err := c.Stop(context.Background(), nil)

	require.Error(t, err)
	require.True(t, aStopped)
	require.True(t, bStopped, "peer teardown must still run after component a's Stop failed")
	require.Equal(t, StatusStopped, c.Status())
}

func TestStopSavesSnapshotFirst(t *testing.T) {
	c, _, kv := buildCoordinator(t)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	id := 7
	snap := statecache.Snapshot{OpenedTabID: &id}
	require.NoError(t, c.Stop(context.Background(), &snap))

	data, err := kv.GetAll(context.Background())
	require.NoError(t, err)
	require.Contains(t, data, "bg_persistedState")
}

func TestHealthReportsComponents(t *testing.T) {
	c, _, _ := buildCoordinator(t)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop(context.Background(), nil)

	h := c.Health()
	require.Equal(t, StatusRunning, h.Status)
	require.GreaterOrEqual(t, h.Uptime, time.Duration(0))

	var names []string
	for _, comp := range h.Components {
		names = append(names, comp.Name)
	}
	require.Contains(t, names, "keepalive")
	require.Contains(t, names, "navigation")
	require.Contains(t, names, "lifecycle")
}
