package navigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
)

type injectCall struct {
	tabID     int
	allFrames bool
	world     config.InjectionWorld
}

func countingInjector() (Injector, func() []injectCall) {
	var mu sync.Mutex
	var calls []injectCall
	fn := func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool {
		mu.Lock()
		calls = append(calls, injectCall{tabID, allFrames, world})
		mu.Unlock()
		return true
	}
	return fn, func() []injectCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]injectCall{}, calls...)
	}
}

func testCfg() config.InjectionConfig {
	return config.InjectionConfig{
		ReinjectOnNavigation: true,
		NavigationDelay:      30 * time.Millisecond,
		AllFrames:            true,
		World:                config.WorldIsolated,
	}
}

func TestReinjectDebounceCoalescesBurst(t *testing.T) {
	defer goleak.VerifyNone(t)
	nav := hostapi.NewFakeNavigation()
	tabs := hostapi.NewFakeTabs()
	injector, calls := countingInjector()
	sup := New(nav, tabs, injector, testCfg(), nil)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	sup.Track(7, "https://example.com")

	nav.FireCommitted(hostapi.NavEvent{TabID: 7, FrameID: 0})
	time.Sleep(10 * time.Millisecond)
	nav.FireCommitted(hostapi.NavEvent{TabID: 7, FrameID: 0})
	time.Sleep(10 * time.Millisecond)
	nav.FireCommitted(hostapi.NavEvent{TabID: 7, FrameID: 0})

	time.Sleep(80 * time.Millisecond)

	got := calls()
	require.Len(t, got, 1)
	require.Equal(t, 7, got[0].tabID)
	require.True(t, got[0].allFrames)

	stats := sup.Stats()
	require.Equal(t, 1, stats.ReinjectionAttempts)
	require.Equal(t, 1, stats.ReinjectionSuccesses)
}

func TestUntrackedTabIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)
	nav := hostapi.NewFakeNavigation()
	tabs := hostapi.NewFakeTabs()
	injector, calls := countingInjector()
	sup := New(nav, tabs, injector, testCfg(), nil)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	nav.FireCommitted(hostapi.NavEvent{TabID: 99, FrameID: 0})
	time.Sleep(80 * time.Millisecond)

	require.Empty(t, calls())
}

func TestNonMainFrameDoesNotTriggerReinjection(t *testing.T) {
	defer goleak.VerifyNone(t)
	nav := hostapi.NewFakeNavigation()
	tabs := hostapi.NewFakeTabs()
	injector, calls := countingInjector()
	sup := New(nav, tabs, injector, testCfg(), nil)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	sup.Track(7, "https://example.com")
	nav.FireCommitted(hostapi.NavEvent{TabID: 7, FrameID: 3})
	time.Sleep(80 * time.Millisecond)

	require.Empty(t, calls())
}

func TestTabRemovedUntracksAndInvokesCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	nav := hostapi.NewFakeNavigation()
	tabs := hostapi.NewFakeTabs()
	injector, _ := countingInjector()
	sup := New(nav, tabs, injector, testCfg(), nil)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	sup.Track(7, "https://example.com")

	var removed int
	var mu sync.Mutex
	sup.OnTabRemoved(func(tabID int) {
		mu.Lock()
		removed = tabID
		mu.Unlock()
	})

	tabs.SetURL(7, "https://example.com")
	_, err := tabs.Create(context.Background(), "https://example.com", true)
	require.NoError(t, err)
	require.NoError(t, tabs.Close(context.Background(), 7))

	mu.Lock()
	got := removed
	mu.Unlock()
	require.Equal(t, 7, got)
	require.False(t, sup.IsTracked(7))
}

func TestForceInjectionCancelsPendingAndRunsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)
	nav := hostapi.NewFakeNavigation()
	tabs := hostapi.NewFakeTabs()
	injector, calls := countingInjector()
	cfg := testCfg()
	cfg.NavigationDelay = 500 * time.Millisecond
	sup := New(nav, tabs, injector, cfg, nil)
	require.NoError(t, sup.Start())
	defer sup.Stop()

	sup.Track(7, "https://example.com")
	nav.FireCommitted(hostapi.NavEvent{TabID: 7, FrameID: 0})

	ok := sup.ForceInjection(context.Background(), 7)
	require.True(t, ok)
	require.Len(t, calls(), 1)

	time.Sleep(600 * time.Millisecond)
	require.Len(t, calls(), 1, "pending timer must have been canceled by ForceInjection")
}
