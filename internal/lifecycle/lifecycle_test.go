package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
)

func TestInstallClassificationAndDashboard(t *testing.T) {
	lc := hostapi.NewFakeLifecycle()
	tabs := hostapi.NewFakeTabs()
	sup := New(lc, tabs, nil, Options{DashboardPage: "dashboard.html"}, nil)
	require.NoError(t, sup.Start(context.Background()))

	lc.FireInstalled(hostapi.InstallEvent{Reason: hostapi.ReasonInstall})
	require.Equal(t, 1, sup.Stats().InstallCount)
	require.Len(t, tabs.Created(), 1)

	lc.FireInstalled(hostapi.InstallEvent{Reason: hostapi.ReasonChromeUpdate})
	require.Equal(t, 1, sup.Stats().ChromeUpdateCount)
	require.Len(t, tabs.Created(), 1) // no reopen for chrome_update

	lc.FireInstalled(hostapi.InstallEvent{Reason: hostapi.ReasonUpdate})
	require.Equal(t, 1, sup.Stats().UpdateCount)
	require.Len(t, tabs.Created(), 2)
}

func TestIconClickSuppressedWhenUserHandlerRegistered(t *testing.T) {
	lc := hostapi.NewFakeLifecycle()
	tabs := hostapi.NewFakeTabs()
	hasHandler := true
	sup := New(lc, tabs, nil, Options{
		DashboardPage:       "dashboard.html",
		HasIconClickHandler: func() bool { return hasHandler },
	}, nil)
	require.NoError(t, sup.Start(context.Background()))

	lc.FireClicked(1)
	require.Equal(t, 1, sup.Stats().IconClickedCount)
	require.Empty(t, tabs.Created())

	hasHandler = false
	lc.FireClicked(2)
	require.Len(t, tabs.Created(), 1)
}

func TestPersistenceGrantRequestedOnStart(t *testing.T) {
	lc := hostapi.NewFakeLifecycle()
	persistence := hostapi.NewFakePersistence()
	sup := New(lc, nil, persistence, Options{RequestPersistence: true}, nil)
	require.NoError(t, sup.Start(context.Background()))
	require.True(t, sup.Stats().StoragePersisted)
	require.False(t, sup.Stats().StorageDenied)
}

func TestStopUnsubscribesEverything(t *testing.T) {
	lc := hostapi.NewFakeLifecycle()
	sup := New(lc, nil, nil, Options{}, nil)
	require.NoError(t, sup.Start(context.Background()))
	require.NoError(t, sup.Stop(context.Background()))

	lc.FireStartup()
	require.Equal(t, 0, sup.Stats().StartupCount)
}
