package keepalive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
)

func TestStartCreatesNamedAlarm(t *testing.T) {
	defer goleak.VerifyNone(t)
	alarms := hostapi.NewFakeAlarms()
	k := New(alarms, "bg-keepalive", time.Minute, nil, nil)
	require.NoError(t, k.Start())
	require.True(t, alarms.Active("bg-keepalive"))
	require.NoError(t, k.Stop())
	require.False(t, alarms.Active("bg-keepalive"))
}

func TestTickRecordsHeartbeat(t *testing.T) {
	defer goleak.VerifyNone(t)
	alarms := hostapi.NewFakeAlarms()
	k := New(alarms, "bg-keepalive", time.Minute, nil, nil)
	require.NoError(t, k.Start())
	defer k.Stop()

	var gotTicks []int
	k.OnTick(func(tick int) { gotTicks = append(gotTicks, tick) })

	alarms.Fire("bg-keepalive")
	alarms.Fire("bg-keepalive")

	require.Equal(t, []int{1, 2}, gotTicks)
}

func TestHealthReflectsStatusAndHeartbeatAge(t *testing.T) {
	defer goleak.VerifyNone(t)
	alarms := hostapi.NewFakeAlarms()
	status := StatusReady
	k := New(alarms, "bg-keepalive", 10*time.Millisecond, func() Status { return status }, nil)
	require.NoError(t, k.Start())
	defer k.Stop()

	h := k.Health()
	require.True(t, h.KeepaliveActive)
	require.True(t, h.Healthy)

	status = "degraded"
	h = k.Health()
	require.False(t, h.Healthy)
}

func TestStopClearsAlarmAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	alarms := hostapi.NewFakeAlarms()
	k := New(alarms, "bg-keepalive", time.Minute, nil, nil)
	require.NoError(t, k.Start())
	require.NoError(t, k.Stop())
	require.NoError(t, k.Stop())
	require.False(t, k.Active())
}
