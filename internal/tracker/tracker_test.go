package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultsCounts(t *testing.T) {
	r := NewResults()
	r.Record(StepOutcome{RowIndex: 0, StepIndex: 0, Status: StepPassed})
	r.Record(StepOutcome{RowIndex: 0, StepIndex: 1, Status: StepFailed})
	r.Record(StepOutcome{RowIndex: 1, StepIndex: 0, Status: StepSkipped})

	passed, failed, skipped := r.Counts()
	require.Equal(t, 1, passed)
	require.Equal(t, 1, failed)
	require.Equal(t, 1, skipped)

	require.Len(t, r.ForRow(0), 2)
	require.Len(t, r.ForRow(1), 1)
}

func TestLogConcatOrdersEntries(t *testing.T) {
	l := NewLog()
	l.Info("row started")
	l.Error("step failed")
	l.Success("row completed")

	entries := l.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, LogInfo, entries[0].Level)

	require.Equal(t, "info row started\nerror step failed\nsuccess row completed", l.Concat())
}

func TestProgressSnapshotReflectsPositionAndCounts(t *testing.T) {
	results := NewResults()
	p := NewProgress(results)
	p.Start(3, 2)
	p.SetPosition(1, 0)
	results.Record(StepOutcome{RowIndex: 0, StepIndex: 0, Status: StepPassed})
	results.Record(StepOutcome{RowIndex: 0, StepIndex: 1, Status: StepPassed})

	snap := p.Snapshot()
	require.Equal(t, 1, snap.CurrentRow)
	require.Equal(t, 3, snap.TotalRows)
	require.Equal(t, 2, snap.Passed)
	require.Nil(t, snap.EstimatedRemaining, "no row durations recorded yet")
}

func TestProgressEstimatesRemainingFromRowDurations(t *testing.T) {
	p := NewProgress(nil)
	p.Start(4, 1)
	p.RowCompleted(100 * time.Millisecond)
	p.RowCompleted(200 * time.Millisecond)
	p.SetPosition(2, 0)

	snap := p.Snapshot()
	require.NotNil(t, snap.EstimatedRemaining)
	require.Equal(t, 300*time.Millisecond, *snap.EstimatedRemaining)
}
