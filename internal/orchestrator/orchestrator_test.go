package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/pharrisenterprises/sammy-sub004/internal/config"
	"github.com/pharrisenterprises/sammy-sub004/internal/control"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/navigation"
	"github.com/pharrisenterprises/sammy-sub004/internal/session"
)

func injectionCfg() config.InjectionConfig {
	return config.InjectionConfig{
		ReinjectOnNavigation: true,
		NavigationDelay:      10 * time.Millisecond,
		AllFrames:            true,
		World:                config.WorldIsolated,
	}
}

type memProjects struct{ projects map[int]Project }

func (m memProjects) Load(ctx context.Context, id int) (Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("no such project %d", id)
	}
	return p, nil
}

type memRows struct{ rows map[int][]map[string]string }

func (m memRows) Rows(ctx context.Context, id int) ([]map[string]string, error) {
	return m.rows[id], nil
}

type memRuns struct {
	mu      sync.Mutex
	created []TestRunRecord
}

func (m *memRuns) Create(ctx context.Context, rec TestRunRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, rec)
	return "run-1", nil
}

func (m *memRuns) Update(ctx context.Context, runID string, rec TestRunRecord) error { return nil }

func loginProject() Project {
	return Project{
		ID:        1,
		TargetURL: "https://example.test/login",
		Steps: []Step{
			{Label: "Username", Event: "input", Value: ""},
			{Label: "Submit", Event: "click", Value: ""},
		},
		FieldMappings: []FieldMapping{
			{FieldName: "user", StepLabel: "Username", Mapped: true},
		},
	}
}

func buildTestOrchestrator(t *testing.T, project Project, rows []map[string]string, runs TestRunStore, responder func(tabID int, message any) (any, error)) (*Orchestrator, *hostapi.FakeTabs) {
	t.Helper()
	tabs := hostapi.NewFakeTabs()
	tabs.Responder = responder
	navEvents := hostapi.NewFakeNavigation()
	navSup := navigation.New(navEvents, tabs, func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool { return true }, injectionCfg(), nil)

	o := New(Options{
		Projects: memProjects{projects: map[int]Project{project.ID: project}},
		Rows:     memRows{rows: map[int][]map[string]string{project.ID: rows}},
		Runs:     runs,
		Tabs:     tabs,
		Nav:      navSup,
		Sessions: session.NewManager(),
	})
	return o, tabs
}

func alwaysOKResponder(tabID int, message any) (any, error) {
	m, _ := message.(map[string]any)
	if m["action"] == "__ping" {
		return true, nil
	}
	return true, nil
}

func TestRunPassesAllStepsAcrossRows(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}, {"user": "bob"}}
	o, _ := buildTestOrchestrator(t, project, rows, nil, alwaysOKResponder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalRows)
	require.Equal(t, 2, summary.PassedRows)
	require.Equal(t, 0, summary.FailedRows)
	require.Equal(t, 4, summary.PassedSteps)
	require.Equal(t, session.StatusCompleted, summary.Status)
	require.Equal(t, StateIdle, o.State())
}

func TestSkipRuleForUnmappedInputStep(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"other": "x"}}
	o, _ := buildTestOrchestrator(t, project, rows, nil, alwaysOKResponder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)
	require.Equal(t, 1, summary.SkippedSteps, "Username input has no CSV value in this row and must be skipped, not failed")
	require.Equal(t, 1, summary.PassedSteps, "Submit is a click step, unaffected by missing CSV data")
}

func TestSyntheticEmptyRowWhenNoCSVData(t *testing.T) {
	project := loginProject()
	o, _ := buildTestOrchestrator(t, project, nil, nil, alwaysOKResponder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalRows, "no CSV rows must still replay once against a synthetic empty row")
	require.Equal(t, 0, summary.SkippedSteps, "an empty row must not trigger the missing-value skip rule")
}

func TestContinueOnRowFailureFalseStopsAtFirstStepFailure(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}}
	calls := 0
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			return true, nil
		}
		calls++
		return calls != 1, nil // Username (first step) fails
	}
	o, _ := buildTestOrchestrator(t, project, rows, nil, responder)

	opts := DefaultRunOptions(project.ID)
	opts.ContinueOnRowFailure = false
	summary, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedSteps)
	require.Equal(t, 0, summary.PassedSteps, "Submit must never run once the row aborts on first failure")
	require.Equal(t, 1, summary.FailedRows)
}

func TestMaxRowFailuresStopsRunEarly(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "a"}, {"user": "b"}, {"user": "c"}}
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			return true, nil
		}
		return false, nil // every step fails
	}
	o, _ := buildTestOrchestrator(t, project, rows, nil, responder)

	opts := DefaultRunOptions(project.ID)
	opts.ContinueOnRowFailure = true
	opts.MaxRowFailures = 1
	summary, err := o.Run(context.Background(), opts)
	require.NoError(t, err, "a stop triggered by maxRowFailures is not an error condition")
	require.Equal(t, session.StatusStopped, summary.Status)
	require.Equal(t, 1, summary.FailedRows, "rows after the limit must never execute")
}

func TestAgentReadyRecoversAfterOneReinject(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}}
	pings := 0
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			pings++
			return pings > 1, nil
		}
		return true, nil
	}
	o, _ := buildTestOrchestrator(t, project, rows, nil, responder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)
	require.Equal(t, 2, pings, "exactly one re-ping after the single re-inject attempt")
	require.Equal(t, 2, summary.PassedSteps)
}

func TestPersistResultsWritesTestRunRecord(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}}
	runs := &memRuns{}
	o, _ := buildTestOrchestrator(t, project, rows, runs, alwaysOKResponder)

	opts := DefaultRunOptions(project.ID)
	opts.PersistResults = true
	_, err := o.Run(context.Background(), opts)
	require.NoError(t, err)

	runs.mu.Lock()
	defer runs.mu.Unlock()
	require.Len(t, runs.created, 1)
	require.Equal(t, project.ID, runs.created[0].ProjectID)
	require.Equal(t, session.StatusCompleted, runs.created[0].Status)
}

func TestCloseTabOnCompleteClosesAndUntracks(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}}
	o, tabs := buildTestOrchestrator(t, project, rows, nil, alwaysOKResponder)

	opts := DefaultRunOptions(project.ID)
	opts.CloseTabOnComplete = true
	_, err := o.Run(context.Background(), opts)
	require.NoError(t, err)

	created := tabs.Created()
	require.Len(t, created, 1)
	ids, err := tabs.Query(context.Background(), "")
	require.NoError(t, err)
	require.NotContains(t, ids, created[0], "tab must be closed when closeTabOnComplete is set")
}

func TestSingleRowRunInjectsMappedValue(t *testing.T) {
	project := Project{
		ID:        4,
		TargetURL: "https://example.test/form",
		Steps: []Step{
			{Label: "Open", Event: "click"},
			{Label: "Email", Event: "input"},
			{Label: "Submit", Event: "click"},
		},
	}
	var mu sync.Mutex
	var sent []map[string]any
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			return true, nil
		}
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		return true, nil
	}
	o, _ := buildTestOrchestrator(t, project, []map[string]string{{"Email": "a@b"}}, nil, responder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, sent, 3)
	require.Equal(t, "a@b", sent[1]["value"], "the input step must carry the row's Email value")
	mu.Unlock()

	want := Summary{
		SessionID:   summary.SessionID,
		Status:      session.StatusCompleted,
		TotalRows:   1,
		PassedRows:  1,
		TotalSteps:  3,
		PassedSteps: 3,
	}
	if diff := cmp.Diff(want, summary); diff != "" {
		t.Fatalf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckpointResumeCoversRemainingRows(t *testing.T) {
	project := Project{
		ID:        9,
		TargetURL: "https://example.test",
		Steps:     []Step{{Label: "Username", Event: "input"}},
	}
	rows := make([]map[string]string, 25)
	for i := range rows {
		rows[i] = map[string]string{"Username": fmt.Sprint(i)}
	}

	sessions := session.NewManager()
	var mu sync.Mutex
	var seen []*session.Session
	sessions.OnTransition(func(s *session.Session, _ session.Status) {
		mu.Lock()
		defer mu.Unlock()
		for _, existing := range seen {
			if existing == s {
				return
			}
		}
		seen = append(seen, s)
	})

	var o *Orchestrator
	var stopOnce sync.Once
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			return true, nil
		}
		if m["value"] == "10" {
			stopOnce.Do(func() { o.Stop(control.ReasonUserRequested, "simulated host kill") })
		}
		return true, nil
	}
	tabs := hostapi.NewFakeTabs()
	tabs.Responder = responder
	navEvents := hostapi.NewFakeNavigation()
	navSup := navigation.New(navEvents, tabs, func(ctx context.Context, tabID int, allFrames bool, world config.InjectionWorld) bool { return true }, injectionCfg(), nil)
	o = New(Options{
		Projects: memProjects{projects: map[int]Project{project.ID: project}},
		Rows:     memRows{rows: map[int][]map[string]string{project.ID: rows}},
		Tabs:     tabs,
		Nav:      navSup,
		Sessions: sessions,
	})

	opts := DefaultRunOptions(project.ID)
	opts.RowDelay = time.Millisecond
	opts.StepDelay = time.Millisecond
	summary1, err := o.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, session.StatusStopped, summary1.Status)

	mu.Lock()
	require.NotEmpty(t, seen)
	first := seen[0]
	mu.Unlock()
	cp, ok := first.LatestCheckpoint()
	require.True(t, ok, "the auto-checkpoint at row 10 must have been recorded before the stop")
	require.Equal(t, 10, cp.RowIndex)
	require.Equal(t, 0, cp.StepIndex)
	require.Equal(t, 10, cp.CompletedRows)

	resume := opts
	for i := cp.RowIndex; i < len(rows); i++ {
		resume.RowIndices = append(resume.RowIndices, i)
	}
	summary2, err := o.Run(context.Background(), resume)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, summary2.Status)
	require.Equal(t, 15, summary2.TotalRows)
	require.Equal(t, len(rows), cp.CompletedRows+summary2.TotalRows, "resume must pick up exactly where the checkpoint left off")
}

func TestStopDuringRunHaltsAtNextBoundary(t *testing.T) {
	project := loginProject()
	rows := []map[string]string{{"user": "alice"}, {"user": "bob"}, {"user": "carol"}}

	var o *Orchestrator
	var stopOnce sync.Once
	responder := func(tabID int, message any) (any, error) {
		m, _ := message.(map[string]any)
		if m["action"] == "__ping" {
			return true, nil
		}
		stopOnce.Do(func() {
			go o.Stop(control.ReasonUserRequested, "user clicked stop")
		})
		return true, nil
	}
	o, _ = buildTestOrchestrator(t, project, rows, nil, responder)

	summary, err := o.Run(context.Background(), DefaultRunOptions(project.ID))
	require.NoError(t, err)
	require.Equal(t, session.StatusStopped, summary.Status)
	require.Less(t, summary.PassedRows+summary.FailedRows, 3, "stop must cut the run short of all three rows")
}
