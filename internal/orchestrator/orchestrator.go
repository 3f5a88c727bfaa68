// Package orchestrator drives a deterministic row x step state machine over
// a recorded step program: it injects CSV-mapped values, talks to the page
// agent over the host's tab-message channel, checkpoints progress, and
// aggregates results into a test-run record.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/control"
	"github.com/pharrisenterprises/sammy-sub004/internal/hostapi"
	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
	"github.com/pharrisenterprises/sammy-sub004/internal/navigation"
	"github.com/pharrisenterprises/sammy-sub004/internal/session"
	"github.com/pharrisenterprises/sammy-sub004/internal/tracker"
)

// State is the orchestrator's own lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// validTransitions is the full set of legal lifecycle transitions.
var validTransitions = map[State][]State{
	StateIdle:      {StateLoading},
	StateLoading:   {StateReady, StateError},
	StateReady:     {StateRunning, StateIdle},
	StateRunning:   {StatePaused, StateStopping, StateCompleted, StateError},
	StatePaused:    {StateRunning, StateStopping},
	StateStopping:  {StateStopped},
	StateStopped:   {StateIdle},
	StateCompleted: {StateIdle},
	StateError:     {StateIdle},
}

// ErrInvalidState is a programming error: the requested transition is not in
// validTransitions. It is surfaced as a failure, never silently ignored.
type ErrInvalidState struct {
	From State
	To   State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("orchestrator: invalid transition from %s to %s", e.From, e.To)
}

// Step is one recorded action in a project's program.
type Step struct {
	Label string
	Event string // "click" | "input" | "enter" | "open"
	Value string
}

// FieldMapping binds a CSV column to a step label.
type FieldMapping struct {
	FieldName string
	StepLabel string
	Mapped    bool
}

// Project is the recorded program an orchestrator run replays.
type Project struct {
	ID            int
	TargetURL     string
	Steps         []Step
	FieldMappings []FieldMapping
}

// ProjectStore loads a Project by ID. Storage is a delegated collaborator,
// not owned by this package.
type ProjectStore interface {
	Load(ctx context.Context, projectID int) (Project, error)
}

// RowSource hands back already-decoded CSV rows. Parsing happens on the far
// side of this boundary; the orchestrator only consumes row maps.
type RowSource interface {
	Rows(ctx context.Context, projectID int) ([]map[string]string, error)
}

// TestRunRecord is the aggregate persisted at the end of a run.
type TestRunRecord struct {
	ProjectID    int
	SessionID    string
	Status       session.Status
	TotalRows    int
	PassedRows   int
	FailedRows   int
	PassedSteps  int
	FailedSteps  int
	SkippedSteps int
	StepResults  []tracker.StepOutcome
	Logs         string
}

// TestRunStore persists the test-run record.
type TestRunStore interface {
	Create(ctx context.Context, rec TestRunRecord) (runID string, err error)
	Update(ctx context.Context, runID string, rec TestRunRecord) error
}

// RunOptions parameterizes one orchestrator run.
type RunOptions struct {
	ProjectID            int
	RowIndices           []int
	CloseTabOnComplete   bool
	ReuseTab             bool
	ExistingTabID        int
	RowDelay             time.Duration
	StepDelay            time.Duration
	HumanDelayMin        time.Duration
	HumanDelayMax        time.Duration
	ContinueOnRowFailure bool
	MaxRowFailures       int
	StepTimeout          time.Duration
	CaptureScreenshots   bool
	PersistResults       bool
}

// DefaultRunOptions returns the defaults for an otherwise unconfigured run.
func DefaultRunOptions(projectID int) RunOptions {
	return RunOptions{
		ProjectID:            projectID,
		ReuseTab:             true,
		RowDelay:             500 * time.Millisecond,
		StepDelay:            200 * time.Millisecond,
		ContinueOnRowFailure: true,
		MaxRowFailures:       0,
		StepTimeout:          10 * time.Second,
		PersistResults:       true,
	}
}

// Summary is what Run returns: the aggregate outcome of one pass.
type Summary struct {
	SessionID    string
	Status       session.Status
	TotalRows    int
	PassedRows   int
	FailedRows   int
	TotalSteps   int
	PassedSteps  int
	FailedSteps  int
	SkippedSteps int
}

// Orchestrator drives the row x step state machine.
type Orchestrator struct {
	projects ProjectStore
	rows     RowSource
	runs     TestRunStore
	tabs     hostapi.TabAPI
	injector hostapi.ScriptInjector
	nav      *navigation.Supervisor
	sessions *session.Manager
	eventBus *bus.Bus
	log      *logging.Logger

	mu    sync.Mutex
	state State
	stop  *control.StopController
	pause *control.PauseController
	sess  *session.Session
}

// Options bundles an Orchestrator's collaborators.
type Options struct {
	Projects ProjectStore
	Rows     RowSource
	Runs     TestRunStore
	Tabs     hostapi.TabAPI
	Injector hostapi.ScriptInjector
	Nav      *navigation.Supervisor
	Sessions *session.Manager
	Bus      *bus.Bus
	Logger   *logging.Logger
}

// New constructs an Orchestrator in the idle state.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Orchestrator{
		projects: opts.Projects,
		rows:     opts.Rows,
		runs:     opts.Runs,
		tabs:     opts.Tabs,
		injector: opts.Injector,
		nav:      opts.Nav,
		sessions: opts.Sessions,
		eventBus: opts.Bus,
		log:      log,
		state:    StateIdle,
	}
}

// State returns the orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, allowed := range validTransitions[o.state] {
		if allowed == to {
			o.state = to
			return nil
		}
	}
	return &ErrInvalidState{From: o.state, To: to}
}

func (o *Orchestrator) emit(eventType string, data any) {
	if o.eventBus == nil {
		return
	}
	o.eventBus.Broadcast(bus.BroadcastMessage{Type: eventType, Data: data})
}

// Run executes one full pass: load, tab setup, agent readiness, the row x
// step loop, and finalization.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (Summary, error) {
	if err := o.transition(StateLoading); err != nil {
		return Summary{}, err
	}

	project, rows, err := o.load(ctx, opts)
	if err != nil {
		o.transition(StateError)
		return Summary{}, err
	}

	if err := o.transition(StateReady); err != nil {
		return Summary{}, err
	}
	o.emit("project_loaded", map[string]any{"projectId": project.ID})

	lookup := buildMappingLookup(project.FieldMappings)

	tabID, createdTab, err := o.ensureTab(ctx, opts, project)
	if err != nil {
		o.transition(StateIdle)
		return Summary{}, fmt.Errorf("orchestrator: open tab: %w", err)
	}

	if err := o.ensureAgentReady(ctx, tabID); err != nil {
		o.transition(StateIdle)
		return Summary{}, fmt.Errorf("orchestrator: page agent not ready: %w", err)
	}

	sess, err := o.sessions.Create(session.Metadata{
		ProjectID:  project.ID,
		TargetURL:  project.TargetURL,
		TotalSteps: len(project.Steps),
		TotalRows:  len(rows),
		HasCSVData: len(rows) > 0 && len(rows[0]) > 0,
	})
	if err != nil {
		o.transition(StateIdle)
		return Summary{}, fmt.Errorf("orchestrator: create session: %w", err)
	}

	results := tracker.NewResults()
	logs := tracker.NewLog()
	progress := tracker.NewProgress(results)
	progress.Start(len(rows), len(project.Steps))

	stop := control.NewStopController()
	runCtx := stop.Start(ctx)
	pause := control.NewPauseController()

	o.mu.Lock()
	o.stop, o.pause, o.sess = stop, pause, sess
	o.mu.Unlock()

	if err := o.sessions.Start(sess); err != nil {
		o.transition(StateIdle)
		return Summary{}, err
	}
	if err := o.transition(StateRunning); err != nil {
		return Summary{}, err
	}

	stopErr := o.runRows(runCtx, sess, project, rows, lookup, opts, tabID, stop, pause, progress, results, logs)

	return o.finalize(ctx, sess, project, rows, opts, tabID, createdTab, stopErr, results, logs)
}

func (o *Orchestrator) load(ctx context.Context, opts RunOptions) (Project, []map[string]string, error) {
	project, err := o.projects.Load(ctx, opts.ProjectID)
	if err != nil {
		return Project{}, nil, fmt.Errorf("orchestrator: load project %d: %w", opts.ProjectID, err)
	}
	if len(project.Steps) == 0 {
		return Project{}, nil, fmt.Errorf("orchestrator: project %d has no steps", opts.ProjectID)
	}
	if project.TargetURL == "" {
		return Project{}, nil, fmt.Errorf("orchestrator: project %d has no target URL", opts.ProjectID)
	}
	rows, err := o.determineRows(ctx, opts)
	if err != nil {
		return Project{}, nil, err
	}
	return project, rows, nil
}

// determineRows picks the selected indices if provided, else all CSV rows,
// else a single synthetic empty row.
func (o *Orchestrator) determineRows(ctx context.Context, opts RunOptions) ([]map[string]string, error) {
	all, err := o.rows.Rows(ctx, opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load rows: %w", err)
	}
	if len(opts.RowIndices) > 0 {
		out := make([]map[string]string, 0, len(opts.RowIndices))
		for _, idx := range opts.RowIndices {
			if idx >= 0 && idx < len(all) {
				out = append(out, all[idx])
			}
		}
		return out, nil
	}
	if len(all) > 0 {
		return all, nil
	}
	return []map[string]string{{}}, nil
}

// buildMappingLookup indexes every mapping with Mapped == true as
// lookup[fieldName] = stepLabel.
func buildMappingLookup(mappings []FieldMapping) map[string]string {
	lookup := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.Mapped {
			lookup[m.FieldName] = m.StepLabel
		}
	}
	return lookup
}

// resolveValue prefers a row key equal to the step label, then the inverse
// of the mapping lookup, then the step's own recorded value.
func resolveValue(step Step, row map[string]string, lookup map[string]string) (value string, fromRow bool) {
	if v, ok := row[step.Label]; ok {
		return v, true
	}
	for fieldName, stepLabel := range lookup {
		if stepLabel == step.Label {
			if v, ok := row[fieldName]; ok {
				return v, true
			}
		}
	}
	return step.Value, false
}

func (o *Orchestrator) ensureTab(ctx context.Context, opts RunOptions, project Project) (tabID int, created bool, err error) {
	if opts.ReuseTab && opts.ExistingTabID != 0 {
		if ids, qerr := o.tabs.Query(ctx, ""); qerr == nil {
			for _, id := range ids {
				if id == opts.ExistingTabID {
					o.trackTab(opts.ExistingTabID, project.TargetURL)
					return opts.ExistingTabID, false, nil
				}
			}
		}
	}
	id, err := o.tabs.Create(ctx, project.TargetURL, true)
	if err != nil {
		return 0, false, err
	}
	o.trackTab(id, project.TargetURL)
	return id, true, nil
}

func (o *Orchestrator) trackTab(tabID int, url string) {
	if o.nav != nil {
		o.nav.Track(tabID, url)
	}
}

// ensureAgentReady pings the page agent and attempts exactly one re-inject
// before failing.
func (o *Orchestrator) ensureAgentReady(ctx context.Context, tabID int) error {
	if o.pingAgent(ctx, tabID) {
		return nil
	}
	if o.injector != nil {
		_ = o.injector.Execute(ctx, hostapi.ExecuteParams{TabID: tabID, AllFrames: true, World: "ISOLATED"})
	} else if o.nav != nil {
		o.nav.ForceInjection(ctx, tabID)
	}
	if o.pingAgent(ctx, tabID) {
		return nil
	}
	return fmt.Errorf("page agent did not answer readiness ping after re-inject")
}

func (o *Orchestrator) pingAgent(ctx context.Context, tabID int) bool {
	resp, err := o.tabs.SendMessage(ctx, tabID, map[string]any{"action": "__ping"})
	if err != nil {
		return false
	}
	return asBool(resp)
}

func asBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case map[string]any:
		if s, ok := t["success"].(bool); ok {
			return s
		}
		return false
	default:
		return false
	}
}

// runRows drives the outer row loop and inner step loop. It returns a
// non-nil error only when stop was requested; ordinary step/row failures
// are recorded in results, not returned.
func (o *Orchestrator) runRows(
	ctx context.Context,
	sess *session.Session,
	project Project,
	rows []map[string]string,
	lookup map[string]string,
	opts RunOptions,
	tabID int,
	stop *control.StopController,
	pause *control.PauseController,
	progress *tracker.Progress,
	results *tracker.Results,
	logs *tracker.Log,
) error {
	rowFailures := 0

	for i, row := range rows {
		if err := stop.Checkpoint(); err != nil {
			return err
		}
		pause.WaitIfPaused(stop.Context().Done())
		if err := stop.Checkpoint(); err != nil {
			return err
		}

		progress.SetPosition(i, 0)
		logs.Info(fmt.Sprintf("row %d started", i))
		o.emit("row_started", map[string]any{"rowIndex": i})

		rowStart := time.Now()
		if err := o.runSteps(ctx, project, row, lookup, opts, tabID, i, stop, pause, progress, results, logs); err != nil {
			return err
		}
		progress.RowCompleted(time.Since(rowStart))

		outcomes := results.ForRow(i)
		rowFailed := false
		for _, oc := range outcomes {
			if oc.Status == tracker.StepFailed {
				rowFailed = true
				break
			}
		}
		if rowFailed {
			rowFailures++
		}
		logs.Info(fmt.Sprintf("row %d completed", i))
		o.emit("row_completed", map[string]any{"rowIndex": i, "failed": rowFailed})

		if sess.ShouldAutoCheckpoint(i + 1) {
			snap := progress.Snapshot()
			if _, err := sess.CreateCheckpoint(i+1, 0, i+1, results.All(), snap); err != nil {
				o.log.Warn(logging.CategoryOrchestrator, "auto-checkpoint failed", err.Error())
			}
		}

		if opts.MaxRowFailures > 0 && rowFailures >= opts.MaxRowFailures {
			stop.Stop(control.ReasonMaxErrors, fmt.Sprintf("%d row failures reached limit %d", rowFailures, opts.MaxRowFailures))
			return stop.Checkpoint()
		}

		if i != len(rows)-1 {
			if err := control.SlicedDelay(stop, pause, opts.RowDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) runSteps(
	ctx context.Context,
	project Project,
	row map[string]string,
	lookup map[string]string,
	opts RunOptions,
	tabID int,
	rowIndex int,
	stop *control.StopController,
	pause *control.PauseController,
	progress *tracker.Progress,
	results *tracker.Results,
	logs *tracker.Log,
) error {
	for j, step := range project.Steps {
		if err := stop.Checkpoint(); err != nil {
			return err
		}
		pause.WaitIfPaused(stop.Context().Done())
		if err := stop.Checkpoint(); err != nil {
			return err
		}
		progress.SetPosition(rowIndex, j)

		start := time.Now()
		value, fromRow := resolveValue(step, row, lookup)

		if step.Event == "input" && !fromRow && len(row) > 0 {
			results.Record(tracker.StepOutcome{RowIndex: rowIndex, StepIndex: j, Status: tracker.StepSkipped, Duration: time.Since(start), Error: "No CSV value available"})
			logs.Warn(fmt.Sprintf("row %d step %d (%s) skipped: no CSV value available", rowIndex, j, step.Label))
			continue
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		if opts.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, opts.StepTimeout)
		}
		ok, err := o.sendStep(stepCtx, tabID, step, value, opts)
		if cancel != nil {
			cancel()
		}
		duration := time.Since(start)

		if err != nil || !ok {
			errMsg := "step returned failure"
			if err != nil {
				errMsg = err.Error()
			}
			results.Record(tracker.StepOutcome{RowIndex: rowIndex, StepIndex: j, Status: tracker.StepFailed, Duration: duration, Error: errMsg})
			logs.Error(fmt.Sprintf("row %d step %d (%s) failed: %s", rowIndex, j, step.Label, errMsg))
			if !opts.ContinueOnRowFailure {
				return nil
			}
		} else {
			results.Record(tracker.StepOutcome{RowIndex: rowIndex, StepIndex: j, Status: tracker.StepPassed, Duration: duration})
			logs.Success(fmt.Sprintf("row %d step %d (%s) passed", rowIndex, j, step.Label))
		}

		if j != len(project.Steps)-1 {
			if err := control.SlicedDelay(stop, pause, opts.StepDelay+humanDelay(opts)); err != nil {
				return err
			}
		}
	}
	return nil
}

// humanDelay samples a uniform extra delay in [HumanDelayMin, HumanDelayMax],
// simulating human pacing between steps; zero when the range is unset.
func humanDelay(opts RunOptions) time.Duration {
	if opts.HumanDelayMax <= 0 {
		return 0
	}
	span := opts.HumanDelayMax - opts.HumanDelayMin
	if span <= 0 {
		return opts.HumanDelayMin
	}
	return opts.HumanDelayMin + time.Duration(rand.Int63n(int64(span)))
}

func (o *Orchestrator) sendStep(ctx context.Context, tabID int, step Step, value string, opts RunOptions) (bool, error) {
	msg := map[string]any{"action": "execute_step", "label": step.Label, "event": step.Event, "value": value}
	if opts.CaptureScreenshots {
		msg["captureScreenshot"] = true
	}
	resp, err := o.tabs.SendMessage(ctx, tabID, msg)
	if err != nil {
		return false, err
	}
	return asBool(resp), nil
}

func (o *Orchestrator) finalize(
	ctx context.Context,
	sess *session.Session,
	project Project,
	rows []map[string]string,
	opts RunOptions,
	tabID int,
	createdTab bool,
	stopErr error,
	results *tracker.Results,
	logs *tracker.Log,
) (Summary, error) {
	passedSteps, failedSteps, skippedSteps := results.Counts()

	var sre *control.StopRequestedError
	stopped := errors.As(stopErr, &sre)

	if stopped {
		if err := o.sessions.Stop(sess); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "session stop transition failed", err.Error())
		}
		if o.State() != StateStopping {
			o.transition(StateStopping)
		}
		o.transition(StateStopped)
	} else if stopErr != nil {
		if err := o.sessions.Fail(sess); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "session fail transition failed", err.Error())
		}
		o.transition(StateError)
	} else {
		if err := o.sessions.Complete(sess); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "session complete transition failed", err.Error())
		}
		o.transition(StateCompleted)
	}

	passedRows, failedRows := 0, 0
	for i := range rows {
		outcomes := results.ForRow(i)
		if len(outcomes) == 0 {
			continue
		}
		failed := false
		for _, oc := range outcomes {
			if oc.Status == tracker.StepFailed {
				failed = true
				break
			}
		}
		if failed {
			failedRows++
		} else {
			passedRows++
		}
	}

	summary := Summary{
		SessionID:    sess.ID(),
		Status:       sess.Status(),
		TotalRows:    len(rows),
		PassedRows:   passedRows,
		FailedRows:   failedRows,
		TotalSteps:   len(project.Steps),
		PassedSteps:  passedSteps,
		FailedSteps:  failedSteps,
		SkippedSteps: skippedSteps,
	}

	if opts.PersistResults && o.runs != nil {
		rec := TestRunRecord{
			ProjectID:    project.ID,
			SessionID:    sess.ID(),
			Status:       sess.Status(),
			TotalRows:    summary.TotalRows,
			PassedRows:   summary.PassedRows,
			FailedRows:   summary.FailedRows,
			PassedSteps:  summary.PassedSteps,
			FailedSteps:  summary.FailedSteps,
			SkippedSteps: summary.SkippedSteps,
			StepResults:  results.All(),
			Logs:         logs.Concat(),
		}
		if _, err := o.runs.Create(ctx, rec); err != nil {
			o.log.Error(logging.CategoryOrchestrator, "persist test run failed", err.Error())
		}
	}

	if opts.CloseTabOnComplete {
		o.log.Debug(logging.CategoryOrchestrator, "closing tab on complete", map[string]any{"tabId": tabID, "ownTab": createdTab})
		if err := o.tabs.Close(ctx, tabID); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "close tab on complete failed", err.Error())
		}
		if o.nav != nil {
			o.nav.Untrack(tabID)
		}
	}

	o.transition(StateIdle)

	var retErr error
	if stopErr != nil && !stopped {
		retErr = stopErr
	}
	return summary, retErr
}

// Pause cooperatively pauses the in-flight run, if any. The session records
// the pause start so its span is excluded from the run's duration.
func (o *Orchestrator) Pause(reason string) error {
	o.mu.Lock()
	p, s, sess := o.pause, o.stop, o.sess
	o.mu.Unlock()
	if p == nil || s == nil {
		return fmt.Errorf("orchestrator: no run in progress")
	}
	if err := o.transition(StatePaused); err != nil {
		return err
	}
	if sess != nil {
		if err := o.sessions.Pause(sess); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "session pause transition failed", err.Error())
		}
	}
	p.Pause(reason)
	return nil
}

// Resume releases a cooperative pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	p, sess := o.pause, o.sess
	o.mu.Unlock()
	if p == nil {
		return fmt.Errorf("orchestrator: no run in progress")
	}
	if err := o.transition(StateRunning); err != nil {
		return err
	}
	if sess != nil {
		if err := o.sessions.Resume(sess); err != nil {
			o.log.Warn(logging.CategoryOrchestrator, "session resume transition failed", err.Error())
		}
	}
	p.Resume()
	return nil
}

// Stop synchronously requests the in-flight run to stop.
func (o *Orchestrator) Stop(reason control.StopReason, message string) error {
	o.mu.Lock()
	s := o.stop
	o.mu.Unlock()
	if s == nil {
		return fmt.Errorf("orchestrator: no run in progress")
	}
	if err := o.transition(StateStopping); err != nil {
		return err
	}
	s.Stop(reason, message)
	return nil
}
