// Package session implements the session manager: a run identity, its
// status state machine, checkpoint creation/resume, and pause-duration
// accounting excluded from total duration.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pharrisenterprises/sammy-sub004/internal/tracker"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed   Status = "failed"
	StatusCrashed  Status = "crashed"
	StatusResuming Status = "resuming"
)

// Metadata describes what a session is running.
type Metadata struct {
	ProjectID   int
	TargetURL   string
	TotalSteps  int
	TotalRows   int
	HasCSVData  bool
}

// Summary is the terminal-state read model a session produces.
type Summary struct {
	Status             Status
	Duration           time.Duration
	PassedRows         int
	FailedRows         int
	TotalRowsProcessed int
}

// Checkpoint is a persisted resume point.
type Checkpoint struct {
	ID            string
	SessionID     string
	CreatedAt     time.Time
	RowIndex      int
	StepIndex     int
	CompletedRows int
	StepResults   []tracker.StepOutcome
	Progress      tracker.Snapshot
}

// ErrInvalidTransition is a programming error: the caller attempted a
// transition outside the relation this package enforces. It must not be
// swallowed.
type ErrInvalidTransition struct {
	From Status
	To   string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("session: invalid transition from %s to %s", e.From, e.To)
}

// ErrActiveSessionExists is returned by Create when another session has been
// created and has not yet reached a terminal state; at most one session is
// active at a time.
var ErrActiveSessionExists = fmt.Errorf("session: an active session already exists")

// DefaultCheckpointInterval controls how often an auto-checkpoint fires: every
// rowIndex that is a positive multiple of this value.
const DefaultCheckpointInterval = 10

// Session is one run's identity, status, and checkpoint history.
type Session struct {
	mu sync.Mutex

	id        string
	status    Status
	metadata  Metadata
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	pauseStart   time.Time
	pauseTotal   time.Duration

	checkpoints []Checkpoint
	lastCheckpointAt time.Time

	checkpointInterval int
}

// Manager owns at most one active (created, running, paused or resuming)
// Session at a time.
type Manager struct {
	mu      sync.Mutex
	active  *Session
	history []*Session
	listeners []func(*Session, Status)
}

// NewManager constructs an empty Manager.
func NewManager() *Manager { return &Manager{} }

// OnTransition registers a listener invoked after every status change.
func (m *Manager) OnTransition(fn func(*Session, Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(s *Session, status Status) {
	m.mu.Lock()
	ls := append([]func(*Session, Status){}, m.listeners...)
	m.mu.Unlock()
	for _, l := range ls {
		l(s, status)
	}
}

// Create mints a new session, rejecting if another is active.
func (m *Manager) Create(meta Metadata) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrActiveSessionExists
	}
	s := &Session{
		id:                 uuid.NewString(),
		status:             StatusCreated,
		metadata:           meta,
		createdAt:          time.Now(),
		checkpointInterval: DefaultCheckpointInterval,
	}
	m.active = s
	return s, nil
}

// Active returns the current non-terminal session, if any.
func (m *Manager) Active() (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, false
	}
	return m.active, true
}

// release clears the active slot and files the session into history once it
// reaches a terminal state.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.history = append(m.history, s)
	m.mu.Unlock()
}

// SetCheckpointInterval overrides the default auto-checkpoint row interval.
func (s *Session) SetCheckpointInterval(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.checkpointInterval = n
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Metadata returns the session's immutable metadata.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

func (s *Session) transition(from []Status, to Status) error {
	ok := false
	for _, f := range from {
		if s.status == f {
			ok = true
			break
		}
	}
	if !ok {
		return &ErrInvalidTransition{From: s.status, To: string(to)}
	}
	s.status = to
	return nil
}

// Start transitions created (or resuming) -> running.
func (m *Manager) Start(s *Session) error {
	s.mu.Lock()
	err := s.transition([]Status{StatusCreated, StatusResuming}, StatusRunning)
	if err == nil {
		s.startedAt = time.Now()
	}
	status := s.status
	s.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(s, status)
	return nil
}

// Pause transitions running -> paused, recording the pause start time so its
// duration can be excluded later.
func (m *Manager) Pause(s *Session) error {
	s.mu.Lock()
	err := s.transition([]Status{StatusRunning}, StatusPaused)
	if err == nil {
		s.pauseStart = time.Now()
	}
	status := s.status
	s.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(s, status)
	return nil
}

// Resume transitions paused -> running, accumulating the just-ended pause span.
func (m *Manager) Resume(s *Session) error {
	s.mu.Lock()
	err := s.transition([]Status{StatusPaused}, StatusRunning)
	if err == nil {
		s.pauseTotal += time.Since(s.pauseStart)
		s.pauseStart = time.Time{}
	}
	status := s.status
	s.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(s, status)
	return nil
}

// Stop transitions running/paused -> stopped.
func (m *Manager) Stop(s *Session) error {
	return m.finish(s, []Status{StatusRunning, StatusPaused}, StatusStopped)
}

// Complete transitions running -> completed.
func (m *Manager) Complete(s *Session) error {
	return m.finish(s, []Status{StatusRunning}, StatusCompleted)
}

// Fail transitions running/paused/resuming -> failed.
func (m *Manager) Fail(s *Session) error {
	return m.finish(s, []Status{StatusRunning, StatusPaused, StatusResuming}, StatusFailed)
}

// Crash marks a session as abruptly terminated (host killed the process
// mid-run). Unlike Fail, Crash is callable from any non-terminal state since
// a crash is, by definition, not observed by the session itself; it is
// recorded by the coordinator on the next revival.
func (m *Manager) Crash(s *Session) error {
	s.mu.Lock()
	if isTerminal(s.status) {
		s.mu.Unlock()
		return &ErrInvalidTransition{From: s.status, To: string(StatusCrashed)}
	}
	s.status = StatusCrashed
	if s.pauseStart != (time.Time{}) {
		s.pauseTotal += time.Since(s.pauseStart)
		s.pauseStart = time.Time{}
	}
	s.endedAt = time.Now()
	status := s.status
	s.mu.Unlock()
	m.release(s)
	m.notify(s, status)
	return nil
}

func isTerminal(st Status) bool {
	switch st {
	case StatusStopped, StatusCompleted, StatusFailed, StatusCrashed:
		return true
	}
	return false
}

func (m *Manager) finish(s *Session, from []Status, to Status) error {
	s.mu.Lock()
	wasPaused := s.status == StatusPaused
	err := s.transition(from, to)
	if err == nil {
		if wasPaused {
			s.pauseTotal += time.Since(s.pauseStart)
			s.pauseStart = time.Time{}
		}
		s.endedAt = time.Now()
	}
	status := s.status
	s.mu.Unlock()
	if err != nil {
		return err
	}
	m.release(s)
	m.notify(s, status)
	return nil
}

// CreateCheckpoint records a resume point. Legal only in running or paused;
// checkpoint timestamps for one session strictly increase.
func (s *Session) CreateCheckpoint(rowIndex, stepIndex, completedRows int, results []tracker.StepOutcome, progress tracker.Snapshot) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning && s.status != StatusPaused {
		return Checkpoint{}, fmt.Errorf("session: checkpoint only legal in running/paused, got %s", s.status)
	}
	now := time.Now()
	if !s.lastCheckpointAt.IsZero() && !now.After(s.lastCheckpointAt) {
		now = s.lastCheckpointAt.Add(time.Nanosecond)
	}
	cp := Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     s.id,
		CreatedAt:     now,
		RowIndex:      rowIndex,
		StepIndex:     stepIndex,
		CompletedRows: completedRows,
		StepResults:   append([]tracker.StepOutcome{}, results...),
		Progress:      progress,
	}
	s.checkpoints = append(s.checkpoints, cp)
	s.lastCheckpointAt = now
	return cp, nil
}

// ShouldAutoCheckpoint reports whether rowIndex lands on the auto-checkpoint
// interval: rowIndex > 0 and rowIndex a multiple of the interval.
func (s *Session) ShouldAutoCheckpoint(rowIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rowIndex > 0 && rowIndex%s.checkpointInterval == 0
}

// Checkpoints returns every checkpoint recorded so far, oldest first.
func (s *Session) Checkpoints() []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Checkpoint{}, s.checkpoints...)
}

// LatestCheckpoint returns the most recent checkpoint, if any.
func (s *Session) LatestCheckpoint() (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.checkpoints[len(s.checkpoints)-1], true
}

// ResumeFromCheckpoint transitions a terminated session (stopped/failed/
// crashed) to resuming; the caller is expected to begin execution at
// (cp.RowIndex, cp.StepIndex).
func (m *Manager) ResumeFromCheckpoint(s *Session, cp Checkpoint) error {
	s.mu.Lock()
	if s.status != StatusStopped && s.status != StatusFailed && s.status != StatusCrashed {
		from := s.status
		s.mu.Unlock()
		return &ErrInvalidTransition{From: from, To: string(StatusResuming)}
	}
	s.status = StatusResuming
	status := s.status
	s.mu.Unlock()

	m.mu.Lock()
	if m.active != nil && m.active != s {
		m.mu.Unlock()
		s.mu.Lock()
		s.status = StatusFailed
		s.mu.Unlock()
		return ErrActiveSessionExists
	}
	m.active = s
	m.mu.Unlock()

	m.notify(s, status)
	return nil
}

// Duration returns the session's wall-clock duration, excluding any
// completed or in-progress pause spans:
// duration = endTime - startTime - pauseDuration.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	total := end.Sub(s.startedAt)
	pause := s.pauseTotal
	if s.pauseStart != (time.Time{}) {
		pause += time.Since(s.pauseStart)
	}
	total -= pause
	if total < 0 {
		total = 0
	}
	return total
}

// BuildSummary assembles the session's terminal-state summary.
func (s *Session) BuildSummary(passedRows, failedRows, totalRowsProcessed int) Summary {
	return Summary{
		Status:             s.Status(),
		Duration:           s.Duration(),
		PassedRows:         passedRows,
		FailedRows:         failedRows,
		TotalRowsProcessed: totalRowsProcessed,
	}
}
