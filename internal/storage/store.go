// Package storage implements the orchestrator's delegated persistence
// collaborators: a sqlite-backed project store and test-run store
// satisfying orchestrator.ProjectStore and orchestrator.TestRunStore.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pharrisenterprises/sammy-sub004/internal/orchestrator"
)

// Store is a sqlite-backed ProjectStore + TestRunStore.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open connects to (and, if necessary, creates) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY,
		target_url TEXT NOT NULL,
		steps_json TEXT NOT NULL,
		mappings_json TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create projects table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS test_runs (
		id TEXT PRIMARY KEY,
		project_id INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_rows INTEGER NOT NULL,
		passed_rows INTEGER NOT NULL,
		failed_rows INTEGER NOT NULL,
		passed_steps INTEGER NOT NULL,
		failed_steps INTEGER NOT NULL,
		skipped_steps INTEGER NOT NULL,
		step_results_json TEXT NOT NULL,
		logs TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create test_runs table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type stepsDoc struct {
	Steps    []orchestrator.Step         `json:"steps"`
	Mappings []orchestrator.FieldMapping `json:"mappings"`
}

// SaveProject upserts a project definition, used by CLI seeding/import.
func (s *Store) SaveProject(ctx context.Context, p orchestrator.Project) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("storage: marshal steps: %w", err)
	}
	mappingsJSON, err := json.Marshal(p.FieldMappings)
	if err != nil {
		return fmt.Errorf("storage: marshal mappings: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO projects (id, target_url, steps_json, mappings_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET target_url = excluded.target_url, steps_json = excluded.steps_json, mappings_json = excluded.mappings_json`,
		p.ID, p.TargetURL, string(stepsJSON), string(mappingsJSON))
	if err != nil {
		return fmt.Errorf("storage: save project %d: %w", p.ID, err)
	}
	return nil
}

// Load implements orchestrator.ProjectStore.
func (s *Store) Load(ctx context.Context, projectID int) (orchestrator.Project, error) {
	s.mu.Lock()
	row := s.db.QueryRowContext(ctx, `SELECT target_url, steps_json, mappings_json FROM projects WHERE id = ?`, projectID)
	var targetURL, stepsJSON, mappingsJSON string
	err := row.Scan(&targetURL, &stepsJSON, &mappingsJSON)
	s.mu.Unlock()
	if err == sql.ErrNoRows {
		return orchestrator.Project{}, fmt.Errorf("storage: no project with id %d", projectID)
	}
	if err != nil {
		return orchestrator.Project{}, fmt.Errorf("storage: load project %d: %w", projectID, err)
	}
	var steps []orchestrator.Step
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return orchestrator.Project{}, fmt.Errorf("storage: unmarshal steps: %w", err)
	}
	var mappings []orchestrator.FieldMapping
	if err := json.Unmarshal([]byte(mappingsJSON), &mappings); err != nil {
		return orchestrator.Project{}, fmt.Errorf("storage: unmarshal mappings: %w", err)
	}
	return orchestrator.Project{ID: projectID, TargetURL: targetURL, Steps: steps, FieldMappings: mappings}, nil
}

// Create implements orchestrator.TestRunStore.
func (s *Store) Create(ctx context.Context, rec orchestrator.TestRunRecord) (string, error) {
	resultsJSON, err := json.Marshal(rec.StepResults)
	if err != nil {
		return "", fmt.Errorf("storage: marshal step results: %w", err)
	}
	id := fmt.Sprintf("run-%d-%s", rec.ProjectID, rec.SessionID)
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `INSERT INTO test_runs
		(id, project_id, session_id, status, total_rows, passed_rows, failed_rows, passed_steps, failed_steps, skipped_steps, step_results_json, logs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.ProjectID, rec.SessionID, string(rec.Status), rec.TotalRows, rec.PassedRows, rec.FailedRows,
		rec.PassedSteps, rec.FailedSteps, rec.SkippedSteps, string(resultsJSON), rec.Logs, time.Now().Unix())
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("storage: create test run: %w", err)
	}
	return id, nil
}

// Update implements orchestrator.TestRunStore.
func (s *Store) Update(ctx context.Context, runID string, rec orchestrator.TestRunRecord) error {
	resultsJSON, err := json.Marshal(rec.StepResults)
	if err != nil {
		return fmt.Errorf("storage: marshal step results: %w", err)
	}
	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `UPDATE test_runs SET status = ?, total_rows = ?, passed_rows = ?, failed_rows = ?,
		passed_steps = ?, failed_steps = ?, skipped_steps = ?, step_results_json = ?, logs = ? WHERE id = ?`,
		string(rec.Status), rec.TotalRows, rec.PassedRows, rec.FailedRows, rec.PassedSteps, rec.FailedSteps,
		rec.SkippedSteps, string(resultsJSON), rec.Logs, runID)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("storage: update test run %s: %w", runID, err)
	}
	return nil
}
