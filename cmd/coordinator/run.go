package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pharrisenterprises/sammy-sub004/internal/bus"
	"github.com/pharrisenterprises/sammy-sub004/internal/orchestrator"
	"github.com/pharrisenterprises/sammy-sub004/internal/storage"
)

var (
	runProjectID           int
	runCSVPath             string
	runRowIndices          []int
	runCloseTabOnComplete  bool
	runContinueOnRowFail   bool
	runMaxRowFailures      int
	runNoDashboard         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay a recorded project against a live page, rendering a progress dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := buildStack(ctx, configPath, dbPath, presetName, headless, chromeBin)
		if err != nil {
			return fmt.Errorf("build stack: %w", err)
		}
		defer s.Close()

		if runCSVPath != "" {
			s.orch = rebindRowSource(s, runCSVPath)
		}

		if err := s.coord.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize coordinator: %w", err)
		}
		if err := s.coord.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}

		opts := orchestrator.DefaultRunOptions(runProjectID)
		opts.RowIndices = runRowIndices
		opts.CloseTabOnComplete = runCloseTabOnComplete
		opts.ContinueOnRowFailure = runContinueOnRowFail
		opts.MaxRowFailures = runMaxRowFailures

		if runNoDashboard {
			summary, err := s.orch.Run(ctx, opts)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			fmt.Printf("session %s: %d/%d rows passed, %d/%d steps passed\n",
				summary.SessionID, summary.PassedRows, summary.TotalRows, summary.PassedSteps, summary.TotalSteps)
			return nil
		}

		return runWithDashboard(ctx, s, opts)
	},
}

func init() {
	runCmd.Flags().IntVar(&runProjectID, "project-id", 0, "Project to replay")
	runCmd.Flags().StringVar(&runCSVPath, "csv", "", "CSV file supplying row values (optional)")
	runCmd.Flags().IntSliceVar(&runRowIndices, "rows", nil, "Explicit row indices to replay (default: all rows)")
	runCmd.Flags().BoolVar(&runCloseTabOnComplete, "close-tab", false, "Close the tab once the run finishes")
	runCmd.Flags().BoolVar(&runContinueOnRowFail, "continue-on-row-failure", true, "Keep running remaining steps in a row after a step fails")
	runCmd.Flags().IntVar(&runMaxRowFailures, "max-row-failures", 0, "Stop the run after this many failed rows (0 disables)")
	runCmd.Flags().BoolVar(&runNoDashboard, "no-dashboard", false, "Print a one-line summary instead of the live dashboard")
	runCmd.MarkFlagRequired("project-id")
}

func rebindRowSource(s *stack, csvPath string) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		Projects: s.store,
		Rows:     storage.CSVRowSource{Path: csvPath},
		Runs:     s.store,
		Tabs:     s.host,
		Injector: s.host,
		Nav:      s.coord.Navigation,
		Sessions: s.sessions,
		Bus:      s.bus,
		Logger:   s.logger,
	})
}

// dashboardModel is a bubbletea program rendering live run progress: a
// progress bar over the row cursor plus a scrolling log tail.
type dashboardModel struct {
	events    <-chan string
	done      <-chan runResult
	bar       progress.Model
	rowIdx    int
	totalRows int
	lines     []string
	finished  bool
	summary   orchestrator.Summary
	err       error
}

type runResult struct {
	summary orchestrator.Summary
	err     error
}

type dashTickMsg struct{}

func waitForEvent(events <-chan string, done <-chan runResult) tea.Cmd {
	return func() tea.Msg {
		select {
		case line, ok := <-events:
			if !ok {
				return dashTickMsg{}
			}
			return line
		case r := <-done:
			return r
		}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return waitForEvent(m.events, m.done)
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch v := msg.(type) {
	case string:
		m.lines = append(m.lines, v)
		if len(m.lines) > 12 {
			m.lines = m.lines[len(m.lines)-12:]
		}
		if idx, ok := parseRowIndex(v); ok {
			m.rowIdx = idx
		}
		return m, waitForEvent(m.events, m.done)
	case dashTickMsg:
		return m, waitForEvent(m.events, m.done)
	case runResult:
		m.finished = true
		m.summary = v.summary
		m.err = v.err
		return m, tea.Quit
	case tea.KeyMsg:
		if v.String() == "ctrl+c" || v.String() == "q" {
			return m, tea.Quit
		}
	}
	return m, nil
}

func parseRowIndex(line string) (int, bool) {
	const prefix = "row "
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	rest := line[len(prefix):]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

var (
	dashTitleStyle = lipgloss.NewStyle().Bold(true)
	dashFailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dashDoneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

func (m dashboardModel) View() string {
	var sb strings.Builder
	pct := 0.0
	if m.totalRows > 0 {
		pct = float64(m.rowIdx) / float64(m.totalRows)
	}
	sb.WriteString(dashTitleStyle.Render("Replaying project") + " " + m.bar.ViewAs(pct) + "\n\n")
	for _, l := range m.lines {
		sb.WriteString(l)
		sb.WriteString("\n")
	}
	if m.finished {
		if m.err != nil {
			sb.WriteString("\n" + dashFailStyle.Render(fmt.Sprintf("run failed: %v", m.err)) + "\n")
		} else {
			sb.WriteString("\n" + dashDoneStyle.Render(fmt.Sprintf("done: %d/%d rows passed, %d/%d steps passed",
				m.summary.PassedRows, m.summary.TotalRows, m.summary.PassedSteps, m.summary.TotalSteps)) + "\n")
		}
	}
	return sb.String()
}

func runWithDashboard(ctx context.Context, s *stack, opts orchestrator.RunOptions) error {
	events := make(chan string, 256)
	done := make(chan runResult, 1)

	unsubRow := s.coord.Bus.Subscribe("row_started", func(msg bus.BroadcastMessage) {
		if data, ok := msg.Data.(map[string]any); ok {
			if idx, ok := data["rowIndex"].(int); ok {
				events <- fmt.Sprintf("row %d started", idx)
			}
		}
	})
	unsubCompleted := s.coord.Bus.Subscribe("row_completed", func(msg bus.BroadcastMessage) {
		events <- "row completed"
	})
	defer unsubRow()
	defer unsubCompleted()

	go func() {
		summary, err := s.orch.Run(ctx, opts)
		close(events)
		done <- runResult{summary: summary, err: err}
	}()

	model := dashboardModel{
		events:    events,
		done:      done,
		totalRows: len(opts.RowIndices),
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
	p := tea.NewProgram(model)
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if fm, ok := finalModel.(dashboardModel); ok && fm.err != nil {
		return fm.err
	}
	return nil
}
