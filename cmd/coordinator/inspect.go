package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Connect to the coordinator's collaborators and print a health report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := buildStack(ctx, configPath, dbPath, presetName, headless, chromeBin)
		if err != nil {
			return fmt.Errorf("build stack: %w", err)
		}
		defer s.Close()

		if err := s.coord.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize coordinator: %w", err)
		}

		report := struct {
			Coordinator interface{} `json:"coordinator"`
			Orchestrator string     `json:"orchestratorState"`
		}{
			Coordinator:  s.coord.Health(),
			Orchestrator: string(s.orch.State()),
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
