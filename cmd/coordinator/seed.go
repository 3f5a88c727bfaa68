package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pharrisenterprises/sammy-sub004/internal/orchestrator"
	"github.com/pharrisenterprises/sammy-sub004/internal/storage"
)

var seedFile string

// seedDoc is the on-disk shape a project definition is authored in before
// being loaded into the sqlite project store.
type seedDoc struct {
	ID            int                         `json:"id"`
	TargetURL     string                      `json:"targetUrl"`
	Steps         []orchestrator.Step         `json:"steps"`
	FieldMappings []orchestrator.FieldMapping `json:"fieldMappings"`
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a project definition JSON file into the project store",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(seedFile)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		var doc seedDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parse seed file: %w", err)
		}

		store, err := storage.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		project := orchestrator.Project{
			ID:            doc.ID,
			TargetURL:     doc.TargetURL,
			Steps:         doc.Steps,
			FieldMappings: doc.FieldMappings,
		}
		if err := store.SaveProject(cmd.Context(), project); err != nil {
			return fmt.Errorf("save project: %w", err)
		}
		fmt.Printf("seeded project %d (%d steps, %d mappings)\n", project.ID, len(project.Steps), len(project.FieldMappings))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "Path to a project definition JSON file")
	seedCmd.MarkFlagRequired("file")
}
