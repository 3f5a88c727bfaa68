package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
)

// CSVRowSource decodes one CSV file into the row maps orchestrator.RowSource
// hands back, keyed by the first row as the header. A thin boundary utility;
// the coordination core itself never parses CSV.
type CSVRowSource struct {
	Path string
}

// Rows implements orchestrator.RowSource. projectID is accepted for
// interface conformance but unused: one CLI invocation binds one CSV file to
// one project run.
func (c CSVRowSource) Rows(ctx context.Context, projectID int) ([]map[string]string, error) {
	if c.Path == "" {
		return nil, nil
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("storage: open csv %s: %w", c.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("storage: read csv %s: %w", c.Path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
