package runreport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LastRunFile is the name the latest report is written under, inside the
// reports directory. The leading dot keeps it out of report listings.
const LastRunFile = ".last_run.json"

// WriteJSON writes the report to path through a temp file and a rename so
// readers never see a half written report.
func WriteJSON(path string, report Report) error {
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".run-report-*.tmp")
	if err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = tmp.Write(encoded)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write run report: %w", err)
	}

	err = os.Rename(tmpName, path)
	if err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}

func ReadJSON(path string) (Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var report Report
	err = json.Unmarshal(raw, &report)
	if err != nil {
		return Report{}, fmt.Errorf("decode run report %s: %w", path, err)
	}
	return report, nil
}

// FileSink writes every finished report to <dir>/.last_run.json.
type FileSink struct {
	Dir string
}

func (s FileSink) Path() string {
	return filepath.Join(s.Dir, LastRunFile)
}

func (s FileSink) RunFinished(_ context.Context, report Report) error {
	return WriteJSON(s.Path(), report)
}
