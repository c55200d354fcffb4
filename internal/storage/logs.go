package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage manages step log files below BaseDir/<run>/<stage>/.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveStepLog writes the (already masked) output of one step and returns the
// path of the log file. The file name starts with the step index so a stage's
// logs list in execution order.
func (ls *LogStorage) SaveStepLog(runID, stageID string, index int, step, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID), sanitize(stageID))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%02d_%s.log", index+1, sanitize(step))
	filePath := filepath.Join(dir, filename)
	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", err
	}
	return filePath, nil
}

// StageLogs returns the log files of a stage in step order.
func (ls *LogStorage) StageLogs(runID, stageID string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(ls.BaseDir, sanitize(runID), sanitize(stageID), "*.log"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// RemoveRun deletes every log of a run.
func (ls *LogStorage) RemoveRun(runID string) error {
	return os.RemoveAll(filepath.Join(ls.BaseDir, sanitize(runID)))
}

// sanitize removes special characters from names used in file paths
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else if r == ' ' || r == '.' {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "step"
	}
	return b.String()
}
