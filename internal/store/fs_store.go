package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/mixprectune/internal/precision"
)

const (
	SummaryFile = "run_summary.yaml"
	BestFile    = "best_config.json"
	HistoryFile = "optimization_history.json"
)

// FSStore implements the Store interface using filesystem-based persistence.
// Runs are stored in a directory structure: <baseDir>/runs/<runID>/, and the
// latest run's best configuration and history are mirrored at <baseDir>.
//
// Thread-safety: This implementation uses atomic file operations (rename)
// and does not require locks.
type FSStore struct {
	baseDir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

// RunDir returns the directory path for a given run ID.
func (fs *FSStore) RunDir(runID string) string {
	return runDir(fs.baseDir, runID)
}

// SaveRun writes the summary, history and best configuration of a run.
func (fs *FSStore) SaveRun(run *Run) error {
	if run == nil {
		return fmt.Errorf("run cannot be nil")
	}
	if err := run.Summary.Validate(); err != nil {
		return err
	}

	dir := fs.RunDir(run.Summary.RunID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	summary, err := yaml.Marshal(&run.Summary)
	if err != nil {
		return fmt.Errorf("failed to serialize run summary: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, SummaryFile), summary); err != nil {
		return err
	}

	history, err := json.MarshalIndent(&run.History, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}
	for _, path := range []string{filepath.Join(dir, HistoryFile), filepath.Join(fs.baseDir, HistoryFile)} {
		if err := writeAtomic(path, history); err != nil {
			return err
		}
	}

	if run.Best != nil {
		for _, path := range []string{filepath.Join(dir, BestFile), filepath.Join(fs.baseDir, BestFile)} {
			if err := precision.Save(path, *run.Best); err != nil {
				return fmt.Errorf("failed to save best configuration: %w", err)
			}
		}
	}

	slog.Debug("Run saved", "run_id", run.Summary.RunID, "path", dir)
	return nil
}

// LoadSummary reads run_summary.yaml of a run.
func (fs *FSStore) LoadSummary(runID string) (*Summary, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	data, err := readRunFile(fs.RunDir(runID), SummaryFile, runID)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize run summary: %w", err)
	}
	return &s, nil
}

// LoadHistory reads optimization_history.json of a run.
func (fs *FSStore) LoadHistory(runID string) (*History, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	data, err := readRunFile(fs.RunDir(runID), HistoryFile, runID)
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to deserialize history: %w", err)
	}
	return &h, nil
}

// LoadBest reads the best configuration of a run.
func (fs *FSStore) LoadBest(runID string) (precision.Config, error) {
	path := filepath.Join(fs.RunDir(runID), BestFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return precision.Config{}, &NotFoundError{RunID: runID}
	}
	return precision.Load(path)
}

// ListRuns returns metadata for all runs, newest first.
func (fs *FSStore) ListRuns() ([]RunInfo, error) {
	runsDir := filepath.Join(fs.baseDir, "runs")

	if _, err := os.Stat(runsDir); os.IsNotExist(err) {
		return []RunInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat runs directory: %w", err)
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	infos := []RunInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if _, err := os.Stat(filepath.Join(fs.RunDir(runID), SummaryFile)); os.IsNotExist(err) {
			continue
		}
		summary, err := fs.LoadSummary(runID)
		if err != nil {
			slog.Warn("Failed to load run summary for listing", "run_id", runID, "error", err)
			continue
		}
		info := summary.ToInfo()
		info.SizeBytes = dirSize(fs.RunDir(runID))
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	slog.Debug("Listed runs", "count", len(infos))
	return infos, nil
}

// DeleteRun removes the run directory and all its contents.
func (fs *FSStore) DeleteRun(runID string) error {
	if runID == "" {
		return fmt.Errorf("runID cannot be empty")
	}
	dir := fs.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{RunID: runID}
	} else if err != nil {
		return fmt.Errorf("failed to stat run directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove run directory: %w", err)
	}
	slog.Debug("Run deleted", "run_id", runID, "path", dir)
	return nil
}

func readRunFile(dir, name, runID string) ([]byte, error) {
	path := filepath.Join(dir, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// writeAtomic writes data to a uniquely named temp file and renames it into
// place, so concurrent runs may mirror into the same root.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		slog.Debug("Failed to set file mode", "path", tempPath, "error", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func dirSize(dir string) int64 {
	var size int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && !d.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
