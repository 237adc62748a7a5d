package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// setupTestStore creates a temporary directory and returns an FSStore for testing.
func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()

	tempDir := t.TempDir()
	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return store, tempDir
}

func fptr(v float64) *float64 { return &v }

func testConfig(tag string) precision.Config {
	return precision.Config{LocalVar: []precision.Variable{
		{Function: "kernel", Name: "alpha", Type: precision.MustParseTag(tag)},
		{Function: "kernel", Name: "buf", Type: precision.MustParseTag(tag + "*")},
	}}
}

// createTestRun creates a run with test data.
func createTestRun(runID string, started time.Time) *Run {
	best := testConfig("float")
	return &Run{
		Summary: Summary{
			RunID:          runID,
			Status:         StatusCompleted,
			StartedAt:      started,
			FinishedAt:     started.Add(time.Minute),
			Generations:    3,
			BestFitness:    fptr(-72.5),
			BestHash:       best.Hash(),
			BestGeneration: 2,
			Parameters:     Parameters{PopulationSize: 8, Generations: 3, Workers: 2},
			Stats:          RunStats{ActualEvaluations: 20, SurrogatePredictions: 4},
		},
		Best: &best,
		History: History{
			BestFitnessHistory: []*float64{nil, fptr(-70), fptr(-72.5)},
			FinalBestFitness:   fptr(-72.5),
			BestGeneration:     2,
			Parameters:         Parameters{PopulationSize: 8, Generations: 3, Workers: 2},
		},
	}
}

func TestNewFSStore(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "out")

	store, err := NewFSStore(tempDir)
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}
	if store.BaseDir() != tempDir {
		t.Errorf("BaseDir = %s, want %s", store.BaseDir(), tempDir)
	}
	if _, err := os.Stat(tempDir); os.IsNotExist(err) {
		t.Fatal("Base directory was not created")
	}
}

func TestSaveRun(t *testing.T) {
	store, tempDir := setupTestStore(t)
	run := createTestRun("run-123", time.Now())

	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	for _, name := range []string{SummaryFile, HistoryFile, BestFile} {
		path := filepath.Join(tempDir, "runs", "run-123", name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Errorf("%s was not created", path)
		}
	}
	for _, name := range []string{HistoryFile, BestFile} {
		if _, err := os.Stat(filepath.Join(tempDir, name)); os.IsNotExist(err) {
			t.Errorf("%s was not mirrored at the root", name)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(tempDir, "runs", "run-123", "*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("Temp files should not exist after save: %v", leftovers)
	}
}

func TestSaveRun_Invalid(t *testing.T) {
	store, _ := setupTestStore(t)

	if err := store.SaveRun(nil); err == nil {
		t.Fatal("Expected error for nil run")
	}

	run := createTestRun("", time.Now())
	err := store.SaveRun(run)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if verr.Field != "RunID" {
		t.Errorf("Field = %s, want RunID", verr.Field)
	}
}

func TestSaveRun_WithoutBest(t *testing.T) {
	store, tempDir := setupTestStore(t)
	run := createTestRun("no-best", time.Now())
	run.Best = nil
	run.Summary.BestFitness = nil

	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", "no-best", BestFile)); !os.IsNotExist(err) {
		t.Error("best_config.json should not exist without a best configuration")
	}
	if _, err := store.LoadBest("no-best"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadBest error = %v, want ErrNotFound", err)
	}
}

func TestLoadSummaryAndHistory(t *testing.T) {
	store, _ := setupTestStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := createTestRun("run-load", started)

	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	summary, err := store.LoadSummary("run-load")
	if err != nil {
		t.Fatalf("LoadSummary failed: %v", err)
	}
	if summary.Status != StatusCompleted {
		t.Errorf("Status = %s, want %s", summary.Status, StatusCompleted)
	}
	if !summary.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", summary.StartedAt, started)
	}
	if summary.BestFitness == nil || *summary.BestFitness != -72.5 {
		t.Errorf("BestFitness = %v, want -72.5", summary.BestFitness)
	}
	if summary.Stats.ActualEvaluations != 20 {
		t.Errorf("ActualEvaluations = %d, want 20", summary.Stats.ActualEvaluations)
	}

	history, err := store.LoadHistory("run-load")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}
	if len(history.BestFitnessHistory) != 3 {
		t.Fatalf("History length = %d, want 3", len(history.BestFitnessHistory))
	}
	if history.BestFitnessHistory[0] != nil {
		t.Error("Generation without measurements should be null")
	}
	if *history.BestFitnessHistory[2] != -72.5 {
		t.Errorf("History[2] = %v, want -72.5", *history.BestFitnessHistory[2])
	}

	best, err := store.LoadBest("run-load")
	if err != nil {
		t.Fatalf("LoadBest failed: %v", err)
	}
	if !precision.Equal(best, *run.Best) {
		t.Error("Best configuration mismatch")
	}
}

func TestLoadSummary_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.LoadSummary("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
	if _, err := store.LoadSummary(""); err == nil {
		t.Fatal("Expected error for empty runID")
	}
}

func TestListRuns_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("Expected 0 runs, got %d", len(infos))
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store, tempDir := setupTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := createTestRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		if err := store.SaveRun(run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}
	// Directories without a summary and stray files are ignored.
	os.MkdirAll(filepath.Join(tempDir, "runs", "empty-dir"), 0755)
	os.WriteFile(filepath.Join(tempDir, "runs", "stray.txt"), []byte("x"), 0644)
	os.MkdirAll(filepath.Join(tempDir, "runs", "broken"), 0755)
	os.WriteFile(filepath.Join(tempDir, "runs", "broken", SummaryFile), []byte("run_id: [unclosed"), 0644)

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(infos))
	}
	if infos[0].RunID != "run-2" || infos[2].RunID != "run-0" {
		t.Errorf("Unexpected order: %s, %s, %s", infos[0].RunID, infos[1].RunID, infos[2].RunID)
	}
	if infos[0].SizeBytes <= 0 {
		t.Error("Expected run size to be computed")
	}
}

func TestDeleteRun(t *testing.T) {
	store, tempDir := setupTestStore(t)
	if err := store.SaveRun(createTestRun("run-del", time.Now())); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	if err := store.DeleteRun("run-del"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "runs", "run-del")); !os.IsNotExist(err) {
		t.Error("Run directory should be removed")
	}
	if err := store.DeleteRun("run-del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Second delete: expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteRun(""); err == nil {
		t.Error("Expected error for empty runID")
	}
}

func TestConcurrentSaveRun(t *testing.T) {
	store, _ := setupTestStore(t)

	const numRuns = 10
	done := make(chan bool, numRuns)

	for i := 0; i < numRuns; i++ {
		go func(idx int) {
			run := createTestRun(fmt.Sprintf("concurrent-%d", idx), time.Now())
			if err := store.SaveRun(run); err != nil {
				t.Errorf("Concurrent save failed for run %d: %v", idx, err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < numRuns; i++ {
		<-done
	}

	infos, err := store.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(infos) != numRuns {
		t.Errorf("Expected %d runs, got %d", numRuns, len(infos))
	}
}
