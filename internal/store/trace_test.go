package store

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTraceWriter_WriteAndRead(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-123"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}

	entries := []TraceEntry{
		{Generation: 0, Timestamp: time.Now(), Actual: 8},
		{Generation: 1, Timestamp: time.Now(), GenerationBest: fptr(-60), BestFitness: fptr(-60), Actual: 5, Surrogate: 3},
		{Generation: 2, Timestamp: time.Now(), GenerationBest: fptr(-58), BestFitness: fptr(-60), Skipped: 2, EarlyTerminated: true},
	}
	for _, entry := range entries {
		if err := writer.Write(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	tracePath := filepath.Join(tmpDir, "runs", runID, "trace.jsonl")
	if writer.Path() != tracePath {
		t.Errorf("Path = %s, want %s", writer.Path(), tracePath)
	}

	readEntries, err := ReadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(readEntries) != len(entries) {
		t.Fatalf("Expected %d entries, got %d", len(entries), len(readEntries))
	}
	if readEntries[0].BestFitness != nil {
		t.Error("Generation 0 best should be null")
	}
	if *readEntries[1].BestFitness != -60 {
		t.Errorf("Generation 1 best = %v, want -60", *readEntries[1].BestFitness)
	}
	if !readEntries[2].EarlyTerminated || readEntries[2].Skipped != 2 {
		t.Errorf("Generation 2 flags lost: %+v", readEntries[2])
	}
}

func TestTraceWriter_Append(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-append"

	w1, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	w1.Write(TraceEntry{Generation: 0})
	w1.Close()

	w2, err := NewTraceWriter(tmpDir, runID, true)
	if err != nil {
		t.Fatalf("Failed to create append writer: %v", err)
	}
	w2.Write(TraceEntry{Generation: 1})
	w2.Close()

	entries, err := ReadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("ReadTrace failed: %v", err)
	}
	if len(entries) != 2 || entries[1].Generation != 1 {
		t.Errorf("Expected 2 entries ending with generation 1, got %+v", entries)
	}
}

func TestTraceWriter_VisibleBeforeClose(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-live"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	writer.Write(TraceEntry{Generation: 0, Actual: 4})

	entries, err := ReadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("ReadTrace failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected the entry to be on disk before Close, got %d entries", len(entries))
	}
}

func TestTraceReader_ReadIteratively(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-iter"

	writer, _ := NewTraceWriter(tmpDir, runID, false)
	for i := 0; i < 4; i++ {
		writer.Write(TraceEntry{Generation: i})
	}
	writer.Close()

	reader, err := NewTraceReader(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to create reader: %v", err)
	}
	defer reader.Close()

	for i := 0; i < 4; i++ {
		entry, err := reader.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if entry.Generation != i {
			t.Errorf("Entry %d: generation = %d", i, entry.Generation)
		}
	}
	if _, err := reader.Read(); err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
}

func TestTraceReader_NotFound(t *testing.T) {
	_, err := NewTraceReader(t.TempDir(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTraceReader_CorruptLine(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-corrupt"
	os.MkdirAll(filepath.Join(tmpDir, "runs", runID), 0755)
	os.WriteFile(filepath.Join(tmpDir, "runs", runID, "trace.jsonl"), []byte("{\"generation\":0}\nnot json\n"), 0644)

	if _, err := ReadTrace(tmpDir, runID); err == nil {
		t.Error("Expected error for corrupt trace line")
	}
}

func TestTraceWriter_ConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()
	runID := "test-run-concurrent"

	writer, err := NewTraceWriter(tmpDir, runID, false)
	if err != nil {
		t.Fatalf("Failed to create trace writer: %v", err)
	}
	defer writer.Close()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(gen int) {
			if err := writer.Write(TraceEntry{Generation: gen, Timestamp: time.Now()}); err != nil {
				t.Errorf("Concurrent write failed: %v", err)
			}
			done <- true
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	entries, err := ReadTrace(tmpDir, runID)
	if err != nil {
		t.Fatalf("Failed to read entries: %v", err)
	}
	if len(entries) != 10 {
		t.Errorf("Expected 10 entries, got %d", len(entries))
	}
}
