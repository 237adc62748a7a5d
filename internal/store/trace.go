package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceEntry represents one generation in the run trace.
// Each entry is serialized as a JSON line in trace.jsonl.
type TraceEntry struct {
	Generation int       `json:"generation"`
	Timestamp  time.Time `json:"timestamp"`

	// GenerationBest is the best measured fitness of this generation, nil
	// when nothing was measured.
	GenerationBest *float64 `json:"generationBest"`

	// BestFitness is the global best after this generation.
	BestFitness *float64 `json:"bestFitness"`
	BestHash    string   `json:"bestHash,omitempty"`

	// MeanMeasured is the mean of the generation's measured fitness values.
	MeanMeasured *float64 `json:"meanMeasured,omitempty"`

	Actual          int  `json:"actual"`
	Surrogate       int  `json:"surrogate"`
	Skipped         int  `json:"skipped"`
	Failed          int  `json:"failed"`
	CacheHits       int  `json:"cacheHits"`
	Backfilled      int  `json:"backfilled,omitempty"`
	EarlyTerminated bool `json:"earlyTerminated,omitempty"`
	Refined         bool `json:"refined,omitempty"`
	CacheSize       int  `json:"cacheSize"`
}

func runDir(baseDir, runID string) string {
	return filepath.Join(baseDir, "runs", runID)
}

func tracePath(baseDir, runID string) string {
	return filepath.Join(runDir(baseDir, runID), "trace.jsonl")
}

// TraceWriter writes trace entries to a JSONL file.
// It uses buffered I/O and is safe for concurrent use.
type TraceWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewTraceWriter creates a trace writer for the given run.
// The trace file is created at <baseDir>/runs/<runID>/trace.jsonl.
// If append is true, new entries are appended to an existing file.
func NewTraceWriter(baseDir, runID string, append bool) (*TraceWriter, error) {
	if err := os.MkdirAll(runDir(baseDir, runID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	path := tracePath(baseDir, runID)

	var file *os.File
	var err error
	if append {
		file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	} else {
		file, err = os.Create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
	}, nil
}

// Write appends a trace entry and flushes it, so that a crashed run still
// leaves every completed generation on disk.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	if err := tw.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	return nil
}

// Close flushes buffered data and closes the trace file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		tw.file.Close()
		return fmt.Errorf("failed to flush on close: %w", err)
	}
	if err := tw.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// Path returns the filesystem path to the trace file.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries from a JSONL file.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader creates a trace reader for the given run.
func NewTraceReader(baseDir, runID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read reads the next trace entry.
// Returns io.EOF when no more entries are available.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll reads all remaining trace entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

// Close closes the trace reader.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ReadTrace loads the whole trace of a run.
func ReadTrace(baseDir, runID string) ([]TraceEntry, error) {
	reader, err := NewTraceReader(baseDir, runID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return reader.ReadAll()
}
