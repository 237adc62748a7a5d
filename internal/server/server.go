// Package server exposes search runs over a JSON HTTP API with live
// progress streamed as server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/mixprectune/internal/store"
)

// Server represents the HTTP server
type Server struct {
	jobManager *JobManager
	launch     Launcher
	runs       *store.FSStore
	addr       string
	server     *http.Server

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewServer creates a new HTTP server. launch builds the controller of each
// job; runs, when not nil, serves the persisted artifacts of finished runs.
// At most maxConcurrent jobs run at once; the rest wait in pending state.
func NewServer(addr string, launch Launcher, runs *store.FSStore, maxConcurrent int) *Server {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Server{
		jobManager: NewJobManager(),
		launch:     launch,
		runs:       runs,
		addr:       addr,
		slots:      make(chan struct{}, maxConcurrent),
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/runs", s.handleJobs)
	mux.HandleFunc("/api/v1/runs/", s.handleJobsWithID)
	mux.HandleFunc("/api/v1/history", s.handleHistory)

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server, cancelling running jobs and
// waiting for them to persist their results.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}

	for _, job := range s.jobManager.ListJobs() {
		s.jobManager.CancelJob(job.ID)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Timed out waiting for jobs to stop")
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wait blocks until every started job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// handleHealth handles /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": len(s.jobManager.GetRunningJobs()),
	})
}

// handleJobs handles /api/v1/runs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobsWithID handles /api/v1/runs/:id/*
func (s *Server) handleJobsWithID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	if !validRunID(jobID) {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	sub := ""
	if len(parts) > 1 {
		sub = parts[1]
	}

	if sub == "cancel" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleCancelJob(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch sub {
	case "", "status":
		s.handleGetJobStatus(w, r, jobID)
	case "best":
		s.handleGetBest(w, r, jobID)
	case "summary":
		s.handleGetSummary(w, r, jobID)
	case "history":
		s.handleGetHistory(w, r, jobID)
	case "trace":
		s.handleGetTrace(w, r, jobID)
	case "stream":
		s.handleJobStream(w, r, jobID)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleCreateJob handles POST /api/v1/runs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.launch == nil {
		http.Error(w, "Server cannot start runs", http.StatusServiceUnavailable)
		return
	}

	var config JobConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
			http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
			return
		}
	}
	if err := config.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := s.jobManager.CreateJob(config)
	s.start(job.ID)

	writeJSON(w, http.StatusCreated, job)
}

// start runs the job in the background once a slot is free.
func (s *Server) start(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.jobManager.UpdateJob(jobID, func(j *Job) {
		j.cancel = cancel
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
		}
		runJob(ctx, s.jobManager, s.launch, jobID)
	}()
}

// handleListJobs handles GET /api/v1/runs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobManager.ListJobs())
}

// statusResponse is a job with its elapsed time.
type statusResponse struct {
	*Job
	Elapsed float64 `json:"elapsed"`
}

// handleGetJobStatus handles GET /api/v1/runs/:id/status
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	writeJSON(w, http.StatusOK, statusResponse{Job: job, Elapsed: elapsed.Seconds()})
}

// handleCancelJob handles POST /api/v1/runs/:id/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if !s.jobManager.CancelJob(jobID) {
		http.Error(w, "Run already finished", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleGetBest handles GET /api/v1/runs/:id/best. Jobs of this server are
// answered from memory, other runs from the run store.
func (s *Server) handleGetBest(w http.ResponseWriter, r *http.Request, jobID string) {
	if job, exists := s.jobManager.GetJob(jobID); exists {
		if job.Best == nil {
			http.Error(w, "No results yet", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job.Best)
		return
	}
	if s.runs == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	best, err := s.runs.LoadBest(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, best)
}

// handleGetSummary handles GET /api/v1/runs/:id/summary
func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.runs == nil {
		http.Error(w, "Run store not configured", http.StatusNotFound)
		return
	}
	summary, err := s.runs.LoadSummary(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleGetHistory handles GET /api/v1/runs/:id/history
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.runs == nil {
		http.Error(w, "Run store not configured", http.StatusNotFound)
		return
	}
	history, err := s.runs.LoadHistory(jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// handleGetTrace handles GET /api/v1/runs/:id/trace
func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request, jobID string) {
	if s.runs == nil {
		http.Error(w, "Run store not configured", http.StatusNotFound)
		return
	}
	entries, err := store.ReadTrace(s.runs.BaseDir(), jobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleHistory handles GET /api/v1/history, the persisted runs newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		writeJSON(w, http.StatusOK, []store.RunInfo{})
		return
	}
	infos, err := s.runs.ListRuns()
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
