package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/search"
	"github.com/cwbudde/mixprectune/internal/store"
)

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateConverged JobState = "converged"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	switch s {
	case StateCompleted, StateConverged, StateFailed, StateCancelled:
		return true
	}
	return false
}

// JobConfig overrides the server's search settings for one run. Zero values
// keep the server defaults.
type JobConfig struct {
	PopulationSize     int   `json:"populationSize,omitempty"`
	Generations        int   `json:"generations,omitempty"`
	Workers            int   `json:"workers,omitempty"`
	Seed               int64 `json:"seed,omitempty"`
	SimulatedAnnealing *bool `json:"simulatedAnnealing,omitempty"`
	EarlyTermination   *bool `json:"earlyTermination,omitempty"`
	UseSurrogate       *bool `json:"useSurrogate,omitempty"`
}

// Validate rejects negative overrides.
func (c JobConfig) Validate() error {
	if c.PopulationSize < 0 {
		return fmt.Errorf("populationSize must not be negative")
	}
	if c.Generations < 0 {
		return fmt.Errorf("generations must not be negative")
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative")
	}
	return nil
}

// Apply overlays the job's overrides on the server's search options.
// UseSurrogate is left to the Launcher, which owns the predictor.
func (c JobConfig) Apply(opts search.Options) search.Options {
	if c.PopulationSize > 0 {
		opts.PopulationSize = c.PopulationSize
	}
	if c.Generations > 0 {
		opts.Generations = c.Generations
	}
	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	if c.Seed != 0 {
		opts.Seed = c.Seed
	}
	if c.SimulatedAnnealing != nil {
		opts.SimulatedAnnealing = *c.SimulatedAnnealing
	}
	if c.EarlyTermination != nil {
		opts.EarlyTermination = *c.EarlyTermination
	}
	return opts
}

// Job represents a search run started through the API
type Job struct {
	ID             string            `json:"id"`
	State          JobState          `json:"state"`
	Config         JobConfig         `json:"config"`
	Generation     int               `json:"generation"`
	BestFitness    *float64          `json:"bestFitness"`
	BestHash       string            `json:"bestHash,omitempty"`
	Best           *precision.Config `json:"best,omitempty"`
	Stats          store.RunStats    `json:"stats"`
	StopReason     string            `json:"stopReason,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	EndTime        *time.Time        `json:"endTime,omitempty"`
	Error          string            `json:"error,omitempty"`
	SAImprovements int               `json:"saImprovements"`

	cancel context.CancelFunc
}

// snapshot copies the job so it can be read without the manager's lock.
func (j *Job) snapshot() *Job {
	c := *j
	c.cancel = nil
	if j.BestFitness != nil {
		v := *j.BestFitness
		c.BestFitness = &v
	}
	if j.Best != nil {
		b := j.Best.Clone()
		c.Best = &b
	}
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return &c
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new job with the given configuration
func (jm *JobManager) CreateJob(config JobConfig) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    config,
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	return job.snapshot()
}

// GetJob returns a copy of the job with the given ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	return job.snapshot(), true
}

// ListJobs returns copies of all jobs, oldest first
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		jobs = append(jobs, job.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].StartTime.Equal(jobs[j].StartTime) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	updateFn(job)
	return nil
}

// CancelJob stops a pending or running job. It reports false when the job
// does not exist or has already finished.
func (jm *JobManager) CancelJob(id string) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists || job.State.Done() {
		return false
	}
	if job.cancel != nil {
		job.cancel()
	}
	return true
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			runningJobs = append(runningJobs, job.snapshot())
		}
	}
	return runningJobs
}
