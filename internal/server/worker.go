package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/mixprectune/internal/search"
	"github.com/cwbudde/mixprectune/internal/store"
)

// Launcher builds the controller that executes a job. The controller's run
// ID must be the job ID so that persisted artifacts can be found again.
type Launcher func(jobID string, config JobConfig) (*search.Controller, error)

// runJob executes a search job in the background.
// Every finished generation updates the job and is broadcast to SSE clients.
func runJob(ctx context.Context, jm *JobManager, launch Launcher, jobID string) error {
	job, exists := jm.GetJob(jobID)
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}

	// Cancelled while waiting for a slot
	if err := ctx.Err(); err != nil {
		markJobCancelled(jm, jobID, "cancelled before start")
		return err
	}

	err := jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
	})
	if err != nil {
		return err
	}

	slog.Info("Starting job", "job_id", jobID, "generations", job.Config.Generations, "population_size", job.Config.PopulationSize)

	ctrl, err := launch(jobID, job.Config)
	if err != nil {
		err = fmt.Errorf("failed to prepare search: %w", err)
		markJobFailed(jm, jobID, err)
		return err
	}

	ctrl.WithObserver(func(entry store.TraceEntry) {
		jm.UpdateJob(jobID, func(j *Job) {
			j.Generation = entry.Generation + 1
			j.BestFitness = entry.BestFitness
			j.BestHash = entry.BestHash
		})
		jm.broadcaster.Broadcast(progressFromTrace(jobID, StateRunning, entry))
	})

	start := time.Now()
	res, err := ctrl.Run(ctx)
	if err != nil {
		markJobFailed(jm, jobID, err)
		return err
	}

	state := stateForStatus(res.Status)
	endTime := time.Now()
	err = jm.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Generation = res.Generations
		j.BestFitness = res.BestFitness
		j.Best = res.Best
		if res.Best != nil {
			j.BestHash = res.Best.Hash()
		}
		j.Stats = res.Stats
		j.StopReason = res.StopReason
		j.SAImprovements = res.Annealing.Improvements
		j.EndTime = &endTime
	})
	if err != nil {
		return err
	}

	slog.Info("Job finished",
		"job_id", jobID,
		"state", state,
		"elapsed", time.Since(start),
		"generations", res.Generations,
		"actual_evaluations", res.Stats.ActualEvaluations,
		"cache_hits", res.Stats.CacheHits)

	jm.broadcaster.Broadcast(ProgressEvent{
		JobID:       jobID,
		State:       state,
		Generation:  res.Generations,
		BestFitness: res.BestFitness,
		Timestamp:   time.Now(),
	})

	if state == StateCancelled {
		return ctx.Err()
	}
	return nil
}

// stateForStatus maps a search outcome onto a job state.
func stateForStatus(status store.Status) JobState {
	switch status {
	case store.StatusConverged:
		return StateConverged
	case store.StatusCancelled:
		return StateCancelled
	case store.StatusFailed:
		return StateFailed
	default:
		return StateCompleted
	}
}

// progressFromTrace converts a generation report into a progress event.
func progressFromTrace(jobID string, state JobState, entry store.TraceEntry) ProgressEvent {
	return ProgressEvent{
		JobID:           jobID,
		State:           state,
		Generation:      entry.Generation + 1,
		BestFitness:     entry.BestFitness,
		GenerationBest:  entry.GenerationBest,
		Actual:          entry.Actual,
		Surrogate:       entry.Surrogate,
		Skipped:         entry.Skipped,
		Failed:          entry.Failed,
		CacheHits:       entry.CacheHits,
		EarlyTerminated: entry.EarlyTerminated,
		Timestamp:       entry.Timestamp,
	}
}

// markJobFailed marks a job as failed with an error message
func markJobFailed(jm *JobManager, jobID string, err error) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Job failed", "job_id", jobID, "error", err)
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateFailed, Timestamp: endTime})
}

// markJobCancelled marks a job as cancelled
func markJobCancelled(jm *JobManager, jobID, reason string) {
	endTime := time.Now()
	jm.UpdateJob(jobID, func(j *Job) {
		j.State = StateCancelled
		j.StopReason = reason
		j.EndTime = &endTime
	})
	slog.Info("Job cancelled", "job_id", jobID)
	jm.broadcaster.Broadcast(ProgressEvent{JobID: jobID, State: StateCancelled, Timestamp: endTime})
}
