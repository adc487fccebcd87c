// Package cron runs recurring graph submissions: scheduled jobs carry a
// stored graph payload that is submitted and executed every time their cron
// expression fires.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/nodelab/conduct/internal/engine"
	"github.com/nodelab/conduct/internal/state"
	"github.com/nodelab/conduct/pkg/schema"
)

// GraphRunner is the slice of the engine the scheduler needs.
type GraphRunner interface {
	Submit(ctx context.Context, name string, payload *schema.GraphPayload, params map[string]any) (string, error)
	Run(ctx context.Context, workflowID string) (*engine.Result, error)
}

// Scheduler polls the repository for due scheduled jobs and runs them.
type Scheduler struct {
	repo   state.Repository
	runner GraphRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	tickInterval time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a Scheduler over the given repository and runner.
func NewScheduler(repo state.Repository, runner GraphRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:         repo,
		runner:       runner,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		tickInterval: 60 * time.Second,
		inflight:     make(map[string]struct{}),
	}
}

// AddJob validates the cron expression, computes the first run time, and
// persists the job.
func (s *Scheduler) AddJob(ctx context.Context, name, cronExpr string, payload *schema.GraphPayload, params map[string]any) (string, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return "", err
	}
	job := &state.ScheduledJob{
		ID:             uuid.NewString(),
		Name:           name,
		CronExpression: cronExpr,
		Payload:        *payload,
		Params:         params,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.repo.CreateScheduledJob(ctx, job); err != nil {
		return "", fmt.Errorf("create scheduled job: %w", err)
	}
	s.logger.Info("scheduled job added",
		slog.String("job_id", job.ID),
		slog.String("name", name),
		slog.String("cron", cronExpr))
	return job.ID, nil
}

// RemoveJob deletes a scheduled job.
func (s *Scheduler) RemoveJob(ctx context.Context, jobID string) error {
	return s.repo.DeleteScheduledJob(ctx, jobID)
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.repo.ListScheduledJobs(ctx, state.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			if !s.tryAcquire(job.ID) {
				continue // already running (dedup)
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to run scheduled job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
			}
			s.releaseJob(job.ID)
		}
	}
}

// runJob submits and executes one job's graph, then updates its timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *state.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	status := "success"
	workflowID, err := s.runner.Submit(ctx, job.Name, &job.Payload, job.Params)
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job submission failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	} else {
		result, runErr := s.runner.Run(ctx, workflowID)
		switch {
		case runErr != nil:
			status = "error"
			s.logger.Error("scheduled job execution failed",
				slog.String("job_id", job.ID),
				slog.String("workflow_id", workflowID),
				slog.String("error", runErr.Error()),
			)
		case result.Status != schema.WorkflowStatusCompleted:
			status = string(result.Status)
		}
	}

	return s.updateJobStatus(ctx, job, now, status)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *state.ScheduledJob, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.repo.UpdateScheduledJob(ctx, job.ID, state.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed checks for jobs that missed their next_run_at and runs them once.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.repo.ListScheduledJobs(ctx, state.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.Before(now) {
			if !s.tryAcquire(job.ID) {
				continue
			}
			if err := s.runJob(ctx, job, now); err != nil {
				s.logger.Error("failed to recover missed job",
					slog.String("job_id", job.ID),
					slog.String("error", err.Error()),
				)
				s.releaseJob(job.ID)
				continue
			}
			s.releaseJob(job.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
