// Package scheduler owns the Job lifecycle: creation, atomic claiming of due
// jobs, completion and retry-job creation.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

type JobSpec struct {
	Pipeline    string         `json:"pipeline" validate:"required"`
	Action      string         `json:"action" validate:"required"`
	ScheduledAt time.Time      `json:"scheduled_at" validate:"required"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type Scheduler struct {
	store    store.JobStore
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

func New(s store.JobStore, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		validate: validator.New(),
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) CreateJob(ctx context.Context, spec JobSpec) (*models.Job, error) {
	if err := s.validate.Struct(spec); err != nil {
		return nil, validationError(err)
	}
	if !slices.Contains(models.ValidActions, spec.Action) {
		return nil, apperr.NewValidation("action", fmt.Sprintf("unknown action %q", spec.Action))
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Pipeline:    spec.Pipeline,
		Action:      spec.Action,
		ScheduledAt: spec.ScheduledAt.UTC(),
		Status:      models.JobNew,
		Description: spec.Description,
		Metadata:    models.CopyMetadata(spec.Metadata),
		CreatedAt:   s.now(),
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, apperr.Persistence("insert job", err)
	}

	s.log.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("pipeline", job.Pipeline),
		zap.String("action", job.Action),
		zap.Time("scheduled_at", job.ScheduledAt),
	)
	return job, nil
}

// ClaimDueJobs moves due NEW jobs to RUNNING and returns the ones this caller
// won. Two callers racing for the same job never both receive it.
func (s *Scheduler) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	due, err := s.store.ListDueJobs(ctx, now, limit)
	if err != nil {
		return nil, apperr.Persistence("list due jobs", err)
	}

	claimed := make([]*models.Job, 0, len(due))
	for _, job := range due {
		started := s.now()
		ok, err := s.store.UpdateJobIf(ctx, job.ID, models.JobNew, store.JobUpdate{
			Status:    models.JobRunning,
			StartedAt: &started,
		})
		if err != nil {
			return claimed, apperr.Persistence("claim job", err)
		}
		if !ok {
			continue
		}

		job.Status = models.JobRunning
		job.StartedAt = &started
		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (s *Scheduler) CompleteJob(ctx context.Context, id string, success, fail int) (*models.Job, error) {
	return s.finish(ctx, id, models.JobDone, success, fail, nil)
}

// FailJob finalizes a running job as FAILED and records cause in metadata.
func (s *Scheduler) FailJob(ctx context.Context, id string, success, fail int, cause error) (*models.Job, error) {
	return s.finish(ctx, id, models.JobFailed, success, fail, cause)
}

func (s *Scheduler) finish(ctx context.Context, id string, to models.JobStatus, success, fail int, cause error) (*models.Job, error) {
	if success < 0 || fail < 0 {
		return nil, apperr.NewValidation("counts", "success and fail counts must be non-negative")
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("get job", err)
	}
	if job.Status != models.JobRunning {
		return nil, apperr.NewInvalidTransition("job", id, string(job.Status), string(to), "job is not running")
	}

	completed := s.now()
	upd := store.JobUpdate{
		Status:       to,
		CompletedAt:  &completed,
		SuccessCount: &success,
		FailCount:    &fail,
	}
	if cause != nil {
		meta := models.CopyMetadata(job.Metadata)
		meta[models.MetaError] = cause.Error()
		upd.Metadata = meta
	}

	ok, err := s.store.UpdateJobIf(ctx, id, models.JobRunning, upd)
	if err != nil {
		return nil, apperr.Persistence("finish job", err)
	}
	if !ok {
		return nil, apperr.NewInvalidTransition("job", id, string(models.JobRunning), string(to), "job changed concurrently")
	}

	job.Status = to
	job.CompletedAt = &completed
	job.SuccessCount = success
	job.FailCount = fail
	if upd.Metadata != nil {
		job.Metadata = upd.Metadata
	}

	fields := []zap.Field{
		zap.String("job_id", id),
		zap.String("status", string(to)),
		zap.Int("success", success),
		zap.Int("fail", fail),
	}
	if cause != nil {
		s.log.Warn("job failed", append(fields, zap.Error(cause))...)
	} else {
		s.log.Info("job completed", fields...)
	}

	return job, nil
}

// CreateRetryJob schedules a fresh NEW job that repeats a finished one after
// delayMinutes. The original job is left untouched.
func (s *Scheduler) CreateRetryJob(ctx context.Context, original *models.Job, delayMinutes int) (*models.Job, error) {
	if original == nil {
		return nil, apperr.NewValidation("job", "original job is required")
	}
	if !original.Status.Terminal() {
		return nil, apperr.NewInvalidTransition("job", original.ID, string(original.Status), string(models.JobNew), "only finished jobs can be retried")
	}
	if delayMinutes < 0 {
		return nil, apperr.NewValidation("delay", "delay must be non-negative")
	}

	meta := models.CopyMetadata(original.Metadata)
	delete(meta, models.MetaError)
	meta[models.MetaRetryOf] = original.ID
	meta[models.MetaRetryAttempt] = original.RetryAttempt() + 1

	return s.CreateJob(ctx, JobSpec{
		Pipeline:    original.Pipeline,
		Action:      original.Action,
		ScheduledAt: s.now().Add(time.Duration(delayMinutes) * time.Minute),
		Description: "Retry: " + original.Description,
		Metadata:    meta,
	})
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("get job", err)
	}
	return job, nil
}

func (s *Scheduler) ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	jobs, err := s.store.ListJobs(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list jobs", err)
	}
	return jobs, nil
}

func validationError(err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return apperr.NewValidation(fe.Field(), fmt.Sprintf("failed %q check", fe.Tag()))
	}
	return apperr.NewValidation("", err.Error())
}
