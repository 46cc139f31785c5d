package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/csvparser"
	"PulseCampaign/internal/dispatch"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/workflow"
)

// Metadata keys read by the enqueue action.
const (
	MetaTemplateCode = "template_code"
	MetaContentType  = "content_type"
	MetaSubject      = "subject"
	MetaRecipients   = "recipients"
	MetaCohortFile   = "cohort_file"
)

// Recipient is the metadata form of one enqueue target.
type Recipient struct {
	RecipientID string            `json:"recipient_id,omitempty"`
	Email       string            `json:"email"`
	Variables   map[string]string `json:"variables,omitempty"`
}

// Policy holds the batch and retry knobs of the executor.
type Policy struct {
	GenerateBatchSize int
	DispatchBatchSize int
	MaxCohortRows     int

	MaxJobRetries     int
	RetryDelayMinutes int

	ItemAutoRetry   bool
	ItemMaxAttempts int
}

// Executor runs a claimed RUNNING job according to its action and always
// leaves it DONE or FAILED.
type Executor struct {
	Scheduler *scheduler.Scheduler
	Queue     *queue.Service
	Workflow  *workflow.Workflow
	Dispatch  *dispatch.Orchestrator
	Policy    Policy
	Log       *zap.Logger
	Now       func() time.Time
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Executor) Execute(ctx context.Context, job *models.Job) error {
	log := e.Log.With(
		zap.String("job_id", job.ID),
		zap.String("pipeline", job.Pipeline),
		zap.String("action", job.Action),
	)

	var err error
	switch job.Action {
	case models.ActionEnqueue:
		err = e.enqueue(ctx, job)
	case models.ActionGenerate:
		err = e.generate(ctx, job)
	case models.ActionDispatch:
		err = e.dispatch(ctx, job)
	default:
		err = apperr.NewValidation("action", fmt.Sprintf("unknown action %q", job.Action))
	}

	if err != nil {
		log.Error("job execution failed", zap.Error(err))
		e.failAndRetry(ctx, job, err)
	}

	if e.Policy.ItemAutoRetry && job.Action != models.ActionEnqueue {
		e.requeueFailed(ctx, log)
	}

	e.observe(ctx, job)
	return err
}

// ----------------------------
// Actions
// ----------------------------

func (e *Executor) enqueue(ctx context.Context, job *models.Job) error {
	recipients, err := e.recipients(job)
	if err != nil {
		return err
	}

	code := models.MetaString(job.Metadata, MetaTemplateCode)
	if code == "" {
		return apperr.NewValidation(MetaTemplateCode, "template code is required")
	}

	var created, failed int
	var lastErr error
	for _, r := range recipients {
		_, err := e.Queue.Create(ctx, queue.NewItem{
			JobID:        job.ID,
			Pipeline:     job.Pipeline,
			RecipientID:  r.RecipientID,
			Email:        r.Email,
			Subject:      models.MetaString(job.Metadata, MetaSubject),
			TemplateCode: code,
			ContentType:  models.ContentType(models.MetaString(job.Metadata, MetaContentType)),
			Variables:    r.Variables,
		})
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		created++
	}

	if created == 0 && failed > 0 {
		_, err = e.Scheduler.FailJob(ctx, job.ID, created, failed,
			fmt.Errorf("no recipient enqueued, last error: %w", lastErr))
		return err
	}
	_, err = e.Scheduler.CompleteJob(ctx, job.ID, created, failed)
	return err
}

func (e *Executor) recipients(job *models.Job) ([]Recipient, error) {
	if path := models.MetaString(job.Metadata, MetaCohortFile); path != "" {
		rows, err := csvparser.ParseFile(path, e.Policy.MaxCohortRows)
		if err != nil {
			return nil, apperr.NewValidation(MetaCohortFile, err.Error())
		}
		out := make([]Recipient, 0, len(rows))
		for _, r := range rows {
			out = append(out, Recipient{RecipientID: r.RecipientID, Email: r.Email, Variables: r.Variables})
		}
		return out, nil
	}

	raw, ok := job.Metadata[MetaRecipients]
	if !ok {
		return nil, apperr.NewValidation(MetaRecipients, "job has no recipients")
	}

	// metadata may hold decoded JSON or Go values
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, apperr.NewValidation(MetaRecipients, err.Error())
	}
	var out []Recipient
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, apperr.NewValidation(MetaRecipients, err.Error())
	}
	if len(out) == 0 {
		return nil, apperr.NewValidation(MetaRecipients, "job has no recipients")
	}
	return out, nil
}

func (e *Executor) generate(ctx context.Context, job *models.Job) error {
	res, err := e.Workflow.ScanAndGenerate(ctx, e.Policy.GenerateBatchSize)
	if err != nil {
		return err
	}

	if res.Attempted > 0 && res.Succeeded == 0 {
		_, err = e.Scheduler.FailJob(ctx, job.ID, res.Succeeded, res.Failed,
			fmt.Errorf("all %d drafts failed", res.Failed))
		return err
	}
	_, err = e.Scheduler.CompleteJob(ctx, job.ID, res.Succeeded, res.Failed)
	return err
}

func (e *Executor) dispatch(ctx context.Context, job *models.Job) error {
	items, err := e.Dispatch.GetScheduledItems(ctx, job.Pipeline, e.now(), e.Policy.DispatchBatchSize)
	if err != nil {
		return err
	}

	// DispatchBatch finalizes the job
	_, err = e.Dispatch.DispatchBatch(ctx, job, items)
	return err
}

// ----------------------------
// Failure handling
// ----------------------------

func (e *Executor) failAndRetry(ctx context.Context, job *models.Job, cause error) {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	failed, err := e.Scheduler.FailJob(finCtx, job.ID, 0, 0, cause)
	if err != nil {
		if !apperr.IsInvalidTransition(err) {
			e.Log.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		// already finalized by the action itself
		if failed, err = e.Scheduler.GetJob(finCtx, job.ID); err != nil {
			return
		}
	}

	if failed.Status != models.JobFailed || !retryable(cause) {
		return
	}

	attempt := failed.RetryAttempt()
	if attempt >= e.Policy.MaxJobRetries {
		e.Log.Warn("job retries exhausted",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt),
		)
		return
	}

	delay := e.Policy.RetryDelayMinutes * int(math.Pow(2, float64(attempt)))
	retry, err := e.Scheduler.CreateRetryJob(finCtx, failed, delay)
	if err != nil {
		e.Log.Error("failed to create retry job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	e.Log.Info("retry job scheduled",
		zap.String("job_id", job.ID),
		zap.String("retry_job_id", retry.ID),
		zap.Int("delay_minutes", delay),
	)
}

// retryable is false for errors a rerun cannot fix.
func retryable(err error) bool {
	return !apperr.IsValidation(err) && !errors.Is(err, context.Canceled)
}

func (e *Executor) requeueFailed(ctx context.Context, log *zap.Logger) {
	for _, st := range []models.QueueStatus{models.StatusFailedGenerate, models.StatusFailedSend} {
		res, err := e.Queue.RequeueFailed(ctx, st, e.Policy.ItemMaxAttempts, e.Policy.GenerateBatchSize)
		if err != nil {
			log.Warn("item auto-retry failed", zap.String("status", string(st)), zap.Error(err))
			continue
		}
		if res.Requeued > 0 {
			log.Info("failed items requeued",
				zap.String("status", string(st)),
				zap.Int("requeued", res.Requeued),
			)
		}
	}
}

func (e *Executor) observe(ctx context.Context, job *models.Job) {
	final, err := e.Scheduler.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return
	}
	metrics.JobsFinished.WithLabelValues(final.Action, string(final.Status)).Inc()
}
