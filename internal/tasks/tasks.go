// Package tasks runs the job pipeline on asynq: a periodic tick claims due
// jobs and every claimed job becomes its own execute task.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/worker"
)

const (
	TaskTypeTick    = "pipeline:tick"
	TaskTypeExecute = "pipeline:execute"

	QueueName = "pipeline"
)

type executePayload struct {
	JobID string `json:"job_id"`
}

func NewExecuteTask(jobID string) (*asynq.Task, error) {
	b, err := json.Marshal(executePayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeExecute, b), nil
}

// JobEnqueuer hands a claimed job to the execute queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, jobID string) error
}

type Client struct {
	client *asynq.Client
}

func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(opt)}
}

func (c *Client) Close() error { return c.client.Close() }

func (c *Client) EnqueueJob(ctx context.Context, jobID string) error {
	task, err := NewExecuteTask(jobID)
	if err != nil {
		return err
	}

	// job-level retries are scheduled as new jobs, so asynq never retries
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// TickHandler claims due jobs on every tick.
type TickHandler struct {
	Scheduler  *scheduler.Scheduler
	Enqueuer   JobEnqueuer
	ClaimLimit int
	Log        *zap.Logger
}

func (h *TickHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	claimed, err := h.Scheduler.ClaimDueJobs(ctx, time.Now().UTC(), h.ClaimLimit)
	if err != nil {
		return err
	}

	for _, job := range claimed {
		if err := h.Enqueuer.EnqueueJob(ctx, job.ID); err != nil {
			// the job is RUNNING now; fail it so it gets a retry job
			h.Log.Error("failed to hand off claimed job", zap.String("job_id", job.ID), zap.Error(err))
			if _, ferr := h.Scheduler.FailJob(context.WithoutCancel(ctx), job.ID, 0, 0, err); ferr != nil {
				h.Log.Error("failed to mark job failed", zap.String("job_id", job.ID), zap.Error(ferr))
			}
		}
	}

	if len(claimed) > 0 {
		h.Log.Info("due jobs claimed", zap.Int("count", len(claimed)))
	}
	return nil
}

// ExecuteHandler runs one claimed job.
type ExecuteHandler struct {
	Scheduler *scheduler.Scheduler
	Executor  *worker.Executor
	Log       *zap.Logger
}

func (h *ExecuteHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p executePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := h.Scheduler.GetJob(ctx, p.JobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobRunning {
		h.Log.Warn("execute task for job that is not running",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, asynq.SkipRetry)
	}

	return h.Executor.Execute(ctx, job)
}

// NewMux routes both task types.
func NewMux(tick *TickHandler, exec *ExecuteHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeTick, tick.ProcessTask)
	mux.HandleFunc(TaskTypeExecute, exec.ProcessTask)
	return mux
}

func NewServer(opt asynq.RedisClientOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueName: 1,
		},
	})
}

// NewTicker registers the periodic tick. spec is a cron spec or "@every 30s".
func NewTicker(opt asynq.RedisClientOpt, spec string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})

	if _, err := s.Register(spec, asynq.NewTask(TaskTypeTick, nil), asynq.Queue(QueueName), asynq.MaxRetry(0)); err != nil {
		return nil, fmt.Errorf("register tick: %w", err)
	}
	return s, nil
}
