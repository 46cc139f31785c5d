package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/scheduler"
)

// StartPool starts workers that execute jobs from the channel until ctx is
// cancelled or the channel is closed.
func StartPool(
	ctx context.Context,
	wg *sync.WaitGroup,
	workers int,
	jobs <-chan *models.Job,
	exec *Executor,
	logger *zap.Logger,
) {

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			logger.Info("worker started", zap.Int("worker_id", id))

			for {
				select {

				case <-ctx.Done():
					logger.Info("worker shutting down", zap.Int("worker_id", id))
					return

				case job, ok := <-jobs:
					if !ok {
						logger.Info("job channel closed", zap.Int("worker_id", id))
						return
					}

					// ----------------------------
					// Execute
					// ----------------------------
					if err := exec.Execute(ctx, job); err != nil {
						logger.Error("job failed",
							zap.Int("worker_id", id),
							zap.String("job_id", job.ID),
							zap.Error(err),
						)
						continue
					}

					logger.Info("job finished",
						zap.Int("worker_id", id),
						zap.String("job_id", job.ID),
						zap.String("action", job.Action),
					)
				}
			}
		}(i)
	}
}

// StartPoller claims due jobs every interval and hands them to the pool.
// It closes jobs when it returns.
func StartPoller(
	ctx context.Context,
	wg *sync.WaitGroup,
	interval time.Duration,
	limit int,
	sched *scheduler.Scheduler,
	jobs chan<- *models.Job,
	logger *zap.Logger,
) {
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer close(jobs)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if !Claim(ctx, sched, limit, jobs, logger) {
				return
			}

			select {
			case <-ctx.Done():
				logger.Info("poller shutting down")
				return
			case <-ticker.C:
			}
		}
	}()
}

// Claim claims one round of due jobs and pushes them to jobs. It returns
// false when ctx ended before every claimed job was handed off.
func Claim(ctx context.Context, sched *scheduler.Scheduler, limit int, jobs chan<- *models.Job, logger *zap.Logger) bool {
	claimed, err := sched.ClaimDueJobs(ctx, time.Now().UTC(), limit)
	if err != nil {
		logger.Error("failed to claim due jobs", zap.Error(err))
		return ctx.Err() == nil
	}

	for _, job := range claimed {
		select {
		case jobs <- job:
		case <-ctx.Done():
			// claimed but never started; leave it RUNNING for an operator
			logger.Warn("claimed job dropped on shutdown", zap.String("job_id", job.ID))
			return false
		}
	}
	return true
}
