// Package dispatch sends approved, due queue items through the mail provider
// and records the per-recipient outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/content"
	"PulseCampaign/internal/email"
	"PulseCampaign/internal/lock"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/store"
)

// ErrInterrupted marks a batch stopped by cancellation of its context. Items
// not yet attempted stay SCHEDULED.
var ErrInterrupted = errors.New("dispatch interrupted")

type ItemResult struct {
	ItemID            string `json:"item_id"`
	RecordID          string `json:"record_id,omitempty"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Error             string `json:"error,omitempty"`
}

type BatchResult struct {
	JobID        string       `json:"job_id,omitempty"`
	SuccessCount int          `json:"success_count"`
	FailCount    int          `json:"fail_count"`
	Remaining    int          `json:"remaining,omitempty"`
	Items        []ItemResult `json:"items"`
}

func (r BatchResult) HasPartialFailure() bool {
	return r.SuccessCount > 0 && r.FailCount > 0
}

type Orchestrator struct {
	Queue       *queue.Service
	Records     store.RecordStore
	Scheduler   *scheduler.Scheduler
	Provider    email.Provider
	Content     *content.Resolver
	Latch       lock.Latch
	Limiter     *rate.Limiter
	SendTimeout time.Duration
	Log         *zap.Logger

	running atomic.Int32
}

func latchKey(cohort string) string {
	return "dispatch:" + cohort
}

// GetScheduledItems returns SCHEDULED items of pipeline due at asOf. An empty
// pipeline selects every cohort.
func (o *Orchestrator) GetScheduledItems(ctx context.Context, pipeline string, asOf time.Time, limit int) ([]*models.QueueItem, error) {
	return o.Queue.ListScheduledDue(ctx, pipeline, asOf, limit)
}

// InProgress reports whether this process is running any dispatch.
func (o *Orchestrator) InProgress() bool {
	return o.running.Load() > 0
}

// CohortInProgress reports whether any instance sharing the latch is
// dispatching cohort.
func (o *Orchestrator) CohortInProgress(ctx context.Context, cohort string) (bool, error) {
	return o.Latch.Held(ctx, latchKey(cohort))
}

// cohorts lists the pipelines a batch touches: the job's own and every
// item's, sorted.
func cohorts(job *models.Job, items []*models.QueueItem) []string {
	seen := make(map[string]bool)
	if job != nil {
		seen[job.Pipeline] = true
	}
	for _, it := range items {
		seen[it.Pipeline] = true
	}

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// acquire takes the latch of every cohort or none of them.
func (o *Orchestrator) acquire(ctx context.Context, names []string) (func(), error) {
	releases := make([]func(), 0, len(names))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	for _, c := range names {
		release, err := o.Latch.TryAcquire(ctx, latchKey(c))
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

// DispatchBatch sends every item independently while holding the latch of
// each cohort in the batch. When job is non-nil it must be RUNNING and is
// finalized with the aggregate counts: FAILED when no item was sent or the
// batch was interrupted.
func (o *Orchestrator) DispatchBatch(ctx context.Context, job *models.Job, items []*models.QueueItem) (BatchResult, error) {
	names := cohorts(job, items)
	release, err := o.acquire(ctx, names)
	if err != nil {
		return BatchResult{}, err
	}
	defer release()

	o.running.Add(1)
	defer o.running.Add(-1)

	start := time.Now()
	res := BatchResult{Items: make([]ItemResult, 0, len(items))}
	if job != nil {
		res.JobID = job.ID
	}

	var lastErr, interrupted error
	for i, item := range items {
		if ctx.Err() != nil {
			interrupted = fmt.Errorf("%w after %d of %d items: %v", ErrInterrupted, i, len(items), ctx.Err())
			res.Remaining = len(items) - i
			break
		}

		ir, err := o.sendOne(ctx, job, item)
		res.Items = append(res.Items, ir)
		if errors.Is(err, ErrInterrupted) {
			interrupted = fmt.Errorf("%w after %d of %d items: %v", ErrInterrupted, i, len(items), ctx.Err())
			res.Remaining = len(items) - i
			break
		}
		if err != nil {
			res.FailCount++
			lastErr = err
			metrics.EmailFailures.Inc()
			continue
		}
		res.SuccessCount++
		metrics.EmailsSent.Inc()
	}

	metrics.DispatchDuration.Observe(time.Since(start).Seconds())

	o.Log.Info("dispatch batch finished",
		zap.Strings("cohorts", names),
		zap.Int("success", res.SuccessCount),
		zap.Int("fail", res.FailCount),
		zap.Int("remaining", res.Remaining),
		zap.Duration("took", time.Since(start)),
	)

	if job == nil {
		return res, interrupted
	}

	// finalize even if the caller's ctx was cancelled mid-batch
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case interrupted != nil:
		_, err = o.Scheduler.FailJob(finCtx, job.ID, res.SuccessCount, res.FailCount, interrupted)
	case res.FailCount > 0 && res.SuccessCount == 0:
		_, err = o.Scheduler.FailJob(finCtx, job.ID, res.SuccessCount, res.FailCount,
			fmt.Errorf("all %d items failed, last error: %w", res.FailCount, lastErr))
	default:
		_, err = o.Scheduler.CompleteJob(finCtx, job.ID, res.SuccessCount, res.FailCount)
	}
	if err != nil {
		return res, fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	return res, interrupted
}

func (o *Orchestrator) sendOne(ctx context.Context, job *models.Job, item *models.QueueItem) (ItemResult, error) {
	ir := ItemResult{ItemID: item.ID}
	fail := func(err error) (ItemResult, error) {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrInterrupted, err)
		}
		ir.Error = err.Error()
		return ir, err
	}

	// the caller's copy may be stale
	item, err := o.Queue.Get(ctx, item.ID)
	if err != nil {
		return fail(err)
	}
	if item.Status != models.StatusScheduled {
		return fail(apperr.NewInvalidTransition("queue item", item.ID, string(item.Status), string(models.StatusSent), "item is not scheduled"))
	}

	// a record means an earlier run got the message accepted but could not
	// mark the item SENT
	prev, err := o.Records.GetEmailRecordByQueueItem(ctx, item.ID)
	if err == nil {
		return o.completeSent(ctx, item, prev)
	}
	if !apperr.IsNotFound(err) {
		return fail(apperr.Persistence("lookup email record", err))
	}

	msgID, subject, sendErr := o.deliver(ctx, item)
	if sendErr != nil {
		if ctx.Err() != nil {
			o.Log.Warn("send interrupted, item left scheduled",
				zap.String("item_id", item.ID),
				zap.Error(sendErr),
			)
			return fail(sendErr)
		}

		o.Log.Error("email send failed",
			zap.String("item_id", item.ID),
			zap.String("to", item.Email),
			zap.Error(sendErr),
		)
		ir.Error = sendErr.Error()

		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := o.Queue.Transition(markCtx, item.ID, models.StatusScheduled, models.StatusFailedSend, queue.TransitionOpts{LastError: sendErr.Error()}); err != nil {
			o.Log.Error("failed to update failure status",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
		}
		return ir, sendErr
	}
	ir.ProviderMessageID = msgID

	// The provider accepted the message. From here on the item counts as sent
	// and must not be retried.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	sentAt := time.Now().UTC()
	rec := &models.EmailRecord{
		ID:                uuid.NewString(),
		Pipeline:          item.Pipeline,
		QueueItemID:       item.ID,
		RecipientID:       item.RecipientID,
		Address:           item.Email,
		Subject:           subject,
		ContentType:       item.ContentType,
		TemplateCode:      item.TemplateCode,
		ProviderMessageID: msgID,
		SentAt:            &sentAt,
		DeliveryStatus:    models.DeliverySent,
	}
	if job != nil {
		rec.JobID = job.ID
	} else {
		rec.JobID = item.JobID
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	insert := func() error { return o.Records.InsertEmailRecord(persistCtx, rec) }

	if err := backoff.Retry(insert, backoff.WithContext(backoff.WithMaxRetries(b, 3), persistCtx)); err != nil {
		o.Log.Error("email sent but record not stored",
			zap.String("item_id", item.ID),
			zap.String("provider_message_id", msgID),
			zap.Error(err),
		)
		ir.Error = apperr.Persistence("insert email record", err).Error()
	} else {
		ir.RecordID = rec.ID
	}

	if _, err := o.Queue.Transition(persistCtx, item.ID, models.StatusScheduled, models.StatusSent, queue.TransitionOpts{}); err != nil {
		o.Log.Error("failed to update sent status",
			zap.String("item_id", item.ID),
			zap.String("provider_message_id", msgID),
			zap.Error(err),
		)
		ir.Error = err.Error()
		return ir, nil
	}

	o.Log.Info("email sent successfully",
		zap.String("item_id", item.ID),
		zap.String("to", item.Email),
		zap.String("provider_message_id", msgID),
	)
	return ir, nil
}

// completeSent finishes the SENT transition for an item that already has a
// record, without contacting the provider.
func (o *Orchestrator) completeSent(ctx context.Context, item *models.QueueItem, rec *models.EmailRecord) (ItemResult, error) {
	ir := ItemResult{ItemID: item.ID, RecordID: rec.ID, ProviderMessageID: rec.ProviderMessageID}

	if _, err := o.Queue.Transition(ctx, item.ID, models.StatusScheduled, models.StatusSent, queue.TransitionOpts{}); err != nil {
		ir.Error = err.Error()
		return ir, err
	}

	o.Log.Info("item already sent, status completed",
		zap.String("item_id", item.ID),
		zap.String("provider_message_id", rec.ProviderMessageID),
	)
	return ir, nil
}

func (o *Orchestrator) deliver(ctx context.Context, item *models.QueueItem) (msgID, subject string, err error) {
	rendered, err := o.Content.ForItem(item).Resolve(ctx)
	if err != nil {
		return "", "", fmt.Errorf("render: %w", err)
	}

	subject = rendered.Subject
	if subject == "" {
		subject = item.Subject
	}
	if subject == "" {
		return "", "", apperr.NewValidation("subject", "rendered content has no subject")
	}

	if o.Limiter != nil {
		if err := o.Limiter.Wait(ctx); err != nil {
			return "", "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	sendCtx := ctx
	if o.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, o.SendTimeout)
		defer cancel()
	}

	msgID, err = o.Provider.Send(sendCtx, email.Message{
		To:      item.Email,
		Subject: subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
		Headers: map[string]string{"X-Campaign": item.Pipeline},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !apperr.IsProvider(err) {
			err = &apperr.ProviderError{Provider: o.Provider.Name(), Err: err}
		}
		return "", "", err
	}
	return msgID, subject, nil
}
