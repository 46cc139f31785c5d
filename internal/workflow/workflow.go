// Package workflow drives content generation and the human review gate.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/content"
	"PulseCampaign/internal/lock"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/storage"
	"PulseCampaign/internal/store"
)

const scanKey = "scan:generate"

type ScanResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ReviewResult reports a bulk approve/reject over every pending item of a
// template code.
type ReviewResult struct {
	Matched int      `json:"matched"`
	Updated int      `json:"updated"`
	Errors  []string `json:"errors,omitempty"`
}

type Workflow struct {
	Queue       *queue.Service
	Generator   content.Generator
	Blobs       storage.BlobStore
	Latch       lock.Latch
	ItemTimeout time.Duration
	Log         *zap.Logger
}

// ScanAndGenerate drafts content for up to batchSize waiting items, oldest
// first. One item failing never stops the others.
func (w *Workflow) ScanAndGenerate(ctx context.Context, batchSize int) (ScanResult, error) {
	var res ScanResult

	release, err := w.Latch.TryAcquire(ctx, scanKey)
	if err != nil {
		return res, err
	}
	defer release()

	items, err := w.Queue.ListByStatus(ctx, models.StatusWaitGenerate, batchSize, 0)
	if err != nil {
		return res, err
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		if err := w.generateOne(ctx, item); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.ID, err))
			metrics.GenerationFailures.Inc()
			continue
		}
		res.Succeeded++
		metrics.DraftsGenerated.Inc()
	}

	w.Log.Info("generation scan finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (w *Workflow) generateOne(ctx context.Context, item *models.QueueItem) error {
	itemCtx := ctx
	if w.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, w.ItemTimeout)
		defer cancel()
	}

	genErr := func() error {
		draft, err := w.Generator.Generate(itemCtx, item)
		if err != nil {
			return fmt.Errorf("generate: %w", err)
		}
		key := content.DraftKey(item)
		if err := content.SaveDraft(itemCtx, w.Blobs, key, draft); err != nil {
			return fmt.Errorf("store draft: %w", err)
		}
		_, err = w.Queue.Transition(ctx, item.ID, models.StatusWaitGenerate, models.StatusPendingReview, queue.TransitionOpts{ContentRef: key})
		return err
	}()

	if genErr == nil {
		return nil
	}

	// lost race: someone else already moved it, leave it alone
	if apperr.IsInvalidTransition(genErr) {
		w.Log.Warn("item changed during generation",
			zap.String("item_id", item.ID),
			zap.Error(genErr),
		)
		return genErr
	}

	w.Log.Error("content generation failed",
		zap.String("item_id", item.ID),
		zap.String("template_code", item.TemplateCode),
		zap.Error(genErr),
	)

	if _, err := w.Queue.Transition(ctx, item.ID, models.StatusWaitGenerate, models.StatusFailedGenerate, queue.TransitionOpts{LastError: genErr.Error()}); err != nil {
		w.Log.Error("failed to mark generation failure",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
	}
	return genErr
}

func (w *Workflow) ListPendingReview(ctx context.Context, limit, offset int) ([]*models.QueueItem, error) {
	return w.Queue.ListByStatus(ctx, models.StatusPendingReview, limit, offset)
}

// ApproveTemplate schedules every pending item of code for scheduledDate.
func (w *Workflow) ApproveTemplate(ctx context.Context, code string, scheduledDate time.Time) (ReviewResult, error) {
	if scheduledDate.IsZero() {
		return ReviewResult{}, apperr.NewValidation("scheduled_date", "scheduled date is required")
	}
	return w.review(ctx, code, models.StatusScheduled, queue.TransitionOpts{ScheduledAt: &scheduledDate})
}

// RejectTemplate rejects every pending item of code, keeping reason.
func (w *Workflow) RejectTemplate(ctx context.Context, code, reason string) (ReviewResult, error) {
	if reason == "" {
		return ReviewResult{}, apperr.NewValidation("reason", "rejection reason is required")
	}
	return w.review(ctx, code, models.StatusRejectedTemplate, queue.TransitionOpts{RejectionReason: reason})
}

func (w *Workflow) review(ctx context.Context, code string, to models.QueueStatus, opts queue.TransitionOpts) (ReviewResult, error) {
	var res ReviewResult

	items, err := w.Queue.List(ctx, store.QueueFilter{Status: models.StatusPendingReview, TemplateCode: code})
	if err != nil {
		return res, err
	}
	if len(items) == 0 {
		return res, apperr.NewNotFound("pending template", code)
	}
	res.Matched = len(items)

	for _, it := range items {
		if _, err := w.Queue.Transition(ctx, it.ID, models.StatusPendingReview, to, opts); err != nil {
			// validation errors apply to the whole request
			if apperr.IsValidation(err) {
				return res, err
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", it.ID, err))
			continue
		}
		res.Updated++
	}

	w.Log.Info("template reviewed",
		zap.String("template_code", code),
		zap.String("decision", string(to)),
		zap.Int("matched", res.Matched),
		zap.Int("updated", res.Updated),
	)
	return res, nil
}

// Regenerate requeues the rejected items of code for a fresh draft.
func (w *Workflow) Regenerate(ctx context.Context, code string) (ReviewResult, error) {
	var res ReviewResult

	items, err := w.Queue.List(ctx, store.QueueFilter{Status: models.StatusRejectedTemplate, TemplateCode: code})
	if err != nil {
		return res, err
	}

	for _, it := range items {
		has, err := w.Queue.HasRequeue(ctx, it.ID)
		if err != nil {
			return res, err
		}
		if has {
			continue
		}
		res.Matched++

		if _, err := w.Queue.Requeue(ctx, it.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", it.ID, err))
			continue
		}
		res.Updated++
	}

	if res.Matched == 0 {
		return res, apperr.NewNotFound("rejected template", code)
	}
	return res, nil
}
