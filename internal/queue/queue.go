// Package queue is the per-recipient state machine.
//
//	WAIT_GENERATE_TEMPLATE -> PENDING_REVIEW | FAILED_GENERATE
//	PENDING_REVIEW         -> SCHEDULED | REJECTED_TEMPLATE
//	SCHEDULED              -> SENT | FAILED_SEND
//
// Every write is conditional on the status the caller last saw.
package queue

import (
	"context"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

var transitions = map[models.QueueStatus][]models.QueueStatus{
	models.StatusWaitGenerate:  {models.StatusPendingReview, models.StatusFailedGenerate},
	models.StatusPendingReview: {models.StatusScheduled, models.StatusRejectedTemplate},
	models.StatusScheduled:     {models.StatusSent, models.StatusFailedSend},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to models.QueueStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionOpts carries the fields a transition may set.
type TransitionOpts struct {
	ScheduledAt     *time.Time
	ContentRef      string
	RejectionReason string
	LastError       string
}

type NewItem struct {
	JobID        string
	Pipeline     string
	RecipientID  string
	Email        string
	Subject      string
	TemplateCode string
	ContentType  models.ContentType
	Variables    map[string]string
}

type Service struct {
	store store.QueueStore
	log   *zap.Logger
	now   func() time.Time
}

func New(s store.QueueStore, log *zap.Logger) *Service {
	return &Service{
		store: s,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create adds an item in WAIT_GENERATE_TEMPLATE.
func (s *Service) Create(ctx context.Context, in NewItem) (*models.QueueItem, error) {
	if in.RecipientID == "" {
		in.RecipientID = in.Email
	}
	if in.RecipientID == "" {
		return nil, apperr.NewValidation("recipient_id", "recipient is required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, apperr.NewValidation("email", "invalid email address")
	}
	if in.TemplateCode == "" {
		return nil, apperr.NewValidation("template_code", "template code is required")
	}
	if in.ContentType == "" {
		in.ContentType = models.ContentPredefined
	}
	if !in.ContentType.Valid() {
		return nil, apperr.NewValidation("content_type", "must be predefined or ai_generated")
	}

	now := s.now()
	item := &models.QueueItem{
		ID:           uuid.NewString(),
		JobID:        in.JobID,
		Pipeline:     in.Pipeline,
		RecipientID:  in.RecipientID,
		Email:        in.Email,
		Subject:      in.Subject,
		TemplateCode: in.TemplateCode,
		ContentType:  in.ContentType,
		Variables:    in.Variables,
		Status:       models.StatusWaitGenerate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.InsertQueueItem(ctx, item); err != nil {
		return nil, apperr.Persistence("insert queue item", err)
	}
	return item, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	item, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return nil, apperr.Persistence("get queue item", err)
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, f store.QueueFilter) ([]*models.QueueItem, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, apperr.NewValidation("status", "unknown status "+string(f.Status))
	}
	items, err := s.store.ListQueueItems(ctx, f)
	if err != nil {
		return nil, apperr.Persistence("list queue items", err)
	}
	return items, nil
}

func (s *Service) ListByStatus(ctx context.Context, status models.QueueStatus, limit, offset int) ([]*models.QueueItem, error) {
	return s.List(ctx, store.QueueFilter{Status: status, Limit: limit, Offset: offset})
}

func (s *Service) ListByPipeline(ctx context.Context, pipeline string, limit, offset int) ([]*models.QueueItem, error) {
	return s.List(ctx, store.QueueFilter{Pipeline: pipeline, Limit: limit, Offset: offset})
}

func (s *Service) ListByJob(ctx context.Context, jobID string) ([]*models.QueueItem, error) {
	return s.List(ctx, store.QueueFilter{JobID: jobID})
}

// ListScheduledDue returns SCHEDULED items due at asOf, oldest first.
func (s *Service) ListScheduledDue(ctx context.Context, pipeline string, asOf time.Time, limit int) ([]*models.QueueItem, error) {
	return s.List(ctx, store.QueueFilter{
		Status:          models.StatusScheduled,
		Pipeline:        pipeline,
		ScheduledBefore: &asOf,
		Limit:           limit,
	})
}

// Transition moves item id from -> to. A stale from, a terminal from, or a
// pair outside the table yields *apperr.InvalidTransitionError.
func (s *Service) Transition(ctx context.Context, id string, from, to models.QueueStatus, opts TransitionOpts) (*models.QueueItem, error) {
	if from.Terminal() {
		return nil, apperr.NewInvalidTransition("queue item", id, string(from), string(to), "item is in a terminal state")
	}
	if !Allowed(from, to) {
		return nil, apperr.NewInvalidTransition("queue item", id, string(from), string(to), "")
	}

	upd := store.QueueUpdate{Status: to}

	switch to {
	case models.StatusScheduled:
		if opts.ScheduledAt == nil {
			return nil, apperr.NewValidation("scheduled_at", "scheduled date is required")
		}
		item, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if opts.ScheduledAt.Before(item.CreatedAt) {
			return nil, apperr.NewValidation("scheduled_at", "scheduled date precedes item creation")
		}
		at := opts.ScheduledAt.UTC()
		upd.ScheduledAt = &at
	case models.StatusPendingReview:
		if opts.ContentRef != "" {
			upd.ContentRef = &opts.ContentRef
		}
	case models.StatusRejectedTemplate:
		upd.RejectionReason = &opts.RejectionReason
	case models.StatusFailedGenerate, models.StatusFailedSend:
		upd.LastError = &opts.LastError
	}

	ok, err := s.store.UpdateQueueItemIf(ctx, id, from, upd)
	if err != nil {
		return nil, apperr.Persistence("update queue item", err)
	}
	if !ok {
		return nil, apperr.NewInvalidTransition("queue item", id, string(from), string(to), "status changed concurrently")
	}

	s.log.Debug("queue item transitioned",
		zap.String("item_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	return s.Get(ctx, id)
}

// UpdateStatus reads the current status and applies a validated transition.
func (s *Service) UpdateStatus(ctx context.Context, id string, to models.QueueStatus, opts TransitionOpts) (*models.QueueItem, error) {
	if !to.Valid() {
		return nil, apperr.NewValidation("status", "unknown status "+string(to))
	}
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, item.Status, to, opts)
}

// Requeue creates a fresh WAIT_GENERATE_TEMPLATE item from a terminal failed
// one. The failed item keeps its state.
func (s *Service) Requeue(ctx context.Context, id string) (*models.QueueItem, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch old.Status {
	case models.StatusFailedGenerate, models.StatusFailedSend, models.StatusRejectedTemplate:
	default:
		return nil, apperr.NewInvalidTransition("queue item", id, string(old.Status), string(models.StatusWaitGenerate), "only failed or rejected items can be requeued")
	}

	now := s.now()
	item := &models.QueueItem{
		ID:           uuid.NewString(),
		JobID:        old.JobID,
		Pipeline:     old.Pipeline,
		RecipientID:  old.RecipientID,
		Email:        old.Email,
		Subject:      old.Subject,
		TemplateCode: old.TemplateCode,
		ContentType:  old.ContentType,
		Variables:    old.Variables,
		Status:       models.StatusWaitGenerate,
		Attempt:      old.Attempt + 1,
		ParentID:     old.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.InsertQueueItem(ctx, item); err != nil {
		return nil, apperr.Persistence("insert queue item", err)
	}

	s.log.Info("queue item requeued",
		zap.String("item_id", item.ID),
		zap.String("parent_id", old.ID),
		zap.Int("attempt", item.Attempt),
	)
	return item, nil
}

// HasRequeue reports whether id was already requeued.
func (s *Service) HasRequeue(ctx context.Context, id string) (bool, error) {
	has, err := s.store.HasChild(ctx, id)
	if err != nil {
		return false, apperr.Persistence("check requeued", err)
	}
	return has, nil
}

type RequeueResult struct {
	Requeued int      `json:"requeued"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// RequeueFailed requeues failed items in status that have fewer than
// maxAttempts attempts and have not been requeued yet.
func (s *Service) RequeueFailed(ctx context.Context, status models.QueueStatus, maxAttempts, limit int) (RequeueResult, error) {
	var res RequeueResult

	if status != models.StatusFailedGenerate && status != models.StatusFailedSend {
		return res, apperr.NewValidation("status", "only FAILED_GENERATE and FAILED_SEND are retried automatically")
	}
	// Attempt is zero-based, so an item at Attempt n has used n+1 attempts.
	if maxAttempts <= 1 {
		return res, nil
	}

	items, err := s.List(ctx, store.QueueFilter{
		Status:          status,
		AttemptBelow:    maxAttempts - 1,
		ExcludeRequeued: true,
		Limit:           limit,
	})
	if err != nil {
		return res, err
	}

	for _, it := range items {
		has, err := s.HasRequeue(ctx, it.ID)
		if err != nil {
			return res, err
		}
		// requeued concurrently since the listing
		if has {
			res.Skipped++
			continue
		}

		if _, err := s.Requeue(ctx, it.ID); err != nil {
			res.Errors = append(res.Errors, it.ID+": "+err.Error())
			continue
		}
		res.Requeued++
	}

	return res, nil
}

// Stats counts items per status. An empty jobID counts every item.
func (s *Service) Stats(ctx context.Context, jobID string) (map[models.QueueStatus]int, error) {
	counts, err := s.store.CountQueueItems(ctx, store.QueueFilter{JobID: jobID})
	if err != nil {
		return nil, apperr.Persistence("count queue items", err)
	}
	for _, st := range models.AllQueueStatuses {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}
