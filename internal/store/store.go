// Package store declares the persistence collaborators the pipeline needs.
// internal/db implements them on Postgres, internal/memstore in memory.
package store

import (
	"context"
	"time"

	"PulseCampaign/internal/models"
)

// JobUpdate carries the fields changed by a conditional job update.
// Nil fields are left untouched.
type JobUpdate struct {
	Status       models.JobStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	SuccessCount *int
	FailCount    *int
	Metadata     map[string]any
}

type JobFilter struct {
	Pipeline string
	Status   models.JobStatus
	Limit    int
	Offset   int
}

type JobStore interface {
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*models.Job, error)
	// UpdateJobIf applies upd only when the stored status equals from.
	// It reports whether the row was updated.
	UpdateJobIf(ctx context.Context, id string, from models.JobStatus, upd JobUpdate) (bool, error)
}

// QueueUpdate carries the fields changed by a conditional item update.
type QueueUpdate struct {
	Status          models.QueueStatus
	ScheduledAt     *time.Time
	ContentRef      *string
	RejectionReason *string
	LastError       *string
}

// QueueFilter selects queue items. Zero values mean "any".
// When ScheduledBefore is set results are ordered by scheduled date,
// otherwise by creation time, oldest first.
type QueueFilter struct {
	Status          models.QueueStatus
	JobID           string
	Pipeline        string
	TemplateCode    string
	ScheduledBefore *time.Time
	AttemptBelow    int
	// ExcludeRequeued drops items that already have a requeued child.
	ExcludeRequeued bool
	Limit           int
	Offset          int
}

type QueueStore interface {
	InsertQueueItem(ctx context.Context, item *models.QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error)
	ListQueueItems(ctx context.Context, f QueueFilter) ([]*models.QueueItem, error)
	CountQueueItems(ctx context.Context, f QueueFilter) (map[models.QueueStatus]int, error)
	// UpdateQueueItemIf applies upd only when the stored status equals from.
	UpdateQueueItemIf(ctx context.Context, id string, from models.QueueStatus, upd QueueUpdate) (bool, error)
	// HasChild reports whether a requeued item already points at parentID.
	HasChild(ctx context.Context, parentID string) (bool, error)
}

// EngagementUpdate is applied with set-if-unset semantics on timestamps.
// DeliveryStatus replaces the stored status unless the record is bounced
// and ForceStatus is false.
type EngagementUpdate struct {
	SentAt         *time.Time
	OpenedAt       *time.Time
	ClickedAt      *time.Time
	BouncedAt      *time.Time
	DeliveryStatus string
	ForceStatus    bool
}

type RecordStore interface {
	// InsertEmailRecord is idempotent on QueueItemID: an existing record for
	// the same item is returned in place of the new one.
	InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error
	GetEmailRecord(ctx context.Context, id string) (*models.EmailRecord, error)
	GetEmailRecordByMessageID(ctx context.Context, providerMessageID string) (*models.EmailRecord, error)
	GetEmailRecordByQueueItem(ctx context.Context, queueItemID string) (*models.EmailRecord, error)
	ListEmailRecords(ctx context.Context, ids []string) ([]*models.EmailRecord, error)
	ListEmailRecordsByJob(ctx context.Context, jobID string) ([]*models.EmailRecord, error)
	ApplyEngagement(ctx context.Context, id string, upd EngagementUpdate) (*models.EmailRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	JobStore
	QueueStore
	RecordStore
}
