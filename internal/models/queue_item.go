package models

import "time"

type QueueStatus string

const (
	StatusWaitGenerate     QueueStatus = "WAIT_GENERATE_TEMPLATE"
	StatusPendingReview    QueueStatus = "PENDING_REVIEW"
	StatusScheduled        QueueStatus = "SCHEDULED"
	StatusSent             QueueStatus = "SENT"
	StatusFailedGenerate   QueueStatus = "FAILED_GENERATE"
	StatusFailedSend       QueueStatus = "FAILED_SEND"
	StatusRejectedTemplate QueueStatus = "REJECTED_TEMPLATE"
)

var AllQueueStatuses = []QueueStatus{
	StatusWaitGenerate,
	StatusPendingReview,
	StatusScheduled,
	StatusSent,
	StatusFailedGenerate,
	StatusFailedSend,
	StatusRejectedTemplate,
}

// Terminal reports whether the item can no longer change state.
func (s QueueStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusFailedGenerate, StatusFailedSend, StatusRejectedTemplate:
		return true
	}
	return false
}

func (s QueueStatus) Valid() bool {
	for _, v := range AllQueueStatuses {
		if v == s {
			return true
		}
	}
	return false
}

type ContentType string

const (
	ContentPredefined  ContentType = "predefined"
	ContentAIGenerated ContentType = "ai_generated"
)

func (c ContentType) Valid() bool {
	return c == ContentPredefined || c == ContentAIGenerated
}

// QueueItem is one recipient's pending email within a campaign.
type QueueItem struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Pipeline     string            `json:"pipeline"`
	RecipientID  string            `json:"recipient_id"`
	Email        string            `json:"email"`
	Subject      string            `json:"subject,omitempty"`
	TemplateCode string            `json:"template_code"`
	ContentType  ContentType       `json:"content_type"`
	Variables    map[string]string `json:"variables,omitempty"`

	Status          QueueStatus `json:"status"`
	ScheduledAt     *time.Time  `json:"scheduled_at,omitempty"`
	ContentRef      string      `json:"content_ref,omitempty"`
	RejectionReason string      `json:"rejection_reason,omitempty"`
	LastError       string      `json:"last_error,omitempty"`

	Attempt  int    `json:"attempt"`
	ParentID string `json:"parent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
