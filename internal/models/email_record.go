package models

import "time"

// Delivery statuses stored on EmailRecord.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryBounced   = "bounced"
)

// EmailRecord is the receipt of a dispatched QueueItem and its engagement trail.
type EmailRecord struct {
	ID                string      `json:"id"`
	JobID             string      `json:"job_id"`
	Pipeline          string      `json:"pipeline"`
	QueueItemID       string      `json:"queue_item_id"`
	RecipientID       string      `json:"recipient_id"`
	Address           string      `json:"address"`
	Subject           string      `json:"subject"`
	ContentType       ContentType `json:"content_type"`
	TemplateCode      string      `json:"template_code"`
	ProviderMessageID string      `json:"provider_message_id"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`
	BouncedAt *time.Time `json:"bounced_at,omitempty"`

	DeliveryStatus string `json:"delivery_status"`
}
