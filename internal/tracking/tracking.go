// Package tracking applies asynchronous delivery events to email records and
// derives engagement figures from them.
package tracking

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/metrics"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

// Delivery event types accepted from providers.
const (
	EventDelivered = "delivered"
	EventOpened    = "opened"
	EventClicked   = "clicked"
	EventBounced   = "bounced"
)

// Stage is a step on the engagement ladder. Higher stages imply lower ones.
type Stage int

const (
	StagePending Stage = iota
	StageSent
	StageDelivered
	StageOpened
	StageClicked
)

var stageNames = map[Stage]string{
	StagePending:   "pending",
	StageSent:      "sent",
	StageDelivered: "delivered",
	StageOpened:    "opened",
	StageClicked:   "clicked",
}

func (s Stage) String() string { return stageNames[s] }

func ParseStage(name string) (Stage, bool) {
	for st, n := range stageNames {
		if n == strings.ToLower(name) {
			return st, true
		}
	}
	return StagePending, false
}

type Tracker struct {
	Records store.RecordStore
	Log     *zap.Logger
}

// RecordDeliveryEvent applies one provider event. Events for an unknown
// message id return *apperr.NotFoundError so the caller can retry later,
// since callbacks may arrive before the record is written.
func (t *Tracker) RecordDeliveryEvent(ctx context.Context, providerMessageID, eventType string, at time.Time) (*models.EmailRecord, error) {
	if providerMessageID == "" {
		return nil, apperr.NewValidation("provider_message_id", "message id is required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	var upd store.EngagementUpdate
	switch strings.ToLower(eventType) {
	case EventDelivered:
		upd = store.EngagementUpdate{SentAt: &at, DeliveryStatus: models.DeliveryDelivered}
	case EventOpened:
		upd = store.EngagementUpdate{OpenedAt: &at, DeliveryStatus: models.DeliveryDelivered}
	case EventClicked:
		// a click implies the message was opened
		upd = store.EngagementUpdate{OpenedAt: &at, ClickedAt: &at, DeliveryStatus: models.DeliveryDelivered}
	case EventBounced:
		upd = store.EngagementUpdate{BouncedAt: &at, DeliveryStatus: models.DeliveryBounced, ForceStatus: true}
	default:
		return nil, apperr.NewValidation("event", "unknown delivery event "+eventType)
	}

	rec, err := t.Records.GetEmailRecordByMessageID(ctx, providerMessageID)
	if err != nil {
		if apperr.IsNotFound(err) {
			t.Log.Warn("delivery event for unknown message",
				zap.String("provider_message_id", providerMessageID),
				zap.String("event", eventType),
			)
			return nil, err
		}
		return nil, apperr.Persistence("get email record", err)
	}

	rec, err = t.Records.ApplyEngagement(ctx, rec.ID, upd)
	if err != nil {
		return nil, apperr.Persistence("apply engagement", err)
	}

	metrics.DeliveryEvents.WithLabelValues(strings.ToLower(eventType)).Inc()
	t.Log.Debug("delivery event applied",
		zap.String("record_id", rec.ID),
		zap.String("event", eventType),
		zap.String("delivery_status", rec.DeliveryStatus),
	)
	return rec, nil
}

func (t *Tracker) GetRecordsByIDs(ctx context.Context, ids []string) ([]*models.EmailRecord, error) {
	recs, err := t.Records.ListEmailRecords(ctx, ids)
	if err != nil {
		return nil, apperr.Persistence("list email records", err)
	}
	return recs, nil
}

// EngagementLevel returns the highest stage rec has reached.
func EngagementLevel(rec *models.EmailRecord) Stage {
	switch {
	case rec.ClickedAt != nil:
		return StageClicked
	case rec.OpenedAt != nil:
		return StageOpened
	case rec.DeliveryStatus == models.DeliveryDelivered:
		return StageDelivered
	case rec.SentAt != nil || rec.DeliveryStatus == models.DeliverySent || rec.DeliveryStatus == models.DeliveryBounced:
		return StageSent
	default:
		return StagePending
	}
}

// EngagementRate is the percentage of recs at or above stage. An empty cohort
// has a rate of 0.
func EngagementRate(recs []*models.EmailRecord, stage Stage) float64 {
	if len(recs) == 0 {
		return 0
	}
	n := 0
	for _, r := range recs {
		if EngagementLevel(r) >= stage {
			n++
		}
	}
	return float64(n) * 100 / float64(len(recs))
}

func TimeToOpen(rec *models.EmailRecord) (time.Duration, bool) {
	if rec.SentAt == nil || rec.OpenedAt == nil {
		return 0, false
	}
	return rec.OpenedAt.Sub(*rec.SentAt), true
}

func TimeToClick(rec *models.EmailRecord) (time.Duration, bool) {
	if rec.SentAt == nil || rec.ClickedAt == nil {
		return 0, false
	}
	return rec.ClickedAt.Sub(*rec.SentAt), true
}

type CohortReport struct {
	JobID          string             `json:"job_id"`
	Total          int                `json:"total"`
	Bounced        int                `json:"bounced"`
	Rates          map[string]float64 `json:"rates"`
	AvgTimeToOpen  time.Duration      `json:"avg_time_to_open"`
	AvgTimeToClick time.Duration      `json:"avg_time_to_click"`
}

func (t *Tracker) CohortReport(ctx context.Context, jobID string) (*CohortReport, error) {
	recs, err := t.Records.ListEmailRecordsByJob(ctx, jobID)
	if err != nil {
		return nil, apperr.Persistence("list email records", err)
	}

	rep := &CohortReport{
		JobID: jobID,
		Total: len(recs),
		Rates: make(map[string]float64, len(stageNames)),
	}
	for st, name := range stageNames {
		if st == StagePending {
			continue
		}
		rep.Rates[name] = EngagementRate(recs, st)
	}

	var openSum, clickSum time.Duration
	var opens, clicks int
	for _, r := range recs {
		if r.DeliveryStatus == models.DeliveryBounced {
			rep.Bounced++
		}
		if d, ok := TimeToOpen(r); ok {
			openSum += d
			opens++
		}
		if d, ok := TimeToClick(r); ok {
			clickSum += d
			clicks++
		}
	}
	if opens > 0 {
		rep.AvgTimeToOpen = openSum / time.Duration(opens)
	}
	if clicks > 0 {
		rep.AvgTimeToClick = clickSum / time.Duration(clicks)
	}
	return rep, nil
}
