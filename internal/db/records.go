package db

import (
	"context"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

const recordColumns = `id, job_id, pipeline, queue_item_id, recipient_id, address, subject,
	content_type, template_code, provider_message_id, sent_at, opened_at, clicked_at,
	bounced_at, delivery_status`

func scanRecord(row scanner) (*models.EmailRecord, error) {
	var r models.EmailRecord
	err := row.Scan(
		&r.ID, &r.JobID, &r.Pipeline, &r.QueueItemID, &r.RecipientID, &r.Address, &r.Subject,
		&r.ContentType, &r.TemplateCode, &r.ProviderMessageID, &r.SentAt, &r.OpenedAt, &r.ClickedAt,
		&r.BouncedAt, &r.DeliveryStatus,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertEmailRecord relies on the unique queue_item_id: a second insert for the
// same item is a no-op and rec is overwritten with the stored row.
func (s *Store) InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO email_records
		 (id, job_id, pipeline, queue_item_id, recipient_id, address, subject, content_type,
		  template_code, provider_message_id, sent_at, delivery_status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (queue_item_id) DO NOTHING`,
		rec.ID,
		rec.JobID,
		rec.Pipeline,
		rec.QueueItemID,
		rec.RecipientID,
		rec.Address,
		rec.Subject,
		rec.ContentType,
		rec.TemplateCode,
		rec.ProviderMessageID,
		rec.SentAt,
		rec.DeliveryStatus,
	)
	if err != nil {
		return err
	}

	stored, err := scanRecord(s.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE queue_item_id=$1`, rec.QueueItemID))
	if err != nil {
		return err
	}
	*rec = *stored
	return nil
}

func (s *Store) GetEmailRecord(ctx context.Context, id string) (*models.EmailRecord, error) {
	r, err := scanRecord(s.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "email record", id)
	}
	return r, nil
}

func (s *Store) GetEmailRecordByMessageID(ctx context.Context, providerMessageID string) (*models.EmailRecord, error) {
	r, err := scanRecord(s.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE provider_message_id=$1 LIMIT 1`, providerMessageID))
	if err != nil {
		return nil, notFound(err, "email record", providerMessageID)
	}
	return r, nil
}

func (s *Store) GetEmailRecordByQueueItem(ctx context.Context, queueItemID string) (*models.EmailRecord, error) {
	r, err := scanRecord(s.Pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE queue_item_id=$1`, queueItemID))
	if err != nil {
		return nil, notFound(err, "email record", queueItemID)
	}
	return r, nil
}

func (s *Store) ListEmailRecords(ctx context.Context, ids []string) ([]*models.EmailRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE id = ANY($1) ORDER BY id`, ids)
}

func (s *Store) ListEmailRecordsByJob(ctx context.Context, jobID string) ([]*models.EmailRecord, error) {
	return s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM email_records WHERE job_id=$1 ORDER BY id`, jobID)
}

func (s *Store) queryRecords(ctx context.Context, q string, args ...any) ([]*models.EmailRecord, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.EmailRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyEngagement writes every timestamp only if it is still NULL and keeps a
// bounced status unless the update is itself a bounce.
func (s *Store) ApplyEngagement(ctx context.Context, id string, upd store.EngagementUpdate) (*models.EmailRecord, error) {
	r, err := scanRecord(s.Pool.QueryRow(ctx,
		`UPDATE email_records SET
		   sent_at    = COALESCE(sent_at, $2),
		   opened_at  = COALESCE(opened_at, $3),
		   clicked_at = COALESCE(clicked_at, $4),
		   bounced_at = COALESCE(bounced_at, $5),
		   delivery_status = CASE
		     WHEN $6::text = '' THEN delivery_status
		     WHEN $7::boolean OR delivery_status <> 'bounced' THEN $6::text
		     ELSE delivery_status
		   END
		 WHERE id=$1
		 RETURNING `+recordColumns,
		id,
		upd.SentAt,
		upd.OpenedAt,
		upd.ClickedAt,
		upd.BouncedAt,
		upd.DeliveryStatus,
		upd.ForceStatus,
	))
	if err != nil {
		return nil, notFound(err, "email record", id)
	}
	return r, nil
}
