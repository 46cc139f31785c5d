package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

const itemColumns = `id, job_id, pipeline, recipient_id, email, subject, template_code,
	content_type, variables, status, scheduled_at, content_ref, rejection_reason,
	last_error, attempt, parent_id, created_at, updated_at`

func scanItem(row scanner) (*models.QueueItem, error) {
	var it models.QueueItem
	var vars []byte

	err := row.Scan(
		&it.ID, &it.JobID, &it.Pipeline, &it.RecipientID, &it.Email, &it.Subject, &it.TemplateCode,
		&it.ContentType, &vars, &it.Status, &it.ScheduledAt, &it.ContentRef, &it.RejectionReason,
		&it.LastError, &it.Attempt, &it.ParentID, &it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &it.Variables); err != nil {
			return nil, fmt.Errorf("decode item variables: %w", err)
		}
	}
	return &it, nil
}

func (s *Store) InsertQueueItem(ctx context.Context, item *models.QueueItem) error {
	varsJSON, err := json.Marshal(item.Variables)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO queue_items
		 (id, job_id, pipeline, recipient_id, email, subject, template_code, content_type,
		  variables, status, scheduled_at, content_ref, attempt, parent_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		item.ID,
		item.JobID,
		item.Pipeline,
		item.RecipientID,
		item.Email,
		item.Subject,
		item.TemplateCode,
		item.ContentType,
		varsJSON,
		item.Status,
		item.ScheduledAt,
		item.ContentRef,
		item.Attempt,
		item.ParentID,
		item.CreatedAt,
		item.UpdatedAt,
	)
	return err
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	it, err := scanItem(s.Pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "queue item", id)
	}
	return it, nil
}

func queueWhere(f store.QueueFilter, args *[]any) string {
	var where []string
	add := func(cond string, v any) {
		*args = append(*args, v)
		where = append(where, fmt.Sprintf(cond, len(*args)))
	}

	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.JobID != "" {
		add("job_id=$%d", f.JobID)
	}
	if f.Pipeline != "" {
		add("pipeline=$%d", f.Pipeline)
	}
	if f.TemplateCode != "" {
		add("template_code=$%d", f.TemplateCode)
	}
	if f.ScheduledBefore != nil {
		add("scheduled_at <= $%d", *f.ScheduledBefore)
	}
	if f.AttemptBelow > 0 {
		add("attempt < $%d", f.AttemptBelow)
	}
	if f.ExcludeRequeued {
		where = append(where, "NOT EXISTS (SELECT 1 FROM queue_items c WHERE c.parent_id = queue_items.id)")
	}

	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func (s *Store) ListQueueItems(ctx context.Context, f store.QueueFilter) ([]*models.QueueItem, error) {
	var args []any
	q := `SELECT ` + itemColumns + ` FROM queue_items` + queueWhere(f, &args)

	if f.ScheduledBefore != nil {
		q += " ORDER BY scheduled_at, created_at"
	} else {
		q += " ORDER BY created_at"
	}
	q += pageClause(&args, f.Limit, f.Offset)

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.QueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) CountQueueItems(ctx context.Context, f store.QueueFilter) (map[models.QueueStatus]int, error) {
	var args []any
	rows, err := s.Pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_items`+queueWhere(f, &args)+` GROUP BY status`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.QueueStatus]int)
	for rows.Next() {
		var st models.QueueStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *Store) UpdateQueueItemIf(ctx context.Context, id string, from models.QueueStatus, upd store.QueueUpdate) (bool, error) {
	args := []any{id, from, upd.Status}
	set := []string{"status=$3", "updated_at=NOW()"}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}

	if upd.ScheduledAt != nil {
		add("scheduled_at", *upd.ScheduledAt)
	}
	if upd.ContentRef != nil {
		add("content_ref", *upd.ContentRef)
	}
	if upd.RejectionReason != nil {
		add("rejection_reason", *upd.RejectionReason)
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE queue_items SET `+strings.Join(set, ", ")+` WHERE id=$1 AND status=$2`,
		args...,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, "queue_items", id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperr.NewNotFound("queue item", id)
	}
	return false, nil
}

func (s *Store) HasChild(ctx context.Context, parentID string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE parent_id=$1)`,
		parentID,
	).Scan(&ok)
	return ok, err
}
