package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

const jobColumns = `id, pipeline, action, scheduled_at, status, description, metadata,
	success_count, fail_count, created_at, started_at, completed_at`

func scanJob(row scanner) (*models.Job, error) {
	var j models.Job
	var meta []byte

	err := row.Scan(
		&j.ID, &j.Pipeline, &j.Action, &j.ScheduledAt, &j.Status, &j.Description, &meta,
		&j.SuccessCount, &j.FailCount, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode job metadata: %w", err)
		}
	}
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	metaJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return err
	}

	_, err = s.Pool.Exec(ctx,
		`INSERT INTO jobs
		 (id, pipeline, action, scheduled_at, status, description, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		job.ID,
		job.Pipeline,
		job.Action,
		job.ScheduledAt,
		job.Status,
		job.Description,
		metaJSON,
		job.CreatedAt,
	)
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "job", id)
	}
	return j, nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status=$1 AND scheduled_at <= $2
		 ORDER BY scheduled_at
		 LIMIT $3`,
		models.JobNew, now, limit,
	)
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	var where []string
	var args []any

	if f.Pipeline != "" {
		args = append(args, f.Pipeline)
		where = append(where, fmt.Sprintf("pipeline=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	q += pageClause(&args, f.Limit, f.Offset)

	return s.queryJobs(ctx, q, args...)
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]*models.Job, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobIf is a single conditional UPDATE, so two workers racing on the
// same job can never both succeed.
func (s *Store) UpdateJobIf(ctx context.Context, id string, from models.JobStatus, upd store.JobUpdate) (bool, error) {
	args := []any{id, from, upd.Status}
	set := []string{"status=$3"}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}

	if upd.StartedAt != nil {
		add("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if upd.SuccessCount != nil {
		add("success_count", *upd.SuccessCount)
	}
	if upd.FailCount != nil {
		add("fail_count", *upd.FailCount)
	}
	if upd.Metadata != nil {
		metaJSON, err := json.Marshal(upd.Metadata)
		if err != nil {
			return false, err
		}
		add("metadata", metaJSON)
	}

	tag, err := s.Pool.Exec(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id=$1 AND status=$2`,
		args...,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	ok, err := s.exists(ctx, "jobs", id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperr.NewNotFound("job", id)
	}
	return false, nil
}

func pageClause(args *[]any, limit, offset int) string {
	var q string
	if limit > 0 {
		*args = append(*args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		q += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return q
}
