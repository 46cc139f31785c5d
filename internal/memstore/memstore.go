// Package memstore is an in-memory implementation of store.Store.
// Every conditional update runs under one mutex, which gives it the same
// compare-and-set guarantee the Postgres store gets from a single UPDATE.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/store"
)

type Store struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	items   map[string]*models.QueueItem
	records map[string]*models.EmailRecord
}

func New() *Store {
	return &Store{
		jobs:    make(map[string]*models.Job),
		items:   make(map[string]*models.QueueItem),
		records: make(map[string]*models.EmailRecord),
	}
}

var _ store.Store = (*Store)(nil)

// ----------------------------
// Jobs
// ----------------------------

func (s *Store) InsertJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NewNotFound("job", id)
	}
	return copyJob(j), nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if j.Status == models.JobNew && !j.ScheduledAt.After(now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].ScheduledAt.Before(out[b].ScheduledAt)
	})
	return capJobs(out, 0, limit), nil
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, j := range s.jobs {
		if f.Pipeline != "" && j.Pipeline != f.Pipeline {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return capJobs(out, f.Offset, f.Limit), nil
}

func (s *Store) UpdateJobIf(ctx context.Context, id string, from models.JobStatus, upd store.JobUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, apperr.NewNotFound("job", id)
	}
	if j.Status != from {
		return false, nil
	}

	j.Status = upd.Status
	if upd.StartedAt != nil {
		t := *upd.StartedAt
		j.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		j.CompletedAt = &t
	}
	if upd.SuccessCount != nil {
		j.SuccessCount = *upd.SuccessCount
	}
	if upd.FailCount != nil {
		j.FailCount = *upd.FailCount
	}
	if upd.Metadata != nil {
		j.Metadata = models.CopyMetadata(upd.Metadata)
	}
	return true, nil
}

// ----------------------------
// Queue items
// ----------------------------

func (s *Store) InsertQueueItem(ctx context.Context, item *models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = copyItem(item)
	return nil
}

func (s *Store) GetQueueItem(ctx context.Context, id string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, apperr.NewNotFound("queue item", id)
	}
	return copyItem(it), nil
}

func (s *Store) ListQueueItems(ctx context.Context, f store.QueueFilter) ([]*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := s.requeuedLocked(f)
	var out []*models.QueueItem
	for _, it := range s.items {
		if matchItem(it, f, requeued) {
			out = append(out, copyItem(it))
		}
	}

	if f.ScheduledBefore != nil {
		sort.Slice(out, func(a, b int) bool {
			return out[a].ScheduledAt.Before(*out[b].ScheduledAt)
		})
	} else {
		sort.Slice(out, func(a, b int) bool {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		})
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountQueueItems(ctx context.Context, f store.QueueFilter) (map[models.QueueStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := s.requeuedLocked(f)
	counts := make(map[models.QueueStatus]int)
	for _, it := range s.items {
		if matchItem(it, f, requeued) {
			counts[it.Status]++
		}
	}
	return counts, nil
}

func (s *Store) UpdateQueueItemIf(ctx context.Context, id string, from models.QueueStatus, upd store.QueueUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return false, apperr.NewNotFound("queue item", id)
	}
	if it.Status != from {
		return false, nil
	}

	it.Status = upd.Status
	if upd.ScheduledAt != nil {
		t := *upd.ScheduledAt
		it.ScheduledAt = &t
	}
	if upd.ContentRef != nil {
		it.ContentRef = *upd.ContentRef
	}
	if upd.RejectionReason != nil {
		it.RejectionReason = *upd.RejectionReason
	}
	if upd.LastError != nil {
		it.LastError = *upd.LastError
	}
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *Store) HasChild(ctx context.Context, parentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.ParentID == parentID {
			return true, nil
		}
	}
	return false, nil
}

// requeuedLocked returns the ids of items with a child, or nil when f does
// not ask for them.
func (s *Store) requeuedLocked(f store.QueueFilter) map[string]bool {
	if !f.ExcludeRequeued {
		return nil
	}
	parents := make(map[string]bool)
	for _, it := range s.items {
		if it.ParentID != "" {
			parents[it.ParentID] = true
		}
	}
	return parents
}

func matchItem(it *models.QueueItem, f store.QueueFilter, requeued map[string]bool) bool {
	if f.Status != "" && it.Status != f.Status {
		return false
	}
	if f.JobID != "" && it.JobID != f.JobID {
		return false
	}
	if f.Pipeline != "" && it.Pipeline != f.Pipeline {
		return false
	}
	if f.TemplateCode != "" && it.TemplateCode != f.TemplateCode {
		return false
	}
	if f.ScheduledBefore != nil {
		if it.ScheduledAt == nil || it.ScheduledAt.After(*f.ScheduledBefore) {
			return false
		}
	}
	if f.AttemptBelow > 0 && it.Attempt >= f.AttemptBelow {
		return false
	}
	if requeued[it.ID] {
		return false
	}
	return true
}

// ----------------------------
// Email records
// ----------------------------

func (s *Store) InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.QueueItemID == rec.QueueItemID {
			*rec = *copyRecord(r)
			return nil
		}
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

func (s *Store) GetEmailRecordByQueueItem(ctx context.Context, queueItemID string) (*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.QueueItemID == queueItemID {
			return copyRecord(r), nil
		}
	}
	return nil, apperr.NewNotFound("email record", queueItemID)
}

func (s *Store) GetEmailRecord(ctx context.Context, id string) (*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, apperr.NewNotFound("email record", id)
	}
	return copyRecord(r), nil
}

func (s *Store) GetEmailRecordByMessageID(ctx context.Context, providerMessageID string) (*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ProviderMessageID == providerMessageID {
			return copyRecord(r), nil
		}
	}
	return nil, apperr.NewNotFound("email record", providerMessageID)
}

func (s *Store) ListEmailRecords(ctx context.Context, ids []string) ([]*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.EmailRecord, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			out = append(out, copyRecord(r))
		}
	}
	return out, nil
}

func (s *Store) ListEmailRecordsByJob(ctx context.Context, jobID string) ([]*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.EmailRecord
	for _, r := range s.records {
		if r.JobID == jobID {
			out = append(out, copyRecord(r))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *Store) ApplyEngagement(ctx context.Context, id string, upd store.EngagementUpdate) (*models.EmailRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, apperr.NewNotFound("email record", id)
	}

	r.SentAt = setIfUnset(r.SentAt, upd.SentAt)
	r.OpenedAt = setIfUnset(r.OpenedAt, upd.OpenedAt)
	r.ClickedAt = setIfUnset(r.ClickedAt, upd.ClickedAt)
	r.BouncedAt = setIfUnset(r.BouncedAt, upd.BouncedAt)
	if upd.DeliveryStatus != "" && (upd.ForceStatus || r.DeliveryStatus != models.DeliveryBounced) {
		r.DeliveryStatus = upd.DeliveryStatus
	}
	return copyRecord(r), nil
}

func setIfUnset(cur, next *time.Time) *time.Time {
	if cur != nil || next == nil {
		return cur
	}
	t := *next
	return &t
}

// ----------------------------
// copies
// ----------------------------

func capJobs(in []*models.Job, offset, limit int) []*models.Job {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Metadata = models.CopyMetadata(j.Metadata)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	return &c
}

func copyItem(it *models.QueueItem) *models.QueueItem {
	c := *it
	if it.Variables != nil {
		c.Variables = make(map[string]string, len(it.Variables))
		for k, v := range it.Variables {
			c.Variables[k] = v
		}
	}
	c.ScheduledAt = copyTime(it.ScheduledAt)
	return &c
}

func copyRecord(r *models.EmailRecord) *models.EmailRecord {
	c := *r
	c.SentAt = copyTime(r.SentAt)
	c.OpenedAt = copyTime(r.OpenedAt)
	c.ClickedAt = copyTime(r.ClickedAt)
	c.BouncedAt = copyTime(r.BouncedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
