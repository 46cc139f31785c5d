package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/memstore"
	"PulseCampaign/internal/models"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T) (*Scheduler, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	s := New(st, zaptest.NewLogger(t)).WithClock(func() time.Time { return t0 })
	return s, st
}

func TestCreateJobValidation(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	tests := []struct {
		name string
		spec JobSpec
	}{
		{"missing pipeline", JobSpec{Action: models.ActionDispatch, ScheduledAt: t0}},
		{"missing time", JobSpec{Pipeline: "welcome", Action: models.ActionDispatch}},
		{"unknown action", JobSpec{Pipeline: "welcome", Action: "explode", ScheduledAt: t0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateJob(ctx, tt.spec); !apperr.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	job, err := s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobNew || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestClaimDueJobsOnlyDue(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	due, _ := s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0.Add(-time.Minute)})
	_, _ = s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0.Add(time.Hour)})

	claimed, err := s.ClaimDueJobs(ctx, t0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID || claimed[0].Status != models.JobRunning {
		t.Fatalf("unexpected claim: %+v", claimed)
	}

	again, _ := s.ClaimDueJobs(ctx, t0, 10)
	if len(again) != 0 {
		t.Fatalf("job claimed twice: %+v", again)
	}
}

func TestClaimDueJobsConcurrent(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		_, _ = s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimDueJobs(ctx, t0, jobs)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			for _, j := range claimed {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct jobs, got %d", jobs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestCompleteAndFail(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	a, _ := s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})
	b, _ := s.CreateJob(ctx, JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})

	// not running yet
	if _, err := s.CompleteJob(ctx, a.ID, 1, 0); !apperr.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	_, _ = s.ClaimDueJobs(ctx, t0, 10)

	if _, err := s.CompleteJob(ctx, a.ID, -1, 0); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	done, err := s.CompleteJob(ctx, a.ID, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != models.JobDone || !done.HasPartialFailure() {
		t.Fatalf("expected DONE with partial failure: %+v", done)
	}

	// terminal is immutable
	if _, err := s.FailJob(ctx, a.ID, 0, 3, errors.New("late")); !apperr.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	failed, err := s.FailJob(ctx, b.ID, 0, 3, errors.New("smtp down"))
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := s.GetJob(ctx, b.ID)
	if failed.Status != models.JobFailed || models.MetaString(stored.Metadata, models.MetaError) != "smtp down" {
		t.Fatalf("unexpected failed job: %+v", stored)
	}
	if stored.CompletedAt == nil || stored.FailCount != 3 {
		t.Fatalf("completion not persisted: %+v", stored)
	}
}

func TestCreateRetryJob(t *testing.T) {
	s, _ := newScheduler(t)
	ctx := context.Background()

	job, _ := s.CreateJob(ctx, JobSpec{
		Pipeline:    "welcome",
		Action:      models.ActionDispatch,
		ScheduledAt: t0,
		Description: "Morning send",
		Metadata:    map[string]any{"segment": "new"},
	})

	if _, err := s.CreateRetryJob(ctx, job, 5); !apperr.IsInvalidTransition(err) {
		t.Fatalf("NEW job should not be retryable, got %v", err)
	}

	_, _ = s.ClaimDueJobs(ctx, t0, 10)
	failed, _ := s.FailJob(ctx, job.ID, 0, 1, errors.New("boom"))

	retry, err := s.CreateRetryJob(ctx, failed, 15)
	if err != nil {
		t.Fatal(err)
	}

	if retry.Status != models.JobNew || retry.ID == job.ID {
		t.Fatalf("unexpected retry: %+v", retry)
	}
	if !retry.ScheduledAt.Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("scheduled at %v", retry.ScheduledAt)
	}
	if retry.Description != "Retry: Morning send" {
		t.Fatalf("description %q", retry.Description)
	}
	if models.MetaString(retry.Metadata, models.MetaRetryOf) != job.ID || retry.RetryAttempt() != 1 {
		t.Fatalf("metadata %+v", retry.Metadata)
	}
	if retry.Metadata["segment"] != "new" {
		t.Fatal("original metadata should be carried over")
	}
	if _, ok := retry.Metadata[models.MetaError]; ok {
		t.Fatal("error should not be carried over")
	}

	// original untouched
	orig, _ := s.GetJob(ctx, job.ID)
	if orig.Status != models.JobFailed {
		t.Fatalf("original changed: %+v", orig)
	}

	// chained retries keep counting
	_, _ = s.ClaimDueJobs(ctx, t0.Add(time.Hour), 10)
	failedAgain, _ := s.FailJob(ctx, retry.ID, 0, 1, errors.New("boom"))
	second, _ := s.CreateRetryJob(ctx, failedAgain, 0)
	if second.RetryAttempt() != 2 {
		t.Fatalf("retry attempt = %d", second.RetryAttempt())
	}
}
