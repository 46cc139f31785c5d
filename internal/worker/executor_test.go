package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/content"
	"PulseCampaign/internal/dispatch"
	"PulseCampaign/internal/email"
	"PulseCampaign/internal/lock"
	"PulseCampaign/internal/memstore"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/storage"
	"PulseCampaign/internal/store"
	"PulseCampaign/internal/workflow"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu   sync.Mutex
	fail bool
	sent []email.Message
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg email.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return "", &apperr.ProviderError{Provider: "fake", Err: errors.New("421 try later")}
	}
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func (p *fakeProvider) TestConnection(ctx context.Context) email.ConnectionStatus {
	return email.ConnectionStatus{Connected: true}
}

type fixture struct {
	exec     *Executor
	store    *memstore.Store
	sched    *scheduler.Scheduler
	queue    *queue.Service
	wf       *workflow.Workflow
	latch    *lock.Local
	provider *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memstore.New()
	clock := func() time.Time { return t0 }

	sched := scheduler.New(st, log).WithClock(clock)
	q := queue.New(st, log).WithClock(clock)

	tpl := render.New()
	if err := tpl.Register("welcome", `{{define "subject"}}Welcome {{.first_name}}{{end}}<p>Hi {{.first_name}}</p>`); err != nil {
		t.Fatal(err)
	}

	blobs := storage.NewMemory()
	latch := lock.NewLocal()
	p := &fakeProvider{}

	wf := &workflow.Workflow{
		Queue:       q,
		Generator:   &content.Router{Predefined: &content.TemplateGenerator{Renderer: tpl}},
		Blobs:       blobs,
		Latch:       latch,
		ItemTimeout: time.Second,
		Log:         log,
	}

	orch := &dispatch.Orchestrator{
		Queue:       q,
		Records:     st,
		Scheduler:   sched,
		Provider:    p,
		Content:     &content.Resolver{Renderer: tpl, Blobs: blobs},
		Latch:       latch,
		Limiter:     rate.NewLimiter(rate.Inf, 1),
		SendTimeout: time.Second,
		Log:         log,
	}

	return &fixture{
		exec: &Executor{
			Scheduler: sched,
			Queue:     q,
			Workflow:  wf,
			Dispatch:  orch,
			Policy: Policy{
				GenerateBatchSize: 10,
				DispatchBatchSize: 10,
				MaxCohortRows:     100,
				MaxJobRetries:     2,
				RetryDelayMinutes: 5,
				ItemMaxAttempts:   2,
			},
			Log: log,
			Now: func() time.Time { return t0.Add(2 * time.Hour) },
		},
		store:    st,
		sched:    sched,
		queue:    q,
		wf:       wf,
		latch:    latch,
		provider: p,
	}
}

// run creates a job for action and executes it after claiming.
func (f *fixture) run(t *testing.T, action string, meta map[string]any) (*models.Job, error) {
	t.Helper()
	ctx := context.Background()

	job, err := f.sched.CreateJob(ctx, scheduler.JobSpec{
		Pipeline:    "welcome",
		Action:      action,
		ScheduledAt: t0,
		Metadata:    meta,
	})
	if err != nil {
		t.Fatal(err)
	}

	claimed, err := f.sched.ClaimDueJobs(ctx, t0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].ID != job.ID {
		t.Fatalf("claimed = %v", claimed)
	}

	execErr := f.exec.Execute(ctx, claimed[0])

	final, err := f.sched.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	return final, execErr
}

func recipients(names ...string) []any {
	out := make([]any, 0, len(names))
	for _, n := range names {
		out = append(out, map[string]any{
			"recipient_id": n,
			"email":        n + "@example.com",
			"variables":    map[string]any{"first_name": n},
		})
	}
	return out
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.run(t, models.ActionEnqueue, map[string]any{
		MetaTemplateCode: "welcome",
		MetaRecipients:   recipients("ana", "ben"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobDone || job.SuccessCount != 2 {
		t.Fatalf("enqueue job = %+v", job)
	}

	job, err = f.run(t, models.ActionGenerate, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobDone || job.SuccessCount != 2 {
		t.Fatalf("generate job = %+v", job)
	}

	if _, err := f.wf.ApproveTemplate(ctx, "welcome", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	job, err = f.run(t, models.ActionDispatch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobDone || job.SuccessCount != 2 || job.FailCount != 0 {
		t.Fatalf("dispatch job = %+v", job)
	}

	stats, err := f.queue.Stats(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if stats[models.StatusSent] != 2 {
		t.Fatalf("stats = %v", stats)
	}
	if len(f.provider.sent) != 2 || f.provider.sent[0].Subject == "" {
		t.Fatalf("sent = %+v", f.provider.sent)
	}
}

func TestEnqueueFromCohortFile(t *testing.T) {
	f := newFixture(t)

	path := filepath.Join(t.TempDir(), "cohort.csv")
	csv := "email,id,first_name\nana@example.com,ana,Ana\nnot-an-address,bad,Bad\n"
	if err := os.WriteFile(path, []byte(csv), 0o600); err != nil {
		t.Fatal(err)
	}

	job, err := f.run(t, models.ActionEnqueue, map[string]any{
		MetaTemplateCode: "welcome",
		MetaCohortFile:   path,
	})
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobDone || job.SuccessCount != 1 || job.FailCount != 1 {
		t.Fatalf("job = %+v", job)
	}
	if !job.HasPartialFailure() {
		t.Fatal("expected partial failure")
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)

	job, err := f.run(t, models.ActionEnqueue, map[string]any{MetaTemplateCode: "welcome"})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
	if job.Status != models.JobFailed {
		t.Fatalf("status = %s", job.Status)
	}

	jobs, _ := f.sched.ListJobs(context.Background(), store.JobFilter{})
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want no retry job", len(jobs))
	}
}

func TestFailedJobSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.latch.TryAcquire(ctx, "scan:generate")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	job, err := f.run(t, models.ActionGenerate, nil)
	if !apperr.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if job.Status != models.JobFailed || models.MetaString(job.Metadata, models.MetaError) == "" {
		t.Fatalf("job = %+v", job)
	}

	jobs, _ := f.sched.ListJobs(ctx, store.JobFilter{Status: models.JobNew})
	if len(jobs) != 1 {
		t.Fatalf("retry jobs = %d", len(jobs))
	}
	retry := jobs[0]
	if models.MetaString(retry.Metadata, models.MetaRetryOf) != job.ID || retry.RetryAttempt() != 1 {
		t.Fatalf("retry metadata = %v", retry.Metadata)
	}
	if !retry.ScheduledAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("retry scheduled at %v", retry.ScheduledAt)
	}
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	release, err := f.latch.TryAcquire(ctx, "scan:generate")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = f.run(t, models.ActionGenerate, map[string]any{models.MetaRetryAttempt: 2})
	if err == nil {
		t.Fatal("expected error")
	}

	jobs, _ := f.sched.ListJobs(ctx, store.JobFilter{Status: models.JobNew})
	if len(jobs) != 0 {
		t.Fatalf("retry jobs = %d, want none", len(jobs))
	}
}

func TestItemAutoRetryRequeuesFailedSends(t *testing.T) {
	f := newFixture(t)
	f.exec.Policy.ItemAutoRetry = true
	ctx := context.Background()

	if _, err := f.run(t, models.ActionEnqueue, map[string]any{
		MetaTemplateCode: "welcome",
		MetaRecipients:   recipients("ana"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.run(t, models.ActionGenerate, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.ApproveTemplate(ctx, "welcome", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	f.provider.fail = true
	job, _ := f.run(t, models.ActionDispatch, nil)
	if job.Status != models.JobFailed {
		t.Fatalf("dispatch job = %+v", job)
	}

	waiting, err := f.queue.ListByStatus(ctx, models.StatusWaitGenerate, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(waiting) != 1 || waiting[0].Attempt != 1 || waiting[0].ParentID == "" {
		t.Fatalf("requeued = %+v", waiting)
	}
}

func TestInterruptedDispatchSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.run(t, models.ActionEnqueue, map[string]any{
		MetaTemplateCode: "welcome",
		MetaRecipients:   recipients("ana", "ben"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.run(t, models.ActionGenerate, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.wf.ApproveTemplate(ctx, "welcome", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	job, err := f.sched.CreateJob(ctx, scheduler.JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	claimed, _ := f.sched.ClaimDueJobs(ctx, t0, 10)
	if len(claimed) != 1 {
		t.Fatalf("claimed = %v", claimed)
	}

	// shutdown arrives before the batch starts
	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	if err := f.exec.Execute(cancelled, claimed[0]); !errors.Is(err, dispatch.ErrInterrupted) {
		t.Fatalf("err = %v, want interruption", err)
	}

	stats, _ := f.queue.Stats(ctx, "")
	if stats[models.StatusScheduled] != 2 || stats[models.StatusFailedSend] != 0 {
		t.Fatalf("stats = %v", stats)
	}

	jobs, _ := f.sched.ListJobs(ctx, store.JobFilter{Status: models.JobNew})
	if len(jobs) != 1 || models.MetaString(jobs[0].Metadata, models.MetaRetryOf) != job.ID {
		t.Fatalf("retry jobs = %+v", jobs)
	}
	if len(f.provider.sent) != 0 {
		t.Fatalf("sent = %d", len(f.provider.sent))
	}
}
