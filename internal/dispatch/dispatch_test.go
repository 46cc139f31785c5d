package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"PulseCampaign/internal/apperr"
	"PulseCampaign/internal/content"
	"PulseCampaign/internal/email"
	"PulseCampaign/internal/lock"
	"PulseCampaign/internal/memstore"
	"PulseCampaign/internal/models"
	"PulseCampaign/internal/queue"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/scheduler"
	"PulseCampaign/internal/storage"
	"PulseCampaign/internal/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu    sync.Mutex
	fail  map[string]bool
	block chan struct{}
	sent  []email.Message
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Send(ctx context.Context, msg email.Message) (string, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return "", &apperr.ProviderError{Provider: "fake", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[msg.To] {
		return "", &apperr.ProviderError{Provider: "fake", Err: errors.New("550 mailbox unavailable")}
	}
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("msg-%d", len(p.sent)), nil
}

func (p *fakeProvider) sends() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakeProvider) TestConnection(ctx context.Context) email.ConnectionStatus {
	return email.ConnectionStatus{Connected: true}
}

type fixture struct {
	orch     *Orchestrator
	store    *memstore.Store
	queue    *queue.Service
	sched    *scheduler.Scheduler
	provider *fakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	st := memstore.New()
	clock := func() time.Time { return t0 }

	q := queue.New(st, log).WithClock(clock)
	sched := scheduler.New(st, log).WithClock(clock)

	tpl := render.New()
	if err := tpl.Register("welcome", `{{define "subject"}}Welcome {{.first_name}}{{end}}<p>Hi {{.first_name}}</p>`); err != nil {
		t.Fatal(err)
	}

	p := &fakeProvider{fail: map[string]bool{}}
	return &fixture{
		orch: &Orchestrator{
			Queue:       q,
			Records:     st,
			Scheduler:   sched,
			Provider:    p,
			Content:     &content.Resolver{Renderer: tpl, Blobs: storage.NewMemory()},
			Latch:       lock.NewLocal(),
			Limiter:     rate.NewLimiter(rate.Inf, 1),
			SendTimeout: time.Second,
			Log:         log,
		},
		store:    st,
		queue:    q,
		sched:    sched,
		provider: p,
	}
}

// scheduledItem walks a new item through generation and approval.
func (f *fixture) scheduledItem(t *testing.T, name string, at time.Time) *models.QueueItem {
	t.Helper()
	ctx := context.Background()

	item, err := f.queue.Create(ctx, queue.NewItem{
		JobID:        "enqueue-job",
		Pipeline:     "welcome",
		RecipientID:  name,
		Email:        name + "@example.com",
		TemplateCode: "welcome",
		Variables:    map[string]string{"first_name": name},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.queue.Transition(ctx, item.ID, models.StatusWaitGenerate, models.StatusPendingReview, queue.TransitionOpts{}); err != nil {
		t.Fatal(err)
	}
	item, err = f.queue.Transition(ctx, item.ID, models.StatusPendingReview, models.StatusScheduled, queue.TransitionOpts{ScheduledAt: &at})
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func (f *fixture) runningJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.sched.CreateJob(ctx, scheduler.JobSpec{Pipeline: "welcome", Action: models.ActionDispatch, ScheduledAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	claimed, err := f.sched.ClaimDueJobs(ctx, t0, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	return claimed[0]
}

func TestDispatchPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.scheduledItem(t, "a", t0)
	b := f.scheduledItem(t, "b", t0)
	c := f.scheduledItem(t, "c", t0)
	f.provider.fail["b@example.com"] = true

	job := f.runningJob(t)
	items, err := f.orch.GetScheduledItems(ctx, "welcome", t0, 10)
	if err != nil || len(items) != 3 {
		t.Fatalf("scheduled items: %d %v", len(items), err)
	}

	res, err := f.orch.DispatchBatch(ctx, job, items)
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 2 || res.FailCount != 1 || !res.HasPartialFailure() || len(res.Items) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, id := range []string{a.ID, c.ID} {
		it, _ := f.queue.Get(ctx, id)
		if it.Status != models.StatusSent {
			t.Fatalf("item %s status %s", id, it.Status)
		}
	}
	failed, _ := f.queue.Get(ctx, b.ID)
	if failed.Status != models.StatusFailedSend || failed.LastError == "" {
		t.Fatalf("failed item: %+v", failed)
	}

	records, _ := f.store.ListEmailRecordsByJob(ctx, job.ID)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.ProviderMessageID == "" || r.ContentType != models.ContentPredefined || r.DeliveryStatus != models.DeliverySent {
			t.Fatalf("bad record: %+v", r)
		}
		if r.Subject != "Welcome "+r.RecipientID {
			t.Fatalf("subject = %q", r.Subject)
		}
	}

	stored, _ := f.sched.GetJob(ctx, job.ID)
	if stored.Status != models.JobDone || stored.SuccessCount != 2 || stored.FailCount != 1 || !stored.HasPartialFailure() {
		t.Fatalf("job not finalized as partial: %+v", stored)
	}
}

func TestDispatchAllFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.scheduledItem(t, "a", t0)
	f.scheduledItem(t, "b", t0)
	f.provider.fail["a@example.com"] = true
	f.provider.fail["b@example.com"] = true

	job := f.runningJob(t)
	items, _ := f.orch.GetScheduledItems(ctx, "welcome", t0, 10)

	res, err := f.orch.DispatchBatch(ctx, job, items)
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessCount != 0 || res.FailCount != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}

	stored, _ := f.sched.GetJob(ctx, job.ID)
	if stored.Status != models.JobFailed || models.MetaString(stored.Metadata, models.MetaError) == "" {
		t.Fatalf("expected FAILED job with error: %+v", stored)
	}
}

func TestDispatchEmptyBatchCompletes(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	res, err := f.orch.DispatchBatch(context.Background(), job, nil)
	if err != nil {
		t.Fatal(err)
	}
	stored, _ := f.sched.GetJob(context.Background(), job.ID)
	if res.SuccessCount != 0 || stored.Status != models.JobDone {
		t.Fatalf("empty batch: %+v %+v", res, stored)
	}
}

func TestGetScheduledItemsExcludesFuture(t *testing.T) {
	f := newFixture(t)

	f.scheduledItem(t, "now", t0)
	f.scheduledItem(t, "later", t0.Add(48*time.Hour))

	items, err := f.orch.GetScheduledItems(context.Background(), "welcome", t0.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].RecipientID != "now" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestDispatchSkipsStaleItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.scheduledItem(t, "a", t0)
	if _, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item}); err != nil {
		t.Fatal(err)
	}

	// same snapshot again: already SENT, must not be re-sent
	res, _ := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item})
	if res.FailCount != 1 || f.provider.sends() != 1 {
		t.Fatalf("stale item re-sent: %+v sent=%d", res, f.provider.sends())
	}
}

func TestDispatchSendTimeout(t *testing.T) {
	f := newFixture(t)
	f.orch.SendTimeout = 20 * time.Millisecond
	f.provider.block = make(chan struct{})

	item := f.scheduledItem(t, "slow", t0)
	res, err := f.orch.DispatchBatch(context.Background(), nil, []*models.QueueItem{item})
	if err != nil {
		t.Fatal(err)
	}
	if res.FailCount != 1 {
		t.Fatalf("expected timeout failure: %+v", res)
	}
	got, _ := f.queue.Get(context.Background(), item.ID)
	if got.Status != models.StatusFailedSend {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDispatchRedispatchProtection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.block = make(chan struct{})

	item := f.scheduledItem(t, "a", t0)
	job := f.runningJob(t)

	done := make(chan BatchResult)
	go func() {
		res, _ := f.orch.DispatchBatch(ctx, job, []*models.QueueItem{item})
		done <- res
	}()

	f.waitInProgress(t)

	held, _ := f.orch.CohortInProgress(ctx, "welcome")
	if !held {
		t.Fatal("cohort should be in progress")
	}

	if _, err := f.orch.DispatchBatch(ctx, job, []*models.QueueItem{item}); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	close(f.provider.block)
	res := <-done
	if res.SuccessCount != 1 {
		t.Fatalf("first dispatch: %+v", res)
	}
	if f.orch.InProgress() {
		t.Fatal("dispatch should be finished")
	}
}

func (f *fixture) waitInProgress(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !f.orch.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("dispatch never started")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatchAdhocExcludedDuringJobRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.block = make(chan struct{})

	item := f.scheduledItem(t, "a", t0)
	job := f.runningJob(t)

	done := make(chan BatchResult)
	go func() {
		res, _ := f.orch.DispatchBatch(ctx, job, []*models.QueueItem{item})
		done <- res
	}()
	f.waitInProgress(t)

	// an ad-hoc run over the same cohort, without a job
	if _, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item}); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	close(f.provider.block)
	if res := <-done; res.SuccessCount != 1 {
		t.Fatalf("job run: %+v", res)
	}
	if n := f.provider.sends(); n != 1 {
		t.Fatalf("provider sends = %d, want 1", n)
	}
}

func TestDispatchAdhocRespectsHeldCohort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.scheduledItem(t, "a", t0)

	release, err := f.orch.Latch.TryAcquire(ctx, latchKey("welcome"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item}); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	release()

	if held, _ := f.orch.CohortInProgress(ctx, "welcome"); held {
		t.Fatal("latch leaked after conflict")
	}
	if f.provider.sends() != 0 {
		t.Fatal("nothing should be sent under a held cohort")
	}
}

func TestDispatchCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)

	for _, name := range []string{"a", "b", "c"} {
		f.scheduledItem(t, name, t0)
	}
	job := f.runningJob(t)
	items, _ := f.orch.GetScheduledItems(context.Background(), "welcome", t0, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.DispatchBatch(ctx, job, items)
	if !errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		t.Fatalf("expected interruption, got %v", err)
	}
	if res.Remaining != 3 || res.FailCount != 0 || f.provider.sends() != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	for _, it := range items {
		got, _ := f.queue.Get(context.Background(), it.ID)
		if got.Status != models.StatusScheduled {
			t.Fatalf("item %s status %s, want SCHEDULED", it.RecipientID, got.Status)
		}
	}

	stored, _ := f.sched.GetJob(context.Background(), job.ID)
	if stored.Status != models.JobFailed || stored.FailCount != 0 {
		t.Fatalf("job: %+v", stored)
	}
}

func TestDispatchCancelledDuringSend(t *testing.T) {
	f := newFixture(t)
	f.orch.SendTimeout = 5 * time.Second
	f.provider.block = make(chan struct{})

	a := f.scheduledItem(t, "a", t0)
	b := f.scheduledItem(t, "b", t0)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res BatchResult
		err error
	}
	done := make(chan outcome)
	go func() {
		res, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{a, b})
		done <- outcome{res, err}
	}()
	f.waitInProgress(t)
	cancel()

	out := <-done
	if !errors.Is(out.err, ErrInterrupted) || out.res.Remaining != 2 {
		t.Fatalf("unexpected outcome: %+v %v", out.res, out.err)
	}
	for _, it := range []*models.QueueItem{a, b} {
		got, _ := f.queue.Get(context.Background(), it.ID)
		if got.Status != models.StatusScheduled {
			t.Fatalf("item %s status %s, want SCHEDULED", it.RecipientID, got.Status)
		}
	}
}

// flakyRecords fails the first n record inserts.
type flakyRecords struct {
	*memstore.Store
	mu    sync.Mutex
	fails int
}

func (r *flakyRecords) InsertEmailRecord(ctx context.Context, rec *models.EmailRecord) error {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return errors.New("connection reset")
	}
	r.mu.Unlock()
	return r.Store.InsertEmailRecord(ctx, rec)
}

func TestDispatchRecordRetriedAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.Records = &flakyRecords{Store: f.store, fails: 1}

	item := f.scheduledItem(t, "a", t0)
	res, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item})
	if err != nil || res.SuccessCount != 1 || res.Items[0].RecordID == "" {
		t.Fatalf("unexpected result: %+v %v", res, err)
	}

	if _, err := f.store.GetEmailRecordByQueueItem(ctx, item.ID); err != nil {
		t.Fatalf("record missing: %v", err)
	}
}

func TestDispatchRecordFailureNeverResends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.Records = &flakyRecords{Store: f.store, fails: 100}

	item := f.scheduledItem(t, "a", t0)
	res, err := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item})
	if err != nil || res.SuccessCount != 1 || res.Items[0].Error == "" {
		t.Fatalf("unexpected result: %+v %v", res, err)
	}

	got, _ := f.queue.Get(ctx, item.ID)
	if got.Status != models.StatusSent {
		t.Fatalf("accepted item status %s, want SENT", got.Status)
	}

	again, _ := f.orch.GetScheduledItems(ctx, "welcome", t0, 10)
	if _, err := f.orch.DispatchBatch(ctx, nil, again); err != nil {
		t.Fatal(err)
	}
	if n := f.provider.sends(); n != 1 {
		t.Fatalf("provider sends = %d, want 1", n)
	}
}

// sentStatusFails rejects the first SCHEDULED to SENT update.
type sentStatusFails struct {
	*memstore.Store
	mu     sync.Mutex
	failed bool
}

func (s *sentStatusFails) UpdateQueueItemIf(ctx context.Context, id string, from models.QueueStatus, upd store.QueueUpdate) (bool, error) {
	s.mu.Lock()
	if upd.Status == models.StatusSent && !s.failed {
		s.failed = true
		s.mu.Unlock()
		return false, errors.New("connection reset")
	}
	s.mu.Unlock()
	return s.Store.UpdateQueueItemIf(ctx, id, from, upd)
}

func TestDispatchCompletesRecordedItemWithoutResending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	item := f.scheduledItem(t, "a", t0)
	f.orch.Queue = queue.New(&sentStatusFails{Store: f.store}, zaptest.NewLogger(t)).WithClock(func() time.Time { return t0 })

	first, _ := f.orch.DispatchBatch(ctx, nil, []*models.QueueItem{item})
	got, _ := f.queue.Get(ctx, item.ID)
	if got.Status != models.StatusScheduled || first.Items[0].RecordID == "" {
		t.Fatalf("after first run: %s %+v", got.Status, first)
	}

	items, _ := f.orch.GetScheduledItems(ctx, "welcome", t0, 10)
	second, err := f.orch.DispatchBatch(ctx, nil, items)
	if err != nil || second.SuccessCount != 1 {
		t.Fatalf("second run: %+v %v", second, err)
	}
	if second.Items[0].RecordID != first.Items[0].RecordID {
		t.Fatalf("record id changed: %s != %s", second.Items[0].RecordID, first.Items[0].RecordID)
	}

	got, _ = f.queue.Get(ctx, item.ID)
	if got.Status != models.StatusSent {
		t.Fatalf("status %s, want SENT", got.Status)
	}
	if n := f.provider.sends(); n != 1 {
		t.Fatalf("provider sends = %d, want 1", n)
	}
}
