package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/post"
	"postbot/internal/storage"
	"postbot/pkg/logx"
)

type execRecorder struct {
	mu   sync.Mutex
	jobs []post.Job
	ch   chan post.Job
}

func newExecRecorder() *execRecorder {
	return &execRecorder{ch: make(chan post.Job, 16)}
}

func (e *execRecorder) Execute(ctx context.Context, j post.Job) {
	e.mu.Lock()
	e.jobs = append(e.jobs, j)
	e.mu.Unlock()
	e.ch <- j
}

func (e *execRecorder) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *execRecorder) wait(t *testing.T, timeout time.Duration) post.Job {
	t.Helper()
	select {
	case j := <-e.ch:
		return j
	case <-time.After(timeout):
		t.Fatalf("no job dispatched within %s", timeout)
		return post.Job{}
	}
}

func newService(t *testing.T, store storage.Store, exec Executor) *Service {
	t.Helper()
	s := New(Config{
		PollInterval: 20 * time.Millisecond,
		Workers:      2,
	}, store, exec, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func mkDraft(t *testing.T, store storage.Store, status post.Status) *post.Draft {
	t.Helper()
	d := &post.Draft{OwnerID: 1, Body: "body", Status: status}
	if _, err := store.CreateDraft(context.Background(), d); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	return d
}

func TestScheduleDispatchesDueJobOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	exec := newExecRecorder()
	s := newService(t, store, exec)
	d := mkDraft(t, store, post.StatusReady)

	if err := s.Schedule(context.Background(), d.ID, time.Now().Add(40*time.Millisecond)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	got, err := store.GetDraft(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want %s", got.Status, post.StatusScheduled)
	}
	if got.ScheduledAt == nil {
		t.Fatal("scheduled_at not set")
	}

	j := exec.wait(t, 2*time.Second)
	if j.DraftID != d.ID {
		t.Fatalf("dispatched draft %d, want %d", j.DraftID, d.ID)
	}

	// Several more sweep ticks must not re-claim the same firing.
	time.Sleep(100 * time.Millisecond)
	if n := exec.count(); n != 1 {
		t.Fatalf("job dispatched %d times, want 1", n)
	}
}

func TestStartupSweepRecoversMissedJob(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	d := mkDraft(t, store, post.StatusScheduled)
	// Simulates a job that came due while the process was down.
	if err := store.UpsertJob(context.Background(), d.ID, time.Now().Add(-time.Hour), 0); err != nil {
		t.Fatalf("upsert job: %v", err)
	}

	exec := newExecRecorder()
	newService(t, store, exec)

	j := exec.wait(t, 2*time.Second)
	if j.DraftID != d.ID {
		t.Fatalf("dispatched draft %d, want %d", j.DraftID, d.ID)
	}
}

func TestUnscheduleRemovesJobAndRevertsStatus(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	exec := newExecRecorder()
	s := newService(t, store, exec)
	d := mkDraft(t, store, post.StatusReady)

	if err := s.Schedule(context.Background(), d.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Unschedule(context.Background(), d.ID); err != nil {
		t.Fatalf("unschedule: %v", err)
	}

	got, err := store.GetDraft(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if got.Status != post.StatusReady {
		t.Fatalf("status = %s, want %s", got.Status, post.StatusReady)
	}
	if got.ScheduledAt != nil {
		t.Fatal("scheduled_at survived unschedule")
	}
	jobs, err := store.DueJobs(context.Background(), time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job survived unschedule: %+v", jobs)
	}
}

func TestUnscheduleRejectsNonScheduled(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newService(t, store, newExecRecorder())
	d := mkDraft(t, store, post.StatusReady)

	err := s.Unschedule(context.Background(), d.ID)
	var verr *post.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestPublishNowDeliversImmediately(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	exec := newExecRecorder()
	s := newService(t, store, exec)
	d := mkDraft(t, store, post.StatusReady)

	if err := s.PublishNow(context.Background(), d.ID); err != nil {
		t.Fatalf("publish now: %v", err)
	}
	j := exec.wait(t, 2*time.Second)
	if j.DraftID != d.ID {
		t.Fatalf("dispatched draft %d, want %d", j.DraftID, d.ID)
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newService(t, store, newExecRecorder())

	ready := mkDraft(t, store, post.StatusReady)
	published := mkDraft(t, store, post.StatusPublished)
	building := mkDraft(t, store, post.StatusBuilding)

	tests := []struct {
		name    string
		draftID int64
		at      time.Time
	}{
		{"past time", ready.ID, time.Now().Add(-time.Minute)},
		{"already published", published.ID, time.Now().Add(time.Hour)},
		{"still composing", building.ID, time.Now().Add(time.Hour)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Schedule(context.Background(), tc.draftID, tc.at)
			var verr *post.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}

	if err := s.Schedule(context.Background(), 9999, time.Now().Add(time.Hour)); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPublishNowRejectsUnconfirmedDraft(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	exec := newExecRecorder()
	s := newService(t, store, exec)
	d := mkDraft(t, store, post.StatusBuilding)

	err := s.PublishNow(context.Background(), d.ID)
	var verr *post.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := exec.count(); n != 0 {
		t.Fatalf("job dispatched %d times for an unconfirmed draft", n)
	}
}

type flakyStore struct {
	storage.Store
	upsertErr error
	updateErr error
}

func (f *flakyStore) UpsertJob(ctx context.Context, draftID int64, fireAt time.Time, attempts int) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.Store.UpsertJob(ctx, draftID, fireAt, attempts)
}

func (f *flakyStore) UpdateDraft(ctx context.Context, id, expectedVersion int64, patch post.DraftPatch) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Store.UpdateDraft(ctx, id, expectedVersion, patch)
}

func TestScheduleFailedJobWriteKeepsDraftReady(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	store := &flakyStore{Store: mem, upsertErr: errors.New("disk full")}
	s := newService(t, store, newExecRecorder())
	d := mkDraft(t, mem, post.StatusReady)

	if err := s.Schedule(context.Background(), d.ID, time.Now().Add(time.Hour)); err == nil {
		t.Fatal("schedule succeeded despite job write failure")
	}

	got, err := mem.GetDraft(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if got.Status != post.StatusReady {
		t.Fatalf("status = %s, want %s", got.Status, post.StatusReady)
	}
	if got.ScheduledAt != nil {
		t.Fatal("scheduled_at set on failed schedule")
	}
}

func TestScheduleFailedStatusPatchLeavesNoJob(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	store := &flakyStore{Store: mem, updateErr: post.ErrVersionConflict}
	s := newService(t, store, newExecRecorder())
	d := mkDraft(t, mem, post.StatusReady)

	if err := s.Schedule(context.Background(), d.ID, time.Now().Add(time.Hour)); !errors.Is(err, post.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	jobs, err := mem.DueJobs(context.Background(), time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("job survived failed schedule: %+v", jobs)
	}
}

func TestUnscheduleConflictKeepsJob(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	store := &flakyStore{Store: mem}
	s := newService(t, store, newExecRecorder())
	d := mkDraft(t, mem, post.StatusReady)

	if err := s.Schedule(context.Background(), d.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// A concurrent edit bumps the version between the read and the patch.
	store.updateErr = post.ErrVersionConflict
	if err := s.Unschedule(context.Background(), d.ID); !errors.Is(err, post.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}

	got, err := mem.GetDraft(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want %s", got.Status, post.StatusScheduled)
	}
	jobs, err := mem.DueJobs(context.Background(), time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1; the draft would never fire", len(jobs))
	}
}

func TestRescheduleMovesSameJob(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s := newService(t, store, newExecRecorder())
	d := mkDraft(t, store, post.StatusReady)

	first := time.Now().Add(time.Hour)
	second := time.Now().Add(2 * time.Hour)
	if err := s.Schedule(context.Background(), d.ID, first); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(context.Background(), d.ID, second); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	jobs, err := store.DueJobs(context.Background(), time.Now().Add(48*time.Hour), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if !jobs[0].FireAt.Equal(second) {
		t.Fatalf("fire_at = %s, want %s", jobs[0].FireAt, second)
	}
}
