package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/storage"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type sendCall struct {
	kind  string
	text  string
	items []post.MediaItem
	opt   transport.SendOptions
}

// fakeAdapter records outgoing calls and hands out sequential message ids.
type fakeAdapter struct {
	mu      sync.Mutex
	nextID  int
	sends   []sendCall
	markups []transport.MessageRef
	sendErr error
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) ref() transport.MessageRef {
	f.nextID++
	return transport.MessageRef{ChatID: -100, MessageID: f.nextID}
}

func (f *fakeAdapter) record(c sendCall) error {
	f.sends = append(f.sends, c)
	return f.sendErr
}

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(sendCall{kind: "text", text: text, opt: deref(opt)}); err != nil {
		return transport.MessageRef{}, err
	}
	return f.ref(), nil
}

func (f *fakeAdapter) SendMedia(ctx context.Context, to transport.ChatTarget, item post.MediaItem, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(sendCall{kind: "media", text: caption, items: []post.MediaItem{item}, opt: deref(opt)}); err != nil {
		return transport.MessageRef{}, err
	}
	return f.ref(), nil
}

func (f *fakeAdapter) SendAlbum(ctx context.Context, to transport.ChatTarget, items []post.MediaItem, caption string, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(sendCall{kind: "album", text: caption, items: items, opt: deref(opt)}); err != nil {
		return nil, err
	}
	refs := make([]transport.MessageRef, 0, len(items))
	for range items {
		refs = append(refs, f.ref())
	}
	return refs, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(sendCall{kind: "edit_text", text: text, opt: deref(opt)})
}

func (f *fakeAdapter) EditCaption(ctx context.Context, ref transport.MessageRef, caption string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(sendCall{kind: "edit_caption", text: caption, opt: deref(opt)})
}

func (f *fakeAdapter) EditMarkup(ctx context.Context, ref transport.MessageRef, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markups = append(f.markups, ref)
	return nil
}

func (f *fakeAdapter) Markup(buttons []post.Button) any {
	if len(buttons) == 0 {
		return nil
	}
	return buttons
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeAdapter) calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sends...)
}

func deref(opt *transport.SendOptions) transport.SendOptions {
	if opt == nil {
		return transport.SendOptions{}
	}
	return *opt
}

func newExecutor(t *testing.T, cfg Config, fa *fakeAdapter) (*Executor, storage.Store, <-chan eventbus.Event) {
	t.Helper()
	cfg.ChannelID = -100
	cfg.SendInterval = time.Microsecond
	store := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	t.Cleanup(unsub)
	return New(cfg, store, fa, bus, logx.Nop()), store, events
}

func scheduledDraft(t *testing.T, store storage.Store, media []post.MediaItem, buttons []post.Button) *post.Draft {
	t.Helper()
	ctx := context.Background()
	d := &post.Draft{OwnerID: 7, Body: "hello channel"}
	if _, err := store.CreateDraft(ctx, d); err != nil {
		t.Fatalf("create draft: %v", err)
	}
	if err := store.ReplaceMedia(ctx, d.ID, media); err != nil {
		t.Fatalf("replace media: %v", err)
	}
	if err := store.ReplaceButtons(ctx, d.ID, buttons); err != nil {
		t.Fatalf("replace buttons: %v", err)
	}
	at := time.Now().Add(-time.Second)
	st := post.StatusScheduled
	if err := store.UpdateDraft(ctx, d.ID, d.Version, post.DraftPatch{Status: &st, ScheduledAt: &at}); err != nil {
		t.Fatalf("schedule draft: %v", err)
	}
	got, err := store.GetDraft(ctx, d.ID)
	if err != nil {
		t.Fatalf("reload draft: %v", err)
	}
	return got
}

func drainEvent(t *testing.T, events <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	default:
		t.Fatal("expected an event on the bus")
		return eventbus.Event{}
	}
}

func TestExecuteTextPost(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, store, events := newExecutor(t, Config{}, fa)
	d := scheduledDraft(t, store, nil, nil)

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	calls := fa.calls()
	if len(calls) != 1 || calls[0].kind != "text" {
		t.Fatalf("calls = %+v, want one text send", calls)
	}
	if calls[0].text != "hello channel" {
		t.Fatalf("text = %q", calls[0].text)
	}
	if calls[0].opt.ParseMode != "HTML" {
		t.Fatalf("parse mode = %q, want HTML", calls[0].opt.ParseMode)
	}

	got, err := store.GetDraft(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != post.StatusPublished {
		t.Fatalf("status = %s, want published", got.Status)
	}
	if len(got.MessageIDs) != 1 {
		t.Fatalf("message ids = %v", got.MessageIDs)
	}
	if got.PublishedAt == nil {
		t.Fatal("published_at not set")
	}
	if got.ScheduledAt != nil {
		t.Fatal("scheduled_at should be cleared after delivery")
	}

	ev := drainEvent(t, events)
	if ev.Type != EventPublished {
		t.Fatalf("event type = %s", ev.Type)
	}
	if out := ev.Data.(Outcome); out.DraftID != d.ID || out.OwnerID != 7 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestExecuteSingleMediaUsesBodyAsCaption(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, store, _ := newExecutor(t, Config{}, fa)
	media := []post.MediaItem{{Kind: post.MediaPhoto, FileID: "f1", UniqueID: "u1"}}
	d := scheduledDraft(t, store, media, []post.Button{{Label: "open", URL: "https://example.org", Row: 0, Col: 0}})

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	calls := fa.calls()
	if len(calls) != 1 || calls[0].kind != "media" {
		t.Fatalf("calls = %+v, want one media send", calls)
	}
	if calls[0].text != "hello channel" {
		t.Fatalf("caption = %q", calls[0].text)
	}
	if calls[0].opt.ReplyMarkupAdapter == nil {
		t.Fatal("keyboard missing on single-media send")
	}
}

func TestExecuteAlbumKeyboardOnFirstMessage(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, store, _ := newExecutor(t, Config{}, fa)
	media := []post.MediaItem{
		{Kind: post.MediaPhoto, FileID: "f1", UniqueID: "u1"},
		{Kind: post.MediaVideo, FileID: "f2", UniqueID: "u2"},
		{Kind: post.MediaPhoto, FileID: "f3", UniqueID: "u3"},
	}
	d := scheduledDraft(t, store, media, []post.Button{{Label: "open", URL: "https://example.org"}})

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	calls := fa.calls()
	if len(calls) != 1 || calls[0].kind != "album" {
		t.Fatalf("calls = %+v, want one album send", calls)
	}
	if calls[0].opt.ReplyMarkupAdapter != nil {
		t.Fatal("album send must not carry a keyboard directly")
	}
	for i, it := range calls[0].items {
		if it.UniqueID != media[i].UniqueID {
			t.Fatalf("album order broken at %d: %+v", i, calls[0].items)
		}
	}
	if len(fa.markups) != 1 {
		t.Fatalf("markup edits = %v, want exactly one", fa.markups)
	}
	got, _ := store.GetDraft(context.Background(), d.ID)
	if len(got.MessageIDs) != 3 {
		t.Fatalf("message ids = %v, want 3", got.MessageIDs)
	}
	if fa.markups[0].MessageID != got.MessageIDs[0] {
		t.Fatalf("keyboard attached to message %d, want first %d", fa.markups[0].MessageID, got.MessageIDs[0])
	}
}

func TestExecuteDuplicateFiringIsNoOp(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, store, _ := newExecutor(t, Config{}, fa)
	d := scheduledDraft(t, store, nil, nil)

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})
	first, _ := store.GetDraft(context.Background(), d.ID)

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	if n := len(fa.calls()); n != 1 {
		t.Fatalf("sends = %d, want 1 (second firing must be a no-op)", n)
	}
	second, _ := store.GetDraft(context.Background(), d.ID)
	if second.Version != first.Version {
		t.Fatal("duplicate firing mutated the draft")
	}
}

func TestExecuteTransientFailureRequeues(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{sendErr: post.Transient(errors.New("gateway timeout"))}
	exec, store, _ := newExecutor(t, Config{RetryBase: time.Minute}, fa)
	d := scheduledDraft(t, store, nil, nil)

	before := time.Now()
	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	jobs, err := store.DueJobs(context.Background(), before.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("due jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want the requeued one", jobs)
	}
	if jobs[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", jobs[0].Attempts)
	}
	if !jobs[0].FireAt.After(before) {
		t.Fatalf("fire_at = %s, want in the future", jobs[0].FireAt)
	}

	got, _ := store.GetDraft(context.Background(), d.ID)
	if got.Status != post.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(jobs[0].FireAt) {
		t.Fatalf("scheduled_at = %v, want job fire_at %s", got.ScheduledAt, jobs[0].FireAt)
	}
}

func TestExecuteFloodWaitOverridesBackoff(t *testing.T) {
	t.Parallel()
	wait := 2 * time.Hour
	fa := &fakeAdapter{sendErr: &post.DeliveryError{RetryAfter: wait, Err: errors.New("too many requests")}}
	exec, store, _ := newExecutor(t, Config{RetryBase: time.Second}, fa)
	d := scheduledDraft(t, store, nil, nil)

	before := time.Now()
	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	jobs, _ := store.DueJobs(context.Background(), before.Add(365*24*time.Hour), 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if got := jobs[0].FireAt.Sub(before); got < wait {
		t.Fatalf("fire_at only %s away, want at least the flood wait %s", got, wait)
	}
}

func TestExecuteAttemptCeilingFails(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{sendErr: post.Transient(errors.New("still down"))}
	exec, store, events := newExecutor(t, Config{RetryMax: 3}, fa)
	d := scheduledDraft(t, store, nil, nil)

	exec.Execute(context.Background(), post.Job{DraftID: d.ID, Attempts: 2})

	got, _ := store.GetDraft(context.Background(), d.ID)
	if got.Status != post.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	jobs, _ := store.DueJobs(context.Background(), time.Now().Add(365*24*time.Hour), 10)
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want none after ceiling", jobs)
	}
	ev := drainEvent(t, events)
	if ev.Type != EventFailed {
		t.Fatalf("event type = %s", ev.Type)
	}
	if out := ev.Data.(Outcome); out.Err == "" || out.Attempts != 3 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestExecutePermanentFailureFailsImmediately(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{sendErr: post.Permanent(errors.New("chat not found"))}
	exec, store, events := newExecutor(t, Config{}, fa)
	d := scheduledDraft(t, store, nil, nil)

	exec.Execute(context.Background(), post.Job{DraftID: d.ID})

	got, _ := store.GetDraft(context.Background(), d.ID)
	if got.Status != post.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	jobs, _ := store.DueJobs(context.Background(), time.Now().Add(24*time.Hour), 10)
	if len(jobs) != 0 {
		t.Fatalf("jobs = %+v, want none", jobs)
	}
	if ev := drainEvent(t, events); ev.Type != EventFailed {
		t.Fatalf("event type = %s", ev.Type)
	}
}

func TestExecuteMissingDraftIsNoOp(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, _, _ := newExecutor(t, Config{}, fa)

	exec.Execute(context.Background(), post.Job{DraftID: 404})

	if n := len(fa.calls()); n != 0 {
		t.Fatalf("sends = %d, want 0", n)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	fa := &fakeAdapter{}
	exec, _, _ := newExecutor(t, Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}, fa)

	prevMax := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		d := exec.backoff(attempts, 0)
		// Jitter bounds: 0.7..1.3 of the capped exponential step.
		if d > time.Duration(1.3*float64(10*time.Second)) {
			t.Fatalf("attempt %d: backoff %s beyond cap window", attempts, d)
		}
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %s", attempts, d)
		}
		if attempts <= 3 && d < prevMax/4 {
			t.Fatalf("attempt %d: backoff %s collapsed versus previous %s", attempts, d, prevMax)
		}
		if d > prevMax {
			prevMax = d
		}
	}
}
