package wizard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/mediagroup"
	"postbot/internal/post"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type schedCall struct {
	draftID int64
	at      time.Time
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []schedCall
	published []int64
	err       error
}

func (f *fakeScheduler) Schedule(ctx context.Context, draftID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.scheduled = append(f.scheduled, schedCall{draftID: draftID, at: at})
	return nil
}

func (f *fakeScheduler) PublishNow(ctx context.Context, draftID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, draftID)
	return nil
}

func newManager(t *testing.T) (*Manager, storage.Store, *fakeScheduler) {
	t.Helper()
	store := storage.NewMemory()
	sched := &fakeScheduler{}
	planner := &schedule.Planner{Location: time.UTC}
	cfg := Config{Media: mediagroup.Config{Window: 20 * time.Millisecond, MaxWindow: 200 * time.Millisecond}}
	m := NewManager(cfg, store, planner, sched, nil, logx.Nop())
	return m, store, sched
}

func textInput(s string) Input { return Input{Text: s} }

func photoInput(uniqueID, groupID string) Input {
	return Input{
		MediaGroupID: groupID,
		Media: &transport.MediaAttachment{
			Kind:     post.MediaPhoto,
			FileID:   "file-" + uniqueID,
			UniqueID: uniqueID,
		},
	}
}

func mustSubmit(t *testing.T, m *Manager, userID int64, in Input) Reply {
	t.Helper()
	r, err := m.Submit(context.Background(), userID, in)
	if err != nil {
		t.Fatalf("submit %+v: %v", in, err)
	}
	return r
}

func TestComposeFlowToScheduled(t *testing.T) {
	t.Parallel()
	m, store, sched := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, 7, "op")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	draftID := start.DraftID

	mustSubmit(t, m, 7, textInput("launch announcement"))
	for _, id := range []string{"u1", "u2", "u3"} {
		mustSubmit(t, m, 7, photoInput(id, "")) // singletons flush inline
	}
	mustSubmit(t, m, 7, textInput("/done"))
	mustSubmit(t, m, 7, textInput("Open | https://example.org ;; Docs | https://example.org/docs"))
	mustSubmit(t, m, 7, textInput("in 30m"))
	done := mustSubmit(t, m, 7, textInput("confirm"))

	if !done.Done {
		t.Fatal("confirm should end the session")
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.scheduled) != 1 || sched.scheduled[0].draftID != draftID {
		t.Fatalf("scheduled = %+v", sched.scheduled)
	}
	if until := time.Until(sched.scheduled[0].at); until < 25*time.Minute || until > 35*time.Minute {
		t.Fatalf("scheduled %s out, want about 30m", until)
	}

	d, err := store.GetDraft(ctx, draftID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d.Status != post.StatusReady {
		t.Fatalf("status = %s, want ready before the scheduler takes over", d.Status)
	}
	if d.Body != "launch announcement" {
		t.Fatalf("body = %q", d.Body)
	}
	if len(d.Media) != 3 {
		t.Fatalf("media = %d, want 3", len(d.Media))
	}
	for i, it := range d.Media {
		if it.Position != i {
			t.Fatalf("media[%d].Position = %d", i, it.Position)
		}
	}
	if len(d.Buttons) != 2 || d.Buttons[0].Label != "Open" || d.Buttons[1].Col != 1 {
		t.Fatalf("buttons = %+v", d.Buttons)
	}

	if _, err := m.Submit(ctx, 7, textInput("anything")); !post.IsValidation(err) {
		t.Fatalf("session should be gone after confirm, got %v", err)
	}
}

func TestComposeAlbumBurstOrdered(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("album post"))
	for _, id := range []string{"a", "b", "c", "d"} {
		mustSubmit(t, m, 7, photoInput(id, "grp-1"))
	}
	time.Sleep(150 * time.Millisecond) // let the debounce fire
	mustSubmit(t, m, 7, textInput("/done"))

	d, err := store.GetDraft(ctx, start.DraftID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(d.Media) != 4 {
		t.Fatalf("media = %d, want 4", len(d.Media))
	}
	want := []string{"a", "b", "c", "d"}
	for i, it := range d.Media {
		if it.UniqueID != want[i] {
			t.Fatalf("order broken: %+v", d.Media)
		}
	}
}

func TestComposeDoneFlushesOpenGroup(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("text"))
	mustSubmit(t, m, 7, photoInput("x1", "grp-2"))
	// No sleep: /done must flush the still-open group itself.
	mustSubmit(t, m, 7, textInput("/done"))

	d, _ := store.GetDraft(ctx, start.DraftID)
	if len(d.Media) != 1 {
		t.Fatalf("media = %d, want the in-flight item flushed by /done", len(d.Media))
	}
}

func TestStartDiscardsActiveSession(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)
	ctx := context.Background()

	first, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("first draft"))

	second, err := m.Start(ctx, 7, "op")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if !strings.Contains(second.Text, "discarded") {
		t.Fatalf("restart reply %q should mention the discarded draft", second.Text)
	}
	if _, err := store.GetDraft(ctx, first.DraftID); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("first draft should be deleted, got %v", err)
	}
}

func TestCancelDeletesDraft(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	r, err := m.Submit(ctx, 7, textInput("/cancel"))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !r.Done {
		t.Fatal("cancel should end the session")
	}
	if _, err := store.GetDraft(ctx, start.DraftID); !errors.Is(err, post.ErrNotFound) {
		t.Fatalf("draft should be gone, got %v", err)
	}
	if _, err := m.Cancel(ctx, 7); !post.IsValidation(err) {
		t.Fatalf("second cancel = %v, want validation", err)
	}
}

func TestSaveAndResume(t *testing.T) {
	t.Parallel()
	m, store, sched := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("work in progress"))
	mustSubmit(t, m, 7, photoInput("u9", ""))
	r := mustSubmit(t, m, 7, textInput("save"))
	if !r.Done {
		t.Fatal("save should end the session")
	}

	d, _ := store.GetDraft(ctx, start.DraftID)
	if d.Status != post.StatusBuilding {
		t.Fatalf("status = %s, want building (resumable)", d.Status)
	}
	if len(d.Media) != 1 {
		t.Fatalf("media = %d, saved draft should keep the attachment", len(d.Media))
	}

	resume, err := m.Resume(ctx, 7, start.DraftID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(resume.Text, "work in progress") {
		t.Fatalf("resume reply %q should show the existing text", resume.Text)
	}

	// Keep everything, publish immediately.
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("/done"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("now"))
	mustSubmit(t, m, 7, textInput("confirm"))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.published) != 1 || sched.published[0] != start.DraftID {
		t.Fatalf("published = %v", sched.published)
	}
	got, _ := store.GetDraft(ctx, start.DraftID)
	if got.Body != "work in progress" || len(got.Media) != 1 {
		t.Fatalf("resumed content lost: body=%q media=%d", got.Body, len(got.Media))
	}
}

func TestResumeChecksOwnership(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("save"))

	if _, err := m.Resume(ctx, 8, start.DraftID); !errors.Is(err, post.ErrPermission) {
		t.Fatalf("err = %v, want permission", err)
	}
}

func TestInvalidScheduleReprompts(t *testing.T) {
	t.Parallel()
	m, _, sched := newManager(t)
	ctx := context.Background()

	m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("text"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("/skip"))

	if _, err := m.Submit(ctx, 7, textInput("whenever")); !post.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
	// The step did not advance; a valid time still works.
	mustSubmit(t, m, 7, textInput("in 10m"))
	mustSubmit(t, m, 7, textInput("confirm"))

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled = %+v", sched.scheduled)
	}
}

func TestConfirmRejectsEmptyPost(t *testing.T) {
	t.Parallel()
	m, _, sched := newManager(t)
	ctx := context.Background()

	m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("now"))

	if _, err := m.Submit(ctx, 7, textInput("confirm")); !post.IsValidation(err) {
		t.Fatalf("err = %v, want validation for an empty post", err)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.published) != 0 {
		t.Fatal("empty post must not reach the scheduler")
	}
}

func TestStartDisablesPreviewByDefault(t *testing.T) {
	t.Parallel()
	m, store, _ := newManager(t)
	ctx := context.Background()

	start, err := m.Start(ctx, 7, "op")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	d, err := store.GetDraft(ctx, start.DraftID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !d.DisablePreview {
		t.Fatal("new drafts should suppress link previews")
	}
	if d.Silent {
		t.Fatal("new drafts should notify subscribers")
	}
}

func TestConfirmTogglesDeliveryOptions(t *testing.T) {
	t.Parallel()
	m, store, sched := newManager(t)
	ctx := context.Background()

	start, _ := m.Start(ctx, 7, "op")
	mustSubmit(t, m, 7, textInput("https://example.org launched"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("/skip"))
	mustSubmit(t, m, 7, textInput("now"))

	r := mustSubmit(t, m, 7, textInput("preview"))
	if !strings.Contains(r.Text, "preview on") {
		t.Fatalf("toggle reply %q should report the preview coming on", r.Text)
	}
	mustSubmit(t, m, 7, textInput("silent"))

	d, err := store.GetDraft(ctx, start.DraftID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if d.DisablePreview {
		t.Fatal("preview toggle should re-enable the link preview")
	}
	if !d.Silent {
		t.Fatal("silent toggle should turn on silent delivery")
	}

	// Toggling twice restores the default, and confirm still works.
	mustSubmit(t, m, 7, textInput("preview"))
	mustSubmit(t, m, 7, textInput("confirm"))

	got, _ := store.GetDraft(ctx, start.DraftID)
	if !got.DisablePreview || !got.Silent {
		t.Fatalf("options lost on confirm: disable_preview=%v silent=%v", got.DisablePreview, got.Silent)
	}
	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.published) != 1 {
		t.Fatalf("published = %v", sched.published)
	}
}

func TestSubmitWithoutSession(t *testing.T) {
	t.Parallel()
	m, _, _ := newManager(t)
	if _, err := m.Submit(context.Background(), 99, textInput("hi")); !post.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestParseButtons(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		want    []post.Button
		wantErr bool
	}{
		{
			name: "single",
			in:   "Open | https://example.org",
			want: []post.Button{{Label: "Open", URL: "https://example.org", Row: 0, Col: 0}},
		},
		{
			name: "row pair and second row",
			in:   "A | https://a ;; B | https://b\nC | https://c",
			want: []post.Button{
				{Label: "A", URL: "https://a", Row: 0, Col: 0},
				{Label: "B", URL: "https://b", Row: 0, Col: 1},
				{Label: "C", URL: "https://c", Row: 1, Col: 0},
			},
		},
		{
			name: "blank lines skipped",
			in:   "\nA | https://a\n\n",
			want: []post.Button{{Label: "A", URL: "https://a", Row: 0, Col: 0}},
		},
		{name: "missing url", in: "just a label", wantErr: true},
		{name: "bad scheme", in: "A | ftp://example.org", wantErr: true},
		{name: "empty", in: "   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseButtons(tc.in)
			if tc.wantErr {
				if !post.IsValidation(err) {
					t.Fatalf("err = %v, want validation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("button %d = %+v, want %+v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
