package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postbot/internal/mediagroup"
	"postbot/internal/post"
	"postbot/internal/schedule"
	"postbot/internal/storage"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

type state int

const (
	stText state = iota
	stMedia
	stButtons
	stSchedule
	stConfirm
)

// Scheduler is the handoff target once a composition is confirmed.
// *scheduler.Service satisfies it.
type Scheduler interface {
	Schedule(ctx context.Context, draftID int64, at time.Time) error
	PublishNow(ctx context.Context, draftID int64) error
}

// Notifier carries asynchronous session messages (album landed, items
// dropped) back to the user outside the request/reply cycle.
type Notifier func(userID int64, text string)

// Input is one user event fed into an active session. Callback marks
// inline-button presses; their data arrives in Text.
type Input struct {
	Text         string
	MediaGroupID string
	Media        *transport.MediaAttachment
	Callback     bool
}

// Reply is the prompt for the user after a step. Done means the session
// ended and the manager forgot it.
type Reply struct {
	Text    string
	Done    bool
	DraftID int64
}

type Config struct {
	Media       mediagroup.Config
	AlbumMax    int           // total attachments per post; default 10
	IdleTimeout time.Duration // default 30m
}

func (c Config) withDefaults() Config {
	if c.AlbumMax <= 0 {
		c.AlbumMax = 10
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	return c
}

type session struct {
	userID   int64
	username string
	draftID  int64
	agg      *mediagroup.Aggregator

	mu         sync.Mutex
	state      state
	lastSeen   time.Time
	media      []post.MediaItem
	dropped    int
	scheduleAt time.Time
	immediate  bool
}

// Manager owns the per-user composition sessions.
type Manager struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	planner *schedule.Planner
	sched   Scheduler
	notify  Notifier

	mu       sync.Mutex
	sessions map[int64]*session
}

func NewManager(cfg Config, store storage.Store, planner *schedule.Planner, sched Scheduler, notify Notifier, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if notify == nil {
		notify = func(int64, string) {}
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		log:      log,
		store:    store,
		planner:  planner,
		sched:    sched,
		notify:   notify,
		sessions: map[int64]*session{},
	}
}

// Start opens a fresh session. An already active one is discarded first,
// together with its in-progress draft, and the reply says so.
func (m *Manager) Start(ctx context.Context, userID int64, username string) (Reply, error) {
	discarded := m.discard(ctx, userID, true)

	// Previews off by default; channel posts read better without the link
	// card. The confirm step can toggle it back on.
	d := &post.Draft{OwnerID: userID, OwnerUsername: username, Status: post.StatusBuilding, DisablePreview: true}
	if _, err := m.store.CreateDraft(ctx, d); err != nil {
		return Reply{}, post.Persistence("create draft", err)
	}

	s := m.newSession(userID, username, d.ID, nil)
	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	m.log.Info("composition started", logx.Int64("user_id", userID), logx.Int64("draft_id", d.ID))
	text := "New post. Send the text, or /skip for a text-free post. /cancel aborts."
	if discarded {
		text = "Previous unfinished post discarded.\n" + text
	}
	return Reply{Text: text, DraftID: d.ID}, nil
}

// Resume re-opens a saved draft at the text step with its content kept.
func (m *Manager) Resume(ctx context.Context, userID int64, draftID int64) (Reply, error) {
	d, err := m.store.GetDraft(ctx, draftID)
	if err != nil {
		return Reply{}, err
	}
	if d.OwnerID != userID {
		return Reply{}, post.ErrPermission
	}
	if d.Status != post.StatusBuilding {
		return Reply{}, post.Validationf("post %d is not a resumable draft (status %s)", draftID, d.Status)
	}

	// Don't let the discard eat the very draft being resumed.
	m.mu.Lock()
	active := m.sessions[userID]
	m.mu.Unlock()
	m.discard(ctx, userID, active == nil || active.draftID != draftID)

	s := m.newSession(userID, d.OwnerUsername, d.ID, d.Media)
	m.mu.Lock()
	m.sessions[userID] = s
	m.mu.Unlock()

	m.log.Info("composition resumed", logx.Int64("user_id", userID), logx.Int64("draft_id", d.ID))
	return Reply{
		Text: fmt.Sprintf("Resuming post #%d (%s, %d attachment(s), %d button(s)).\nSend new text to replace it, or /skip to keep the current one.",
			d.ID, summarizeBody(d.Body), len(d.Media), len(d.Buttons)),
		DraftID: d.ID,
	}, nil
}

// Cancel aborts the active session and deletes its unfinished draft.
func (m *Manager) Cancel(ctx context.Context, userID int64) (Reply, error) {
	if !m.discard(ctx, userID, true) {
		return Reply{}, post.Validationf("nothing to cancel")
	}
	return Reply{Text: "Cancelled, draft discarded.", Done: true}, nil
}

// Submit feeds one input into the user's session and returns the next
// prompt. Validation failures leave the session where it was.
func (m *Manager) Submit(ctx context.Context, userID int64, in Input) (Reply, error) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return Reply{}, post.Validationf("no active composition; start one with /post")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastSeen) > m.cfg.IdleTimeout {
		s.mu.Unlock()
		m.discard(ctx, userID, true)
		s.mu.Lock()
		return Reply{Done: true}, post.Validationf("composition timed out; start again with /post")
	}
	s.lastSeen = time.Now()

	switch control(in) {
	case "cancel":
		s.mu.Unlock()
		r, err := m.Cancel(ctx, userID)
		s.mu.Lock()
		return r, err
	case "save":
		return m.save(ctx, s)
	}

	switch s.state {
	case stText:
		return m.stepText(ctx, s, in)
	case stMedia:
		return m.stepMedia(ctx, s, in)
	case stButtons:
		return m.stepButtons(ctx, s, in)
	case stSchedule:
		return m.stepSchedule(ctx, s, in)
	case stConfirm:
		return m.stepConfirm(ctx, s, in)
	}
	return Reply{}, post.Validationf("unknown composition step")
}

func (m *Manager) newSession(userID int64, username string, draftID int64, media []post.MediaItem) *session {
	s := &session{
		userID:   userID,
		username: username,
		draftID:  draftID,
		state:    stText,
		lastSeen: time.Now(),
		media:    media,
	}
	s.agg = mediagroup.New(m.cfg.Media, func(key string, items []post.MediaItem) {
		m.collect(s, items)
	}, m.log)
	return s
}

// collect lands a flushed album batch in the session. Runs on the
// aggregator's timer goroutine as well as inline from FlushAll.
func (m *Manager) collect(s *session, items []post.MediaItem) {
	s.mu.Lock()
	added := 0
	for _, it := range items {
		if len(s.media) >= m.cfg.AlbumMax {
			s.dropped++
			continue
		}
		it.Position = len(s.media)
		s.media = append(s.media, it)
		added++
	}
	total := len(s.media)
	dropped := s.dropped
	inMediaStep := s.state == stMedia
	s.mu.Unlock()

	if !inMediaStep || added == 0 && dropped == 0 {
		return
	}
	text := fmt.Sprintf("Got %d attachment(s), %d total. Send more or /done.", added, total)
	if dropped > 0 {
		text = fmt.Sprintf("Got %d attachment(s), %d total (%d over the limit of %d dropped). Send more or /done.",
			added, total, dropped, m.cfg.AlbumMax)
	}
	m.notify(s.userID, text)
}

func (m *Manager) stepText(ctx context.Context, s *session, in Input) (Reply, error) {
	if in.Media != nil {
		return Reply{}, post.Validationf("text first; send the post text or /skip, attachments come next")
	}
	if control(in) != "skip" {
		body := strings.TrimSpace(in.Text)
		if body == "" {
			return Reply{}, post.Validationf("empty message; send the post text or /skip")
		}
		d, err := m.store.GetDraft(ctx, s.draftID)
		if err != nil {
			return Reply{}, err
		}
		if err := m.store.UpdateDraft(ctx, s.draftID, d.Version, post.DraftPatch{Body: &body}); err != nil {
			return Reply{}, err
		}
	}
	s.state = stMedia
	return Reply{Text: "Now send photos, videos or files (albums welcome). /done when finished, /skip for none.", DraftID: s.draftID}, nil
}

func (m *Manager) stepMedia(ctx context.Context, s *session, in Input) (Reply, error) {
	if in.Media != nil {
		item := post.MediaItem{
			Kind:     in.Media.Kind,
			FileID:   in.Media.FileID,
			UniqueID: in.Media.UniqueID,
			Caption:  in.Media.Caption,
		}
		// Add may flush synchronously (singleton, full album) and calls
		// collect, which needs the session lock.
		s.mu.Unlock()
		s.agg.Add(in.MediaGroupID, item)
		s.mu.Lock()
		return Reply{DraftID: s.draftID}, nil
	}

	switch control(in) {
	case "done", "skip":
	default:
		return Reply{}, post.Validationf("send an attachment, or /done to move on")
	}

	s.mu.Unlock()
	s.agg.FlushAll()
	s.mu.Lock()

	if len(s.media) > 0 {
		if err := m.store.ReplaceMedia(ctx, s.draftID, s.media); err != nil {
			return Reply{}, post.Persistence("replace media", err)
		}
	}
	s.state = stButtons
	return Reply{
		Text:    fmt.Sprintf("%d attachment(s) saved.\nNow the inline buttons: one row per line, \"label | url\", \";;\" between buttons in a row. /skip for none.", len(s.media)),
		DraftID: s.draftID,
	}, nil
}

func (m *Manager) stepButtons(ctx context.Context, s *session, in Input) (Reply, error) {
	if in.Media != nil {
		return Reply{}, post.Validationf("attachments are closed; send button rows or /skip")
	}
	if control(in) != "skip" {
		buttons, err := ParseButtons(in.Text)
		if err != nil {
			return Reply{}, err
		}
		if err := m.store.ReplaceButtons(ctx, s.draftID, buttons); err != nil {
			return Reply{}, post.Persistence("replace buttons", err)
		}
	}
	s.state = stSchedule
	return Reply{
		Text:    "When should it go out? \"now\", \"in 30m\", \"15:04\", \"tomorrow 09:00\" or \"24.12 18:00\".",
		DraftID: s.draftID,
	}, nil
}

func (m *Manager) stepSchedule(ctx context.Context, s *session, in Input) (Reply, error) {
	if in.Media != nil {
		return Reply{}, post.Validationf("send a time, not an attachment")
	}
	when := "immediately"
	if schedule.IsNow(in.Text) {
		s.immediate = true
		s.scheduleAt = time.Time{}
	} else {
		at, err := m.planner.Parse(in.Text)
		if err != nil {
			return Reply{}, err
		}
		s.immediate = false
		s.scheduleAt = at
		when = at.Format("Mon, 02 Jan 2006 15:04 MST")
	}

	d, err := m.store.GetDraft(ctx, s.draftID)
	if err != nil {
		return Reply{}, err
	}
	s.state = stConfirm
	return Reply{
		Text: fmt.Sprintf("Post #%d: %s, %d attachment(s), %d button(s).\nGoes out %s.\nType \"confirm\" to lock it in, \"preview\" or \"silent\" to toggle those options, \"save\" to keep it as a draft, /cancel to drop it.",
			d.ID, summarizeBody(d.Body), len(s.media), len(d.Buttons), when),
		DraftID: s.draftID,
	}, nil
}

func (m *Manager) stepConfirm(ctx context.Context, s *session, in Input) (Reply, error) {
	if opt := toggle(in); opt != "" {
		return m.toggleOption(ctx, s, opt)
	}
	if control(in) != "confirm" {
		return Reply{}, post.Validationf("type \"confirm\", \"preview\", \"silent\", \"save\" or /cancel")
	}

	d, err := m.store.GetDraft(ctx, s.draftID)
	if err != nil {
		return Reply{}, err
	}
	if strings.TrimSpace(d.Body) == "" && len(s.media) == 0 {
		return Reply{}, post.Validationf("the post is empty; it needs text or at least one attachment")
	}

	// Freeze the content before handoff; from here on changes go through
	// the post-publish editor only.
	st := post.StatusReady
	if err := m.store.UpdateDraft(ctx, s.draftID, d.Version, post.DraftPatch{Status: &st}); err != nil {
		if errors.Is(err, post.ErrVersionConflict) {
			return Reply{}, post.Validationf("the draft changed underneath the dialog; check it with /drafts")
		}
		return Reply{}, err
	}

	if s.immediate {
		if err := m.sched.PublishNow(ctx, s.draftID); err != nil {
			return Reply{}, err
		}
	} else {
		if err := m.sched.Schedule(ctx, s.draftID, s.scheduleAt); err != nil {
			return Reply{}, err
		}
	}

	m.drop(s.userID)
	reply := Reply{Done: true, DraftID: s.draftID}
	if s.immediate {
		reply.Text = fmt.Sprintf("Post #%d is on its way to the channel.", s.draftID)
	} else {
		reply.Text = fmt.Sprintf("Post #%d scheduled for %s.", s.draftID, s.scheduleAt.Format("Mon, 02 Jan 2006 15:04 MST"))
	}
	m.log.Info("composition confirmed",
		logx.Int64("user_id", s.userID),
		logx.Int64("draft_id", s.draftID),
		logx.Bool("immediate", s.immediate))
	return reply, nil
}

// toggleOption flips a delivery option on the draft and keeps the
// session at the confirm step.
func (m *Manager) toggleOption(ctx context.Context, s *session, opt string) (Reply, error) {
	d, err := m.store.GetDraft(ctx, s.draftID)
	if err != nil {
		return Reply{}, err
	}
	var patch post.DraftPatch
	var text string
	switch opt {
	case "preview":
		v := !d.DisablePreview
		patch.DisablePreview = &v
		if v {
			text = "Link preview off."
		} else {
			text = "Link preview on."
		}
	case "silent":
		v := !d.Silent
		patch.Silent = &v
		if v {
			text = "Silent delivery on, subscribers get no notification."
		} else {
			text = "Silent delivery off."
		}
	default:
		return Reply{}, post.Validationf("unknown option %q", opt)
	}
	if err := m.store.UpdateDraft(ctx, s.draftID, d.Version, patch); err != nil {
		return Reply{}, err
	}
	return Reply{Text: text + " Type \"confirm\" to lock it in.", DraftID: s.draftID}, nil
}

// save keeps the draft as Building and closes the session.
func (m *Manager) save(ctx context.Context, s *session) (Reply, error) {
	s.mu.Unlock()
	s.agg.FlushAll()
	s.mu.Lock()
	if len(s.media) > 0 {
		if err := m.store.ReplaceMedia(ctx, s.draftID, s.media); err != nil {
			return Reply{}, post.Persistence("replace media", err)
		}
	}
	m.drop(s.userID)
	m.log.Info("composition saved", logx.Int64("user_id", s.userID), logx.Int64("draft_id", s.draftID))
	return Reply{
		Text:    fmt.Sprintf("Saved as draft #%d. Pick it up later via /drafts.", s.draftID),
		Done:    true,
		DraftID: s.draftID,
	}, nil
}

// discard closes the user's session, if any, and optionally deletes its
// in-progress draft. Reports whether a session existed.
func (m *Manager) discard(ctx context.Context, userID int64, deleteDraft bool) bool {
	m.mu.Lock()
	s := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if s == nil {
		return false
	}
	s.agg.Close()
	if deleteDraft {
		if err := m.store.DeleteDraft(ctx, s.draftID); err != nil {
			m.log.Warn("discard draft failed", logx.Int64("draft_id", s.draftID), logx.Err(err))
		}
	}
	return true
}

func (m *Manager) drop(userID int64) {
	m.mu.Lock()
	if s := m.sessions[userID]; s != nil {
		s.agg.Close()
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

// control normalizes the step controls: "/skip", "skip", callback "skip"
// all come out the same.
func control(in Input) string {
	t := strings.ToLower(strings.TrimSpace(in.Text))
	t = strings.TrimPrefix(t, "/")
	switch t {
	case "skip", "done", "cancel", "save", "confirm":
		return t
	}
	return ""
}

// toggle recognizes the confirm-step option switches.
func toggle(in Input) string {
	t := strings.ToLower(strings.TrimSpace(in.Text))
	t = strings.TrimPrefix(t, "/")
	switch t {
	case "preview", "silent":
		return t
	}
	return ""
}

func summarizeBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "no text"
	}
	r := []rune(body)
	if len(r) > 40 {
		return "\"" + string(r[:40]) + "...\""
	}
	return "\"" + body + "\""
}
