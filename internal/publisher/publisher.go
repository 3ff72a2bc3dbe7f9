package publisher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postbot/internal/eventbus"
	"postbot/internal/post"
	"postbot/internal/storage"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

// Event types announced on the bus after each firing settles.
const (
	EventPublished = "post.published"
	EventFailed    = "post.failed"
)

// Outcome is the event payload for EventPublished and EventFailed.
type Outcome struct {
	DraftID    int64  `json:"draft_id"`
	OwnerID    int64  `json:"owner_id"`
	MessageIDs []int  `json:"message_ids,omitempty"`
	Attempts   int    `json:"attempts"`
	Err        string `json:"err,omitempty"`
}

type Config struct {
	ChannelID int64

	RetryMax      int           // attempt ceiling; default 5
	RetryBase     time.Duration // first backoff step; default 5s
	RetryMaxDelay time.Duration // backoff cap; default 10m

	SendInterval time.Duration // outbound pacing toward the channel; default 3s
}

func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 3 * time.Second
	}
	return c
}

// Executor performs the actual channel delivery for claimed jobs.
type Executor struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	adapter transport.Adapter
	bus     eventbus.Bus
	limiter *rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	now func() time.Time
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:     cfg,
		log:     log,
		store:   store,
		adapter: adapter,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(cfg.SendInterval), 1),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

// Execute delivers one claimed job. Safe to call again for a draft that
// already went out; the status gate turns the duplicate into a no-op.
func (e *Executor) Execute(ctx context.Context, job post.Job) {
	d, err := e.store.GetDraft(ctx, job.DraftID)
	if err != nil {
		if errors.Is(err, post.ErrNotFound) {
			e.log.Warn("job fired for missing post", logx.Int64("draft_id", job.DraftID))
			return
		}
		e.log.Error("load post failed", logx.Int64("draft_id", job.DraftID), logx.Err(err))
		return
	}

	switch d.Status {
	case post.StatusScheduled:
	case post.StatusPublished, post.StatusPublishing:
		// Duplicate firing or a concurrent worker; nothing to do.
		return
	default:
		e.log.Warn("job fired for post in unexpected status",
			logx.Int64("draft_id", d.ID), logx.String("status", string(d.Status)))
		return
	}

	st := post.StatusPublishing
	if err := e.store.UpdateDraft(ctx, d.ID, d.Version, post.DraftPatch{Status: &st}); err != nil {
		if errors.Is(err, post.ErrVersionConflict) {
			// Lost the race to another worker.
			return
		}
		e.log.Error("mark publishing failed", logx.Int64("draft_id", d.ID), logx.Err(err))
		return
	}
	version := d.Version + 1

	if err := e.limiter.Wait(ctx); err != nil {
		e.requeue(ctx, d, version, job.Attempts, post.Transient(err))
		return
	}

	refs, err := e.deliver(ctx, d)
	if err != nil {
		if post.IsPermanentDelivery(err) {
			e.fail(ctx, d, version, job.Attempts, err)
			return
		}
		e.requeue(ctx, d, version, job.Attempts, err)
		return
	}

	ids := make([]int, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.MessageID)
	}
	now := e.now()
	st = post.StatusPublished
	if err := e.store.UpdateDraft(ctx, d.ID, version, post.DraftPatch{
		Status: &st, MessageIDs: ids, PublishedAt: &now, ClearScheduledAt: true,
	}); err != nil {
		// The messages are live; never resend. Leave the draft for inspection.
		e.log.Error("mark published failed", logx.Int64("draft_id", d.ID), logx.Err(err))
		return
	}
	e.log.Info("post published",
		logx.Int64("draft_id", d.ID),
		logx.Int("messages", len(ids)),
		logx.Int("attempt", job.Attempts+1))
	e.publish(eventbus.Event{Type: EventPublished, Data: Outcome{
		DraftID: d.ID, OwnerID: d.OwnerID, MessageIDs: ids, Attempts: job.Attempts + 1,
	}})
}

// deliver sends the draft content and returns the resulting message refs
// in channel order.
func (e *Executor) deliver(ctx context.Context, d *post.Draft) ([]transport.MessageRef, error) {
	to := transport.ChatTarget{ChatID: e.cfg.ChannelID}
	opt := &transport.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     d.DisablePreview,
		Silent:             d.Silent,
		ReplyMarkupAdapter: e.adapter.Markup(d.Buttons),
	}

	switch {
	case len(d.Media) == 0:
		ref, err := e.adapter.SendText(ctx, to, d.Body, opt)
		if err != nil {
			return nil, err
		}
		return []transport.MessageRef{ref}, nil

	case len(d.Media) == 1:
		ref, err := e.adapter.SendMedia(ctx, to, d.Media[0], d.Body, opt)
		if err != nil {
			return nil, err
		}
		return []transport.MessageRef{ref}, nil

	default:
		// Albums cannot carry a keyboard at send time; attach it to the
		// first message afterwards.
		albumOpt := *opt
		albumOpt.ReplyMarkupAdapter = nil
		refs, err := e.adapter.SendAlbum(ctx, to, d.Media, d.Body, &albumOpt)
		if err != nil {
			return nil, err
		}
		if opt.ReplyMarkupAdapter != nil && len(refs) > 0 {
			if err := e.adapter.EditMarkup(ctx, refs[0], opt); err != nil && !errors.Is(err, transport.ErrNotModified) {
				e.log.Warn("attach keyboard to album failed",
					logx.Int64("draft_id", d.ID), logx.Err(err))
			}
		}
		return refs, nil
	}
}

// requeue schedules the next attempt or gives up at the ceiling.
func (e *Executor) requeue(ctx context.Context, d *post.Draft, version int64, attempts int, cause error) {
	attempts++
	if attempts >= e.cfg.RetryMax {
		e.fail(ctx, d, version, attempts, cause)
		return
	}

	next := e.now().Add(e.backoff(attempts, post.RetryAfter(cause)))
	if err := e.store.UpsertJob(ctx, d.ID, next, attempts); err != nil {
		e.log.Error("requeue failed", logx.Int64("draft_id", d.ID), logx.Err(err))
		e.fail(ctx, d, version, attempts, cause)
		return
	}
	st := post.StatusScheduled
	if err := e.store.UpdateDraft(ctx, d.ID, version, post.DraftPatch{Status: &st, ScheduledAt: &next}); err != nil {
		e.log.Error("mark rescheduled failed", logx.Int64("draft_id", d.ID), logx.Err(err))
		return
	}
	e.log.Warn("publish attempt failed, retrying",
		logx.Int64("draft_id", d.ID),
		logx.Int("attempt", attempts),
		logx.Time("next_try", next),
		logx.Err(cause))
}

func (e *Executor) fail(ctx context.Context, d *post.Draft, version int64, attempts int, cause error) {
	st := post.StatusFailed
	if err := e.store.UpdateDraft(ctx, d.ID, version, post.DraftPatch{Status: &st, ClearScheduledAt: true}); err != nil {
		e.log.Error("mark failed failed", logx.Int64("draft_id", d.ID), logx.Err(err))
	}
	e.log.Error("post delivery failed",
		logx.Int64("draft_id", d.ID),
		logx.Int("attempts", attempts),
		logx.Err(cause))
	e.publish(eventbus.Event{Type: EventFailed, Data: Outcome{
		DraftID: d.ID, OwnerID: d.OwnerID, Attempts: attempts, Err: cause.Error(),
	}})
}

// backoff is exponential with jitter, capped at RetryMaxDelay. A platform
// flood wait overrides the computed step when it asks for longer.
func (e *Executor) backoff(attempts int, retryAfter time.Duration) time.Duration {
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	d := e.cfg.RetryBase * time.Duration(1<<shift)
	if d > e.cfg.RetryMaxDelay {
		d = e.cfg.RetryMaxDelay
	}

	e.rngMu.Lock()
	jitter := 0.7 + e.rng.Float64()*0.6 // 0.7..1.3
	e.rngMu.Unlock()
	d = time.Duration(float64(d) * jitter)

	// A flood wait shorter than the cap is a hard floor; retrying earlier
	// is guaranteed to fail again.
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (e *Executor) publish(ev eventbus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
