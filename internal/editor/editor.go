// Package editor reconciles content changes of already published posts
// with the live channel messages.
package editor

import (
	"context"
	"errors"

	"postbot/internal/post"
	"postbot/internal/storage"
	"postbot/internal/transport"
	"postbot/pkg/logx"
)

// Patch is a content change for a published post. Nil fields stay as they
// are. The media set of a published post is immutable; a patch that names
// media is rejected outright.
type Patch struct {
	Body *string

	Buttons      []post.Button
	ClearButtons bool

	Media []post.MediaItem
}

type Config struct {
	ChannelID int64
}

// Reconciler applies patches live-first: the channel message is edited
// before the draft row, so storage never claims content the channel does
// not show yet.
type Reconciler struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	adapter transport.Adapter
}

func New(cfg Config, store storage.Store, adapter transport.Adapter, log logx.Logger) *Reconciler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reconciler{cfg: cfg, log: log, store: store, adapter: adapter}
}

// Apply edits the live message(s) of a published post and then records the
// change. A patch that changes nothing succeeds without touching anything.
func (r *Reconciler) Apply(ctx context.Context, draftID int64, patch Patch) error {
	if patch.Media != nil {
		return post.Validationf("media of a published post cannot be changed; delete the post and publish a new one")
	}

	d, err := r.store.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	if d.Status != post.StatusPublished {
		return post.Validationf("post %d is not published (status %s); only published posts can be edited in place", draftID, d.Status)
	}
	if len(d.MessageIDs) == 0 {
		return post.Validationf("post %d has no channel messages on record", draftID)
	}

	bodyChanged := patch.Body != nil && *patch.Body != d.Body
	buttonsChanged := patch.ClearButtons && len(d.Buttons) > 0 ||
		patch.Buttons != nil && !sameButtons(patch.Buttons, d.Buttons)
	if !bodyChanged && !buttonsChanged {
		return nil
	}

	buttons := d.Buttons
	if patch.ClearButtons {
		buttons = nil
	} else if patch.Buttons != nil {
		buttons = patch.Buttons
	}

	first := transport.MessageRef{ChatID: r.cfg.ChannelID, MessageID: d.MessageIDs[0]}
	opt := &transport.SendOptions{
		ParseMode:          "HTML",
		DisablePreview:     d.DisablePreview,
		ReplyMarkupAdapter: r.adapter.Markup(buttons),
	}

	if bodyChanged {
		body := *patch.Body
		if len(d.Media) == 0 {
			// Text edits can carry the keyboard in the same call.
			if err := r.editLive(r.adapter.EditText(ctx, first, body, opt)); err != nil {
				return err
			}
			buttonsChanged = false
		} else {
			if err := r.editLive(r.adapter.EditCaption(ctx, first, body, opt)); err != nil {
				return err
			}
			buttonsChanged = false
		}
	}
	if buttonsChanged {
		if err := r.editLive(r.adapter.EditMarkup(ctx, first, opt)); err != nil {
			return err
		}
	}

	if patch.Buttons != nil || patch.ClearButtons {
		if err := r.store.ReplaceButtons(ctx, d.ID, buttons); err != nil {
			return post.Persistence("replace buttons", err)
		}
	}
	if patch.Body != nil {
		if err := r.store.UpdateDraft(ctx, d.ID, d.Version, post.DraftPatch{Body: patch.Body}); err != nil {
			return err
		}
	}
	r.log.Info("published post edited",
		logx.Int64("draft_id", d.ID),
		logx.Bool("body", bodyChanged),
		logx.Bool("buttons", patch.Buttons != nil || patch.ClearButtons))
	return nil
}

// editLive normalizes the platform's "nothing to change" rejection into
// success; the desired state is already live.
func (r *Reconciler) editLive(err error) error {
	if err == nil || errors.Is(err, transport.ErrNotModified) {
		return nil
	}
	return err
}

func sameButtons(a, b []post.Button) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
