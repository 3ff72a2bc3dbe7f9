package core

import (
	"context"
	"strconv"
	"strings"

	"postbot/internal/editor"
	"postbot/internal/post"
	kit "postbot/internal/transport"
	"postbot/internal/wizard"
	logx "postbot/pkg/logx"
	"postbot/pkg/tgui"
)

func (a *App) registerRoutes() {
	a.router.Register(
		Command{Name: "post", Description: "compose a new channel post", Usage: "/post", Handle: a.cmdPost},
		Command{Name: "cancel", Description: "abort the current composition", Usage: "/cancel", Handle: a.cmdCancel},
		Command{Name: "drafts", Description: "list resumable drafts", Usage: "/drafts", Handle: a.cmdDrafts},
		Command{Name: "queue", Description: "list scheduled and ready posts", Usage: "/queue", Handle: a.cmdQueue},
		Command{Name: "posted", Description: "list delivered and failed posts", Usage: "/posted", Handle: a.cmdPosted},
		Command{Name: "edit", Description: "replace the text of a published post", Usage: "/edit <id> <new text>", Handle: a.cmdEdit},
		Command{Name: "buttons", Description: "replace the buttons of a published post", Usage: "/buttons <id> <label | url ;; ...> (\"-\" removes them)", Handle: a.cmdButtons},
		Command{Name: "help", Description: "show this help", Usage: "/help", Handle: a.cmdHelp},
	)
	a.router.RegisterCallbacks(
		CallbackRoute{Action: "resume", Handle: a.cbResume},
		CallbackRoute{Action: "publish", Handle: a.cbPublish},
		CallbackRoute{Action: "unschedule", Handle: a.cbUnschedule},
		CallbackRoute{Action: "retry", Handle: a.cbRetry},
		CallbackRoute{Action: "delete", Handle: a.cbDelete},
		CallbackRoute{Action: "delyes", Handle: a.cbDeleteYes},
		CallbackRoute{Action: "delno", Handle: a.cbDeleteNo},
		CallbackRoute{Action: "drafts", Handle: a.cbListPage(a.renderDrafts)},
		CallbackRoute{Action: "queue", Handle: a.cbListPage(a.renderQueue)},
		CallbackRoute{Action: "posted", Handle: a.cbListPage(a.renderPosted)},
	)
	a.router.SetFallback(a.onMessage)
}

// onMessage feeds every non-command owner message into the composition
// dialog. Step controls like /skip and /done are not registered commands
// on purpose; the dialog interprets them itself.
func (a *App) onMessage(ctx context.Context, req *Request) error {
	msg := req.Update.Message
	if msg == nil {
		return nil
	}
	in := wizard.Input{
		Text:         msg.Text,
		MediaGroupID: msg.MediaGroupID,
		Media:        msg.Media,
	}
	r, err := a.wizard.Submit(ctx, req.FromID, in)
	if err != nil {
		return err
	}
	return a.reply(ctx, req, r.Text)
}

func (a *App) cmdPost(ctx context.Context, req *Request) error {
	r, err := a.wizard.Start(ctx, req.FromID, req.Username)
	if err != nil {
		return err
	}
	return a.reply(ctx, req, r.Text)
}

func (a *App) cmdCancel(ctx context.Context, req *Request) error {
	r, err := a.wizard.Cancel(ctx, req.FromID)
	if err != nil {
		return err
	}
	return a.reply(ctx, req, r.Text)
}

func (a *App) cmdDrafts(ctx context.Context, req *Request) error {
	msg, err := a.renderDrafts(ctx, req.FromID, 0)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (a *App) cmdQueue(ctx context.Context, req *Request) error {
	msg, err := a.renderQueue(ctx, req.FromID, 0)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (a *App) cmdPosted(ctx context.Context, req *Request) error {
	msg, err := a.renderPosted(ctx, req.FromID, 0)
	if err != nil {
		return err
	}
	_, err = msg.Send(ctx, req.Adapter, req.Chat)
	return err
}

func (a *App) cmdEdit(ctx context.Context, req *Request) error {
	id, rest, err := idArg(req)
	if err != nil {
		return err
	}
	body := strings.TrimSpace(rest)
	if body == "" {
		return post.Validationf("usage: /edit <id> <new text>")
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}
	if err := a.editor.Apply(ctx, id, editor.Patch{Body: &body}); err != nil {
		return err
	}
	return a.reply(ctx, req, "Post #"+strconv.FormatInt(id, 10)+" updated in the channel.")
}

func (a *App) cmdButtons(ctx context.Context, req *Request) error {
	id, rest, err := idArg(req)
	if err != nil {
		return err
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return post.Validationf("usage: /buttons <id> <label | url ;; ...>, one row per line; \"-\" removes all buttons")
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}

	var patch editor.Patch
	if rest == "-" {
		patch.ClearButtons = true
	} else {
		btns, err := wizard.ParseButtons(rest)
		if err != nil {
			return err
		}
		patch.Buttons = btns
	}
	if err := a.editor.Apply(ctx, id, patch); err != nil {
		return err
	}
	return a.reply(ctx, req, "Buttons of post #"+strconv.FormatInt(id, 10)+" updated.")
}

func (a *App) cmdHelp(ctx context.Context, req *Request) error {
	b := tgui.New().Title("", "Channel post bot")
	cmds := a.router.Commands()
	order := []string{"post", "cancel", "drafts", "queue", "posted", "edit", "buttons", "help"}
	for _, name := range order {
		for _, c := range cmds {
			if c.Name == name {
				b.KV(c.Usage, c.Description)
			}
		}
	}
	b.Blank().Line("During composition: /skip advances a step, /done closes the media step, \"save\" keeps the draft, \"confirm\" locks it in. At the confirm step \"preview\" and \"silent\" toggle the link preview and silent delivery.")
	_, err := b.Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

// ---- Callbacks ----

func (a *App) cbResume(ctx context.Context, req *Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	r, err := a.wizard.Resume(ctx, req.FromID, id)
	if err != nil {
		return err
	}
	return a.reply(ctx, req, r.Text)
}

func (a *App) cbPublish(ctx context.Context, req *Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}
	if err := a.sched.PublishNow(ctx, id); err != nil {
		return err
	}
	return a.reply(ctx, req, "Post #"+strconv.FormatInt(id, 10)+" queued for delivery.")
}

func (a *App) cbUnschedule(ctx context.Context, req *Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}
	if err := a.sched.Unschedule(ctx, id); err != nil {
		return err
	}
	return a.reply(ctx, req, "Post #"+strconv.FormatInt(id, 10)+" unscheduled; it stays available in /queue.")
}

// cbRetry puts a failed post back on the queue and fires it immediately.
func (a *App) cbRetry(ctx context.Context, req *Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	d, err := a.store.GetDraft(ctx, id)
	if err != nil {
		return err
	}
	if d.OwnerID != req.FromID {
		return post.ErrPermission
	}
	if d.Status != post.StatusFailed {
		return post.Validationf("post %d is not in a failed state (status %s)", id, d.Status)
	}
	st := post.StatusReady
	if err := a.store.UpdateDraft(ctx, id, d.Version, post.DraftPatch{Status: &st}); err != nil {
		return err
	}
	if err := a.sched.PublishNow(ctx, id); err != nil {
		return err
	}
	return a.reply(ctx, req, "Post #"+strconv.FormatInt(id, 10)+" queued for another delivery attempt.")
}

// cbDelete asks for confirmation through a short-lived token, so a stale
// button press from an old listing cannot delete anything.
func (a *App) cbDelete(ctx context.Context, req *Request, payload string) error {
	id, err := parseID(payload)
	if err != nil {
		return err
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}
	tok := a.tokens.PutString(payload)
	kb := tgui.ConfirmInline(
		tgui.Btn("Delete", tgui.Data(callbackNamespace, "delyes", tok)),
		tgui.Btn("Keep", tgui.Data(callbackNamespace, "delno", tok)),
	)
	_, err = tgui.New().
		Line("Delete post #"+strconv.FormatInt(id, 10)+"? This cannot be undone.").
		Inline(kb).
		Build().Send(ctx, req.Adapter, req.Chat)
	return err
}

func (a *App) cbDeleteYes(ctx context.Context, req *Request, payload string) error {
	raw, ok := a.tokens.GetString(payload)
	if !ok {
		return post.Validationf("confirmation expired; open the listing again")
	}
	id, err := parseID(raw)
	if err != nil {
		return err
	}
	if err := a.requireOwn(ctx, req.FromID, id); err != nil {
		return err
	}
	if err := a.store.DeleteDraft(ctx, id); err != nil {
		return post.Persistence("delete draft", err)
	}
	a.log.Info("post deleted", logx.Int64("draft_id", id), logx.Int64("user_id", req.FromID))
	return a.reply(ctx, req, "Post #"+strconv.FormatInt(id, 10)+" deleted.")
}

func (a *App) cbDeleteNo(ctx context.Context, req *Request, payload string) error {
	a.tokens.GetString(payload) // consume
	return a.reply(ctx, req, "Kept.")
}

func (a *App) cbListPage(render func(ctx context.Context, ownerID int64, page int) (tgui.Message, error)) func(context.Context, *Request, string) error {
	return func(ctx context.Context, req *Request, payload string) error {
		page, err := strconv.Atoi(payload)
		if err != nil || page < 0 {
			page = 0
		}
		msg, err := render(ctx, req.FromID, page)
		if err != nil {
			return err
		}
		// Edit the listing in place when the callback came from one.
		if cb := req.Update.Callback; cb != nil && cb.MessageID != 0 {
			ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
			if err := msg.Edit(ctx, req.Adapter, ref, req.Chat); err == nil {
				return nil
			}
		}
		_, err = msg.Send(ctx, req.Adapter, req.Chat)
		return err
	}
}

// ---- Helpers ----

func (a *App) reply(ctx context.Context, req *Request, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// requireOwn loads the draft and verifies the actor owns it.
func (a *App) requireOwn(ctx context.Context, userID, draftID int64) error {
	d, err := a.store.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	if d.OwnerID != userID {
		return post.ErrPermission
	}
	return nil
}

func idArg(req *Request) (int64, string, error) {
	if len(req.Args) == 0 {
		return 0, "", post.Validationf("usage: %s", "/"+req.Command+" <id> ...")
	}
	id, err := parseID(req.Args[0])
	if err != nil {
		return 0, "", err
	}
	rest := strings.TrimSpace(strings.TrimPrefix(req.Rest, req.Args[0]))
	return id, rest, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, post.Validationf("%q is not a post id", s)
	}
	return id, nil
}
