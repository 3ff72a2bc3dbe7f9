package core

import (
	"context"
	"fmt"
	"strconv"

	"postbot/internal/post"
	"postbot/pkg/tgui"

	tele "gopkg.in/telebot.v4"
)

const listPageSize = 5

const listTimeFormat = "Mon, 02 Jan 15:04"

func (a *App) renderDrafts(ctx context.Context, ownerID int64, page int) (tgui.Message, error) {
	drafts, err := a.store.ListDrafts(ctx, ownerID, post.StatusBuilding)
	if err != nil {
		return tgui.Message{}, post.Persistence("list drafts", err)
	}
	return renderList(listSpec{
		Title:  "Drafts",
		Empty:  "No unfinished drafts. Start one with /post.",
		Action: "drafts",
		Page:   page,
		Drafts: drafts,
		Line:   describe,
		Buttons: func(d *post.Draft) []tele.Btn {
			return []tele.Btn{
				tgui.Btn("Resume #"+itoa(d.ID), tgui.Data(callbackNamespace, "resume", itoa(d.ID))),
				tgui.Btn("Delete", tgui.Data(callbackNamespace, "delete", itoa(d.ID))),
			}
		},
	}), nil
}

func (a *App) renderQueue(ctx context.Context, ownerID int64, page int) (tgui.Message, error) {
	drafts, err := a.store.ListDrafts(ctx, ownerID, post.StatusReady, post.StatusScheduled, post.StatusPublishing)
	if err != nil {
		return tgui.Message{}, post.Persistence("list queue", err)
	}
	return renderList(listSpec{
		Title:  "Queue",
		Empty:  "Nothing queued. Confirmed posts show up here until they are delivered.",
		Action: "queue",
		Page:   page,
		Drafts: drafts,
		Line: func(d *post.Draft) string {
			line := describe(d)
			if d.Status == post.StatusScheduled && d.ScheduledAt != nil {
				line += "\n   goes out " + d.ScheduledAt.Format(listTimeFormat)
			}
			return line
		},
		Buttons: func(d *post.Draft) []tele.Btn {
			if d.Status == post.StatusPublishing {
				return nil
			}
			btns := []tele.Btn{
				tgui.Btn("Publish #"+itoa(d.ID), tgui.Data(callbackNamespace, "publish", itoa(d.ID))),
			}
			if d.Status == post.StatusScheduled {
				btns = append(btns, tgui.Btn("Unschedule", tgui.Data(callbackNamespace, "unschedule", itoa(d.ID))))
			}
			btns = append(btns, tgui.Btn("Delete", tgui.Data(callbackNamespace, "delete", itoa(d.ID))))
			return btns
		},
	}), nil
}

func (a *App) renderPosted(ctx context.Context, ownerID int64, page int) (tgui.Message, error) {
	drafts, err := a.store.ListDrafts(ctx, ownerID, post.StatusPublished, post.StatusFailed)
	if err != nil {
		return tgui.Message{}, post.Persistence("list posted", err)
	}
	return renderList(listSpec{
		Title:  "Posted",
		Empty:  "Nothing delivered yet.",
		Action: "posted",
		Page:   page,
		Drafts: drafts,
		Line: func(d *post.Draft) string {
			line := describe(d)
			switch {
			case d.Status == post.StatusPublished && d.PublishedAt != nil:
				line += "\n   delivered " + d.PublishedAt.Format(listTimeFormat) + ", edit via /edit " + itoa(d.ID)
			case d.Status == post.StatusFailed:
				line += "\n   delivery failed"
			}
			return line
		},
		Buttons: func(d *post.Draft) []tele.Btn {
			if d.Status != post.StatusFailed {
				return nil
			}
			return []tele.Btn{
				tgui.Btn("Retry #"+itoa(d.ID), tgui.Data(callbackNamespace, "retry", itoa(d.ID))),
				tgui.Btn("Delete", tgui.Data(callbackNamespace, "delete", itoa(d.ID))),
			}
		},
	}), nil
}

type listSpec struct {
	Title   string
	Empty   string
	Action  string // callback action used for the paging buttons
	Page    int
	Drafts  []*post.Draft
	Line    func(*post.Draft) string
	Buttons func(*post.Draft) []tele.Btn
}

func renderList(spec listSpec) tgui.Message {
	if len(spec.Drafts) == 0 {
		return tgui.New().Line(spec.Empty).Build()
	}

	sub, page, size, _, _, hasPrev, hasNext := tgui.PaginateSlice(spec.Drafts, spec.Page, listPageSize)

	b := tgui.New().Title("", spec.Title+" "+tgui.PageLabel(page, size, len(spec.Drafts)))
	kb := tgui.NewInline()
	withKB := false
	for _, d := range sub {
		b.RawLine(spec.Line(d))
		if spec.Buttons == nil {
			continue
		}
		if row := spec.Buttons(d); len(row) > 0 {
			kb.Row(row...)
			withKB = true
		}
	}
	if hasPrev || hasNext {
		var nav []tele.Btn
		if hasPrev {
			nav = append(nav, tgui.Btn("‹ Prev", tgui.Data(callbackNamespace, spec.Action, strconv.Itoa(page-1))))
		}
		if hasNext {
			nav = append(nav, tgui.Btn("Next ›", tgui.Data(callbackNamespace, spec.Action, strconv.Itoa(page+1))))
		}
		kb.Row(nav...)
		withKB = true
	}
	if withKB {
		b.Inline(kb)
	}
	return b.Build()
}

// describe renders the one-line listing entry for a draft.
func describe(d *post.Draft) string {
	head := tgui.B("#" + itoa(d.ID)).String() + " " + tgui.I(string(d.Status)).String()
	body := tgui.TruncRunes(d.Body, 48)
	if body == "" {
		body = "(no text)"
	}
	extras := ""
	if n := len(d.Media); n > 0 {
		extras += fmt.Sprintf(", %d attachment(s)", n)
	}
	if n := len(d.Buttons); n > 0 {
		extras += fmt.Sprintf(", %d button(s)", n)
	}
	return head + " " + tgui.Esc(body).String() + tgui.Esc(extras).String()
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
