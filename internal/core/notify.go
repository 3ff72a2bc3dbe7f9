package core

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/publisher"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// watchOutcomes tells the owner how their post fared. Delivery runs in the
// background of the pipeline, so this is the only feedback channel after
// "confirm".
func (a *App) watchOutcomes(sup *Supervisor) {
	events, unsub := a.bus.Subscribe(64)
	sup.Go0("outcome.notify", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				out, ok := e.Data.(publisher.Outcome)
				if !ok {
					continue
				}
				var text string
				switch e.Type {
				case publisher.EventPublished:
					text = fmt.Sprintf("Post #%d is live in the channel (%d message(s), attempt %d).",
						out.DraftID, len(out.MessageIDs), out.Attempts)
				case publisher.EventFailed:
					text = fmt.Sprintf("Post #%d could not be delivered after %d attempt(s): %s\nIt is parked under /posted for a retry.",
						out.DraftID, out.Attempts, out.Err)
				default:
					continue
				}
				a.notifyUser(c, out.OwnerID, text)
			}
		}
	})
}

// notifyUser sends a direct message to the user's private chat (its id
// equals the user id on Telegram). Failures are logged, never propagated.
func (a *App) notifyUser(ctx context.Context, userID int64, text string) {
	if userID == 0 || text == "" {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.adapter.SendText(cctx, kit.ChatTarget{ChatID: userID}, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		a.log.Warn("owner notification failed", logx.Int64("user_id", userID), logx.Err(err))
	}
}
