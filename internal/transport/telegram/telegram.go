package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/post"
	"postbot/internal/transport"
	"postbot/pkg/logx"
	"postbot/pkg/tgui"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter drives a telebot long-poll loop and exposes the send/edit surface
// the pipeline needs. Outgoing errors are classified into the post error
// taxonomy so the executor can decide between retry and terminal failure.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the Telegram poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped updates.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		a.emitMessage(c.Message(), nil)
		return nil
	})
	a.bot.Handle(tele.OnPhoto, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Photo == nil {
			return nil
		}
		a.emitMessage(m, &transport.MediaAttachment{
			Kind:     post.MediaPhoto,
			FileID:   m.Photo.FileID,
			UniqueID: m.Photo.UniqueID,
			Caption:  m.Caption,
		})
		return nil
	})
	a.bot.Handle(tele.OnVideo, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Video == nil {
			return nil
		}
		a.emitMessage(m, &transport.MediaAttachment{
			Kind:     post.MediaVideo,
			FileID:   m.Video.FileID,
			UniqueID: m.Video.UniqueID,
			Caption:  m.Caption,
		})
		return nil
	})
	a.bot.Handle(tele.OnDocument, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Document == nil {
			return nil
		}
		a.emitMessage(m, &transport.MediaAttachment{
			Kind:     post.MediaDocument,
			FileID:   m.Document.FileID,
			UniqueID: m.Document.UniqueID,
			Caption:  m.Caption,
		})
		return nil
	})
	a.bot.Handle(tele.OnAudio, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Audio == nil {
			return nil
		}
		a.emitMessage(m, &transport.MediaAttachment{
			Kind:     post.MediaAudio,
			FileID:   m.Audio.FileID,
			UniqueID: m.Audio.UniqueID,
			Caption:  m.Caption,
		})
		return nil
	})
	a.bot.Handle(tele.OnAnimation, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Animation == nil {
			return nil
		}
		a.emitMessage(m, &transport.MediaAttachment{
			Kind:     post.MediaAnimation,
			FileID:   m.Animation.FileID,
			UniqueID: m.Animation.UniqueID,
			Caption:  m.Caption,
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		up := transport.Update{
			Kind: transport.UpdateCallback,
			Callback: &transport.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				ThreadID:  m.ThreadID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		}
		a.emit(up)
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) emitMessage(m *tele.Message, media *transport.MediaAttachment) {
	if m == nil || m.Sender == nil {
		return
	}
	up := transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			MediaGroupID: m.AlbumID,
			Media:        media,
		},
	}
	a.emit(up)
}

func (a *Adapter) emit(up transport.Update) {
	select {
	case a.out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, text, sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendMedia(ctx context.Context, to transport.ChatTarget, item post.MediaItem, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	msg, err := a.bot.Send(chat, inputMedia(item, caption), sendOptions(to, opt))
	if err != nil {
		return transport.MessageRef{}, classify(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendAlbum(ctx context.Context, to transport.ChatTarget, items []post.MediaItem, caption string, opt *transport.SendOptions) ([]transport.MessageRef, error) {
	chat := &tele.Chat{ID: to.ChatID}
	album := make(tele.Album, 0, len(items))
	for i, it := range items {
		c := ""
		if i == 0 {
			c = caption
		}
		album = append(album, inputMedia(it, c))
	}
	msgs, err := a.bot.SendAlbum(chat, album, sendOptions(to, opt))
	if err != nil {
		return nil, classify(err)
	}
	refs := make([]transport.MessageRef, 0, len(msgs))
	for _, m := range msgs {
		refs = append(refs, transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: m.ID})
	}
	return refs, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, sendOptions(transport.ChatTarget{ChatID: ref.ChatID}, opt))
	return classify(err)
}

func (a *Adapter) EditCaption(ctx context.Context, ref transport.MessageRef, caption string, opt *transport.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.EditCaption(m, caption, sendOptions(transport.ChatTarget{ChatID: ref.ChatID}, opt))
	return classify(err)
}

func (a *Adapter) EditMarkup(ctx context.Context, ref transport.MessageRef, opt *transport.SendOptions) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	var rm *tele.ReplyMarkup
	if opt != nil {
		rm, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	_, err := a.bot.EditReplyMarkup(m, rm)
	return classify(err)
}

// Markup lays the button grid out as an inline URL keyboard. Buttons are
// expected sorted by (row, col), which is how the store returns them.
func (a *Adapter) Markup(buttons []post.Button) any {
	if len(buttons) == 0 {
		return nil
	}
	kb := tgui.NewInline()
	row := make([]tele.Btn, 0, len(buttons))
	cur := buttons[0].Row
	for _, b := range buttons {
		if b.Row != cur {
			kb.Row(row...)
			row = row[:0:0]
			cur = b.Row
		}
		row = append(row, tgui.URLBtn(b.Label, b.URL))
	}
	if len(row) > 0 {
		kb.Row(row...)
	}
	return kb.Markup()
}

// SendLogText implements the logx Telegram sink without dragging the full
// send-options surface into pkg/logx.
func (a *Adapter) SendLogText(ctx context.Context, chatID int64, threadID int, text string) error {
	_, err := a.SendText(ctx, transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &transport.SendOptions{DisablePreview: true})
	return err
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		so.ReplyMarkup = rm
	}
	return so
}

func inputMedia(item post.MediaItem, caption string) tele.Inputtable {
	f := tele.File{FileID: item.FileID, UniqueID: item.UniqueID}
	switch item.Kind {
	case post.MediaVideo:
		return &tele.Video{File: f, Caption: caption}
	case post.MediaDocument:
		return &tele.Document{File: f, Caption: caption}
	case post.MediaAudio:
		return &tele.Audio{File: f, Caption: caption}
	case post.MediaAnimation:
		return &tele.Animation{File: f, Caption: caption}
	default:
		return &tele.Photo{File: f, Caption: caption}
	}
}

// classify maps telebot errors onto the post error taxonomy.
//
// Flood waits carry the platform-requested delay; 4xx rejections are
// permanent (a retry would fail identically); everything else, including
// plain network errors, is treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrSameMessageContent) {
		return transport.ErrNotModified
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &post.DeliveryError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second, Err: err}
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 429:
			return post.Transient(err)
		case te.Code >= 400 && te.Code < 500:
			// chat not found, bot kicked, bad file id, too long, ...
			return post.Permanent(err)
		default:
			return post.Transient(err)
		}
	}
	return post.Transient(err)
}
