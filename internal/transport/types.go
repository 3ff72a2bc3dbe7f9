package transport

import (
	"context"

	"postbot/internal/post"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a platform-neutral incoming message. Media is non-nil when the
// message carries an attachment; MediaGroupID correlates the members of a
// client-side album burst (empty for standalone sends).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool

	MediaGroupID string
	Media        *MediaAttachment
}

// MediaAttachment is the file payload carried by an incoming message.
type MediaAttachment struct {
	Kind     post.MediaKind
	FileID   string
	UniqueID string
	Caption  string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	Silent             bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// Adapter is the delivery-channel client the pipeline talks to. All calls
// are bounded by the supplied context; implementations classify failures
// via post.Transient / post.Permanent so the executor can route retries.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to ChatTarget, item post.MediaItem, caption string, opt *SendOptions) (MessageRef, error)
	SendAlbum(ctx context.Context, to ChatTarget, items []post.MediaItem, caption string, opt *SendOptions) ([]MessageRef, error)

	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	EditCaption(ctx context.Context, ref MessageRef, caption string, opt *SendOptions) error
	EditMarkup(ctx context.Context, ref MessageRef, opt *SendOptions) error

	// Markup renders the button grid into the adapter's native reply markup,
	// suitable for SendOptions.ReplyMarkupAdapter. Returns nil for an empty grid.
	Markup(buttons []post.Button) any

	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
