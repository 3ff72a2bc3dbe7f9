package post

import "time"

// Status is the lifecycle state of a draft.
//
// Transitions are monotonic along
//
//	building -> ready -> scheduled -> publishing -> published
//
// with failed/cancelled as terminal side exits. A published draft never
// reverts; post-publish changes go through the edit reconciler, which
// patches content in place without touching Status.
type Status string

const (
	StatusBuilding   Status = "building"
	StatusReady      Status = "ready"
	StatusScheduled  Status = "scheduled"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends the normal lifecycle.
func (s Status) Terminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// MediaKind is the attachment type of a media item.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaAnimation MediaKind = "animation"
)

// MediaItem is one attachment of a draft. Position is dense 0..N-1 within
// the owning draft; UniqueID identifies the underlying file independently
// of redeliveries and is the dedup key during album aggregation.
type MediaItem struct {
	Kind     MediaKind
	FileID   string
	UniqueID string
	Caption  string
	Position int
}

// Button is one inline URL button of a draft's keyboard grid.
type Button struct {
	Label string
	URL   string
	Row   int
	Col   int
}

// Draft is a post under construction, scheduled, or already delivered.
//
// Version implements optimistic concurrency: every successful update
// increments it, and updates carrying a stale expected version fail with
// ErrVersionConflict.
type Draft struct {
	ID            int64
	OwnerID       int64
	OwnerUsername string
	Status        Status
	Body          string
	ScheduledAt   *time.Time
	MessageIDs    []int // channel message ids, set once published
	PublishedAt   *time.Time

	DisablePreview bool
	Silent         bool

	Media   []MediaItem
	Buttons []Button

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasAlbum reports whether delivery requires a grouped album send.
func (d *Draft) HasAlbum() bool { return len(d.Media) > 1 }

// DraftPatch is a partial draft update. Nil fields are left untouched.
// ClearScheduledAt removes the timestamp explicitly, since a nil
// ScheduledAt pointer means "no change".
type DraftPatch struct {
	Status           *Status
	Body             *string
	ScheduledAt      *time.Time
	ClearScheduledAt bool
	MessageIDs       []int
	PublishedAt      *time.Time
	DisablePreview   *bool
	Silent           *bool
}

// Job is a durable scheduled-delivery record, keyed 1:1 by draft id.
// Attempts counts previous failed delivery attempts; retry state lives
// here rather than on the draft so the draft lifecycle stays simple.
type Job struct {
	DraftID   int64
	FireAt    time.Time
	Attempts  int
	UpdatedAt time.Time
}
