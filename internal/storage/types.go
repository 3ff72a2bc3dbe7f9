package storage

import (
	"context"
	"time"

	"postbot/internal/post"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process backend, nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by the pipeline.
//
// UpdateDraft applies patch only when the stored version equals
// expectedVersion, bumping the version on success; otherwise it returns
// post.ErrVersionConflict. ReplaceMedia and ReplaceButtons rewrite the
// full set transactionally and renumber positions densely.
//
// Job methods manage the durable scheduled-delivery records. The sweep
// claims a job by deleting it before dispatch, so retry requeues must
// write the attempt count back in the same call; that is why UpsertJob
// carries attempts instead of a separate increment op. DueJobs returns
// jobs whose fire-at has elapsed, soonest first.
type Store interface {
	CreateDraft(ctx context.Context, d *post.Draft) (int64, error)
	GetDraft(ctx context.Context, id int64) (*post.Draft, error)
	ListDrafts(ctx context.Context, ownerID int64, statuses ...post.Status) ([]*post.Draft, error)
	UpdateDraft(ctx context.Context, id, expectedVersion int64, patch post.DraftPatch) error
	DeleteDraft(ctx context.Context, id int64) error
	PruneDrafts(ctx context.Context, olderThan time.Time) (int, error)

	ReplaceMedia(ctx context.Context, draftID int64, items []post.MediaItem) error
	ReplaceButtons(ctx context.Context, draftID int64, buttons []post.Button) error

	UpsertJob(ctx context.Context, draftID int64, fireAt time.Time, attempts int) error
	DeleteJob(ctx context.Context, draftID int64) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]post.Job, error)

	Close() error
}
