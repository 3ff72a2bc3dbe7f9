package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/post"
	"postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- drafts ----

func (s *sqliteStore) CreateDraft(ctx context.Context, d *post.Draft) (int64, error) {
	now := time.Now()
	if d.Status == "" {
		d.Status = post.StatusBuilding
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts(owner_id, owner_username, status, body, disable_preview, silent, version, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,0,?,?)`,
		d.OwnerID, nullStr(d.OwnerUsername), string(d.Status), nullStr(d.Body),
		boolInt(d.DisablePreview), boolInt(d.Silent), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	d.ID = id
	d.Version = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	return id, nil
}

func (s *sqliteStore) GetDraft(ctx context.Context, id int64) (*post.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, owner_username, status, body, scheduled_at, message_ids,
		        published_at, disable_preview, silent, version, created_at, updated_at
		 FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadAttachments(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *sqliteStore) ListDrafts(ctx context.Context, ownerID int64, statuses ...post.Status) ([]*post.Draft, error) {
	q := `SELECT id, owner_id, owner_username, status, body, scheduled_at, message_ids,
	             published_at, disable_preview, silent, version, created_at, updated_at
	      FROM drafts WHERE owner_id = ?`
	args := []any{ownerID}
	if len(statuses) > 0 {
		q += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*post.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, d := range out {
		if err := s.loadAttachments(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *sqliteStore) UpdateDraft(ctx context.Context, id, expectedVersion int64, patch post.DraftPatch) error {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Body != nil {
		sets = append(sets, "body = ?")
		args = append(args, nullStr(*patch.Body))
	}
	if patch.ClearScheduledAt {
		sets = append(sets, "scheduled_at = NULL")
	} else if patch.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, patch.ScheduledAt.UnixMilli())
	}
	if patch.MessageIDs != nil {
		b, err := json.Marshal(patch.MessageIDs)
		if err != nil {
			return err
		}
		sets = append(sets, "message_ids = ?")
		args = append(args, string(b))
	}
	if patch.PublishedAt != nil {
		sets = append(sets, "published_at = ?")
		args = append(args, patch.PublishedAt.UnixMilli())
	}
	if patch.DisablePreview != nil {
		sets = append(sets, "disable_preview = ?")
		args = append(args, boolInt(*patch.DisablePreview))
	}
	if patch.Silent != nil {
		sets = append(sets, "silent = ?")
		args = append(args, boolInt(*patch.Silent))
	}

	args = append(args, id, expectedVersion)
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET `+strings.Join(sets, ", ")+` WHERE id = ? AND version = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish "gone" from "stale".
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM drafts WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return post.ErrNotFound
	}
	if err != nil {
		return err
	}
	return post.ErrVersionConflict
}

func (s *sqliteStore) DeleteDraft(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) PruneDrafts(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE status IN ('published','failed','cancelled') AND updated_at < ?`,
		olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- media & buttons ----

func (s *sqliteStore) ReplaceMedia(ctx context.Context, draftID int64, items []post.MediaItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_media WHERE draft_id = ?`, draftID); err != nil {
		return err
	}
	for i, it := range items {
		// Positions are renumbered densely regardless of the caller's values.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO draft_media(draft_id, kind, file_id, unique_id, caption, position) VALUES(?,?,?,?,?,?)`,
			draftID, string(it.Kind), it.FileID, it.UniqueID, nullStr(it.Caption), i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ReplaceButtons(ctx context.Context, draftID int64, buttons []post.Button) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM draft_buttons WHERE draft_id = ?`, draftID); err != nil {
		return err
	}
	for _, b := range buttons {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO draft_buttons(draft_id, label, url, grid_row, grid_col) VALUES(?,?,?,?,?)`,
			draftID, b.Label, b.URL, b.Row, b.Col,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) loadAttachments(ctx context.Context, d *post.Draft) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, file_id, unique_id, caption, position FROM draft_media WHERE draft_id = ? ORDER BY position`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var it post.MediaItem
		var kind string
		var caption sql.NullString
		if err := rows.Scan(&kind, &it.FileID, &it.UniqueID, &caption, &it.Position); err != nil {
			return err
		}
		it.Kind = post.MediaKind(kind)
		it.Caption = caption.String
		d.Media = append(d.Media, it)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	brows, err := s.db.QueryContext(ctx,
		`SELECT label, url, grid_row, grid_col FROM draft_buttons WHERE draft_id = ? ORDER BY grid_row, grid_col`, d.ID)
	if err != nil {
		return err
	}
	defer brows.Close()
	for brows.Next() {
		var b post.Button
		if err := brows.Scan(&b.Label, &b.URL, &b.Row, &b.Col); err != nil {
			return err
		}
		d.Buttons = append(d.Buttons, b)
	}
	return brows.Err()
}

// ---- jobs ----

func (s *sqliteStore) UpsertJob(ctx context.Context, draftID int64, fireAt time.Time, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publish_jobs(draft_id, fire_at, attempts, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(draft_id) DO UPDATE SET
		   fire_at = excluded.fire_at, attempts = excluded.attempts, updated_at = excluded.updated_at`,
		draftID, fireAt.UnixMilli(), attempts, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) DeleteJob(ctx context.Context, draftID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM publish_jobs WHERE draft_id = ?`, draftID)
	return err
}

func (s *sqliteStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]post.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT draft_id, fire_at, attempts, updated_at FROM publish_jobs
		 WHERE fire_at <= ? ORDER BY fire_at LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []post.Job
	for rows.Next() {
		var j post.Job
		var fireAt, updatedAt int64
		if err := rows.Scan(&j.DraftID, &fireAt, &j.Attempts, &updatedAt); err != nil {
			return nil, err
		}
		j.FireAt = time.UnixMilli(fireAt)
		j.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, j)
	}
	return out, rows.Err()
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(r rowScanner) (*post.Draft, error) {
	var d post.Draft
	var (
		username, body, msgIDs sql.NullString
		status                 string
		schedAt, pubAt         sql.NullInt64
		disablePreview, silent int
		createdAt, updatedAt   int64
	)
	err := r.Scan(&d.ID, &d.OwnerID, &username, &status, &body, &schedAt, &msgIDs,
		&pubAt, &disablePreview, &silent, &d.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, post.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.OwnerUsername = username.String
	d.Status = post.Status(status)
	d.Body = body.String
	if schedAt.Valid {
		t := time.UnixMilli(schedAt.Int64)
		d.ScheduledAt = &t
	}
	if msgIDs.Valid && msgIDs.String != "" {
		if err := json.Unmarshal([]byte(msgIDs.String), &d.MessageIDs); err != nil {
			return nil, fmt.Errorf("drafts.message_ids corrupt for id=%d: %w", d.ID, err)
		}
	}
	if pubAt.Valid {
		t := time.UnixMilli(pubAt.Int64)
		d.PublishedAt = &t
	}
	d.DisablePreview = disablePreview != 0
	d.Silent = silent != 0
	d.CreatedAt = time.UnixMilli(createdAt)
	d.UpdatedAt = time.UnixMilli(updatedAt)
	return &d, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
