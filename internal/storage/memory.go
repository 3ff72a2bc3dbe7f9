package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbot/internal/post"
)

// memStore is the in-process backend. It honors the same version-check
// contract as the sqlite driver; the pipeline tests run against it.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	drafts map[int64]*post.Draft
	jobs   map[int64]*post.Job
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memStore{nextID: 1, drafts: map[int64]*post.Draft{}, jobs: map[int64]*post.Job{}}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) CreateDraft(ctx context.Context, d *post.Draft) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cp := cloneDraft(d)
	cp.ID = s.nextID
	s.nextID++
	if cp.Status == "" {
		cp.Status = post.StatusBuilding
	}
	cp.Version = 0
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.drafts[cp.ID] = cp

	d.ID = cp.ID
	d.Version = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	return cp.ID, nil
}

func (s *memStore) GetDraft(ctx context.Context, id int64) (*post.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, post.ErrNotFound
	}
	return cloneDraft(d), nil
}

func (s *memStore) ListDrafts(ctx context.Context, ownerID int64, statuses ...post.Status) ([]*post.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*post.Draft
	for _, d := range s.drafts {
		if d.OwnerID != ownerID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, d.Status) {
			continue
		}
		out = append(out, cloneDraft(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateDraft(ctx context.Context, id, expectedVersion int64, patch post.DraftPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[id]
	if !ok {
		return post.ErrNotFound
	}
	if d.Version != expectedVersion {
		return post.ErrVersionConflict
	}
	if patch.Status != nil {
		d.Status = *patch.Status
	}
	if patch.Body != nil {
		d.Body = *patch.Body
	}
	if patch.ClearScheduledAt {
		d.ScheduledAt = nil
	} else if patch.ScheduledAt != nil {
		t := *patch.ScheduledAt
		d.ScheduledAt = &t
	}
	if patch.MessageIDs != nil {
		d.MessageIDs = append([]int(nil), patch.MessageIDs...)
	}
	if patch.PublishedAt != nil {
		t := *patch.PublishedAt
		d.PublishedAt = &t
	}
	if patch.DisablePreview != nil {
		d.DisablePreview = *patch.DisablePreview
	}
	if patch.Silent != nil {
		d.Silent = *patch.Silent
	}
	d.Version++
	d.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) DeleteDraft(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, id)
	delete(s.jobs, id)
	return nil
}

func (s *memStore) PruneDrafts(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, d := range s.drafts {
		if d.Status.Terminal() && d.UpdatedAt.Before(olderThan) {
			delete(s.drafts, id)
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReplaceMedia(ctx context.Context, draftID int64, items []post.MediaItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftID]
	if !ok {
		return post.ErrNotFound
	}
	d.Media = make([]post.MediaItem, len(items))
	for i, it := range items {
		it.Position = i
		d.Media[i] = it
	}
	return nil
}

func (s *memStore) ReplaceButtons(ctx context.Context, draftID int64, buttons []post.Button) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftID]
	if !ok {
		return post.ErrNotFound
	}
	d.Buttons = append([]post.Button(nil), buttons...)
	return nil
}

func (s *memStore) UpsertJob(ctx context.Context, draftID int64, fireAt time.Time, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[draftID] = &post.Job{DraftID: draftID, FireAt: fireAt, Attempts: attempts, UpdatedAt: time.Now()}
	return nil
}

func (s *memStore) DeleteJob(ctx context.Context, draftID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, draftID)
	return nil
}

func (s *memStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]post.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []post.Job
	for _, j := range s.jobs {
		if !j.FireAt.After(now) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneDraft(d *post.Draft) *post.Draft {
	cp := *d
	if d.ScheduledAt != nil {
		t := *d.ScheduledAt
		cp.ScheduledAt = &t
	}
	if d.PublishedAt != nil {
		t := *d.PublishedAt
		cp.PublishedAt = &t
	}
	cp.MessageIDs = append([]int(nil), d.MessageIDs...)
	cp.Media = append([]post.MediaItem(nil), d.Media...)
	cp.Buttons = append([]post.Button(nil), d.Buttons...)
	return &cp
}

func containsStatus(list []post.Status, st post.Status) bool {
	for _, s := range list {
		if s == st {
			return true
		}
	}
	return false
}
