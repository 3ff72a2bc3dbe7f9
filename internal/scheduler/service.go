package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/post"
	"postbot/internal/storage"
	"postbot/pkg/logx"
)

// Executor delivers one claimed job. Implementations must be safe for
// concurrent calls on distinct drafts and idempotent per draft.
type Executor interface {
	Execute(ctx context.Context, job post.Job)
}

type Config struct {
	PollInterval    time.Duration // sweep cadence; default 15s
	Workers         int           // default 2
	QueueSize       int           // default 64
	DispatchTimeout time.Duration // per-job execution budget; default 2m

	PruneSpec     string        // cron spec for the retention sweep; "" disables
	KeepPublished time.Duration // retention for terminal drafts; default 30 days
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 2 * time.Minute
	}
	if c.KeepPublished <= 0 {
		c.KeepPublished = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	log   logx.Logger
	store storage.Store
	exec  Executor

	mu      sync.Mutex
	c       *cron.Cron
	queue   chan post.Job
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sweepMu sync.Mutex
}

func New(cfg Config, store storage.Store, exec Executor, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, exec: exec, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.queue = make(chan post.Job, s.cfg.QueueSize)

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in publish worker", logx.Int("worker", idx),
						logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(s.runCtx, s.stopCh, s.queue)
		}()
	}

	s.c = cron.New()
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), func() { s.sweep(s.runCtx) }); err != nil {
		return err
	}
	if spec := strings.TrimSpace(s.cfg.PruneSpec); spec != "" {
		if _, err := s.c.AddFunc(spec, func() { s.prune(s.runCtx) }); err != nil {
			return fmt.Errorf("invalid prune spec %q: %w", spec, err)
		}
	}
	s.c.Start()

	// Recovery sweep: anything that came due while the process was down
	// fires now instead of being dropped.
	go s.sweep(s.runCtx)

	s.log.Info("scheduler started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	cancel := s.cancel
	c := s.c
	s.stopCh = nil
	s.cancel = nil
	s.c = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop cancelled", logx.Err(ctx.Err()))
	}
}

// Schedule moves the draft into scheduled status and records the durable
// job. Re-scheduling a not-yet-fired draft just moves the same job.
func (s *Service) Schedule(ctx context.Context, draftID int64, at time.Time) error {
	return s.schedule(ctx, draftID, at, false)
}

func (s *Service) schedule(ctx context.Context, draftID int64, at time.Time, immediate bool) error {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	switch d.Status {
	case post.StatusReady, post.StatusScheduled:
	default:
		return post.Validationf("post %d cannot be scheduled from status %s", draftID, d.Status)
	}
	if !immediate && !at.After(time.Now()) {
		return post.Validationf("scheduled time must be in the future")
	}

	// Job first, status second. A job row without a scheduled draft is
	// harmless (the executor's status gate consumes it), but a scheduled
	// draft without a job would never fire.
	if err := s.store.UpsertJob(ctx, draftID, at, 0); err != nil {
		return post.Persistence("upsert job", err)
	}
	st := post.StatusScheduled
	if err := s.store.UpdateDraft(ctx, draftID, d.Version, post.DraftPatch{Status: &st, ScheduledAt: &at}); err != nil {
		if derr := s.store.DeleteJob(ctx, draftID); derr != nil {
			s.log.Warn("job rollback failed", logx.Int64("draft_id", draftID), logx.Err(derr))
		}
		return err
	}
	s.log.Info("post scheduled", logx.Int64("draft_id", draftID), logx.Time("fire_at", at))
	return nil
}

// Unschedule removes the pending job and returns the draft to a resumable
// non-scheduled status. A job that already fired is not affected.
func (s *Service) Unschedule(ctx context.Context, draftID int64) error {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return err
	}
	if d.Status != post.StatusScheduled {
		return post.Validationf("post %d is not scheduled (status %s)", draftID, d.Status)
	}
	// Status first, job second. If deleting the job fails the draft is
	// already back in ready, so a later firing hits the executor's status
	// gate and the stale job is consumed without a send.
	st := post.StatusReady
	if err := s.store.UpdateDraft(ctx, draftID, d.Version, post.DraftPatch{Status: &st, ClearScheduledAt: true}); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, draftID); err != nil {
		return post.Persistence("delete job", err)
	}
	s.log.Info("post unscheduled", logx.Int64("draft_id", draftID))
	return nil
}

// PublishNow queues immediate delivery through the normal pipeline; the
// send itself never runs inline with the caller.
func (s *Service) PublishNow(ctx context.Context, draftID int64) error {
	if err := s.schedule(ctx, draftID, time.Now(), true); err != nil {
		return err
	}
	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx != nil {
		go s.sweep(runCtx)
	}
	return nil
}

// sweep claims and dispatches every due job. Serialized so an extra kick
// (PublishNow, startup) cannot double-claim against the cron entry.
func (s *Service) sweep(ctx context.Context) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	jobs, err := s.store.DueJobs(ctx, time.Now(), s.cfg.QueueSize)
	if err != nil {
		s.log.Error("due jobs query failed", logx.Err(err))
		return
	}
	for _, j := range jobs {
		// Claim: the job row disappears before dispatch, so the next sweep
		// cannot hand the same firing to a second worker.
		if err := s.store.DeleteJob(ctx, j.DraftID); err != nil {
			s.log.Error("job claim failed", logx.Int64("draft_id", j.DraftID), logx.Err(err))
			continue
		}
		select {
		case s.queue <- j:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan post.Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
			s.exec.Execute(dctx, j)
			cancel()
		}
	}
}

func (s *Service) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.KeepPublished)
	n, err := s.store.PruneDrafts(ctx, cutoff)
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("old posts pruned", logx.Int("count", n), logx.Time("cutoff", cutoff))
	}
}
