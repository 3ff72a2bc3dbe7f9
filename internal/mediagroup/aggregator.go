// Package mediagroup reassembles album bursts.
//
// A user attaching several files to one post delivers them as a rapid
// sequence of independent messages sharing a correlation key. The
// Aggregator buffers them per key and emits one ordered batch once the
// burst goes quiet (debounce), hits the album size limit, or exceeds the
// hard window.
//
// Each composition session owns its own Aggregator; buffers are never
// shared across users, so the single mutex here never sees cross-session
// contention.
package mediagroup

import (
	"sync"
	"time"

	"postbot/internal/post"
	"postbot/pkg/logx"
)

// Flusher receives one completed batch. Items arrive ordered by the
// per-key arrival sequence, deduplicated, positions renumbered 0..N-1.
type Flusher func(key string, items []post.MediaItem)

type Config struct {
	Window    time.Duration // debounce, re-armed on each arrival
	MaxWindow time.Duration // hard cap measured from the first arrival
	MaxItems  int           // flush immediately at this count
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 800 * time.Millisecond
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 5 * time.Second
	}
	if c.MaxItems <= 0 {
		c.MaxItems = 10 // telegram album limit
	}
	return c
}

type Aggregator struct {
	cfg   Config
	log   logx.Logger
	flush Flusher

	mu     sync.Mutex
	groups map[string]*group
	closed bool
}

type group struct {
	items    []post.MediaItem
	seen     map[string]struct{}
	openedAt time.Time
	timer    *time.Timer
	flushed  bool
}

func New(cfg Config, flush Flusher, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Aggregator{
		cfg:    cfg.withDefaults(),
		log:    log,
		flush:  flush,
		groups: map[string]*group{},
	}
}

// Add buffers one incoming item. An empty key means the platform did not
// group the send; the item flushes immediately as a singleton batch.
// A duplicate of an already-buffered unique id is dropped. A flush happens
// exactly once per open group; anything arriving for the same key after
// that opens a fresh, independent group.
func (a *Aggregator) Add(key string, item post.MediaItem) {
	if key == "" {
		item.Position = 0
		a.flush(key, []post.MediaItem{item})
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	g, ok := a.groups[key]
	if !ok {
		g = &group{seen: map[string]struct{}{}, openedAt: time.Now()}
		a.groups[key] = g
	}
	if _, dup := g.seen[item.UniqueID]; dup {
		a.mu.Unlock()
		a.log.Debug("duplicate media dropped", logx.String("key", key), logx.String("unique_id", item.UniqueID))
		return
	}
	g.seen[item.UniqueID] = struct{}{}
	// Arrival order under the lock is the authoritative sequence; wall-clock
	// timestamps can tie, slice order cannot.
	item.Position = len(g.items)
	g.items = append(g.items, item)

	if len(g.items) >= a.cfg.MaxItems {
		batch := a.takeLocked(key, g)
		a.mu.Unlock()
		if batch != nil {
			a.flush(key, batch)
		}
		return
	}

	// Re-arm the debounce, capped by the hard window.
	delay := a.cfg.Window
	if rem := a.cfg.MaxWindow - time.Since(g.openedAt); rem < delay {
		delay = rem
	}
	if delay < 0 {
		delay = 0
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(delay, func() { a.deadline(key, g) })
	a.mu.Unlock()
}

func (a *Aggregator) deadline(key string, g *group) {
	a.mu.Lock()
	// The map may already hold a *newer* group for this key; only flush
	// the one the timer was armed for.
	if cur, ok := a.groups[key]; !ok || cur != g {
		a.mu.Unlock()
		return
	}
	batch := a.takeLocked(key, g)
	a.mu.Unlock()
	if batch != nil {
		a.flush(key, batch)
	}
}

// FlushAll force-flushes every open group. The composition flow calls it
// when the user leaves the media step so in-flight albums land in the
// draft instead of evaporating.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	type pending struct {
		key   string
		items []post.MediaItem
	}
	var out []pending
	for key, g := range a.groups {
		if batch := a.takeLocked(key, g); batch != nil {
			out = append(out, pending{key: key, items: batch})
		}
	}
	a.mu.Unlock()
	for _, p := range out {
		a.flush(p.key, p.items)
	}
}

// Close stops timers and drops whatever is still buffered.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for key, g := range a.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		delete(a.groups, key)
	}
}

// takeLocked marks the group flushed and detaches its items. Callers hold a.mu.
func (a *Aggregator) takeLocked(key string, g *group) []post.MediaItem {
	if g.flushed {
		return nil
	}
	g.flushed = true
	if g.timer != nil {
		g.timer.Stop()
	}
	delete(a.groups, key)
	return g.items
}
