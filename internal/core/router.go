package core

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/post"
	kit "postbot/internal/transport"
	logx "postbot/pkg/logx"
)

// Command is one slash command of the operator surface.
type Command struct {
	Name        string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

// CallbackRoute handles one inline-button action. Callback data is packed
// as "post:<action>:<payload>" (tgui.Data), so Action is the middle token.
type CallbackRoute struct {
	Action  string
	Timeout time.Duration
	Handle  func(ctx context.Context, req *Request, payload string) error
}

// Request carries one routed update into a handler.
type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	Username string

	Command string
	Args    []string // whitespace-split args after the command token
	Rest    string   // raw text after the command token, newlines kept
	Payload string   // callback payload

	ReqID   string
	Adapter kit.Adapter
	Logger  logx.Logger
}

// callbackNamespace prefixes every inline-button payload this bot emits.
const callbackNamespace = "post"

const defaultCommandTimeout = 30 * time.Second

// Router fans incoming updates out to command handlers, callback handlers
// and the composition dialog. Work runs on a bounded worker pool so one
// slow handler cannot stall the update stream.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter

	mu        sync.RWMutex
	owners    []int64
	commands  map[string]Command
	callbacks map[string]CallbackRoute

	// fallback receives every owner message that is not a registered
	// command; the composition dialog lives behind it.
	fallback HandlerFunc

	runMu   sync.Mutex
	running bool
	sup     *Supervisor

	jobs chan func()
}

func NewRouter(log logx.Logger, adapter kit.Adapter, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		log:       log,
		adapter:   adapter,
		owners:    append([]int64(nil), owners...),
		commands:  map[string]Command{},
		callbacks: map[string]CallbackRoute{},
		jobs:      make(chan func(), 256),
	}
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimPrefix(strings.TrimSpace(c.Name), "/")
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.commands[name] = c
	}
}

func (r *Router) RegisterCallbacks(routes ...CallbackRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range routes {
		if cb.Action == "" || cb.Handle == nil {
			continue
		}
		r.callbacks[cb.Action] = cb
	}
}

// SetFallback installs the non-command message handler.
func (r *Router) SetFallback(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// SetOwners swaps the owner list. Safe during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) ownersSnapshot() []int64 {
	r.mu.RLock()
	cp := append([]int64(nil), r.owners...)
	r.mu.RUnlock()
	return cp
}

// Commands returns the registered commands, for /help rendering.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, c)
	}
	return out
}

func (r *Router) setSupervisor(sup *Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel
// being closed during shutdown).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	if fn == nil {
		return false
	}
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}

	sup := NewSupervisor(ctx,
		WithLogger(r.log.With(logx.String("comp", "router"))),
		WithCancelOnError(false),
	)
	r.setSupervisor(sup, true)

	r.log.Info("update dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setSupervisor(sup, false)
			close(r.jobs)
		})
	}

	for i := 0; i < workers; i++ {
		idx := i
		name := "router.worker." + strconv.Itoa(idx)
		sup.GoRestart(name, func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					if job == nil {
						continue
					}
					// A job should never panic (middleware already catches),
					// but keep workers alive if it happens.
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setSupervisor(nil, false)
		r.log.Info("update dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("update dispatcher stopped (updates channel closed)")
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				r.routeMessage(ctx, up)
			case kit.UpdateCallback:
				r.routeCallback(ctx, up)
			}
		}
	}
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}

	text := strings.TrimSpace(msg.Text)
	var (
		cmd   Command
		isCmd bool
		args  []string
		rest  string
	)
	if strings.HasPrefix(text, "/") {
		word := text
		if i := strings.IndexAny(text, " \t\n"); i >= 0 {
			// Keep internal newlines: the button grid arrives one row per line.
			word, rest = text[:i], strings.TrimLeft(text[i:], " \t\n")
		}
		word = strings.TrimPrefix(word, "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		r.mu.RLock()
		cmd, isCmd = r.commands[word]
		r.mu.RUnlock()
		args = strings.Fields(rest)
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, msg.FromID, msg.FromUsername)

	var h HandlerFunc
	timeout := defaultCommandTimeout
	if isCmd {
		req.Command = cmd.Name
		req.Args = args
		req.Rest = rest
		h = cmd.Handle
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	} else {
		req.Command = "message"
		r.mu.RLock()
		h = r.fallback
		r.mu.RUnlock()
		if h == nil {
			return
		}
	}

	final := Chain(
		h,
		MWOwnerGate(r.ownersSnapshot),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	if !r.tryEnqueue(func() {
		if err := final(root, req); err != nil {
			r.replyError(root, req, err)
		}
	}) {
		_, _ = r.adapter.SendText(root, req.Chat, "busy, try again", nil)
	}
}

func (r *Router) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	parts := strings.SplitN(strings.TrimSpace(cb.Data), ":", 3)
	if len(parts) < 2 || parts[0] != callbackNamespace {
		return
	}
	action := parts[1]
	payload := ""
	if len(parts) == 3 {
		payload = parts[2]
	}

	r.mu.RLock()
	route, ok := r.callbacks[action]
	r.mu.RUnlock()
	if !ok {
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	req := r.newRequest(up, kit.ChatTarget{ChatID: cb.ChatID, ThreadID: cb.ThreadID}, cb.FromID, "")
	req.Command = "cb:" + action
	req.Payload = payload

	timeout := defaultCommandTimeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}

	h := func(ctx context.Context, rq *Request) error { return route.Handle(ctx, rq, payload) }
	final := Chain(
		h,
		MWOwnerGate(r.ownersSnapshot),
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
	)

	if !r.tryEnqueue(func() {
		err := final(root, req)
		if err != nil {
			r.replyError(root, req, err)
		}
		// Best-effort to stop the "loading" spinner.
		_ = r.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = r.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (r *Router) newRequest(up kit.Update, chat kit.ChatTarget, fromID int64, username string) *Request {
	rid := newReqID()
	return &Request{
		Update:   up,
		Chat:     chat,
		FromID:   fromID,
		Username: username,
		ReqID:    rid,
		Adapter:  r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", fromID),
		),
	}
}

// replyError turns handler errors into user-facing text. Expected
// rejections carry their own message; everything else gets a generic one.
func (r *Router) replyError(ctx context.Context, req *Request, err error) {
	switch {
	case errors.Is(err, post.ErrPermission):
		// Strangers get silence; owners never hit this branch.
	case post.IsValidation(err):
		_, _ = r.adapter.SendText(ctx, req.Chat, err.Error(), nil)
	case errors.Is(err, post.ErrNotFound):
		_, _ = r.adapter.SendText(ctx, req.Chat, "no such post", nil)
	default:
		_, _ = r.adapter.SendText(ctx, req.Chat, "something went wrong, check the logs", nil)
	}
}

var ridSeq atomic.Uint64

func newReqID() string {
	n := ridSeq.Add(1)
	return base36(time.Now().UnixNano()) + "-" + base36(int64(n))
}

func base36(v int64) string {
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	if v < 0 {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var out [32]byte
	i := len(out)
	for v > 0 {
		i--
		out[i] = chars[v%36]
		v /= 36
	}
	return string(out[i:])
}
