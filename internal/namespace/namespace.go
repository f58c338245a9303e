// Package namespace defines the boundary to the external namespace service
// that tracks which pools hold a replica of a file.
package namespace

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Namespace is told when replicas appear on or disappear from this pool.
type Namespace interface {
	// AddCacheLocation records that this pool holds a replica of id.
	AddCacheLocation(ctx context.Context, id string) error
	// ClearCacheLocation records that this pool no longer holds id. With
	// removeIfLast the namespace may delete the file if no other replica
	// remains.
	ClearCacheLocation(ctx context.Context, id string, removeIfLast bool) error
}

// Nop is a Namespace that accepts every notification.
type Nop struct{}

// AddCacheLocation does nothing.
func (Nop) AddCacheLocation(context.Context, string) error { return nil }

// ClearCacheLocation does nothing.
func (Nop) ClearCacheLocation(context.Context, string, bool) error { return nil }

// Options configures a Notifier.
type Options struct {
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration // per attempt
	// Synchronous delivers notifications on the caller's goroutine.
	Synchronous bool
	Clock       clockwork.Clock
}

// DefaultOptions returns the notifier defaults.
func DefaultOptions() Options {
	return Options{
		Retries:        3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Timeout:        10 * time.Second,
	}
}

// Notifier delivers best-effort notifications to a Namespace. Failures are
// retried with exponential backoff and finally logged; they never reach
// the caller. Asynchronous notifications for one id are delivered in the
// order they were issued, each after the previous one succeeded or gave up.
type Notifier struct {
	ns     Namespace
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// queues holds the pending notifications per id. An id is present
	// while a worker drains it; the head is the one being delivered.
	queues map[string][]notification
	wg     sync.WaitGroup
}

type notification struct {
	op   string
	call func(context.Context) error
}

// NewNotifier wraps ns.
func NewNotifier(ns Namespace, opts Options, logger zerolog.Logger) *Notifier {
	if ns == nil {
		ns = Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultOptions().InitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		ns:     ns,
		opts:   opts,
		logger: logger.With().Str("component", "namespace").Logger(),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]notification),
	}
}

// AddCacheLocation announces that id is now stored on this pool.
func (n *Notifier) AddCacheLocation(id string) {
	n.dispatch(id, notification{op: "add cache location", call: func(ctx context.Context) error {
		return n.ns.AddCacheLocation(ctx, id)
	}})
}

// ClearCacheLocation announces that id is gone from this pool.
func (n *Notifier) ClearCacheLocation(id string, removeIfLast bool) {
	n.dispatch(id, notification{op: "clear cache location", call: func(ctx context.Context) error {
		return n.ns.ClearCacheLocation(ctx, id, removeIfLast)
	}})
}

func (n *Notifier) dispatch(id string, nt notification) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn().Str("id", id).Str("op", nt.op).Msg("notifier closed, dropping notification")
		return
	}
	if n.opts.Synchronous {
		n.mu.Unlock()
		n.deliver(nt.op, id, nt.call)
		return
	}
	pending, busy := n.queues[id]
	n.queues[id] = append(pending, nt)
	if !busy {
		n.wg.Add(1)
		go n.drain(id)
	}
	n.mu.Unlock()
}

// drain delivers the queued notifications of id one at a time.
func (n *Notifier) drain(id string) {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if n.ctx.Err() != nil {
			dropped := len(n.queues[id])
			delete(n.queues, id)
			n.mu.Unlock()
			n.logger.Warn().Str("id", id).Int("dropped", dropped).Msg("notifier closed, dropping notifications")
			return
		}
		head := n.queues[id][0]
		n.mu.Unlock()

		n.deliver(head.op, id, head.call)

		n.mu.Lock()
		rest := n.queues[id][1:]
		if len(rest) == 0 {
			delete(n.queues, id)
			n.mu.Unlock()
			return
		}
		n.queues[id] = rest
		n.mu.Unlock()
	}
}

func (n *Notifier) deliver(op, id string, call func(context.Context) error) {
	backoff := n.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		err := n.attempt(call)
		if err == nil {
			return
		}
		if attempt >= n.opts.Retries {
			n.logger.Warn().Err(err).Str("id", id).Str("op", op).Int("attempts", attempt+1).
				Msg("namespace notification failed")
			return
		}
		n.logger.Debug().Err(err).Str("id", id).Str("op", op).Dur("backoff", backoff).
			Msg("namespace notification failed, retrying")
		select {
		case <-n.ctx.Done():
			return
		case <-n.opts.Clock.After(backoff):
		}
		backoff *= 2
		if backoff > n.opts.MaxBackoff {
			backoff = n.opts.MaxBackoff
		}
	}
}

func (n *Notifier) attempt(call func(context.Context) error) error {
	ctx := n.ctx
	if n.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.opts.Timeout)
		defer cancel()
	}
	return call(ctx)
}

// Close abandons pending retries and waits for in-flight deliveries.
// Notifications issued afterwards are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}

// Wait blocks until all asynchronous deliveries started so far completed.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
