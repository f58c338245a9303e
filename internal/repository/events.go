package repository

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/replicastore/replicastore/internal/replica"
)

// EventKind classifies repository events.
type EventKind int

// Event kinds.
const (
	StateChanged EventKind = iota
	AccessTimeChanged
	StickyChanged
	// RemovableChanged is sent when a replica became removable or stopped
	// being removable without any of the changes above, e.g. on the last
	// close of a read descriptor.
	RemovableChanged
)

func (k EventKind) String() string {
	switch k {
	case StateChanged:
		return "state"
	case AccessTimeChanged:
		return "atime"
	case StickyChanged:
		return "sticky"
	case RemovableChanged:
		return "removable"
	default:
		return "unknown"
	}
}

// Event reports a committed change of one replica.
type Event struct {
	Kind     EventKind
	ID       string
	OldState replica.State
	NewState replica.State
	// Entry is the replica after the change.
	Entry replica.Entry
}

// Listener receives repository events. Listeners must not block for long;
// events of one replica are delivered in commit order.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// FaultEvent reports an unrecoverable problem with a replica or the pool.
type FaultEvent struct {
	ID      string
	Message string
	Cause   error
}

// FaultListener receives fault events.
type FaultListener interface {
	OnFault(FaultEvent)
}

// FaultListenerFunc adapts a function to FaultListener.
type FaultListenerFunc func(FaultEvent)

// OnFault calls f(ev).
func (f FaultListenerFunc) OnFault(ev FaultEvent) { f(ev) }

// dispatcher fans events out to the registered listeners. Events are
// queued in commit order. In synchronous mode the queue is drained by the
// goroutine that caused the events before the repository call returns; in
// asynchronous mode a single worker drains it.
type dispatcher struct {
	logger      zerolog.Logger
	synchronous bool

	mu             sync.RWMutex
	listeners      []Listener
	faultListeners []FaultListener

	qmu     sync.Mutex
	queue   []func()
	wakeup  chan struct{}
	closed  bool
	deliver sync.Mutex

	done chan struct{}
}

func newDispatcher(logger zerolog.Logger, synchronous bool) *dispatcher {
	d := &dispatcher{
		logger:      logger,
		synchronous: synchronous,
		wakeup:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	if synchronous {
		close(d.done)
	} else {
		go d.run()
	}
	return d
}

func (d *dispatcher) addListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(append([]Listener(nil), d.listeners...), l)
}

func (d *dispatcher) removeListener(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Listener, 0, len(d.listeners))
	for _, o := range d.listeners {
		if o != l {
			out = append(out, o)
		}
	}
	d.listeners = out
}

func (d *dispatcher) addFaultListener(l FaultListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faultListeners = append(append([]FaultListener(nil), d.faultListeners...), l)
}

func (d *dispatcher) removeFaultListener(l FaultListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]FaultListener, 0, len(d.faultListeners))
	for _, o := range d.faultListeners {
		if o != l {
			out = append(out, o)
		}
	}
	d.faultListeners = out
}

// snapshot returns the current listener slices. They are never mutated in
// place, so callers may iterate them without holding the lock.
func (d *dispatcher) snapshot() ([]Listener, []FaultListener) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.listeners, d.faultListeners
}

func (d *dispatcher) publish(ev Event) {
	d.enqueue(func() {
		listeners, _ := d.snapshot()
		for _, l := range listeners {
			d.safely(func() { l.OnEvent(ev) })
		}
	})
}

func (d *dispatcher) fault(ev FaultEvent) {
	d.enqueue(func() {
		_, listeners := d.snapshot()
		for _, l := range listeners {
			d.safely(func() { l.OnFault(ev) })
		}
	})
}

func (d *dispatcher) enqueue(fn func()) {
	d.qmu.Lock()
	if d.closed {
		d.qmu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.qmu.Unlock()
	if !d.synchronous {
		select {
		case d.wakeup <- struct{}{}:
		default:
		}
	}
}

func (d *dispatcher) take() []func() {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// flush delivers queued events on the calling goroutine. If another
// goroutine, or an outer frame of this one, is already delivering, that
// delivery picks up the queued events instead, so the caller may return
// before its own events reached the listeners. Order is kept either way.
// Callers must not hold descriptor locks here: listeners may call back
// into the descriptor.
func (d *dispatcher) flush() {
	if !d.synchronous {
		return
	}
	for {
		if !d.deliver.TryLock() {
			return
		}
		q := d.take()
		for _, fn := range q {
			fn()
		}
		d.deliver.Unlock()
		if !d.pending() {
			return
		}
	}
}

func (d *dispatcher) pending() bool {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return len(d.queue) > 0
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		q := d.take()
		for _, fn := range q {
			fn()
		}
		if len(q) > 0 {
			continue
		}
		d.qmu.Lock()
		closed := d.closed
		d.qmu.Unlock()
		if closed {
			return
		}
		<-d.wakeup
	}
}

// close stops accepting events and waits until queued ones were delivered.
func (d *dispatcher) close() {
	d.qmu.Lock()
	d.closed = true
	d.qmu.Unlock()
	if d.synchronous {
		d.flushRemaining()
		return
	}
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) flushRemaining() {
	d.deliver.Lock()
	defer d.deliver.Unlock()
	for _, fn := range d.take() {
		fn()
	}
}

func (d *dispatcher) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("listener failed")
		}
	}()
	fn()
}
