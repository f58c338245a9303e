package namespace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type call struct {
	op           string
	id           string
	removeIfLast bool
}

type fakeNamespace struct {
	mu       sync.Mutex
	calls    []call
	failures int
}

func (f *fakeNamespace) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.failures > 0 {
		f.failures--
		return errors.New("namespace unavailable")
	}
	return nil
}

func (f *fakeNamespace) AddCacheLocation(_ context.Context, id string) error {
	return f.record(call{op: "add", id: id})
}

func (f *fakeNamespace) ClearCacheLocation(_ context.Context, id string, removeIfLast bool) error {
	return f.record(call{op: "clear", id: id, removeIfLast: removeIfLast})
}

func (f *fakeNamespace) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestSynchronousDelivery(t *testing.T) {
	ns := &fakeNamespace{}
	n := NewNotifier(ns, Options{Synchronous: true}, zerolog.Nop())
	defer n.Close()

	n.AddCacheLocation("000000000001")
	n.ClearCacheLocation("000000000002", true)

	assert.Equal(t, []call{
		{op: "add", id: "000000000001"},
		{op: "clear", id: "000000000002", removeIfLast: true},
	}, ns.snapshot())
}

func TestAsynchronousDelivery(t *testing.T) {
	ns := &fakeNamespace{}
	n := NewNotifier(ns, DefaultOptions(), zerolog.Nop())
	defer n.Close()

	n.AddCacheLocation("000000000001")
	n.Wait()
	assert.Len(t, ns.snapshot(), 1)
}

func TestRetriesWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ns := &fakeNamespace{failures: 2}
	n := NewNotifier(ns, Options{
		Retries:        3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Clock:          clock,
	}, zerolog.Nop())
	defer n.Close()

	n.ClearCacheLocation("000000000001", false)

	clock.BlockUntil(1)
	assert.Len(t, ns.snapshot(), 1)
	clock.Advance(time.Second)

	clock.BlockUntil(1)
	assert.Len(t, ns.snapshot(), 2)
	clock.Advance(2 * time.Second)

	n.Wait()
	assert.Len(t, ns.snapshot(), 3)
}

func TestGivesUpAfterRetries(t *testing.T) {
	ns := &fakeNamespace{failures: 10}
	n := NewNotifier(ns, Options{Retries: 0, Synchronous: true}, zerolog.Nop())
	defer n.Close()

	n.AddCacheLocation("000000000001")
	assert.Len(t, ns.snapshot(), 1)
}

func TestCloseAbandonsPendingRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ns := &fakeNamespace{failures: 10}
	n := NewNotifier(ns, Options{Retries: 5, InitialBackoff: time.Hour, Clock: clock}, zerolog.Nop())

	n.AddCacheLocation("000000000001")
	clock.BlockUntil(1)
	n.Close()

	assert.Len(t, ns.snapshot(), 1)

	n.AddCacheLocation("000000000002")
	assert.Len(t, ns.snapshot(), 1, "closed notifier drops notifications")
}

func TestNilNamespaceIsNop(t *testing.T) {
	n := NewNotifier(nil, Options{Synchronous: true}, zerolog.Nop())
	defer n.Close()
	n.AddCacheLocation("000000000001")
}

func TestPerReplicaOrderSurvivesRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ns := &fakeNamespace{failures: 1}
	n := NewNotifier(ns, Options{
		Retries:        3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Clock:          clock,
	}, zerolog.Nop())
	defer n.Close()

	// The clear fails once and waits for its retry; the add issued
	// meanwhile must not overtake it.
	n.ClearCacheLocation("000000000001", false)
	clock.BlockUntil(1)
	n.AddCacheLocation("000000000001")
	assert.Len(t, ns.snapshot(), 1)

	clock.Advance(time.Second)
	n.Wait()

	assert.Equal(t, []call{
		{op: "clear", id: "000000000001"},
		{op: "clear", id: "000000000001"},
		{op: "add", id: "000000000001"},
	}, ns.snapshot())
}

func TestRetryDoesNotDelayOtherReplicas(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ns := &fakeNamespace{failures: 1}
	n := NewNotifier(ns, Options{Retries: 3, InitialBackoff: time.Hour, Clock: clock}, zerolog.Nop())

	n.AddCacheLocation("000000000001")
	clock.BlockUntil(1)
	n.AddCacheLocation("000000000002")

	assert.Eventually(t, func() bool {
		return len(ns.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, call{op: "add", id: "000000000002"}, ns.snapshot()[1])

	n.Close()
	assert.Len(t, ns.snapshot(), 2, "pending retry abandoned on close")
}

func TestDispatchRacingClose(t *testing.T) {
	ns := &fakeNamespace{}
	n := NewNotifier(ns, DefaultOptions(), zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n.AddCacheLocation("000000000001")
			}
		}()
	}
	n.Close()
	wg.Wait()

	delivered := len(ns.snapshot())
	n.AddCacheLocation("000000000001")
	assert.Len(t, ns.snapshot(), delivered, "nothing is delivered after close")
}
