package account

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForWaiters(t *testing.T, a *Account, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.Stats().Waiters == n
	}, 2*time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	a := New(1000)

	assert.Equal(t, int64(1000), a.Total())
	assert.Equal(t, int64(0), a.Used())
	assert.Equal(t, int64(1000), a.Free())
}

func TestAllocateAndRelease(t *testing.T) {
	a := New(1000)
	ctx := context.Background()

	require.NoError(t, a.Allocate(ctx, "a", 600))
	require.NoError(t, a.Allocate(ctx, "b", 300))
	assert.Equal(t, int64(900), a.Used())
	assert.Equal(t, int64(100), a.Free())
	assert.Equal(t, int64(600), a.Allocated("a"))

	require.NoError(t, a.Release("a", 600))
	assert.Equal(t, int64(300), a.Used())
	assert.Equal(t, int64(0), a.Allocated("a"))
}

func TestAllocateNegative(t *testing.T) {
	a := New(1000)

	err := a.Allocate(context.Background(), "a", -1)
	assert.ErrorIs(t, err, ErrNegativeSize)

	_, err = a.AllocateNow("a", -1)
	assert.ErrorIs(t, err, ErrNegativeSize)

	assert.Equal(t, int64(0), a.Used())
}

func TestAllocateNow(t *testing.T) {
	a := New(1000)

	ok, err := a.AllocateNow("a", 800)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.AllocateNow("b", 300)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(800), a.Used(), "failed allocation must not change state")
	assert.Equal(t, int64(0), a.Allocated("b"))
}

func TestAllocateNowYieldsToWaiters(t *testing.T) {
	a := New(1000)
	ctx := context.Background()
	require.NoError(t, a.Allocate(ctx, "a", 900))

	done := make(chan error, 1)
	go func() { done <- a.Allocate(ctx, "b", 500) }()
	waitForWaiters(t, a, 1)

	ok, err := a.AllocateNow("c", 50)
	require.NoError(t, err)
	assert.False(t, ok, "non-blocking allocation must not overtake a queued waiter")

	require.NoError(t, a.Release("a", 900))
	require.NoError(t, <-done)
	assert.Equal(t, int64(500), a.Used())
}

func TestReleaseOverAllocation(t *testing.T) {
	a := New(1000)
	require.NoError(t, a.Allocate(context.Background(), "a", 100))

	err := a.Release("a", 101)
	assert.ErrorIs(t, err, ErrOverFree)
	assert.Equal(t, int64(100), a.Used())

	require.NoError(t, a.Release("a", 100))
	assert.ErrorIs(t, a.Release("a", 1), ErrOverFree, "double free must be rejected")
}

func TestReleaseAll(t *testing.T) {
	a := New(1000)
	ctx := context.Background()
	require.NoError(t, a.Allocate(ctx, "a", 100))
	require.NoError(t, a.Allocate(ctx, "a", 50))

	assert.Equal(t, int64(150), a.ReleaseAll("a"))
	assert.Equal(t, int64(0), a.ReleaseAll("a"))
	assert.Equal(t, int64(0), a.Used())
}

func TestSetTotal(t *testing.T) {
	a := New(1000)
	require.NoError(t, a.Allocate(context.Background(), "a", 600))

	require.NoError(t, a.SetTotal(600))
	assert.Equal(t, int64(0), a.Free())

	err := a.SetTotal(599)
	assert.ErrorIs(t, err, ErrBelowUsed)
	assert.Equal(t, int64(600), a.Total(), "rejected shrink keeps the prior total")

	assert.ErrorIs(t, a.SetTotal(-1), ErrNegativeSize)

	require.NoError(t, a.SetTotal(2000))
	assert.Equal(t, int64(1400), a.Free())
}

func TestBlockingAllocateIsWokenByRelease(t *testing.T) {
	a := New(1000)
	ctx := context.Background()
	require.NoError(t, a.Allocate(ctx, "old", 1000))

	done := make(chan error, 1)
	go func() { done <- a.Allocate(ctx, "new", 1000) }()
	waitForWaiters(t, a, 1)
	assert.Equal(t, int64(1000), a.Requested())

	time.Sleep(200 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("allocation returned without space")
	default:
	}

	require.NoError(t, a.Release("old", 1000))
	require.NoError(t, <-done)

	s := a.Stats()
	assert.Equal(t, int64(1000), s.Used)
	assert.Equal(t, int64(0), s.Free)
	assert.Equal(t, int64(0), s.Requested)
	assert.Equal(t, int64(1000), a.Allocated("new"))
}

func TestBlockingAllocateIsWokenBySetTotal(t *testing.T) {
	a := New(100)
	ctx := context.Background()
	require.NoError(t, a.Allocate(ctx, "a", 100))

	done := make(chan error, 1)
	go func() { done <- a.Allocate(ctx, "b", 50) }()
	waitForWaiters(t, a, 1)

	require.NoError(t, a.SetTotal(150))
	require.NoError(t, <-done)
	assert.Equal(t, int64(150), a.Used())
}

func TestBlockingAllocateFIFO(t *testing.T) {
	a := New(100)
	ctx := context.Background()
	require.NoError(t, a.Allocate(ctx, "fill", 100))

	order := make(chan string, 2)
	go func() {
		assert.NoError(t, a.Allocate(ctx, "big", 80))
		order <- "big"
	}()
	waitForWaiters(t, a, 1)
	go func() {
		assert.NoError(t, a.Allocate(ctx, "small", 10))
		order <- "small"
	}()
	waitForWaiters(t, a, 2)

	// Enough for the small request but not the big one at the head.
	require.NoError(t, a.Release("fill", 20))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, a.Stats().Waiters, "small request must not overtake the head of the queue")

	// Exactly enough for the head: the small request keeps waiting.
	require.NoError(t, a.Release("fill", 60))
	assert.Equal(t, 1, a.Stats().Waiters)
	assert.Equal(t, int64(80), a.Allocated("big"))
	assert.Equal(t, int64(0), a.Allocated("small"))
	assert.Equal(t, "big", <-order)

	require.NoError(t, a.Release("fill", 20))
	assert.Equal(t, "small", <-order)
	assert.Equal(t, int64(90), a.Used())
}

func TestBlockingAllocateCancelled(t *testing.T) {
	a := New(100)
	require.NoError(t, a.Allocate(context.Background(), "a", 100))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Allocate(ctx, "b", 50) }()
	waitForWaiters(t, a, 1)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)

	s := a.Stats()
	assert.Equal(t, int64(100), s.Used)
	assert.Equal(t, int64(0), s.Requested)
	assert.Equal(t, 0, s.Waiters)
	assert.Equal(t, int64(0), a.Allocated("b"))
}

func TestCancelledHeadUnblocksNextWaiter(t *testing.T) {
	a := New(100)
	bg := context.Background()
	require.NoError(t, a.Allocate(bg, "fill", 90))

	ctx, cancel := context.WithCancel(bg)
	headDone := make(chan error, 1)
	go func() { headDone <- a.Allocate(ctx, "head", 50) }()
	waitForWaiters(t, a, 1)

	nextDone := make(chan error, 1)
	go func() { nextDone <- a.Allocate(bg, "next", 10) }()
	waitForWaiters(t, a, 2)

	cancel()
	assert.ErrorIs(t, <-headDone, context.Canceled)
	require.NoError(t, <-nextDone)
	assert.Equal(t, int64(100), a.Used())
}

func TestChangedIsSignalled(t *testing.T) {
	a := New(100)
	ch := a.Changed()

	select {
	case <-ch:
		t.Fatal("changed before any mutation")
	default:
	}

	require.NoError(t, a.Allocate(context.Background(), "a", 10))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("allocation did not signal a change")
	}
}

func TestRecover(t *testing.T) {
	a := New(0)
	require.NoError(t, a.Recover("a", 1024))
	require.NoError(t, a.Recover("b", 2048))

	s := a.Stats()
	assert.Equal(t, int64(3072), s.Total)
	assert.Equal(t, int64(3072), s.Used)
	assert.Equal(t, int64(0), s.Free)
	assert.Equal(t, int64(1024), a.Allocated("a"))
}

func TestPreciousAndRemovable(t *testing.T) {
	a := New(1000)
	a.AdjustPrecious(100)
	a.AdjustRemovable(200)
	a.AdjustRemovable(-50)

	s := a.Stats()
	assert.Equal(t, int64(100), s.Precious)
	assert.Equal(t, int64(150), s.Removable)

	assert.Panics(t, func() { a.AdjustPrecious(-101) })
}

func TestSpaceConservation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := New(10000)

	var allocated, freed int64
	held := make(map[string]int64)
	ids := []string{"a", "b", "c", "d"}

	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(3) {
		case 0:
			n := rng.Int63n(500)
			ok, err := a.AllocateNow(id, n)
			require.NoError(t, err)
			if ok {
				allocated += n
				held[id] += n
			}
		case 1:
			if held[id] == 0 {
				continue
			}
			n := rng.Int63n(held[id] + 1)
			require.NoError(t, a.Release(id, n))
			freed += n
			held[id] -= n
		case 2:
			n := rng.Int63n(20000)
			if err := a.SetTotal(n); err != nil {
				assert.ErrorIs(t, err, ErrBelowUsed)
			}
		}

		s := a.Stats()
		require.Equal(t, allocated-freed, s.Used)
		require.Equal(t, s.Total-s.Used, s.Free)
		require.GreaterOrEqual(t, s.Free, int64(0))
	}
}
