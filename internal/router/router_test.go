package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
)

// TestRouter_OrderingPerKey guards property 1: messages on one key are
// handled strictly in enqueue order.
func TestRouter_OrderingPerKey(t *testing.T) {
	r := New(context.Background(), Options{})
	var mu sync.Mutex
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		err := r.Enqueue(context.Background(), "ch:1", i, func(ctx context.Context, payload any) error {
			mu.Lock()
			order = append(order, payload.(int))
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, r.WaitChannelIdle(context.Background(), "ch:1"))
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// TestRouter_ConcurrencyAcrossKeys guards property 2 / scenario S5: two
// keys with 200ms handlers complete in well under 2x that time (350ms bound).
func TestRouter_ConcurrencyAcrossKeys(t *testing.T) {
	r := New(context.Background(), Options{})
	var wg sync.WaitGroup
	wg.Add(2)

	start := time.Now()
	slow := func(ctx context.Context, payload any) error {
		defer wg.Done()
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	require.NoError(t, r.Enqueue(context.Background(), "ch:1", nil, slow))
	require.NoError(t, r.Enqueue(context.Background(), "ch:2", nil, slow))

	wg.Wait()
	elapsed := time.Since(start)
	require.Less(t, elapsed, 350*time.Millisecond)
}

// TestRouter_SameKeySerializesSlowHandlers guards scenario S4: three
// messages on the same key each taking 100ms complete in roughly 300ms, not
// concurrently.
func TestRouter_SameKeySerializesSlowHandlers(t *testing.T) {
	r := New(context.Background(), Options{})
	var wg sync.WaitGroup
	wg.Add(3)
	start := time.Now()
	for i := 0; i < 3; i++ {
		err := r.Enqueue(context.Background(), "ch:1", nil, func(ctx context.Context, payload any) error {
			defer wg.Done()
			time.Sleep(100 * time.Millisecond)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.GreaterOrEqual(t, time.Since(start), 290*time.Millisecond)
}

// TestRouter_SaturationEvictsIdleOrRejects guards property 6: once
// max_channels distinct idle keys exist, a new key either reuses an
// evicted slot or fails with RouterSaturated — it is never silently
// dropped.
func TestRouter_SaturationEvictsIdleOrRejects(t *testing.T) {
	r := New(context.Background(), Options{MaxChannels: 2})
	noop := func(ctx context.Context, payload any) error { return nil }

	require.NoError(t, r.Enqueue(context.Background(), "ch:1", nil, noop))
	require.NoError(t, r.WaitChannelIdle(context.Background(), "ch:1"))
	require.NoError(t, r.Enqueue(context.Background(), "ch:2", nil, noop))
	require.NoError(t, r.WaitChannelIdle(context.Background(), "ch:2"))

	// Both existing queues are idle, so ch:3 should evict the oldest
	// (ch:1) and succeed.
	err := r.Enqueue(context.Background(), "ch:3", nil, noop)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
}

func TestRouter_SaturationRejectsWhenNoneIdle(t *testing.T) {
	r := New(context.Background(), Options{MaxChannels: 1})
	block := make(chan struct{})
	err := r.Enqueue(context.Background(), "ch:1", nil, func(ctx context.Context, payload any) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	// ch:1's queue is busy (in flight), so ch:2 cannot evict it.
	time.Sleep(20 * time.Millisecond)
	err = r.Enqueue(context.Background(), "ch:2", nil, func(ctx context.Context, payload any) error { return nil })
	require.Error(t, err)
	var sat *coreerrors.RouterSaturated
	require.ErrorAs(t, err, &sat)
	close(block)
}

func TestRouter_BackloggedWhenQueueFull(t *testing.T) {
	r := New(context.Background(), Options{QueueCapacity: 1, EnqueueWait: 20 * time.Millisecond})
	block := make(chan struct{})
	require.NoError(t, r.Enqueue(context.Background(), "ch:1", nil, func(ctx context.Context, payload any) error {
		<-block
		return nil
	}))
	require.NoError(t, r.Enqueue(context.Background(), "ch:1", nil, func(ctx context.Context, payload any) error { return nil }))

	err := r.Enqueue(context.Background(), "ch:1", nil, func(ctx context.Context, payload any) error { return nil })
	require.Error(t, err)
	var backlog *coreerrors.ChannelBacklogged
	require.ErrorAs(t, err, &backlog)
	close(block)
}
