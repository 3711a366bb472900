// Package router implements the per-bot channel-scoped fair-queue router
// (§4.5): ordering within one ConversationKey, concurrency across keys,
// bounded resources. Grounded on the teacher's internal/channels.ratelimit
// bounded-map-with-eviction idiom, generalized from simple pruning to
// LRU-by-last-activity among strictly idle queues, and on
// internal/channels.Manager.dispatchOutbound's one-goroutine-per-concern
// shape for the per-key serial worker.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
)

// ConversationKey is the routing identity: "dm:<user_id>" for a direct
// message, "ch:<channel_id>" for a server channel.
type ConversationKey string

// Handler processes one payload for a key; it runs on that key's serial
// worker goroutine, never on the caller's goroutine.
type Handler func(ctx context.Context, payload any) error

// Options bounds router capacity. Zero values fall back to the spec's
// defaults.
type Options struct {
	MaxChannels     int           // default 100
	QueueCapacity   int           // default 64
	EnqueueWait     time.Duration // default 1s
	DrainOnShutdown time.Duration // bounded drain window before a hard cancel, default 5s
}

func (o Options) withDefaults() Options {
	if o.MaxChannels <= 0 {
		o.MaxChannels = 100
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 64
	}
	if o.EnqueueWait <= 0 {
		o.EnqueueWait = time.Second
	}
	if o.DrainOnShutdown <= 0 {
		o.DrainOnShutdown = 5 * time.Second
	}
	return o
}

type queueItem struct {
	payload    any
	handler    Handler
	enqueuedAt time.Time
}

// channelQueue is one ConversationKey's bounded FIFO plus its single serial
// worker.
type channelQueue struct {
	key     ConversationKey
	items   chan queueItem
	mu      sync.Mutex
	pending int
	inFlight bool
	lastActivity time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func (q *channelQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending == 0 && !q.inFlight
}

func (q *channelQueue) snapshot() (pending int, last time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending, q.lastActivity
}

// Snapshot is the observability shape consumed by the monitoring endpoint.
type Snapshot struct {
	Key     ConversationKey `json:"key"`
	Pending int             `json:"pending"`
	LastActivity time.Time  `json:"last_activity"`
}

// Router is a single bot's fair-queue router.
type Router struct {
	opts Options

	mu      sync.Mutex
	queues  map[ConversationKey]*channelQueue
	closed  bool
	rootCtx context.Context
}

// New constructs a Router bound to rootCtx: every per-key worker's context
// derives from rootCtx, so cancelling it cancels all workers at once.
// Shutdown is the path that drains queued items, for up to
// DrainOnShutdown, before cancelling (§5).
func New(rootCtx context.Context, opts Options) *Router {
	return &Router{
		opts:    opts.withDefaults(),
		queues:  make(map[ConversationKey]*channelQueue),
		rootCtx: rootCtx,
	}
}

// Enqueue looks up or creates the queue for key and appends payload. On
// creation, if at capacity, the least-recently-active idle queue is
// evicted; if none is evictable, RouterSaturated is returned. If the
// existing queue for key is full, Enqueue blocks up to opts.EnqueueWait and
// then returns ChannelBacklogged.
func (r *Router) Enqueue(ctx context.Context, key ConversationKey, payload any, handler Handler) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return &coreerrors.ChannelBacklogged{Key: string(key)}
	}
	q, ok := r.queues[key]
	if !ok {
		if len(r.queues) >= r.opts.MaxChannels {
			if victim := r.evictIdleLocked(); victim == "" {
				r.mu.Unlock()
				return &coreerrors.RouterSaturated{Key: string(key)}
			}
		}
		q = r.newQueueLocked(key)
	}
	r.mu.Unlock()

	item := queueItem{payload: payload, handler: handler, enqueuedAt: time.Now()}
	select {
	case q.items <- item:
		q.mu.Lock()
		q.pending++
		q.mu.Unlock()
		return nil
	default:
	}

	timer := time.NewTimer(r.opts.EnqueueWait)
	defer timer.Stop()
	select {
	case q.items <- item:
		q.mu.Lock()
		q.pending++
		q.mu.Unlock()
		return nil
	case <-timer.C:
		return &coreerrors.ChannelBacklogged{Key: string(key)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictIdleLocked removes the least-recently-active queue that is
// currently empty and has no handler in flight. Must be called with r.mu
// held. Returns "" if no queue qualifies.
func (r *Router) evictIdleLocked() ConversationKey {
	var victimKey ConversationKey
	var oldest time.Time
	for k, q := range r.queues {
		if !q.idle() {
			continue
		}
		_, last := q.snapshot()
		if victimKey == "" || last.Before(oldest) {
			victimKey = k
			oldest = last
		}
	}
	if victimKey == "" {
		return ""
	}
	q := r.queues[victimKey]
	q.cancel()
	close(q.items)
	delete(r.queues, victimKey)
	return victimKey
}

func (r *Router) newQueueLocked(key ConversationKey) *channelQueue {
	ctx, cancel := context.WithCancel(r.rootCtx)
	q := &channelQueue{
		key:          key,
		items:        make(chan queueItem, r.opts.QueueCapacity),
		lastActivity: time.Now(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	r.queues[key] = q
	go r.runWorker(ctx, q)
	return q
}

func (r *Router) runWorker(ctx context.Context, q *channelQueue) {
	defer close(q.done)
	for {
		select {
		case item, ok := <-q.items:
			if !ok {
				return
			}
			q.mu.Lock()
			q.pending--
			q.inFlight = true
			q.mu.Unlock()

			// A handler error is non-fatal to the queue (§4.6, §7): it is
			// the caller's responsibility (the handler closure itself) to
			// turn engine/adaptor failures into a fallback message; the
			// router only needs to keep draining.
			_ = item.handler(ctx, item.payload)

			q.mu.Lock()
			q.inFlight = false
			q.lastActivity = time.Now()
			q.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// WaitChannelIdle blocks until key's queue is empty and not in a handler
// call, or ctx is done.
func (r *Router) WaitChannelIdle(ctx context.Context, key ConversationKey) error {
	for {
		r.mu.Lock()
		q, ok := r.queues[key]
		r.mu.Unlock()
		if !ok || q.idle() {
			return nil
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitAllIdle blocks until every live queue is idle, or ctx is done.
func (r *Router) WaitAllIdle(ctx context.Context) error {
	for {
		r.mu.Lock()
		keys := make([]ConversationKey, 0, len(r.queues))
		for k := range r.queues {
			keys = append(keys, k)
		}
		r.mu.Unlock()

		allIdle := true
		for _, k := range keys {
			if err := r.WaitChannelIdle(ctx, k); err != nil {
				return err
			}
			r.mu.Lock()
			q, ok := r.queues[k]
			r.mu.Unlock()
			if ok && !q.idle() {
				allIdle = false
			}
		}
		if allIdle {
			return nil
		}
	}
}

// Shutdown signals every worker to drain remaining items, waiting up to
// opts.DrainOnShutdown before cancelling outstanding work.
func (r *Router) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	queues := make([]*channelQueue, 0, len(r.queues))
	for _, q := range r.queues {
		close(q.items)
		queues = append(queues, q)
	}
	r.mu.Unlock()

	deadline := time.NewTimer(r.opts.DrainOnShutdown)
	defer deadline.Stop()
	for _, q := range queues {
		select {
		case <-q.done:
		case <-deadline.C:
			q.cancel()
			<-q.done
		case <-ctx.Done():
			q.cancel()
			<-q.done
		}
	}
}

// Snapshot returns, for each live key, pending count and last activity
// time — consumed by the read-only monitoring endpoint.
func (r *Router) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.queues))
	for k, q := range r.queues {
		pending, last := q.snapshot()
		out = append(out, Snapshot{Key: k, Pending: pending, LastActivity: last})
	}
	return out
}

// TotalPending sums pending items across all keys.
func (r *Router) TotalPending() int {
	total := 0
	for _, s := range r.Snapshot() {
		total += s.Pending
	}
	return total
}
