package agentrunner

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// pollInterval bounds how often a deferred request re-checks the per-session
// window while waiting for room to open up (§4.6 "Rate limiting").
const pollInterval = 50 * time.Millisecond

// limiters gates a prospective request with two layers (§4.6, §9): a fast
// in-process token bucket scoped per (model, session) that smooths bursts
// within this process without a store round trip on every message, and the
// State Store's per-session sliding window as the authoritative ledger —
// "Per-session recent-message history is tracked in the State Store to
// compute cumulative token usage within the interval window; if a new
// request would exceed max_tokens, the Adaptor defers or rejects it." Only
// the store check can reject; the local bucket always defers, since it has
// no notion of the declared per-model policy, and exists only to keep a hot
// session from hammering the store with a peek on every single message.
type limiters struct {
	mu        sync.Mutex
	bySession map[string]*rate.Limiter
}

func newLimiters() *limiters {
	return &limiters{bySession: make(map[string]*rate.Limiter)}
}

func (l *limiters) bucket(rec ModelRecord, conversationKey string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := rec.Name + ":" + conversationKey
	if lim, ok := l.bySession[key]; ok {
		return lim
	}
	perSecond := float64(rec.MaxTokens) / float64(rec.IntervalSeconds)
	lim := rate.NewLimiter(rate.Limit(perSecond), rec.MaxTokens)
	l.bySession[key] = lim
	return lim
}

// admit first smooths n tokens through conversationKey's local bucket
// (bounded by ctx), then — if store is non-nil — peeks the durable
// per-session window and applies rec.OnExceed: PolicyReject fails fast with
// a typed RateLimited error once the session's existing window plus n would
// exceed rec.MaxTokens; PolicyDefer polls until the window has room.
func (l *limiters) admit(ctx context.Context, store statestore.Store, rec ModelRecord, agentID, conversationKey string, n int) error {
	if err := l.bucket(rec, conversationKey).WaitN(ctx, n); err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	for {
		entries, err := store.PeekUsageWindow(ctx, agentID, rec.Name, conversationKey, time.Now().Unix(), rec.IntervalSeconds)
		if err != nil {
			// A store error never blocks a run: the local bucket above
			// already applied best-effort smoothing for this process.
			return nil
		}
		used := 0
		for _, e := range entries {
			used += e.Tokens
		}
		if used+n <= rec.MaxTokens {
			return nil
		}
		if rec.OnExceed == PolicyReject {
			return &coreerrors.RateLimited{Model: rec.Name}
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recordWindow appends this call's token count to the durable per-session
// rate-limit ledger the State Store owns (§4.6, §9), logging nothing and
// never failing the interaction on a store error: the admission decision
// above has already been made for this request.
func recordWindow(ctx context.Context, store statestore.Store, agentID, modelName, conversationKey string, tokens int, windowSeconds int64) {
	if store == nil {
		return
	}
	_, _ = store.RecordUsageWindow(ctx, agentID, modelName, conversationKey, time.Now().Unix(), tokens, windowSeconds)
}
