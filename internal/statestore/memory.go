package statestore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
)

// lockTTL bounds how long a starting/stopping lock may be held before it is
// released automatically; it must exceed the longest expected transition so
// a slow-but-healthy transition is never preempted, per §4.1.
const lockTTL = 10 * time.Second

type botRecord struct {
	state BotState
	init  *InitConfig
	agent *AgentConfig
}

type lockState struct {
	held    bool
	expires time.Time
}

// MemoryStore is an in-process, mutex-guarded implementation of Store. It is
// the default for a single-process deployment: per §4.1 and §5, the CORE's
// "distributed" coordination only needs to be real across processes when the
// control-plane RPC server runs separately from the supervisor, which is why
// a Postgres-backed Store (pg.go, same package) also exists. The map-plus-
// mutex shape follows the teacher's internal/channels.Manager
// (channels map[string]Channel guarded by mu sync.RWMutex).
type MemoryStore struct {
	mu    sync.Mutex
	bots  map[BotID]*botRecord
	locks map[string]*lockState

	usageMu sync.Mutex
	usage   map[string][]UsageWindowEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:  make(map[BotID]*botRecord),
		locks: make(map[string]*lockState),
		usage: make(map[string][]UsageWindowEntry),
	}
}

func (s *MemoryStore) get(id BotID) *botRecord {
	r, ok := s.bots[id]
	if !ok {
		r = &botRecord{state: StateIdle}
		s.bots[id] = r
	}
	return r
}

func (s *MemoryStore) GetState(_ context.Context, id BotID) (BotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.bots[id]; ok {
		return r.state, nil
	}
	return StateIdle, nil
}

func (s *MemoryStore) SetState(_ context.Context, id BotID, state BotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !state.IsValid() {
		// Unrecognized values are logged by the caller (the reconciler);
		// the store itself simply refuses to persist garbage.
		return &coreerrors.ConfigError{BotID: string(id), Msg: "unrecognized state: " + string(state)}
	}
	s.get(id).state = state
	return nil
}

func (s *MemoryStore) MarkShouldStart(_ context.Context, id BotID, init InitConfig, agent AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.get(id)
	initCopy := init
	agentCopy := agent
	r.init = &initCopy
	r.agent = &agentCopy
	r.state = StateShouldStart
	return nil
}

func (s *MemoryStore) MarkShouldStop(_ context.Context, id BotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).state = StateShouldStop
	return nil
}

func (s *MemoryStore) MarkShouldRestart(_ context.Context, id BotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).state = StateShouldRestart
	return nil
}

func (s *MemoryStore) ClearConfig(_ context.Context, id BotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bots, id)
	delete(s.locks, lockKey(id, "starting"))
	delete(s.locks, lockKey(id, "stopping"))
	return nil
}

func (s *MemoryStore) GetInitConfig(_ context.Context, id BotID) (InitConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[id]
	if !ok || r.init == nil {
		return InitConfig{}, false, nil
	}
	return *r.init, true, nil
}

func (s *MemoryStore) GetAgentConfig(_ context.Context, id BotID) (AgentConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.bots[id]
	if !ok || r.agent == nil {
		return AgentConfig{}, false, nil
	}
	return *r.agent, true, nil
}

func lockKey(id BotID, name string) string { return string(id) + ":" + name }

// acquireLock returns true if the named lock was free (or expired) and is
// now held until lockTTL from now.
func (s *MemoryStore) acquireLock(id BotID, name string, now time.Time) bool {
	key := lockKey(id, name)
	l, ok := s.locks[key]
	if ok && l.held && now.Before(l.expires) {
		return false
	}
	s.locks[key] = &lockState{held: true, expires: now.Add(lockTTL)}
	return true
}

func (s *MemoryStore) releaseLock(id BotID, name string) {
	delete(s.locks, lockKey(id, name))
}

func (s *MemoryStore) TryStart(_ context.Context, id BotID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.acquireLock(id, "starting", now) {
		return false, nil
	}
	r := s.get(id)
	if r.state != StateShouldStart {
		s.releaseLock(id, "starting")
		return false, nil
	}
	r.state = StateStarting
	// The lock is intentionally held until TTL expiry rather than released
	// here: it continues to serialize against a second tryStart for the
	// same bot id until the TTL lapses (a future tick may then retry, per
	// §4.1's failure semantics) or TryStop releases it on a restart.
	return true, nil
}

func (s *MemoryStore) TryStop(_ context.Context, id BotID) (TryStopResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if !s.acquireLock(id, "stopping", now) {
		return TryStopNone, nil
	}
	r := s.get(id)
	switch r.state {
	case StateShouldStop:
		r.state = StateStopping
		return TryStopToIdle, nil
	case StateShouldRestart:
		r.state = StateStarting
		// The prior start's "starting" lock claim is stale once the runtime
		// it guarded is torn down; release it so the same tick's start step
		// (after the reconciler re-marks should_start) can reacquire it
		// immediately instead of waiting out the original TTL.
		s.releaseLock(id, "starting")
		return TryStopToRestart, nil
	default:
		s.releaseLock(id, "stopping")
		return TryStopNone, nil
	}
}

func (s *MemoryStore) ListAllBots(_ context.Context) ([]BotID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]BotID, 0, len(s.bots))
	for id := range s.bots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.bots {
		r.state = StateIdle
	}
	s.locks = make(map[string]*lockState)
	s.bots = make(map[BotID]*botRecord)
	return nil
}

func usageWindowKey(agentID, modelName, conversationKey string) string {
	return agentID + ":" + modelName + ":" + conversationKey
}

func (s *MemoryStore) RecordUsageWindow(_ context.Context, agentID, modelName, conversationKey string, nowUnix int64, tokens int, windowSeconds int64) ([]UsageWindowEntry, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	key := usageWindowKey(agentID, modelName, conversationKey)
	entries := append(s.usage[key], UsageWindowEntry{UnixSeconds: nowUnix, Tokens: tokens})
	kept := pruneUsageWindow(entries, nowUnix, windowSeconds)
	s.usage[key] = kept
	result := make([]UsageWindowEntry, len(kept))
	copy(result, kept)
	return result, nil
}

func (s *MemoryStore) PeekUsageWindow(_ context.Context, agentID, modelName, conversationKey string, nowUnix int64, windowSeconds int64) ([]UsageWindowEntry, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	key := usageWindowKey(agentID, modelName, conversationKey)
	kept := pruneUsageWindow(s.usage[key], nowUnix, windowSeconds)
	s.usage[key] = kept
	result := make([]UsageWindowEntry, len(kept))
	copy(result, kept)
	return result, nil
}

func pruneUsageWindow(entries []UsageWindowEntry, nowUnix, windowSeconds int64) []UsageWindowEntry {
	cutoff := nowUnix - windowSeconds
	kept := entries[:0]
	for _, e := range entries {
		if e.UnixSeconds >= cutoff {
			kept = append(kept, e)
		}
	}
	return kept
}
