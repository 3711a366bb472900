package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// fakeSupervisor is a deterministic in-memory reconciler.Supervisor used to
// assert exactly which lifecycle calls the reconciler issues per tick.
type fakeSupervisor struct {
	mu        sync.Mutex
	added     []statestore.BotID
	removed   []statestore.BotID
	live      map[statestore.BotID]bool
	addErr    error
	removeErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{live: make(map[statestore.BotID]bool)}
}

func (f *fakeSupervisor) Add(_ context.Context, id statestore.BotID, _ statestore.InitConfig, _ statestore.AgentConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, id)
	if f.addErr != nil {
		return f.addErr
	}
	f.live[id] = true
	return nil
}

func (f *fakeSupervisor) Remove(_ context.Context, id statestore.BotID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.live, id)
	return f.removeErr
}

func (f *fakeSupervisor) Has(id statestore.BotID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

// fakeConfigStore is an in-memory configstore.Store used to drive the
// should_restart reload path (§4.2 "to_restart").
type fakeConfigStore struct {
	mu    sync.Mutex
	init  map[statestore.BotID]statestore.InitConfig
	agent map[statestore.BotID]statestore.AgentConfig
	errs  map[statestore.BotID]string
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{
		init:  make(map[statestore.BotID]statestore.InitConfig),
		agent: make(map[statestore.BotID]statestore.AgentConfig),
		errs:  make(map[statestore.BotID]string),
	}
}

func (f *fakeConfigStore) LoadInit(_ context.Context, id statestore.BotID) (statestore.InitConfig, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.init[id]
	return v, ok, nil
}

func (f *fakeConfigStore) LoadAgent(_ context.Context, id statestore.BotID) (statestore.AgentConfig, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.agent[id]
	return v, ok, nil
}

func (f *fakeConfigStore) ListBotIDs(_ context.Context) ([]statestore.BotID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]statestore.BotID, 0, len(f.init))
	for id := range f.init {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeConfigStore) SetLastError(_ context.Context, id statestore.BotID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = msg
	return nil
}

func TestTickStartsShouldStartBot(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	init := statestore.InitConfig{BotID: "bot_1"}
	agent := statestore.AgentConfig{AppName: "app"}
	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", init, agent))

	r.Tick(context.Background())

	require.Equal(t, []statestore.BotID{"bot_1"}, sup.added)
	require.True(t, sup.Has("bot_1"))
}

func TestTickStopsShouldStopBotToIdle(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app"}))
	r.Tick(context.Background())
	require.NoError(t, store.SetState(context.Background(), "bot_1", statestore.StateRunning))
	require.NoError(t, store.MarkShouldStop(context.Background(), "bot_1"))

	r.Tick(context.Background())

	require.Equal(t, []statestore.BotID{"bot_1"}, sup.removed)
	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateIdle, state)
}

func TestTickConvergesShouldRestartWithinOneTick(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "old"}))
	r.Tick(context.Background())
	require.NoError(t, store.SetState(context.Background(), "bot_1", statestore.StateRunning))

	cfg.init["bot_1"] = statestore.InitConfig{BotID: "bot_1", CommandPrefix: "!"}
	cfg.agent["bot_1"] = statestore.AgentConfig{AppName: "refreshed"}
	require.NoError(t, store.MarkShouldRestart(context.Background(), "bot_1"))

	r.Tick(context.Background())

	require.Contains(t, sup.removed, statestore.BotID("bot_1"))
	require.True(t, sup.Has("bot_1"))

	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateStarting, state)

	init, ok, err := store.GetInitConfig(context.Background(), "bot_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "!", init.CommandPrefix)
}

func TestTickDrivesToIdleWhenRestartReloadFails(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore() // no entries for bot_1: reload fails
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app"}))
	r.Tick(context.Background())
	require.NoError(t, store.SetState(context.Background(), "bot_1", statestore.StateRunning))
	require.NoError(t, store.MarkShouldRestart(context.Background(), "bot_1"))

	r.Tick(context.Background())

	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateIdle, state)
}

func TestTickDrivesToIdleAndRecordsErrorOnSupervisorAddFailure(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	sup.addErr = errors.New("chat service unreachable")
	r := New(store, cfg, cfg, sup, 0, nil)

	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app"}))

	r.Tick(context.Background())

	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateIdle, state)
	require.Contains(t, cfg.errs["bot_1"], "chat service unreachable")
}

func TestTickSkipsDuplicateAddWhenAlreadyLive(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app"}))
	r.Tick(context.Background())
	require.Len(t, sup.added, 1)

	// The starting lock stays held past the transition (§4.1), so a second
	// tick within the lock's TTL cannot re-acquire it even if something
	// re-marks should_start; the bot stays live with exactly one Add.
	require.NoError(t, store.MarkShouldStart(context.Background(), "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app"}))
	r.Tick(context.Background())
	require.Len(t, sup.added, 1)
	require.True(t, sup.Has("bot_1"))
}

func TestStartAndStopLoop(t *testing.T) {
	store := statestore.NewMemoryStore()
	cfg := newFakeConfigStore()
	sup := newFakeSupervisor()
	r := New(store, cfg, cfg, sup, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	r.Stop()
}
