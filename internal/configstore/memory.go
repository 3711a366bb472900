package configstore

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
)

// MemoryStore is an in-process Store used in tests and in standalone
// deployments that do not run a separate control plane.
type MemoryStore struct {
	mu     sync.Mutex
	inits  map[statestore.BotID]statestore.InitConfig
	agents map[statestore.BotID]statestore.AgentConfig
	errs   map[statestore.BotID]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inits:  make(map[statestore.BotID]statestore.InitConfig),
		agents: make(map[statestore.BotID]statestore.AgentConfig),
		errs:   make(map[statestore.BotID]string),
	}
}

// Put registers a bot's configuration, as the control plane would.
func (m *MemoryStore) Put(id statestore.BotID, init statestore.InitConfig, agent statestore.AgentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits[id] = init
	m.agents[id] = agent
}

func (m *MemoryStore) LoadInit(_ context.Context, id statestore.BotID) (statestore.InitConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.inits[id]
	return v, ok, nil
}

func (m *MemoryStore) LoadAgent(_ context.Context, id statestore.BotID) (statestore.AgentConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.agents[id]
	return v, ok, nil
}

func (m *MemoryStore) ListBotIDs(_ context.Context) ([]statestore.BotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]statestore.BotID, 0, len(m.inits))
	for id := range m.inits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) SetLastError(_ context.Context, id statestore.BotID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[id] = msg
	return nil
}

// LastError returns the last recorded error for id, for assertions in tests.
func (m *MemoryStore) LastError(id statestore.BotID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[id]
}
