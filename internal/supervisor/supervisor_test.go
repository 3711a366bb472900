package supervisor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine/fake"
	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

// fakeConnector is a minimal Connector that signals ready immediately, used
// to exercise Supervisor.Add without a live chat-service connection.
type fakeConnector struct {
	failConnect bool
}

func (c *fakeConnector) Connect(_ context.Context, onReady func(), _ func(botworker.InboundEvent)) error {
	if c.failConnect {
		return errors.New("boom")
	}
	onReady()
	return nil
}
func (c *fakeConnector) Send(context.Context, string, string) error { return nil }
func (c *fakeConnector) Close(context.Context) error                { return nil }

func testSupervisor(t *testing.T, factory ConnectorFactory) (*Supervisor, statestore.Store) {
	t.Helper()
	store := statestore.NewMemoryStore()
	sup := New(factory, fake.New(), store, usage.NewMemorySink(), router.Options{}, nil)
	sup.Bind(context.Background())
	return sup, store
}

func testInitAgent(id statestore.BotID) (statestore.InitConfig, statestore.AgentConfig) {
	return statestore.InitConfig{BotID: id, CommandPrefix: "!"},
		statestore.AgentConfig{AppName: "app", ModelName: "gpt-4o", FallbackErrorMessage: "oops"}
}

func TestAddRegistersAndSetsRunning(t *testing.T) {
	sup, store := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	})
	init, agent := testInitAgent("bot_1")

	require.NoError(t, sup.Add(context.Background(), "bot_1", init, agent))
	require.True(t, sup.Has("bot_1"))

	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateRunning, state)
}

func TestAddIsIdempotentForAlreadyRegistered(t *testing.T) {
	calls := 0
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		calls++
		return &fakeConnector{}, nil
	})
	init, agent := testInitAgent("bot_1")

	require.NoError(t, sup.Add(context.Background(), "bot_1", init, agent))
	require.NoError(t, sup.Add(context.Background(), "bot_1", init, agent))
	require.Equal(t, 1, calls)
}

func TestAddRollsBackOnConnectFailure(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{failConnect: true}, nil
	})
	init, agent := testInitAgent("bot_1")

	err := sup.Add(context.Background(), "bot_1", init, agent)
	require.Error(t, err)
	require.False(t, sup.Has("bot_1"))
}

func TestAddRollsBackOnConnectorFactoryError(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return nil, errors.New("bad credential_token")
	})
	init, agent := testInitAgent("bot_1")

	err := sup.Add(context.Background(), "bot_1", init, agent)
	require.Error(t, err)
	require.False(t, sup.Has("bot_1"))
}

func TestRemoveDeregisters(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	})
	init, agent := testInitAgent("bot_1")
	require.NoError(t, sup.Add(context.Background(), "bot_1", init, agent))

	require.NoError(t, sup.Remove(context.Background(), "bot_1"))
	require.False(t, sup.Has("bot_1"))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	})
	require.NoError(t, sup.Remove(context.Background(), "bot_nonexistent"))
}

func TestListAll(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	})
	i1, a1 := testInitAgent("bot_1")
	i2, a2 := testInitAgent("bot_2")
	require.NoError(t, sup.Add(context.Background(), "bot_1", i1, a1))
	require.NoError(t, sup.Add(context.Background(), "bot_2", i2, a2))

	ids := sup.ListAll()
	require.Len(t, ids, 2)
	require.ElementsMatch(t, []statestore.BotID{"bot_1", "bot_2"}, ids)
}

func TestGetReturnsLiveWorker(t *testing.T) {
	sup, _ := testSupervisor(t, func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	})
	init, agent := testInitAgent("bot_1")
	require.NoError(t, sup.Add(context.Background(), "bot_1", init, agent))

	w, ok := sup.Get("bot_1")
	require.True(t, ok)
	require.NotNil(t, w)

	_, ok = sup.Get("bot_missing")
	require.False(t, ok)
}
