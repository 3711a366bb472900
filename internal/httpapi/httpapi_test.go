package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine/fake"
	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/supervisor"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

type fakeConnector struct{}

func (c *fakeConnector) Connect(_ context.Context, onReady func(), _ func(botworker.InboundEvent)) error {
	onReady()
	return nil
}
func (c *fakeConnector) Send(context.Context, string, string) error { return nil }
func (c *fakeConnector) Close(context.Context) error                { return nil }

func testServer(t *testing.T) (*httptest.Server, statestore.Store, *supervisor.Supervisor) {
	t.Helper()
	store := statestore.NewMemoryStore()
	sup := supervisor.New(func(statestore.InitConfig) (botworker.Connector, error) {
		return &fakeConnector{}, nil
	}, fake.New(), store, usage.NewMemorySink(), router.Options{}, nil)
	sup.Bind(context.Background())

	srv := New(store, sup, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, sup
}

func TestHealthz(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShouldStartThenGetState(t *testing.T) {
	ts, store, _ := testServer(t)

	body, err := json.Marshal(shouldStartBody{
		Init:  statestore.InitConfig{CredentialToken: "tok", CommandPrefix: "!"},
		Agent: statestore.AgentConfig{AppName: "app", ModelName: "gpt-4o"},
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/bots/bot_1/should_start", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	state, err := store.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateShouldStart, state)

	resp, err = http.Get(ts.URL + "/bots/bot_1/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view botStateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	require.Equal(t, statestore.StateShouldStart, view.State)
}

func TestShouldStopAndShouldRestart(t *testing.T) {
	ts, store, _ := testServer(t)
	ctx := context.Background()
	require.NoError(t, store.MarkShouldStart(ctx, "bot_1", statestore.InitConfig{}, statestore.AgentConfig{}))

	resp, err := http.Post(ts.URL+"/bots/bot_1/should_stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	state, err := store.GetState(ctx, "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateShouldStop, state)

	resp, err = http.Post(ts.URL+"/bots/bot_1/should_restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	state, err = store.GetState(ctx, "bot_1")
	require.NoError(t, err)
	require.Equal(t, statestore.StateShouldRestart, state)
}

func TestListBotsIncludesKnownBots(t *testing.T) {
	ts, store, _ := testServer(t)
	ctx := context.Background()
	require.NoError(t, store.MarkShouldStart(ctx, "bot_1", statestore.InitConfig{}, statestore.AgentConfig{}))
	require.NoError(t, store.MarkShouldStart(ctx, "bot_2", statestore.InitConfig{}, statestore.AgentConfig{}))

	resp, err := http.Get(ts.URL + "/bots")
	require.NoError(t, err)
	defer resp.Body.Close()

	var views []botStateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	require.Len(t, views, 2)
}

func TestRouterSnapshotForLiveAndUnknownBot(t *testing.T) {
	ts, _, sup := testServer(t)
	ctx := context.Background()

	resp, err := http.Get(ts.URL + "/bots/bot_missing/router")
	require.NoError(t, err)
	var missing routerSnapshotView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missing))
	resp.Body.Close()
	require.False(t, missing.Live)

	require.NoError(t, sup.Add(ctx, "bot_1", statestore.InitConfig{BotID: "bot_1"}, statestore.AgentConfig{AppName: "app", ModelName: "gpt-4o"}))

	resp, err = http.Get(ts.URL + "/bots/bot_1/router")
	require.NoError(t, err)
	defer resp.Body.Close()
	var live routerSnapshotView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&live))
	require.True(t, live.Live)
}

func TestShouldStartWithInvalidBodyReturnsBadRequest(t *testing.T) {
	ts, _, _ := testServer(t)
	resp, err := http.Post(ts.URL+"/bots/bot_1/should_start", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["error"])
}
