package statestore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_DefaultStateIsIdle(t *testing.T) {
	s := NewMemoryStore()
	state, err := s.GetState(context.Background(), "bot_1")
	require.NoError(t, err)
	require.Equal(t, StateIdle, state)
}

func TestMemoryStore_MarkShouldStartThenTryStart(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	init := InitConfig{BotID: "bot_1", CommandPrefix: "!"}
	agent := AgentConfig{AppName: "app", ModelName: "model-a"}
	require.NoError(t, s.MarkShouldStart(ctx, "bot_1", init, agent))

	ok, err := s.TryStart(ctx, "bot_1")
	require.NoError(t, err)
	require.True(t, ok)

	state, _ := s.GetState(ctx, "bot_1")
	require.Equal(t, StateStarting, state)

	gotInit, found, err := s.GetInitConfig(ctx, "bot_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, init, gotInit)
}

// TestMemoryStore_ConfigIsolation guards property 5: after a fresh
// markShouldStart, the stored configs are exactly the new ones, never a
// stale cached copy.
func TestMemoryStore_ConfigIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MarkShouldStart(ctx, "bot_1", InitConfig{CommandPrefix: "!"}, AgentConfig{ModelName: "old"}))
	require.NoError(t, s.MarkShouldStart(ctx, "bot_1", InitConfig{CommandPrefix: "?"}, AgentConfig{ModelName: "new"}))

	gotInit, _, _ := s.GetInitConfig(ctx, "bot_1")
	gotAgent, _, _ := s.GetAgentConfig(ctx, "bot_1")
	require.Equal(t, "?", gotInit.CommandPrefix)
	require.Equal(t, "new", gotAgent.ModelName)
}

// TestMemoryStore_LockExclusion guards property 3: two concurrent tryStart
// calls for the same bot never both succeed.
func TestMemoryStore_LockExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MarkShouldStart(ctx, "bot_1", InitConfig{}, AgentConfig{}))

	var wg sync.WaitGroup
	results := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := s.TryStart(ctx, "bot_1")
			results[i] = ok
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	require.Equal(t, 1, successes)
}

func TestMemoryStore_TryStopRoutes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.MarkShouldStop(ctx, "bot_1"))
	res, err := s.TryStop(ctx, "bot_1")
	require.NoError(t, err)
	require.Equal(t, TryStopToIdle, res)

	s2 := NewMemoryStore()
	require.NoError(t, s2.MarkShouldRestart(ctx, "bot_2"))
	res2, err := s2.TryStop(ctx, "bot_2")
	require.NoError(t, err)
	require.Equal(t, TryStopToRestart, res2)
	state, _ := s2.GetState(ctx, "bot_2")
	require.Equal(t, StateStarting, state)

	s3 := NewMemoryStore()
	res3, err := s3.TryStop(ctx, "bot_3")
	require.NoError(t, err)
	require.Equal(t, TryStopNone, res3)
}

func TestMemoryStore_SetStateRejectsUnknown(t *testing.T) {
	s := NewMemoryStore()
	err := s.SetState(context.Background(), "bot_1", BotState("bogus"))
	require.Error(t, err)
}

func TestMemoryStore_ResetAllClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.MarkShouldStart(ctx, "bot_1", InitConfig{}, AgentConfig{}))
	_, _ = s.TryStart(ctx, "bot_1")

	require.NoError(t, s.ResetAll(ctx))

	state, _ := s.GetState(ctx, "bot_1")
	require.Equal(t, StateIdle, state)
	_, found, _ := s.GetInitConfig(ctx, "bot_1")
	require.False(t, found)
}

func TestMemoryStore_RecordUsageWindowPrunesOldSamples(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.RecordUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1000, 50, 60)
	require.NoError(t, err)
	entries, err := s.RecordUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1070, 25, 60)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 25, entries[0].Tokens)
}

func TestMemoryStore_UsageWindowIsScopedPerSession(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.RecordUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1000, 50, 60)
	require.NoError(t, err)
	_, err = s.RecordUsageWindow(ctx, "agent-1", "model-a", "ch:2", 1000, 90, 60)
	require.NoError(t, err)

	entries, err := s.PeekUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1000, 60)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 50, entries[0].Tokens)
}

func TestMemoryStore_PeekUsageWindowDoesNotAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.RecordUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1000, 50, 60)
	require.NoError(t, err)

	entries, err := s.PeekUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1010, 60)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	entries, err = s.PeekUsageWindow(ctx, "agent-1", "model-a", "ch:1", 1020, 60)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
