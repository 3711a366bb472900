package botworker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine/fake"
	"github.com/nextlevelbuilder/chatsupervisor/internal/agentrunner"
	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

func testWorker(t *testing.T, connector *fakeConnector, engine *fake.Engine) *Worker {
	t.Helper()
	init := statestore.InitConfig{
		BotID:                  "bot_1",
		CommandPrefix:          "!",
		DirectMessageAllowlist: []string{"user_1"},
		ServerAllowlist:        []string{"guild_1"},
	}
	agent := statestore.AgentConfig{
		AppName:              "test-app",
		ModelName:            "gpt-4o",
		FallbackErrorMessage: "oops",
		UserFunctionDisplayMap: map[string]string{},
	}
	runner := agentrunner.NewRunner(engine, statestore.NewMemoryStore(), usage.NewMemorySink(), nil)
	return New(init.BotID, init, agent, connector, engine, runner, nil)
}

func startWorker(t *testing.T, w *Worker) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx, router.Options{}))
	require.NoError(t, w.WaitReady(ctx))
	return ctx
}

func TestAdmissionRejectsUnknownDMSender(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "stranger", IsDirect: true, ChannelID: "stranger", Content: "hello",
	})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, connector.sentMessages())
}

func TestAdmissionAcceptsAllowlistedDM(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	engine.ScriptFor = func(appName string, id agentengine.SessionID, userKey, userMessage string) fake.Script {
		return fake.Script{Events: []agentengine.Event{{Type: agentengine.EventFinal, Text: "hi"}}}
	}
	w := testWorker(t, connector, engine)
	ctx := startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: true, ChannelID: "user_1", Content: "<@bot> hello there",
	})
	require.NoError(t, w.Router.WaitAllIdle(ctx))
	sent := connector.sentMessages()
	require.Len(t, sent, 1)
	require.Equal(t, "hi", sent[0].Text)
}

func TestAdmissionRejectsServerMessageWithoutMention(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: false, IsStandardTextChannel: true,
		ChannelID: "chan_1", GuildID: "guild_1", Content: "hello", MentionsBot: false,
	})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, connector.sentMessages())
}

func TestAdmissionRejectsServerNotAllowlisted(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: false, IsStandardTextChannel: true,
		ChannelID: "chan_1", GuildID: "guild_unknown", Content: "hello", MentionsBot: true,
	})
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, connector.sentMessages())
}

func TestHelpCommand(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: true, ChannelID: "user_1", Content: "!help",
	})
	time.Sleep(20 * time.Millisecond)
	sent := connector.sentMessages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "clear_sessions")
}

func TestClearSessionsSelfIsIdempotent(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	ctx := startWorker(t, w)

	// Seed a session for the caller's key so there is something to clear.
	_, err := engine.CreateSession(ctx, w.Agent.AppName, "dm:user_1")
	require.NoError(t, err)

	connector.deliver(InboundEvent{AuthorID: "user_1", IsDirect: true, ChannelID: "user_1", Content: "!clear_sessions"})
	time.Sleep(20 * time.Millisecond)
	connector.deliver(InboundEvent{AuthorID: "user_1", IsDirect: true, ChannelID: "user_1", Content: "!clear_sessions"})
	time.Sleep(20 * time.Millisecond)

	sent := connector.sentMessages()
	require.Len(t, sent, 2)
	require.Contains(t, sent[0].Text, "cleared 1 session")
	require.Contains(t, sent[1].Text, "no sessions to clear")
}

func TestClearSessionsTargetRequiresAdmin(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	w := testWorker(t, connector, engine)
	startWorker(t, w)

	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: false, IsStandardTextChannel: true,
		ChannelID: "chan_1", GuildID: "guild_1", Content: "!clear_sessions channel_chan_2", MentionsBot: true,
	})
	time.Sleep(20 * time.Millisecond)
	sent := connector.sentMessages()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].Text, "administrative role")

	connector.admins["guild_1:user_1"] = true
	connector.deliver(InboundEvent{
		AuthorID: "user_1", IsDirect: false, IsStandardTextChannel: true,
		ChannelID: "chan_1", GuildID: "guild_1", Content: "!clear_sessions channel_chan_2", MentionsBot: true,
	})
	time.Sleep(20 * time.Millisecond)
	sent = connector.sentMessages()
	require.Len(t, sent, 2)
	require.Contains(t, sent[1].Text, "no sessions to clear")
}

func TestSameKeyOrdering(t *testing.T) {
	connector := newFakeConnector()
	engine := fake.New()
	engine.ScriptFor = func(appName string, id agentengine.SessionID, userKey, userMessage string) fake.Script {
		return fake.Script{Delay: 40 * time.Millisecond, Events: []agentengine.Event{{Type: agentengine.EventFinal, Text: userMessage}}}
	}
	w := testWorker(t, connector, engine)
	ctx := startWorker(t, w)

	for _, msg := range []string{"one", "two", "three"} {
		connector.deliver(InboundEvent{AuthorID: "user_1", IsDirect: true, ChannelID: "user_1", Content: msg})
	}
	require.NoError(t, w.Router.WaitAllIdle(ctx))

	// The fake engine echoes the full query text, which carries the
	// user-context preamble buildPreamble prepends (§4.4 point 7); only the
	// trailing body distinguishes arrival order, so assert on that suffix
	// rather than raw equality against the original message bodies.
	var order []string
	for _, s := range connector.sentMessages() {
		order = append(order, s.Text)
	}
	require.Len(t, order, 3)
	for i, body := range []string{"one", "two", "three"} {
		require.Truef(t, strings.HasSuffix(order[i], body), "message %d = %q, want suffix %q", i, order[i], body)
	}
}
