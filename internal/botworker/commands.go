package botworker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
)

const helpText = `Commands:
  help                    Show this message
  clear_sessions [target] Clear conversation memory. With no target, clears
                          the session for this conversation. With a target
                          (channel_<id> or dm_<id>), requires an
                          administrative role; clears that conversation's
                          sessions instead.`

// parseCommand reports whether body (already mention-stripped) is a
// command invocation and, if so, the command name and the remainder.
func (w *Worker) parseCommand(body string) (name, rest string, ok bool) {
	prefix := w.Init.CommandPrefix
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", "", false
	}
	trimmed := strings.TrimSpace(strings.TrimPrefix(body, prefix))
	parts := strings.SplitN(trimmed, " ", 2)
	name = parts[0]
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return name, rest, name != ""
}

// runCommand executes a parsed command and returns the chat-facing reply.
func (w *Worker) runCommand(ctx context.Context, ev InboundEvent, key router.ConversationKey, name, arg string) string {
	switch name {
	case "help":
		return helpText
	case "clear_sessions":
		return w.handleClearSessions(ctx, ev, key, arg)
	default:
		return fmt.Sprintf("unknown command %q; try %shelp", name, w.Init.CommandPrefix)
	}
}

// resolveTarget parses a clear_sessions target argument ("channel_<id>" or
// "dm_<id>") into a ConversationKey, mirroring the ConversationKey wire
// format used elsewhere (§4.4 "clear_sessions").
func resolveTarget(target string) (router.ConversationKey, bool) {
	switch {
	case strings.HasPrefix(target, "channel_"):
		return router.ConversationKey("ch:" + strings.TrimPrefix(target, "channel_")), true
	case strings.HasPrefix(target, "dm_"):
		return router.ConversationKey("dm:" + strings.TrimPrefix(target, "dm_")), true
	default:
		return "", false
	}
}

// handleClearSessions implements the clear_sessions command (§4.4). With no
// target it clears the caller's own ConversationKey; with a target it
// requires an administrative role on the channel.
func (w *Worker) handleClearSessions(ctx context.Context, ev InboundEvent, callerKey router.ConversationKey, arg string) string {
	target := callerKey
	if arg != "" {
		resolved, ok := resolveTarget(arg)
		if !ok {
			return fmt.Sprintf("invalid target %q; use channel_<id> or dm_<id>", arg)
		}
		if !w.callerIsAdmin(ctx, ev) {
			return "you need an administrative role to clear another conversation's sessions"
		}
		target = resolved
	}

	n, err := w.clearSessionsFor(ctx, target)
	if err != nil {
		w.logger().Warn("clear_sessions failed", "bot_id", w.ID, "target", target, "error", err)
		return "failed to clear sessions, see logs"
	}
	if n == 0 {
		return "no sessions to clear"
	}
	return fmt.Sprintf("cleared %d session(s)", n)
}

func (w *Worker) callerIsAdmin(ctx context.Context, ev InboundEvent) bool {
	checker, ok := w.Connector.(AdminChecker)
	if !ok {
		return false
	}
	isAdmin, err := checker.IsAdmin(ctx, ev.GuildID, ev.AuthorID)
	if err != nil {
		w.logger().Warn("admin check failed", "bot_id", w.ID, "error", err)
		return false
	}
	return isAdmin
}

// clearSessionsFor enumerates every agent-engine session for key and
// deletes each (§4.4 "On execution, enumerate all sessions... and delete
// each"), evicting the worker's own in-memory cache entry too. A second
// call for the same key is a no-op, satisfying the idempotent-clear
// property (§8 property 7).
func (w *Worker) clearSessionsFor(ctx context.Context, key router.ConversationKey) (int, error) {
	userKey := string(key)
	ids, err := w.Engine.ListSessions(ctx, w.Agent.AppName, userKey)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := w.Engine.DeleteSession(ctx, w.Agent.AppName, id); err != nil {
			return 0, err
		}
	}
	w.sessionsMu.Lock()
	delete(w.sessions, key)
	w.sessionsMu.Unlock()
	return len(ids), nil
}
