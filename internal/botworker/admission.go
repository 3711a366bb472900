package botworker

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/chatsupervisor/internal/router"
)

// conversationKey derives the routing identity for ev (§3 ConversationKey):
// "dm:<user_id>" for a direct message, "ch:<channel_id>" for a server
// channel.
func conversationKey(ev InboundEvent) router.ConversationKey {
	if ev.IsDirect {
		return router.ConversationKey("dm:" + ev.AuthorID)
	}
	return router.ConversationKey("ch:" + ev.ChannelID)
}

// admit runs the admission-control pipeline (§4.4 points 1-6). On success
// it returns the message body with the leading self-mention stripped, the
// derived ConversationKey, and true. On rejection it returns false and the
// caller must silently drop the event — nothing is written to the chat
// service and no UsageRecord is ever produced for a rejected message (§8
// scenario S3).
func (w *Worker) admit(ev InboundEvent) (body string, key router.ConversationKey, ok bool) {
	// 1. Reject messages authored by any bot account.
	if ev.AuthorIsBot {
		return "", "", false
	}
	// 2. Reject messages whose channel is neither direct nor a standard
	// server text channel.
	if !ev.IsDirect && !ev.IsStandardTextChannel {
		return "", "", false
	}
	if ev.IsDirect {
		// 3. Direct messages: accept only senders on the allowlist.
		if !contains(w.Init.DirectMessageAllowlist, ev.AuthorID) {
			return "", "", false
		}
	} else {
		// 4. Server messages: require a mention of the bot AND the server on
		// the allowlist.
		if !ev.MentionsBot {
			return "", "", false
		}
		if !contains(w.Init.ServerAllowlist, ev.GuildID) {
			return "", "", false
		}
	}

	// 5. Derive the ConversationKey.
	key = conversationKey(ev)

	// 6. Strip a leading self-mention token; reject if nothing remains.
	body = stripLeadingMention(ev.Content)
	if strings.TrimSpace(body) == "" {
		return "", "", false
	}
	return body, key, true
}

// stripLeadingMention removes one leading "<@id>" or "<@!id>"-shaped mention
// token (Discord's wire form) or a leading "@name" token (a generic
// fallback for connectors without a structured mention syntax), plus any
// whitespace that followed it.
func stripLeadingMention(body string) string {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "<@") {
		if idx := strings.IndexByte(trimmed, '>'); idx >= 0 {
			return strings.TrimSpace(trimmed[idx+1:])
		}
	}
	if strings.HasPrefix(trimmed, "@") {
		if idx := strings.IndexByte(trimmed, ' '); idx >= 0 {
			return strings.TrimSpace(trimmed[idx+1:])
		}
		return ""
	}
	return trimmed
}

// buildPreamble derives the user-context preamble (§4.4 point 7) and
// prepends it to the query text sent to the agent.
func buildPreamble(ev InboundEvent, queryText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[user_id=%s username=%s display_name=%s channel_id=%s", ev.AuthorID, ev.AuthorUsername, ev.AuthorDisplayName, ev.ChannelID)
	if ev.GuildID != "" {
		fmt.Fprintf(&b, " server_id=%s", ev.GuildID)
	}
	b.WriteString("]\n")
	b.WriteString(queryText)
	return b.String()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
