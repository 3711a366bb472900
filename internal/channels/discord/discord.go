// Package discord is the Discord binding of the chat-service interface
// (§6): one Connector per bot, each owning its own discordgo.Session rather
// than sharing a process-wide singleton — a per-BotRuntime connection, not
// a per-process channel manager. Adapted from the teacher's own
// internal/channels/discord.Channel: same discordgo.New/Intents/
// AddHandler/Open/Close lifecycle and the same 2,000-character chunked
// send idiom, generalized from the bus.OutboundMessage/placeholder-editing
// machinery that file layered on top for its single-tenant use case down
// to a bare InboundEvent-in/text-out Connector.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
)

// Connector is a Connector bound to one bot's own discordgo.Session (§9:
// "no per-process singleton state, each BotRuntime owns its connection").
type Connector struct {
	session   *discordgo.Session
	botUserID string
}

// New creates a session from token; it does not connect until Connect is
// called.
func New(token string) (*Connector, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	// Minimum capabilities to receive direct messages, server messages with
	// content, and member info (§4.4 "Connection management").
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers
	return &Connector{session: session}, nil
}

func (c *Connector) Connect(_ context.Context, onReady func(), onMessage func(botworker.InboundEvent)) error {
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		onMessage(c.toInboundEvent(m))
	})
	if onReady != nil {
		c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Ready) {
			onReady()
		})
	}
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	return nil
}

func (c *Connector) toInboundEvent(m *discordgo.MessageCreate) botworker.InboundEvent {
	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			mentioned = true
			break
		}
	}
	authorID, authorBot, username, display := "", false, "", ""
	if m.Author != nil {
		authorID = m.Author.ID
		authorBot = m.Author.Bot
		username = m.Author.Username
		display = resolveDisplayName(m)
	}
	channelID := m.ChannelID
	if isDM {
		channelID = authorID
	}
	return botworker.InboundEvent{
		AuthorID:              authorID,
		AuthorIsBot:           authorBot,
		AuthorUsername:        username,
		AuthorDisplayName:     display,
		IsDirect:              isDM,
		IsStandardTextChannel: true, // gateway events only deliver text-channel message creates
		ChannelID:             channelID,
		GuildID:               m.GuildID,
		MentionsBot:           mentioned,
		MessageID:             m.ID,
		Content:               m.Content,
	}
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author != nil && m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	if m.Author != nil {
		return m.Author.Username
	}
	return ""
}

// Send chunks text into ≤2,000-byte pieces and sends each in order,
// preferring to cut on a newline so multi-chunk replies don't break
// mid-word when one is available (§4.6 point 3, §8 S7).
func (c *Connector) Send(_ context.Context, channelID, text string) error {
	const maxLen = 2000
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := lastNewline(text[:maxLen]); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

func (c *Connector) Close(_ context.Context) error {
	return c.session.Close()
}

// IsAdmin resolves whether userID holds a role with ManageGuild (or
// Administrator) permissions in guildID (§4.4 clear_sessions permission
// check), by summing the permission bits of the member's assigned roles.
func (c *Connector) IsAdmin(_ context.Context, guildID, userID string) (bool, error) {
	if guildID == "" {
		return false, nil
	}
	member, err := c.session.GuildMember(guildID, userID)
	if err != nil {
		return false, fmt.Errorf("resolve discord member: %w", err)
	}
	roles, err := c.session.GuildRoles(guildID)
	if err != nil {
		return false, fmt.Errorf("resolve discord roles: %w", err)
	}
	roleByID := make(map[string]*discordgo.Role, len(roles))
	for _, r := range roles {
		roleByID[r.ID] = r
	}
	var perms int64
	for _, rid := range member.Roles {
		if r, ok := roleByID[rid]; ok {
			perms |= r.Permissions
		}
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0, nil
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}

var _ botworker.Connector = (*Connector)(nil)
var _ botworker.AdminChecker = (*Connector)(nil)
