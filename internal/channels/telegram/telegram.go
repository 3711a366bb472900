// Package telegram is the second concrete chat-service binding (§6):
// structurally identical obligations to internal/channels/discord, proving
// the Bot Worker's admission-control pipeline (§4.4) is client-agnostic.
// Grounded on the teacher's internal/channels/telegram.Channel (long
// polling via telego.UpdatesViaLongPolling, service-message filtering,
// @mention detection over message entities), stripped of the bus/pairing/
// media/streaming machinery that file layers on top for its single-tenant
// use case.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/chatsupervisor/internal/botworker"
)

// Connector is a Connector bound to one bot's own telego.Bot, using long
// polling (§9: "no per-process singleton state, each BotRuntime owns its
// connection").
type Connector struct {
	bot        *telego.Bot
	username   string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a bot client from token; it does not connect until Connect
// is called.
func New(token string) (*Connector, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Connector{bot: bot}, nil
}

func (c *Connector) Connect(ctx context.Context, onReady func(), onMessage func(botworker.InboundEvent)) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("fetch telegram bot identity: %w", err)
	}
	c.username = me.Username

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram long polling: %w", err)
	}

	if onReady != nil {
		onReady()
	}

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					if ev, ok := c.toInboundEvent(update.Message); ok {
						onMessage(ev)
					}
				}
			}
		}
	}()
	return nil
}

// toInboundEvent normalizes a telego.Message, dropping service messages
// (no text, no sender) that carry nothing for the admission pipeline.
func (c *Connector) toInboundEvent(m *telego.Message) (botworker.InboundEvent, bool) {
	if m.From == nil || m.Text == "" {
		return botworker.InboundEvent{}, false
	}
	isGroup := m.Chat.Type == "group" || m.Chat.Type == "supergroup"
	guildID := ""
	if isGroup {
		guildID = strconv.FormatInt(m.Chat.ID, 10)
	}
	return botworker.InboundEvent{
		AuthorID:              strconv.FormatInt(m.From.ID, 10),
		AuthorIsBot:           m.From.IsBot,
		AuthorUsername:        m.From.Username,
		AuthorDisplayName:     m.From.FirstName,
		IsDirect:              !isGroup,
		IsStandardTextChannel: isGroup,
		ChannelID:             strconv.FormatInt(m.Chat.ID, 10),
		GuildID:               guildID,
		MentionsBot:           c.detectMention(m),
		MessageID:             strconv.Itoa(m.MessageID),
		Content:               m.Text,
	}, true
}

// detectMention mirrors the teacher's entity-scan-then-substring-fallback
// approach, extended with the "reply to the bot's own message" case.
func (c *Connector) detectMention(m *telego.Message) bool {
	if c.username == "" {
		return false
	}
	lower := strings.ToLower(c.username)
	for _, entity := range m.Entities {
		if entity.Type != "mention" {
			continue
		}
		if entity.Offset+entity.Length > len(m.Text) {
			continue
		}
		mentioned := m.Text[entity.Offset : entity.Offset+entity.Length]
		if strings.EqualFold(mentioned, "@"+c.username) {
			return true
		}
	}
	if strings.Contains(strings.ToLower(m.Text), "@"+lower) {
		return true
	}
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.Username == c.username {
		return true
	}
	return false
}

// Send chunks text into ≤4,096-character pieces, Telegram's own message
// size limit, cutting on a newline when one is available in the tail
// (§4.6 point 3).
func (c *Connector) Send(ctx context.Context, channelID, text string) error {
	const maxLen = 4096
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", channelID, err)
	}
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := maxLen
			if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

func (c *Connector) Close(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		<-c.pollDone
	}
	return nil
}

var _ botworker.Connector = (*Connector)(nil)
