// Package telegram connects a Telegram bot to the bridge via long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/flowsync/internal/types"
)

const maxTelegramMessage = 4096

// Handler receives parsed inbound messages.
type Handler func(ctx context.Context, msg types.InboundMessage) error

// Adapter bridges Telegram chats to the bridge.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	handler Handler
	log     *slog.Logger
}

// New creates a Telegram adapter delivering inbound messages to handler.
func New(token string, handler Handler, log *slog.Logger) (*Adapter, error) {
	if handler == nil {
		return nil, fmt.Errorf("telegram adapter requires a handler")
	}
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{bot: bot, handler: handler, log: log}, nil
}

// Start begins long-polling for Telegram updates and blocks until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)
	a.log.Info("telegram adapter polling", "bot", a.bot.Self.UserName)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver sends a rendered message to the chat a binding key names. It is
// the bridge registry adapter for the "telegram" channel.
func (a *Adapter) Deliver(key types.BindingKey, message string) error {
	chatID, err := strconv.ParseInt(key.Address(), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram binding key: %s", key)
	}
	return a.send(chatID, message)
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() && msg.Command() == "start" {
		a.reply(msg.Chat.ID, "Hello! Send me a message to reach the agent. Commands: /new, /status, /tasks, /quote <url>.")
		return
	}

	var userID string
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}
	inbound := types.InboundMessage{
		Source:     "telegram",
		BindingKey: buildBindingKey(msg.Chat.ID),
		UserID:     userID,
		Text:       normalizeCommand(msg.Text),
	}

	if err := a.handler(ctx, inbound); err != nil {
		a.log.Error("handle telegram message", "chat_id", msg.Chat.ID, "error", err)
		a.reply(msg.Chat.ID, "Sorry, something went wrong handling your message.")
	}
}

// send splits and sends text, falling back to plain mode when Telegram
// rejects the markdown.
func (a *Adapter) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := a.bot.Send(msg); err != nil {
			// Model output often trips Telegram's markdown parser.
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func (a *Adapter) reply(chatID int64, text string) {
	if err := a.send(chatID, text); err != nil {
		a.log.Error("send telegram reply", "chat_id", chatID, "error", err)
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// buildBindingKey scopes bindings to the chat: replies must route back to
// the chat, and group members share its conversation.
func buildBindingKey(chatID int64) types.BindingKey {
	return types.NewBindingKey("telegram", strconv.FormatInt(chatID, 10))
}

// normalizeCommand strips the @BotName suffix Telegram appends to
// commands issued in groups, so "/status@FlowsyncBot" reaches the bridge
// as "/status".
func normalizeCommand(text string) string {
	if !strings.HasPrefix(text, "/") {
		return text
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(head, '@'); i > 0 {
		head = head[:i]
	}
	if rest == "" {
		return head
	}
	return head + " " + rest
}
