// Package lark connects a Lark (Feishu) bot to the bridge. Inbound bot
// messages arrive over the SDK's long-lived WebSocket; replies go out
// through the REST API.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	larksdk "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/user/flowsync/internal/types"
)

const (
	// Lark redelivers events it believes unacknowledged; the dedup cache
	// absorbs those replays.
	dedupCacheSize = 2048
	dedupTTL       = 10 * time.Minute
)

// Handler receives parsed inbound messages.
type Handler func(ctx context.Context, msg types.InboundMessage) error

// Messenger sends text to a Lark chat. Split out so tests can fake the
// REST surface.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) (string, error)
}

// Config holds Lark app credentials and chat gating.
type Config struct {
	AppID       string
	AppSecret   string
	BaseDomain  string
	AllowGroups bool
	AllowDirect bool
	Logger      *slog.Logger
}

// Adapter is the Lark channel adapter.
type Adapter struct {
	cfg       Config
	log       *slog.Logger
	handler   Handler
	messenger Messenger

	client *larksdk.Client
	ws     *larkws.Client

	dedupMu sync.Mutex
	dedup   *lru.Cache[string, time.Time]
	now     func() time.Time
}

// New creates a Lark adapter delivering inbound messages to handler.
func New(cfg Config, handler Handler) (*Adapter, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, fmt.Errorf("lark adapter requires app_id and app_secret")
	}
	if handler == nil {
		return nil, fmt.Errorf("lark adapter requires a handler")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dedup, err := lru.New[string, time.Time](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Adapter{
		cfg:     cfg,
		log:     cfg.Logger,
		handler: handler,
		dedup:   dedup,
		now:     time.Now,
	}, nil
}

// SetMessenger overrides the REST messenger, for tests.
func (a *Adapter) SetMessenger(m Messenger) { a.messenger = m }

// Start builds the SDK clients and blocks serving the event stream until
// ctx is cancelled. The WS client reconnects internally.
func (a *Adapter) Start(ctx context.Context) error {
	var clientOpts []larksdk.ClientOptionFunc
	if domain := strings.TrimSpace(a.cfg.BaseDomain); domain != "" {
		clientOpts = append(clientOpts, larksdk.WithOpenBaseUrl(domain))
	}
	a.client = larksdk.NewClient(a.cfg.AppID, a.cfg.AppSecret, clientOpts...)
	if a.messenger == nil {
		a.messenger = &sdkMessenger{client: a.client}
	}

	eventDispatcher := dispatcher.NewEventDispatcher("", "")
	eventDispatcher.OnP2MessageReceiveV1(a.onMessage)

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithLogLevel(larkcore.LogLevelWarn),
	}
	if domain := strings.TrimSpace(a.cfg.BaseDomain); domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(domain))
	}
	a.ws = larkws.NewClient(a.cfg.AppID, a.cfg.AppSecret, wsOpts...)

	a.log.Info("lark adapter connecting", "app_id", a.cfg.AppID)
	return a.ws.Start(ctx)
}

// Deliver sends a rendered message to the chat a binding key names. It is
// the bridge registry adapter for the "lark" channel.
func (a *Adapter) Deliver(key types.BindingKey, message string) error {
	chatID := key.Address()
	if chatID == "" {
		return fmt.Errorf("invalid lark binding key: %s", key)
	}
	if a.messenger == nil {
		return fmt.Errorf("lark messenger not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := a.messenger.SendText(ctx, chatID, message)
	return err
}

// onMessage is the P2MessageReceiveV1 event handler.
func (a *Adapter) onMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	msg, ok := a.parseEvent(event)
	if !ok {
		return nil
	}
	a.log.Info("lark message received",
		"chat_id", msg.BindingKey.Address(), "user_id", msg.UserID, "len", len(msg.Text))
	if err := a.handler(ctx, msg); err != nil {
		a.log.Error("handle lark message", "error", err)
	}
	return nil
}

// parseEvent validates and extracts an inbound message. The second return
// is false when the event should be skipped: unsupported type, gated chat,
// bot sender, empty content, or a redelivered duplicate.
func (a *Adapter) parseEvent(event *larkim.P2MessageReceiveV1) (types.InboundMessage, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return types.InboundMessage{}, false
	}
	raw := event.Event.Message

	msgType := strings.ToLower(strings.TrimSpace(deref(raw.MessageType)))
	if msgType != "text" && msgType != "post" {
		return types.InboundMessage{}, false
	}

	chatType := strings.ToLower(strings.TrimSpace(deref(raw.ChatType)))
	isGroup := chatType != "" && chatType != "p2p"
	if isGroup && !a.cfg.AllowGroups {
		return types.InboundMessage{}, false
	}
	if !isGroup && !a.cfg.AllowDirect {
		return types.InboundMessage{}, false
	}
	if senderType(event) == "app" {
		// Never react to other bots; two bots in one chat would loop.
		return types.InboundMessage{}, false
	}

	chatID := deref(raw.ChatId)
	if chatID == "" {
		a.log.Warn("lark message has no chat_id, skipping")
		return types.InboundMessage{}, false
	}

	var content string
	switch msgType {
	case "text":
		content = extractText(deref(raw.Content))
	case "post":
		content = extractPost(deref(raw.Content))
	}
	if content == "" {
		return types.InboundMessage{}, false
	}

	if messageID := deref(raw.MessageId); messageID != "" && a.isDuplicate(messageID) {
		a.log.Debug("lark duplicate message skipped", "message_id", messageID)
		return types.InboundMessage{}, false
	}

	return types.InboundMessage{
		Source:     "lark",
		BindingKey: types.NewBindingKey("lark", chatID),
		UserID:     senderOpenID(event),
		Text:       content,
	}, true
}

// isDuplicate reports whether messageID was already seen within the TTL,
// recording it either way.
func (a *Adapter) isDuplicate(messageID string) bool {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()

	now := a.now()
	if ts, ok := a.dedup.Get(messageID); ok {
		if now.Sub(ts) <= dedupTTL {
			return true
		}
		a.dedup.Remove(messageID)
	}
	a.dedup.Add(messageID, now)
	return false
}

// extractText parses a text message content payload: {"text":"..."}.
// Mention tags are flattened to @name so the agent sees readable text.
func extractText(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(flattenMentionTags(parsed.Text))
}

// extractPost parses a rich-text post payload and flattens it to plain
// text: {"title":"...","content":[[{"tag":"text","text":"..."}]]}.
func extractPost(raw string) string {
	if raw == "" {
		return ""
	}
	type element struct {
		Tag      string `json:"tag"`
		Text     string `json:"text"`
		Href     string `json:"href"`
		UserName string `json:"user_name"`
		UserID   string `json:"user_id"`
	}
	var parsed struct {
		Title   string      `json:"title"`
		Content [][]element `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}

	var b strings.Builder
	if title := strings.TrimSpace(parsed.Title); title != "" {
		b.WriteString(title)
	}
	for _, line := range parsed.Content {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		for _, el := range line {
			switch el.Tag {
			case "text":
				b.WriteString(el.Text)
			case "a":
				b.WriteString(el.Text)
				if el.Href != "" {
					b.WriteString(" (" + el.Href + ")")
				}
			case "at":
				name := el.UserName
				if name == "" {
					name = el.UserID
				}
				if name != "" {
					b.WriteString("@" + name)
				}
			default:
				if el.Text != "" {
					b.WriteString(el.Text)
				}
			}
		}
	}
	return strings.TrimSpace(b.String())
}

var mentionTag = regexp.MustCompile(`<at[^>]*>([^<]*)</at>`)

// flattenMentionTags rewrites <at user_id="...">name</at> to @name.
func flattenMentionTags(text string) string {
	return mentionTag.ReplaceAllString(text, "@$1")
}

func senderOpenID(event *larkim.P2MessageReceiveV1) string {
	if event.Event == nil || event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	return deref(event.Event.Sender.SenderId.OpenId)
}

func senderType(event *larkim.P2MessageReceiveV1) string {
	if event.Event == nil || event.Event.Sender == nil {
		return ""
	}
	return deref(event.Event.Sender.SenderType)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
