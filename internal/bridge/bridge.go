// Package bridge binds chat-platform conversations to backend
// conversations. Inbound platform messages become chat frames pushed
// through the outbox; server events become rendered replies delivered
// back to the originating channel.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/dispatch"
	"github.com/user/flowsync/internal/outbox"
	"github.com/user/flowsync/internal/readurl"
	"github.com/user/flowsync/internal/render"
	"github.com/user/flowsync/internal/types"
	"github.com/user/flowsync/pkg/wire"
)

// artifactThreshold is the payload size above which content moves to the
// artifact store instead of being delivered or kept inline.
const artifactThreshold = 2000

// Realtime is the slice of the connection manager the bridge needs.
type Realtime interface {
	Send(v any) bool
	Subscribe(conversationID string) bool
}

// Config tunes a Bridge.
type Config struct {
	// MaxStreaming caps how many conversations may stream concurrently
	// before new sends are refused with a notice.
	MaxStreaming int
	// Retry overrides the delivery retry policy for both outboxes.
	Retry  *outbox.RetryPolicy
	Logger *slog.Logger
}

// deliveryMark remembers what has already been delivered for a
// conversation so state replacements don't produce duplicate replies.
type deliveryMark struct {
	turns int
	ask   string
}

// channelMessage is the frame type carried by the channel-side outbox.
type channelMessage struct {
	key  types.BindingKey
	text string
}

// Bridge wires the realtime core to messaging channels.
type Bridge struct {
	cfg        Config
	client     Realtime
	router     *dispatch.Router
	store      *conversation.Store
	index      types.ConversationStore
	transcript types.TranscriptStore
	artifacts  types.ArtifactStore
	registry   *Registry
	renderer   *render.Renderer
	quotes     *readurl.Fetcher
	log        *slog.Logger

	// server carries chat frames toward the realtime connection;
	// channels carries rendered replies toward chat adapters. Both keep
	// per-conversation FIFO order.
	server   *outbox.Outbox
	channels *outbox.Outbox

	mu        sync.Mutex
	delivered map[types.ConversationID]deliveryMark
	bindings  map[types.ConversationID]types.BindingKey
	unsubs    []func()
	stopOnce  sync.Once
}

// New creates a Bridge over the given core components.
func New(
	cfg Config,
	client Realtime,
	router *dispatch.Router,
	store *conversation.Store,
	index types.ConversationStore,
	transcript types.TranscriptStore,
	artifacts types.ArtifactStore,
	registry *Registry,
	renderer *render.Renderer,
) *Bridge {
	if cfg.MaxStreaming <= 0 {
		cfg.MaxStreaming = conversation.MaxConcurrentStreamingConversations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Bridge{
		cfg:        cfg,
		client:     client,
		router:     router,
		store:      store,
		index:      index,
		transcript: transcript,
		artifacts:  artifacts,
		registry:   registry,
		renderer:   renderer,
		quotes:     readurl.New(),
		log:        cfg.Logger,
		server:     outbox.New(2, cfg.Retry, cfg.Logger),
		channels:   outbox.New(4, cfg.Retry, cfg.Logger),
		delivered:  make(map[types.ConversationID]deliveryMark),
		bindings:   make(map[types.ConversationID]types.BindingKey),
	}
	b.server.SetSender(b.sendFrame)
	b.channels.SetSender(b.sendChannel)
	return b
}

// Start wires the bridge into the router and state store and starts the
// delivery lanes. States already in the store (replay hydration) are
// marked delivered so startup never re-sends old replies.
func (b *Bridge) Start(ctx context.Context) {
	b.server.Start(ctx)
	b.channels.Start(ctx)

	b.mu.Lock()
	for _, state := range b.store.List() {
		mark := deliveryMark{turns: state.CompletedTurns}
		if ask, ok := state.PendingSummary(); ok {
			mark.ask = ask.RequestID
		}
		b.delivered[state.ID] = mark
	}
	b.mu.Unlock()

	b.unsubs = append(b.unsubs,
		b.router.OnAny(b.onEnvelope),
		b.store.Watch(b.onStateChange),
	)
}

// Stop revokes registrations and drains both delivery lanes. Safe to
// call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		for _, unsub := range b.unsubs {
			unsub()
		}
		b.unsubs = nil
		b.server.WaitIdle(5 * time.Second)
		b.channels.WaitIdle(5 * time.Second)
		b.server.Stop()
		b.channels.Stop()
	})
}

func (b *Bridge) sendFrame(job *outbox.Job) error {
	if !b.client.Send(job.Frame) {
		return outbox.ErrNotConnected
	}
	return nil
}

func (b *Bridge) sendChannel(job *outbox.Job) error {
	msg, ok := job.Frame.(channelMessage)
	if !ok {
		return fmt.Errorf("invalid channel frame %T", job.Frame)
	}
	return b.registry.Deliver(msg.key, msg.text)
}

// HandleInbound processes a platform message: local slash commands are
// answered directly, everything else is forwarded into the conversation
// bound to the message's binding key.
func (b *Bridge) HandleInbound(ctx context.Context, msg types.InboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" && len(msg.FileIDs) == 0 {
		return nil
	}
	msg.Text = text

	if strings.HasPrefix(text, "/") {
		if handled, err := b.handleCommand(ctx, msg); handled {
			return err
		}
	}
	return b.forward(ctx, msg)
}

// forward is the regular inbound path: resolve the binding, enforce the
// streaming cap, subscribe, apply the optimistic local mutation, and push
// the chat frame through the outbox.
func (b *Bridge) forward(ctx context.Context, msg types.InboundMessage) error {
	id, err := b.index.ResolveOrCreate(ctx, msg.BindingKey)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	b.rememberBinding(id, msg.BindingKey)

	state := b.store.GetOrCreate(id)
	if !state.IsStreaming && b.store.StreamingCount() >= b.cfg.MaxStreaming {
		b.enqueueChannel(id, msg.BindingKey, "Too many conversations are busy right now. Try again in a moment.")
		return nil
	}

	b.client.Subscribe(string(id))
	b.maybeSetTitle(ctx, id, msg.Text)

	b.store.BeginSend(id, msg.Text)
	b.appendLocal(ctx, id, msg.Text)

	job := outbox.NewJob(id, wire.NewChat(string(id), msg.Text, msg.FileIDs...))
	key := msg.BindingKey
	job.OnFailed = func(error) {
		b.enqueueChannel(id, key, "Your message could not be delivered to the agent. Please try again.")
	}
	if err := b.server.Enqueue(job); err != nil {
		return fmt.Errorf("enqueue chat frame: %w", err)
	}
	return nil
}

// handleCommand answers the bridge's local slash commands. Unknown
// commands are not handled here; they forward to the agent untouched.
func (b *Bridge) handleCommand(ctx context.Context, msg types.InboundMessage) (bool, error) {
	cmd, rest := splitCommand(msg.Text)

	switch cmd {
	case "/new":
		id, err := b.index.Rebind(ctx, msg.BindingKey)
		if err != nil {
			return true, fmt.Errorf("rebind conversation: %w", err)
		}
		b.rememberBinding(id, msg.BindingKey)
		b.client.Subscribe(string(id))
		b.enqueueChannel(id, msg.BindingKey, "Started a fresh conversation.")
		return true, nil

	case "/status":
		id, err := b.index.ResolveOrCreate(ctx, msg.BindingKey)
		if err != nil {
			return true, fmt.Errorf("resolve conversation: %w", err)
		}
		b.rememberBinding(id, msg.BindingKey)
		b.enqueueChannel(id, msg.BindingKey, b.renderer.Status(b.store.GetOrCreate(id)))
		return true, nil

	case "/tasks":
		id, err := b.index.ResolveOrCreate(ctx, msg.BindingKey)
		if err != nil {
			return true, fmt.Errorf("resolve conversation: %w", err)
		}
		b.rememberBinding(id, msg.BindingKey)
		b.enqueueChannel(id, msg.BindingKey, render.Tasks(b.store.GetOrCreate(id)))
		return true, nil

	case "/quote":
		return true, b.handleQuote(ctx, msg, rest)

	default:
		return false, nil
	}
}

// handleQuote fetches a page as markdown and forwards it as the message
// body, with any trailing text as the user's comment.
func (b *Bridge) handleQuote(ctx context.Context, msg types.InboundMessage, rest string) error {
	if rest == "" {
		b.notify(ctx, msg.BindingKey, "Usage: /quote <url> [message]")
		return nil
	}
	url, comment := splitCommand(rest)

	quoted, err := b.quotes.Quote(ctx, url)
	if err != nil {
		b.log.Warn("quote fetch failed", "url", url, "error", err)
		b.notify(ctx, msg.BindingKey, fmt.Sprintf("Could not read %s: %v", url, err))
		return nil
	}

	composed := "Quoted from " + url + ":\n\n" + quoted
	if comment != "" {
		composed += "\n\n" + comment
	}
	msg.Text = composed
	return b.forward(ctx, msg)
}

// onEnvelope persists and applies every server envelope.
func (b *Bridge) onEnvelope(env wire.Envelope) {
	if env.ConversationID == "" {
		return
	}
	id := types.ConversationID(env.ConversationID)
	ctx := context.Background()

	entry := &types.TranscriptEntry{At: time.Now()}
	entry.ArtifactID = b.extractObserveOverflow(ctx, id, &env)
	entry.Envelope = env

	if err := b.transcript.Append(ctx, id, entry); err != nil {
		b.log.Warn("append transcript", "conversation_id", env.ConversationID, "error", err)
	}

	b.store.ApplyEvent(env)
}

// extractObserveOverflow moves an oversized tool output into the artifact
// store, rewriting the envelope's inline copy to a truncated marker so the
// transcript stays bounded while replay still decodes the payload.
func (b *Bridge) extractObserveOverflow(ctx context.Context, id types.ConversationID, env *wire.Envelope) types.ArtifactID {
	if env.Type != wire.EventObserve || len(env.Data) <= artifactThreshold {
		return ""
	}
	p, err := wire.DecodePayload[wire.ObservePayload](*env)
	if err != nil || len(p.Output) <= artifactThreshold {
		return ""
	}
	artID, err := b.artifacts.Put(ctx, id, env.Type, p.Output)
	if err != nil {
		b.log.Warn("store overflow artifact", "conversation_id", env.ConversationID, "error", err)
		return ""
	}
	p.Output = p.Output[:artifactThreshold] + "\n[truncated, see artifact " + string(artID) + "]"
	data, err := json.Marshal(p)
	if err != nil {
		return artID
	}
	env.Data = data
	return artID
}

// onStateChange delivers a reply to the bound channel when a turn
// completes or a new ask needs the user's input.
func (b *Bridge) onStateChange(id types.ConversationID, state conversation.State) {
	key := b.bindingFor(id)
	if key.Channel() == "" {
		return
	}

	ask, askPending := state.PendingSummary()

	b.mu.Lock()
	mark := b.delivered[id]
	turnDone := state.CompletedTurns > mark.turns
	newAsk := askPending && ask.RequestID != mark.ask
	if turnDone {
		mark.turns = state.CompletedTurns
	}
	if askPending {
		mark.ask = ask.RequestID
	} else {
		mark.ask = ""
	}
	b.delivered[id] = mark
	b.mu.Unlock()

	if !turnDone && !newAsk {
		return
	}

	var text string
	if turnDone {
		text = b.renderer.Reply(state)
		b.touchIndex(id)
	} else {
		text = render.Ask(ask)
	}
	if text == "" {
		return
	}
	b.enqueueChannel(id, key, text)
}

// enqueueChannel queues a rendered message for channel delivery, moving
// oversized content into the artifact store first.
func (b *Bridge) enqueueChannel(id types.ConversationID, key types.BindingKey, text string) {
	if len(text) > artifactThreshold {
		artID, err := b.artifacts.Put(context.Background(), id, "render", text)
		if err != nil {
			b.log.Warn("store overflow artifact", "conversation_id", string(id), "error", err)
		} else {
			text = text[:artifactThreshold] + "\n[truncated, see artifact " + string(artID) + "]"
		}
	}
	job := outbox.NewJob(id, channelMessage{key: key, text: text})
	if err := b.channels.Enqueue(job); err != nil {
		b.log.Error("enqueue channel delivery", "conversation_id", string(id), "error", err)
	}
}

// notify resolves the binding and queues a short notice to its channel.
func (b *Bridge) notify(ctx context.Context, key types.BindingKey, text string) {
	id, err := b.index.ResolveOrCreate(ctx, key)
	if err != nil {
		b.log.Warn("resolve conversation for notice", "binding_key", string(key), "error", err)
		return
	}
	b.rememberBinding(id, key)
	b.enqueueChannel(id, key, text)
}

func (b *Bridge) rememberBinding(id types.ConversationID, key types.BindingKey) {
	b.mu.Lock()
	b.bindings[id] = key
	b.mu.Unlock()
}

func (b *Bridge) bindingFor(id types.ConversationID) types.BindingKey {
	b.mu.Lock()
	key, ok := b.bindings[id]
	b.mu.Unlock()
	if ok {
		return key
	}
	conv, err := b.index.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	b.rememberBinding(id, conv.BindingKey)
	return conv.BindingKey
}

// touchIndex records turn completion on the persistent index.
func (b *Bridge) touchIndex(id types.ConversationID) {
	ctx := context.Background()
	conv, err := b.index.Get(ctx, id)
	if err != nil {
		return
	}
	if n, err := b.transcript.Count(ctx, id); err == nil {
		conv.LastEventSeq = n
	}
	if err := b.index.Update(ctx, conv); err != nil {
		b.log.Warn("update conversation index", "conversation_id", string(id), "error", err)
	}
}

// maybeSetTitle derives a title from the first message of a conversation.
func (b *Bridge) maybeSetTitle(ctx context.Context, id types.ConversationID, text string) {
	conv, err := b.index.Get(ctx, id)
	if err != nil || conv.Title != "" {
		return
	}
	conv.Title = titleFrom(text)
	if err := b.index.Update(ctx, conv); err != nil {
		b.log.Warn("update conversation title", "conversation_id", string(id), "error", err)
	}
}

func (b *Bridge) appendLocal(ctx context.Context, id types.ConversationID, text string) {
	data, err := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: text})
	if err != nil {
		return
	}
	entry := &types.TranscriptEntry{
		At: time.Now(),
		Envelope: wire.Envelope{
			Type:           wire.FrameChat,
			ConversationID: string(id),
			Data:           data,
		},
	}
	if err := b.transcript.Append(ctx, id, entry); err != nil {
		b.log.Warn("append transcript", "conversation_id", string(id), "error", err)
	}
}

// splitCommand splits "word rest..." on the first whitespace.
func splitCommand(text string) (string, string) {
	if i := strings.IndexAny(text, " \n\t"); i > 0 {
		return text[:i], strings.TrimSpace(text[i+1:])
	}
	return text, ""
}

func titleFrom(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	const maxTitle = 48
	runes := []rune(title)
	if len(runes) > maxTitle {
		title = strings.TrimSpace(string(runes[:maxTitle])) + "..."
	}
	return title
}
