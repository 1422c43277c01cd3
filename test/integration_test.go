//go:build integration

package test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/user/flowsync/internal/bridge"
	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/dispatch"
	"github.com/user/flowsync/internal/history"
	"github.com/user/flowsync/internal/outbox"
	"github.com/user/flowsync/internal/render"
	"github.com/user/flowsync/internal/replay"
	"github.com/user/flowsync/internal/types"
	"github.com/user/flowsync/pkg/wire"
)

// fakeRealtime stands in for the websocket client at the server edge.
type fakeRealtime struct {
	mu     sync.Mutex
	frames []wire.ChatFrame
	subs   []string
}

func (f *fakeRealtime) Send(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chat, ok := v.(wire.ChatFrame); ok {
		f.frames = append(f.frames, chat)
	}
	return true
}

func (f *fakeRealtime) Subscribe(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, conversationID)
	return true
}

func (f *fakeRealtime) chatFrames() []wire.ChatFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ChatFrame(nil), f.frames...)
}

type pipeline struct {
	bridge      *bridge.Bridge
	client      *fakeRealtime
	router      *dispatch.Router
	live        *conversation.Store
	index       *history.IndexStore
	transcripts *history.TranscriptStore
	delivered   chan string
}

// startPipeline wires the full daemon stack over dir, minus the real
// websocket and channel SDKs. Replay warming runs before the bridge
// starts, matching serve.
func startPipeline(t *testing.T, dir string) *pipeline {
	t.Helper()

	p := &pipeline{
		client:      &fakeRealtime{},
		router:      dispatch.NewRouter(),
		live:        conversation.NewStore(),
		index:       history.NewIndexStore(dir),
		transcripts: history.NewTranscriptStore(dir),
		delivered:   make(chan string, 16),
	}
	artifacts := history.NewArtifactStore(dir)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := replay.Warm(ctx, p.index, p.transcripts, p.live); err != nil {
		cancel()
		t.Fatalf("warm: %v", err)
	}

	registry := bridge.NewRegistry()
	registry.Register("telegram", func(key types.BindingKey, message string) error {
		p.delivered <- message
		return nil
	})

	p.bridge = bridge.New(bridge.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Retry:  &outbox.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Millisecond},
	}, p.client, p.router, p.live, p.index, p.transcripts, artifacts, registry, render.New(nil, 0))
	p.bridge.Start(ctx)
	t.Cleanup(func() {
		p.bridge.Stop()
		cancel()
	})
	return p
}

func (p *pipeline) route(t *testing.T, id types.ConversationID, eventType string, payload any) {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		data = raw
	}
	p.router.Route(wire.Envelope{Type: eventType, ConversationID: string(id), Data: data})
}

func (p *pipeline) waitDelivery(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-p.delivered:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for channel delivery")
		return ""
	}
}

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	p := startPipeline(t, dir)
	ctx := context.Background()

	key := types.NewBindingKey("telegram", "100")
	msg := types.InboundMessage{Source: "telegram", BindingKey: key, UserID: "u1", Text: "summarize the build failures"}
	if err := p.bridge.HandleInbound(ctx, msg); err != nil {
		t.Fatal(err)
	}

	frames := p.client.chatFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 chat frame, got %d", len(frames))
	}
	if frames[0].Message != "summarize the build failures" {
		t.Errorf("unexpected frame message %q", frames[0].Message)
	}
	id := types.ConversationID(frames[0].ConversationID)

	// Stream a turn back from the server.
	p.route(t, id, wire.EventMessageStart, nil)
	p.route(t, id, wire.EventMessageDelta, wire.DeltaPayload{Content: "Two jobs failed: "})
	p.route(t, id, wire.EventMessageDelta, wire.DeltaPayload{Content: "lint and unit."})
	p.route(t, id, wire.EventMessageEnd, nil)
	p.route(t, id, wire.EventComplete, wire.CompletePayload{})

	reply := p.waitDelivery(t)
	if reply != "Two jobs failed: lint and unit." {
		t.Errorf("unexpected reply %q", reply)
	}

	// Conversation is indexed under the binding key with a transcript.
	conv, err := p.index.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if conv.ConversationID != id {
		t.Errorf("index points at %s, want %s", conv.ConversationID, id)
	}
	count, err := p.transcripts.Count(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if count < 5 {
		t.Errorf("expected at least 5 transcript entries, got %d", count)
	}
}

func TestEndToEndRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := types.NewBindingKey("telegram", "100")

	p := startPipeline(t, dir)
	if err := p.bridge.HandleInbound(ctx, types.InboundMessage{Source: "telegram", BindingKey: key, Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	id := types.ConversationID(p.client.chatFrames()[0].ConversationID)
	p.route(t, id, wire.EventMessageDelta, wire.DeltaPayload{Content: "First answer."})
	p.route(t, id, wire.EventComplete, wire.CompletePayload{})
	if got := p.waitDelivery(t); got != "First answer." {
		t.Fatalf("unexpected first reply %q", got)
	}
	p.bridge.Stop()

	// A fresh pipeline over the same data dir replays the stored
	// transcript without re-delivering the finished turn.
	p2 := startPipeline(t, dir)
	state, ok := p2.live.Get(id)
	if !ok {
		t.Fatal("expected warmed state after restart")
	}
	if state.Message != "First answer." || state.CompletedTurns != 1 {
		t.Errorf("warmed state = %q turns=%d", state.Message, state.CompletedTurns)
	}
	select {
	case msg := <-p2.delivered:
		t.Fatalf("unexpected delivery on restart: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}

	// The next turn picks up where the last one left off.
	if err := p2.bridge.HandleInbound(ctx, types.InboundMessage{Source: "telegram", BindingKey: key, Text: "and now?"}); err != nil {
		t.Fatal(err)
	}
	p2.route(t, id, wire.EventMessageDelta, wire.DeltaPayload{Content: "Second answer."})
	p2.route(t, id, wire.EventComplete, wire.CompletePayload{})
	if got := p2.waitDelivery(t); got != "Second answer." {
		t.Errorf("unexpected second reply %q", got)
	}
}
