// internal/history/transcript_test.go
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/user/flowsync/internal/types"
	"github.com/user/flowsync/pkg/wire"
)

func testEntry(evType string, counter int64) *types.TranscriptEntry {
	return &types.TranscriptEntry{
		At: time.Now(),
		Envelope: wire.Envelope{
			Type:           evType,
			ConversationID: "c1",
			Data:           json.RawMessage(`{"content":"hi"}`),
			EventCounter:   counter,
		},
	}
}

func TestTranscriptStore(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	id := types.NewConversationID()

	if err := store.Append(ctx, id, testEntry(wire.EventMessageDelta, 1)); err != nil {
		t.Fatal(err)
	}

	entries, err := store.Tail(ctx, id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Seq != 1 {
		t.Errorf("expected seq 1, got %d", entries[0].Seq)
	}
	if entries[0].Envelope.Type != wire.EventMessageDelta {
		t.Errorf("expected type %s, got %s", wire.EventMessageDelta, entries[0].Envelope.Type)
	}

	count, err := store.Count(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected count 1, got %d", count)
	}
}

func TestTranscriptStoreSequencing(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	id := types.NewConversationID()
	for i := int64(1); i <= 3; i++ {
		if err := store.Append(ctx, id, testEntry(wire.EventMessageDelta, i)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.All(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.Seq != int64(i+1) {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+1, entry.Seq)
		}
		if entry.Envelope.EventCounter != int64(i+1) {
			t.Errorf("entry %d: expected counter %d, got %d", i, i+1, entry.Envelope.EventCounter)
		}
	}
}

func TestTranscriptStoreTailLimit(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	id := types.NewConversationID()
	for i := int64(1); i <= 5; i++ {
		if err := store.Append(ctx, id, testEntry(wire.EventMessageDelta, i)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := store.Tail(ctx, id, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 4 || entries[1].Seq != 5 {
		t.Errorf("expected seqs 4 and 5, got %d and %d", entries[0].Seq, entries[1].Seq)
	}
}

func TestTranscriptStoreIsolation(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	a := types.NewConversationID()
	b := types.NewConversationID()

	if err := store.Append(ctx, a, testEntry(wire.EventMessageDelta, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, b, testEntry(wire.EventComplete, 1)); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, b, testEntry(wire.EventComplete, 2)); err != nil {
		t.Fatal(err)
	}

	countA, err := store.Count(ctx, a)
	if err != nil {
		t.Fatal(err)
	}
	countB, err := store.Count(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if countA != 1 || countB != 2 {
		t.Errorf("expected counts 1 and 2, got %d and %d", countA, countB)
	}
}

func TestTranscriptStoreEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	entries, err := store.All(ctx, types.NewConversationID())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestTranscriptStoreLargeEntry(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	id := types.NewConversationID()

	// Well past bufio.Scanner's default 64KB token limit.
	big := make([]byte, 200*1024)
	for i := range big {
		big[i] = 'x'
	}
	payload, err := json.Marshal(map[string]string{"output": string(big)})
	if err != nil {
		t.Fatal(err)
	}
	entry := &types.TranscriptEntry{
		At: time.Now(),
		Envelope: wire.Envelope{
			Type:           wire.EventObserve,
			ConversationID: "c1",
			Data:           payload,
		},
	}
	if err := store.Append(ctx, id, entry); err != nil {
		t.Fatal(err)
	}

	entries, err := store.All(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if len(entries[0].Envelope.Data) < 200*1024 {
		t.Errorf("large payload truncated to %d bytes", len(entries[0].Envelope.Data))
	}
}

func TestTranscriptStoreConcurrentAppends(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir)
	ctx := context.Background()

	id := types.NewConversationID()
	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- store.Append(ctx, id, testEntry(fmt.Sprintf("type_%d", i), int64(i)))
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	count, err := store.Count(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if count != 10 {
		t.Errorf("expected count 10, got %d", count)
	}
	entries, err := store.All(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	for i, entry := range entries {
		if entry.Seq != int64(i+1) {
			t.Errorf("entry %d: expected seq %d, got %d", i, i+1, entry.Seq)
		}
	}
}
