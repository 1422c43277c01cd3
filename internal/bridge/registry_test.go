package bridge

import (
	"errors"
	"strings"
	"testing"

	"github.com/user/flowsync/internal/types"
)

func TestRegistryDeliver(t *testing.T) {
	reg := NewRegistry()

	var gotKey types.BindingKey
	var gotMessage string
	reg.Register("telegram", func(key types.BindingKey, message string) error {
		gotKey = key
		gotMessage = message
		return nil
	})

	if err := reg.Deliver("telegram:42", "hi there"); err != nil {
		t.Fatal(err)
	}
	if gotKey != "telegram:42" || gotMessage != "hi there" {
		t.Errorf("expected adapter to receive the delivery, got %s %q", gotKey, gotMessage)
	}
}

func TestRegistryUnknownChannel(t *testing.T) {
	reg := NewRegistry()
	reg.Register("telegram", func(types.BindingKey, string) error { return nil })

	err := reg.Deliver("lark:oc_1", "hello")
	if err == nil || !strings.Contains(err.Error(), "no adapter") {
		t.Errorf("expected no-adapter error, got %v", err)
	}

	if err := reg.Deliver("", "hello"); err == nil {
		t.Error("expected error for empty binding key")
	}
}

func TestRegistryAdapterError(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("chat unreachable")
	reg.Register("lark", func(types.BindingKey, string) error { return boom })

	if err := reg.Deliver("lark:oc_1", "hello"); !errors.Is(err, boom) {
		t.Errorf("expected adapter error surfaced, got %v", err)
	}
}

func TestRegistryReplace(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.Register("telegram", func(types.BindingKey, string) error { calls += 10; return nil })
	reg.Register("telegram", func(types.BindingKey, string) error { calls++; return nil })

	if err := reg.Deliver("telegram:1", "x"); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected the later registration to win, got calls=%d", calls)
	}
}
