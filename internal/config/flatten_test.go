package config

import (
	"testing"
)

func TestFlatten_Simple(t *testing.T) {
	m := map[string]any{
		"a": "hello",
		"b": 42.0,
	}
	got := Flatten(m)
	if got["a"] != "hello" {
		t.Errorf("expected a=hello, got %v", got["a"])
	}
	if got["b"] != 42.0 {
		t.Errorf("expected b=42, got %v", got["b"])
	}
	if len(got) != 2 {
		t.Errorf("expected 2 keys, got %d", len(got))
	}
}

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"server": map[string]any{
			"url":   "wss://sync.example.com/realtime",
			"token": "tok-test123",
		},
		"log_level": "info",
	}
	got := Flatten(m)
	if got["server.url"] != "wss://sync.example.com/realtime" {
		t.Errorf("expected server.url, got %v", got["server.url"])
	}
	if got["server.token"] != "tok-test123" {
		t.Errorf("expected server.token=tok-test123, got %v", got["server.token"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_DeeplyNested(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "deep",
			},
		},
	}
	got := Flatten(m)
	if got["a.b.c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", got["a.b.c"])
	}
	if len(got) != 1 {
		t.Errorf("expected 1 key, got %d", len(got))
	}
}

func TestFlatten_EmptyMap(t *testing.T) {
	got := Flatten(map[string]any{})
	if len(got) != 0 {
		t.Errorf("expected 0 keys, got %d", len(got))
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{},
	}
	got := Flatten(m)
	if len(got) != 0 {
		t.Errorf("expected 0 keys (empty nested map produces nothing), got %d", len(got))
	}
}

func TestUnflatten_Simple(t *testing.T) {
	flat := map[string]any{
		"a": "hello",
		"b": 42.0,
	}
	got := Unflatten(flat)
	if got["a"] != "hello" {
		t.Errorf("expected a=hello, got %v", got["a"])
	}
	if got["b"] != 42.0 {
		t.Errorf("expected b=42, got %v", got["b"])
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"server.url":   "wss://sync.example.com/realtime",
		"server.token": "tok-test123",
		"log_level":    "info",
	}
	got := Unflatten(flat)
	server, ok := got["server"].(map[string]any)
	if !ok {
		t.Fatalf("expected server to be map, got %T", got["server"])
	}
	if server["url"] != "wss://sync.example.com/realtime" {
		t.Errorf("expected server.url, got %v", server["url"])
	}
	if server["token"] != "tok-test123" {
		t.Errorf("expected server.token=tok-test123, got %v", server["token"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}
}

func TestUnflatten_DeeplyNested(t *testing.T) {
	flat := map[string]any{
		"a.b.c": "deep",
	}
	got := Unflatten(flat)
	a, ok := got["a"].(map[string]any)
	if !ok {
		t.Fatalf("expected a to be map, got %T", got["a"])
	}
	b, ok := a["b"].(map[string]any)
	if !ok {
		t.Fatalf("expected a.b to be map, got %T", a["b"])
	}
	if b["c"] != "deep" {
		t.Errorf("expected a.b.c=deep, got %v", b["c"])
	}
}

func TestUnflatten_EmptyMap(t *testing.T) {
	got := Unflatten(map[string]any{})
	if len(got) != 0 {
		t.Errorf("expected 0 keys, got %d", len(got))
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"data_dir":  "/home/test/.flowsync",
		"log_level": "debug",
		"server": map[string]any{
			"url":   "wss://sync.example.com/realtime",
			"token": "tok-test123456",
		},
		"lark": map[string]any{
			"app_id":     "cli_abc",
			"app_secret": "lark-key-xyz",
		},
		"telegram": map[string]any{
			"token": "bot-token-abc",
		},
	}

	flat := Flatten(original)
	restored := Unflatten(flat)

	// Check top-level values
	if restored["data_dir"] != original["data_dir"] {
		t.Errorf("data_dir mismatch: %v != %v", restored["data_dir"], original["data_dir"])
	}
	if restored["log_level"] != original["log_level"] {
		t.Errorf("log_level mismatch: %v != %v", restored["log_level"], original["log_level"])
	}

	// Check nested values
	server := restored["server"].(map[string]any)
	origServer := original["server"].(map[string]any)
	if server["url"] != origServer["url"] {
		t.Errorf("server.url mismatch: %v != %v", server["url"], origServer["url"])
	}
	if server["token"] != origServer["token"] {
		t.Errorf("server.token mismatch: %v != %v", server["token"], origServer["token"])
	}

	lark := restored["lark"].(map[string]any)
	origLark := original["lark"].(map[string]any)
	if lark["app_secret"] != origLark["app_secret"] {
		t.Errorf("lark.app_secret mismatch: %v != %v", lark["app_secret"], origLark["app_secret"])
	}

	tg := restored["telegram"].(map[string]any)
	origTg := original["telegram"].(map[string]any)
	if tg["token"] != origTg["token"] {
		t.Errorf("telegram.token mismatch: %v != %v", tg["token"], origTg["token"])
	}
}

func TestMaskSecrets_AllSecrets(t *testing.T) {
	flat := map[string]any{
		"server.url":      "wss://sync.example.com/realtime",
		"server.token":    "tok-test123456",
		"lark.app_secret": "lrk-abcdef1234",
		"telegram.token":  "123456:ABCdefGHIjkl",
		"log_level":       "info",
	}
	got := MaskSecrets(flat)

	// Non-secret should be unchanged
	if got["server.url"] != "wss://sync.example.com/realtime" {
		t.Errorf("expected server.url unchanged, got %v", got["server.url"])
	}
	if got["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", got["log_level"])
	}

	// Secrets should be masked with last 4 chars
	if got["server.token"] != "***3456" {
		t.Errorf("expected server.token=***3456, got %v", got["server.token"])
	}
	if got["lark.app_secret"] != "***1234" {
		t.Errorf("expected lark.app_secret=***1234, got %v", got["lark.app_secret"])
	}
	if got["telegram.token"] != "***Ijkl" {
		t.Errorf("expected telegram.token=***Ijkl, got %v", got["telegram.token"])
	}
}

func TestMaskSecrets_EmptySecret(t *testing.T) {
	flat := map[string]any{
		"server.token": "",
	}
	got := MaskSecrets(flat)
	if got["server.token"] != "" {
		t.Errorf("expected empty string to remain empty, got %v", got["server.token"])
	}
}

func TestMaskSecrets_ShortSecret(t *testing.T) {
	flat := map[string]any{
		"server.token": "ab",
	}
	got := MaskSecrets(flat)
	if got["server.token"] != "***ab" {
		t.Errorf("expected ***ab for short secret, got %v", got["server.token"])
	}
}

func TestMaskSecrets_ExactlyFourChars(t *testing.T) {
	flat := map[string]any{
		"server.token": "abcd",
	}
	got := MaskSecrets(flat)
	if got["server.token"] != "***abcd" {
		t.Errorf("expected ***abcd for 4-char secret, got %v", got["server.token"])
	}
}

func TestMaskSecrets_NoSecretKeys(t *testing.T) {
	flat := map[string]any{
		"log_level":  "debug",
		"data_dir":   "/tmp",
		"server.url": "ws://localhost:8420/realtime",
	}
	got := MaskSecrets(flat)
	if got["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", got["log_level"])
	}
	if got["data_dir"] != "/tmp" {
		t.Errorf("expected data_dir=/tmp, got %v", got["data_dir"])
	}
	if got["server.url"] != "ws://localhost:8420/realtime" {
		t.Errorf("expected server.url unchanged, got %v", got["server.url"])
	}
}

func TestFlatten_MixedTypes(t *testing.T) {
	m := map[string]any{
		"str":   "hello",
		"num":   42.0,
		"bool":  true,
		"float": 3.14,
		"nested": map[string]any{
			"val": "inside",
		},
	}
	got := Flatten(m)
	if got["str"] != "hello" {
		t.Errorf("expected str=hello, got %v", got["str"])
	}
	if got["num"] != 42.0 {
		t.Errorf("expected num=42, got %v", got["num"])
	}
	if got["bool"] != true {
		t.Errorf("expected bool=true, got %v", got["bool"])
	}
	if got["float"] != 3.14 {
		t.Errorf("expected float=3.14, got %v", got["float"])
	}
	if got["nested.val"] != "inside" {
		t.Errorf("expected nested.val=inside, got %v", got["nested.val"])
	}
}
