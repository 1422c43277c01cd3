package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir      string `json:"data_dir"`
	LogLevel     string `json:"log_level"`
	MaxStreaming int    `json:"max_streaming"`
	Server       struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	} `json:"server"`
	Realtime struct {
		ReconnectDelayMS     int  `json:"reconnect_delay_ms"`
		MaxReconnectAttempts int  `json:"max_reconnect_attempts"`
		HeartbeatIntervalMS  int  `json:"heartbeat_interval_ms"`
		HandshakeTimeoutMS   int  `json:"handshake_timeout_ms"`
		AllowAnonymous       bool `json:"allow_anonymous"`
	} `json:"realtime"`
	Lark struct {
		AppID       string `json:"app_id"`
		AppSecret   string `json:"app_secret"`
		BaseDomain  string `json:"base_domain,omitempty"`
		AllowGroups bool   `json:"allow_groups"`
		AllowDirect bool   `json:"allow_direct"`
	} `json:"lark"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Render struct {
		Model          string `json:"model"`
		MaxReplyTokens int    `json:"max_reply_tokens"`
	} `json:"render"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:      filepath.Join(os.Getenv("HOME"), ".flowsync"),
		MaxStreaming: 5,
	}
	cfg.LogLevel = "info"
	cfg.Server.URL = "ws://127.0.0.1:8420/realtime"
	cfg.Realtime.ReconnectDelayMS = 1000
	cfg.Realtime.MaxReconnectAttempts = 5
	cfg.Realtime.HeartbeatIntervalMS = 30000
	cfg.Realtime.HandshakeTimeoutMS = 10000
	cfg.Lark.AllowDirect = true
	cfg.HTTP.Listen = "127.0.0.1:8421"
	cfg.Render.Model = "gpt-4o"
	cfg.Render.MaxReplyTokens = 1200

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("FLOWSYNC_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if token := os.Getenv("FLOWSYNC_TOKEN"); token != "" {
		cfg.Server.Token = token
	}
	if appID := os.Getenv("LARK_APP_ID"); appID != "" {
		cfg.Lark.AppID = appID
	}
	if appSecret := os.Getenv("LARK_APP_SECRET"); appSecret != "" {
		cfg.Lark.AppSecret = appSecret
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}

// Save writes the full config back to path using the same atomic
// temp-then-rename scheme as the initial default write.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}
