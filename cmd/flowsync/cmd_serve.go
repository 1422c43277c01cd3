package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowsync/internal/bridge"
	"github.com/user/flowsync/internal/control"
	"github.com/user/flowsync/internal/conversation"
	"github.com/user/flowsync/internal/dispatch"
	"github.com/user/flowsync/internal/history"
	"github.com/user/flowsync/internal/lark"
	"github.com/user/flowsync/internal/realtime"
	"github.com/user/flowsync/internal/render"
	"github.com/user/flowsync/internal/replay"
	"github.com/user/flowsync/internal/scheduler"
	"github.com/user/flowsync/internal/telegram"
	"github.com/user/flowsync/internal/tokens"
	"github.com/user/flowsync/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the flowsync daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "flowsync.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Write PID file
	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	index := history.NewIndexStore(cfg.DataDir)
	transcripts := history.NewTranscriptStore(cfg.DataDir)
	artifacts := history.NewArtifactStore(cfg.DataDir)
	taskStore := history.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))

	// Live state, rebuilt from stored transcripts before any watcher or
	// adapter is wired so hydration cannot trigger deliveries.
	live := conversation.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	warmed, err := replay.Warm(ctx, index, transcripts, live)
	if err != nil {
		return fmt.Errorf("replay conversations: %w", err)
	}

	// Event router and realtime connection
	router := dispatch.NewRouter()
	client := realtime.NewClient(realtime.Config{
		URL:                  cfg.Server.URL,
		Token:                cfg.Server.Token,
		AllowAnonymous:       cfg.Realtime.AllowAnonymous,
		ReconnectDelay:       time.Duration(cfg.Realtime.ReconnectDelayMS) * time.Millisecond,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		HeartbeatInterval:    time.Duration(cfg.Realtime.HeartbeatIntervalMS) * time.Millisecond,
		HandshakeTimeout:     time.Duration(cfg.Realtime.HandshakeTimeoutMS) * time.Millisecond,
	}, realtime.ReceiverFunc(router.Route))
	defer client.Disconnect()

	// Renderer
	renderer := render.New(tokens.ForModel(cfg.Render.Model), cfg.Render.MaxReplyTokens)

	// Channel adapter registry and the bridge itself
	registry := bridge.NewRegistry()
	br := bridge.New(bridge.Config{MaxStreaming: cfg.MaxStreaming},
		client, router, live, index, transcripts, artifacts, registry, renderer)
	br.Start(ctx)
	defer br.Stop()

	slog.Info("flowsync started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"server_url", cfg.Server.URL,
		"max_streaming", cfg.MaxStreaming,
		"replayed", warmed,
		"pid_file", pidPath,
	)

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram.Token, br.HandleInbound, slog.Default())
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go tg.Start(ctx)
		registry.Register("telegram", tg.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Lark adapter
	if cfg.Lark.AppID != "" {
		lk, err := lark.New(lark.Config{
			AppID:       cfg.Lark.AppID,
			AppSecret:   cfg.Lark.AppSecret,
			BaseDomain:  cfg.Lark.BaseDomain,
			AllowGroups: cfg.Lark.AllowGroups,
			AllowDirect: cfg.Lark.AllowDirect,
			Logger:      slog.Default(),
		}, br.HandleInbound)
		if err != nil {
			return fmt.Errorf("create lark adapter: %w", err)
		}
		go func() {
			if err := lk.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("lark adapter stopped", "error", err)
			}
		}()
		registry.Register("lark", lk.Deliver)
		slog.Info("lark adapter started")
	} else {
		slog.Warn("lark adapter disabled (no app_id)")
	}

	// Connect to the agent server. Reconnects after a drop are the
	// client's job; this loop only covers the initial dial.
	go func() {
		for {
			err := client.Connect(ctx)
			if err == nil {
				return
			}
			slog.Warn("realtime connect failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	// Scheduler: cron prompts are injected as inbound messages, so
	// replies flow to the task's bound channel like any other turn.
	sched := scheduler.New(taskStore, func(key types.BindingKey, prompt string) {
		msg := types.InboundMessage{
			Source:     "task",
			BindingKey: key,
			UserID:     "scheduler",
			Text:       prompt,
		}
		if err := br.HandleInbound(ctx, msg); err != nil {
			slog.Error("cron task failed", "binding_key", string(key), "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started")

	// Control HTTP server
	if cfg.HTTP.Enabled {
		inject := func(ctx context.Context, key types.BindingKey, prompt string) error {
			return br.HandleInbound(ctx, types.InboundMessage{
				Source:     "api",
				BindingKey: key,
				UserID:     "api",
				Text:       prompt,
			})
		}
		ctrl := control.NewServer(taskStore, inject, index, transcripts, artifacts, live)
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: ctrl,
		}
		go func() {
			slog.Info("control server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("control server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				// Re-write PID file since we failed to re-exec
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
