package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"stagerun/internal/agent"
	"stagerun/internal/config"
	"stagerun/internal/core"
	"stagerun/internal/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	id := cfg.Agent.ID
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}
	url := cfg.Agent.URL
	if url == "" {
		url = "http://localhost" + cfg.Agent.Addr
		if !strings.HasPrefix(cfg.Agent.Addr, ":") {
			url = "http://" + cfg.Agent.Addr
		}
	}
	logger = logger.With("agent", id)

	reg := agent.Registration{ID: id, URL: url, Tags: cfg.AgentTags}
	go register(ctx, logger, cfg.ServerURL, cfg.AgentToken, reg)

	if cfg.AgentToken == "" {
		logger.Warn("STAGERUN_AGENT_TOKEN is empty; step requests are not authenticated", "addr", cfg.Agent.Addr)
	}
	handler := agent.Handler(core.NewLocalRunner(), cfg.AgentToken, logger)
	if err := server.Serve(ctx, logger, "stagerun-agent", cfg.Agent.Addr, handler); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

// register retries until the server accepts the agent or ctx ends.
func register(ctx context.Context, logger *slog.Logger, serverURL, token string, reg agent.Registration) {
	backoff := time.Second
	for {
		err := agent.Register(ctx, nil, serverURL, token, reg)
		if err == nil {
			logger.Info("registered with server", "server", serverURL, "url", reg.URL, "tags", agent.FormatRequirements(reg.Tags))
			return
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		logger.Warn("registration failed", "server", serverURL, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
