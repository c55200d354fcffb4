package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"stagerun/internal/bootstrap"
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

	st, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	srv := server.New(st.Coordinator, logger)
	srv.History = st.History
	srv.Agents = st.Agents
	srv.Ledger = st.Ledger
	srv.Metrics = st.Metrics
	srv.WebhookSecret = cfg.WebhookSecret
	srv.AgentToken = cfg.AgentToken
	defer srv.Close()

	// Pipelines found in STAGERUN_PIPELINES_DIR are registered at startup.
	if dir := config.String("STAGERUN_PIPELINES_DIR", ""); dir != "" {
		preload(logger, srv, dir)
	}

	logger.Info("stagerun server starting",
		"agents", len(st.Agents.Agents()),
		"artifacts", cfg.ArtifactBackend,
		"ledger", cfg.LedgerPath,
		"ledger_blocks", st.Ledger.Len())
	if err := server.Serve(ctx, logger, "stagerun", cfg.Addr, srv.Routes()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func preload(logger *slog.Logger, srv *server.Server, dir string) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, _ := filepath.Glob(filepath.Join(dir, pattern))
		files = append(files, matches...)
	}
	for _, f := range files {
		def, err := core.LoadDefinition(f)
		if err != nil {
			logger.Warn("skipping pipeline", "file", f, "error", err)
			continue
		}
		srv.AddPipeline(def)
		logger.Info("pipeline loaded", "pipeline", def.ID, "file", f)
	}
}
