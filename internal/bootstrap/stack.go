// Package bootstrap assembles the orchestrator from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"stagerun/internal/agent"
	"stagerun/internal/artifact"
	"stagerun/internal/config"
	"stagerun/internal/core"
	"stagerun/internal/history"
	"stagerun/internal/ledger"
	"stagerun/internal/metrics"
	"stagerun/internal/params"
	"stagerun/internal/security"
	"stagerun/internal/storage"
)

// Stack is a fully wired coordinator together with the stores it reports to.
type Stack struct {
	Coordinator *core.Coordinator
	Agents      *agent.Pool
	Artifacts   *artifact.Store
	History     history.Store
	Ledger      *ledger.Ledger
	Metrics     *metrics.Metrics

	closers []func() error
}

// Build wires every component named by cfg. The caller owns the stack and
// must Close it.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	st := &Stack{}

	backend, err := artifactBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("artifact backend: %w", err)
	}
	st.Artifacts = artifact.NewStore(backend)

	if cfg.DatabaseURL != "" {
		db, err := history.Open(ctx, cfg.DatabaseURL, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("history database: %w", err)
		}
		st.closers = append(st.closers, db.Close)
		pg := history.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		st.History = pg
		logger.Info("history store ready", "backend", "postgres")
	} else {
		st.History = history.NewMemoryStore()
	}

	_, priv, created, err := security.EnsureKeyPair(cfg.KeysDir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ledger keys: %w", err)
	}
	if created {
		logger.Info("generated ledger signing keys", "dir", cfg.KeysDir)
	}
	st.Ledger, err = ledger.Open(cfg.LedgerPath, priv)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	st.Metrics = metrics.New()
	st.Agents = agent.NewLocalPool(cfg.LocalAgents, cfg.AgentTags)

	st.Coordinator = &core.Coordinator{
		Executor: &core.StageExecutor{
			Artifacts:      st.Artifacts,
			Logs:           storage.NewLogStorage(cfg.LogDir),
			DefaultTimeout: cfg.StepTimeout,
			Logger:         logger,
		},
		Artifacts: st.Artifacts,
		Agents:    st.Agents,
		Params:    params.NewResolver(params.EnvSecrets{Prefix: cfg.SecretPrefix}),
		Counter:   st.History,
		Observers: []core.Observer{
			history.NewRecorder(st.History, logger),
			ledger.NewRecorder(st.Ledger, logger),
			st.Metrics,
		},
		Logger:  logger,
		WorkDir: cfg.WorkDir,
	}
	return st, nil
}

func artifactBackend(ctx context.Context, cfg config.Config) (artifact.Backend, error) {
	switch cfg.ArtifactBackend {
	case config.ArtifactBackendMinio:
		client, err := artifact.NewMinioClient(cfg.Minio)
		if err != nil {
			return nil, err
		}
		b, err := artifact.NewMinioBackend(client, cfg.Minio.Bucket)
		if err != nil {
			return nil, err
		}
		if err := b.EnsureBucket(ctx, cfg.Minio.Region); err != nil {
			return nil, err
		}
		return b, nil
	case config.ArtifactBackendLocal, "":
		b, err := artifact.NewLocalBackend(cfg.ArtifactDir)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

// Close releases the database connection, if any.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
