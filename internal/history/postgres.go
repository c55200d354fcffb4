package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"stagerun/internal/config"
	"stagerun/internal/core"
)

// DB is the subset of *sql.DB the store needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	schemaQuery = `CREATE TABLE IF NOT EXISTS build_counters (
		pipeline_id TEXT NOT NULL,
		stage_id TEXT NOT NULL,
		last_number BIGINT NOT NULL,
		PRIMARY KEY (pipeline_id, stage_id)
	);
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		ref TEXT NOT NULL,
		branch TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		snapshot JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS runs_pipeline_created_idx ON runs (pipeline_id, created_at DESC)`

	nextBuildNumberQuery = `INSERT INTO build_counters (pipeline_id, stage_id, last_number)
	 VALUES ($1, $2, 1)
	 ON CONFLICT (pipeline_id, stage_id) DO UPDATE SET last_number = build_counters.last_number + 1
	 RETURNING last_number`

	upsertRunQuery = `INSERT INTO runs (run_id, pipeline_id, ref, branch, commit_sha, status, created_at, finished_at, snapshot)
	 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	 ON CONFLICT (run_id) DO UPDATE SET status = EXCLUDED.status, finished_at = EXCLUDED.finished_at, snapshot = EXCLUDED.snapshot`

	selectRunQuery = `SELECT snapshot FROM runs WHERE run_id = $1`

	listRunsQuery = `SELECT snapshot FROM runs
	 WHERE ($1 = '' OR pipeline_id = $1)
	 ORDER BY created_at DESC, run_id ASC
	 LIMIT $2`
)

// PostgresStore keeps history in PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	if db == nil {
		return nil
	}
	return &PostgresStore{db: db}
}

// Open connects through the pgx stdlib driver and checks the connection.
func Open(ctx context.Context, url string, cfg config.DatabaseConfig) (*sql.DB, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("database url is required")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Migrate creates the tables when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store not initialized")
	}
	if _, err := s.db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("migrate history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) NextBuildNumber(ctx context.Context, pipelineID, stageID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("history store not initialized")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, nextBuildNumberQuery, pipelineID, stageID).Scan(&n); err != nil {
		return 0, fmt.Errorf("next build number for %s/%s: %w", pipelineID, stageID, err)
	}
	return n, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, snap core.Snapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store not initialized")
	}
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("run id is required")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run snapshot: %w", err)
	}
	var finishedAt sql.NullTime
	if !snap.FinishedAt.IsZero() {
		finishedAt = sql.NullTime{Time: snap.FinishedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, upsertRunQuery,
		snap.ID,
		snap.PipelineID,
		snap.VCS.Ref,
		snap.VCS.Branch,
		snap.VCS.Commit,
		string(snap.Status),
		snap.CreatedAt.UTC(),
		finishedAt,
		raw,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", snap.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (core.Snapshot, error) {
	if s == nil || s.db == nil {
		return core.Snapshot{}, fmt.Errorf("history store not initialized")
	}
	var raw []byte
	if err := s.db.QueryRowContext(ctx, selectRunQuery, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Snapshot{}, ErrNotFound
		}
		return core.Snapshot{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return decodeSnapshot(raw)
}

func (s *PostgresStore) ListRuns(ctx context.Context, pipelineID string, limit int) ([]core.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store not initialized")
	}
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx, listRunsQuery, pipelineID, lim)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []core.Snapshot
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func decodeSnapshot(raw []byte) (core.Snapshot, error) {
	var snap core.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return core.Snapshot{}, fmt.Errorf("decode run snapshot: %w", err)
	}
	return snap, nil
}
