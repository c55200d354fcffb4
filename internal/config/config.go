// Package config loads orchestrator settings from the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const (
	ArtifactBackendLocal = "local"
	ArtifactBackendMinio = "minio"
)

// Config holds the settings shared by the CLI, the server and the agent.
type Config struct {
	Addr         string
	DataDir      string
	WorkDir      string
	LogDir       string
	LedgerPath   string
	KeysDir      string
	LocalAgents  int
	AgentTags    map[string]string
	StepTimeout  time.Duration
	SecretPrefix string

	// WebhookSecret authenticates GitHub deliveries; empty disables the check.
	WebhookSecret string
	// AgentToken is shared by the server and remote agents to sign agent
	// traffic; empty disables the check.
	AgentToken string
	// ServerURL is where the CLI and agents reach the server.
	ServerURL string
	Agent     AgentConfig

	ArtifactBackend string
	ArtifactDir     string
	Minio           MinioConfig

	DatabaseURL string
	Database    DatabaseConfig
}

// AgentConfig configures a remote agent process.
type AgentConfig struct {
	ID   string
	Addr string
	// URL is the address the server dials back; defaults to http://<Addr>,
	// with localhost for a bare port.
	URL string
}

// MinioConfig configures the S3-compatible artifact backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// DatabaseConfig configures the PostgreSQL history store.
type DatabaseConfig struct {
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// FromEnv reads STAGERUN_* variables, falling back to defaults rooted at
// ./.stagerun.
func FromEnv() (Config, error) {
	dataDir := String("STAGERUN_DATA_DIR", ".stagerun")

	localAgents, err := Int("STAGERUN_LOCAL_AGENTS", 2)
	if err != nil {
		return Config{}, err
	}
	stepTimeout, err := Duration("STAGERUN_STEP_TIMEOUT", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := Bool("STAGERUN_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	pingTimeout, err := Duration("STAGERUN_DATABASE_PING_TIMEOUT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxOpen, err := Int("STAGERUN_DATABASE_MAX_OPEN_CONNS", 10)
	if err != nil {
		return Config{}, err
	}
	maxIdle, err := Int("STAGERUN_DATABASE_MAX_IDLE_CONNS", 5)
	if err != nil {
		return Config{}, err
	}
	lifetime, err := Duration("STAGERUN_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute)
	if err != nil {
		return Config{}, err
	}

	addr := String("STAGERUN_ADDR", "")
	if addr == "" {
		addr = ":" + String("PORT", "8080")
	}

	cfg := Config{
		Addr:         addr,
		DataDir:      dataDir,
		WorkDir:      String("STAGERUN_WORK_DIR", filepath.Join(dataDir, "work")),
		LogDir:       String("STAGERUN_LOG_DIR", filepath.Join(dataDir, "logs")),
		LedgerPath:   String("STAGERUN_LEDGER_PATH", filepath.Join(dataDir, "ledger.jsonl")),
		KeysDir:      String("STAGERUN_KEYS_DIR", filepath.Join(dataDir, "keys")),
		LocalAgents:  localAgents,
		AgentTags:    Tags("STAGERUN_AGENT_TAGS", ""),
		StepTimeout:  stepTimeout,
		SecretPrefix: String("STAGERUN_SECRET_PREFIX", ""),

		WebhookSecret: String("STAGERUN_WEBHOOK_SECRET", ""),
		AgentToken:    String("STAGERUN_AGENT_TOKEN", ""),
		ServerURL:     strings.TrimRight(String("STAGERUN_SERVER_URL", "http://localhost:8080"), "/"),
		Agent: AgentConfig{
			ID:   String("STAGERUN_AGENT_ID", ""),
			Addr: String("STAGERUN_AGENT_ADDR", "127.0.0.1:9090"),
			URL:  String("STAGERUN_AGENT_URL", ""),
		},

		ArtifactBackend: strings.ToLower(String("STAGERUN_ARTIFACT_BACKEND", ArtifactBackendLocal)),
		ArtifactDir:     String("STAGERUN_ARTIFACT_DIR", filepath.Join(dataDir, "artifacts")),
		Minio: MinioConfig{
			Endpoint:  String("STAGERUN_MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: String("STAGERUN_MINIO_ACCESS_KEY", ""),
			SecretKey: String("STAGERUN_MINIO_SECRET_KEY", ""),
			Region:    String("STAGERUN_MINIO_REGION", "us-east-1"),
			UseSSL:    useSSL,
			Bucket:    String("STAGERUN_MINIO_BUCKET", "stagerun-artifacts"),
		},

		DatabaseURL: String("STAGERUN_DATABASE_URL", ""),
		Database: DatabaseConfig{
			PingTimeout:     pingTimeout,
			MaxOpenConns:    maxOpen,
			MaxIdleConns:    maxIdle,
			ConnMaxLifetime: lifetime,
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.LocalAgents < 0 {
		return fmt.Errorf("local agents must be >= 0, got %d", c.LocalAgents)
	}
	if c.StepTimeout <= 0 {
		return errors.New("step timeout must be positive")
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("work dir is required")
	}
	switch c.ArtifactBackend {
	case ArtifactBackendLocal:
		if strings.TrimSpace(c.ArtifactDir) == "" {
			return errors.New("artifact dir is required for the local backend")
		}
	case ArtifactBackendMinio:
		if err := c.Minio.Validate(); err != nil {
			return fmt.Errorf("minio: %w", err)
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.ArtifactBackend)
	}
	return nil
}

func (c MinioConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}
