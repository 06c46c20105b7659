package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vk/stagegrid/internal/artifact"
	"github.com/vk/stagegrid/internal/runstore"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	// Paths are pipeline files or directories.
	Paths []string

	LogFormat string
	LogLevel  string

	// WorkRoot holds run workspaces. KeepWorkspaces leaves them on disk
	// after their runs finish.
	WorkRoot       string
	KeepWorkspaces bool
	// Store selects run history: "memory", "sqlite:<path>" or a
	// postgres:// URL.
	Store string
	// Artifacts selects artifact storage: a directory, "memory" or
	// "s3://<bucket>[/<prefix>]" using S3 for the connection.
	Artifacts string
	S3        artifact.MinIOConfig

	// SecretPrefix names the environment variables secret references are
	// resolved from.
	SecretPrefix string

	// Serve settings.
	Addr             string
	Tick             time.Duration
	HeartbeatTimeout time.Duration
	Retention        runstore.Retention
	PruneEvery       time.Duration
	NotifyURL        string
	OTLPEndpoint     string
	OTLPInsecure     bool
	Version          string
}

// Defaults applied by NewConfig.
const (
	DefaultWorkRoot         = ".stagegrid/work"
	DefaultArtifacts        = ".stagegrid/artifacts"
	DefaultSecretPrefix     = "STAGEGRID_SECRET_"
	DefaultTick             = time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
)

// NewConfig validates cfg and fills in defaults.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.Paths) == 0 {
		return nil, errors.New("at least one pipeline path is required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = DefaultWorkRoot
	}
	if cfg.Store == "" {
		cfg.Store = "memory"
	}
	if cfg.Artifacts == "" {
		cfg.Artifacts = DefaultArtifacts
	}
	if cfg.SecretPrefix == "" {
		cfg.SecretPrefix = DefaultSecretPrefix
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if _, _, err := storeDriver(cfg.Store); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// storeDriver splits a Store setting into a runstore driver and DSN. The
// memory store has an empty driver.
func storeDriver(spec string) (driver, dsn string, err error) {
	switch {
	case spec == "memory":
		return "", "", nil
	case strings.HasPrefix(spec, "sqlite:"):
		dsn = strings.TrimPrefix(strings.TrimPrefix(spec, "sqlite:"), "//")
		if dsn == "" {
			return "", "", errors.New("sqlite store needs a path, e.g. sqlite:stagegrid.db")
		}
		return runstore.DriverSQLite, dsn, nil
	case strings.HasPrefix(spec, "postgres://"), strings.HasPrefix(spec, "postgresql://"):
		return runstore.DriverPostgres, spec, nil
	}
	return "", "", fmt.Errorf("unsupported store %q: want memory, sqlite:<path> or postgres://", spec)
}
