package config

import (
	"os"
	"path/filepath"

	"github.com/kifi/eddie/internal/cache"
	"github.com/kifi/eddie/internal/engine"
	"github.com/kifi/eddie/internal/health"
	"github.com/kifi/eddie/internal/remote"
	"github.com/kifi/eddie/internal/service"
	"github.com/kifi/eddie/internal/store"
)

const (
	defaultBucket = "fortytwo-builds"
	defaultRegion = "us-west-1"
	defaultHome   = "/home/fortytwo"
)

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	cfg := &Config{Version: 1}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}

	if cfg.Store.Type == "" {
		cfg.Store.Type = "s3"
	}
	if cfg.Store.Type == "s3" {
		cfg.Store.Bucket = or(cfg.Store.Bucket, defaultBucket)
		cfg.Store.Region = or(cfg.Store.Region, defaultRegion)
	}

	cfg.Paths.Work = or(cfg.Paths.Work, filepath.Join(defaultHome, "repo"))
	cfg.Paths.Run = or(cfg.Paths.Run, filepath.Join(defaultHome, "run"))
	cfg.Paths.Holding = or(cfg.Paths.Holding, filepath.Join(defaultHome, "old"))
	cfg.Paths.LockDir = or(cfg.Paths.LockDir, filepath.Join(os.TempDir(), "eddie"))

	if cfg.Retention.Active == 0 {
		cfg.Retention.Active = cache.DefaultKeep
	}
	if cfg.Retention.Holding == 0 {
		cfg.Retention.Holding = cache.DefaultHoldingKeep
	}

	cfg.Service.Control = or(cfg.Service.Control, service.DefaultControl)

	cfg.Health.URL = or(cfg.Health.URL, health.DefaultURL)
	if cfg.Health.Timeout == 0 {
		cfg.Health.Timeout = Duration(health.DefaultTimeout)
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = Duration(health.DefaultInterval)
	}
	if cfg.Health.Progress == 0 {
		cfg.Health.Progress = Duration(health.DefaultProgress)
	}

	cfg.SSH.User = or(cfg.SSH.User, remote.DefaultUser)
	if cfg.SSH.Port == 0 {
		cfg.SSH.Port = remote.DefaultPort
	}
	cfg.SSH.Command = or(cfg.SSH.Command, engine.DefaultRemoteCommand)

	if cfg.Upload.Workers == 0 {
		cfg.Upload.Workers = store.DefaultUploadWorkers
	}
	if cfg.Upload.Retries == 0 {
		cfg.Upload.Retries = store.DefaultUploadRetries
	}
	if cfg.Upload.RetryDelay == 0 {
		cfg.Upload.RetryDelay = Duration(store.DefaultUploadRetryDelay)
	}

	if cfg.Registry.Type == "" {
		cfg.Registry.Type = "ec2"
	}
	if cfg.Registry.Type == "ec2" {
		cfg.Registry.Region = or(cfg.Registry.Region, cfg.Store.Region)
		cfg.Registry.Region = or(cfg.Registry.Region, defaultRegion)
	}
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
