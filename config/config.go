// Package config loads process configuration from a .env file or the OS
// environment, the same fallback chain the teacher uses, generalized to
// any struct shape via generics.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// SubManConfig is the process-level tuning surface for a subman-based
// client: bootstrap relays, idle-reap grace, and unknown-id batching.
type SubManConfig struct {
	BootstrapRelays []string      `env:"BOOTSTRAP_RELAYS" envSeparator:";"`
	IdleGrace       time.Duration `env:"IDLE_GRACE" envDefault:"20s"`
	DebounceWindow  time.Duration `env:"UNKNOWN_IDS_DEBOUNCE" envDefault:"2s"`
	ChunkSize       int           `env:"UNKNOWN_IDS_CHUNK_SIZE" envDefault:"500"`
	NostrPrivateKey string        `env:"NOSTR_PRIVATE_KEY"`
}

// Load reads T from a home-directory .env file, falling back to a .env
// file in the current directory, falling back to the bare OS environment.
// Mirrors the teacher's LoadConfig fallback chain exactly.
func Load[T any]() (*T, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("config: could not resolve home directory, skipping home .env", "err", err)
		return loadFromEnv[T]()
	}

	if _, err := os.Stat(filepath.Join(homeDir, ".env")); err == nil {
		if err := godotenv.Load(filepath.Join(homeDir, ".env")); err != nil {
			slog.Warn("config: found home .env but failed to load it", "err", err)
		}
		return loadFromEnv[T]()
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Warn("config: found local .env but failed to load it", "err", err)
		}
	}
	return loadFromEnv[T]()
}

func loadFromEnv[T any]() (*T, error) {
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &cfg, nil
}
