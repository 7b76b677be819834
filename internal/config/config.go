package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	c "aiofile/internal"
	"aiofile/internal/iomgr"
)

const (
	ENV_BACKEND      = "AIOFILE_BACKEND"
	ENV_WORKERS      = "AIOFILE_WORKERS"
	ENV_POOL_WORKERS = "AIOFILE_POOL_WORKERS"
	ENV_RING_ENTRIES = "AIOFILE_RING_ENTRIES"
	ENV_BUF_SIZE     = "AIOFILE_BUF_SIZE"
	ENV_LOG_LEVEL    = "AIOFILE_LOG_LEVEL"
)

type Config struct {
	Backend  iomgr.Backend // which kernel facility carries the I/O
	Workers  int           // reactor loop workers running continuations
	Kernel   iomgr.Options // ring size and pool workers
	BufSize  int           // bytes per streaming read, rounded up to whole pages
	LogLevel slog.Level
}

func Default() *Config {
	return &Config{
		Backend:  iomgr.BackendAuto,
		Workers:  runtime.GOMAXPROCS(0),
		Kernel:   iomgr.DefaultOptions(),
		BufSize:  c.STREAM_BUF_SIZE,
		LogLevel: slog.LevelInfo,
	}
}

// ParseConfigFromEnv reads AIOFILE_* variables over the defaults. Unset or empty variables keep
// the default; malformed ones are an error.
func ParseConfigFromEnv() (*Config, error) {
	cfg := Default()

	if s := env(ENV_BACKEND); s != "" {
		b, err := iomgr.ParseBackend(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ENV_BACKEND, err)
		}
		cfg.Backend = b
	}

	var err error
	if cfg.Workers, err = positive(ENV_WORKERS, cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.Kernel.PoolWorkers, err = positive(ENV_POOL_WORKERS, cfg.Kernel.PoolWorkers); err != nil {
		return nil, err
	}

	if s := env(ENV_RING_ENTRIES); s != "" {
		u, err := strconv.ParseUint(s, 0, 32)
		if err != nil || u == 0 || u&(u-1) != 0 {
			return nil, fmt.Errorf("%s must be a power of two, got %q", ENV_RING_ENTRIES, s)
		}
		cfg.Kernel.RingEntries = uint32(u)
	}

	if cfg.BufSize, err = positive(ENV_BUF_SIZE, cfg.BufSize); err != nil {
		return nil, err
	}
	cfg.BufSize = (cfg.BufSize + c.OS_PAGE - 1) &^ (c.OS_PAGE - 1)

	if s := env(ENV_LOG_LEVEL); s != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(s)); err != nil {
			return nil, fmt.Errorf("%s: %w", ENV_LOG_LEVEL, err)
		}
	}

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func positive(key string, def int) (int, error) {
	s := env(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	return n, nil
}
