package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"webcinema/internal/logging"
)

// Duration is a time.Duration that unmarshals from TOML strings like "90s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BitrateCeilings caps the target bitrate per resolution tier, in bits/sec.
type BitrateCeilings struct {
	SD  int64 `toml:"sd"`  // <= 480p
	HD  int64 `toml:"hd"`  // <= 720p
	FHD int64 `toml:"fhd"` // <= 1080p
	UHD int64 `toml:"uhd"` // above 1080p
}

// Config holds all application configuration.
type Config struct {
	MediaDir string `toml:"media_dir"`
	CacheDir string `toml:"cache_dir"`
	Port     string `toml:"port"`

	// Segment store
	CacheBudgetBytes int64    `toml:"cache_budget_bytes"`
	MinRetentionAge  Duration `toml:"min_retention_age"`
	SweepInterval    Duration `toml:"sweep_interval"`

	// Build coordination
	IdleGracePeriod     Duration `toml:"idle_grace_period"`
	MaxConcurrentBuilds int      `toml:"max_concurrent_builds"`

	// Delivery policy
	AccelerationMode string          `toml:"acceleration_mode"` // "auto", "hardware", "software"
	BitrateTolerance float64         `toml:"bitrate_tolerance"` // passthrough overage allowance, e.g. 0.15
	BitrateCeilings  BitrateCeilings `toml:"bitrate_ceilings"`

	LogStaticFiles bool `toml:"log_static_files"`

	// Derived paths
	ThumbnailDir string `toml:"-"`
	LedgerPath   string `toml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MediaDir:            ".",
		CacheDir:            ".webcinema_cache",
		Port:                "2778",
		CacheBudgetBytes:    10 << 30, // 10 GiB
		MinRetentionAge:     Duration(5 * time.Minute),
		SweepInterval:       Duration(10 * time.Minute),
		IdleGracePeriod:     Duration(30 * time.Second),
		MaxConcurrentBuilds: 0, // 0 = derive from CPU count
		AccelerationMode:    "auto",
		BitrateTolerance:    0.15,
		BitrateCeilings: BitrateCeilings{
			SD:  1_500_000,
			HD:  3_000_000,
			FHD: 6_000_000,
			UHD: 12_000_000,
		},
	}
}

// Load reads configuration from an optional TOML file, applies environment
// overrides, validates, and prepares the cache directory tree.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		logging.Info("Loaded configuration from %s", path)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets environment variables override file values, matching the
// container deployment convention.
func (c *Config) applyEnv() {
	if v := os.Getenv("MEDIA_DIR"); v != "" {
		c.MediaDir = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("CACHE_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.CacheBudgetBytes = n
		} else {
			logging.Warn("Ignoring invalid CACHE_BUDGET_BYTES %q", v)
		}
	}
	if v := os.Getenv("MIN_RETENTION_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.MinRetentionAge = Duration(d)
		} else {
			logging.Warn("Ignoring invalid MIN_RETENTION_AGE %q", v)
		}
	}
	if v := os.Getenv("IDLE_GRACE_PERIOD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdleGracePeriod = Duration(d)
		} else {
			logging.Warn("Ignoring invalid IDLE_GRACE_PERIOD %q", v)
		}
	}
	if v := os.Getenv("ACCELERATION_MODE"); v != "" {
		c.AccelerationMode = v
	}
}

func (c *Config) validate() error {
	abs, err := filepath.Abs(c.MediaDir)
	if err != nil {
		return fmt.Errorf("invalid media directory %q: %w", c.MediaDir, err)
	}
	c.MediaDir = abs

	info, err := os.Stat(c.MediaDir)
	if err != nil {
		return fmt.Errorf("media directory %s: %w", c.MediaDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("media directory %s is not a directory", c.MediaDir)
	}

	switch c.AccelerationMode {
	case "auto", "hardware", "software":
	default:
		return fmt.Errorf("invalid acceleration_mode %q (want auto, hardware or software)", c.AccelerationMode)
	}

	if c.CacheBudgetBytes <= 0 {
		return errors.New("cache_budget_bytes must be positive")
	}
	if c.BitrateTolerance < 0 {
		return errors.New("bitrate_tolerance must be non-negative")
	}

	abs, err = filepath.Abs(c.CacheDir)
	if err != nil {
		return fmt.Errorf("invalid cache directory %q: %w", c.CacheDir, err)
	}
	c.CacheDir = abs

	for _, dir := range []string{c.CacheDir, filepath.Join(c.CacheDir, "artifacts"), filepath.Join(c.CacheDir, "thumbnails")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	c.ThumbnailDir = filepath.Join(c.CacheDir, "thumbnails")
	c.LedgerPath = filepath.Join(c.CacheDir, "ledger.db")
	return nil
}

// ArtifactDir returns the directory holding transcoded artifacts.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.CacheDir, "artifacts")
}

// CeilingFor returns the bitrate ceiling for a given output height.
func (b BitrateCeilings) CeilingFor(height int) int64 {
	switch {
	case height <= 480:
		return b.SD
	case height <= 720:
		return b.HD
	case height <= 1080:
		return b.FHD
	default:
		return b.UHD
	}
}
