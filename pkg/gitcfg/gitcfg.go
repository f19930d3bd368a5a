// Package gitcfg holds the operational tuning knobs for this module's
// caches and timeouts — not Git's own ".git/config" INI dialect, which
// stays a collaborator's concern per spec.md §1. Values mirror the table
// in spec.md §4.2.
package gitcfg

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config collects every tunable named in spec.md §4.2 plus the bounds
// needed by packfile delta resolution and ref lock acquisition.
type Config struct {
	// PackedGitWindowSize is the window stride in bytes; must be a
	// power of two.
	PackedGitWindowSize int `toml:"packed_git_window_size"`
	// PackedGitLimit is the total window bytes retained before the LRU
	// starts evicting.
	PackedGitLimit int64 `toml:"packed_git_limit"`
	// PackedGitMmap is loaded and defaulted but not consulted:
	// windowcache always memory-maps pack files.
	PackedGitMmap bool `toml:"packed_git_mmap"`
	// DeltaBaseCacheLimit is loaded and defaulted but not consulted: the
	// packfile delta-base cache is bounded by entry count (256 entries,
	// set in objectdb), not by bytes.
	DeltaBaseCacheLimit int64 `toml:"delta_base_cache_limit"`
	// StreamFileThreshold is the object size above which loaders
	// stream instead of materializing fully in memory.
	StreamFileThreshold int64 `toml:"stream_file_threshold"`
	// MaxDeltaDepth bounds delta-chain walks to reject cycles.
	MaxDeltaDepth int `toml:"max_delta_depth"`
	// RefLockWaitLimit bounds how long a ref update waits to acquire
	// its lock file before failing with LockFailure.
	RefLockWaitLimit time.Duration `toml:"ref_lock_wait_limit"`
}

// Default returns the configuration defaults named in spec.md §4.2.
func Default() Config {
	return Config{
		PackedGitWindowSize: 8 * 1024,
		PackedGitLimit:      256 * 1024 * 1024,
		PackedGitMmap:       true,
		DeltaBaseCacheLimit: 96 * 1024 * 1024,
		StreamFileThreshold: 16 * 1024 * 1024,
		MaxDeltaDepth:       50,
		RefLockWaitLimit:    2 * time.Second,
	}
}

// Load reads a TOML tuning file, overlaying it onto Default(). A missing
// field keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("gitcfg: load %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants this module's caches rely on.
func (c Config) Validate() error {
	if c.PackedGitWindowSize <= 0 || c.PackedGitWindowSize&(c.PackedGitWindowSize-1) != 0 {
		return fmt.Errorf("gitcfg: packed_git_window_size must be a positive power of two, got %d", c.PackedGitWindowSize)
	}
	if c.MaxDeltaDepth <= 0 {
		return fmt.Errorf("gitcfg: max_delta_depth must be positive, got %d", c.MaxDeltaDepth)
	}
	return nil
}
