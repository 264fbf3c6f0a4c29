// Package config implements the layered, typed configuration described
// in SPEC_FULL.md §1: defaults → ~/.config/<app>/config.toml →
// ./.<app>/config.toml → environment variables → CLI flags. Decoding is
// strict (unknown keys rejected) and merge semantics are explicit
// (a field absent in a higher layer never resets a lower layer's
// value), grounded on ipiton-alert-history-service's layered,
// mapstructure-tagged Config plus its atomic.Value hot-reload snapshot.
package config

import (
	"path/filepath"

	"github.com/lprior-repo/isolate/pkg/types"
)

// AppName is the configuration/directory namespace ("isolate").
const AppName = "isolate"

// WatchConfig controls the config file watcher.
type WatchConfig struct {
	Enabled     bool `toml:"enabled"`
	DebounceMS  int  `toml:"debounce_ms"`
}

// HooksConfig lists external commands run at lifecycle points. Lists
// replace on merge, they are never appended to across layers.
type HooksConfig struct {
	PostCreate []string `toml:"post_create"`
	PreRemove  []string `toml:"pre_remove"`
	PostMerge  []string `toml:"post_merge"`
}

// SessionConfig tunes session-registry defaults.
type SessionConfig struct {
	AutoCommit  bool `toml:"auto_commit"`
	MaxSessions int  `toml:"max_sessions"`
}

// RecoveryConfig is the TOML-facing shape of types.RecoveryConfig.
type RecoveryConfig struct {
	Policy                  string `toml:"policy"`
	LogRecovered            bool   `toml:"log_recovered"`
	AutoRecoverCorruptedWAL bool   `toml:"auto_recover_corrupted_wal"`
	DeleteCorruptedDatabase bool   `toml:"delete_corrupted_database"`
}

// ToTypes converts the TOML-facing recovery config into the runtime
// snapshot type used by pkg/store and pkg/recovery.
func (r RecoveryConfig) ToTypes() types.RecoveryConfig {
	return types.RecoveryConfig{
		Policy:                  types.RecoveryPolicy(r.Policy),
		LogRecovered:            r.LogRecovered,
		AutoRecoverCorruptedWAL: r.AutoRecoverCorruptedWAL,
		DeleteCorruptedDatabase: r.DeleteCorruptedDatabase,
	}
}

// Config is the fully-resolved, merged configuration.
type Config struct {
	WorkspaceDir    string `toml:"workspace_dir"`
	MainBranch      string `toml:"main_branch"`
	DefaultTemplate string `toml:"default_template"`
	StateDB         string `toml:"state_db"`

	Watch    WatchConfig    `toml:"watch"`
	Hooks    HooksConfig    `toml:"hooks"`
	Session  SessionConfig  `toml:"session"`
	Recovery RecoveryConfig `toml:"recovery"`
}

// Defaults returns the built-in base layer (spec §6 table).
func Defaults() Config {
	return Config{
		WorkspaceDir:    "../{repo}__workspaces",
		MainBranch:      "",
		DefaultTemplate: "standard",
		StateDB:         filepath.Join(".", "."+AppName, "state.db"),
		Watch: WatchConfig{
			Enabled:    true,
			DebounceMS: 100,
		},
		Hooks: HooksConfig{
			PostCreate: []string{},
			PreRemove:  []string{},
			PostMerge:  []string{},
		},
		Session: SessionConfig{
			AutoCommit:  false,
			MaxSessions: 100,
		},
		Recovery: RecoveryConfig{
			Policy:                  string(types.RecoveryPolicyWarn),
			LogRecovered:            true,
			AutoRecoverCorruptedWAL: true,
			DeleteCorruptedDatabase: false,
		},
	}
}
