package config

import (
	"os"
	"strconv"

	"github.com/lprior-repo/isolate/pkg/types"
)

// applyEnv overrides cfg with ISOLATE_* environment variables (spec §6
// rule 5: env vars override file config). ISOLATE_STRICT and
// ISOLATE_RECOVERY_POLICY get the concrete precedence recovered from
// original_source (SPEC_FULL.md §3): ISOLATE_STRICT=1 forces
// fail-fast ahead of any other recovery-policy source.
func applyEnv(cfg Config) Config {
	if v, ok := lookupBool("ISOLATE_WATCH_ENABLED"); ok {
		cfg.Watch.Enabled = v
	}
	if v, ok := lookupInt("ISOLATE_WATCH_DEBOUNCE_MS"); ok {
		cfg.Watch.DebounceMS = v
	}
	if v, ok := os.LookupEnv("ISOLATE_WORKSPACE_DIR"); ok {
		cfg.WorkspaceDir = v
	}
	if v, ok := os.LookupEnv("ISOLATE_MAIN_BRANCH"); ok {
		cfg.MainBranch = v
	}
	if v, ok := os.LookupEnv("ISOLATE_DEFAULT_TEMPLATE"); ok {
		cfg.DefaultTemplate = v
	}
	if v, ok := os.LookupEnv("ISOLATE_STATE_DB"); ok {
		cfg.StateDB = v
	}
	if v, ok := lookupBool("ISOLATE_SESSION_AUTO_COMMIT"); ok {
		cfg.Session.AutoCommit = v
	}
	if v, ok := lookupInt("ISOLATE_SESSION_MAX_SESSIONS"); ok {
		cfg.Session.MaxSessions = v
	}
	if v, ok := lookupBool("ISOLATE_RECOVERY_LOG_RECOVERED"); ok {
		cfg.Recovery.LogRecovered = v
	}
	if v, ok := lookupBool("ISOLATE_RECOVERY_AUTO_RECOVER_WAL"); ok {
		cfg.Recovery.AutoRecoverCorruptedWAL = v
	}
	if v, ok := lookupBool("ISOLATE_RECOVERY_DELETE_CORRUPTED"); ok {
		cfg.Recovery.DeleteCorruptedDatabase = v
	}
	if v, ok := os.LookupEnv("ISOLATE_RECOVERY_POLICY"); ok {
		cfg.Recovery.Policy = v
	}
	if strict, ok := lookupBool("ISOLATE_STRICT"); ok && strict {
		cfg.Recovery.Policy = string(types.RecoveryPolicyFailFast)
	}

	return cfg
}

func lookupBool(key string) (bool, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func lookupInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}
