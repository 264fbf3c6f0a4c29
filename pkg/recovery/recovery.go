// Package recovery implements the Recovery / Policy Engine (spec §4.E):
// a single place that turns a detected store-layer corruption into one
// of three uniform outcomes — FailFast, Warn, Silent — without any
// subsystem re-implementing the policy contract itself. pkg/store is
// its only caller today, but the contract is deliberately
// store-agnostic so pkg/queue or pkg/lockmanager could route a
// corruption through it the same way.
package recovery

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/metrics"
	"github.com/lprior-repo/isolate/pkg/types"
)

// Action is what the caller should do after Apply returns.
type Action int

const (
	// Refuse means the caller must not touch the file; the returned
	// error is the one to surface to the operator.
	Refuse Action = iota
	// Delete means the policy has opted into discarding the corrupt
	// file; the caller is responsible for actually removing it.
	Delete
)

// Apply decides the outcome for a detected corruption under cfg and
// logs it at the appropriate level. detail is a human-readable
// description of what was found, already including the expected-vs-seen
// values — the Engine doesn't reformat it further. path identifies the
// file in the returned error's context and fix commands, and its
// directory is where recovery.log is written.
//
// FailFast: never rewrites or deletes anything; returns a Corrupt error.
// Warn: logs the same detail at warn level; still refuses to delete.
// Silent: logs at debug level; if cfg.LogRecovered, also appends one
// line to <dir>/recovery.log; if cfg.DeleteCorruptedDatabase, returns
// Delete with a nil error, otherwise still refuses.
func Apply(cfg types.RecoveryConfig, path, detail string) (Action, error) {
	logger := log.WithComponent("recovery")

	corruptErr := types.New(types.KindCorruptDatabase, detail).
		WithContext("path", path).
		WithSuggestion("back up the file, then run the equivalent of 'isolate init' to recreate it").
		WithFixCommands(
			"rm "+path+" && isolate init",
			"isolate doctor --fix",
		)

	switch cfg.Policy {
	case types.RecoveryPolicyFailFast:
		metrics.StoreRecoveryEventsTotal.WithLabelValues(string(cfg.Policy), "refused").Inc()
		return Refuse, corruptErr

	case types.RecoveryPolicySilent:
		logger.Debug().Str("path", path).Msg(detail)
		logToFile(path, cfg, detail, logger)
		if cfg.DeleteCorruptedDatabase {
			metrics.StoreRecoveryEventsTotal.WithLabelValues(string(cfg.Policy), "deleted").Inc()
			return Delete, nil
		}
		metrics.StoreRecoveryEventsTotal.WithLabelValues(string(cfg.Policy), "refused").Inc()
		return Refuse, corruptErr

	case types.RecoveryPolicyWarn:
		fallthrough
	default:
		logger.Warn().Str("path", path).Msg(detail)
		metrics.StoreRecoveryEventsTotal.WithLabelValues(string(cfg.Policy), "refused").Inc()
		return Refuse, corruptErr
	}
}

// logToFile appends one structured line to recovery.log next to path,
// when cfg.LogRecovered is set. A failure to write is logged but never
// propagated — the recovery log is diagnostic, not load-bearing.
func logToFile(path string, cfg types.RecoveryConfig, detail string, logger zerolog.Logger) {
	if !cfg.LogRecovered {
		return
	}

	logPath := filepath.Join(filepath.Dir(path), "recovery.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warn().Err(err).Str("log", logPath).Msg("failed to open recovery log")
		return
	}
	defer f.Close()

	line := time.Now().UTC().Format(time.RFC3339) + " " + detail + "\n"
	if _, err := f.WriteString(line); err != nil {
		logger.Warn().Err(err).Str("log", logPath).Msg("failed to append to recovery log")
	}
}

// ShouldLog reports whether an outcome reached under policy Silent
// should also be written to recovery.log — a small helper so callers
// that classify their own corruption (rather than going through Apply)
// can still honor cfg.LogRecovered consistently.
func ShouldLog(cfg types.RecoveryConfig) bool {
	return cfg.Policy == types.RecoveryPolicySilent && cfg.LogRecovered
}
