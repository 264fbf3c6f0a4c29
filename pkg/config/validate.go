package config

import (
	"fmt"

	"github.com/lprior-repo/isolate/pkg/types"
)

// Validate enforces the typed/range rules from spec §6: watch.debounce_ms
// in [10, 5000], recovery.policy in the enum, session.max_sessions
// positive.
func Validate(cfg Config) error {
	var hints []types.ValidationHint

	if cfg.Watch.DebounceMS < 10 || cfg.Watch.DebounceMS > 5000 {
		hints = append(hints, types.ValidationHint{
			Field:    "watch.debounce_ms",
			Expected: "integer in [10, 5000]",
			Received: fmt.Sprintf("%d", cfg.Watch.DebounceMS),
		})
	}

	switch types.RecoveryPolicy(cfg.Recovery.Policy) {
	case types.RecoveryPolicySilent, types.RecoveryPolicyWarn, types.RecoveryPolicyFailFast:
	default:
		hints = append(hints, types.ValidationHint{
			Field:    "recovery.policy",
			Expected: "one of silent, warn, fail-fast",
			Received: cfg.Recovery.Policy,
		})
	}

	if cfg.Session.MaxSessions <= 0 {
		hints = append(hints, types.ValidationHint{
			Field:    "session.max_sessions",
			Expected: "positive integer",
			Received: fmt.Sprintf("%d", cfg.Session.MaxSessions),
		})
	}

	if cfg.WorkspaceDir == "" {
		hints = append(hints, types.ValidationHint{
			Field:    "workspace_dir",
			Expected: "non-empty path",
			Received: "",
		})
	}

	if len(hints) == 0 {
		return nil
	}

	return (&types.Error{
		Kind:    types.KindInvalidConfig,
		Message: "configuration failed validation",
		Hints:   hints,
	})
}
