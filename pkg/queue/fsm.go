package queue

import (
	"strings"

	"github.com/lprior-repo/isolate/pkg/types"
)

// edges encodes the queue state machine (spec §4.D). Merging and the
// rebase/gate steps drive most transitions through TransitionTo;
// reclaim_stale and fail have their own dedicated SQL paths since they
// also touch attempt_count/agent_id.
var edges = map[types.QueueStatus]map[types.QueueStatus]bool{
	types.QueueStatusPending: {
		types.QueueStatusClaimed: true,
	},
	types.QueueStatusClaimed: {
		types.QueueStatusRebasing:        true,
		types.QueueStatusFailedRetryable: true,
		types.QueueStatusFailedTerminal:  true,
		types.QueueStatusCancelled:       true,
	},
	types.QueueStatusRebasing: {
		types.QueueStatusTesting:         true,
		types.QueueStatusFailedRetryable: true,
		types.QueueStatusFailedTerminal:  true,
		types.QueueStatusCancelled:       true,
	},
	types.QueueStatusTesting: {
		types.QueueStatusReadyToMerge:    true,
		types.QueueStatusFailedRetryable: true,
		types.QueueStatusFailedTerminal:  true,
		types.QueueStatusCancelled:       true,
	},
	types.QueueStatusReadyToMerge: {
		types.QueueStatusMerging:         true,
		types.QueueStatusFailedRetryable: true,
		types.QueueStatusFailedTerminal:  true,
		types.QueueStatusCancelled:       true,
	},
	types.QueueStatusMerging: {
		types.QueueStatusMerged:          true,
		types.QueueStatusFailedRetryable: true,
		types.QueueStatusFailedTerminal:  true,
		types.QueueStatusCancelled:       true,
	},
	types.QueueStatusFailedRetryable: {
		types.QueueStatusPending:        true, // retry: agent_id cleared; attempt_count was already bumped by Fail
		types.QueueStatusFailedTerminal: true, // max_attempts_exceeded
		types.QueueStatusCancelled:      true,
	},
}

func validTransition(from, to types.QueueStatus) bool {
	return edges[from][to]
}

func invalidTransitionErr(from, to types.QueueStatus) error {
	return &types.Error{
		Kind:    types.KindValidationError,
		Message: "invalid queue transition from " + string(from) + " to " + string(to),
		Hints: []types.ValidationHint{{
			Field:    "status",
			Expected: "a valid outgoing edge from " + string(from),
			Received: string(to),
		}},
	}
}

// classifyStepError implements spec §4.D's classify_step_error: retryable
// if attempts remain and the message doesn't name an unrecoverable
// condition, terminal otherwise.
func classifyStepError(errMsg string, attemptCount, maxAttempts int) types.QueueStatus {
	if attemptCount >= maxAttempts {
		return types.QueueStatusFailedTerminal
	}
	if hasTerminalKeyword(errMsg) {
		return types.QueueStatusFailedTerminal
	}
	return types.QueueStatusFailedRetryable
}

var terminalKeywords = []string{
	"schema mismatch",
	"unrecoverable",
	"terminal",
	"permission denied",
}

func hasTerminalKeyword(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range terminalKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
