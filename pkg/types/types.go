// Package types holds the entities shared across every core subsystem:
// sessions, locks, queue entries and events, and the recovery policy
// snapshot. None of these types talk to the store directly.
package types

import "time"

// SessionStatus is the coarse lifecycle stage of a Session.
type SessionStatus string

const (
	SessionStatusCreating  SessionStatus = "creating"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status has no outgoing transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// SessionState is the finer-grained lifecycle tag, orthogonal to Status.
type SessionState string

const (
	SessionStateCreated   SessionState = "created"
	SessionStateWorking   SessionState = "working"
	SessionStateReady     SessionState = "ready"
	SessionStateMerged    SessionState = "merged"
	SessionStateAbandoned SessionState = "abandoned"
	SessionStateConflict  SessionState = "conflict"
)

// Session represents one isolated working copy.
type Session struct {
	ID            int64
	Name          string
	Status        SessionStatus
	State         SessionState
	WorkspacePath string
	Branch        *string
	ParentSession *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSynced    *time.Time
	Metadata      *string // raw JSON, validated on write
}

// SessionUpdate is a partial delta applied by Registry.Update. Nil fields
// are left untouched. The Clear* flags remove an optional column
// regardless of the corresponding pointer.
type SessionUpdate struct {
	Status      *SessionStatus
	State       *SessionState
	Branch      *string
	LastSynced  *time.Time
	Metadata    *string
	ClearBranch bool
	ClearSynced bool
	ClearMeta   bool
}

// SessionLock is a named mutual-exclusion token for one session.
type SessionLock struct {
	Session    string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Bound reports whether the lock is still in force at instant t. The
// boundary is exclusive: a lock acquired at t0 with TTL tau is bound
// only while t < t0+tau.
func (l SessionLock) Bound(t time.Time) bool {
	return t.Before(l.ExpiresAt)
}

// QueueStatus is the lifecycle stage of a QueueEntry within the worker
// pipeline.
type QueueStatus string

const (
	QueueStatusPending         QueueStatus = "pending"
	QueueStatusClaimed         QueueStatus = "claimed"
	QueueStatusRebasing        QueueStatus = "rebasing"
	QueueStatusTesting         QueueStatus = "testing"
	QueueStatusReadyToMerge    QueueStatus = "ready_to_merge"
	QueueStatusMerging         QueueStatus = "merging"
	QueueStatusMerged          QueueStatus = "merged"
	QueueStatusFailedRetryable QueueStatus = "failed_retryable"
	QueueStatusFailedTerminal  QueueStatus = "failed_terminal"
	QueueStatusCancelled       QueueStatus = "cancelled"
)

// Terminal statuses only allow observational reads (invariant iv).
func (s QueueStatus) Terminal() bool {
	switch s {
	case QueueStatusMerged, QueueStatusFailedTerminal, QueueStatusCancelled:
		return true
	default:
		return false
	}
}

// QueueEntry is a unit of work flowing through the rebase/test/merge
// pipeline.
type QueueEntry struct {
	ID               int64
	Workspace        string
	BeadID           *string
	Priority         int
	AgentID          *string
	Status           QueueStatus
	AttemptCount     int
	MaxAttempts      int
	RebaseCount      int
	LastRebaseAt     *time.Time
	HeadSHA          *string
	TestedAgainstSHA *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// QueueEventType classifies an audit line for a queue entry.
type QueueEventType string

const (
	QueueEventAdded        QueueEventType = "added"
	QueueEventClaimed      QueueEventType = "claimed"
	QueueEventTransitioned QueueEventType = "transitioned"
	QueueEventFailed       QueueEventType = "failed"
	QueueEventRetried      QueueEventType = "retried"
	QueueEventCompleted    QueueEventType = "completed"
	QueueEventCancelled    QueueEventType = "cancelled"
)

// QueueEvent is an append-only audit line for one queue entry.
type QueueEvent struct {
	ID        int64
	QueueID   int64
	EventType QueueEventType
	Details   *string // raw JSON
	Timestamp time.Time
}

// RecoveryPolicy controls how store corruption is handled.
type RecoveryPolicy string

const (
	RecoveryPolicySilent   RecoveryPolicy = "silent"
	RecoveryPolicyWarn     RecoveryPolicy = "warn"
	RecoveryPolicyFailFast RecoveryPolicy = "fail-fast"
)

// RecoveryConfig is the process-wide policy snapshot used by the store
// and recovery engine.
type RecoveryConfig struct {
	Policy                  RecoveryPolicy
	LogRecovered            bool
	AutoRecoverCorruptedWAL bool
	DeleteCorruptedDatabase bool
}
