// Package queue implements the Merge Queue and its FSM (spec §4.D): one
// workspace at a time is pushed through claim -> rebase -> gate -> merge,
// with explicit retry/terminal failure handling and an append-only audit
// trail. The worker steps themselves live in steps.go.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/metrics"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

// DefaultMaxAttempts is used when add's caller does not override it.
const DefaultMaxAttempts = 3

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Add inserts a Pending entry; it fails if a non-terminal entry already
// exists for workspace (enforced by the partial unique index on
// queue_entries.workspace).
func (q *Queue) Add(ctx context.Context, workspace string, beadID *string, priority int, agent *string) (types.QueueEntry, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (workspace, bead_id, priority, agent_id, status, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, workspace, beadID, priority, agent, types.QueueStatusPending, DefaultMaxAttempts, now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return types.QueueEntry{}, &types.Error{
				Kind:            types.KindWorkspaceConflict,
				Message:         "a non-terminal queue entry already exists for workspace " + workspace,
				ConflictVariant: types.ConflictAlreadyExists,
			}
		}
		return types.QueueEntry{}, types.Wrap(types.KindDatabaseError, err, "failed to enqueue "+workspace)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return types.QueueEntry{}, types.Wrap(types.KindDatabaseError, err, "failed to read new queue entry id")
	}

	entry := types.QueueEntry{
		ID:          id,
		Workspace:   workspace,
		BeadID:      beadID,
		Priority:    priority,
		AgentID:     agent,
		Status:      types.QueueStatusPending,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.appendEvent(ctx, id, types.QueueEventAdded, nil)
	return entry, nil
}

// GetByWorkspace returns the most recent entry for workspace, whatever
// its status, or nil if none exists.
func (q *Queue) GetByWorkspace(ctx context.Context, workspace string) (*types.QueueEntry, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	e, err := scanEntry(q.db.QueryRowContext(ctx, entrySelect+` WHERE workspace = ? ORDER BY id DESC LIMIT 1`, workspace))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to look up queue entry for "+workspace)
	}
	return &e, nil
}

// Claim picks the highest-priority Pending entry (ties broken by oldest
// created_at, then lowest id) and atomically transitions it to Claimed.
// At-most-one-claimer is guaranteed by the UPDATE...WHERE status='pending'
// row match: only the caller whose UPDATE actually touches a row wins.
func (q *Queue) Claim(ctx context.Context, agent string) (*types.QueueEntry, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	var id int64
	err := q.db.QueryRowContext(ctx, `
		SELECT id FROM queue_entries WHERE status = ?
		ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1
	`, types.QueueStatusPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to pick next pending entry")
	}

	now := time.Now().UTC().Unix()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, agent_id = ?
		WHERE id = ? AND status = ?
	`, types.QueueStatusClaimed, agent, id, types.QueueStatusPending)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to claim queue entry")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to read claim result")
	}
	if n == 0 {
		// Another claimer won the race between our SELECT and UPDATE.
		return nil, nil
	}

	q.appendEvent(ctx, id, types.QueueEventClaimed, nil)

	e, err := scanEntry(q.db.QueryRowContext(ctx, entrySelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to re-read claimed entry")
	}
	return &e, nil
}

// TransitionTo validates the FSM edge and performs the status update,
// then appends a Transitioned event.
func (q *Queue) TransitionTo(ctx context.Context, workspace string, to types.QueueStatus) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if !validTransition(entry.Status, to) {
		return invalidTransitionErr(entry.Status, to)
	}

	if _, err := q.db.ExecContext(ctx, `UPDATE queue_entries SET status = ? WHERE id = ?`, to, entry.ID); err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to transition queue entry "+workspace)
	}
	q.appendEvent(ctx, entry.ID, types.QueueEventTransitioned, nil)
	return nil
}

// UpdateRebaseMetadata persists the outcome of a successful rebase step
// and transitions the entry to Testing in a single atomic UPDATE.
func (q *Queue) UpdateRebaseMetadata(ctx context.Context, workspace, headSHA, testedAgainstSHA string, rebaseCount int, rebaseTimestamp time.Time) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if !validTransition(entry.Status, types.QueueStatusTesting) {
		return invalidTransitionErr(entry.Status, types.QueueStatusTesting)
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_entries
		SET status = ?, head_sha = ?, tested_against_sha = ?, rebase_count = ?, last_rebase_at = ?
		WHERE id = ?
	`, types.QueueStatusTesting, headSHA, testedAgainstSHA, rebaseCount, rebaseTimestamp.UTC().Unix(), entry.ID)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to persist rebase metadata for "+workspace)
	}

	detailBytes, _ := json.Marshal(map[string]any{
		"step": "rebase", "head_sha": headSHA, "tested_against_sha": testedAgainstSHA, "rebase_count": rebaseCount,
	})
	details := string(detailBytes)
	q.appendEvent(ctx, entry.ID, types.QueueEventTransitioned, &details)
	return nil
}

// Fail classifies errMsg against attempt_count/max_attempts and
// transitions the entry to FailedRetryable or FailedTerminal,
// incrementing attempt_count either way, capped at max_attempts so a
// terminal failure never pushes it past the entity's invariant.
func (q *Queue) Fail(ctx context.Context, workspace, errMsg string) (types.QueueStatus, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return "", err
	}

	target := classifyStepError(errMsg, entry.AttemptCount, entry.MaxAttempts)
	if !validTransition(entry.Status, target) {
		// Cancelled/terminal races: surface as a validation error rather
		// than silently clobbering a state another caller already moved
		// past.
		return "", invalidTransitionErr(entry.Status, target)
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, attempt_count = MIN(attempt_count + 1, max_attempts) WHERE id = ?
	`, target, entry.ID)
	if err != nil {
		return "", types.Wrap(types.KindDatabaseError, err, "failed to fail queue entry "+workspace)
	}

	detailBytes, _ := json.Marshal(map[string]string{"error": errMsg})
	details := string(detailBytes)
	q.appendEvent(ctx, entry.ID, types.QueueEventFailed, &details)
	return target, nil
}

// Retry moves a FailedRetryable entry back to Pending for re-claim.
func (q *Queue) Retry(ctx context.Context, workspace string) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if entry.Status != types.QueueStatusFailedRetryable {
		return invalidTransitionErr(entry.Status, types.QueueStatusPending)
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, agent_id = NULL WHERE id = ?
	`, types.QueueStatusPending, entry.ID)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to retry queue entry "+workspace)
	}
	q.appendEvent(ctx, entry.ID, types.QueueEventRetried, nil)
	return nil
}

// Cancel moves any non-terminal entry to Cancelled.
func (q *Queue) Cancel(ctx context.Context, workspace string) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	entry, err := q.mustGet(ctx, workspace)
	if err != nil {
		return err
	}
	if entry.Status.Terminal() {
		return invalidTransitionErr(entry.Status, types.QueueStatusCancelled)
	}

	_, err = q.db.ExecContext(ctx, `UPDATE queue_entries SET status = ? WHERE id = ?`, types.QueueStatusCancelled, entry.ID)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to cancel queue entry "+workspace)
	}
	q.appendEvent(ctx, entry.ID, types.QueueEventCancelled, nil)
	return nil
}

// ReclaimStale resets entries stuck in an in-flight status with no
// recent heartbeat (updated_at older than cutoff) back to Pending,
// dropping agent_id.
func (q *Queue) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, agent_id = NULL
		WHERE status IN (?, ?, ?, ?) AND updated_at < ?
	`, types.QueueStatusPending,
		types.QueueStatusClaimed, types.QueueStatusRebasing, types.QueueStatusTesting, types.QueueStatusMerging,
		cutoff.UTC().Unix())
	if err != nil {
		return 0, types.Wrap(types.KindDatabaseError, err, "failed to reclaim stale queue entries")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.Wrap(types.KindDatabaseError, err, "failed to read reclaim result")
	}
	if n > 0 {
		log.WithComponent("queue").Warn().Int64("count", n).Msg("reclaimed stale queue entries")
		metrics.QueueReclaimedStaleTotal.Add(float64(n))
	}
	return int(n), nil
}

// CountByStatus returns the number of queue entries in each status,
// for the QueueEntriesTotal gauge.
func (q *Queue) CountByStatus(ctx context.Context) (map[types.QueueStatus]int, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to count queue entries by status")
	}
	defer rows.Close()

	counts := map[types.QueueStatus]int{}
	for rows.Next() {
		var status types.QueueStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.Wrap(types.KindDatabaseError, err, "failed to scan queue status count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to iterate queue status counts")
	}
	return counts, nil
}

func (q *Queue) mustGet(ctx context.Context, workspace string) (types.QueueEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, entrySelect+` WHERE workspace = ? ORDER BY id DESC LIMIT 1`, workspace))
	if err == sql.ErrNoRows {
		return types.QueueEntry{}, types.New(types.KindNotFound, "no queue entry for workspace: "+workspace)
	}
	if err != nil {
		return types.QueueEntry{}, types.Wrap(types.KindDatabaseError, err, "failed to look up queue entry for "+workspace)
	}
	return e, nil
}

// appendEvent is best-effort: it logs on failure but never aborts the
// state change that triggered it (spec §4.D).
func (q *Queue) appendEvent(ctx context.Context, queueID int64, eventType types.QueueEventType, details *string) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_events (queue_id, event_type, details, created_at)
		VALUES (?, ?, ?, ?)
	`, queueID, eventType, details, time.Now().UTC().Unix())
	if err != nil {
		log.WithComponent("queue").Warn().Err(err).Int64("queue_id", queueID).Msg("failed to record queue event")
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
