// Package lockmanager implements the Lock Manager (spec §4.C): named,
// TTL-bound advisory locks over sessions. Acquisition is a single
// transactional UPSERT so contention never spins — callers get an
// immediate Locked error and decide their own backoff.
package lockmanager

import (
	"context"
	"database/sql"
	"time"

	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/metrics"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

// LockManager is the single writer of session_locks; it shares the
// Store's connection pool rather than opening one of its own.
type LockManager struct {
	db *sql.DB
}

// New wraps db, typically obtained from (*store.Store).DB().
func New(db *sql.DB) *LockManager {
	return &LockManager{db: db}
}

// Lock acquires or refreshes a lock on session for agent, valid for
// ttl. It fails with KindSessionLocked{holder} if a non-expired lock
// held by a different agent exists. Acquisition is a single UPSERT:
// insert if absent, replace if the current row is expired or already
// held by agent.
func (m *LockManager) Lock(ctx context.Context, session, agent string, ttl time.Duration) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := m.db.ExecContext(ctx, `
		INSERT INTO session_locks (session_name, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE session_locks.expires_at <= ? OR session_locks.holder = ?
	`, session, agent, now.Unix(), expires.Unix(), now.Unix(), agent)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to acquire lock on "+session)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to read lock acquisition result")
	}
	if n == 0 {
		metrics.LockContentionTotal.Inc()
		holder, herr := m.currentHolder(ctx, session)
		if herr != nil {
			return herr
		}
		return &types.Error{
			Kind:       types.KindSessionLocked,
			Message:    "session " + session + " is locked by " + holder,
			LockHolder: holder,
		}
	}

	return nil
}

// Unlock releases session's lock if agent is the current holder. It is
// a no-op if the lock is absent or already expired (invariant: expired
// locks are logically absent), and fails with KindNotLockHolder if a
// different agent holds it.
func (m *LockManager) Unlock(ctx context.Context, session, agent string) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	now := time.Now().UTC().Unix()

	res, err := m.db.ExecContext(ctx,
		`DELETE FROM session_locks WHERE session_name = ? AND holder = ? AND expires_at > ?`,
		session, agent, now)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to release lock on "+session)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var holder string
	var expiresAt int64
	err = m.db.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM session_locks WHERE session_name = ?`, session).
		Scan(&holder, &expiresAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to inspect lock on "+session)
	}
	if expiresAt <= now {
		return nil
	}

	return &types.Error{
		Kind:       types.KindNotLockHolder,
		Message:    agent + " does not hold the lock on " + session + " (held by " + holder + ")",
		LockHolder: holder,
	}
}

// Locks returns all currently non-expired locks.
func (m *LockManager) Locks(ctx context.Context) ([]types.SessionLock, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	now := time.Now().UTC().Unix()
	rows, err := m.db.QueryContext(ctx,
		`SELECT session_name, holder, acquired_at, expires_at FROM session_locks WHERE expires_at > ? ORDER BY session_name`, now)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to list locks")
	}
	defer rows.Close()

	var out []types.SessionLock
	for rows.Next() {
		var l types.SessionLock
		var acquired, expires int64
		if err := rows.Scan(&l.Session, &l.AgentID, &acquired, &expires); err != nil {
			return nil, types.Wrap(types.KindDatabaseError, err, "failed to scan lock row")
		}
		l.AcquiredAt = time.Unix(acquired, 0).UTC()
		l.ExpiresAt = time.Unix(expires, 0).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to iterate locks")
	}
	return out, nil
}

// SweepExpired removes expired lock rows and returns the count removed.
func (m *LockManager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	res, err := m.db.ExecContext(ctx, `DELETE FROM session_locks WHERE expires_at <= ?`, now.UTC().Unix())
	if err != nil {
		return 0, types.Wrap(types.KindDatabaseError, err, "failed to sweep expired locks")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, types.Wrap(types.KindDatabaseError, err, "failed to read sweep result")
	}

	if n > 0 {
		log.WithComponent("lockmanager").Info().Int64("count", n).Msg("swept expired locks")
		metrics.LockSweepExpiredTotal.Add(float64(n))
	}

	return int(n), nil
}

func (m *LockManager) currentHolder(ctx context.Context, session string) (string, error) {
	var holder string
	err := m.db.QueryRowContext(ctx, `SELECT holder FROM session_locks WHERE session_name = ?`, session).Scan(&holder)
	if err != nil {
		return "", types.Wrap(types.KindDatabaseError, err, "failed to read lock holder for "+session)
	}
	return holder, nil
}
