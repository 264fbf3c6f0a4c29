// Package registry implements the Session Registry (spec §4.B): the
// CRUD and small-business-logic layer over sessions, with no direct
// DVCS calls. It enforces name validation, the parent/child forest
// invariant, and the status FSM; it delegates mutual exclusion to
// pkg/lockmanager rather than reimplementing locking.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lprior-repo/isolate/pkg/lockmanager"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

// DefaultCreateLockTTL is the lock duration acquired on behalf of an
// agent supplied to Create, chosen so a session survives the initial
// workspace setup without an explicit renew.
const DefaultCreateLockTTL = 5 * time.Minute

// Registry owns the sessions table; Store owns the connection pool it
// runs against.
type Registry struct {
	db    *sql.DB
	locks *lockmanager.LockManager
}

// New wraps db (typically (*store.Store).DB()) and the lock manager
// that guards per-session mutual exclusion.
func New(db *sql.DB, locks *lockmanager.LockManager) *Registry {
	return &Registry{db: db, locks: locks}
}

// Create validates name, asserts it is free, asserts parent (if any)
// exists and is non-Completed, then inserts a Creating/Created row. If
// agent is non-empty, the session's lock is acquired in the same
// transaction as the insert.
func (r *Registry) Create(ctx context.Context, name, workspacePath string, parent, agent *string) (types.Session, error) {
	if err := validateName(name); err != nil {
		return types.Session{}, err
	}

	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to begin create transaction")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE name = ?`, name).Scan(&exists)
	if err == nil {
		return types.Session{}, &types.Error{
			Kind:            types.KindWorkspaceConflict,
			Message:         "session already exists: " + name,
			ConflictVariant: types.ConflictAlreadyExists,
		}
	}
	if err != sql.ErrNoRows {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to check for existing session")
	}

	if parent != nil {
		var parentStatus types.SessionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE name = ?`, *parent).Scan(&parentStatus)
		if err == sql.ErrNoRows {
			return types.Session{}, types.Wrap(types.KindNotFound, err, "parent session not found: "+*parent)
		}
		if err != nil {
			return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to look up parent session")
		}
		if parentStatus == types.SessionStatusCompleted {
			return types.Session{}, &types.Error{
				Kind:    types.KindValidationError,
				Message: "parent session is completed: " + *parent,
			}
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (name, parent, status, state, workspace_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, name, parent, types.SessionStatusCreating, types.SessionStateCreated, workspacePath, now.Unix(), now.Unix())
	if err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to insert session "+name)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to read new session id")
	}

	if agent != nil {
		if err := lockInTx(ctx, tx, name, *agent, DefaultCreateLockTTL); err != nil {
			return types.Session{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to commit create transaction")
	}

	return types.Session{
		ID:            id,
		Name:          name,
		ParentSession: parent,
		Status:        types.SessionStatusCreating,
		State:         types.SessionStateCreated,
		WorkspacePath: workspacePath,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Get returns the session named name, or (nil, nil) if absent.
func (r *Registry) Get(ctx context.Context, name string) (*types.Session, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	s, err := scanSession(r.db.QueryRowContext(ctx, sessionSelect+` WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns sessions, optionally filtered by status; closed
// (Completed/Failed) sessions are excluded unless includeClosed or an
// explicit statusFilter names one of them.
func (r *Registry) List(ctx context.Context, statusFilter *types.SessionStatus, includeClosed bool) ([]types.Session, error) {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	query := sessionSelect
	var args []any

	switch {
	case statusFilter != nil:
		query += ` WHERE status = ?`
		args = append(args, *statusFilter)
	case !includeClosed:
		query += ` WHERE status NOT IN (?, ?)`
		args = append(args, types.SessionStatusCompleted, types.SessionStatusFailed)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to list sessions")
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to iterate sessions")
	}
	return out, nil
}

// Update applies a partial delta. Only fields that actually change are
// written; if nothing would change (including a pure self-transition)
// no SQL is issued at all, matching the "self-transitions are silent
// no-ops" resolution. Transitions out of a terminal status are
// rejected.
func (r *Registry) Update(ctx context.Context, name string, delta types.SessionUpdate) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	current, err := scanSession(r.db.QueryRowContext(ctx, sessionSelect+` WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return types.New(types.KindNotFound, "session not found: "+name)
	}
	if err != nil {
		return err
	}

	if delta.Status != nil && *delta.Status != current.Status {
		if current.Status.Terminal() {
			return invalidTransitionError(current.Status, *delta.Status)
		}
		if !validStatusTransition(current.Status, *delta.Status) {
			return invalidTransitionError(current.Status, *delta.Status)
		}
	}

	if delta.Metadata != nil && !json.Valid([]byte(*delta.Metadata)) {
		return &types.Error{Kind: types.KindValidationError, Message: "metadata is not valid JSON"}
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 6)

	if delta.Status != nil && *delta.Status != current.Status {
		sets = append(sets, "status = ?")
		args = append(args, *delta.Status)
	}
	if delta.State != nil && *delta.State != current.State {
		sets = append(sets, "state = ?")
		args = append(args, *delta.State)
	}
	if delta.ClearBranch {
		sets = append(sets, "branch = NULL")
	} else if delta.Branch != nil {
		sets = append(sets, "branch = ?")
		args = append(args, *delta.Branch)
	}
	if delta.ClearSynced {
		sets = append(sets, "last_synced = NULL")
	} else if delta.LastSynced != nil {
		sets = append(sets, "last_synced = ?")
		args = append(args, delta.LastSynced.UTC().Unix())
	}
	if delta.ClearMeta {
		sets = append(sets, "metadata = NULL")
	} else if delta.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, *delta.Metadata)
	}

	if len(sets) == 0 {
		return nil // nothing to do — a pure self-transition never reaches SQL
	}

	query := "UPDATE sessions SET " + joinSets(sets) + " WHERE name = ?"
	args = append(args, name)

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to update session "+name)
	}
	return nil
}

// Rename moves old's row to new, carrying every field forward and
// repointing any locks, queue entries, and child sessions that
// reference it, all within a single transaction.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) (types.Session, error) {
	if err := validateName(newName); err != nil {
		return types.Session{}, err
	}

	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to begin rename transaction")
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE name = ?`, newName).Scan(&exists)
	if err == nil {
		return types.Session{}, &types.Error{
			Kind:            types.KindWorkspaceConflict,
			Message:         "session already exists: " + newName,
			ConflictVariant: types.ConflictAlreadyExists,
		}
	}
	if err != sql.ErrNoRows {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to check for existing session")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (name, parent, status, state, workspace_path, branch, created_at, updated_at, last_synced, metadata)
		SELECT ?, parent, status, state, workspace_path, branch, created_at, updated_at, last_synced, metadata
		FROM sessions WHERE name = ?
	`, newName, oldName); err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to copy session row")
	}

	for _, stmt := range []string{
		`UPDATE session_locks SET session_name = ? WHERE session_name = ?`,
		`UPDATE queue_entries SET workspace = ? WHERE workspace = ?`,
		`UPDATE sessions SET parent = ? WHERE parent = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, newName, oldName); err != nil {
			return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to repoint references during rename")
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, oldName); err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to delete old session row")
	}

	if err := tx.Commit(); err != nil {
		return types.Session{}, types.Wrap(types.KindDatabaseError, err, "failed to commit rename transaction")
	}

	renamed, err := r.Get(ctx, newName)
	if err != nil {
		return types.Session{}, err
	}
	return *renamed, nil
}

// Remove marks name Completed, then deletes its row (cascading locks
// and queue entries). It rejects the removal if non-Completed children
// exist, unless force is set.
func (r *Registry) Remove(ctx context.Context, name string, force bool, agent string) error {
	ctx, cancel := store.AcquireContext(ctx)
	defer cancel()

	current, err := scanSession(r.db.QueryRowContext(ctx, sessionSelect+` WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return types.New(types.KindNotFound, "session not found: "+name)
	}
	if err != nil {
		return err
	}

	if !force {
		var childName string
		err := r.db.QueryRowContext(ctx,
			`SELECT name FROM sessions WHERE parent = ? AND status != ? LIMIT 1`,
			name, types.SessionStatusCompleted).Scan(&childName)
		if err == nil {
			return &types.Error{
				Kind:    types.KindValidationError,
				Message: "session " + name + " has non-completed child " + childName,
			}
		}
		if err != sql.ErrNoRows {
			return types.Wrap(types.KindDatabaseError, err, "failed to check for children")
		}
	}

	if err := r.locks.Lock(ctx, name, agent, DefaultCreateLockTTL); err != nil {
		return err
	}

	if current.Status != types.SessionStatusCompleted {
		if _, err := r.db.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE name = ?`, types.SessionStatusCompleted, name); err != nil {
			return types.Wrap(types.KindDatabaseError, err, "failed to mark session completed before removal")
		}
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name); err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to delete session "+name)
	}

	return nil
}

// Focus returns the session, failing if it is Completed.
func (r *Registry) Focus(ctx context.Context, name string) (types.Session, error) {
	s, err := r.Get(ctx, name)
	if err != nil {
		return types.Session{}, err
	}
	if s == nil {
		return types.Session{}, types.New(types.KindNotFound, "session not found: "+name)
	}
	if s.Status == types.SessionStatusCompleted {
		return types.Session{}, &types.Error{Kind: types.KindValidationError, Message: "session is completed: " + name}
	}
	return *s, nil
}

// Pause transitions an Active session to Paused.
func (r *Registry) Pause(ctx context.Context, name, agent string) error {
	return r.transitionTo(ctx, name, types.SessionStatusActive, types.SessionStatusPaused)
}

// Resume transitions a Paused session to Active.
func (r *Registry) Resume(ctx context.Context, name, agent string) error {
	return r.transitionTo(ctx, name, types.SessionStatusPaused, types.SessionStatusActive)
}

func (r *Registry) transitionTo(ctx context.Context, name string, from, to types.SessionStatus) error {
	s, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	if s == nil {
		return types.New(types.KindNotFound, "session not found: "+name)
	}
	if s.Status != from {
		return invalidTransitionError(s.Status, to)
	}
	newStatus := to
	return r.Update(ctx, name, types.SessionUpdate{Status: &newStatus})
}

func lockInTx(ctx context.Context, tx *sql.Tx, session, agent string, ttl time.Duration) error {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := tx.ExecContext(ctx, `
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
		var holder string
		if err := tx.QueryRowContext(ctx, `SELECT holder FROM session_locks WHERE session_name = ?`, session).Scan(&holder); err != nil {
			return types.Wrap(types.KindDatabaseError, err, "failed to read lock holder for "+session)
		}
		return &types.Error{Kind: types.KindSessionLocked, Message: "session " + session + " is locked by " + holder, LockHolder: holder}
	}
	return nil
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
