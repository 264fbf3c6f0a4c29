package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/pkg/lockmanager"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"), store.ReadWriteCreate, types.RecoveryConfig{Policy: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	lm := lockmanager.New(s.DB())
	return New(s.DB(), lm)
}

// Scenario S1.
func TestRegistry_S1CreateListRemove(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "feature-auth", "/ws/feature-auth", nil, nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "bug-12", "/ws/bug-12", nil, nil)
	require.NoError(t, err)

	sessions, err := r.List(ctx, nil, false)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	names := map[string]bool{}
	for _, s := range sessions {
		names[s.Name] = true
		assert.Equal(t, types.SessionStatusCreating, s.Status)
	}
	assert.True(t, names["feature-auth"] && names["bug-12"])

	require.NoError(t, r.Remove(ctx, "feature-auth", false, "cli"))

	got, err := r.Get(ctx, "feature-auth")
	require.NoError(t, err)
	assert.Nil(t, got)

	sessions, err = r.List(ctx, nil, false)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

// Scenario S2.
func TestRegistry_S2DuplicateNameRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "x", "/a", nil, nil)
	require.NoError(t, err)

	_, err = r.Create(ctx, "x", "/b", nil, nil)
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.KindWorkspaceConflict, terr.Kind)

	got, err := r.Get(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/a", got.WorkspacePath)
}

func TestRegistry_InvalidNameRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(context.Background(), "1-starts-with-digit", "/a", nil, nil)
	require.Error(t, err)
}

func TestRegistry_ParentMustExistAndNotBeCompleted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	missing := "nonexistent"
	_, err := r.Create(ctx, "child", "/c", &missing, nil)
	require.Error(t, err)

	_, err = r.Create(ctx, "parent", "/p", nil, nil)
	require.NoError(t, err)
	completed := types.SessionStatusCompleted
	require.NoError(t, r.Update(ctx, "parent", types.SessionUpdate{Status: &completed}))

	parentName := "parent"
	_, err = r.Create(ctx, "child2", "/c2", &parentName, nil)
	require.Error(t, err)
}

// Property 8: cascade delete.
func TestRegistry_CascadeDeleteRemovesLocksAndQueue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	dir := t.TempDir()
	s, err := store.Open(ctx, filepath.Join(dir, "state.db"), store.ReadWriteCreate, types.RecoveryConfig{Policy: "warn"})
	require.NoError(t, err)
	defer s.Close()
	lm := lockmanager.New(s.DB())
	reg := New(s.DB(), lm)

	_, err = reg.Create(ctx, "sess", "/ws/sess", nil, nil)
	require.NoError(t, err)
	require.NoError(t, lm.Lock(ctx, "sess", "agent", 1))
	_, err = s.DB().ExecContext(ctx, `INSERT INTO queue_entries (workspace, status) VALUES (?, 'pending')`, "sess")
	require.NoError(t, err)

	require.NoError(t, reg.Remove(ctx, "sess", false, "cli"))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM session_locks WHERE session_name = ?`, "sess").Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE workspace = ?`, "sess").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestRegistry_RemoveRejectsNonCompletedChildrenUnlessForced(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "parent", "/p", nil, nil)
	require.NoError(t, err)
	parentName := "parent"
	_, err = r.Create(ctx, "child", "/c", &parentName, nil)
	require.NoError(t, err)

	err = r.Remove(ctx, "parent", false, "cli")
	require.Error(t, err)

	require.NoError(t, r.Remove(ctx, "parent", true, "cli"))
}

// Property 10: round-trip metadata.
func TestRegistry_MetadataRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)

	meta := `{"k":"v","n":1}`
	require.NoError(t, r.Update(ctx, "sess", types.SessionUpdate{Metadata: &meta}))

	got, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.JSONEq(t, meta, *got.Metadata)
}

func TestRegistry_CorruptMetadataOnReadIsNotSwallowed(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := store.Open(ctx, filepath.Join(dir, "state.db"), store.ReadWriteCreate, types.RecoveryConfig{Policy: "warn"})
	require.NoError(t, err)
	defer s.Close()
	lm := lockmanager.New(s.DB())
	r := New(s.DB(), lm)

	_, err = r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `UPDATE sessions SET metadata = ? WHERE name = ?`, "{not valid json", "sess")
	require.NoError(t, err)

	_, err = r.Get(ctx, "sess")
	require.Error(t, err)
}

func TestRegistry_SelfTransitionIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)

	before, err := r.Get(ctx, "sess")
	require.NoError(t, err)

	status := types.SessionStatusCreating
	require.NoError(t, r.Update(ctx, "sess", types.SessionUpdate{Status: &status}))

	after, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "self-transition must not bump updated_at")
}

func TestRegistry_TransitionOutOfTerminalRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)
	completed := types.SessionStatusCompleted
	require.NoError(t, r.Update(ctx, "sess", types.SessionUpdate{Status: &completed}))

	active := types.SessionStatusActive
	err = r.Update(ctx, "sess", types.SessionUpdate{Status: &active})
	require.Error(t, err)
}

func TestRegistry_PauseResume(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)
	active := types.SessionStatusActive
	require.NoError(t, r.Update(ctx, "sess", types.SessionUpdate{Status: &active}))

	require.NoError(t, r.Pause(ctx, "sess", "agent"))
	s, err := r.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusPaused, s.Status)

	require.NoError(t, r.Resume(ctx, "sess", "agent"))
	s, err = r.Get(ctx, "sess")
	require.NoError(t, err)
	assert.Equal(t, types.SessionStatusActive, s.Status)
}

func TestRegistry_Rename(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "old-name", "/ws/old", nil, nil)
	require.NoError(t, err)

	renamed, err := r.Rename(ctx, "old-name", "new-name")
	require.NoError(t, err)
	assert.Equal(t, "new-name", renamed.Name)
	assert.Equal(t, "/ws/old", renamed.WorkspacePath)

	gone, err := r.Get(ctx, "old-name")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRegistry_FocusFailsIfCompleted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Create(ctx, "sess", "/ws", nil, nil)
	require.NoError(t, err)
	completed := types.SessionStatusCompleted
	require.NoError(t, r.Update(ctx, "sess", types.SessionUpdate{Status: &completed}))

	_, err = r.Focus(ctx, "sess")
	require.Error(t, err)
}
