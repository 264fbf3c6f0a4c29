package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

func newTestQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "state.db"), store.ReadWriteCreate, types.RecoveryConfig{Policy: "warn"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	seedSession(t, s, "ws")
	return New(s.DB()), s
}

func seedSession(t *testing.T, s *store.Store, name string) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO sessions (name, status, state, workspace_path, created_at, updated_at)
		VALUES (?, 'active', 'working', '/ws/'||?, strftime('%s','now'), strftime('%s','now'))
	`, name, name)
	require.NoError(t, err)
}

func TestQueue_AddRejectsDuplicateNonTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	_, err = q.Add(ctx, "ws", nil, 0, nil)
	require.Error(t, err)
	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.KindWorkspaceConflict, terr.Kind)
}

// Property 5: claim exclusivity.
func TestQueue_S4ClaimExclusivity(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make([]*types.QueueEntry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := q.Claim(ctx, "agent")
			require.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r != nil {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestQueue_ClaimOrderingPriorityThenCreatedAt(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedSession(t, s, "ws2")
	seedSession(t, s, "ws3")

	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "ws2", nil, 5, nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "ws3", nil, 5, nil)
	require.NoError(t, err)

	first, err := q.Claim(ctx, "agent")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "ws2", first.Workspace) // priority 5, created first among ties
}

func TestQueue_TransitionInvalidEdgeRejected(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	err = q.TransitionTo(ctx, "ws", types.QueueStatusMerged)
	require.Error(t, err)
}

func TestQueue_RebaseAndGateHappyPath(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)

	err = q.TransitionTo(ctx, "ws", types.QueueStatusRebasing)
	require.NoError(t, err)
	err = q.UpdateRebaseMetadata(ctx, "ws", "head1", "main1", 1, time.Now())
	require.NoError(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusTesting, entry.Status)
	assert.Equal(t, "head1", *entry.HeadSHA)

	err = q.TransitionTo(ctx, "ws", types.QueueStatusReadyToMerge)
	require.NoError(t, err)
	err = q.TransitionTo(ctx, "ws", types.QueueStatusMerging)
	require.NoError(t, err)
	err = q.TransitionTo(ctx, "ws", types.QueueStatusMerged)
	require.NoError(t, err)

	entry, err = q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.True(t, entry.Status.Terminal())
}

// Property 6/7: FSM soundness + classify_step_error via Fail. With
// DefaultMaxAttempts=3, attempt_count must reach 3 (used up attempts
// 0,1,2 as retryable) before the next failure is terminal.
func TestQueue_FailRetryableThenTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err = q.Claim(ctx, "agent")
		require.NoError(t, err)
		status, err := q.Fail(ctx, "ws", "transient network blip")
		require.NoError(t, err)
		assert.Equal(t, types.QueueStatusFailedRetryable, status)
		require.NoError(t, q.Retry(ctx, "ws"))
	}

	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)
	status, err := q.Fail(ctx, "ws", "transient network blip again")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusFailedTerminal, status)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, entry.MaxAttempts, entry.AttemptCount, "attempt_count must not exceed max_attempts")
}

func TestQueue_FailTerminalKeyword(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)

	status, err := q.Fail(ctx, "ws", "permission denied while pushing")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusFailedTerminal, status)
}

func TestQueue_CancelNonTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "ws"))
	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusCancelled, entry.Status)

	err = q.Cancel(ctx, "ws")
	require.Error(t, err)
}

func TestQueue_ReclaimStale(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)

	_, err = s.DB().Exec(`UPDATE queue_entries SET updated_at = ? WHERE workspace = ?`, time.Now().Add(-time.Hour).UTC().Unix(), "ws")
	require.NoError(t, err)

	n, err := q.ReclaimStale(ctx, time.Now().Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusPending, entry.Status)
	assert.Nil(t, entry.AgentID)
}
