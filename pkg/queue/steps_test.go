package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/pkg/types"
)

// fakeRunner lets tests script command outcomes without touching a real
// shell, translating the worker_steps.rs EnvGuard/fake-binary pattern
// into an injectable Go interface.
type fakeRunner struct {
	calls    [][]string
	stdout   map[string]string // keyed by args[0] (the jj/moon subcommand)
	stderr   map[string]string
	exitCode map[string]int
	failOn   map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		stdout:   map[string]string{},
		stderr:   map[string]string{},
		exitCode: map[string]int{},
		failOn:   map[string]bool{},
	}
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ string, args ...string) (string, string, int, error) {
	f.calls = append(f.calls, args)
	key := args[0]
	if f.failOn[key] {
		return f.stdout[key], f.stderr[key], 1, errExitNonZero
	}
	return f.stdout[key], f.stderr[key], f.exitCode[key], nil
}

var errExitNonZero = assertError("command exited non-zero")

type assertError string

func (e assertError) Error() string { return string(e) }

func TestRebaseStep_SuccessPersistsMetadata(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.stdout["log"] = "HEAD_SHA_TEST"

	err = RebaseStep(ctx, q, runner, "ws", "/tmp/ws", "main")
	require.NoError(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusTesting, entry.Status)
	require.NotNil(t, entry.HeadSHA)
	assert.Equal(t, "HEAD_SHA_TEST", *entry.HeadSHA)
	assert.Equal(t, 1, entry.RebaseCount)
}

// Scenario S5: rebase conflict becomes a retryable failure.
func TestRebaseStep_ConflictMarksFailedRetryable(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.failOn["rebase"] = true
	runner.stderr["rebase"] = "Error: conflict in file.rs"

	err = RebaseStep(ctx, q, runner, "ws", "/tmp/ws", "main")
	require.Error(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusFailedRetryable, entry.Status)
	assert.Nil(t, entry.HeadSHA)
}

func TestRebaseStep_RejectsNonClaimedEntry(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)

	err = RebaseStep(ctx, q, newFakeRunner(), "ws", "/tmp/ws", "main")
	require.Error(t, err)
}

func TestGateStep_SuccessTransitionsToReady(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusRebasing))
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusTesting))

	runner := newFakeRunner()
	err = GateStep(ctx, q, runner, "ws", "/tmp/ws", ":check")
	require.NoError(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusReadyToMerge, entry.Status)
}

func TestGateStep_FailureMarksRetryable(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusRebasing))
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusTesting))

	runner := newFakeRunner()
	runner.failOn["run"] = true
	runner.stderr["run"] = "error: lint failed"

	err = GateStep(ctx, q, runner, "ws", "/tmp/ws", ":check")
	require.Error(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusFailedRetryable, entry.Status)
}

func TestMergeStep_SuccessReachesMerged(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Add(ctx, "ws", nil, 0, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "agent")
	require.NoError(t, err)
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusRebasing))
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusTesting))
	require.NoError(t, q.TransitionTo(ctx, "ws", types.QueueStatusReadyToMerge))

	runner := newFakeRunner()
	err = MergeStep(ctx, q, runner, "ws", "/tmp/ws", "main")
	require.NoError(t, err)

	entry, err := q.GetByWorkspace(ctx, "ws")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusMerged, entry.Status)
	assert.True(t, entry.Status.Terminal())
}

func TestIsConflictError(t *testing.T) {
	assert.True(t, isConflictError("Error: conflict in file.rs"))
	assert.True(t, isConflictError("Could not resolve revs"))
	assert.True(t, isConflictError("Merge conflict detected"))
	assert.True(t, isConflictError("3-way merge failed"))
	assert.False(t, isConflictError("Error: network timeout"))
	assert.False(t, isConflictError("Error: permission denied"))
}
