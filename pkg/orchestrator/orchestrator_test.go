package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lprior-repo/isolate/pkg/config"
	"github.com/lprior-repo/isolate/pkg/events"
	"github.com/lprior-repo/isolate/pkg/lockmanager"
	"github.com/lprior-repo/isolate/pkg/queue"
	"github.com/lprior-repo/isolate/pkg/registry"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

// fakeRunner scripts the pipeline's external command outcomes so the
// worker loop can be driven end to end without a real jj/moon binary.
type fakeRunner struct {
	stdout map[string]string
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ string, args ...string) (string, string, int, error) {
	return f.stdout[args[0]], "", 0, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.StateDB = filepath.Join(dir, "state.db")
	cfg.WorkspaceDir = dir
	cfg.MainBranch = "main"

	s, err := store.Open(context.Background(), cfg.StateDB, store.ReadWriteCreate, cfg.Recovery.ToTypes())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	locks := lockmanager.New(s.DB())
	reg := registry.New(s.DB(), locks)
	q := queue.New(s.DB())

	return &Orchestrator{
		store:    s,
		registry: reg,
		locks:    locks,
		queue:    q,
		runner:   &fakeRunner{stdout: map[string]string{"log": "deadbeef"}},
		broker:   events.NewBroker(),
		cfg:      config.NewSnapshot(cfg),
		watcher:  config.NewWatcher(config.NewSnapshot(cfg), dir),
		agentID:  "test-agent",
		stopCh:   make(chan struct{}),
	}
}

func TestOrchestrator_RefreshGaugesCountsSessionsAndLocks(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.registry.Create(ctx, "ws1", "/tmp/ws1", nil, nil)
	require.NoError(t, err)
	_, err = o.registry.Create(ctx, "ws2", "/tmp/ws2", nil, nil)
	require.NoError(t, err)
	require.NoError(t, o.locks.Lock(ctx, "ws1", "agent-a", time.Minute))

	require.NoError(t, o.RefreshGauges(ctx))
}

func TestOrchestrator_PipelineCycleDrainsClaimedEntryToMerged(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.registry.Create(ctx, "ws1", "/tmp/ws1", nil, nil)
	require.NoError(t, err)
	_, err = o.queue.Add(ctx, "ws1", nil, 0, nil)
	require.NoError(t, err)

	o.runOnePipelineCycle()

	entry, err := o.queue.GetByWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusMerged, entry.Status)
}

func TestOrchestrator_PipelineCycleNoPendingEntriesIsNoop(t *testing.T) {
	o := newTestOrchestrator(t)
	o.runOnePipelineCycle() // must not panic with an empty queue
}

func TestOrchestrator_StartStopIsClean(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Start()
	o.Start() // idempotent
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, o.Close())
}

func TestOrchestrator_LockSweepRemovesExpiredLocks(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.registry.Create(ctx, "ws1", "/tmp/ws1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, o.locks.Lock(ctx, "ws1", "agent-a", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	n, err := o.locks.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
