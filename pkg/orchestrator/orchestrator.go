// Package orchestrator composes the Store, Session Registry, Lock
// Manager, Merge Queue, and Recovery/Policy Engine into one runnable
// process: the background lock sweep, queue reclaim-stale sweep, and
// worker pipeline loops, wired the way cuemby-warren's Manager composes
// its subsystems and cuemby-warren's reconciler/scheduler drive their own
// ticker loops.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lprior-repo/isolate/pkg/config"
	"github.com/lprior-repo/isolate/pkg/events"
	"github.com/lprior-repo/isolate/pkg/lockmanager"
	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/metrics"
	"github.com/lprior-repo/isolate/pkg/queue"
	"github.com/lprior-repo/isolate/pkg/registry"
	"github.com/lprior-repo/isolate/pkg/store"
	"github.com/lprior-repo/isolate/pkg/types"
)

// Intervals for the three background loops. Unlike the lock TTL or the
// pool's acquire/idle timeouts, spec.md leaves these unspecified; they
// are tuned here the way cuemby-warren tunes its reconciler (10s) and
// scheduler (5s) loops — frequent enough that a dead worker's entries
// are reclaimed well within a human's patience, cheap enough that an
// idle queue costs nothing.
const (
	lockSweepInterval    = 30 * time.Second
	reclaimSweepInterval = 30 * time.Second
	workerPollInterval   = 2 * time.Second
	staleAfter           = 5 * time.Minute
)

// Orchestrator owns one process's worth of core-subsystem state: a
// single Store-backed connection pool shared by the registry, lock
// manager, and queue, plus the background loops that make the merge
// queue actually drain.
type Orchestrator struct {
	store    *store.Store
	registry *registry.Registry
	locks    *lockmanager.LockManager
	queue    *queue.Queue
	runner   queue.Runner
	broker   *events.Broker
	cfg      *config.Snapshot
	watcher  *config.Watcher
	agentID  string
	logger   zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Open builds an Orchestrator from a resolved configuration. The Store
// is opened (and its schema migrated) as part of this call; callers own
// the returned Orchestrator's lifetime and must call Close.
func Open(ctx context.Context, cfg config.Config, projectDir string) (*Orchestrator, error) {
	s, err := store.Open(ctx, cfg.StateDB, store.ReadWriteCreate, cfg.Recovery.ToTypes())
	if err != nil {
		return nil, err
	}

	locks := lockmanager.New(s.DB())
	reg := registry.New(s.DB(), locks)
	q := queue.New(s.DB())
	broker := events.NewBroker()

	snapshot := config.NewSnapshot(cfg)
	watcher := config.NewWatcher(snapshot, projectDir)

	return &Orchestrator{
		store:    s,
		registry: reg,
		locks:    locks,
		queue:    q,
		runner:   queue.ExecRunner,
		broker:   broker,
		cfg:      snapshot,
		watcher:  watcher,
		agentID:  "worker-" + uuid.NewString(),
		logger:   log.WithComponent("orchestrator"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Registry exposes the Session Registry to callers (CLI commands, RPC
// handlers) that need direct read/write access outside the pipeline.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Locks exposes the Lock Manager.
func (o *Orchestrator) Locks() *lockmanager.LockManager { return o.locks }

// Queue exposes the Merge Queue.
func (o *Orchestrator) Queue() *queue.Queue { return o.queue }

// EventBroker exposes the live-notification broker for subscribers such
// as a CLI watch shell.
func (o *Orchestrator) EventBroker() *events.Broker { return o.broker }

// Config returns the current, possibly hot-reloaded, configuration.
func (o *Orchestrator) Config() config.Config { return o.cfg.Load() }

// Start launches the background loops: lock expiry sweep, queue
// reclaim-stale sweep, worker pipeline, and (if enabled) the config file
// watcher. Start is idempotent; a second call is a no-op.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	o.broker.Start()
	o.watcher.Start()

	o.wg.Add(3)
	go o.runLockSweep()
	go o.runReclaimSweep()
	go o.runWorkerLoop()

	o.logger.Info().Str("agent_id", o.agentID).Msg("orchestrator started")
}

// Close stops every background loop and closes the underlying store.
// Safe to call even if Start was never called.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()

	if started {
		close(o.stopCh)
		o.wg.Wait()
		o.watcher.Stop()
		o.broker.Stop()
	}

	o.logger.Info().Msg("orchestrator stopped")
	return o.store.Close()
}

func (o *Orchestrator) runLockSweep() {
	defer o.wg.Done()
	ticker := time.NewTicker(lockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := o.locks.SweepExpired(context.Background(), time.Now()); err != nil {
				o.logger.Error().Err(err).Msg("lock sweep failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) runReclaimSweep() {
	defer o.wg.Done()
	ticker := time.NewTicker(reclaimSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			if _, err := o.queue.ReclaimStale(context.Background(), cutoff); err != nil {
				o.logger.Error().Err(err).Msg("reclaim-stale sweep failed")
			}
		case <-o.stopCh:
			return
		}
	}
}

// runWorkerLoop claims at most one pending queue entry per tick and
// drives it through the rebase/gate/merge pipeline to completion or
// failure. Failure semantics per spec §4.D: external-command failures
// are never fatal to the loop, they only move the entry's status.
func (o *Orchestrator) runWorkerLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(workerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.runOnePipelineCycle()
		case <-o.stopCh:
			return
		}
	}
}

func (o *Orchestrator) runOnePipelineCycle() {
	ctx := context.Background()

	claimTimer := metrics.NewTimer()
	entry, err := o.queue.Claim(ctx, o.agentID)
	claimTimer.ObserveDuration(metrics.QueueClaimDuration)
	if err != nil {
		o.logger.Error().Err(err).Msg("claim failed")
		return
	}
	if entry == nil {
		return
	}

	session, err := o.registry.Get(ctx, entry.Workspace)
	if err != nil {
		o.logger.Error().Err(err).Str("workspace", entry.Workspace).Msg("claimed entry has no session")
		return
	}

	logger := log.WithWorkspace(entry.Workspace)
	cfg := o.Config()

	logger.Info().Msg("claimed queue entry, starting pipeline")

	if err := o.runStep("rebase", func() error {
		return queue.RebaseStep(ctx, o.queue, o.runner, entry.Workspace, session.WorkspacePath, cfg.MainBranch)
	}); err != nil {
		o.publish(entry.ID, entry.Workspace, types.QueueEventFailed, err)
		return
	}

	if err := o.runStep("gate", func() error {
		return queue.GateStep(ctx, o.queue, o.runner, entry.Workspace, session.WorkspacePath, ":check")
	}); err != nil {
		o.publish(entry.ID, entry.Workspace, types.QueueEventFailed, err)
		return
	}

	if err := o.runStep("merge", func() error {
		return queue.MergeStep(ctx, o.queue, o.runner, entry.Workspace, session.WorkspacePath, cfg.MainBranch)
	}); err != nil {
		o.publish(entry.ID, entry.Workspace, types.QueueEventFailed, err)
		return
	}

	o.publish(entry.ID, entry.Workspace, types.QueueEventCompleted, nil)
}

func (o *Orchestrator) runStep(name string, step func() error) error {
	timer := metrics.NewTimer()
	err := step()
	timer.ObserveDurationVec(metrics.PipelineStepDuration, name)
	if err != nil {
		classification := "retryable"
		if terr, ok := err.(*types.Error); ok && terr.Kind != types.KindCommandError {
			classification = "terminal"
		}
		metrics.PipelineStepFailuresTotal.WithLabelValues(name, classification).Inc()
	}
	return err
}

func (o *Orchestrator) publish(queueID int64, workspace string, eventType types.QueueEventType, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.broker.Publish(&events.Notification{
		QueueID:   queueID,
		Workspace: workspace,
		EventType: eventType,
		Message:   msg,
	})
}

// RefreshGauges recomputes the point-in-time gauges (sessions by status,
// queue entries by status, locks held) from the store. Nothing calls it
// at startup or on a background tick; callers such as the doctor
// command invoke it when they want a fresh snapshot.
func (o *Orchestrator) RefreshGauges(ctx context.Context) error {
	sessions, err := o.registry.List(ctx, nil, true)
	if err != nil {
		return fmt.Errorf("refresh gauges: list sessions: %w", err)
	}
	counts := map[types.SessionStatus]int{}
	for _, s := range sessions {
		counts[s.Status]++
	}
	for _, status := range []types.SessionStatus{
		types.SessionStatusCreating, types.SessionStatusActive, types.SessionStatusPaused,
		types.SessionStatusCompleted, types.SessionStatusFailed,
	} {
		metrics.SessionsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}

	locks, err := o.locks.Locks(ctx)
	if err != nil {
		return fmt.Errorf("refresh gauges: list locks: %w", err)
	}
	metrics.LocksHeld.Set(float64(len(locks)))

	queueCounts, err := o.queue.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("refresh gauges: count queue entries: %w", err)
	}
	for _, status := range []types.QueueStatus{
		types.QueueStatusPending, types.QueueStatusClaimed, types.QueueStatusRebasing,
		types.QueueStatusTesting, types.QueueStatusReadyToMerge, types.QueueStatusMerging, types.QueueStatusMerged,
		types.QueueStatusFailedRetryable, types.QueueStatusFailedTerminal, types.QueueStatusCancelled,
	} {
		metrics.QueueEntriesTotal.WithLabelValues(string(status)).Set(float64(queueCounts[status]))
	}

	metrics.StorePoolOpenConns.Set(float64(o.store.Stats().OpenConnections))

	return nil
}
