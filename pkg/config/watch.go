package config

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lprior-repo/isolate/pkg/log"
)

// Snapshot holds the live configuration behind an atomic.Value, so
// readers never hold a lock across a suspension point (spec §9's
// redesign note), mirroring ipiton's ReloadCoordinator.currentConfig.
type Snapshot struct {
	v atomic.Value
}

// NewSnapshot creates a snapshot seeded with cfg.
func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(cfg)
	return s
}

// Load returns the current configuration. Cheap: no lock, just an
// atomic load of the last-stored value.
func (s *Snapshot) Load() Config {
	return s.v.Load().(Config)
}

// Store atomically replaces the current configuration.
func (s *Snapshot) Store(cfg Config) {
	s.v.Store(cfg)
}

// Watcher reloads a Snapshot from disk whenever the project config file
// changes, debounced by watch.debounce_ms. It is a no-op if
// watch.enabled is false.
type Watcher struct {
	snapshot   *Snapshot
	projectDir string
	stopCh     chan struct{}
}

// NewWatcher creates a config file watcher for projectDir, publishing
// reloads into snapshot.
func NewWatcher(snapshot *Snapshot, projectDir string) *Watcher {
	return &Watcher{snapshot: snapshot, projectDir: projectDir, stopCh: make(chan struct{})}
}

// Start begins watching in a background goroutine. Errors setting up
// the filesystem watch are logged, not returned: a failed watch should
// not prevent the process from running with its already-loaded
// snapshot.
func (w *Watcher) Start() {
	cfg := w.snapshot.Load()
	if !cfg.Watch.Enabled {
		return
	}

	logger := log.WithComponent("config")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("failed to create config watcher")
		return
	}

	dir := filepath.Dir(ProjectConfigPath(w.projectDir))
	if err := fsw.Add(dir); err != nil {
		logger.Warn().Err(err).Str("path", dir).Msg("failed to watch config directory")
		fsw.Close()
		return
	}

	go w.run(fsw, logger)
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
}

func (w *Watcher) run(fsw *fsnotify.Watcher, logger zerolog.Logger) {
	defer fsw.Close()

	debounce := time.Duration(w.snapshot.Load().Watch.DebounceMS) * time.Millisecond
	var pending *time.Timer

	reload := func() {
		cfg, err := Load(w.projectDir)
		if err != nil {
			logger.Warn().Err(err).Msg("config reload failed, keeping previous snapshot")
			return
		}
		w.snapshot.Store(cfg)
		logger.Info().Msg("configuration reloaded")
	}

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != "config.toml" {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, reload)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("config watcher error")

		case <-w.stopCh:
			if pending != nil {
				pending.Stop()
			}
			return
		}
	}
}
