// Package store implements the embedded SQL persistence layer: pre-open
// integrity checks against the engine's magic bytes, a bounded
// connection pool, idempotent schema creation via goose migrations, and
// the schema_version singleton guard. Every other core subsystem
// (registry, lockmanager, queue) shares this one pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lprior-repo/isolate/pkg/log"
	"github.com/lprior-repo/isolate/pkg/types"
)

// Pool tuning constants — part of the Store's public contract (spec §4.A).
const (
	MaxOpenConns   = 10
	AcquireTimeout = 5 * time.Second
	IdleTimeout    = 10 * time.Minute
)

// CurrentSchemaVersion guards against opening a store built by an
// incompatible schema.
const CurrentSchemaVersion = 1

// Mode controls whether Open may create a missing database file.
type Mode int

const (
	// ReadWrite never creates a missing file.
	ReadWrite Mode = iota
	// ReadWriteCreate creates the file (and parent directory) if absent.
	ReadWriteCreate
)

// Store wraps the database/sql handle with the pool and integrity
// policy every core subsystem shares.
type Store struct {
	db     *sql.DB
	path   string
	policy types.RecoveryConfig
}

// DB returns the underlying *sql.DB for subsystem packages to build
// their own prepared statements against. All subsystems share this one
// pool; no component opens its own connection.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the store's data-file path.
func (s *Store) Path() string { return s.path }

// Open opens or creates a store at path under the given mode, running
// the pre-open integrity protocol (spec §4.A) first. Corruption is
// routed through the recovery policy in cfg before any connection is
// attempted.
func Open(ctx context.Context, path string, mode Mode, cfg types.RecoveryConfig) (*Store, error) {
	logger := log.WithComponent("store")

	if mode == ReadWriteCreate {
		if err := ensureParentDir(path); err != nil {
			return nil, err
		}
	}

	if mode == ReadWrite {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, types.New(types.KindIOError, "database file does not exist: "+path).
					WithSuggestion("run the equivalent of 'isolate init' to create it").
					WithFixCommands("isolate init")
			}
			return nil, types.Wrap(types.KindIOError, err, "database file is not accessible: "+path).
				WithFixCommands("chmod 644 " + path)
		}
	}

	action, err := checkIntegrity(path, cfg)
	if err != nil {
		return nil, err
	}
	if action == recoverByDelete {
		logger.Warn().Str("path", path).Msg("removing corrupt database file per recovery policy")
		if err := recoverDelete(path, cfg); err != nil {
			return nil, err
		}
	}

	// foreign_keys and busy_timeout are per-connection settings; passing
	// them in the DSN applies them to every connection the pool opens.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to open database "+path)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxOpenConns)
	db.SetConnMaxIdleTime(IdleTimeout)

	pingCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to connect to database "+path)
	}

	if _, err := db.ExecContext(pingCtx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to enable foreign keys")
	}
	if _, err := db.ExecContext(pingCtx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to enable WAL mode")
	}

	if _, err := db.ExecContext(pingCtx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to set busy timeout")
	}

	s := &Store{db: db, path: path, policy: cfg}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.checkSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// AcquireContext returns a context bounded by the pool's acquire
// timeout, for use by subsystem queries that don't already carry a
// tighter deadline.
func AcquireContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, AcquireTimeout)
}

func (s *Store) checkSchemaVersion(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to read schema_version")
	}
	if version != CurrentSchemaVersion {
		return types.New(types.KindDatabaseError,
			fmt.Sprintf("schema_version mismatch: found %d, expected %d", version, CurrentSchemaVersion)).
			WithSuggestion("delete the database and let it be recreated, or run a migration tool for this version").
			WithFixCommands(fmt.Sprintf("rm %s && isolate init", s.path))
	}
	return nil
}

// Stats exposes the underlying pool's sql.DBStats for metrics/health
// reporting.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Wrap(types.KindIOError, err, "failed to create parent directory "+dir)
	}
	return nil
}
