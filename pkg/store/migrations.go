package store

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/lprior-repo/isolate/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrate brings the schema up to CurrentSchemaVersion using goose,
// reading migrations from the binary's embedded filesystem so the
// store never depends on a migrations directory existing on disk next
// to the executable.
func (s *Store) migrate(ctx context.Context) error {
	return MigrateDB(ctx, s.db)
}

// MigrateDB applies every embedded migration to db, in order, skipping
// any already recorded as applied. Exported so cmd/isolate-migrate can
// run migrations against a database without going through the full
// Open protocol (pre-open integrity checks, pool tuning, PRAGMAs).
func MigrateDB(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to set migration dialect")
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return types.Wrap(types.KindDatabaseError, err, "failed to apply schema migrations")
	}

	return nil
}

// PendingMigrations reports the embedded migration versions not yet
// applied to db, without applying them.
func PendingMigrations(ctx context.Context, db *sql.DB) ([]string, error) {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to set migration dialect")
	}

	migrations, err := goose.CollectMigrations("migrations", 0, goose.MaxVersion)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to collect migrations")
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return nil, types.Wrap(types.KindDatabaseError, err, "failed to read current migration version")
	}

	var pending []string
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m.Source)
		}
	}
	return pending, nil
}
