// Command isolate-migrate applies pending schema migrations to a state
// database outside the normal serve lifecycle, for operators who want
// to run migrations as a separate deploy step. Grounded on
// cmd/warren-migrate's standalone, flag-driven (not cobra) migration
// tool shape.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"

	_ "modernc.org/sqlite"

	"github.com/lprior-repo/isolate/pkg/store"
)

var (
	dbPath = flag.String("db", "./.isolate/state.db", "Path to the isolate state database")
	dryRun = flag.Bool("dry-run", false, "List pending migrations without applying them")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Printf("isolate-migrate: database %s", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	if *dryRun {
		pending, err := store.PendingMigrations(ctx, db)
		if err != nil {
			log.Fatalf("failed to list pending migrations: %v", err)
		}
		if len(pending) == 0 {
			log.Println("✓ schema is up to date, nothing to apply")
			return
		}
		log.Printf("%d pending migration(s):", len(pending))
		for _, m := range pending {
			log.Printf("  %s", m)
		}
		return
	}

	if err := store.MigrateDB(ctx, db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("✓ schema is up to date")
}
