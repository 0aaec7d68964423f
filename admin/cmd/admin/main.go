package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/sqlpilot/admin/internal/admin"
	"github.com/malbeclabs/sqlpilot/api/history"
	"github.com/malbeclabs/sqlpilot/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// History database configuration
	historyDatabaseURLFlag := flag.String("history-database-url", "", "PostgreSQL URL of the history database (or set HISTORY_DATABASE_URL env var)")

	// Target database configuration
	sqlitePathFlag := flag.String("sqlite-path", "data/target.db", "Path of the SQLite target database (or set TARGET_SQLITE_PATH env var)")
	schemaPathFlag := flag.String("schema-path", "data/schema.json", "Path of the schema document (or set SCHEMA_PATH env var)")

	// Commands
	historyMigrateFlag := flag.Bool("history-migrate", false, "Run history database migrations using goose")
	historyMigrateStatusFlag := flag.Bool("history-migrate-status", false, "Show history database migration status")
	seedTargetFlag := flag.Bool("seed-target", false, "Create the demo products and orders tables in the SQLite target database")
	writeSchemaFlag := flag.Bool("write-schema", false, "Write the demo schema document")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("HISTORY_DATABASE_URL"); env != "" {
		*historyDatabaseURLFlag = env
	}
	if env := os.Getenv("TARGET_SQLITE_PATH"); env != "" {
		*sqlitePathFlag = env
	}
	if env := os.Getenv("SCHEMA_PATH"); env != "" {
		*schemaPathFlag = env
	}

	ctx := context.Background()

	if *historyMigrateFlag || *historyMigrateStatusFlag {
		if *historyDatabaseURLFlag == "" {
			return fmt.Errorf("--history-database-url is required for history migrations")
		}
		pool, err := history.Connect(ctx, *historyDatabaseURLFlag)
		if err != nil {
			return err
		}
		defer pool.Close()

		if *historyMigrateStatusFlag {
			return history.MigrationStatus(ctx, log, pool)
		}
		return history.RunMigrations(ctx, log, pool)
	}

	if *seedTargetFlag {
		if err := admin.SeedTarget(ctx, log, *sqlitePathFlag, *dryRunFlag); err != nil {
			return err
		}
	}

	if *writeSchemaFlag {
		if *dryRunFlag {
			log.Info("[DRY RUN] would write schema file", "path", *schemaPathFlag)
			return nil
		}
		return admin.WriteSchema(log, *schemaPathFlag)
	}

	return nil
}
