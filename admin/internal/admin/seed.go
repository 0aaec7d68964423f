package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/malbeclabs/sqlpilot/api/querier"
)

// SeedTarget creates the demo tables in the SQLite database at path.
func SeedTarget(ctx context.Context, log *slog.Logger, path string, dryRun bool) error {
	if dryRun {
		log.Info("[DRY RUN] would seed target database", "path", path)
		return nil
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	db, err := querier.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := querier.SeedDemo(ctx, db); err != nil {
		return err
	}
	log.Info("target database seeded", "path", path)
	return nil
}

// WriteSchema writes the demo schema document to path.
func WriteSchema(log *slog.Logger, path string) error {
	data, err := json.MarshalIndent(querier.DemoSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write schema: %w", err)
	}
	log.Info("schema file written", "path", path)
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
