package history_test

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sqlpilot/api/history"
	apitesting "github.com/malbeclabs/sqlpilot/api/testing"
	testutil "github.com/malbeclabs/sqlpilot/utils/pkg/testing"
)

var testPgDB *apitesting.PostgresDB

func TestMain(m *testing.M) {
	flag.Parse()

	if !testing.Short() {
		var err error
		testPgDB, err = apitesting.NewPostgresDB(context.Background(), slog.Default(), nil)
		if err != nil {
			slog.Warn("PostgreSQL container unavailable, skipping history tests", "error", err)
		}
	}

	code := m.Run()

	if testPgDB != nil {
		testPgDB.Close()
	}

	os.Exit(code)
}

// newTestRepository returns a repository on a freshly migrated database.
func newTestRepository(t *testing.T) (*history.PostgresRepository, *pgxpool.Pool) {
	t.Helper()
	if testPgDB == nil {
		t.Skip("PostgreSQL container not available")
	}

	pool := apitesting.NewPostgresTestPool(t, testPgDB)
	log := testutil.NewLogger()
	require.NoError(t, history.RunMigrations(t.Context(), log, pool))

	return history.NewPostgresRepository(log, pool), pool
}
