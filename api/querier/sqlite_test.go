package querier_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sqlpilot/api/querier"
)

func newTestSQLite(t *testing.T) *querier.SQLite {
	t.Helper()

	db, err := querier.OpenSQLite(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE products (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price REAL);
		INSERT INTO products (id, name, price) VALUES (1, 'Widget', 9.5), (2, 'Gadget', 19.99), (3, 'Gizmo', NULL);
	`)
	require.NoError(t, err)

	return querier.NewSQLite(db)
}

func TestSQLite_Query(t *testing.T) {
	t.Parallel()

	q := newTestSQLite(t)

	res, err := q.Query(t.Context(), "SELECT id, name, price FROM products ORDER BY id;")
	require.NoError(t, err)
	require.Empty(t, res.Error)

	assert.Equal(t, "SELECT id, name, price FROM products ORDER BY id", res.SQL)
	assert.Equal(t, []string{"id", "name", "price"}, res.Columns)
	require.Equal(t, 3, res.Count)
	assert.EqualValues(t, 1, res.Rows[0]["id"])
	assert.Equal(t, "Widget", res.Rows[0]["name"])
	assert.InDelta(t, 19.99, res.Rows[1]["price"], 0.0001)
	assert.Nil(t, res.Rows[2]["price"])
}

func TestSQLite_EmptyResult(t *testing.T) {
	t.Parallel()

	q := newTestSQLite(t)

	res, err := q.Query(t.Context(), "SELECT id FROM products WHERE price > 1000")
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.Equal(t, 0, res.Count)
	assert.Empty(t, res.Rows)
}

func TestSQLite_ErrorInResult(t *testing.T) {
	t.Parallel()

	q := newTestSQLite(t)

	res, err := q.Query(t.Context(), "SELECT colour FROM products")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "colour")
	assert.Nil(t, res.Rows)
}

func TestSeedDemo(t *testing.T) {
	t.Parallel()

	db, err := querier.OpenSQLite(filepath.Join(t.TempDir(), "demo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, querier.SeedDemo(t.Context(), db))
	require.NoError(t, querier.SeedDemo(t.Context(), db))

	q := querier.NewSQLite(db)
	res, err := q.Query(t.Context(), `
		SELECT p.name, SUM(o.quantity) AS units
		FROM orders o JOIN products p ON p.id = o.product_id
		GROUP BY p.name ORDER BY units DESC`)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.Equal(t, 2, res.Count)
	assert.Equal(t, "Mouse", res.Rows[0]["name"])
	assert.EqualValues(t, 5, res.Rows[0]["units"])

	// Every demo table is described by the demo schema.
	schema := querier.DemoSchema()
	for _, table := range schema.Tables {
		res, err := q.Query(t.Context(), "SELECT * FROM "+table.Name+" LIMIT 1")
		require.NoError(t, err)
		require.Empty(t, res.Error)
		assert.Len(t, res.Columns, len(table.Columns), table.Name)
	}
}
