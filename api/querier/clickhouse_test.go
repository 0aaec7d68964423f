package querier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/api/querier"
	apitesting "github.com/malbeclabs/sqlpilot/api/testing"
)

func TestClickHouse_Query(t *testing.T) {
	db := requireClickHouse(t)
	conn, _ := apitesting.NewClickHouseTestConn(t, db)
	apitesting.CreateClickHouseDemoTables(t, conn)

	q := querier.NewClickHouse(conn)
	res, err := q.Query(t.Context(), "SELECT id, name, price, category FROM products WHERE id <= 2 ORDER BY id;")
	require.NoError(t, err)
	require.Empty(t, res.Error)

	assert.Equal(t, []string{"id", "name", "price", "category"}, res.Columns)
	require.Equal(t, 2, res.Count)

	workflow.SanitizeRows(res.Rows)
	assert.EqualValues(t, 1, res.Rows[0]["id"])
	assert.Equal(t, "Laptop", res.Rows[0]["name"])
	assert.InDelta(t, 29.99, res.Rows[1]["price"], 0.0001)
	assert.Equal(t, "Electronics", res.Rows[1]["category"])
}

func TestClickHouse_Aggregation(t *testing.T) {
	db := requireClickHouse(t)
	conn, _ := apitesting.NewClickHouseTestConn(t, db)
	apitesting.CreateClickHouseDemoTables(t, conn)

	res, err := querier.NewClickHouse(conn).Query(t.Context(), `
		SELECT p.name AS name, sum(o.quantity) AS units
		FROM orders o JOIN products p ON p.id = o.product_id
		GROUP BY p.name ORDER BY units DESC`)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.Equal(t, 2, res.Count)

	workflow.SanitizeRows(res.Rows)
	assert.Equal(t, "Mouse", res.Rows[0]["name"])
	assert.EqualValues(t, 5, res.Rows[0]["units"])
}

func TestClickHouse_ErrorInResult(t *testing.T) {
	db := requireClickHouse(t)
	conn, _ := apitesting.NewClickHouseTestConn(t, db)

	res, err := querier.NewClickHouse(conn).Query(t.Context(), "SELECT * FROM missing_table")
	require.NoError(t, err)
	assert.Contains(t, res.Error, "missing_table")
}

func TestClickHouseSchemaSource(t *testing.T) {
	db := requireClickHouse(t)
	conn, database := apitesting.NewClickHouseTestConn(t, db)
	apitesting.CreateClickHouseDemoTables(t, conn)

	schema, err := workflow.NewClickHouseSchemaSource(conn, database).FetchSchema(t.Context())
	require.NoError(t, err)
	require.Len(t, schema.Tables, 2)

	orders := schema.Tables[0]
	assert.Equal(t, "orders", orders.Name)
	require.Len(t, orders.Columns, 5)
	assert.Equal(t, "id", orders.Columns[0].Name)
	assert.True(t, orders.Columns[0].PrimaryKey)
	assert.False(t, orders.Columns[1].PrimaryKey)

	assert.Equal(t, "products", schema.Tables[1].Name)
	assert.Contains(t, schema.Text(), "Table: products")
}

func TestClickHouseSchemaSource_EmptyDatabase(t *testing.T) {
	db := requireClickHouse(t)
	conn, database := apitesting.NewClickHouseTestConn(t, db)

	_, err := workflow.NewClickHouseSchemaSource(conn, database).FetchSchema(t.Context())
	require.Error(t, err)
}
