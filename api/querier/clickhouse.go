package querier

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/api/metrics"
)

// ClickHouse implements workflow.Querier against a ClickHouse connection pool.
type ClickHouse struct {
	conn driver.Conn
}

// NewClickHouse creates a new ClickHouse querier.
func NewClickHouse(conn driver.Conn) *ClickHouse {
	return &ClickHouse{conn: conn}
}

// Query executes a SQL query and returns the result. Database errors are
// reported in QueryResult.Error.
func (q *ClickHouse) Query(ctx context.Context, sql string) (workflow.QueryResult, error) {
	sql = strings.TrimSuffix(strings.TrimSpace(sql), ";")

	start := time.Now()
	rows, err := q.conn.Query(ctx, sql)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordTargetQuery(DriverClickHouse, duration, err)
		return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
	}
	defer rows.Close()

	columnTypes := rows.ColumnTypes()
	columns := make([]string, len(columnTypes))
	for i, ct := range columnTypes {
		columns[i] = ct.Name()
	}

	var resultRows []map[string]any
	for rows.Next() {
		// Create properly typed values based on column types
		values := make([]any, len(columnTypes))
		for i, ct := range columnTypes {
			values[i] = reflect.New(ct.ScanType()).Interface()
		}

		if err := rows.Scan(values...); err != nil {
			metrics.RecordTargetQuery(DriverClickHouse, duration, err)
			return workflow.QueryResult{SQL: sql, Error: fmt.Sprintf("scan error: %v", err)}, nil
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = reflect.ValueOf(values[i]).Elem().Interface()
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		metrics.RecordTargetQuery(DriverClickHouse, duration, err)
		return workflow.QueryResult{SQL: sql, Error: err.Error()}, nil
	}

	metrics.RecordTargetQuery(DriverClickHouse, time.Since(start), nil)

	return workflow.QueryResult{
		SQL:     sql,
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}
