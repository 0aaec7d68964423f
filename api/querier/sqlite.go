package querier

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
	"github.com/malbeclabs/sqlpilot/api/metrics"
)

const (
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

// OpenSQLite opens the SQLite database at path. The target is only ever
// read, so the pool is kept small.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	return db, nil
}

// SQLite implements workflow.Querier against a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite querier.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Query executes a SQL query and returns the result. Database errors are
// reported in QueryResult.Error.
func (q *SQLite) Query(ctx context.Context, query string) (workflow.QueryResult, error) {
	query = strings.TrimSuffix(strings.TrimSpace(query), ";")

	start := time.Now()
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		metrics.RecordTargetQuery(DriverSQLite, time.Since(start), err)
		return workflow.QueryResult{SQL: query, Error: err.Error()}, nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		metrics.RecordTargetQuery(DriverSQLite, time.Since(start), err)
		return workflow.QueryResult{SQL: query, Error: err.Error()}, nil
	}

	var resultRows []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			metrics.RecordTargetQuery(DriverSQLite, time.Since(start), err)
			return workflow.QueryResult{SQL: query, Error: fmt.Sprintf("scan error: %v", err)}, nil
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		resultRows = append(resultRows, row)
	}

	if err := rows.Err(); err != nil {
		metrics.RecordTargetQuery(DriverSQLite, time.Since(start), err)
		return workflow.QueryResult{SQL: query, Error: err.Error()}, nil
	}

	metrics.RecordTargetQuery(DriverSQLite, time.Since(start), nil)

	return workflow.QueryResult{
		SQL:     query,
		Columns: columns,
		Rows:    resultRows,
		Count:   len(resultRows),
	}, nil
}
