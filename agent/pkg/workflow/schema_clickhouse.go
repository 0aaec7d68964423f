package workflow

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// clickhouseQuerier is the subset of driver.Conn used for introspection.
type clickhouseQuerier interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
}

// ClickHouseSchemaSource introspects table columns from ClickHouse system tables.
type ClickHouseSchemaSource struct {
	conn     clickhouseQuerier
	database string
}

// NewClickHouseSchemaSource creates a schema source for the given database.
func NewClickHouseSchemaSource(conn driver.Conn, database string) *ClickHouseSchemaSource {
	if database == "" {
		database = "default"
	}
	return &ClickHouseSchemaSource{conn: conn, database: database}
}

// FetchSchema retrieves table columns from system.columns.
func (s *ClickHouseSchemaSource) FetchSchema(ctx context.Context) (*Schema, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT
			table,
			name,
			type,
			is_in_primary_key
		FROM system.columns
		WHERE database = $1
		  AND table NOT LIKE '.inner%'
		ORDER BY table, position
	`, s.database)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns: %w", err)
	}
	defer rows.Close()

	schema := &Schema{}
	var current *Table
	for rows.Next() {
		var (
			table, name, typ string
			primaryKey       uint8
		)
		if err := rows.Scan(&table, &name, &typ, &primaryKey); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		if current == nil || current.Name != table {
			schema.Tables = append(schema.Tables, Table{Name: table})
			current = &schema.Tables[len(schema.Tables)-1]
		}
		current.Columns = append(current.Columns, Column{Name: name, Type: typ, PrimaryKey: primaryKey == 1})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	if len(schema.Tables) == 0 {
		return nil, fmt.Errorf("no tables found in database %s", s.database)
	}
	return schema, nil
}
