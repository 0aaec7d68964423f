package querier

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

var demoDDL = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		price REAL NOT NULL,
		category TEXT,
		stock INTEGER DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		product_id INTEGER,
		quantity INTEGER NOT NULL,
		order_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		customer_name TEXT,
		FOREIGN KEY (product_id) REFERENCES products(id)
	)`,
}

type demoProduct struct {
	id       int
	name     string
	price    float64
	category string
	stock    int
}

type demoOrder struct {
	id        int
	productID int
	quantity  int
	date      string
	customer  string
}

var demoProducts = []demoProduct{
	{1, "Laptop", 999.99, "Electronics", 15},
	{2, "Mouse", 29.99, "Electronics", 50},
	{3, "Keyboard", 79.99, "Electronics", 30},
	{4, "Monitor", 299.99, "Electronics", 20},
	{5, "Desk Chair", 199.99, "Furniture", 10},
}

var demoOrders = []demoOrder{
	{1, 1, 2, "2024-01-15", "John Doe"},
	{2, 2, 5, "2024-01-16", "Jane Smith"},
	{3, 1, 1, "2024-01-17", "Bob Johnson"},
}

// DemoSchema describes the tables created by SeedDemo.
func DemoSchema() *workflow.Schema {
	return &workflow.Schema{
		Tables: []workflow.Table{
			{
				Name: "products",
				Columns: []workflow.Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true},
					{Name: "name", Type: "TEXT"},
					{Name: "price", Type: "REAL"},
					{Name: "category", Type: "TEXT"},
					{Name: "stock", Type: "INTEGER"},
				},
			},
			{
				Name: "orders",
				Columns: []workflow.Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true},
					{Name: "product_id", Type: "INTEGER"},
					{Name: "quantity", Type: "INTEGER"},
					{Name: "order_date", Type: "TIMESTAMP"},
					{Name: "customer_name", Type: "TEXT"},
				},
			},
		},
		Relationships: []workflow.Relationship{
			{From: "orders.product_id", To: "products.id", Type: "foreign_key"},
		},
	}
}

// SeedDemo creates the demo products and orders tables in a SQLite database.
// Existing rows are left untouched.
func SeedDemo(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range demoDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, p := range demoProducts {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO products (id, name, price, category, stock) VALUES (?, ?, ?, ?, ?)`,
			p.id, p.name, p.price, p.category, p.stock)
		if err != nil {
			return fmt.Errorf("failed to insert product %d: %w", p.id, err)
		}
	}
	for _, o := range demoOrders {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO orders (id, product_id, quantity, order_date, customer_name) VALUES (?, ?, ?, ?, ?)`,
			o.id, o.productID, o.quantity, o.date, o.customer)
		if err != nil {
			return fmt.Errorf("failed to insert order %d: %w", o.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	return nil
}
