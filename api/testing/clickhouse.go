package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/sqlpilot/api/config"
)

// ClickHouseDBConfig holds the ClickHouse test container configuration.
type ClickHouseDBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *ClickHouseDBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// ClickHouseDB is a ClickHouse target database running in a test container.
type ClickHouseDB struct {
	log       *slog.Logger
	cfg       *ClickHouseDBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *ClickHouseDB) Addr() string {
	return db.addr
}

// ConnConfig returns connection settings for database inside the container.
func (db *ClickHouseDB) ConnConfig(database string) config.ClickHouseConfig {
	return config.ClickHouseConfig{
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

// Close terminates the ClickHouse container.
func (db *ClickHouseDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// NewClickHouseDB starts a ClickHouse test container.
func NewClickHouseDB(ctx context.Context, log *slog.Logger, cfg *ClickHouseDBConfig) (*ClickHouseDB, error) {
	if cfg == nil {
		cfg = &ClickHouseDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse DB config: %w", err)
	}

	container, err := startContainer("ClickHouse", func() (*tcch.ClickHouseContainer, error) {
		return tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &ClickHouseDB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// NewClickHouseTestConn creates a uniquely named database for the calling
// test and returns a connection to it along with the database name. The
// database is dropped on cleanup.
func NewClickHouseTestConn(t *testing.T, db *ClickHouseDB) (driver.Conn, string) {
	ctx := t.Context()

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	adminConn, err := config.OpenClickHouse(ctx, db.ConnConfig(db.cfg.Database))
	require.NoError(t, err, "failed to create ClickHouse admin connection")

	err = adminConn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+databaseName)
	require.NoError(t, err, "failed to create test database")

	testConn, err := config.OpenClickHouse(ctx, db.ConnConfig(databaseName))
	require.NoError(t, err, "failed to create ClickHouse test connection")

	t.Cleanup(func() {
		_ = testConn.Close()
		_ = adminConn.Exec(context.Background(), "DROP DATABASE IF EXISTS "+databaseName)
		_ = adminConn.Close()
	})

	return testConn, databaseName
}

// CreateClickHouseDemoTables creates the demo products and orders tables in
// the connection's database, with the same rows as the SQLite demo store.
func CreateClickHouseDemoTables(t *testing.T, conn driver.Conn) {
	ctx := t.Context()

	for _, stmt := range []string{
		`CREATE TABLE products (
			id UInt64,
			name String,
			price Float64,
			category Nullable(String),
			stock Int64 DEFAULT 0
		) ENGINE = MergeTree ORDER BY id`,
		`CREATE TABLE orders (
			id UInt64,
			product_id UInt64,
			quantity Int64,
			order_date DateTime DEFAULT now(),
			customer_name Nullable(String)
		) ENGINE = MergeTree ORDER BY id`,
		`INSERT INTO products VALUES
			(1, 'Laptop', 999.99, 'Electronics', 15),
			(2, 'Mouse', 29.99, 'Electronics', 50),
			(3, 'Keyboard', 79.99, 'Electronics', 30),
			(4, 'Monitor', 299.99, 'Electronics', 20),
			(5, 'Desk Chair', 199.99, 'Furniture', 10)`,
		`INSERT INTO orders VALUES
			(1, 1, 2, '2024-01-15 00:00:00', 'John Doe'),
			(2, 2, 5, '2024-01-16 00:00:00', 'Jane Smith'),
			(3, 1, 1, '2024-01-17 00:00:00', 'Bob Johnson')`,
	} {
		require.NoError(t, conn.Exec(ctx, stmt))
	}
}
