package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/sqlpilot/agent/pkg/format"
	"github.com/malbeclabs/sqlpilot/agent/pkg/workflow"
)

const (
	TargetSQLite     = "sqlite"
	TargetClickHouse = "clickhouse"

	SchemaSourceFile       = "file"
	SchemaSourceS3         = "s3"
	SchemaSourceClickHouse = "clickhouse"

	defaultListenAddr      = ":8080"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultSQLitePath      = "data/target.db"
	defaultSchemaPath      = "data/schema.json"
	defaultSentryEnv       = "development"
	defaultClickHouseAddr  = "localhost:9000"
	defaultClickHouseDB    = "default"
	defaultClickHouseUser  = "default"
	defaultHistoryDatabase = "postgres://localhost:5432/sqlpilot?sslmode=disable"
)

// ClickHouseConfig holds the ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

// S3Config locates the schema document in a bucket.
type S3Config struct {
	Bucket   string
	Key      string
	Region   string
	Endpoint string
}

// Config is the API server configuration.
type Config struct {
	Verbose     bool
	ListenAddr  string
	MetricsAddr string

	AnthropicAPIKey string
	AnthropicModel  string

	HistoryDatabaseURL string

	TargetDriver string
	SQLitePath   string
	ClickHouse   ClickHouseConfig

	SchemaSource string
	SchemaPath   string
	SchemaS3     S3Config

	MaxRetries              int
	QueryTimeout            time.Duration
	MaxRows                 int
	MaxConversationMessages int
	MaxDisplayRows          int
	EnableInsights          bool
	LLMFormatThreshold      int

	CORSOrigins []string

	SentryDSN         string
	SentryEnvironment string
}

// Load parses flags from args and then applies environment overrides read
// through getenv. Environment values win over flags.
func Load(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}

	fs.BoolVar(&cfg.Verbose, "verbose", false, "enable verbose (debug) logging")
	fs.StringVar(&cfg.ListenAddr, "listen-addr", defaultListenAddr, "HTTP server listen address (or set LISTEN_ADDR / PORT env var)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics, empty to disable")
	fs.StringVar(&cfg.AnthropicModel, "anthropic-model", string(workflow.DefaultAnthropicModel), "Anthropic model (or set ANTHROPIC_MODEL env var)")
	fs.StringVar(&cfg.HistoryDatabaseURL, "history-database-url", defaultHistoryDatabase, "PostgreSQL URL for conversation history (or set HISTORY_DATABASE_URL env var)")
	fs.StringVar(&cfg.TargetDriver, "target-driver", TargetSQLite, "Target database driver: sqlite or clickhouse (or set TARGET_DRIVER env var)")
	fs.StringVar(&cfg.SQLitePath, "target-sqlite-path", defaultSQLitePath, "Path to the target SQLite database (or set TARGET_SQLITE_PATH env var)")
	fs.StringVar(&cfg.ClickHouse.Addr, "clickhouse-addr", defaultClickHouseAddr, "ClickHouse server address (or set CLICKHOUSE_ADDR_TCP env var)")
	fs.StringVar(&cfg.ClickHouse.Database, "clickhouse-database", defaultClickHouseDB, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	fs.StringVar(&cfg.ClickHouse.Username, "clickhouse-username", defaultClickHouseUser, "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	fs.BoolVar(&cfg.ClickHouse.Secure, "clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	fs.StringVar(&cfg.SchemaSource, "schema-source", SchemaSourceFile, "Schema source: file, s3 or clickhouse (or set SCHEMA_SOURCE env var)")
	fs.StringVar(&cfg.SchemaPath, "schema-path", defaultSchemaPath, "Path to the schema JSON document (or set SCHEMA_PATH env var)")
	fs.StringVar(&cfg.SchemaS3.Bucket, "schema-s3-bucket", "", "S3 bucket holding the schema document (or set SCHEMA_S3_BUCKET env var)")
	fs.StringVar(&cfg.SchemaS3.Key, "schema-s3-key", "schema.json", "S3 key of the schema document (or set SCHEMA_S3_KEY env var)")
	fs.StringVar(&cfg.SchemaS3.Region, "schema-s3-region", "us-east-1", "AWS region of the schema bucket (or set SCHEMA_S3_REGION env var)")
	fs.IntVar(&cfg.MaxRetries, "max-retry-attempts", workflow.DefaultMaxRetries, "Maximum SQL correction attempts")
	fs.DurationVar(&cfg.QueryTimeout, "query-timeout", workflow.DefaultQueryTimeout, "Per-query execution timeout")
	fs.IntVar(&cfg.MaxRows, "max-rows", workflow.DefaultMaxRows, "LIMIT applied to queries without one")
	fs.IntVar(&cfg.MaxConversationMessages, "max-conversation-messages", workflow.DefaultMaxConversationMessages, "Recent messages loaded as conversation context")
	fs.IntVar(&cfg.MaxDisplayRows, "max-display-rows", format.DefaultMaxDisplayRows, "Rows rendered in formatted responses")
	fs.BoolVar(&cfg.EnableInsights, "enable-llm-insights", true, "Add LLM insights to aggregation and join results")
	fs.IntVar(&cfg.LLMFormatThreshold, "format-with-llm-threshold", format.DefaultLLMThreshold, "Row count below which LLM insights are generated")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.SentryEnvironment = defaultSentryEnv
	cfg.CORSOrigins = []string{"*"}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	if port := getenv("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}
	setString("LISTEN_ADDR", &cfg.ListenAddr)
	setString("METRICS_ADDR", &cfg.MetricsAddr)
	setString("ANTHROPIC_API_KEY", &cfg.AnthropicAPIKey)
	setString("ANTHROPIC_MODEL", &cfg.AnthropicModel)
	setString("HISTORY_DATABASE_URL", &cfg.HistoryDatabaseURL)
	setString("TARGET_DRIVER", &cfg.TargetDriver)
	setString("TARGET_SQLITE_PATH", &cfg.SQLitePath)
	setString("CLICKHOUSE_ADDR_TCP", &cfg.ClickHouse.Addr)
	setString("CLICKHOUSE_DATABASE", &cfg.ClickHouse.Database)
	setString("CLICKHOUSE_USERNAME", &cfg.ClickHouse.Username)
	setString("CLICKHOUSE_PASSWORD", &cfg.ClickHouse.Password)
	if getenv("CLICKHOUSE_SECURE") == "true" {
		cfg.ClickHouse.Secure = true
	}
	setString("SCHEMA_SOURCE", &cfg.SchemaSource)
	setString("SCHEMA_PATH", &cfg.SchemaPath)
	setString("SCHEMA_S3_BUCKET", &cfg.SchemaS3.Bucket)
	setString("SCHEMA_S3_KEY", &cfg.SchemaS3.Key)
	setString("SCHEMA_S3_REGION", &cfg.SchemaS3.Region)
	setString("SCHEMA_S3_ENDPOINT", &cfg.SchemaS3.Endpoint)
	setString("SENTRY_DSN", &cfg.SentryDSN)
	setString("SENTRY_ENVIRONMENT", &cfg.SentryEnvironment)

	if origins := getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := setInt("MAX_RETRY_ATTEMPTS", &cfg.MaxRetries); err != nil {
		return err
	}
	var timeoutSeconds int
	if err := setInt("QUERY_TIMEOUT_SECONDS", &timeoutSeconds); err != nil {
		return err
	}
	if timeoutSeconds > 0 {
		cfg.QueryTimeout = time.Duration(timeoutSeconds) * time.Second
	}
	if err := setInt("MAX_ROWS_RETURN", &cfg.MaxRows); err != nil {
		return err
	}
	if err := setInt("MAX_CONVERSATION_MESSAGES", &cfg.MaxConversationMessages); err != nil {
		return err
	}
	if err := setInt("MAX_DISPLAY_ROWS", &cfg.MaxDisplayRows); err != nil {
		return err
	}
	if err := setBool("ENABLE_LLM_INSIGHTS", &cfg.EnableInsights); err != nil {
		return err
	}
	return setInt("FORMAT_WITH_LLM_THRESHOLD", &cfg.LLMFormatThreshold)
}

// Validate checks the configuration for consistency.
func (cfg *Config) Validate() error {
	switch cfg.TargetDriver {
	case TargetSQLite:
		if cfg.SQLitePath == "" {
			return errors.New("target sqlite path is required")
		}
	case TargetClickHouse:
		if cfg.ClickHouse.Addr == "" {
			return errors.New("clickhouse address is required")
		}
	default:
		return fmt.Errorf("unknown target driver %q", cfg.TargetDriver)
	}

	switch cfg.SchemaSource {
	case SchemaSourceFile:
		if cfg.SchemaPath == "" {
			return errors.New("schema path is required")
		}
	case SchemaSourceS3:
		if cfg.SchemaS3.Bucket == "" || cfg.SchemaS3.Key == "" {
			return errors.New("schema s3 bucket and key are required")
		}
	case SchemaSourceClickHouse:
		if cfg.TargetDriver != TargetClickHouse {
			return errors.New("clickhouse schema source requires the clickhouse target driver")
		}
	default:
		return fmt.Errorf("unknown schema source %q", cfg.SchemaSource)
	}

	if cfg.HistoryDatabaseURL == "" {
		return errors.New("history database URL is required")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("max retry attempts must not be negative")
	}
	if cfg.QueryTimeout <= 0 {
		return errors.New("query timeout must be positive")
	}
	if cfg.MaxRows <= 0 {
		return errors.New("max rows must be positive")
	}
	return nil
}

// OpenClickHouse creates the ClickHouse connection pool and pings it.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}

	// Enable TLS for ClickHouse Cloud (port 9440)
	if cfg.Secure {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create clickhouse connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	return conn, nil
}
