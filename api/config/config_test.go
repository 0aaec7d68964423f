package config_test

import (
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sqlpilot/api/config"
)

func envFrom(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func load(t *testing.T, args []string, env map[string]string) (*config.Config, error) {
	t.Helper()
	return config.Load(flag.NewFlagSet("test", flag.ContinueOnError), args, envFrom(env))
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(t, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, config.TargetSQLite, cfg.TargetDriver)
	assert.Equal(t, config.SchemaSourceFile, cfg.SchemaSource)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 1000, cfg.MaxRows)
	assert.Equal(t, 10, cfg.MaxConversationMessages)
	assert.Equal(t, 20, cfg.MaxDisplayRows)
	assert.True(t, cfg.EnableInsights)
	assert.Equal(t, 100, cfg.LLMFormatThreshold)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Equal(t, "development", cfg.SentryEnvironment)
}

func TestLoad_EnvOverridesFlags(t *testing.T) {
	t.Parallel()

	cfg, err := load(t,
		[]string{"--max-retry-attempts=5", "--target-sqlite-path=/tmp/flag.db"},
		map[string]string{
			"PORT":                  "9090",
			"MAX_RETRY_ATTEMPTS":    "2",
			"QUERY_TIMEOUT_SECONDS": "10",
			"ENABLE_LLM_INSIGHTS":   "false",
			"CORS_ORIGINS":          "http://localhost:3000, https://app.example.com",
			"CLICKHOUSE_SECURE":     "true",
		})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "/tmp/flag.db", cfg.SQLitePath)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.False(t, cfg.EnableInsights)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.CORSOrigins)
	assert.True(t, cfg.ClickHouse.Secure)
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown driver", env: map[string]string{"TARGET_DRIVER": "oracle"}, wantErr: "unknown target driver"},
		{name: "unknown schema source", env: map[string]string{"SCHEMA_SOURCE": "http"}, wantErr: "unknown schema source"},
		{name: "s3 without bucket", env: map[string]string{"SCHEMA_SOURCE": "s3"}, wantErr: "bucket and key"},
		{name: "clickhouse schema with sqlite target", env: map[string]string{"SCHEMA_SOURCE": "clickhouse"}, wantErr: "requires the clickhouse target"},
		{name: "bad integer", env: map[string]string{"MAX_ROWS_RETURN": "many"}, wantErr: "invalid MAX_ROWS_RETURN"},
		{name: "negative retries", env: map[string]string{"MAX_RETRY_ATTEMPTS": "-1"}, wantErr: "must not be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := load(t, nil, tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
