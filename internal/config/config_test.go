package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/explain-cli/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.Backend.URL)
	assert.Equal(t, 300, cfg.Backend.TimeoutSecs)
	assert.Equal(t, 60, cfg.Backend.HeaderTimeoutSecs)
	assert.InDelta(t, 2.0, cfg.Backend.RateLimit, 0.001)
	assert.Equal(t, 0, cfg.Backend.ConnectRetries)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "explain.db", cfg.Store.DatabaseURL)
	assert.Equal(t, SinkBackend, cfg.History.Sink)
	assert.Equal(t, model.LiteracyGrade6, cfg.Request.LiteracyLevel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NotEmpty(t, cfg.Pricing.Models)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
backend:
  url: https://api.example.com
  connect_retries: 3
store:
  driver: postgres
  database_url: postgres://localhost/explain
  pool:
    max_conns: 4
history:
  sink: store
request:
  literacy_level: clinical
  tone: 4
  short_comment: true
pricing:
  models:
    custom-model:
      input: 1.5
      output: 2.5
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.Backend.URL)
	assert.Equal(t, 3, cfg.Backend.ConnectRetries)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(4), cfg.Store.Pool.MaxConns)
	assert.Equal(t, SinkStore, cfg.History.Sink)
	assert.Equal(t, model.LiteracyClinical, cfg.Request.LiteracyLevel)
	assert.Equal(t, 4, cfg.Request.Tone)
	require.NotNil(t, cfg.Request.ShortComment)
	assert.True(t, *cfg.Request.ShortComment)
	assert.InDelta(t, 2.5, cfg.Pricing.Models["custom-model"].Output, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("EXPLAIN_BACKEND_TOKEN", "tok-123")
	t.Setenv("EXPLAIN_SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Backend.Token)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EXPLAIN_HISTORY_SINK=none\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("EXPLAIN_HISTORY_SINK") }) //nolint:errcheck

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, SinkNone, cfg.History.Sink)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("backend: [\n"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "warn", Format: "json"}))

	err := InitLogger(LogConfig{Level: "nonsense"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	return &Config{
		Backend: BackendConfig{URL: "https://api.example.com", Token: "tok", TimeoutSecs: 300},
		Store:   StoreConfig{Driver: "sqlite", DatabaseURL: "explain.db"},
		History: HistoryConfig{Sink: SinkBackend},
		Server:  ServerConfig{Port: 8080},
	}
}

func TestValidateAnalyze_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("analyze"))
}

func TestValidateAnalyze_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Backend.URL = ""
	cfg.Backend.Token = ""

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.url is required")
	assert.Contains(t, err.Error(), "backend.token is required")
}

func TestValidateAnalyze_RelativeURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Backend.URL = "localhost:8000/api"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute URL")
}

func TestValidateAnalyze_StoreSinkNeedsStore(t *testing.T) {
	cfg := validDefaults()
	cfg.History.Sink = SinkStore
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateAnalyze_BadSink(t *testing.T) {
	cfg := validDefaults()
	cfg.History.Sink = "s3"

	err := cfg.Validate("analyze")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.sink")
}

func TestValidateBatch_RequiresStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("batch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be between 1 and 65535")

	cfg.Server.Port = 9090
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateStore(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Driver: "postgres", DatabaseURL: "postgres://localhost/x"}}
	assert.NoError(t, cfg.Validate("store"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDurations(t *testing.T) {
	b := BackendConfig{TimeoutSecs: 90, HeaderTimeoutSecs: 10}
	assert.Equal(t, "1m30s", b.Timeout().String())
	assert.Equal(t, "10s", b.HeaderTimeout().String())
	assert.Equal(t, "30s", HistoryConfig{PersistTimeoutSecs: 30}.PersistTimeout().String())
}
