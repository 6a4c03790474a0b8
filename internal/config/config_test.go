package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urlsentry/internal/model"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Defaults().Validate())
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		mutate    func(*Options)
		wantField string
	}{
		{name: "relative remote endpoint", mutate: func(o *Options) { o.RemoteEndpoint = "/list" }, wantField: "remoteEndpoint"},
		{name: "ftp callback", mutate: func(o *Options) { o.CallbackEndpoint = "ftp://x.test/hook" }, wantField: "callbackEndpoint"},
		{name: "zero check interval", mutate: func(o *Options) { o.CheckIntervalMs = 0 }, wantField: "checkIntervalMs"},
		{name: "zero retries", mutate: func(o *Options) { o.MaxRetries = 0 }, wantField: "maxRetries"},
		{name: "zero batch size", mutate: func(o *Options) { o.BatchSize = 0 }, wantField: "batchSize"},
		{name: "bad probe method", mutate: func(o *Options) { o.ProbeMethod = "POST" }, wantField: "probeMethod"},
		{name: "lowercase get is fine", mutate: func(o *Options) { o.ProbeMethod = "get" }},
		{name: "valid endpoints", mutate: func(o *Options) {
			o.RemoteEndpoint = "https://src.test/list"
			o.CallbackEndpoint = "http://hook.test/in"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o := Defaults()
			tt.mutate(&o)
			err := o.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *model.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}

func TestOptions_ValidateForStart(t *testing.T) {
	t.Parallel()

	o := Defaults()
	var cfgErr *model.ConfigError
	require.ErrorAs(t, o.ValidateForStart(0), &cfgErr)
	assert.Equal(t, "remoteEndpoint", cfgErr.Field)

	assert.NoError(t, o.ValidateForStart(2), "static items are a valid source")

	o.RemoteEndpoint = "https://src.test/list"
	assert.NoError(t, o.ValidateForStart(0))
}

func TestOptions_HistoryCap(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{0: 10, 5: 10, 10: 10, 30: 30, 50: 50, 500: 50} {
		assert.Equal(t, want, Options{HistoryLimit: in}.HistoryCap(), "limit %d", in)
	}
}

func TestOptions_Durations(t *testing.T) {
	t.Parallel()
	o := Options{CheckIntervalMs: 1500, RetryDelayMs: 20, TimeoutMs: 3000}
	assert.Equal(t, 1500*time.Millisecond, o.CheckInterval())
	assert.Equal(t, 20*time.Millisecond, o.RetryDelay())
	assert.Equal(t, 3*time.Second, o.Timeout())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults().CheckIntervalMs, cfg.Engine.CheckIntervalMs)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urlsentry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  callbackEndpoint: https://hook.test/in
  maxRetries: 5
  strictValidation: true
items:
  - id: 7
    url: https://a.test
    tags: [x, y]
  - url: https://b.test
    callbackName: b
server:
  port: 9000
database:
  path: /tmp/data/urlsentry.db
`), 0o600))

	t.Setenv("PORT", "9100")
	t.Setenv("CHECK_INTERVAL", "90s")
	t.Setenv("SYNC_INTERVAL", "2500")
	t.Setenv("REMOTE_ENDPOINT", "https://src.test/list")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "/tmp/data/urlsentry.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.StrictValidation)
	assert.Equal(t, Defaults().TimeoutMs, cfg.Engine.TimeoutMs, "unset fields keep defaults")
	assert.Equal(t, int64(90000), cfg.Engine.CheckIntervalMs)
	assert.Equal(t, int64(2500), cfg.Engine.SyncIntervalMs)
	assert.Equal(t, "https://src.test/list", cfg.Engine.RemoteEndpoint)

	items, err := cfg.StaticItems()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "id:7", items[0].Identity)
	assert.Contains(t, items[0].Extra, "tags")
	assert.Equal(t, "b", items[1].CallbackName)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
