package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a-essam23/spacesync/pkg/logging"
	"github.com/a-essam23/spacesync/pkg/pipeline"
	"github.com/a-essam23/spacesync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(logging.Discard(), "config")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, 20, cfg.Server.ConnectionLimit.MaxPerIP)
	assert.Equal(t, "reject", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 25*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, 256, cfg.Transport.SendBuffer)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.True(t, cfg.Store.AutoMigrate)
	require.Contains(t, cfg.Commands, "snippet-move")
	assert.Equal(t, []ModifierConfig{{Name: "rate_limit", Params: []string{"60/s"}}}, cfg.Commands["snippet-move"].Modifiers)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := `
server:
  address: ":9090"
  auth:
    jwtSecret: from-file
  connectionLimit:
    maxPerIP: 3
    mode: cycle
store:
  driver: memory
transport:
  pingInterval: 5s
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spacesync.yaml"), []byte(yaml), 0o600))
	t.Setenv("SPACESYNC_SERVER_AUTH_JWTSECRET", "from-env")

	cfg, err := Load(logging.Discard(), "spacesync")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "from-env", cfg.Server.Auth.JWTSecret)
	assert.Equal(t, 3, cfg.Server.ConnectionLimit.MaxPerIP)
	assert.Equal(t, "cycle", cfg.Server.ConnectionLimit.Mode)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Transport.PingInterval)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("store:\n  driver: mongo\n"), 0o600))

	_, err := Load(logging.Discard(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server: ServerConfig{Auth: AuthConfig{JWTSecret: "s"}},
			Store:  StoreConfig{Driver: "memory"},
		}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.Server.Auth.JWTSecret = "  "
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Server.ConnectionLimit.Mode = "queue"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Transport.PingInterval = -time.Second
	assert.Error(t, cfg.Validate())
}

func noopModifier(c *pipeline.Cargo, params ...string) error { return nil }

func provider(name string) (pipeline.ModifierFunc, bool) {
	if name == "log" || name == "rate_limit" {
		return noopModifier, true
	}
	return nil, false
}

func TestCompilePipelines(t *testing.T) {
	cfg := &Config{Commands: map[string]CommandConfig{
		"snippet-move": {Modifiers: []ModifierConfig{
			{Name: "log"},
			{Name: "rate_limit", Params: []string{"5/s"}},
		}},
	}}

	require.NoError(t, CompilePipelines(cfg, provider))

	steps := cfg.Pipelines[protocol.TypeSnippetMove]
	require.Len(t, steps, 2)
	assert.Equal(t, "log", steps[0].Name)
	assert.Equal(t, []string{"5/s"}, steps[1].Params)
	assert.NotNil(t, steps[1].Function)
}

func TestCompilePipelinesErrors(t *testing.T) {
	cfg := &Config{Commands: map[string]CommandConfig{
		"snippet-move": {Modifiers: []ModifierConfig{{Name: "teleport"}}},
	}}
	err := CompilePipelines(cfg, provider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")

	cfg = &Config{Commands: map[string]CommandConfig{
		"join": {Modifiers: []ModifierConfig{{Name: "log"}}},
	}}
	err = CompilePipelines(cfg, provider)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a mutating command")
}
