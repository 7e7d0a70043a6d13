package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ParseConfigPath tests ---

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr bool
	}{
		{"single segment", "telegram", []string{"telegram"}, false},
		{"two segments", "session.ttlMinutes", []string{"session", "ttlMinutes"}, false},
		{"three segments", "gateway.auth.mode", []string{"gateway", "auth", "mode"}, false},
		{"empty", "", nil, true},
		{"empty segment", "session..ttlMinutes", nil, true},
		{"trailing dot", "session.", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfigPath(tt.input)
			if tt.wantErr {
				var ce *ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// --- Get/Set/Unset tests ---

func TestGetValueAtPath(t *testing.T) {
	root := map[string]any{
		"session": map[string]any{"ttlMinutes": 15},
		"simple":  "value",
	}

	val, ok := GetValueAtPath(root, []string{"session", "ttlMinutes"})
	assert.True(t, ok)
	assert.Equal(t, 15, val)

	_, ok = GetValueAtPath(root, []string{"session", "missing"})
	assert.False(t, ok)

	_, ok = GetValueAtPath(root, []string{"simple", "sub"})
	assert.False(t, ok)
}

func TestSetValueAtPath_CreatesIntermediates(t *testing.T) {
	root := map[string]any{"shipstation": "not-a-map"}

	SetValueAtPath(root, []string{"shipstation", "markup"}, 7.5)
	SetValueAtPath(root, []string{"oxapay", "currency"}, "USDT")

	val, ok := GetValueAtPath(root, []string{"shipstation", "markup"})
	assert.True(t, ok)
	assert.Equal(t, 7.5, val)
	val, ok = GetValueAtPath(root, []string{"oxapay", "currency"})
	assert.True(t, ok)
	assert.Equal(t, "USDT", val)
}

func TestUnsetValueAtPath(t *testing.T) {
	root := map[string]any{
		"gateway": map[string]any{"port": 18790, "bind": "lan"},
	}

	assert.True(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	assert.False(t, UnsetValueAtPath(root, []string{"gateway", "port"}))
	assert.False(t, UnsetValueAtPath(root, []string{"missing", "port"}))

	val, ok := GetValueAtPath(root, []string{"gateway", "bind"})
	assert.True(t, ok)
	assert.Equal(t, "lan", val)
}

// --- ResolvePaths tests ---

func TestResolvePaths_Default(t *testing.T) {
	t.Setenv("SHIPBOT_HOME", "")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".shipbot"), paths.Base)
	assert.Equal(t, filepath.Join(home, ".shipbot", "config.yaml"), paths.Config)
	assert.Equal(t, filepath.Join(home, ".shipbot", "data", "shipbot.db"), paths.Database)
}

func TestResolvePaths_CustomHome(t *testing.T) {
	t.Setenv("SHIPBOT_HOME", "/tmp/shipbot-test")

	paths, err := ResolvePaths()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/shipbot-test", paths.Base)
	assert.Equal(t, "/tmp/shipbot-test/data", paths.Data)
	assert.Equal(t, "/tmp/shipbot-test/logs", paths.Logs)
}

func TestEnsureDirs_Idempotent(t *testing.T) {
	tmpDir := t.TempDir()
	paths := Paths{
		Base: tmpDir,
		Data: filepath.Join(tmpDir, "data"),
		Logs: filepath.Join(tmpDir, "logs"),
	}

	require.NoError(t, paths.EnsureDirs())
	require.NoError(t, paths.EnsureDirs())

	for _, dir := range []string{paths.Base, paths.Data, paths.Logs} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
