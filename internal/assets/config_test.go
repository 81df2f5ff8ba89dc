package assets

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/webbundle/internal/manifest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.EmitManifest, "manifest emission is opt in")
	assert.Equal(t, "dist", cfg.OutputDir)
	assert.Equal(t, manifest.DefaultName, cfg.ManifestName)
	assert.Equal(t, manifest.DefaultLockTimeout, cfg.LockTimeout)
	assert.Empty(t, cfg.MetafilePath)

	// no entry configured yet
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadConfig(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "webbundle.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
entryPath: /src/index.ts
emitManifest: true
outputDir: public
precompress: [gzip]
lockTimeout: 5s
`), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())

		assert.Equal(t, "/src/index.ts", cfg.EntryPath)
		assert.True(t, cfg.EmitManifest)
		assert.Equal(t, "public", cfg.OutputDir)
		assert.Equal(t, []string{CompressGzip}, cfg.Precompress)
		assert.Equal(t, 5*time.Second, cfg.LockTimeout)
		assert.Equal(t, dir, cfg.Root)
		// defaults survive for unset fields
		assert.Equal(t, manifest.DefaultName, cfg.ManifestName)
		assert.True(t, cfg.Minify)
	})

	t.Run("json", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "webbundle.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"entryPath": "/src/index.ts", "root": "web"}`), 0600))

		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "/src/index.ts", cfg.EntryPath)
		assert.False(t, cfg.EmitManifest)
		assert.Equal(t, filepath.Join(dir, "web"), cfg.Root)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "webbundle.yaml")
		require.NoError(t, os.WriteFile(path, []byte("entryPath: [unterminated"), 0600))

		_, err := LoadConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse YAML config")
	})
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.EntryPath = "/src/index.ts"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing entry", mutate: func(c *Config) { c.EntryPath = " " }, wantErr: true},
		{name: "glob entry", mutate: func(c *Config) { c.EntryPath = "src/*.ts" }, wantErr: true},
		{name: "missing output dir", mutate: func(c *Config) { c.OutputDir = "" }, wantErr: true},
		{name: "manifest name with directory", mutate: func(c *Config) { c.ManifestName = "meta/manifest.json" }, wantErr: true},
		{name: "hidden manifest name", mutate: func(c *Config) { c.ManifestName = ".manifest.json" }, wantErr: true},
		{name: "negative lock timeout", mutate: func(c *Config) { c.LockTimeout = -time.Second }, wantErr: true},
		{name: "unknown precompress", mutate: func(c *Config) { c.Precompress = []string{"brotli"} }, wantErr: true},
		{name: "both precompress formats", mutate: func(c *Config) { c.Precompress = []string{CompressGzip, CompressZstd} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNew_ValidatesEagerly(t *testing.T) {
	_, err := New(DefaultConfig())
	require.ErrorIs(t, err, ErrInvalidConfig)
}
