package assets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfeidau/webbundle/internal/manifest"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when the build configuration fails validation.
var ErrInvalidConfig = errors.New("invalid build configuration")

const (
	CompressGzip = "gzip"
	CompressZstd = "zstd"
)

type Config struct {
	// Project root, entry paths and output paths are relative to it
	Root string `yaml:"root" json:"root"`
	// Module specifier of the single entry point (e.g., "/src/index.ts")
	EntryPath string `yaml:"entryPath" json:"entryPath"`
	// Whether to emit the manifest after a successful build
	EmitManifest bool `yaml:"emitManifest" json:"emitManifest"`
	// Output directory for built files
	OutputDir string `yaml:"outputDir" json:"outputDir"`
	// File name of the manifest inside OutputDir
	ManifestName string `yaml:"manifestName" json:"manifestName"`
	// Path to metafile, empty disables it
	MetafilePath string `yaml:"metafilePath" json:"metafilePath"`
	// Whether to minify output
	Minify bool `yaml:"minify" json:"minify"`
	// Whether to enable source maps
	SourceMap bool `yaml:"sourceMap" json:"sourceMap"`
	// Whether to split shared code into chunks
	Splitting bool `yaml:"splitting" json:"splitting"`
	// Precompressed sidecars to emit next to each output ("gzip", "zstd")
	Precompress []string `yaml:"precompress" json:"precompress"`
	// How long manifest emission waits for a concurrent build to release the output directory
	LockTimeout time.Duration `yaml:"lockTimeout" json:"lockTimeout"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Root:         ".",
		OutputDir:    "dist",
		ManifestName: manifest.DefaultName,
		Minify:       true,
		SourceMap:    false,
		Splitting:    true,
		LockTimeout:  manifest.DefaultLockTimeout,
	}
}

// LoadConfig reads a build configuration file over DefaultConfig. Files ending
// in .json are parsed as JSON, everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.HasSuffix(strings.ToLower(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	// relative roots are relative to the config file, not the working directory
	if !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(filepath.Dir(path), cfg.Root)
	}

	return cfg, nil
}

// Validate checks the configuration eagerly so mistakes surface before the
// bundler runs. It does not touch the filesystem.
func (c Config) Validate() error {
	if strings.TrimSpace(c.EntryPath) == "" {
		return fmt.Errorf("%w: entryPath is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.EntryPath, "*?[") {
		return fmt.Errorf("%w: entryPath %q must name a single module, not a pattern", ErrInvalidConfig, c.EntryPath)
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("%w: outputDir is required", ErrInvalidConfig)
	}
	if c.ManifestName == "" || c.ManifestName != filepath.Base(c.ManifestName) || strings.HasPrefix(c.ManifestName, ".") {
		return fmt.Errorf("%w: manifestName %q must be a plain file name", ErrInvalidConfig, c.ManifestName)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("%w: lockTimeout must not be negative", ErrInvalidConfig)
	}
	for _, p := range c.Precompress {
		switch p {
		case CompressGzip, CompressZstd:
		default:
			return fmt.Errorf("%w: unsupported precompress format %q (gzip, zstd)", ErrInvalidConfig, p)
		}
	}
	return nil
}

// OutputPath returns the absolute output directory.
func (c Config) OutputPath() (string, error) {
	dir := c.OutputDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.Root, dir)
	}
	return filepath.Abs(dir)
}

// metafilePath returns the absolute metafile path, or "" when disabled.
func (c Config) metafilePath() (string, error) {
	if c.MetafilePath == "" {
		return "", nil
	}
	p := c.MetafilePath
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Root, p)
	}
	return filepath.Abs(p)
}
