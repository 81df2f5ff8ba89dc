package commands

import (
	"context"
	"fmt"

	"github.com/wolfeidau/webbundle/internal/assets"
	"github.com/wolfeidau/webbundle/internal/logger"
)

// BuildCmd bundles the configured entry once.
type BuildCmd struct {
	BuildFlags `embed:""`

	Minify       bool     `help:"minify output" default:"true" negatable:"" env:"WEBBUNDLE_MINIFY"`
	SourceMap    bool     `help:"write linked source maps" env:"WEBBUNDLE_SOURCEMAP"`
	Precompress  []string `help:"write precompressed sidecars (gzip, zstd)" env:"WEBBUNDLE_PRECOMPRESS"`
	MetafilePath string   `help:"write the esbuild metafile to this path" env:"WEBBUNDLE_METAFILE"`
}

func (c *BuildCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting build")

	shutdown := setupTelemetry(ctx, log, globals, "webbundle")
	defer shutdown()

	cfg, err := c.loadConfig(log)
	if err != nil {
		return err
	}
	c.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	pipeline, err := assets.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to load assets pipeline: %w", err)
	}

	result, err := pipeline.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build assets: %w", err)
	}

	printResult(result, cfg)
	return nil
}

// apply overlays the build only flags that were set on the command line.
func (c *BuildCmd) apply(cfg *assets.Config) {
	if !c.Minify {
		cfg.Minify = false
	}
	if c.SourceMap {
		cfg.SourceMap = true
	}
	if len(c.Precompress) > 0 {
		cfg.Precompress = c.Precompress
	}
	if c.MetafilePath != "" {
		cfg.MetafilePath = c.MetafilePath
	}
}
