package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/webbundle/internal/assets"
	"github.com/wolfeidau/webbundle/internal/telemetry"
)

type Globals struct {
	Debug   bool
	Tracing bool
	Version string
}

// BuildFlags are shared by every command that runs a build.
type BuildFlags struct {
	Config       string `help:"path to the build configuration file (YAML or JSON)" default:"webbundle.yaml" env:"WEBBUNDLE_CONFIG"`
	Entry        string `help:"entry module, overrides entryPath" env:"WEBBUNDLE_ENTRY"`
	Outdir       string `help:"output directory, overrides outputDir" env:"WEBBUNDLE_OUTDIR"`
	EmitManifest bool   `help:"emit the manifest, overrides emitManifest when set" env:"WEBBUNDLE_EMIT_MANIFEST"`
}

// loadConfig reads the configuration file, falling back to the defaults when
// it does not exist, then applies the flag overrides.
func (f *BuildFlags) loadConfig(log zerolog.Logger) (assets.Config, error) {
	cfg, err := assets.LoadConfig(f.Config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		log.Debug().Str("config", f.Config).Msg("No configuration file, using defaults")
		cfg = assets.DefaultConfig()
	}

	if f.Entry != "" {
		cfg.EntryPath = f.Entry
	}
	if f.Outdir != "" {
		cfg.OutputDir = f.Outdir
	}
	if f.EmitManifest {
		cfg.EmitManifest = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// setupTelemetry starts the OpenTelemetry providers when tracing is enabled
// and returns the function that flushes them.
func setupTelemetry(ctx context.Context, log zerolog.Logger, globals *Globals, serviceName string) func() {
	if !globals.Tracing {
		return func() {}
	}

	log.Info().Msg("Tracing is enabled")
	shutdown, err := telemetry.InitTelemetry(ctx, serviceName, globals.Version)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}
}

func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}

func printResult(result *assets.Result, cfg assets.Config) {
	fmt.Fprintf(os.Stdout, "Built %d files into %s\n", len(result.Graph.Outputs), result.OutputDir)
	if result.Manifest == nil {
		return
	}
	for _, name := range result.Manifest.Keys() {
		paths, _ := result.Manifest.Lookup(name)
		fmt.Fprintf(os.Stdout, "  %s -> %v\n", name, paths)
	}
	fmt.Fprintf(os.Stdout, "Manifest: %s\n", cfg.ManifestName)
}
