package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/webbundle/internal/assets"
	httpmiddleware "github.com/wolfeidau/webbundle/internal/http"
	"github.com/wolfeidau/webbundle/internal/logger"
	"golang.org/x/sync/errgroup"
)

// ServeCmd builds the entry and serves the output directory with a rendered
// page for the entry at "/".
type ServeCmd struct {
	BuildFlags `embed:""`

	Listen      string   `help:"HTTP server listen address" default:"localhost:8080" env:"WEBBUNDLE_LISTEN"`
	Title       string   `help:"page title" default:"webbundle" env:"WEBBUNDLE_TITLE"`
	TemplateDir string   `help:"directory of HTML templates, the default page is used when empty" env:"WEBBUNDLE_TEMPLATE_DIR"`
	Template    string   `help:"template to render at /" default:"page" env:"WEBBUNDLE_TEMPLATE"`
	CORSOrigins []string `help:"allowed CORS origins for asset requests" default:"*" env:"WEBBUNDLE_CORS_ORIGINS"`
	TrustProxy  bool     `help:"take the client IP from X-Forwarded-For and X-Real-IP" env:"WEBBUNDLE_TRUST_PROXY"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	shutdown := setupTelemetry(ctx, log, globals, "webbundle-serve")
	defer shutdown()

	cfg, err := c.loadConfig(log)
	if err != nil {
		return err
	}

	pipeline, err := c.pipeline(cfg)
	if err != nil {
		return fmt.Errorf("failed to load assets pipeline: %w", err)
	}

	result, err := pipeline.Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build assets: %w", err)
	}

	handler, err := c.handler(log, pipeline, result)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := configureHTTPServer(c.Listen, handler)

	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", c.Listen).Str("outdir", result.OutputDir).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egctx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (c *ServeCmd) pipeline(cfg assets.Config) (*assets.Pipeline, error) {
	if c.TemplateDir != "" {
		return assets.NewWithTemplateDir(cfg, c.TemplateDir)
	}
	return assets.New(cfg)
}

// handler wires the page, the asset server and the middleware together.
func (c *ServeCmd) handler(log zerolog.Logger, pipeline *assets.Pipeline, result *assets.Result) (http.Handler, error) {
	page, err := pipeline.Handler(c.Template, c.Title, result.Graph.Entry, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create page handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", page)
	mux.Handle("/", httpmiddleware.NewAssetServer(result.OutputDir, pipeline.Config().ManifestName))

	var h http.Handler = mux
	h = withCORS(c.CORSOrigins, h)
	h = httpmiddleware.ClientIPMiddleware(c.TrustProxy)(h)
	h = logger.NewHTTPRequests(log).Wrap(h)

	return h, nil
}

// withCORS lets pages on other origins load the bundled modules.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
		AllowedHeaders: []string{"Accept-Encoding", "Range"},
		ExposedHeaders: []string{"Content-Encoding", "Content-Length", "ETag"},
	})
	return middleware.Handler(h)
}
