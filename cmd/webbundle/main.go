package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/wolfeidau/webbundle/cmd/webbundle/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Build   commands.BuildCmd   `cmd:"" help:"Bundle the entry and emit the manifest"`
		Serve   commands.ServeCmd   `cmd:"" help:"Build, then serve the output directory and a page for the entry"`
		Publish commands.PublishCmd `cmd:"" help:"Upload a built output directory to S3 compatible storage"`
		Debug   bool                `help:"Enable debug mode." env:"WEBBUNDLE_DEBUG"`
		Tracing bool                `help:"Enable OpenTelemetry tracing and metrics." env:"WEBBUNDLE_TRACING"`
		Version kong.VersionFlag
	}
)

func main() {
	// a missing .env file is fine
	_ = godotenv.Load()

	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("webbundle"),
		kong.Description("Bundle a single entry module into content hashed assets."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Tracing: cli.Tracing, Version: version})
	cmd.FatalIfErrorf(err)
}
