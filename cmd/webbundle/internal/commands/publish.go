package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/wolfeidau/webbundle/internal/assets"
	"github.com/wolfeidau/webbundle/internal/logger"
	"github.com/wolfeidau/webbundle/internal/publish"
)

// PublishCmd uploads a built output directory, manifest last.
type PublishCmd struct {
	Config       string `help:"path to the build configuration file (YAML or JSON)" default:"webbundle.yaml" env:"WEBBUNDLE_CONFIG"`
	Outdir       string `help:"output directory to upload, overrides outputDir" env:"WEBBUNDLE_OUTDIR"`
	ManifestName string `help:"manifest file name, overrides manifestName" env:"WEBBUNDLE_MANIFEST_NAME"`

	Bucket       string `help:"destination bucket" env:"WEBBUNDLE_BUCKET"`
	Prefix       string `help:"object key prefix" env:"WEBBUNDLE_PREFIX"`
	Endpoint     string `help:"S3 compatible endpoint" default:"s3.amazonaws.com" env:"WEBBUNDLE_S3_ENDPOINT"`
	Region       string `help:"bucket region" default:"us-east-1" env:"WEBBUNDLE_S3_REGION"`
	AccessKey    string `help:"access key, AWS environment credentials are used when empty" env:"WEBBUNDLE_S3_ACCESS_KEY"`
	SecretKey    string `help:"secret key" env:"WEBBUNDLE_S3_SECRET_KEY"`
	Insecure     bool   `help:"connect without TLS" env:"WEBBUNDLE_S3_INSECURE"`
	CreateBucket bool   `help:"create the bucket when it does not exist" env:"WEBBUNDLE_S3_CREATE_BUCKET"`
	Concurrency  int    `help:"parallel uploads" default:"8" env:"WEBBUNDLE_PUBLISH_CONCURRENCY"`
	Force        bool   `help:"upload objects even when unchanged" env:"WEBBUNDLE_PUBLISH_FORCE"`
}

func (c *PublishCmd) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required (--bucket or WEBBUNDLE_BUCKET)")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return errors.New("access key and secret key must be set together")
	}
	return nil
}

func (c *PublishCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx = log.WithContext(ctx)

	shutdown := setupTelemetry(ctx, log, globals, "webbundle-publish")
	defer shutdown()

	dir, manifestName, err := c.target()
	if err != nil {
		return err
	}

	client, err := publish.NewMinioClient(publish.S3Config{
		Endpoint:  c.Endpoint,
		Region:    c.Region,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		UseSSL:    !c.Insecure,
	})
	if err != nil {
		return err
	}

	if c.CreateBucket {
		if err := publish.EnsureBucket(ctx, client, c.Bucket, c.Region); err != nil {
			return err
		}
	}

	publisher, err := publish.New(client, publish.Config{
		Bucket:      c.Bucket,
		Prefix:      c.Prefix,
		Concurrency: c.Concurrency,
		Force:       c.Force,
	})
	if err != nil {
		return err
	}

	log.Info().Str("dir", dir).Str("bucket", c.Bucket).Str("endpoint", c.Endpoint).Msg("Publishing assets")

	report, err := publisher.Publish(ctx, dir, manifestName)
	if err != nil {
		return fmt.Errorf("failed to publish assets: %w", err)
	}

	fmt.Printf("Published %d objects (%d unchanged) to s3://%s\n", len(report.Uploaded), len(report.Skipped), c.Bucket)
	return nil
}

// target returns the output directory and manifest name from the
// configuration file, with flag overrides. Publishing does not need an entry,
// so the configuration is not validated as a build would be.
func (c *PublishCmd) target() (string, string, error) {
	cfg, err := assets.LoadConfig(c.Config)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
		cfg = assets.DefaultConfig()
	}
	if c.Outdir != "" {
		cfg.OutputDir = c.Outdir
	}
	if c.ManifestName != "" {
		cfg.ManifestName = c.ManifestName
	}

	dir, err := cfg.OutputPath()
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve output directory: %w", err)
	}
	return dir, cfg.ManifestName, nil
}
