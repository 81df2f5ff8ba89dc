// Package publish uploads a finished build output directory to S3 compatible
// object storage.
//
// Content hashed assets are uploaded first, in parallel, and the manifest is
// uploaded last so a reader that fetches the manifest only ever sees names of
// objects that already exist.
package publish

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/minio/crc64nvme"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/webbundle/internal/manifest"
	"github.com/wolfeidau/webbundle/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	ImmutableCacheControl = "public, max-age=31536000, immutable"
	NoCacheControl        = "no-cache"

	checksumMetadataKey = "Webbundle-Crc64nvme"
	publishIDMetadata   = "Webbundle-Publish-Id"

	defaultConcurrency = 8
)

// esbuild [name]-[hash] names, optionally followed by a sidecar extension
var hashedName = regexp.MustCompile(`-[A-Z0-9]{8}(\.[A-Za-z0-9]+)+$`)

var (
	// ErrManifestMissing is returned when the output directory has no manifest.
	ErrManifestMissing = errors.New("manifest not found in output directory")

	// ErrIncompleteOutput is returned when the manifest names a file that is
	// not in the output directory.
	ErrIncompleteOutput = errors.New("manifest references missing output")
)

var tracer = otel.Tracer("github.com/wolfeidau/webbundle/internal/publish")

// ObjectStore is the subset of *minio.Client used by the publisher.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

type Config struct {
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// Concurrency bounds parallel asset uploads, defaults to 8.
	Concurrency int
	// Force uploads objects even when the stored checksum matches.
	Force bool
}

type Publisher struct {
	store  ObjectStore
	config Config
}

// Report lists what a publish run did, object keys are sorted.
type Report struct {
	PublishID string
	Uploaded  []string
	Skipped   []string
}

func New(store ObjectStore, cfg Config) (*Publisher, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	return &Publisher{store: store, config: cfg}, nil
}

type object struct {
	rel  string
	path string
}

// Publish uploads the output directory dir, finishing with manifestName.
func (p *Publisher) Publish(ctx context.Context, dir, manifestName string) (*Report, error) {
	publishID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "publish.Publish", trace.WithAttributes(
		attribute.String("publish.id", publishID),
		attribute.String("publish.bucket", p.config.Bucket),
		attribute.String("publish.prefix", p.config.Prefix),
	))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("publish_id", publishID).Logger()
	ctx = log.WithContext(ctx)

	report, err := p.publish(ctx, publishID, dir, manifestName)
	if err != nil {
		telemetry.GetMetrics().PublishErrorsTotal.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	log.Info().
		Int("uploaded", len(report.Uploaded)).
		Int("skipped", len(report.Skipped)).
		Str("bucket", p.config.Bucket).
		Msg("Publish complete")

	return report, nil
}

func (p *Publisher) publish(ctx context.Context, publishID, dir, manifestName string) (*Report, error) {
	manifestPath := filepath.Join(dir, manifestName)

	mf, err := manifest.Load(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, manifestPath)
		}
		return nil, err
	}

	objects, err := collect(dir, manifestName)
	if err != nil {
		return nil, err
	}

	if err := checkComplete(mf, objects); err != nil {
		return nil, err
	}

	report := &Report{PublishID: publishID}
	var mu sync.Mutex

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.config.Concurrency)

	for _, obj := range objects {
		eg.Go(func() error {
			uploaded, err := p.upload(egctx, publishID, obj, objectCacheControl(obj.rel), true)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if uploaded {
				report.Uploaded = append(report.Uploaded, p.key(obj.rel))
			} else {
				report.Skipped = append(report.Skipped, p.key(obj.rel))
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	// every referenced object exists, the manifest may now point at them
	if _, err := p.upload(ctx, publishID, object{rel: manifestName, path: manifestPath}, NoCacheControl, false); err != nil {
		return nil, err
	}
	report.Uploaded = append(report.Uploaded, p.key(manifestName))

	sort.Strings(report.Uploaded[:len(report.Uploaded)-1])
	sort.Strings(report.Skipped)

	return report, nil
}

// objectCacheControl marks content hashed names immutable. Anything else in
// the output directory, such as a metafile, is revalidated.
func objectCacheControl(rel string) string {
	if hashedName.MatchString(path.Base(rel)) {
		return ImmutableCacheControl
	}
	return NoCacheControl
}

func (p *Publisher) upload(ctx context.Context, publishID string, obj object, cacheControl string, skipUnchanged bool) (bool, error) {
	log := zerolog.Ctx(ctx)
	key := p.key(obj.rel)

	data, err := os.ReadFile(obj.path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", obj.path, err)
	}
	checksum := checksum(data)

	if skipUnchanged && !p.config.Force {
		same, err := p.unchanged(ctx, key, checksum)
		if err != nil {
			return false, err
		}
		if same {
			log.Debug().Str("key", key).Msg("Object unchanged, skipping")
			return false, nil
		}
	}

	contentType, contentEncoding := objectType(obj.rel)

	_, err = p.store.PutObject(ctx, p.config.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		CacheControl:    cacheControl,
		UserMetadata: map[string]string{
			checksumMetadataKey: checksum,
			publishIDMetadata:   publishID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	telemetry.GetMetrics().ObjectsPublishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache_control", cacheControl)))
	log.Info().Str("key", key).Int("bytes", len(data)).Msg("Uploaded object")

	return true, nil
}

func (p *Publisher) unchanged(ctx context.Context, key, checksum string) (bool, error) {
	info, err := p.store.StatObject(ctx, p.config.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return metadataValue(info.UserMetadata, checksumMetadataKey) == checksum, nil
}

func (p *Publisher) key(rel string) string {
	if p.config.Prefix == "" {
		return rel
	}
	return path.Join(p.config.Prefix, rel)
}

// collect returns the files to upload in sorted order, leaving out the
// manifest and hidden files such as manifest locks and temp files.
func collect(dir, manifestName string) ([]object, error) {
	var objects []object

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName {
			return nil
		}

		objects = append(objects, object{rel: rel, path: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk output directory: %w", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].rel < objects[j].rel })
	return objects, nil
}

func checkComplete(mf *manifest.Manifest, objects []object) error {
	present := make(map[string]bool, len(objects))
	for _, obj := range objects {
		present[obj.rel] = true
	}

	for _, name := range mf.Keys() {
		paths, _ := mf.Lookup(name)
		for _, p := range paths {
			if !present[p] {
				return fmt.Errorf("%w: %s -> %s", ErrIncompleteOutput, name, p)
			}
		}
	}
	return nil
}

func checksum(data []byte) string {
	h := crc64nvme.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

var encodings = map[string]string{
	".gz":  "gzip",
	".zst": "zstd",
}

// objectType returns the content type and encoding of an output, sidecars
// take the type of the file they compress.
func objectType(rel string) (string, string) {
	ext := path.Ext(rel)
	encoding, ok := encodings[ext]
	if ok {
		rel = strings.TrimSuffix(rel, ext)
	}

	contentType := mime.TypeByExtension(path.Ext(rel))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentType, encoding
}

// metadataValue looks up user metadata regardless of how the store
// canonicalised the key.
func metadataValue(md map[string]string, key string) string {
	for k, v := range md {
		if strings.EqualFold(strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-"), key) {
			return v
		}
	}
	return ""
}
