package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storedObject struct {
	data []byte
	opts minio.PutObjectOptions
}

var (
	_ ObjectStore = (*fakeStore)(nil)
	_ ObjectStore = (*minio.Client)(nil)
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]storedObject
	order   []string
	putErr  map[string]error
	statErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]storedObject{}, putErr: map[string]error{}}
}

func (f *fakeStore) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.putErr[objectName]; err != nil {
		return minio.UploadInfo{}, err
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if int64(len(data)) != objectSize {
		return minio.UploadInfo{}, errors.New("size mismatch")
	}

	f.objects[objectName] = storedObject{data: data, opts: opts}
	f.order = append(f.order, objectName)
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: objectSize}, nil
}

func (f *fakeStore) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statErr != nil {
		return minio.ObjectInfo{}, f.statErr
	}
	obj, ok := f.objects[objectName]
	if !ok {
		return minio.ObjectInfo{}, minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404}
	}
	return minio.ObjectInfo{Key: objectName, Size: int64(len(obj.data)), UserMetadata: obj.opts.UserMetadata}, nil
}

func writeOutputDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0600))
	}
	return dir
}

func outputFiles() map[string]string {
	return map[string]string{
		"index-ABCD2345.js":         "console.log(1)",
		"index-ABCD2345.js.gz":      "gzip-bytes",
		"index-EFGH6789.css":        "body{}",
		"chunks/shared-IJKL2345.js": "export{}",
		"manifest.json":             "{\n  \"src/index.ts\": [\n    \"index-ABCD2345.js\",\n    \"index-EFGH6789.css\"\n  ]\n}\n",
		".manifest.json.lock":       "123",
		".manifest.json-123456.tmp": "partial",
	}
}

func TestPublish(t *testing.T) {
	dir := writeOutputDir(t, outputFiles())
	store := newFakeStore()

	p, err := New(store, Config{Bucket: "assets", Prefix: "/app/"})
	require.NoError(t, err)

	report, err := p.Publish(context.Background(), dir, "manifest.json")
	require.NoError(t, err)

	assert.NotEmpty(t, report.PublishID)
	assert.Equal(t, []string{
		"app/chunks/shared-IJKL2345.js",
		"app/index-ABCD2345.js",
		"app/index-ABCD2345.js.gz",
		"app/index-EFGH6789.css",
		"app/manifest.json",
	}, report.Uploaded)
	assert.Empty(t, report.Skipped)

	// the manifest is always the final upload
	require.Len(t, store.order, 5)
	assert.Equal(t, "app/manifest.json", store.order[len(store.order)-1])

	assert.NotContains(t, store.objects, "app/.manifest.json.lock")
	assert.NotContains(t, store.objects, "app/.manifest.json-123456.tmp")

	js := store.objects["app/index-ABCD2345.js"]
	assert.Equal(t, "console.log(1)", string(js.data))
	assert.Equal(t, ImmutableCacheControl, js.opts.CacheControl)
	assert.Contains(t, js.opts.ContentType, "javascript")
	assert.Empty(t, js.opts.ContentEncoding)
	assert.Equal(t, report.PublishID, js.opts.UserMetadata[publishIDMetadata])
	assert.Len(t, js.opts.UserMetadata[checksumMetadataKey], 16)

	gz := store.objects["app/index-ABCD2345.js.gz"]
	assert.Equal(t, "gzip", gz.opts.ContentEncoding)
	assert.Contains(t, gz.opts.ContentType, "javascript")

	mf := store.objects["app/manifest.json"]
	assert.Equal(t, NoCacheControl, mf.opts.CacheControl)
	assert.Equal(t, "application/json", mf.opts.ContentType)
}

func TestPublish_SkipsUnchanged(t *testing.T) {
	dir := writeOutputDir(t, outputFiles())
	store := newFakeStore()

	p, err := New(store, Config{Bucket: "assets"})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "index-EFGH6789.css"), []byte("body{color:red}"), 0600))

	report, err := p.Publish(context.Background(), dir, "manifest.json")
	require.NoError(t, err)

	assert.Equal(t, []string{"index-EFGH6789.css", "manifest.json"}, report.Uploaded)
	assert.Equal(t, []string{"chunks/shared-IJKL2345.js", "index-ABCD2345.js", "index-ABCD2345.js.gz"}, report.Skipped)

	t.Run("force", func(t *testing.T) {
		p, err := New(store, Config{Bucket: "assets", Force: true, Concurrency: 1})
		require.NoError(t, err)

		report, err := p.Publish(context.Background(), dir, "manifest.json")
		require.NoError(t, err)
		assert.Len(t, report.Uploaded, 5)
		assert.Empty(t, report.Skipped)
	})
}

func TestPublish_UnhashedFileIsRevalidated(t *testing.T) {
	files := outputFiles()
	files["meta.json"] = `{"inputs": {}}`
	dir := writeOutputDir(t, files)
	store := newFakeStore()

	p, err := New(store, Config{Bucket: "assets"})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.NoError(t, err)

	assert.Equal(t, NoCacheControl, store.objects["meta.json"].opts.CacheControl)
	assert.Equal(t, ImmutableCacheControl, store.objects["chunks/shared-IJKL2345.js"].opts.CacheControl)
	assert.Equal(t, ImmutableCacheControl, store.objects["index-ABCD2345.js.gz"].opts.CacheControl)
}

func TestObjectCacheControl(t *testing.T) {
	assert.Equal(t, ImmutableCacheControl, objectCacheControl("index-ABCD2345.js"))
	assert.Equal(t, ImmutableCacheControl, objectCacheControl("chunks/shared-IJKL2345.js.zst"))
	assert.Equal(t, NoCacheControl, objectCacheControl("meta.json"))
	assert.Equal(t, NoCacheControl, objectCacheControl("index.js"))
}

func TestPublish_MissingManifest(t *testing.T) {
	files := outputFiles()
	delete(files, "manifest.json")
	dir := writeOutputDir(t, files)
	store := newFakeStore()

	p, err := New(store, Config{Bucket: "assets"})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.ErrorIs(t, err, ErrManifestMissing)
	assert.Empty(t, store.order)
}

func TestPublish_IncompleteOutput(t *testing.T) {
	files := outputFiles()
	delete(files, "index-EFGH6789.css")
	dir := writeOutputDir(t, files)
	store := newFakeStore()

	p, err := New(store, Config{Bucket: "assets"})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.ErrorIs(t, err, ErrIncompleteOutput)
	assert.Empty(t, store.order)
}

func TestPublish_UploadFailureKeepsManifestBack(t *testing.T) {
	dir := writeOutputDir(t, outputFiles())
	store := newFakeStore()
	store.putErr["index-EFGH6789.css"] = errors.New("connection reset")

	p, err := New(store, Config{Bucket: "assets", Concurrency: 1})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NotContains(t, store.objects, "manifest.json")
}

func TestPublish_StatFailure(t *testing.T) {
	dir := writeOutputDir(t, outputFiles())
	store := newFakeStore()
	store.statErr = minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}

	p, err := New(store, Config{Bucket: "assets"})
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), dir, "manifest.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat")
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{Bucket: "assets"})
	require.Error(t, err)

	_, err = New(newFakeStore(), Config{Bucket: " "})
	require.Error(t, err)

	p, err := New(newFakeStore(), Config{Bucket: "assets"})
	require.NoError(t, err)
	assert.Equal(t, defaultConcurrency, p.config.Concurrency)
}

func TestObjectType(t *testing.T) {
	tests := []struct {
		rel         string
		contentType string
		encoding    string
	}{
		{rel: "index-A.css", contentType: "text/css; charset=utf-8"},
		{rel: "index-A.css.gz", contentType: "text/css; charset=utf-8", encoding: "gzip"},
		{rel: "index-A.css.zst", contentType: "text/css; charset=utf-8", encoding: "zstd"},
		{rel: "assets/blob-A", contentType: "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			contentType, encoding := objectType(tt.rel)
			assert.Equal(t, tt.contentType, contentType)
			assert.Equal(t, tt.encoding, encoding)
		})
	}
}

func TestMetadataValue(t *testing.T) {
	assert.Equal(t, "abc", metadataValue(map[string]string{"X-Amz-Meta-Webbundle-Crc64nvme": "abc"}, checksumMetadataKey))
	assert.Equal(t, "abc", metadataValue(map[string]string{"webbundle-crc64nvme": "abc"}, checksumMetadataKey))
	assert.Empty(t, metadataValue(nil, checksumMetadataKey))
}
