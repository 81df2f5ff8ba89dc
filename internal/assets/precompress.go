package assets

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Outputs smaller than this are served faster uncompressed.
const minPrecompressBytes = 256

var compressibleExts = map[string]bool{
	".js":   true,
	".mjs":  true,
	".css":  true,
	".map":  true,
	".json": true,
	".svg":  true,
	".html": true,
	".txt":  true,
}

var sidecarExts = map[string]string{
	CompressGzip: ".gz",
	CompressZstd: ".zst",
}

// shouldPrecompress reports whether an output gets compressed sidecars.
func shouldPrecompress(path string, size int) bool {
	return size >= minPrecompressBytes && compressibleExts[filepath.Ext(path)]
}

// precompress returns the encoded content for the given format and the suffix
// of the sidecar file.
func precompress(format string, content []byte) ([]byte, string, error) {
	var buf bytes.Buffer

	switch format {
	case CompressGzip:
		w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create gzip writer: %w", err)
		}
		if _, err := w.Write(content); err != nil {
			return nil, "", fmt.Errorf("failed to gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
		}

	case CompressZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create encoder: %w", err)
		}
		buf.Write(enc.EncodeAll(content, nil))
		if err := enc.Close(); err != nil {
			return nil, "", fmt.Errorf("failed to close encoder: %w", err)
		}

	default:
		return nil, "", fmt.Errorf("unsupported precompress format %q", format)
	}

	return buf.Bytes(), sidecarExts[format], nil
}
