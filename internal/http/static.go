package http

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

const (
	ImmutableCacheControl = "public, max-age=31536000, immutable"
	NoCacheControl        = "no-cache"
)

// esbuild [name]-[hash] names carry an 8 character base32 content hash
var hashedName = regexp.MustCompile(`-[A-Z0-9]{8}(\.[A-Za-z0-9]+)+$`)

var sidecars = []struct {
	encoding string
	ext      string
}{
	{encoding: "zstd", ext: ".zst"},
	{encoding: "gzip", ext: ".gz"},
}

// AssetServer serves a build output directory. Content hashed files are
// cacheable forever, everything else (the manifest, a metafile) is always
// revalidated, and precompressed sidecars are served when the client accepts
// their encoding.
type AssetServer struct {
	dir          string
	manifestName string
	files        http.Handler
}

func NewAssetServer(dir, manifestName string) *AssetServer {
	return &AssetServer{
		dir:          dir,
		manifestName: manifestName,
		files:        http.FileServer(http.Dir(dir)),
	}
}

func (s *AssetServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)

	// lock and temp files belong to an in flight manifest write
	if isHidden(name) {
		http.NotFound(w, r)
		return
	}

	// no directory listings
	info, err := os.Stat(filepath.Join(s.dir, filepath.FromSlash(name)))
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", cacheControl(name, s.manifestName))

	if encoding, sidecar, ok := s.negotiate(r, name); ok {
		zerolog.Ctx(r.Context()).Debug().Str("file", sidecar).Str("encoding", encoding).Msg("Serving precompressed file")

		w.Header().Set("Content-Encoding", encoding)
		w.Header().Add("Vary", "Accept-Encoding")
		if ct := contentType(name); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		http.ServeFile(w, r, sidecar)
		return
	}

	s.files.ServeHTTP(w, r)
}

func (s *AssetServer) negotiate(r *http.Request, name string) (string, string, bool) {
	accept := r.Header.Get("Accept-Encoding")
	if accept == "" {
		return "", "", false
	}

	for _, sc := range sidecars {
		if !acceptsEncoding(accept, sc.encoding) {
			continue
		}
		sidecar := filepath.Join(s.dir, filepath.FromSlash(name)+sc.ext)
		if info, err := os.Stat(sidecar); err == nil && info.Mode().IsRegular() {
			return sc.encoding, sidecar, true
		}
	}
	return "", "", false
}

func isHidden(name string) bool {
	for segment := range strings.SplitSeq(name, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}

func cacheControl(name, manifestName string) string {
	if name == "/"+manifestName || !hashedName.MatchString(path.Base(name)) {
		return NoCacheControl
	}
	return ImmutableCacheControl
}

func acceptsEncoding(header, encoding string) bool {
	for part := range strings.SplitSeq(header, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(token), encoding) {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

var contentTypes = map[string]string{
	".js":   "text/javascript; charset=utf-8",
	".mjs":  "text/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".map":  "application/json",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".html": "text/html; charset=utf-8",
	".txt":  "text/plain; charset=utf-8",
}

func contentType(name string) string {
	return contentTypes[path.Ext(name)]
}
