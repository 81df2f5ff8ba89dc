package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/webbundle/internal/manifest"
	"github.com/wolfeidau/webbundle/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrBuildFailed is returned when esbuild reports errors.
var ErrBuildFailed = errors.New("esbuild failed with errors")

var tracer = otel.Tracer("github.com/wolfeidau/webbundle/internal/assets")

// Build runs esbuild with the configured settings, writes the hashed outputs
// and, when enabled, emits the manifest once every output is on disk.
//
// A failed build leaves nothing from this run behind in the output directory.
func (p *Pipeline) Build(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buildID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "assets.Build", trace.WithAttributes(
		attribute.String("build.id", buildID),
		attribute.String("build.entry", p.config.EntryPath),
		attribute.Bool("build.emit_manifest", p.config.EmitManifest),
	))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("build_id", buildID).Logger()
	ctx = log.WithContext(ctx)

	m := telemetry.GetMetrics()
	started := time.Now()

	result, err := p.build(ctx, buildID)

	m.BuildDuration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		m.BuildErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("error.kind", errorKind(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("Build failed")
		return nil, err
	}

	m.BuildsTotal.Add(ctx, 1)
	log.Info().Dur("duration", time.Since(started)).Int("outputs", len(result.Graph.Outputs)).Msg("Build complete")

	p.result = result
	return result, nil
}

func (p *Pipeline) build(ctx context.Context, buildID string) (*Result, error) {
	log := zerolog.Ctx(ctx)

	root, err := filepath.Abs(p.config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	outDir, err := p.config.OutputPath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	metafilePath, err := p.config.metafilePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve metafile path: %w", err)
	}

	// nothing may touch the output directory until the entry resolves
	entryPath, entryName, err := ResolveEntry(root, p.config.EntryPath)
	if err != nil {
		return nil, err
	}

	if err := parseEntry(p.config.EntryPath, entryPath); err != nil {
		return nil, err
	}

	log.Info().Str("entrypoint", entryName).Str("outdir", outDir).Msg("Building assets")

	_, span := tracer.Start(ctx, "esbuild.Build")
	result := api.Build(api.BuildOptions{
		EntryPoints:       []string{entryPath},
		AbsWorkingDir:     root,
		Bundle:            true,
		Splitting:         p.config.Splitting,
		Write:             false,
		JSX:               api.JSXAutomatic,
		Outdir:            outDir,
		EntryNames:        "[name]-[hash]",
		ChunkNames:        "chunks/[name]-[hash]",
		AssetNames:        "assets/[name]-[hash]",
		Format:            api.FormatESModule,
		Platform:          api.PlatformBrowser,
		MinifyWhitespace:  p.config.Minify,
		MinifyIdentifiers: p.config.Minify,
		MinifySyntax:      p.config.Minify,
		TreeShaking:       api.TreeShakingTrue,
		Sourcemap:         cond(p.config.SourceMap, api.SourceMapLinked, api.SourceMapNone),
		Metafile:          true,
		LogLevel:          api.LogLevelSilent,
	})
	span.End()

	for _, msg := range result.Warnings {
		logMessage(log.Warn(), msg).Msg("Build warning")
	}

	if len(result.Errors) > 0 {
		for _, msg := range result.Errors {
			logMessage(log.Error(), msg).Msg("Build error")
		}
		return nil, fmt.Errorf("%w: %s", ErrBuildFailed, formatMessage(result.Errors[0]))
	}

	var metadata BuildMetadata
	if err := json.Unmarshal([]byte(result.Metafile), &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metafile: %w", err)
	}

	graph, err := buildGraph(entryName, root, outDir, result.OutputFiles, &metadata)
	if err != nil {
		return nil, err
	}

	em := &emitter{}

	if err := p.writeOutputs(ctx, em, outDir, result.OutputFiles); err != nil {
		em.rollback(ctx)
		return nil, err
	}

	// Write metafile
	if metafilePath != "" {
		if err := em.write(metafilePath, []byte(result.Metafile)); err != nil {
			em.rollback(ctx)
			return nil, &manifest.WriteError{Path: metafilePath, Err: err}
		}
	}

	// every hashed file is on disk, the manifest may now reference them
	mf, err := manifest.Resolve(graph, p.config.EmitManifest)
	if err != nil {
		em.rollback(ctx)
		return nil, err
	}

	if mf != nil {
		_, span := tracer.Start(ctx, "manifest.Write")
		err := manifest.Write(ctx, outDir, p.config.ManifestName, mf, manifest.WithLockTimeout(p.config.LockTimeout))
		span.End()
		if err != nil {
			em.rollback(ctx)
			return nil, err
		}
		telemetry.GetMetrics().ManifestWritesTotal.Add(ctx, 1)
	} else {
		// a manifest left by an earlier build would describe outputs this build did not produce
		if err := manifest.Remove(ctx, outDir, p.config.ManifestName, manifest.WithLockTimeout(p.config.LockTimeout)); err != nil {
			em.rollback(ctx)
			return nil, err
		}
	}

	return &Result{
		BuildID:   buildID,
		Graph:     graph,
		Manifest:  mf,
		Metadata:  &metadata,
		OutputDir: outDir,
		prefix:    outputPrefix(root, outDir),
	}, nil
}

// writeOutputs writes the files in emission order, followed by any
// precompressed sidecars.
func (p *Pipeline) writeOutputs(ctx context.Context, em *emitter, outDir string, files []api.OutputFile) error {
	_, span := tracer.Start(ctx, "assets.WriteOutputs")
	defer span.End()

	log := zerolog.Ctx(ctx)
	m := telemetry.GetMetrics()

	if err := em.mkdirAll(outDir); err != nil {
		return &manifest.WriteError{Path: outDir, Err: err}
	}

	for _, file := range files {
		if err := em.write(file.Path, file.Contents); err != nil {
			return &manifest.WriteError{Path: file.Path, Err: err}
		}
		m.OutputFilesTotal.Add(ctx, 1)
		m.OutputBytesTotal.Add(ctx, int64(len(file.Contents)))
		log.Info().Str("file", file.Path).Int("bytes", len(file.Contents)).Msg("Built file")
	}

	for _, format := range p.config.Precompress {
		for _, file := range files {
			if !shouldPrecompress(file.Path, len(file.Contents)) {
				continue
			}
			data, ext, err := precompress(format, file.Contents)
			if err != nil {
				return err
			}
			if err := em.write(file.Path+ext, data); err != nil {
				return &manifest.WriteError{Path: file.Path + ext, Err: err}
			}
			log.Debug().Str("file", file.Path+ext).Int("bytes", len(data)).Msg("Precompressed file")
		}
	}

	return nil
}

// emitter writes build outputs and remembers what this run changed so a
// failed build can put the output directory back the way it found it.
type emitter struct {
	files []emitted
	dirs  []string
}

type emitted struct {
	path string
	// previous holds the bytes this run overwrote, nil when the file is new
	previous []byte
}

func (e *emitter) mkdirAll(dir string) error {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// deepest first so rollback can remove them in order
	e.dirs = append(e.dirs, missing...)
	return nil
}

func (e *emitter) write(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, data):
		// content hashed names: identical bytes from an earlier build are left alone
		return nil
	case err == nil:
		// fixed names such as the metafile are restored if the build fails
	case errors.Is(err, os.ErrNotExist):
		existing = nil
	default:
		return err
	}

	if err := e.mkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		if existing != nil {
			_ = os.WriteFile(path, existing, 0644)
		} else {
			os.Remove(path)
		}
		return err
	}

	e.files = append(e.files, emitted{path: path, previous: existing})
	return nil
}

func (e *emitter) rollback(ctx context.Context) {
	log := zerolog.Ctx(ctx)

	for i := len(e.files) - 1; i >= 0; i-- {
		f := e.files[i]
		if f.previous != nil {
			if err := os.WriteFile(f.path, f.previous, 0644); err != nil {
				log.Warn().Err(err).Str("file", f.path).Msg("Failed to restore output after failed build")
			}
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("file", f.path).Msg("Failed to remove output after failed build")
		}
	}
	for _, dir := range e.dirs {
		// only succeeds for directories left empty
		_ = os.Remove(dir)
	}

	log.Debug().Int("files", len(e.files)).Msg("Rolled back outputs from failed build")
}

var entryLoaders = map[string]api.Loader{
	".ts":  api.LoaderTS,
	".tsx": api.LoaderTSX,
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".jsx": api.LoaderJSX,
	".css": api.LoaderCSS,
}

// parseEntry checks the entry parses as a module on its own, before graph
// construction begins, so syntax errors in the entry are reported as an
// unresolved entry rather than a failed build.
func parseEntry(specifier, path string) error {
	loader, ok := entryLoaders[filepath.Ext(path)]
	if !ok {
		// left to esbuild's own loader selection
		return nil
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return &manifest.UnresolvedEntryError{Path: specifier, Err: err}
	}

	result := api.Transform(string(source), api.TransformOptions{
		Loader:     loader,
		Sourcefile: path,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return &manifest.UnresolvedEntryError{
			Path: specifier,
			Err:  fmt.Errorf("%w: %s", ErrBuildFailed, formatMessage(result.Errors[0])),
		}
	}
	return nil
}

func formatMessage(msg api.Message) string {
	if msg.Location == nil {
		return msg.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text)
}

func logMessage(ev *zerolog.Event, msg api.Message) *zerolog.Event {
	ev = ev.Str("error", msg.Text)
	if msg.Location != nil {
		ev = ev.Str("file", msg.Location.File).Int("line", msg.Location.Line).Int("column", msg.Location.Column)
	}
	return ev
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, manifest.ErrUnresolvedEntry):
		return "unresolved_entry"
	case errors.Is(err, manifest.ErrWrite):
		return "write"
	case errors.Is(err, manifest.ErrInvalidGraph):
		return "invalid_graph"
	case errors.Is(err, ErrBuildFailed):
		return "build"
	default:
		return "other"
	}
}

// outputPrefix is the metafile key prefix of files in outDir.
func outputPrefix(root, outDir string) string {
	rel, err := filepath.Rel(root, outDir)
	if err != nil || rel == "." {
		return ""
	}
	return strings.TrimSuffix(filepath.ToSlash(rel), "/") + "/"
}

func cond[T any](condition bool, trueVal, falseVal T) T {
	if condition {
		return trueVal
	}
	return falseVal
}
