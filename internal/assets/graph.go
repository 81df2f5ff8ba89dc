package assets

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/wolfeidau/webbundle/internal/manifest"
)

// buildGraph converts the emitted files and the metafile into the asset graph
// handed to the manifest resolver. Outputs keep esbuild's emission order.
func buildGraph(entryName, root, outDir string, files []api.OutputFile, metadata *BuildMetadata) (manifest.AssetGraph, error) {
	graph := manifest.AssetGraph{Entry: entryName}

	// companion stylesheets extracted from the entry's script
	companions := map[string]bool{}
	for _, info := range metadata.Outputs {
		if info.EntryPoint == entryName && info.CSSBundle != "" {
			companions[info.CSSBundle] = true
		}
	}

	for _, file := range files {
		key, err := metafileKey(root, file.Path)
		if err != nil {
			return graph, err
		}
		rel, err := outputPath(outDir, file.Path)
		if err != nil {
			return graph, err
		}

		out := manifest.Output{
			Path:  rel,
			Hash:  file.Hash,
			Bytes: len(file.Contents),
		}

		if info, ok := metadata.Outputs[key]; (ok && info.EntryPoint == entryName) || companions[key] {
			out.Entry = entryName
		}

		graph.Outputs = append(graph.Outputs, out)
	}

	return graph, nil
}

// metafileKey returns the key esbuild uses for path in the metafile outputs,
// which is relative to the working directory.
func metafileKey(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("failed to relate output %s to %s: %w", path, root, err)
	}
	return filepath.ToSlash(rel), nil
}

// outputPath returns path relative to the output directory.
func outputPath(outDir, path string) (string, error) {
	rel, err := filepath.Rel(outDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to relate output %s to %s: %w", path, outDir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output %s escapes the output directory %s", path, outDir)
	}
	return filepath.ToSlash(rel), nil
}

// outputKey maps an output directory relative path back to its metafile key.
func (r *Result) outputKey(rel string) string {
	return r.prefix + rel
}

// outputRel maps a metafile key to an output directory relative path.
func (r *Result) outputRel(key string) string {
	return strings.TrimPrefix(key, r.prefix)
}
