package manifest

import (
	"fmt"
	"path"
	"strings"
)

// Resolve builds the manifest for a completed asset graph.
//
// When emit is false nothing is produced and (nil, nil) is returned. Otherwise
// every top-level entry in the graph is mapped to its outputs, in the order the
// bundler emitted them.
func Resolve(graph AssetGraph, emit bool) (*Manifest, error) {
	if !emit {
		return nil, nil
	}

	if err := validateGraph(graph); err != nil {
		return nil, err
	}

	m := newManifest()
	for _, out := range graph.Outputs {
		if out.Entry == "" {
			continue
		}
		m.entries[out.Entry] = append(m.entries[out.Entry], out.Path)
	}

	return m, nil
}

func validateGraph(graph AssetGraph) error {
	if len(graph.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidGraph)
	}
	if graph.Entry == "" {
		return fmt.Errorf("%w: entry name is empty", ErrInvalidGraph)
	}

	found := false
	seen := make(map[string]bool, len(graph.Outputs))
	for _, out := range graph.Outputs {
		if err := validateOutputPath(out.Path); err != nil {
			return err
		}
		if seen[out.Path] {
			return fmt.Errorf("%w: output %q emitted twice", ErrInvalidGraph, out.Path)
		}
		seen[out.Path] = true

		switch out.Entry {
		case "":
		case graph.Entry:
			found = true
		default:
			// single entry builds only, anything else was not reachable from the configured entry
			return fmt.Errorf("%w: output %q belongs to unexpected entry %q", ErrInvalidGraph, out.Path, out.Entry)
		}
	}

	if !found {
		return fmt.Errorf("%w: entry %q has no outputs", ErrInvalidGraph, graph.Entry)
	}
	return nil
}

func validateOutputPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty output path", ErrInvalidGraph)
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: output path %q must be relative and slash separated", ErrInvalidGraph, p)
	}
	if clean := path.Clean(p); clean != p || strings.HasPrefix(clean, "../") || clean == ".." {
		return fmt.Errorf("%w: output path %q is not clean", ErrInvalidGraph, p)
	}
	return nil
}
