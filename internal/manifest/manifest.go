// Package manifest resolves a completed asset graph into a manifest mapping
// logical entry names to their content-hashed output files, and writes it to
// the output directory atomically.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
)

// DefaultName is the file name used for the manifest when none is configured.
const DefaultName = "manifest.json"

// AssetGraph is the completed build output handed over by the bundler.
type AssetGraph struct {
	// Entry is the source relative logical name of the configured entry, e.g. "src/index.ts".
	Entry string
	// Outputs lists every emitted file in emission order.
	Outputs []Output
}

// Output is a single emitted file.
type Output struct {
	// Path is relative to the output directory and uses forward slashes.
	Path string
	// Hash is the bundler's digest of the final content.
	Hash string
	// Bytes is the size of the emitted content.
	Bytes int
	// Entry is the logical entry name this file is a top-level output of. It is
	// empty for shared chunks, source maps and referenced assets.
	Entry string
}

// Manifest maps logical entry names to one or more output paths.
type Manifest struct {
	entries map[string][]string
}

func newManifest() *Manifest {
	return &Manifest{entries: make(map[string][]string)}
}

// Lookup returns the output paths recorded for name, in emission order.
func (m *Manifest) Lookup(name string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	paths, ok := m.entries[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(paths), true
}

// Keys returns the logical entry names in sorted order.
func (m *Manifest) Keys() []string {
	if m == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(m.entries))
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// MarshalJSON encodes single output entries as a string and multi output
// entries as an array. Keys are sorted by encoding/json.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.entries))
	for name, paths := range m.entries {
		if len(paths) == 1 {
			out[name] = paths[0]
			continue
		}
		out[name] = paths
	}
	return json.Marshal(out)
}

func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	entries := make(map[string][]string, len(raw))
	for name, value := range raw {
		var single string
		if err := json.Unmarshal(value, &single); err == nil {
			entries[name] = []string{single}
			continue
		}

		var multi []string
		if err := json.Unmarshal(value, &multi); err != nil {
			return fmt.Errorf("manifest entry %q must be a string or an array of strings: %w", name, err)
		}
		entries[name] = multi
	}

	m.entries = entries
	return nil
}

// Encode returns the canonical on-disk form of the manifest.
func (m *Manifest) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Load reads a manifest file from disk.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m := newManifest()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Len() == 0 {
		return nil, errors.New("manifest has no entries")
	}
	return m, nil
}
