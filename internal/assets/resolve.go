package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wolfeidau/webbundle/internal/manifest"
)

// Extensions probed, in order, when the entry path has no matching file.
var Extensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs"}

// ResolveEntry resolves the configured entry path to an existing module under
// root. A leading "/" means relative to root. It returns the absolute path of
// the module and its logical name: root relative, slash separated, no leading
// slash (e.g. "src/index.ts").
//
// Failures are returned as *manifest.UnresolvedEntryError.
func ResolveEntry(root, entryPath string) (absPath string, name string, err error) {
	unresolved := func(err error) error {
		return &manifest.UnresolvedEntryError{Path: entryPath, Err: err}
	}

	root, err = filepath.Abs(root)
	if err != nil {
		return "", "", unresolved(err)
	}

	specifier := strings.TrimPrefix(filepath.ToSlash(entryPath), "/")
	if specifier == "" {
		return "", "", unresolved(errors.New("empty entry path"))
	}

	candidate := filepath.Join(root, filepath.FromSlash(specifier))
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", unresolved(fmt.Errorf("entry is outside the project root %s", root))
	}

	st, err := os.Stat(candidate)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return "", "", unresolved(err)
		}
		for _, ext := range Extensions {
			st, err = os.Stat(candidate + ext)
			if err == nil {
				candidate += ext
				break
			}
		}
	}

	if st == nil {
		return "", "", unresolved(os.ErrNotExist)
	}
	if st.IsDir() {
		// single entry builds only, a directory could expand to several modules
		return "", "", unresolved(errors.New("entry is a directory"))
	}
	if !st.Mode().IsRegular() {
		return "", "", unresolved(errors.New("entry is not a regular file"))
	}

	rel, err = filepath.Rel(root, candidate)
	if err != nil {
		return "", "", unresolved(err)
	}

	return candidate, filepath.ToSlash(rel), nil
}
