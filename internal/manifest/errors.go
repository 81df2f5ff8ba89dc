package manifest

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolvedEntry indicates the configured entry path does not name a module
	ErrUnresolvedEntry = errors.New("unresolved entry")
	// ErrWrite indicates the manifest or a build output could not be written
	ErrWrite = errors.New("write failed")
	// ErrInvalidGraph indicates the asset graph handed to the resolver breaks its contract
	ErrInvalidGraph = errors.New("invalid asset graph")
)

// UnresolvedEntryError is returned when the entry path cannot be resolved to a
// module before graph construction begins.
type UnresolvedEntryError struct {
	Path string
	Err  error
}

func (e *UnresolvedEntryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unresolved entry %q", e.Path)
	}
	return fmt.Sprintf("unresolved entry %q: %v", e.Path, e.Err)
}

func (e *UnresolvedEntryError) Unwrap() error {
	return e.Err
}

func (e *UnresolvedEntryError) Is(target error) bool {
	return target == ErrUnresolvedEntry
}

// WriteError is returned when the output directory is not writable or a write
// fails part way through.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

func (e *WriteError) Is(target error) bool {
	return target == ErrWrite
}
