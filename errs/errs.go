// Package errs holds the error taxonomy shared by the loader, the binaries and the patcher.
package errs

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound occurs when a binary, symbol or patch is not resident.
	ErrNotFound = errors.New("not found")
	// ErrUnsupported occurs on a platform or architecture this package cannot patch or map code for.
	ErrUnsupported = errors.New("unsupported platform")
	// ErrNotLinked occurs when an address is requested from a binary that has not completed linking.
	ErrNotLinked = errors.New("binary not linked")
	// ErrClosed occurs when a component is used after teardown.
	ErrClosed = errors.New("already closed")
)

// FormatError reports a malformed or unsupported object, archive or module image.
// It is fatal to the single load that produced it.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: bad format: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: bad format: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Format builds a FormatError.
func Format(path string, err error, format string, args ...any) error {
	return &FormatError{Path: path, Reason: fmt.Sprintf(format, args...), Err: err}
}

// UnresolvedSymbolError reports relocation targets missing from the whole resolution scope.
// The section stays flagged and is retried on the next global link pass.
type UnresolvedSymbolError struct {
	Binary  string
	Section string
	Symbols []string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("%s(%s): unresolved symbols: %s", e.Binary, e.Section, strings.Join(e.Symbols, ", "))
}

// RelocationRangeError reports a relocation value that does not fit the width of its type.
type RelocationRangeError struct {
	Binary  string
	Section string
	Offset  uint64
	Type    string
	Value   int64
}

func (e *RelocationRangeError) Error() string {
	return fmt.Sprintf("%s(%s+%#x): %s value %#x out of range", e.Binary, e.Section, e.Offset, e.Type, e.Value)
}

// PatchConflictError reports a target that is already patched or does not resolve to known code.
type PatchConflictError struct {
	Name    string
	Address uintptr
	Reason  string
}

func (e *PatchConflictError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("patch %s@%#x: %s", e.Name, e.Address, e.Reason)
	}
	return fmt.Sprintf("patch %#x: %s", e.Address, e.Reason)
}

// UnloadInUseError reports an unload refused because active patches still reference the binary.
type UnloadInUseError struct {
	Path    string
	Symbols []string
}

func (e *UnloadInUseError) Error() string {
	return fmt.Sprintf("%s: still patched by %s", e.Path, strings.Join(e.Symbols, ", "))
}

// IsUnresolved reports whether err carries only deferrable unresolved symbol failures.
func IsUnresolved(err error) bool {
	if err == nil {
		return false
	}
	ok := true
	Walk(err, func(e error) {
		var u *UnresolvedSymbolError
		if !errors.As(e, &u) {
			ok = false
		}
	})
	return ok
}

// Walk calls f for every leaf of a possibly aggregated error.
func Walk(err error, f func(error)) {
	if err == nil {
		return
	}
	if m, ok := err.(interface{ WrappedErrors() []error }); ok {
		for _, e := range m.WrappedErrors() {
			Walk(e, f)
		}
		return
	}
	f(err)
}
