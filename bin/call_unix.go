//go:build linux || darwin

package bin

import "github.com/ebitengine/purego"

func callNative(fn uintptr, args ...uintptr) error {
	purego.SyscallN(fn, args...)
	return nil
}
