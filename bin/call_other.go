//go:build !linux && !darwin

package bin

import "github.com/ZenLiuCN/dynpatch/errs"

func callNative(uintptr, ...uintptr) error { return errs.ErrUnsupported }
