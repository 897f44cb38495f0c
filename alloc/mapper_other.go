//go:build !linux

package alloc

import (
	"github.com/ZenLiuCN/dynpatch/errs"
)

type noMapper struct{}

// DefaultMapper fails every request outside Linux.
func DefaultMapper() Mapper { return noMapper{} }

func (noMapper) PageSize() uintptr { return 4096 }
func (noMapper) Map(uintptr, uintptr) (uintptr, error) { return 0, errs.ErrUnsupported }
func (noMapper) Unmap(uintptr, uintptr) error { return errs.ErrUnsupported }
func (noMapper) Protect(uintptr, uintptr, Prot) error { return errs.ErrUnsupported }
