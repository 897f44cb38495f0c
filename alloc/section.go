package alloc

import (
	"github.com/pkg/errors"
)

var (
	// ErrBadAlignment occurs when an alignment is not a power of two.
	ErrBadAlignment = errors.New("alignment must be a power of two")
	// ErrOutOfSpace occurs when a committed section allocator cannot satisfy a request.
	ErrOutOfSpace = errors.New("section allocator exhausted")
)

// SectionAllocator places section data at increasing offsets of one region.
//
// A dry allocator has no backing storage: it returns offsets from zero and only measures how large
// the committed region must be. Running the same request sequence against a dry allocator and then
// against a committed one (whose base is aligned to at least MaxAlign) yields the same offsets and
// the same Used total.
type SectionAllocator struct {
	base     uintptr
	size     uintptr
	used     uintptr
	maxAlign uintptr
	dry      bool
}

// NewDrySectionAllocator creates a sizing-only allocator.
func NewDrySectionAllocator() *SectionAllocator {
	return &SectionAllocator{size: ^uintptr(0), maxAlign: 1, dry: true}
}

// NewSectionAllocator creates an allocator over [base, base+size).
func NewSectionAllocator(base, size uintptr) *SectionAllocator {
	return &SectionAllocator{base: base, size: size, maxAlign: 1}
}

// Allocate reserves size bytes aligned to align and returns their address
// (an offset for dry allocators).
func (a *SectionAllocator) Allocate(size, align uintptr) (uintptr, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, errors.Wrapf(ErrBadAlignment, "align %d", align)
	}
	addr := AlignUp(a.base+a.used, align)
	off := addr - a.base
	if off+size < off || off+size > a.size {
		return 0, errors.Wrapf(ErrOutOfSpace, "need %d at %d of %d", size, off, a.size)
	}
	a.used = off + size
	if align > a.maxAlign {
		a.maxAlign = align
	}
	return addr, nil
}

// Used is the number of bytes consumed so far, padding included.
func (a *SectionAllocator) Used() uintptr { return a.used }

// MaxAlign is the largest alignment requested so far.
func (a *SectionAllocator) MaxAlign() uintptr { return a.maxAlign }

// Dry reports whether the allocator only measures.
func (a *SectionAllocator) Dry() bool { return a.dry }

// Base of the region, zero when dry.
func (a *SectionAllocator) Base() uintptr { return a.base }

// AlignUp rounds v up to a power of two alignment.
func AlignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a power of two alignment.
func AlignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}
