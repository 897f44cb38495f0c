package alloc

import (
	"unsafe"
)

// RecordPageSize is the byte size of one RecordPool page.
const RecordPageSize = 256 << 10

// Handle addresses a record by page and block index.
type Handle struct {
	Page  int
	Block int
}

type recordPage[T any] struct {
	blocks []T
	used   []bool
	next   int
}

func (p *recordPage[T]) owns(ptr uintptr, size uintptr) (int, bool) {
	start := uintptr(unsafe.Pointer(&p.blocks[0]))
	end := start + uintptr(len(p.blocks))*size
	if ptr < start || ptr >= end || (ptr-start)%size != 0 {
		return 0, false
	}
	return int((ptr - start) / size), true
}

// RecordPool hands out fixed-size records from pages that never move, so a record pointer stays
// valid until it is freed and freeing one record never disturbs another.
type RecordPool[T any] struct {
	size    uintptr
	perPage int
	pages   []*recordPage[T]
	free    []Handle
	live    int
}

// NewRecordPool creates a pool of T records.
func NewRecordPool[T any]() *RecordPool[T] {
	var zero T
	size := unsafe.Sizeof(zero)
	if size == 0 {
		size = 1
	}
	per := int(RecordPageSize / size)
	if per < 1 {
		per = 1
	}
	return &RecordPool[T]{size: size, perPage: per}
}

// Allocate returns a zeroed record, reusing a freed slot when one exists.
func (p *RecordPool[T]) Allocate() *T {
	var h Handle
	switch {
	case len(p.free) > 0:
		h = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
	default:
		if len(p.pages) == 0 || p.pages[len(p.pages)-1].next == p.perPage {
			p.pages = append(p.pages, &recordPage[T]{
				blocks: make([]T, p.perPage),
				used:   make([]bool, p.perPage),
			})
		}
		pg := p.pages[len(p.pages)-1]
		h = Handle{Page: len(p.pages) - 1, Block: pg.next}
		pg.next++
	}
	pg := p.pages[h.Page]
	pg.used[h.Block] = true
	p.live++
	return &pg.blocks[h.Block]
}

// Free zeroes the record and returns its slot to the pool.
// It reports false for pointers the pool does not own or already freed.
func (p *RecordPool[T]) Free(v *T) bool {
	h, ok := p.Handle(v)
	if !ok {
		return false
	}
	pg := p.pages[h.Page]
	if !pg.used[h.Block] {
		return false
	}
	var zero T
	pg.blocks[h.Block] = zero
	pg.used[h.Block] = false
	p.free = append(p.free, h)
	p.live--
	return true
}

// Handle locates v inside the pool.
func (p *RecordPool[T]) Handle(v *T) (Handle, bool) {
	if v == nil {
		return Handle{}, false
	}
	ptr := uintptr(unsafe.Pointer(v))
	for i, pg := range p.pages {
		if b, ok := pg.owns(ptr, p.size); ok {
			return Handle{Page: i, Block: b}, true
		}
	}
	return Handle{}, false
}

// At returns the live record at h, nil when the slot is free or out of range.
func (p *RecordPool[T]) At(h Handle) *T {
	if h.Page < 0 || h.Page >= len(p.pages) {
		return nil
	}
	pg := p.pages[h.Page]
	if h.Block < 0 || h.Block >= len(pg.blocks) || !pg.used[h.Block] {
		return nil
	}
	return &pg.blocks[h.Block]
}

// Len is the number of live records.
func (p *RecordPool[T]) Len() int { return p.live }

// Pages is the number of pages reserved.
func (p *RecordPool[T]) Pages() int { return len(p.pages) }

// PerPage is the number of records one page holds.
func (p *RecordPool[T]) PerPage() int { return p.perPage }
