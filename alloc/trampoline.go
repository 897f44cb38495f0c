package alloc

import (
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// TrampolinePageSize is the size of one trampoline page.
	TrampolinePageSize = 64 << 10
	// TrampolineBlockSize is the size of one trampoline block.
	TrampolineBlockSize = 64

	blocksPerPage = TrampolinePageSize / TrampolineBlockSize
)

type trampolinePage struct {
	base  uintptr
	used  [blocksPerPage / 64]uint64
	count int
}

func (p *trampolinePage) contains(addr uintptr) bool {
	return addr >= p.base && addr < p.base+TrampolinePageSize
}

func (p *trampolinePage) take() uintptr {
	for w := range p.used {
		if p.used[w] == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^p.used[w])
		p.used[w] |= 1 << b
		p.count++
		return p.base + uintptr(w*64+b)*TrampolineBlockSize
	}
	return 0
}

// TrampolinePool hands out fixed blocks of executable memory from pages placed near the code they
// serve, so a rel32 jump from that code reaches the block.
type TrampolinePool struct {
	mapper Mapper
	reach  uintptr
	pages  []*trampolinePage
}

// NewTrampolinePool creates a pool mapping its pages through m.
func NewTrampolinePool(m Mapper) *TrampolinePool {
	return &TrampolinePool{mapper: m, reach: RelReach}
}

// Allocate returns a block reachable by rel32 from location, or anywhere when location is zero.
func (p *TrampolinePool) Allocate(location uintptr) (uintptr, error) {
	pg := p.findCandidate(location)
	if pg == nil {
		var err error
		if pg, err = p.createPage(location); err != nil {
			return 0, err
		}
	}
	return pg.take(), nil
}

// Free releases the block at addr. Pages left empty are unmapped.
func (p *TrampolinePool) Free(addr uintptr) bool {
	for i, pg := range p.pages {
		if !pg.contains(addr) {
			continue
		}
		off := addr - pg.base
		if off%TrampolineBlockSize != 0 {
			return false
		}
		b := int(off / TrampolineBlockSize)
		if pg.used[b/64]&(1<<(b%64)) == 0 {
			return false
		}
		pg.used[b/64] &^= 1 << (b % 64)
		pg.count--
		if pg.count == 0 {
			_ = p.mapper.Unmap(pg.base, TrampolinePageSize)
			p.pages = append(p.pages[:i], p.pages[i+1:]...)
		}
		return true
	}
	return false
}

// Owns reports whether addr is a live block of this pool.
func (p *TrampolinePool) Owns(addr uintptr) bool {
	for _, pg := range p.pages {
		if pg.contains(addr) {
			b := int((addr - pg.base) / TrampolineBlockSize)
			return pg.used[b/64]&(1<<(b%64)) != 0
		}
	}
	return false
}

// Len is the number of live blocks.
func (p *TrampolinePool) Len() (n int) {
	for _, pg := range p.pages {
		n += pg.count
	}
	return
}

// Pages is the number of mapped pages.
func (p *TrampolinePool) Pages() int { return len(p.pages) }

// Close unmaps every page, live blocks included.
func (p *TrampolinePool) Close() (err error) {
	for _, pg := range p.pages {
		if e := p.mapper.Unmap(pg.base, TrampolinePageSize); e != nil && err == nil {
			err = e
		}
	}
	p.pages = nil
	return
}

func (p *TrampolinePool) findCandidate(location uintptr) *trampolinePage {
	for _, pg := range p.pages {
		if pg.count == blocksPerPage {
			continue
		}
		if location == 0 || Within(location, pg.base, TrampolinePageSize, p.reach) {
			return pg
		}
	}
	return nil
}

func (p *TrampolinePool) createPage(location uintptr) (*trampolinePage, error) {
	base, err := MapNear(p.mapper, location, TrampolinePageSize, TrampolinePageSize, p.reach)
	if err != nil {
		return nil, errors.Wrap(err, "trampoline page")
	}
	pg := &trampolinePage{base: base}
	p.pages = append(p.pages, pg)
	return pg, nil
}
