package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMapper hands out address ranges without backing memory.
type fakeMapper struct {
	mapped map[uintptr]uintptr
	calls  int
}

func newFakeMapper() *fakeMapper { return &fakeMapper{mapped: map[uintptr]uintptr{}} }

func (f *fakeMapper) PageSize() uintptr { return 4096 }

func (f *fakeMapper) Map(hint, size uintptr) (uintptr, error) {
	f.calls++
	if hint == 0 {
		hint = 0x7f0000000000 + uintptr(len(f.mapped))*TrampolinePageSize*2
	}
	for base, sz := range f.mapped {
		if hint < base+sz && base < hint+size {
			return 0, ErrOccupied
		}
	}
	f.mapped[hint] = size
	return hint, nil
}

func (f *fakeMapper) Unmap(addr, size uintptr) error {
	delete(f.mapped, addr)
	return nil
}

func (f *fakeMapper) Protect(uintptr, uintptr, Prot) error { return nil }

func TestSectionAllocatorDryMatchesCommitted(t *testing.T) {
	type req struct{ size, align uintptr }
	reqs := []req{{3, 1}, {16, 16}, {7, 8}, {100, 64}, {1, 4096}, {9, 2}, {0, 32}}

	dry := NewDrySectionAllocator()
	var offsets []uintptr
	for _, r := range reqs {
		a, err := dry.Allocate(r.size, r.align)
		require.NoError(t, err)
		assert.Zero(t, a%r.align, "dry address %#x align %d", a, r.align)
		offsets = append(offsets, a)
	}
	require.True(t, dry.Dry())

	base := uintptr(0x10000000)
	committed := NewSectionAllocator(base, dry.Used())
	for i, r := range reqs {
		a, err := committed.Allocate(r.size, r.align)
		require.NoError(t, err)
		assert.Zero(t, a%r.align)
		assert.Equal(t, offsets[i], a-base)
	}
	assert.Equal(t, dry.Used(), committed.Used())
	assert.Equal(t, uintptr(4096), dry.MaxAlign())

	_, err := committed.Allocate(1, 1)
	assert.ErrorIs(t, err, ErrOutOfSpace)
}

func TestSectionAllocatorRejectsBadAlignment(t *testing.T) {
	a := NewDrySectionAllocator()
	_, err := a.Allocate(8, 3)
	assert.ErrorIs(t, err, ErrBadAlignment)
	assert.Zero(t, a.Used())
}

type record struct {
	name string
	addr uintptr
}

func TestRecordPoolReusesSlotsWithoutMoving(t *testing.T) {
	p := NewRecordPool[record]()
	a := p.Allocate()
	a.name = "a"
	b := p.Allocate()
	b.name = "b"
	require.Equal(t, 2, p.Len())

	require.True(t, p.Free(a))
	assert.False(t, p.Free(a), "double free")
	assert.Equal(t, "b", b.name)
	assert.Empty(t, a.name, "freed slot is zeroed")

	c := p.Allocate()
	assert.Same(t, a, c, "freed slot is reused")
	h, ok := p.Handle(b)
	require.True(t, ok)
	assert.Same(t, b, p.At(h))

	assert.False(t, p.Free(&record{}))
}

func TestRecordPoolGrowsByPage(t *testing.T) {
	p := NewRecordPool[record]()
	first := p.Allocate()
	for i := 1; i < p.PerPage()+1; i++ {
		p.Allocate()
	}
	assert.Equal(t, 2, p.Pages())
	h, ok := p.Handle(first)
	require.True(t, ok)
	assert.Equal(t, Handle{Page: 0, Block: 0}, h)
}

func TestTrampolinePoolNearLocation(t *testing.T) {
	m := newFakeMapper()
	p := NewTrampolinePool(m)
	loc := uintptr(0x400000)

	a, err := p.Allocate(loc)
	require.NoError(t, err)
	assert.True(t, Within(loc, a, TrampolineBlockSize, RelReach))
	assert.Zero(t, a%TrampolineBlockSize)

	b, err := p.Allocate(loc + 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Pages(), "second block shares the near page")
	assert.NotEqual(t, a, b)

	far := uintptr(0x7f0000000000)
	c, err := p.Allocate(far)
	require.NoError(t, err)
	assert.True(t, Within(far, c, TrampolineBlockSize, RelReach))
	assert.Equal(t, 2, p.Pages())

	assert.True(t, p.Owns(b))
	assert.True(t, p.Free(b))
	assert.False(t, p.Free(b))
	assert.False(t, p.Owns(b))
	assert.True(t, p.Free(a))
	assert.Equal(t, 1, p.Pages(), "empty page is released")
	assert.Equal(t, 1, p.Len())
	require.NoError(t, p.Close())
	assert.Empty(t, m.mapped)
}

func TestTrampolinePoolFillsPage(t *testing.T) {
	p := NewTrampolinePool(newFakeMapper())
	seen := map[uintptr]bool{}
	for i := 0; i < blocksPerPage+1; i++ {
		a, err := p.Allocate(0x400000)
		require.NoError(t, err)
		require.False(t, seen[a])
		seen[a] = true
	}
	assert.Equal(t, 2, p.Pages())
}
