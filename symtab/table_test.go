package symtab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner string

func (o owner) Path() string { return string(o) }

func TestTableLookup(t *testing.T) {
	a := NewAllocator()
	var tab Table
	tab.Add(a.New("zeta", 0x30, FlagFunction, 1, owner("a.o")))
	tab.Add(a.New("alpha", 0x10, FlagData, 2, owner("a.o")))
	tab.Add(a.New("mid", 0x20, FlagFunction|FlagExported, 1, owner("a.o")))

	s := tab.FindByName("mid")
	require.NotNil(t, s)
	assert.Equal(t, uintptr(0x20), s.Address)
	assert.True(t, s.Is(FlagExported))
	assert.Nil(t, tab.FindByName("missing"))
	assert.Equal(t, "alpha", tab.At(0).Name, "lookup sorted the table")

	assert.Equal(t, "zeta", tab.FindByAddress(0x30).Name)
	assert.Nil(t, tab.FindByAddress(0x31))
}

func TestTableMergeKeepsBoth(t *testing.T) {
	a := NewAllocator()
	var x, y Table
	x.Add(a.New("foo", 1, 0, 0, owner("x")))
	y.Add(a.New("foo", 2, 0, 0, owner("y")))
	y.Add(a.New("bar", 3, 0, 0, owner("y")))
	x.Merge(&y)
	assert.Equal(t, 3, x.Len())
	assert.Equal(t, "bar", x.At(0).Name)
	assert.Equal(t, uintptr(1), x.FindByName("foo").Address, "merge is stable")
}

func TestTableRemoveOwner(t *testing.T) {
	a := NewAllocator()
	var tab Table
	tab.Add(a.New("a", 1, 0, 0, owner("x")))
	tab.Add(a.New("b", 2, 0, 0, owner("y")))
	tab.Add(a.New("c", 3, 0, 0, owner("x")))
	removed := tab.RemoveOwner(owner("x"))
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, tab.Len())
	assert.Nil(t, tab.FindByName("a"))
	for _, s := range removed {
		assert.True(t, a.Delete(s))
	}
	assert.Equal(t, 1, a.Len())
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "F-E---", (FlagFunction | FlagExported).String())
}
