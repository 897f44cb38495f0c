// Package symtab holds symbol records, the sortable symbol table and the record allocator.
package symtab

import (
	"fmt"

	"github.com/ZenLiuCN/dynpatch/alloc"
)

// Flags describe a symbol.
type Flags uint32

const (
	FlagFunction Flags = 1 << iota
	FlagData
	FlagExported
	FlagWeak
	FlagHost
	// FlagHandler marks the lifecycle event handler of a binary.
	FlagHandler
)

func (f Flags) String() string {
	s := ""
	for _, x := range []struct {
		f Flags
		n string
	}{{FlagFunction, "F"}, {FlagData, "D"}, {FlagExported, "E"}, {FlagWeak, "W"}, {FlagHost, "H"}, {FlagHandler, "L"}} {
		if f&x.f != 0 {
			s += x.n
		} else {
			s += "-"
		}
	}
	return s
}

// Owner is the binary a symbol belongs to. Symbols only observe their owner: the owner frees its
// records when it unloads, which drops the reference.
type Owner interface {
	Path() string
}

// Container is an owner that may hold symbols on behalf of nested owners, like archive members.
type Container interface {
	Owner
	Owns(o Owner) bool
}

// Symbol is a named address inside a binary or the host process.
// Address is meaningful only once the owner completed linking.
type Symbol struct {
	Name    string
	Address uintptr
	Flags   Flags
	Section int
	Binary  Owner
	// Size in bytes when the format records it, zero otherwise.
	Size uint64
}

func (s *Symbol) String() string {
	owner := "host"
	if s.Binary != nil {
		owner = s.Binary.Path()
	}
	return fmt.Sprintf("%s@%#x[%s](%s)", s.Name, s.Address, s.Flags, owner)
}

// Is reports whether all flags in f are set.
func (s *Symbol) Is(f Flags) bool { return s.Flags&f == f }

// Allocator allocates symbol records from page-based storage.
type Allocator struct {
	pool *alloc.RecordPool[Symbol]
}

// NewAllocator creates an empty symbol allocator.
func NewAllocator() *Allocator {
	return &Allocator{pool: alloc.NewRecordPool[Symbol]()}
}

// New allocates and fills a record.
func (a *Allocator) New(name string, addr uintptr, flags Flags, section int, owner Owner) *Symbol {
	s := a.pool.Allocate()
	s.Name, s.Address, s.Flags, s.Section, s.Binary = name, addr, flags, section, owner
	return s
}

// Delete returns a record to the allocator.
func (a *Allocator) Delete(s *Symbol) bool {
	return a.pool.Free(s)
}

// Len is the number of live records.
func (a *Allocator) Len() int { return a.pool.Len() }
