package alloc

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Prot is a page protection set.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// ErrOccupied occurs when a hinted mapping would overlap an existing one.
var ErrOccupied = errors.New("address range occupied")

// Mapper maps anonymous memory able to hold code.
type Mapper interface {
	// Map reserves size bytes readable, writable and executable. A non-zero hint must be page
	// aligned; the mapping is placed exactly there or fails with ErrOccupied.
	Map(hint, size uintptr) (uintptr, error)
	Unmap(addr, size uintptr) error
	Protect(addr, size uintptr, prot Prot) error
	PageSize() uintptr
}

// RelReach is the reach of a rel32 displacement, less one trampoline page of margin.
const RelReach = 1<<31 - TrampolinePageSize

// Within reports whether every byte of [addr, addr+size) is reachable from location by rel32.
func Within(location, addr, size, reach uintptr) bool {
	return distance(location, addr) < reach && distance(location, addr+size) < reach
}

func distance(a, b uintptr) uintptr {
	if a > b {
		return a - b
	}
	return b - a
}

// maxNearProbes bounds how many hints MapNear tries on each side of the location.
const maxNearProbes = 1 << 12

// MapNear maps size bytes within reach of location, probing hints outward from it in
// granularity steps. A zero location maps anywhere.
func MapNear(m Mapper, location, size, granularity, reach uintptr) (uintptr, error) {
	if location == 0 {
		return m.Map(0, size)
	}
	if granularity < m.PageSize() {
		granularity = m.PageSize()
	}
	start := AlignDown(location, granularity)
	for i := uintptr(1); i <= maxNearProbes; i++ {
		step := i * granularity
		var hints []uintptr
		if step < start {
			hints = append(hints, start-step)
		}
		if start+step > start {
			hints = append(hints, start+step)
		}
		for _, hint := range hints {
			if !Within(location, hint, size, reach) {
				continue
			}
			addr, err := m.Map(hint, size)
			if err != nil {
				if errors.Is(err, ErrOccupied) {
					continue
				}
				return 0, err
			}
			if !Within(location, addr, size, reach) {
				_ = m.Unmap(addr, size)
				continue
			}
			return addr, nil
		}
	}
	return 0, errors.Errorf("no free range of %d bytes within reach of %#x", size, location)
}

// View exposes size bytes of mapped memory at addr.
func View(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
