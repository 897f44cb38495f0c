//go:build linux

package alloc

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type unixMapper struct {
	page uintptr
}

// DefaultMapper maps memory with mmap(2).
func DefaultMapper() Mapper {
	return &unixMapper{page: uintptr(unix.Getpagesize())}
}

func (m *unixMapper) PageSize() uintptr { return m.page }

func (m *unixMapper) Map(hint, size uintptr) (uintptr, error) {
	size = AlignUp(size, m.page)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if hint != 0 {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, flags)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return 0, ErrOccupied
		}
		return 0, errors.Wrapf(err, "mmap %d bytes at %#x", size, hint)
	}
	addr := uintptr(p)
	if hint != 0 && addr != hint {
		// kernels before 4.17 treat MAP_FIXED_NOREPLACE as a plain hint
		_ = unix.MunmapPtr(p, size)
		return 0, ErrOccupied
	}
	return addr, nil
}

func (m *unixMapper) Unmap(addr, size uintptr) error {
	size = AlignUp(size, m.page)
	return errors.Wrapf(unix.MunmapPtr(unsafe.Pointer(addr), size), "munmap %#x", addr)
}

func (m *unixMapper) Protect(addr, size uintptr, prot Prot) error {
	start := AlignDown(addr, m.page)
	end := AlignUp(addr+size, m.page)
	p := unix.PROT_NONE
	if prot&ProtRead != 0 {
		p |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&ProtExec != 0 {
		p |= unix.PROT_EXEC
	}
	return errors.Wrapf(unix.Mprotect(View(start, end-start), p), "mprotect %#x+%d", start, end-start)
}
