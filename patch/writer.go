package patch

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// CodeWriter stores code over instructions that may be live.
//
// The default writer pins the calling goroutine to its thread and first parks the entry on a
// two byte self loop stored at once. The tail is written behind the loop, then the first two bytes
// are replaced in one store, so a thread entering the target spins until the whole code is in
// place. A thread already past the entry, inside the overwritten bytes, is not covered: code
// that may be executing there needs a writer that stops the world around the store.
type CodeWriter interface {
	WriteCode(addr uintptr, code []byte) error
}

// CodeWriterFunc adapts a function to CodeWriter.
type CodeWriterFunc func(addr uintptr, code []byte) error

func (f CodeWriterFunc) WriteCode(addr uintptr, code []byte) error { return f(addr, code) }

type protectWriter struct {
	mapper alloc.Mapper
	logger log.Logger
	// writable reports memory mapped writable by us, left as is after the store
	writable func(addr uintptr) bool
}

func (w *protectWriter) WriteCode(addr uintptr, code []byte) error {
	if len(code) == 0 {
		return nil
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	size := uintptr(len(code))
	keep := w.writable != nil && w.writable(addr)
	if !keep {
		if err := w.mapper.Protect(addr, size, alloc.ProtRead|alloc.ProtWrite|alloc.ProtExec); err != nil {
			return errors.Wrapf(err, "unprotect %#x", addr)
		}
	}
	dst := alloc.View(addr, size)
	if len(code) == 1 {
		dst[0] = code[0]
	} else {
		store2(addr, selfLoop[0], selfLoop[1])
		copy(dst[2:], code[2:])
		store2(addr, code[0], code[1])
	}
	if !keep {
		if err := w.mapper.Protect(addr, size, alloc.ProtRead|alloc.ProtExec); err != nil {
			level.Warn(w.logger).Log("msg", "restore protection", "addr", addr, "err", err)
		}
	}
	return nil
}

// jmp $
var selfLoop = [2]byte{0xeb, 0xfe}

// store2 replaces the two bytes at addr with a single store of the aligned word holding them. A
// pair straddling two words is written second byte first.
func store2(addr uintptr, b0, b1 byte) {
	base := addr &^ 7
	if addr-base == 7 {
		dst := alloc.View(addr, 2)
		dst[1] = b1
		dst[0] = b0
		return
	}
	w := (*uint64)(unsafe.Pointer(base))
	shift := (addr - base) * 8
	v := atomic.LoadUint64(w)&^(0xffff<<shift) | (uint64(b0)|uint64(b1)<<8)<<shift
	atomic.StoreUint64(w, v)
}
