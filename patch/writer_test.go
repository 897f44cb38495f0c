//go:build amd64

package patch

import (
	"testing"
	"unsafe"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures protection changes.
type recorder struct {
	prots []alloc.Prot
}

func (r *recorder) Map(uintptr, uintptr) (uintptr, error) { return 0, nil }

func (r *recorder) Unmap(uintptr, uintptr) error { return nil }

func (r *recorder) PageSize() uintptr { return 4096 }

func (r *recorder) Protect(_, _ uintptr, p alloc.Prot) error {
	r.prots = append(r.prots, p)
	return nil
}

// words returns 16 zeroed bytes aligned to 8.
func words() (uintptr, []byte) {
	buf := make([]uint64, 2)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return addr, unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), 16)
}

func TestStore2(t *testing.T) {
	for _, off := range []uintptr{0, 3, 6, 7} {
		addr, b := words()
		for i := range b {
			b[i] = byte(i)
		}
		store2(addr+off, 0xeb, 0xfe)
		assert.Equal(t, byte(0xeb), b[off], "offset %d", off)
		assert.Equal(t, byte(0xfe), b[off+1], "offset %d", off)
		for i := range b {
			if uintptr(i) != off && uintptr(i) != off+1 {
				assert.Equal(t, byte(i), b[i], "offset %d byte %d", off, i)
			}
		}
	}
}

func TestProtectWriter(t *testing.T) {
	m := &recorder{}
	addr, b := words()
	copy(b, []byte{0x55, 0x48, 0x89, 0xe5, 0x90, 0x90})
	w := &protectWriter{mapper: m, logger: log.NewNopLogger()}

	jump := []byte{0xe9, 1, 2, 3, 4}
	require.NoError(t, w.WriteCode(addr+3, jump))
	assert.Equal(t, []byte{0x55, 0x48, 0x89, 0xe9, 1, 2, 3, 4}, b[:8])
	assert.Equal(t, []alloc.Prot{alloc.ProtRead | alloc.ProtWrite | alloc.ProtExec, alloc.ProtRead | alloc.ProtExec}, m.prots)

	require.NoError(t, w.WriteCode(addr+12, []byte{0xc3}))
	assert.Equal(t, byte(0xc3), b[12])
	require.NoError(t, w.WriteCode(addr, nil))
	assert.Len(t, m.prots, 4)

	w.writable = func(uintptr) bool { return true }
	require.NoError(t, w.WriteCode(addr, []byte{0x90, 0x90}))
	assert.Equal(t, []byte{0x90, 0x90, 0x89}, b[:3])
	assert.Len(t, m.prots, 4, "writable memory keeps its protection")
}
