package patch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelocateWidensShortBranch(t *testing.T) {
	code := []byte{
		0x49, 0x3b, 0x66, 0x10, // cmp rsp, [r14+0x10]
		0x76, 0x2a, // jbe +0x2a
		0x90, 0x90, 0x90, 0x90,
	}
	p, err := relocate(code, 0x1000, 0x2000, nearJumpSize, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, p.size)
	assert.Equal(t, []byte{0x49, 0x3b, 0x66, 0x10, 0x0f, 0x86, 0x26, 0xf0, 0xff, 0xff}, p.code)
}

func TestRelocateRipRelative(t *testing.T) {
	code := []byte{0x48, 0x8b, 0x05, 0x10, 0, 0, 0, 0xc3} // mov rax, [rip+0x10]
	p, err := relocate(code, 0x1000, 0x3000, nearJumpSize, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, p.size)
	assert.Equal(t, []byte{0x48, 0x8b, 0x05, 0x10, 0xe0, 0xff, 0xff}, p.code)

	_, err = relocate(code, 0x1000, 0x1000+1<<40, nearJumpSize, 0)
	assert.ErrorContains(t, err, "out of range")
}

func TestRelocateEndbr(t *testing.T) {
	code := []byte{
		0xf3, 0x0f, 0x1e, 0xfa, // endbr64
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
		0x48, 0x83, 0xec, 0x10, // sub rsp, 16
		0xc3,
		0x90, 0x90,
	}
	p, err := relocate(code, 0x1000, 0x2000, nearJumpSize, 0)
	require.NoError(t, err)
	assert.Equal(t, code[:5], p.code)

	_, err = relocate(code, 0x1000, 0x2000, farJumpSize, 0)
	assert.ErrorIs(t, err, errTruncated, "ret before the jump width ends the function")
	p, err = relocate(code, 0x1000, 0x2000, farJumpSize, 64)
	require.NoError(t, err, "the symbol extends past the ret")
	assert.Equal(t, 14, p.size)
}

func TestRelocateRefusals(t *testing.T) {
	for name, c := range map[string]struct {
		code  []byte
		width int
		size  uint64
		err   string
	}{
		"branch into prologue": {[]byte{0x74, 0x01, 0x90, 0x90, 0x90, 0x90}, nearJumpSize, 0, "branch into"},
		"loop":                 {[]byte{0xe2, 0xfe, 0x90, 0x90, 0x90}, nearJumpSize, 0, "no rel32 form"},
		"undecodable":          {[]byte{0x48, 0x8b}, nearJumpSize, 0, "decode"},
		"dangling prefix":      {[]byte{0x90, 0x66, 0x48}, nearJumpSize, 0, "decode at +1"},
		"short symbol":         {[]byte{0xb8, 1, 0, 0, 0, 0xc3}, farJumpSize, 6, errTruncated.Error()},
		"short read":           {[]byte{0x90, 0x90}, nearJumpSize, 0, errTruncated.Error()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := relocate(c.code, 0x1000, 0x2000, c.width, c.size)
			assert.ErrorContains(t, err, c.err)
		})
	}
}

func TestEntryJump(t *testing.T) {
	assert.Equal(t, []byte{0xe9, 0xfb, 0x0f, 0, 0, 0x90}, entryJump(0x1000, 0x2000, 6))

	far := entryJump(0x1000, 1<<40, 15)
	require.Len(t, far, 15)
	assert.Equal(t, []byte{0xff, 0x25, 0, 0, 0, 0}, far[:6])
	assert.Equal(t, uint64(1<<40), binary.LittleEndian.Uint64(far[6:]))
	assert.Equal(t, byte(0x90), far[14])
}

func TestAssemble(t *testing.T) {
	b := assemble(0x1111, &prologue{size: 1, code: []byte{0x90}}, 0x2222)
	require.Len(t, b, 2*farJumpSize+1)
	assert.Equal(t, uint64(0x1111), binary.LittleEndian.Uint64(b[6:]))
	assert.Equal(t, byte(0x90), b[farJumpSize])
	assert.Equal(t, []byte{0xff, 0x25}, b[farJumpSize+1:farJumpSize+3])
	assert.Equal(t, uint64(0x2222), binary.LittleEndian.Uint64(b[farJumpSize+7:]))
}
