package patch

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	nearJumpSize = 5
	farJumpSize  = 14
	nop          = 0x90
	// largest relocated prologue that still leaves room for both absolute jumps of a block
	maxPrologue = alloc.TrampolineBlockSize - 2*farJumpSize
	// bytes read from a target with unknown size
	readAhead = 32
)

var endbr64 = []byte{0xf3, 0x0f, 0x1e, 0xfa}

var (
	errTruncated = errors.New("function shorter than the entry jump")
	errTooLong   = errors.New("relocated prologue does not fit a trampoline block")
)

// farJump encodes jmp *0(%rip) followed by the absolute target.
func farJump(to uintptr) []byte {
	b := make([]byte, farJumpSize)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint64(b[6:], uint64(to))
	return b
}

// nearJump encodes jmp rel32 placed at from.
func nearJump(from, to uintptr) ([]byte, bool) {
	d := int64(to) - int64(from+nearJumpSize)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return nil, false
	}
	b := []byte{0xe9, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], uint32(int32(d)))
	return b, true
}

// entryJump encodes the jump written over a target, padded with NOPs to n bytes.
func entryJump(from, to uintptr, n int) []byte {
	j, ok := nearJump(from, to)
	if !ok {
		j = farJump(to)
	}
	return append(j, bytes.Repeat([]byte{nop}, n-len(j))...)
}

// prologue is the run of whole instructions copied out of a target.
type prologue struct {
	// length of the original instructions
	size int
	// instructions re-encoded for their new address
	code []byte
}

// relocate decodes whole instructions of code, which lives at from, until at least width bytes
// are covered, and re-encodes them to run at to. Relative operands are rebased; short branches
// are widened to rel32. size is the symbol size, zero when unknown: an instruction ending the
// function before width bytes is only accepted when the symbol extends past width.
func relocate(code []byte, from, to uintptr, width int, size uint64) (*prologue, error) {
	le := binary.LittleEndian
	p := &prologue{}
	var branches []uintptr
	for p.size < width {
		if p.size >= len(code) {
			return nil, errTruncated
		}
		rest := code[p.size:]
		if bytes.HasPrefix(rest, endbr64) {
			p.code = append(p.code, endbr64...)
			p.size += len(endbr64)
			continue
		}
		inst, err := x86asm.Decode(rest, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "decode at +%d", p.size)
		}
		// a prefix without its instruction decodes as Op 0
		if inst.Op == 0 {
			return nil, errors.Errorf("decode at +%d: incomplete instruction % x", p.size, rest[:inst.Len])
		}
		end := from + uintptr(p.size+inst.Len)
		if size > 0 && uint64(p.size+inst.Len) > size {
			return nil, errTruncated
		}
		var out []byte
		switch inst.PCRel {
		case 0:
			out = bytes.Clone(rest[:inst.Len])
		case 4:
			dest := uintptr(int64(end) + int64(int32(le.Uint32(rest[inst.PCRelOff:]))))
			out = bytes.Clone(rest[:inst.Len])
			if err = rebase(out[inst.PCRelOff:], dest, to+uintptr(len(p.code)+len(out))); err != nil {
				return nil, errors.Wrapf(err, "%s at +%d", inst.Op, p.size)
			}
			if isBranch(inst.Op) {
				branches = append(branches, dest)
			}
		case 1:
			dest := uintptr(int64(end) + int64(int8(rest[inst.PCRelOff])))
			if out, err = widen(rest[:inst.Len], inst.Op); err != nil {
				return nil, errors.Wrapf(err, "at +%d", p.size)
			}
			if err = rebase(out[len(out)-4:], dest, to+uintptr(len(p.code)+len(out))); err != nil {
				return nil, errors.Wrapf(err, "%s at +%d", inst.Op, p.size)
			}
			branches = append(branches, dest)
		default:
			return nil, errors.Errorf("%d byte relative operand at +%d", inst.PCRel, p.size)
		}
		p.code = append(p.code, out...)
		p.size += inst.Len
		if (inst.Op == x86asm.RET || inst.Op == x86asm.JMP || inst.Op == x86asm.UD2) && p.size < width &&
			(size == 0 || uint64(width) > size) {
			return nil, errTruncated
		}
	}
	if len(p.code) > maxPrologue {
		return nil, errTooLong
	}
	for _, b := range branches {
		if b > from && b < from+uintptr(p.size) {
			return nil, errors.Errorf("branch into the overwritten prologue at %#x", b)
		}
	}
	return p, nil
}

// rebase stores into field the rel32 displacement reaching dest from next, the address of the
// following instruction.
func rebase(field []byte, dest, next uintptr) error {
	d := int64(dest) - int64(next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return errors.Errorf("displacement to %#x out of range", dest)
	}
	binary.LittleEndian.PutUint32(field, uint32(int32(d)))
	return nil
}

// widen turns a rel8 jmp or jcc into its rel32 form with a zero displacement.
func widen(inst []byte, op x86asm.Op) ([]byte, error) {
	if len(inst) != 2 {
		return nil, errors.Errorf("prefixed short branch %x", inst)
	}
	switch c := inst[0]; {
	case c == 0xeb:
		return []byte{0xe9, 0, 0, 0, 0}, nil
	case c >= 0x70 && c <= 0x7f:
		return []byte{0x0f, 0x80 + (c - 0x70), 0, 0, 0, 0}, nil
	}
	return nil, errors.Errorf("%s has no rel32 form", op)
}

func isBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG, x86asm.JGE,
		x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return true
	}
	return false
}

// assemble builds a trampoline block: a jump to the hook, the relocated prologue, and a jump
// back to the first original instruction after it.
func assemble(hook uintptr, p *prologue, resume uintptr) []byte {
	b := make([]byte, 0, alloc.TrampolineBlockSize)
	b = append(b, farJump(hook)...)
	b = append(b, p.code...)
	return append(b, farJump(resume)...)
}
