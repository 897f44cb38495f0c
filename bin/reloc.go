package bin

import (
	"debug/elf"
	"encoding/binary"
	"math"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/samber/lo"
)

func fits32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

// relocate applies every relocation of s. Resolved fields are rewritten on each pass, so a
// section may be relocated any number of times. Missing names are returned; a value that does
// not fit its field is an error.
func (o *Object) relocate(s *section, r Resolver) (missing []string, err error) {
	le := binary.LittleEndian
	mem := alloc.View(s.addr, uintptr(s.size))
	for _, rel := range s.relocs {
		if rel.typ == elf.R_X86_64_NONE {
			continue
		}
		sv, ok := o.value(rel.sym, r)
		if !ok {
			if name := o.syms[rel.sym].name; !lo.Contains(missing, name) {
				missing = append(missing, name)
			}
			continue
		}
		S, A, P := int64(sv), rel.addend, int64(s.addr)+int64(rel.offset)
		if rel.implicit {
			A = o.relocBase[s.offset+rel.offset]
		}
		field := mem[rel.offset:]
		switch rel.typ {
		case elf.R_X86_64_64:
			le.PutUint64(field, uint64(S+A))
		case elf.R_X86_64_PC64:
			le.PutUint64(field, uint64(S+A-P))
		case elf.R_X86_64_32:
			v := S + A
			if v < 0 || v > math.MaxUint32 {
				return nil, o.rangeError(s, rel, v)
			}
			le.PutUint32(field, uint32(v))
		case elf.R_X86_64_32S:
			v := S + A
			if !fits32(v) {
				return nil, o.rangeError(s, rel, v)
			}
			le.PutUint32(field, uint32(int32(v)))
		case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
			v := S + A - P
			if stub, ok := o.stubs[rel.sym]; ok && !fits32(v) {
				writeStub(stub, sv)
				v = int64(stub) + A - P
			}
			if !fits32(v) {
				return nil, o.rangeError(s, rel, v)
			}
			le.PutUint32(field, uint32(int32(v)))
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			slot := o.got[rel.sym]
			le.PutUint64(alloc.View(slot, gotSize), uint64(sv))
			v := int64(slot) + A - P
			if !fits32(v) {
				return nil, o.rangeError(s, rel, v)
			}
			le.PutUint32(field, uint32(int32(v)))
		}
	}
	return missing, nil
}

// writeStub encodes jmp *0(%rip) followed by the absolute target.
func writeStub(at, target uintptr) {
	b := alloc.View(at, 14)
	b[0], b[1] = 0xff, 0x25
	binary.LittleEndian.PutUint32(b[2:], 0)
	binary.LittleEndian.PutUint64(b[6:], uint64(target))
}

// value resolves symbol idx. Undefined names go to the object's own table, then to r; an
// unresolved weak reference is zero.
func (o *Object) value(idx uint32, r Resolver) (uintptr, bool) {
	if idx == 0 {
		return 0, true
	}
	s := &o.syms[idx]
	switch {
	case s.typ == elf.STT_SECTION:
		if int(s.shndx) < len(o.sections) && o.sections[s.shndx] != nil {
			return o.sections[s.shndx].addr, true
		}
		return 0, true
	case s.shndx == elf.SHN_ABS:
		return uintptr(s.value), true
	case s.shndx == elf.SHN_COMMON:
		return s.addr, true
	case s.shndx == elf.SHN_UNDEF:
		if d := o.table.FindByName(s.name); d != nil {
			return d.Address, true
		}
		if r != nil {
			if d, ok := r.Resolve(s.name, o); ok {
				if d.Binary != nil && d.Binary != o {
					o.deps[d.Binary] = struct{}{}
				}
				return d.Address, true
			}
		}
		if s.bind == elf.STB_WEAK {
			return 0, true
		}
		return 0, false
	case int(s.shndx) < len(o.sections) && o.sections[s.shndx] != nil:
		return o.sections[s.shndx].addr + uintptr(s.value), true
	}
	return uintptr(s.value), true
}

func (o *Object) rangeError(s *section, rel reloc, v int64) error {
	return &errs.RelocationRangeError{Binary: o.path, Section: s.name, Offset: rel.offset, Type: rel.typ.String(), Value: v}
}
