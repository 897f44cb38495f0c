// Package objtest writes small ELF64 x86-64 relocatable objects and ar archives for tests.
package objtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"
)

// Section of an object under construction.
type Section struct {
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Data   []byte
	Size   uint64 // SHT_NOBITS only
	Align  uint64
	relocs []Reloc
	rel    bool
}

// Reloc is a relocation record against a named symbol or section.
type Reloc struct {
	Offset uint64
	Type   elf.R_X86_64
	Sym    string
	Addend int64
}

// Rela adds an explicit-addend relocation.
func (s *Section) Rela(off uint64, typ elf.R_X86_64, sym string, addend int64) *Section {
	s.relocs = append(s.relocs, Reloc{Offset: off, Type: typ, Sym: sym, Addend: addend})
	return s
}

// Rel adds an implicit-addend relocation; the addend must already sit in Data.
// A section uses either Rel or Rela records, not both.
func (s *Section) Rel(off uint64, typ elf.R_X86_64, sym string) *Section {
	s.rel = true
	s.relocs = append(s.relocs, Reloc{Offset: off, Type: typ, Sym: sym})
	return s
}

// Sym is a symbol entry. Section "" is undefined, "*ABS*" absolute, "*COMMON*" common
// (Value is then the alignment).
type Sym struct {
	Name    string
	Section string
	Value   uint64
	Size    uint64
	Bind    elf.SymBind
	Type    elf.SymType
}

// Object is an ELF relocatable image under construction.
type Object struct {
	Sections []*Section
	Symbols  []Sym
	Machine  elf.Machine
	Type     elf.Type
}

// New creates an empty x86-64 relocatable object.
func New() *Object {
	return &Object{Machine: elf.EM_X86_64, Type: elf.ET_REL}
}

// Text adds an executable section.
func (o *Object) Text(name string, code []byte) *Section {
	return o.add(&Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, Data: code, Align: 16})
}

// Data adds a writable data section.
func (o *Object) Data(name string, data []byte) *Section {
	return o.add(&Section{Name: name, Type: elf.SHT_PROGBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Data: data, Align: 8})
}

// Bss adds a zero-filled section.
func (o *Object) Bss(name string, size uint64) *Section {
	return o.add(&Section{Name: name, Type: elf.SHT_NOBITS, Flags: elf.SHF_ALLOC | elf.SHF_WRITE, Size: size, Align: 16})
}

// Note adds a non-allocated section.
func (o *Object) Note(name string, data []byte) *Section {
	return o.add(&Section{Name: name, Type: elf.SHT_PROGBITS, Data: data, Align: 1})
}

func (o *Object) add(s *Section) *Section {
	o.Sections = append(o.Sections, s)
	return s
}

// Func defines a global function.
func (o *Object) Func(name, section string, value, size uint64) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Section: section, Value: value, Size: size, Bind: elf.STB_GLOBAL, Type: elf.STT_FUNC})
	return o
}

// Var defines a global data object.
func (o *Object) Var(name, section string, value, size uint64) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Section: section, Value: value, Size: size, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT})
	return o
}

// Local defines a local function.
func (o *Object) Local(name, section string, value, size uint64) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Section: section, Value: value, Size: size, Bind: elf.STB_LOCAL, Type: elf.STT_FUNC})
	return o
}

// Extern declares an undefined global.
func (o *Object) Extern(name string) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Bind: elf.STB_GLOBAL, Type: elf.STT_NOTYPE})
	return o
}

// Weak declares an undefined weak reference.
func (o *Object) Weak(name string) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Bind: elf.STB_WEAK, Type: elf.STT_NOTYPE})
	return o
}

// Common declares a common block.
func (o *Object) Common(name string, size, align uint64) *Object {
	o.Symbols = append(o.Symbols, Sym{Name: name, Section: "*COMMON*", Value: align, Size: size, Bind: elf.STB_GLOBAL, Type: elf.STT_OBJECT})
	return o
}

type strtab struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStrtab() *strtab {
	s := &strtab{idx: map[string]uint32{}}
	s.buf.WriteByte(0)
	s.idx[""] = 0
	return s
}

func (s *strtab) add(name string) uint32 {
	if i, ok := s.idx[name]; ok {
		return i
	}
	i := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	s.idx[name] = i
	return i
}

// Bytes encodes the object.
func (o *Object) Bytes() []byte {
	le := binary.LittleEndian
	secIndex := map[string]int{}
	for i, s := range o.Sections {
		secIndex[s.Name] = i + 1
	}
	// symbol table: null, one section symbol per section, locals, then globals
	strs := newStrtab()
	symIndex := map[string]int{}
	var syms []elf.Sym64
	syms = append(syms, elf.Sym64{})
	for i, s := range o.Sections {
		syms = append(syms, elf.Sym64{Info: elf.ST_INFO(elf.STB_LOCAL, elf.STT_SECTION), Shndx: uint16(i + 1)})
		symIndex["section:"+s.Name] = len(syms) - 1
	}
	ordered := append([]Sym(nil), o.Symbols...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Bind == elf.STB_LOCAL && ordered[j].Bind != elf.STB_LOCAL
	})
	firstGlobal := len(syms)
	for _, s := range ordered {
		var shndx uint16
		switch s.Section {
		case "":
			shndx = uint16(elf.SHN_UNDEF)
		case "*ABS*":
			shndx = uint16(elf.SHN_ABS)
		case "*COMMON*":
			shndx = uint16(elf.SHN_COMMON)
		default:
			idx, ok := secIndex[s.Section]
			if !ok {
				panic(fmt.Sprintf("objtest: symbol %s in unknown section %s", s.Name, s.Section))
			}
			shndx = uint16(idx)
		}
		if s.Bind == elf.STB_LOCAL {
			firstGlobal = len(syms) + 1
		}
		syms = append(syms, elf.Sym64{
			Name:  strs.add(s.Name),
			Info:  elf.ST_INFO(s.Bind, s.Type),
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})
		symIndex[s.Name] = len(syms) - 1
	}
	lookup := func(name string) uint32 {
		if i, ok := symIndex[name]; ok {
			return uint32(i)
		}
		if i, ok := symIndex["section:"+name]; ok {
			return uint32(i)
		}
		panic("objtest: relocation against unknown symbol " + name)
	}

	type outSection struct {
		name string
		hdr  elf.Section64
		data []byte
	}
	shstr := newStrtab()
	var out []outSection
	for _, s := range o.Sections {
		size := uint64(len(s.Data))
		if s.Type == elf.SHT_NOBITS {
			size = s.Size
		}
		out = append(out, outSection{name: s.Name, data: s.Data, hdr: elf.Section64{
			Type: uint32(s.Type), Flags: uint64(s.Flags), Size: size, Addralign: s.Align,
		}})
	}
	for i, s := range o.Sections {
		if len(s.relocs) == 0 {
			continue
		}
		var buf bytes.Buffer
		name, typ, ent := ".rela"+s.Name, elf.SHT_RELA, uint64(24)
		if s.rel {
			name, typ, ent = ".rel"+s.Name, elf.SHT_REL, 16
		}
		for _, r := range s.relocs {
			info := uint64(lookup(r.Sym))<<32 | uint64(r.Type)
			if s.rel {
				_ = binary.Write(&buf, le, elf.Rel64{Off: r.Offset, Info: info})
			} else {
				_ = binary.Write(&buf, le, elf.Rela64{Off: r.Offset, Info: info, Addend: r.Addend})
			}
		}
		out = append(out, outSection{name: name, data: buf.Bytes(), hdr: elf.Section64{
			Type: uint32(typ), Flags: uint64(elf.SHF_INFO_LINK), Info: uint32(i + 1), Entsize: ent, Addralign: 8,
		}})
	}
	// relocation sections reference the symbol table by index, which follows them
	symtabIndex := len(out) + 1
	for i := range out {
		if elf.SectionType(out[i].hdr.Type) == elf.SHT_RELA || elf.SectionType(out[i].hdr.Type) == elf.SHT_REL {
			out[i].hdr.Link = uint32(symtabIndex)
		}
	}
	var symBuf bytes.Buffer
	for _, s := range syms {
		_ = binary.Write(&symBuf, le, s)
	}
	out = append(out,
		outSection{name: ".symtab", data: symBuf.Bytes(), hdr: elf.Section64{
			Type: uint32(elf.SHT_SYMTAB), Link: uint32(symtabIndex + 1), Info: uint32(firstGlobal), Entsize: 24, Addralign: 8,
		}},
		outSection{name: ".strtab", data: strs.buf.Bytes(), hdr: elf.Section64{Type: uint32(elf.SHT_STRTAB), Addralign: 1}},
	)
	for i := range out {
		out[i].hdr.Name = shstr.add(out[i].name)
	}
	shstrName := shstr.add(".shstrtab")
	out = append(out, outSection{name: ".shstrtab", data: shstr.buf.Bytes(), hdr: elf.Section64{
		Name: shstrName, Type: uint32(elf.SHT_STRTAB), Addralign: 1,
	}})

	var body bytes.Buffer
	body.Write(make([]byte, 64))
	for i := range out {
		align := out[i].hdr.Addralign
		if align == 0 {
			align = 1
		}
		for uint64(body.Len())%align != 0 {
			body.WriteByte(0)
		}
		out[i].hdr.Off = uint64(body.Len())
		if elf.SectionType(out[i].hdr.Type) != elf.SHT_NOBITS {
			out[i].hdr.Size = uint64(len(out[i].data))
			body.Write(out[i].data)
		}
	}
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(body.Len())
	_ = binary.Write(&body, le, elf.Section64{})
	for _, s := range out {
		_ = binary.Write(&body, le, s.hdr)
	}

	img := body.Bytes()
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	hdr := elf.Header64{
		Ident:     ident,
		Type:      uint16(o.Type),
		Machine:   uint16(o.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    64,
		Shentsize: 64,
		Shnum:     uint16(len(out) + 1),
		Shstrndx:  uint16(len(out)),
	}
	var hb bytes.Buffer
	_ = binary.Write(&hb, le, hdr)
	copy(img, hb.Bytes())
	return img
}
