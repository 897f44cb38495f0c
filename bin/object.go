package bin

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"time"
	"unsafe"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// LinkState flags a section's pending work.
type LinkState uint8

const (
	NeedsLink LinkState = 1 << iota
	NeedsBase
)

const (
	stubSize = 16
	gotSize  = 8
)

var errNotLoaded = errors.New("binary not loaded")

type section struct {
	name   string
	index  int
	typ    elf.SectionType
	flags  elf.SectionFlag
	offset uint64
	size   uint64
	align  uint64
	addr   uintptr
	state  LinkState
	relocs []reloc
}

type reloc struct {
	offset   uint64
	typ      elf.R_X86_64
	sym      uint32
	addend   int64
	implicit bool
}

type elfSymbol struct {
	name   string
	value  uint64
	size   uint64
	shndx  elf.SectionIndex
	bind   elf.SymBind
	typ    elf.SymType
	addr   uintptr
	record *symtab.Symbol
}

// SectionInfo describes a placed section.
type SectionInfo struct {
	Name    string
	Address uintptr
	Size    uint64
	State   LinkState
	Relocs  int
}

// Object is a relocatable ELF object linked in process.
type Object struct {
	env   *Env
	path  string
	name  string
	mtime time.Time
	raw   []byte
	// image is raw realigned to 16 bytes; pre-link symbol addresses point into it.
	image    []byte
	sections []*section
	syms     []elfSymbol
	table    symtab.Table
	// implicit addends of SHT_REL records keyed by file offset of the relocated field
	relocBase map[uint64]int64

	region     uintptr
	regionSize uintptr
	placed     bool
	stubNeed   []uint32
	gotNeed    []uint32
	stubs      map[uint32]uintptr
	got        map[uint32]uintptr

	deps    map[symtab.Owner]struct{}
	handler *symtab.Symbol
	fatal   error
}

// NewObject creates an empty object.
func NewObject(env *Env) *Object {
	return &Object{env: env}
}

func (o *Object) Path() string { return o.path }

// Name is the logical name, the member name for archive members.
func (o *Object) Name() string { return o.name }

func (o *Object) Kind() Kind { return KindObject }

func (o *Object) ModTime() time.Time { return o.mtime }

func (o *Object) Symbols() *symtab.Table { return &o.table }

// Owns reports whether x is the object itself.
func (o *Object) Owns(x symtab.Owner) bool { return x == o }

// LoadFile reads and parses the object at path.
func (o *Object) LoadFile(path string) error {
	data, err := o.env.FS.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return o.LoadMemory(path, data, statTime(o.env, path))
}

// LoadMemory parses data as the object name.
func (o *Object) LoadMemory(name string, data []byte, mtime time.Time) error {
	if o.raw != nil {
		return errors.Errorf("%s: already loaded", o.path)
	}
	o.path, o.mtime = name, mtime
	if o.name == "" {
		o.name = name
	}
	if err := o.parse(data); err != nil {
		o.release()
		return err
	}
	level.Debug(o.env.Logger).Log("msg", "object loaded", "path", o.path, "sections", len(o.sections), "symbols", o.table.Len())
	return nil
}

func realign(data []byte) []byte {
	buf := make([]byte, len(data)+15)
	off := (16 - uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%16) % 16
	image := buf[off : off+uintptr(len(data))]
	copy(image, data)
	return image
}

func (o *Object) parse(data []byte) error {
	o.raw = data
	o.image = realign(data)
	f, err := elf.NewFile(bytes.NewReader(o.image))
	if err != nil {
		return errs.Format(o.path, err, "parse ELF")
	}
	switch {
	case f.Class != elf.ELFCLASS64:
		return errs.Format(o.path, nil, "class %s", f.Class)
	case f.Data != elf.ELFDATA2LSB:
		return errs.Format(o.path, nil, "byte order %s", f.Data)
	case f.Machine != elf.EM_X86_64:
		return errs.Format(o.path, nil, "machine %s", f.Machine)
	case f.Type != elf.ET_REL:
		return errs.Format(o.path, nil, "type %s", f.Type)
	}
	o.sections = make([]*section, len(f.Sections))
	for i, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		if s.Type != elf.SHT_NOBITS && s.Offset+s.Size > uint64(len(o.image)) {
			return errs.Format(o.path, nil, "section %s beyond image", s.Name)
		}
		o.sections[i] = &section{
			name:   s.Name,
			index:  i,
			typ:    s.Type,
			flags:  s.Flags,
			offset: s.Offset,
			size:   s.Size,
			align:  s.Addralign,
			state:  NeedsLink | NeedsBase,
		}
	}
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return errs.Format(o.path, err, "symbol table")
	}
	o.syms = make([]elfSymbol, len(syms)+1)
	for i, s := range syms {
		o.syms[i+1] = elfSymbol{
			name:  s.Name,
			value: s.Value,
			size:  s.Size,
			shndx: s.Section,
			bind:  elf.ST_BIND(s.Info),
			typ:   elf.ST_TYPE(s.Info),
		}
	}
	if err = o.parseRelocations(f); err != nil {
		return err
	}
	return o.collectSymbols()
}

func (o *Object) parseRelocations(f *elf.File) error {
	le := binary.LittleEndian
	o.relocBase = map[uint64]int64{}
	stubs, got := map[uint32]bool{}, map[uint32]bool{}
	for _, rs := range f.Sections {
		if rs.Type != elf.SHT_RELA && rs.Type != elf.SHT_REL {
			continue
		}
		if int(rs.Info) >= len(o.sections) {
			return errs.Format(o.path, nil, "%s targets section %d", rs.Name, rs.Info)
		}
		target := o.sections[rs.Info]
		if target == nil {
			// debug info and other non-allocated sections are never relocated
			continue
		}
		data, err := rs.Data()
		if err != nil {
			return errs.Format(o.path, err, "read %s", rs.Name)
		}
		ent := 24
		if rs.Type == elf.SHT_REL {
			ent = 16
		}
		if len(data)%ent != 0 {
			return errs.Format(o.path, nil, "%s size %d", rs.Name, len(data))
		}
		for p := 0; p < len(data); p += ent {
			r := reloc{
				offset: le.Uint64(data[p:]),
				typ:    elf.R_X86_64(le.Uint64(data[p+8:]) & 0xffffffff),
				sym:    uint32(le.Uint64(data[p+8:]) >> 32),
			}
			width, ok := relocWidth(r.typ)
			if !ok {
				return errs.Format(o.path, nil, "%s: relocation %s", target.name, r.typ)
			}
			if int(r.sym) >= len(o.syms) {
				return errs.Format(o.path, nil, "%s: relocation symbol %d", target.name, r.sym)
			}
			if r.offset+width > target.size {
				return errs.Format(o.path, nil, "%s: relocation at %#x beyond section", target.name, r.offset)
			}
			if target.typ == elf.SHT_NOBITS && r.typ != elf.R_X86_64_NONE {
				return errs.Format(o.path, nil, "%s: relocation in bss", target.name)
			}
			if ent == 24 {
				r.addend = int64(le.Uint64(data[p+16:]))
			} else {
				r.implicit = true
				o.relocBase[target.offset+r.offset] = implicitAddend(o.image[target.offset+r.offset:], r.typ)
			}
			switch r.typ {
			case elf.R_X86_64_PLT32:
				if o.syms[r.sym].shndx == elf.SHN_UNDEF && r.sym != 0 && !stubs[r.sym] {
					stubs[r.sym] = true
					o.stubNeed = append(o.stubNeed, r.sym)
				}
			case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
				if !got[r.sym] {
					got[r.sym] = true
					o.gotNeed = append(o.gotNeed, r.sym)
				}
			}
			target.relocs = append(target.relocs, r)
		}
	}
	return nil
}

func relocWidth(t elf.R_X86_64) (uint64, bool) {
	switch t {
	case elf.R_X86_64_NONE:
		return 0, true
	case elf.R_X86_64_64, elf.R_X86_64_PC64:
		return 8, true
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_32, elf.R_X86_64_32S,
		elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return 4, true
	}
	return 0, false
}

func implicitAddend(field []byte, t elf.R_X86_64) int64 {
	le := binary.LittleEndian
	switch w, _ := relocWidth(t); w {
	case 8:
		return int64(le.Uint64(field))
	case 4:
		if t == elf.R_X86_64_32 {
			return int64(le.Uint32(field))
		}
		return int64(int32(le.Uint32(field)))
	}
	return 0
}

func (o *Object) collectSymbols() error {
	for i := range o.syms {
		s := &o.syms[i]
		if i == 0 || s.name == "" || s.shndx == elf.SHN_UNDEF {
			continue
		}
		if s.bind != elf.STB_GLOBAL && s.bind != elf.STB_WEAK {
			continue
		}
		flags := symtab.FlagExported
		switch s.typ {
		case elf.STT_FUNC:
			flags |= symtab.FlagFunction
		case elf.STT_OBJECT, elf.STT_COMMON, elf.STT_TLS:
			flags |= symtab.FlagData
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		if s.bind == elf.STB_WEAK {
			flags |= symtab.FlagWeak
		}
		var addr uintptr
		switch {
		case s.shndx == elf.SHN_ABS:
			addr = uintptr(s.value)
		case s.shndx == elf.SHN_COMMON:
		case int(s.shndx) < len(o.sections) && o.sections[s.shndx] != nil:
			sec := o.sections[s.shndx]
			if sec.typ != elf.SHT_NOBITS && s.value < sec.size {
				addr = uintptr(unsafe.Pointer(&o.image[sec.offset+s.value]))
			}
		default:
			continue
		}
		if s.name == HandlerName {
			flags |= symtab.FlagHandler
		}
		s.record = o.env.Symbols.New(s.name, addr, flags, int(s.shndx), o)
		s.record.Size = s.size
		o.table.Add(s.record)
		if flags&symtab.FlagHandler != 0 {
			o.handler = s.record
		}
	}
	o.table.Sort()
	return nil
}

// Place maps the object's region and assigns final addresses to its sections and symbols.
// It runs once; later calls do nothing.
func (o *Object) Place() error {
	if o.image == nil {
		return errors.Wrap(errNotLoaded, o.path)
	}
	if o.placed {
		return nil
	}
	dry := alloc.NewDrySectionAllocator()
	if err := o.layout(dry); err != nil {
		return errs.Format(o.path, err, "layout")
	}
	if size := dry.Used(); size > 0 {
		page := o.env.Mapper.PageSize()
		granularity := page
		if dry.MaxAlign() > granularity {
			granularity = dry.MaxAlign()
		}
		size = alloc.AlignUp(size, page)
		base, err := alloc.MapNear(o.env.Mapper, o.env.Near, size, granularity, alloc.RelReach)
		if err != nil && o.env.Near != 0 {
			level.Debug(o.env.Logger).Log("msg", "no region near host code", "path", o.path, "err", err)
			base, err = o.env.Mapper.Map(0, size)
		}
		if err != nil {
			return errors.Wrapf(err, "%s: map %d bytes", o.path, size)
		}
		if err = o.layout(alloc.NewSectionAllocator(base, size)); err != nil {
			_ = o.env.Mapper.Unmap(base, size)
			return errs.Format(o.path, err, "layout")
		}
		o.region, o.regionSize = base, size
		for _, s := range o.sections {
			if s != nil && s.typ != elf.SHT_NOBITS && s.size > 0 {
				copy(alloc.View(s.addr, uintptr(s.size)), o.image[s.offset:s.offset+s.size])
			}
		}
	}
	for i := range o.syms {
		s := &o.syms[i]
		if s.record == nil {
			continue
		}
		switch {
		case s.shndx == elf.SHN_COMMON:
			s.record.Address = s.addr
		case s.shndx == elf.SHN_ABS:
		default:
			s.record.Address = o.sections[s.shndx].addr + uintptr(s.value)
		}
	}
	for _, s := range o.sections {
		if s != nil {
			s.state &^= NeedsBase
		}
	}
	o.placed = true
	level.Debug(o.env.Logger).Log("msg", "object placed", "path", o.path, "region", hex(o.region), "size", o.regionSize)
	return nil
}

// layout runs the placement sequence against a; a committed allocator records the results.
// Executable sections come first, then initialized data, then bss, common symbols, stubs and GOT.
func (o *Object) layout(a *alloc.SectionAllocator) error {
	place := func(size, align uint64) (uintptr, error) {
		return a.Allocate(uintptr(size), uintptr(align))
	}
	groups := []func(*section) bool{
		func(s *section) bool { return s.flags&elf.SHF_EXECINSTR != 0 },
		func(s *section) bool { return s.flags&elf.SHF_EXECINSTR == 0 && s.typ != elf.SHT_NOBITS },
		func(s *section) bool { return s.flags&elf.SHF_EXECINSTR == 0 && s.typ == elf.SHT_NOBITS },
	}
	for _, in := range groups {
		for _, s := range o.sections {
			if s == nil || !in(s) {
				continue
			}
			addr, err := place(s.size, s.align)
			if err != nil {
				return errors.Wrap(err, s.name)
			}
			if !a.Dry() {
				s.addr = addr
			}
		}
	}
	for i := range o.syms {
		s := &o.syms[i]
		if s.shndx != elf.SHN_COMMON {
			continue
		}
		addr, err := place(s.size, s.value)
		if err != nil {
			return errors.Wrap(err, s.name)
		}
		if !a.Dry() {
			s.addr = addr
		}
	}
	if n := len(o.stubNeed); n > 0 {
		addr, err := place(uint64(n*stubSize), stubSize)
		if err != nil {
			return errors.Wrap(err, "stubs")
		}
		if !a.Dry() {
			o.stubs = make(map[uint32]uintptr, n)
			for i, sym := range o.stubNeed {
				o.stubs[sym] = addr + uintptr(i*stubSize)
			}
		}
	}
	if n := len(o.gotNeed); n > 0 {
		addr, err := place(uint64(n*gotSize), gotSize)
		if err != nil {
			return errors.Wrap(err, "got")
		}
		if !a.Dry() {
			o.got = make(map[uint32]uintptr, n)
			for i, sym := range o.gotNeed {
				o.got[sym] = addr + uintptr(i*gotSize)
			}
		}
	}
	return nil
}

// Link places the object when needed and applies the relocations of every section still
// flagged NeedsLink. Sections with unresolved symbols stay flagged.
func (o *Object) Link(r Resolver) error {
	if o.fatal != nil {
		return o.fatal
	}
	if err := o.Place(); err != nil {
		return err
	}
	if o.deps == nil {
		o.deps = map[symtab.Owner]struct{}{}
	}
	var result *multierror.Error
	for _, s := range o.sections {
		if s == nil || s.state&NeedsLink == 0 {
			continue
		}
		missing, err := o.relocate(s, r)
		if err != nil {
			o.fatal = err
			return err
		}
		if len(missing) > 0 {
			result = multierror.Append(result, &errs.UnresolvedSymbolError{Binary: o.path, Section: s.name, Symbols: missing})
			continue
		}
		s.state &^= NeedsLink
	}
	return result.ErrorOrNil()
}

// NeedsLink reports whether any section is still pending.
func (o *Object) NeedsLink() bool {
	if o.image == nil {
		return false
	}
	if !o.placed {
		return true
	}
	for _, s := range o.sections {
		if s != nil && s.state&NeedsLink != 0 {
			return true
		}
	}
	return false
}

// Invalidate flags every section with relocations for relinking and forgets dependencies.
func (o *Object) Invalidate() {
	for _, s := range o.sections {
		if s != nil && len(s.relocs) > 0 {
			s.state |= NeedsLink
		}
	}
	o.deps = nil
}

// DependsOn reports whether a relocation of the object was resolved into x.
func (o *Object) DependsOn(x symtab.Owner) bool {
	c, _ := x.(symtab.Container)
	for d := range o.deps {
		if d == x || (c != nil && c.Owns(d)) {
			return true
		}
	}
	return false
}

// Sections describes the allocated sections in index order.
func (o *Object) Sections() []SectionInfo {
	var out []SectionInfo
	for _, s := range o.sections {
		if s != nil {
			out = append(out, SectionInfo{Name: s.name, Address: s.addr, Size: s.size, State: s.state, Relocs: len(s.relocs)})
		}
	}
	return out
}

// Region is the mapped range holding the object's sections.
func (o *Object) Region() (uintptr, uintptr) { return o.region, o.regionSize }

// Contains reports whether addr falls inside the object's region.
func (o *Object) Contains(addr uintptr) bool {
	return o.region != 0 && addr >= o.region && addr < o.region+o.regionSize
}

// CallHandler calls DynamicPatchEvent with e when the object defines it.
func (o *Object) CallHandler(e Event) error {
	if o.handler == nil {
		return nil
	}
	if o.NeedsLink() {
		return errors.Wrapf(errs.ErrNotLinked, "%s: %s handler", o.path, e)
	}
	level.Debug(o.env.Logger).Log("msg", "call handler", "path", o.path, "event", e)
	return callNative(o.handler.Address, uintptr(e))
}

// Unload releases the region and the symbol records.
func (o *Object) Unload() error {
	if o.image == nil {
		return nil
	}
	var err error
	if o.region != 0 {
		err = o.env.Mapper.Unmap(o.region, o.regionSize)
	}
	o.release()
	level.Debug(o.env.Logger).Log("msg", "object unloaded", "path", o.path)
	return err
}

func (o *Object) release() {
	o.table.Each(func(s *symtab.Symbol) { o.env.Symbols.Delete(s) })
	o.table.Clear()
	o.raw, o.image, o.sections, o.syms, o.relocBase = nil, nil, nil, nil, nil
	o.region, o.regionSize, o.placed = 0, 0, false
	o.stubs, o.got, o.stubNeed, o.gotNeed = nil, nil, nil, nil
	o.deps, o.handler, o.fatal = nil, nil, nil
}
