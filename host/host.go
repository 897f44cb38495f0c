// Package host provides the symbols of the running executable: Go symbols registered by goloader,
// the executable's ELF symbol tables relocated by the load slide, and the dynamic linker's
// default scope as a last resort.
package host

import (
	"debug/elf"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"sort"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkujhd/goloader"
)

// Symbols is the symbol table of the host process. It is not safe for concurrent use.
type Symbols struct {
	alloc  *symtab.Allocator
	table  symtab.Table
	byAddr []*symtab.Symbol
	dirty  bool
	goSyms map[string]uintptr
	names  *lru.Cache[uintptr, string]
	lookup func(name string) uintptr
	logger log.Logger
}

type config struct {
	logger     log.Logger
	executable string
	lookup     func(string) uintptr
	goSymbols  bool
	cacheSize  int
}

// Option configures the host symbols.
type Option func(*config)

// WithLogger sets the logger, nop by default.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithExecutable reads ELF symbols from path instead of the running executable.
func WithExecutable(path string) Option {
	return func(c *config) { c.executable = path }
}

// WithLookup sets the fallback used for names missing from the tables. A nil result means absent.
func WithLookup(f func(name string) uintptr) Option {
	return func(c *config) { c.lookup = f }
}

// WithoutGoSymbols skips goloader registration.
func WithoutGoSymbols() Option {
	return func(c *config) { c.goSymbols = false }
}

// WithCacheSize bounds the address description cache.
func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

func newConfig(opts []Option) *config {
	c := &config{logger: log.NewNopLogger(), goSymbols: true, cacheSize: 1024, lookup: defaultLookup}
	for _, o := range opts {
		o(c)
	}
	return c
}

// New creates an empty table. Symbols are added with Add.
func New(a *symtab.Allocator, opts ...Option) *Symbols {
	c := newConfig(opts)
	return newSymbols(a, c)
}

func newSymbols(a *symtab.Allocator, c *config) *Symbols {
	names, err := lru.New[uintptr, string](c.cacheSize)
	if err != nil {
		names, _ = lru.New[uintptr, string](1024)
	}
	return &Symbols{
		alloc:  a,
		goSyms: map[string]uintptr{},
		names:  names,
		lookup: c.lookup,
		logger: c.logger,
	}
}

// Load collects the symbols of the running process.
func Load(a *symtab.Allocator, opts ...Option) (*Symbols, error) {
	c := newConfig(opts)
	h := newSymbols(a, c)
	known := map[string]*symtab.Symbol{}
	if c.goSymbols {
		if err := goloader.RegSymbol(h.goSyms); err != nil {
			level.Warn(h.logger).Log("msg", "go symbol registration failed", "err", err)
		}
		for name, addr := range h.goSyms {
			flags := symtab.FlagExported
			if goFunc(addr) {
				flags |= symtab.FlagFunction
			}
			known[name] = h.Add(name, addr, 0, flags)
		}
	}
	path := c.executable
	if path == "" {
		var err error
		if path, err = os.Executable(); err != nil {
			return nil, err
		}
	}
	n, err := h.readELF(path, known)
	if err != nil {
		return nil, err
	}
	h.table.Sort()
	level.Debug(h.logger).Log("msg", "host symbols loaded", "go", len(h.goSyms), "elf", n, "path", path)
	return h, nil
}

// goFunc reports whether addr is the entry of a Go function, which holds without an ELF symbol
// table.
func goFunc(addr uintptr) bool {
	f := runtime.FuncForPC(addr)
	return f != nil && f.Entry() == addr
}

// anchor locates the load slide of a position independent executable.
func anchor() {}

func (h *Symbols) readELF(path string, known map[string]*symtab.Symbol) (int, error) {
	f, err := elf.Open(path)
	if err != nil {
		return 0, errs.Format(path, err, "open executable")
	}
	defer f.Close()
	syms, _ := f.Symbols()
	dyn, _ := f.DynamicSymbols()
	var slide uintptr
	if f.Type == elf.ET_DYN {
		slide = computeSlide(syms)
	}
	n := 0
	for _, list := range [][]elf.Symbol{syms, dyn} {
		for _, s := range list {
			if s.Name == "" || s.Section == elf.SHN_UNDEF || s.Value == 0 {
				continue
			}
			var flags symtab.Flags
			switch elf.ST_TYPE(s.Info) {
			case elf.STT_FUNC:
				flags |= symtab.FlagFunction
			case elf.STT_OBJECT, elf.STT_TLS:
				flags |= symtab.FlagData
			default:
				continue
			}
			switch elf.ST_BIND(s.Info) {
			case elf.STB_GLOBAL:
				flags |= symtab.FlagExported
			case elf.STB_WEAK:
				flags |= symtab.FlagExported | symtab.FlagWeak
			}
			addr := uintptr(s.Value) + slide
			if ex, ok := known[s.Name]; ok && ex.Address == addr {
				if ex.Size == 0 {
					ex.Size = s.Size
				}
				ex.Flags |= flags
				continue
			}
			known[s.Name] = h.Add(s.Name, addr, s.Size, flags)
			n++
		}
	}
	return n, nil
}

func computeSlide(syms []elf.Symbol) uintptr {
	name := fmt.Sprintf("%s.anchor", reflect.TypeOf(Symbols{}).PkgPath())
	for _, s := range syms {
		if s.Name == name {
			return reflect.ValueOf(anchor).Pointer() - uintptr(s.Value)
		}
	}
	return 0
}

// Add registers a host symbol.
func (h *Symbols) Add(name string, addr uintptr, size uint64, flags symtab.Flags) *symtab.Symbol {
	s := h.alloc.New(name, addr, flags|symtab.FlagHost, 0, nil)
	s.Size = size
	h.table.Add(s)
	h.byAddr = append(h.byAddr, s)
	h.dirty = true
	h.names.Purge()
	return s
}

// RegisterTypes adds the type descriptors of values to the Go symbols, so Go objects can use types
// the host never referenced by name.
func (h *Symbols) RegisterTypes(types ...any) {
	goloader.RegTypes(h.goSyms, types...)
}

// RegisterModule adds the Go symbols of a shared library built with -buildmode=shared.
func (h *Symbols) RegisterModule(path string) error {
	if err := goloader.RegSymbolWithSo(h.goSyms, path); err != nil {
		return errs.Format(path, err, "register go symbols")
	}
	return nil
}

// Len is the number of known host symbols.
func (h *Symbols) Len() int { return h.table.Len() }

// GoSymbols is the goloader symbol map of the host. Callers must not modify it.
func (h *Symbols) GoSymbols() map[string]uintptr { return h.goSyms }

// FindByName returns the host symbol named name. Names absent from the tables are looked up in
// the dynamic linker's default scope and remembered.
func (h *Symbols) FindByName(name string) *symtab.Symbol {
	if s := h.table.FindByName(name); s != nil {
		return s
	}
	if h.lookup == nil {
		return nil
	}
	addr := h.lookup(name)
	if addr == 0 {
		return nil
	}
	level.Debug(h.logger).Log("msg", "host symbol from dynamic scope", "name", name, "addr", fmt.Sprintf("%#x", addr))
	return h.Add(name, addr, 0, symtab.FlagExported)
}

func (h *Symbols) sortAddr() {
	if !h.dirty {
		return
	}
	sort.SliceStable(h.byAddr, func(i, j int) bool { return h.byAddr[i].Address < h.byAddr[j].Address })
	h.dirty = false
}

// FindByAddress returns the host symbol starting at addr.
func (h *Symbols) FindByAddress(addr uintptr) *symtab.Symbol {
	h.sortAddr()
	i := sort.Search(len(h.byAddr), func(i int) bool { return h.byAddr[i].Address >= addr })
	if i < len(h.byAddr) && h.byAddr[i].Address == addr {
		return h.byAddr[i]
	}
	return nil
}

// Containing returns the host symbol whose extent covers addr. Symbols without size only cover
// their first byte.
func (h *Symbols) Containing(addr uintptr) *symtab.Symbol {
	h.sortAddr()
	i := sort.Search(len(h.byAddr), func(i int) bool { return h.byAddr[i].Address > addr })
	for i--; i >= 0; i-- {
		s := h.byAddr[i]
		if s.Address == addr || addr < s.Address+uintptr(s.Size) {
			return s
		}
		if s.Size != 0 {
			return nil
		}
	}
	return nil
}

// Describe renders addr as a demangled symbol plus offset.
func (h *Symbols) Describe(addr uintptr) string {
	if v, ok := h.names.Get(addr); ok {
		return v
	}
	v := fmt.Sprintf("%#x", addr)
	if s := h.Containing(addr); s != nil {
		v = demangle.Filter(s.Name)
		if off := addr - s.Address; off != 0 {
			v = fmt.Sprintf("%s+%#x", v, off)
		}
	}
	h.names.Add(addr, v)
	return v
}

// Each calls f for every host symbol in name order.
func (h *Symbols) Each(f func(*symtab.Symbol)) {
	h.table.Sort()
	h.table.Each(f)
}
