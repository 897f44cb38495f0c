//go:build linux

package bin

import (
	"debug/elf"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ebitengine/purego"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
)

// rtldNoload is glibc's RTLD_NOLOAD.
const rtldNoload = 0x4

// Module is a shared library loaded by the dynamic linker.
type Module struct {
	env    *Env
	path   string
	mtime  time.Time
	actual string
	debug  string
	// private copies to delete on unload
	copies       []string
	handle       uintptr
	needsRelease bool
	base         uintptr
	table        symtab.Table
	handler      *symtab.Symbol
}

// NewModule creates an empty module.
func NewModule(env *Env) *Module {
	return &Module{env: env}
}

func (m *Module) Path() string { return m.path }

func (m *Module) Kind() Kind { return KindModule }

func (m *Module) ModTime() time.Time { return m.mtime }

func (m *Module) Symbols() *symtab.Table { return &m.table }

func (m *Module) Owns(x symtab.Owner) bool { return x == m }

// Base is the load address of the module.
func (m *Module) Base() uintptr { return m.base }

// LoadFile copies the module and its .debug companion to a private location and opens the copy,
// so the build can overwrite path while the module stays loaded.
func (m *Module) LoadFile(path string) error {
	if m.handle != 0 {
		return errors.Errorf("%s: already loaded", m.path)
	}
	m.path, m.mtime = path, statTime(m.env, path)
	dir, err := tempDir(m.env)
	if err != nil {
		return errors.Wrap(err, "module temp dir")
	}
	_, file, _ := fsutil.SplitDirFile(path)
	name, ext, _ := fsutil.SplitFileExt(file)
	m.actual = filepath.Join(dir, fmt.Sprintf("%s.%d.%s", name, m.mtime.UnixNano(), ext))
	if err = m.env.FS.CopyFile(path, m.actual, nil); err != nil {
		return err
	}
	m.copies = append(m.copies, m.actual)
	if dbg := path + ".debug"; m.env.FS.Exists(dbg) {
		m.debug = m.actual + ".debug"
		if err = m.env.FS.CopyFile(dbg, m.debug, nil); err != nil {
			m.removeCopies()
			return err
		}
		m.copies = append(m.copies, m.debug)
	}
	return m.open()
}

// LoadMemory writes data to a private file and opens it.
func (m *Module) LoadMemory(name string, data []byte, mtime time.Time) error {
	if m.handle != 0 {
		return errors.Errorf("%s: already loaded", m.path)
	}
	m.path, m.mtime = name, mtime
	dir, err := tempDir(m.env)
	if err != nil {
		return errors.Wrap(err, "module temp dir")
	}
	_, file, _ := fsutil.SplitDirFile(name)
	m.actual = filepath.Join(dir, fmt.Sprintf("%d.%s", mtime.UnixNano(), file))
	if err = m.env.FS.WriteFile(m.actual, data, 0o700); err != nil {
		return errors.Wrapf(err, "write %s", m.actual)
	}
	m.copies = append(m.copies, m.actual)
	return m.open()
}

// Attach adopts a module the dynamic linker already holds. The handle is not released on unload.
func (m *Module) Attach(path string) error {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|rtldNoload)
	if err != nil {
		return errors.Wrapf(errs.ErrNotFound, "%s: not resident: %v", path, err)
	}
	// balance the reference RTLD_NOLOAD took
	_ = purego.Dlclose(h)
	m.path, m.actual, m.handle, m.needsRelease = path, path, h, false
	m.mtime = statTime(m.env, path)
	if err = m.exports(); err != nil {
		m.handle = 0
		return err
	}
	return nil
}

func (m *Module) open() error {
	h, err := purego.Dlopen(m.actual, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		m.removeCopies()
		return errs.Format(m.path, err, "dlopen")
	}
	m.handle, m.needsRelease = h, true
	if err = m.exports(); err != nil {
		_ = m.Unload()
		return err
	}
	level.Debug(m.env.Logger).Log("msg", "module loaded", "path", m.path, "copy", m.actual, "base", hex(m.base), "symbols", m.table.Len())
	return nil
}

// exports reads the dynamic symbol table and relocates it by the load base.
func (m *Module) exports() error {
	f, err := elf.Open(m.actual)
	if err != nil {
		return errs.Format(m.path, err, "read exports")
	}
	defer f.Close()
	syms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return errs.Format(m.path, err, "dynamic symbols")
	}
	based := false
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		bind, typ := elf.ST_BIND(s.Info), elf.ST_TYPE(s.Info)
		if bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		flags := symtab.FlagExported
		switch typ {
		case elf.STT_FUNC:
			flags |= symtab.FlagFunction
		case elf.STT_OBJECT:
			flags |= symtab.FlagData
		default:
			continue
		}
		if !based {
			addr, err := purego.Dlsym(m.handle, s.Name)
			if err != nil {
				continue
			}
			m.base, based = addr-uintptr(s.Value), true
		}
		if bind == elf.STB_WEAK {
			flags |= symtab.FlagWeak
		}
		if s.Name == HandlerName {
			flags |= symtab.FlagHandler
		}
		rec := m.env.Symbols.New(s.Name, m.base+uintptr(s.Value), flags, int(s.Section), m)
		rec.Size = s.Size
		m.table.Add(rec)
		if flags&symtab.FlagHandler != 0 {
			m.handler = rec
		}
	}
	m.table.Sort()
	return nil
}

// Link does nothing: the dynamic linker resolved the module when it was opened.
func (m *Module) Link(Resolver) error { return nil }

func (m *Module) NeedsLink() bool { return false }

// CallHandler calls DynamicPatchEvent with e when the module exports it.
func (m *Module) CallHandler(e Event) error {
	if m.handler == nil {
		return nil
	}
	return callNative(m.handler.Address, uintptr(e))
}

// Demangled finds an exported or debug symbol by its demangled name.
func (m *Module) Demangled(name string) *symtab.Symbol {
	var found *symtab.Symbol
	m.table.Each(func(s *symtab.Symbol) {
		if found == nil && demangle.Filter(s.Name) == name {
			found = s
		}
	})
	if found != nil || m.debug == "" {
		return found
	}
	f, err := elf.Open(m.debug)
	if err != nil {
		return nil
	}
	defer f.Close()
	syms, _ := f.Symbols()
	for _, s := range syms {
		if s.Name == "" || s.Section == elf.SHN_UNDEF || demangle.Filter(s.Name) != name {
			continue
		}
		flags := symtab.FlagData
		if elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			flags = symtab.FlagFunction
		}
		rec := m.env.Symbols.New(s.Name, m.base+uintptr(s.Value), flags, int(s.Section), m)
		rec.Size = s.Size
		m.table.Add(rec)
		return rec
	}
	return nil
}

// Unload closes the handle when the module opened it and deletes the private copies.
func (m *Module) Unload() error {
	var result *multierror.Error
	if m.handle != 0 && m.needsRelease {
		if err := purego.Dlclose(m.handle); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "dlclose %s", m.path))
		}
	}
	m.handle, m.needsRelease, m.base, m.handler = 0, false, 0, nil
	m.table.Each(func(s *symtab.Symbol) { m.env.Symbols.Delete(s) })
	m.table.Clear()
	if err := m.removeCopies(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (m *Module) removeCopies() error {
	var result *multierror.Error
	for _, c := range m.copies {
		if err := m.env.FS.Remove(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.copies = nil
	return result.ErrorOrNil()
}
