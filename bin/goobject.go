package bin

import (
	"fmt"
	"io"
	"maps"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ZenLiuCN/fn"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/pkujhd/goloader"
	"github.com/pkujhd/goloader/obj"
)

// GoObject is a Go object file or archive produced by go tool compile, linked by goloader.
// goloader reads from the operating system's file system, so in-memory loads are written to a
// private file first.
type GoObject struct {
	env     *Env
	path    string
	pkg     string
	mtime   time.Time
	temp    string
	linker  *goloader.Linker
	module  *goloader.CodeModule
	table   symtab.Table
	handler *symtab.Symbol
}

// NewGoObject creates an empty Go object for package pkg, main when empty.
func NewGoObject(env *Env, pkg string) *GoObject {
	if pkg == "" {
		pkg = "main"
	}
	return &GoObject{env: env, pkg: pkg}
}

func (g *GoObject) Path() string { return g.path }

// Package is the import path the object was compiled as.
func (g *GoObject) Package() string { return g.pkg }

func (g *GoObject) Kind() Kind { return KindGoObject }

func (g *GoObject) ModTime() time.Time { return g.mtime }

func (g *GoObject) Symbols() *symtab.Table { return &g.table }

func (g *GoObject) Owns(x symtab.Owner) bool { return x == g }

// Linker is the goloader linker, nil before LoadFile.
func (g *GoObject) Linker() *goloader.Linker { return g.linker }

func (g *GoObject) LoadFile(path string) (err error) {
	if g.linker != nil {
		return errors.Errorf("%s: already loaded", g.path)
	}
	if g.path == "" {
		g.path, g.mtime = path, statTime(g.env, path)
	}
	if g.linker, err = goloader.ReadObj(path, g.pkg); err != nil {
		g.linker = nil
		return errs.Format(g.path, err, "read go object")
	}
	level.Debug(g.env.Logger).Log("msg", "go object loaded", "path", g.path, "pkg", g.pkg)
	return nil
}

func (g *GoObject) LoadMemory(name string, data []byte, mtime time.Time) error {
	if g.linker != nil {
		return errors.Errorf("%s: already loaded", g.path)
	}
	dir, err := tempDir(g.env)
	if err != nil {
		return errors.Wrap(err, "go object temp dir")
	}
	_, file, _ := fsutil.SplitDirFile(name)
	g.temp = filepath.Join(dir, fmt.Sprintf("%d.%s", mtime.UnixNano(), file))
	if err = g.env.FS.WriteFile(g.temp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", g.temp)
	}
	g.path, g.mtime = name, mtime
	if err = g.LoadFile(g.temp); err != nil {
		g.removeTemp()
		return err
	}
	return nil
}

// LoadSerialized restores a linker written by Serialize.
func (g *GoObject) LoadSerialized(name string, in io.Reader, mtime time.Time) (err error) {
	if g.linker != nil {
		return errors.Errorf("%s: already loaded", g.path)
	}
	if g.linker, err = goloader.UnSerialize(in); err != nil {
		g.linker = nil
		return errs.Format(name, err, "read serialized linker")
	}
	g.path, g.mtime = name, mtime
	return nil
}

// Serialize writes the linker in goloader's format.
func (g *GoObject) Serialize(out io.Writer) error {
	if g.linker == nil {
		return errors.Wrap(errNotLoaded, g.path)
	}
	return goloader.Serialize(g.linker, out)
}

// Missing lists the names neither the host nor r can provide.
func (g *GoObject) Missing(r Resolver) []string {
	if g.linker == nil {
		return nil
	}
	_, missing := g.symbolMap(r)
	return missing
}

func (g *GoObject) symbolMap(r Resolver) (map[string]uintptr, []string) {
	syms := maps.Clone(g.env.GoSymbols)
	if syms == nil {
		syms = map[string]uintptr{}
	}
	var missing []string
	for _, name := range goloader.UnresolvedSymbols(g.linker, syms) {
		if r != nil {
			if s, ok := r.Resolve(name, g); ok {
				syms[name] = s.Address
				continue
			}
		}
		missing = append(missing, name)
	}
	return syms, missing
}

// Link builds the code module once every reference resolves.
func (g *GoObject) Link(r Resolver) (err error) {
	if g.linker == nil {
		return errors.Wrap(errNotLoaded, g.path)
	}
	if g.module != nil {
		return nil
	}
	syms, missing := g.symbolMap(r)
	if len(missing) > 0 {
		sort.Strings(missing)
		return &errs.UnresolvedSymbolError{Binary: g.path, Section: g.pkg, Symbols: missing}
	}
	if g.module, err = goloader.Load(g.linker, syms); err != nil {
		g.module = nil
		return errors.Wrapf(err, "%s: load code module", g.path)
	}
	handler := g.pkg + "." + HandlerName
	for _, name := range fn.MapKeys(g.module.Syms) {
		flags := symtab.FlagExported
		if name == handler {
			flags |= symtab.FlagHandler | symtab.FlagFunction
		}
		s := g.env.Symbols.New(name, g.module.Syms[name], flags, 0, g)
		g.table.Add(s)
		if name == handler {
			g.handler = s
		}
	}
	g.table.Sort()
	level.Debug(g.env.Logger).Log("msg", "go object linked", "path", g.path, "symbols", g.table.Len())
	return nil
}

func (g *GoObject) NeedsLink() bool { return g.linker != nil && g.module == nil }

// goFunc converts a code address to a Go func value of type T.
func goFunc[T any](addr uintptr) T {
	p := unsafe.Pointer(&addr)
	return *(*T)(unsafe.Pointer(&p))
}

// CallHandler calls <pkg>.DynamicPatchEvent(int) when the package declares it.
func (g *GoObject) CallHandler(e Event) error {
	if g.handler == nil {
		return nil
	}
	goFunc[func(int)](g.handler.Address)(int(e))
	return nil
}

// Unload releases the code module.
func (g *GoObject) Unload() error {
	if g.module != nil {
		g.module.Unload()
		g.module = nil
	}
	g.linker, g.handler = nil, nil
	g.table.Each(func(s *symtab.Symbol) { g.env.Symbols.Delete(s) })
	g.table.Clear()
	g.removeTemp()
	return nil
}

func (g *GoObject) removeTemp() {
	if g.temp != "" {
		_ = g.env.FS.Remove(g.temp)
		g.temp = ""
	}
}

// GoImports is the import information of a Go object.
type GoImports struct {
	File    string
	PkgPath string
	Imports map[string]string // import path to module version, empty outside modules
}

func (i GoImports) String() string {
	s := strings.Builder{}
	keys := fn.MapKeys(i.Imports)
	sort.Strings(keys)
	for _, p := range keys {
		if v := i.Imports[p]; v != "" {
			s.WriteString(fmt.Sprintf("\t%s@%s\n", p, v))
		} else {
			s.WriteString(fmt.Sprintf("\t%s\n", p))
		}
	}
	return s.String()
}

// ReadGoImports resolves the packages a Go object imports, with module versions when the
// compile units name them.
func ReadGoImports(file, pkgPath string) (*GoImports, error) {
	v := &obj.Pkg{Syms: make(map[string]*obj.ObjSymbol), File: file, PkgPath: pkgPath}
	if v.PkgPath == obj.EmptyString {
		v.PkgPath = "main"
	}
	if err := v.Symbols(); err != nil {
		return nil, errs.Format(file, err, "read go object")
	}
	info := parseImports(v)
	info.File, info.PkgPath = file, v.PkgPath
	return info, nil
}

// Imports is the import information of every package of a loaded Go object.
func (g *GoObject) Imports() (out []*GoImports) {
	if g.linker == nil {
		return nil
	}
	for _, pkg := range g.linker.Packages {
		info := parseImports(pkg)
		info.File, info.PkgPath = pkg.File, pkg.PkgPath
		out = append(out, info)
	}
	return
}

func parseImports(v *obj.Pkg) *GoImports {
	i := &GoImports{Imports: make(map[string]string)}
	for _, pkg := range v.ImportPkgs {
		i.Imports[pkg] = ""
	}
	known := fn.MapKeys(i.Imports)
	for _, f := range v.CUFiles {
		f = strings.TrimPrefix(f, "gofile..")
		if strings.HasPrefix(f, "$GOROOT") {
			continue
		}
		if strings.IndexByte(f, '!') >= 0 {
			f = unescapeModulePath(f)
		}
		for _, s := range known {
			x := strings.Index(f, s)
			if x < 0 || i.Imports[s] != "" {
				continue
			}
			ver := f[x:]
			if at := strings.IndexByte(ver, '@'); at >= 0 {
				ver = ver[at+1:]
				if slash := strings.IndexByte(ver, '/'); slash >= 0 {
					ver = ver[:slash]
				}
				i.Imports[s] = ver
			}
		}
	}
	return i
}

// unescapeModulePath reverses the module cache's "!x" upper case escaping.
func unescapeModulePath(f string) string {
	v := strings.Builder{}
	upper := false
	for _, c := range []byte(f) {
		switch {
		case c == '!':
			upper = true
		case upper:
			upper = false
			v.WriteByte(c - 32)
		default:
			v.WriteByte(c)
		}
	}
	return v.String()
}
