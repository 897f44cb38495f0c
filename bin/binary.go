// Package bin holds the binaries the loader manages: relocatable objects, archives of objects,
// shared modules and Go objects. Each kind loads an image, links it against a Resolver and
// exposes its symbols.
package bin

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log"
)

// Kind of binary.
type Kind int

const (
	KindUnknown Kind = iota
	KindObject
	KindLibrary
	KindModule
	KindGoObject
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindLibrary:
		return "library"
	case KindModule:
		return "module"
	case KindGoObject:
		return "go-object"
	default:
		return "unknown"
	}
}

// Event is passed to a binary's lifecycle handler.
type Event int

const (
	OnLoad Event = iota
	OnUnload
)

func (e Event) String() string {
	if e == OnLoad {
		return "load"
	}
	return "unload"
}

// HandlerName is the symbol a binary exports to receive lifecycle events.
const HandlerName = "DynamicPatchEvent"

// Resolver answers the symbols a binary does not define. The returned symbol's Binary, when not
// nil, becomes a dependency of the asking binary.
type Resolver interface {
	Resolve(name string, from Binary) (*symtab.Symbol, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string, from Binary) (*symtab.Symbol, bool)

func (f ResolverFunc) Resolve(name string, from Binary) (*symtab.Symbol, bool) { return f(name, from) }

// Binary is the capability set shared by every kind.
type Binary interface {
	symtab.Container
	// LoadFile reads and parses the image at path.
	LoadFile(path string) error
	// LoadMemory parses data as if read from name.
	LoadMemory(name string, data []byte, mtime time.Time) error
	// Link resolves pending relocations. Unresolved names leave the binary pending and are
	// reported with errs.UnresolvedSymbolError; a later call retries.
	Link(r Resolver) error
	// CallHandler delivers e to the binary's handler when it has one.
	CallHandler(e Event) error
	Symbols() *symtab.Table
	ModTime() time.Time
	Kind() Kind
	NeedsLink() bool
	Unload() error
}

// Placer is a binary whose symbol addresses become final before its relocations are applied.
// The loader places every pending binary first so cross references see final addresses.
type Placer interface {
	Place() error
}

// Relinker is a binary that records where its relocations were resolved and can be asked to
// resolve them again.
type Relinker interface {
	DependsOn(o symtab.Owner) bool
	Invalidate()
}

var (
	_ Placer   = (*Object)(nil)
	_ Placer   = (*Library)(nil)
	_ Relinker = (*Object)(nil)
	_ Relinker = (*Library)(nil)
)

// Env carries the collaborators every binary shares.
type Env struct {
	Symbols *symtab.Allocator
	Mapper  alloc.Mapper
	FS      fsutil.FS
	Logger  log.Logger
	// Near is an address inside the host's code; object regions are mapped within rel32 reach of
	// it when possible.
	Near uintptr
	// TempDir holds private copies of modules; the system default when empty.
	TempDir string
	// GoSymbols are the host's Go symbols, the base of every GoObject's symbol map.
	GoSymbols map[string]uintptr
}

// NewEnv fills the defaults of an environment.
func NewEnv() *Env {
	return &Env{
		Symbols:   symtab.NewAllocator(),
		Mapper:    alloc.DefaultMapper(),
		FS:        fsutil.OS(),
		Logger:    log.NewNopLogger(),
		GoSymbols: map[string]uintptr{},
	}
}

var (
	elfMagic  = []byte("\x7fELF")
	arMagic   = []byte("!<arch>\n")
	goObjHead = []byte("go object ")
)

// Detect classifies an image by its magic.
func Detect(path string, data []byte) (Kind, error) {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		if len(data) < 18 {
			return KindUnknown, errs.Format(path, nil, "truncated ELF header")
		}
		switch binary.LittleEndian.Uint16(data[16:]) {
		case 1: // ET_REL
			return KindObject, nil
		case 2, 3: // ET_EXEC, ET_DYN
			return KindModule, nil
		}
		return KindUnknown, errs.Format(path, nil, "unsupported ELF type %d", binary.LittleEndian.Uint16(data[16:]))
	case bytes.HasPrefix(data, goObjHead):
		return KindGoObject, nil
	case bytes.HasPrefix(data, arMagic):
		members, err := parseArchive(path, data)
		if err != nil {
			return KindUnknown, err
		}
		for _, m := range members {
			if m.name == "__.PKGDEF" || bytes.HasPrefix(m.data, goObjHead) {
				return KindGoObject, nil
			}
		}
		return KindLibrary, nil
	}
	return KindUnknown, errs.Format(path, nil, "unknown binary format")
}

// New creates an empty binary of kind k.
func New(k Kind, env *Env) (Binary, error) {
	switch k {
	case KindObject:
		return NewObject(env), nil
	case KindLibrary:
		return NewLibrary(env), nil
	case KindModule:
		return NewModule(env), nil
	case KindGoObject:
		return NewGoObject(env, ""), nil
	}
	return nil, errs.Format("", nil, "no binary for kind %s", k)
}

func statTime(env *Env, path string) time.Time {
	t, err := env.FS.ModTime(path)
	if err != nil {
		return time.Time{}
	}
	return t
}

func tempDir(env *Env) (string, error) {
	dir := env.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return env.FS.TempDir(dir, "dynpatch")
}

func hex(v uintptr) string { return fmt.Sprintf("%#x", v) }
