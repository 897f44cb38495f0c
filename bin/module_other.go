//go:build !linux

package bin

import (
	"time"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/symtab"
)

// Module is a shared library loaded by the dynamic linker. Only Linux is supported.
type Module struct {
	env   *Env
	path  string
	table symtab.Table
}

func NewModule(env *Env) *Module { return &Module{env: env} }

func (m *Module) Path() string { return m.path }
func (m *Module) Kind() Kind { return KindModule }
func (m *Module) ModTime() time.Time { return time.Time{} }
func (m *Module) Symbols() *symtab.Table { return &m.table }
func (m *Module) Owns(x symtab.Owner) bool { return x == m }
func (m *Module) Base() uintptr { return 0 }
func (m *Module) LoadFile(string) error { return errs.ErrUnsupported }
func (m *Module) LoadMemory(string, []byte, time.Time) error { return errs.ErrUnsupported }
func (m *Module) Attach(string) error { return errs.ErrUnsupported }
func (m *Module) Link(Resolver) error { return nil }
func (m *Module) NeedsLink() bool { return false }
func (m *Module) CallHandler(Event) error { return nil }
func (m *Module) Demangled(string) *symtab.Symbol { return nil }
func (m *Module) Unload() error { return nil }
