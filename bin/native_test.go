//go:build linux && amd64

package bin

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/internal/objtest"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ZenLiuCN/fn"
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, env *Env, name string, data []byte) *Object {
	t.Helper()
	o := NewObject(env)
	require.NoError(t, o.LoadMemory(name, data, time.Now()))
	t.Cleanup(func() { _ = o.Unload() })
	return o
}

func call(addr uintptr, args ...uintptr) uintptr {
	r, _, _ := purego.SyscallN(addr, args...)
	return r
}

func from(bins ...Binary) Resolver {
	return ResolverFunc(func(name string, _ Binary) (*symtab.Symbol, bool) {
		for _, b := range bins {
			if s := b.Symbols().FindByName(name); s != nil {
				return s, true
			}
		}
		return nil, false
	})
}

func fixed(name string, addr uintptr) Resolver {
	s := &symtab.Symbol{Name: name, Address: addr, Flags: symtab.FlagHost}
	return ResolverFunc(func(n string, _ Binary) (*symtab.Symbol, bool) { return s, n == name })
}

func TestObjectLinkAndCall(t *testing.T) {
	env := NewEnv()
	foo := load(t, env, "foo.o", fooObject(1))
	caller := load(t, env, "caller.o", callerObject())

	require.NoError(t, foo.Link(nil))
	assert.False(t, foo.NeedsLink())
	assert.Equal(t, uintptr(1), call(foo.Symbols().FindByName("foo").Address))

	require.NoError(t, caller.Link(from(foo)))
	assert.Equal(t, uintptr(1), call(caller.Symbols().FindByName("caller").Address))
	assert.True(t, caller.DependsOn(foo))
	assert.False(t, foo.DependsOn(caller))
	assert.True(t, caller.Contains(caller.Symbols().FindByName("caller").Address))
}

func TestObjectRetriesUnresolved(t *testing.T) {
	env := NewEnv()
	caller := load(t, env, "caller.o", callerObject())

	err := caller.Link(from())
	require.Error(t, err)
	assert.True(t, errs.IsUnresolved(err))
	var u *errs.UnresolvedSymbolError
	require.True(t, errors.As(err, &u))
	assert.Equal(t, []string{"foo"}, u.Symbols)
	assert.True(t, caller.NeedsLink())

	foo := load(t, env, "foo.o", fooObject(7))
	require.NoError(t, foo.Link(nil))
	require.NoError(t, caller.Link(from(foo)))
	assert.False(t, caller.NeedsLink())
	assert.Equal(t, uintptr(7), call(caller.Symbols().FindByName("caller").Address))
}

func TestObjectRelinkAfterInvalidate(t *testing.T) {
	env := NewEnv()
	v1 := load(t, env, "v1.o", fooObject(1))
	v2 := load(t, env, "v2.o", fooObject(2))
	caller := load(t, env, "caller.o", callerObject())
	require.NoError(t, v1.Link(nil))
	require.NoError(t, v2.Link(nil))

	require.NoError(t, caller.Link(from(v1)))
	entry := caller.Symbols().FindByName("caller").Address
	assert.Equal(t, uintptr(1), call(entry))

	caller.Invalidate()
	assert.True(t, caller.NeedsLink())
	assert.False(t, caller.DependsOn(v1))
	require.NoError(t, caller.Link(from(v2)))
	assert.Equal(t, uintptr(2), call(entry))
	assert.True(t, caller.DependsOn(v2))
}

func TestObjectImplicitAddendIsStable(t *testing.T) {
	env := NewEnv()
	data := make([]byte, 16)
	binary.LittleEndian.PutUint64(data, 8)
	o := objtest.New()
	o.Data(".data", data).Rel(0, elf.R_X86_64_64, "base")
	o.Extern("base")
	o.Var("table", ".data", 0, 16)
	obj := load(t, env, "rel.o", o.Bytes())

	r := fixed("base", 0x10000)
	require.NoError(t, obj.Link(r))
	table := obj.Symbols().FindByName("table").Address
	assert.Equal(t, uint64(0x10008), binary.LittleEndian.Uint64(alloc.View(table, 8)))

	obj.Invalidate()
	require.NoError(t, obj.Link(r))
	assert.Equal(t, uint64(0x10008), binary.LittleEndian.Uint64(alloc.View(table, 8)), "addend is not applied twice")
}

func TestObjectFarCallGoesThroughStub(t *testing.T) {
	env := NewEnv()
	caller := load(t, env, "caller.o", callerObject())
	require.NoError(t, caller.Place())
	region, _ := caller.Region()
	far := region + 1<<40

	require.NoError(t, caller.Link(fixed("foo", far)))
	entry := caller.Symbols().FindByName("caller").Address
	rel := int32(binary.LittleEndian.Uint32(alloc.View(entry+1, 4)))
	stub := uintptr(int64(entry) + 5 + int64(rel))
	assert.True(t, caller.Contains(stub))
	code := alloc.View(stub, 14)
	assert.Equal(t, []byte{0xff, 0x25, 0, 0, 0, 0}, code[:6])
	assert.Equal(t, uint64(far), binary.LittleEndian.Uint64(code[6:]))
}

func TestObjectFarPC32IsFatal(t *testing.T) {
	env := NewEnv()
	o := objtest.New()
	o.Text(".text", []byte{0x8b, 0x05, 0, 0, 0, 0, 0xc3}).Rela(2, elf.R_X86_64_PC32, "value", -4)
	o.Extern("value")
	o.Func("read", ".text", 0, 7)
	obj := load(t, env, "pc32.o", o.Bytes())
	require.NoError(t, obj.Place())
	region, _ := obj.Region()

	err := obj.Link(fixed("value", region+1<<40))
	var re *errs.RelocationRangeError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "R_X86_64_PC32", re.Type)
	assert.False(t, errs.IsUnresolved(err))
	assert.Equal(t, err, obj.Link(fixed("value", region)), "range failures stick")
}

func TestObjectGotAndCommon(t *testing.T) {
	env := NewEnv()
	o := objtest.New()
	// mov rax, [rip+counter@GOTPCREL]; ret
	o.Text(".text", []byte{0x48, 0x8b, 0x05, 0, 0, 0, 0, 0xc3}).Rela(3, elf.R_X86_64_REX_GOTPCRELX, "counter", -4)
	o.Func("where", ".text", 0, 8)
	o.Common("counter", 64, 32)
	o.Bss(".bss", 128)
	o.Var("scratch", ".bss", 0, 128)
	obj := load(t, env, "got.o", o.Bytes())
	require.NoError(t, obj.Link(nil))

	counter := obj.Symbols().FindByName("counter").Address
	assert.Zero(t, counter%32)
	assert.True(t, obj.Contains(counter))
	assert.Equal(t, counter, call(obj.Symbols().FindByName("where").Address))
	assert.Equal(t, make([]byte, 128), alloc.View(obj.Symbols().FindByName("scratch").Address, 128))
}

func TestObjectHandler(t *testing.T) {
	env := NewEnv()
	o := objtest.New()
	// mov [rip+last], edi; ret
	o.Text(".text", []byte{0x89, 0x3d, 0, 0, 0, 0, 0xc3}).Rela(2, elf.R_X86_64_PC32, "last", -4)
	o.Data(".data", []byte{0xff, 0xff, 0xff, 0xff})
	o.Func(HandlerName, ".text", 0, 7)
	o.Var("last", ".data", 0, 4)
	obj := load(t, env, "handler.o", o.Bytes())

	assert.ErrorIs(t, obj.CallHandler(OnLoad), errs.ErrNotLinked)
	require.NoError(t, obj.Link(nil))
	last := obj.Symbols().FindByName("last").Address
	require.NoError(t, obj.CallHandler(OnUnload))
	assert.Equal(t, uint32(OnUnload), binary.LittleEndian.Uint32(alloc.View(last, 4)))
	require.NoError(t, obj.CallHandler(OnLoad))
	assert.Equal(t, uint32(OnLoad), binary.LittleEndian.Uint32(alloc.View(last, 4)))
}

func TestLibraryLinksMembers(t *testing.T) {
	env := NewEnv()
	lib := NewLibrary(env)
	data := objtest.Archive(true,
		objtest.Member{Name: "a_rather_long_caller_name.o", Data: callerObject()},
		objtest.Member{Name: "foo.o", Data: fooObject(3)},
		objtest.Member{Name: "README", Data: []byte("not an object")},
	)
	require.NoError(t, lib.LoadMemory("libfoo.a", data, time.Now()))
	t.Cleanup(func() { fn.Panic(lib.Unload()) })

	assert.Equal(t, 2, lib.NumObjects())
	caller := lib.FindObject("a_rather_long_caller_name.o")
	require.NotNil(t, caller)
	assert.Equal(t, "libfoo.a(a_rather_long_caller_name.o)", caller.Path())
	assert.Nil(t, lib.FindObject("README"))
	assert.Equal(t, 2, lib.Symbols().Len())

	require.NoError(t, lib.Link(nil))
	assert.False(t, lib.NeedsLink())
	s := lib.Symbols().FindByName("caller")
	assert.True(t, lib.Owns(s.Binary))
	assert.Equal(t, uintptr(3), call(s.Address))
	assert.False(t, lib.DependsOn(lib.Object(1)), "members do not count")
}

func TestModuleLoadFile(t *testing.T) {
	var path string
	for _, p := range []string{"/lib/x86_64-linux-gnu/libm.so.6", "/usr/lib/x86_64-linux-gnu/libm.so.6", "/usr/lib64/libm.so.6", "/lib64/libm.so.6"} {
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		t.Skip("libm not found")
	}
	env := NewEnv()
	env.TempDir = t.TempDir()
	m := NewModule(env)
	require.NoError(t, m.LoadFile(path))
	copied := m.actual
	assert.True(t, env.FS.Exists(copied))
	assert.NotEqual(t, path, copied)

	require.NotZero(t, m.Symbols().Len())
	// cos and friends are IFUNCs in most libm builds; any plain export proves the base
	var plain *symtab.Symbol
	m.Symbols().Each(func(s *symtab.Symbol) {
		if plain != nil || !s.Is(symtab.FlagFunction) {
			return
		}
		if addr, err := purego.Dlsym(m.handle, s.Name); err == nil && addr == s.Address {
			plain = s
		}
	})
	require.NotNil(t, plain)
	assert.Equal(t, plain.Name, m.Demangled(plain.Name).Name)
	assert.False(t, m.NeedsLink())

	require.NoError(t, m.Unload())
	assert.False(t, env.FS.Exists(copied))
	assert.Zero(t, env.Symbols.Len())
}
