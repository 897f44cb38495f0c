//go:build linux && amd64

package patch

import (
	"bytes"
	"debug/elf"
	"fmt"
	"reflect"
	"testing"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/bin"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/host"
	"github.com/ZenLiuCN/dynpatch/internal/objtest"
	"github.com/ZenLiuCN/dynpatch/loader"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ZenLiuCN/fn"
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func returns(name string, v byte) []byte {
	o := objtest.New()
	o.Text(".text", []byte{0xb8, v, 0, 0, 0, 0xc3})
	o.Func(name, ".text", 0, 6)
	return o.Bytes()
}

func calls(name, callee string) []byte {
	o := objtest.New()
	o.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3}).Rela(1, elf.R_X86_64_PLT32, callee, -4)
	o.Extern(callee)
	o.Func(name, ".text", 0, 6)
	return o.Bytes()
}

func invoke(addr uintptr) uintptr {
	r, _, _ := purego.SyscallN(addr)
	return r
}

type env struct {
	*loader.Loader
	fs fsutil.FS
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs := fsutil.Memory()
	l := fn.Panic1(loader.New(loader.WithFS(fs), loader.WithHost(host.New(symtab.NewAllocator(), host.WithLookup(nil)))))
	t.Cleanup(func() { _ = l.Close() })
	return &env{Loader: l, fs: fs}
}

func (e *env) load(t *testing.T, name string, data []byte) bin.Binary {
	t.Helper()
	require.NoError(t, e.fs.WriteFile(name, data, 0o644))
	b, err := e.Load(name)
	require.NoError(t, err)
	return b
}

func (e *env) patcher(t *testing.T, opts ...Option) *Patcher {
	p := New(e.Loader, append([]Option{WithWritable(e.InObjectRegion)}, opts...)...)
	e.SetPatchRegistry(p)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPatchAndUnpatch(t *testing.T) {
	e := newEnv(t)
	target := e.load(t, "foo.o", returns("foo", 1))
	hooks := e.load(t, "hooks.o", returns("bar", 2))
	p := e.patcher(t)
	foo, bar := e.FindSymbol("foo"), e.FindSymbol("bar")
	before := bytes.Clone(alloc.View(foo.Address, 6))

	d, err := p.PatchByName("foo", bar.Address)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), invoke(foo.Address))
	assert.Equal(t, uintptr(1), invoke(p.Unpatched(foo.Address)))
	assert.Equal(t, before[:5], d.Original)
	assert.Equal(t, target, d.TargetOwner)
	assert.Equal(t, hooks, d.HookOwner)
	assert.Same(t, d, p.FindByName("foo"))
	assert.Same(t, d, p.FindByAddress(foo.Address))
	assert.Equal(t, 1, p.Blocks())

	assert.Equal(t, []string{"foo"}, p.InUse(target))
	assert.Equal(t, []string{"foo"}, p.InUse(hooks))
	var inUse *errs.UnloadInUseError
	assert.True(t, errors.As(e.Unload("foo.o"), &inUse))
	assert.True(t, errors.As(e.Unload("hooks.o"), &inUse))

	assert.True(t, p.UnpatchByName("foo"))
	assert.Equal(t, before, alloc.View(foo.Address, 6))
	assert.Equal(t, uintptr(1), invoke(foo.Address))
	assert.Equal(t, foo.Address, p.Unpatched(foo.Address))
	assert.Zero(t, p.Blocks())
	assert.NoError(t, e.Unload("hooks.o"))
}

func TestPatchTwiceConflicts(t *testing.T) {
	e := newEnv(t)
	e.load(t, "foo.o", returns("foo", 1))
	e.load(t, "hooks.o", returns("bar", 2))
	p := e.patcher(t)
	foo, bar := e.FindSymbol("foo"), e.FindSymbol("bar")

	d, err := p.PatchByAddress(foo.Address, bar.Address)
	require.NoError(t, err)
	_, err = p.PatchByAddress(foo.Address, bar.Address)
	var conflict *errs.PatchConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "foo", conflict.Name)
	assert.Equal(t, 1, p.Len())
	assert.Same(t, d, p.FindByAddress(foo.Address))
	assert.Equal(t, 1, p.Blocks())
	assert.Equal(t, uintptr(2), invoke(foo.Address))

	assert.Equal(t, 1, p.UnpatchAll())
	assert.Equal(t, uintptr(1), invoke(foo.Address))
}

func TestFailedWriteLeavesTarget(t *testing.T) {
	e := newEnv(t)
	e.load(t, "foo.o", returns("foo", 1))
	e.load(t, "hooks.o", returns("bar", 2))
	reg := prometheus.NewPedanticRegistry()
	p := e.patcher(t, WithRegisterer(reg), WithCodeWriter(CodeWriterFunc(func(uintptr, []byte) error {
		return errors.New("denied")
	})))
	foo := e.FindSymbol("foo")
	before := bytes.Clone(alloc.View(foo.Address, 6))

	_, err := p.PatchByAddress(foo.Address, e.FindSymbol("bar").Address)
	assert.ErrorContains(t, err, "denied")
	assert.Equal(t, before, alloc.View(foo.Address, 6))
	assert.Zero(t, p.Len())
	assert.Zero(t, p.Blocks())
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Failures.WithLabelValues("write")))
	assert.NoError(t, e.Unload("foo.o"))
}

func TestPatchByBinary(t *testing.T) {
	e := newEnv(t)
	e.load(t, "v1.o", returns("foo", 1))
	e.load(t, "caller.o", calls("caller", "foo"))
	v2 := e.load(t, "v2.o", returns("foo", 2))
	p := e.patcher(t)
	caller := e.FindSymbol("caller").Address

	n, err := p.PatchByBinary(v2, func(s *symtab.Symbol) bool { return s.Name != "foo" })
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = p.PatchByBinary(v2, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uintptr(2), invoke(caller))

	n, err = p.PatchByBinary(v2, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "hooks already in place are kept")

	assert.Equal(t, 1, p.UnpatchByBinary(v2))
	assert.Equal(t, uintptr(1), invoke(caller))
	assert.Zero(t, p.Len())
}

func TestSameNameInTwoBinaries(t *testing.T) {
	e := newEnv(t)
	v1 := e.load(t, "v1.o", returns("foo", 1))
	v2 := e.load(t, "v2.o", returns("foo", 2))
	e.load(t, "hooks.o", returns("bar", 3))
	p := e.patcher(t)
	foo1, foo2 := v1.Symbols().FindByName("foo").Address, v2.Symbols().FindByName("foo").Address
	bar := e.FindSymbol("bar").Address

	d1, err := p.PatchByAddress(foo1, bar)
	require.NoError(t, err)
	d2, err := p.PatchByAddress(foo2, bar)
	require.NoError(t, err)
	assert.Same(t, d2, p.FindByName("foo"))

	assert.True(t, p.UnpatchByAddress(foo2))
	assert.Same(t, d1, p.FindByName("foo"))
	assert.True(t, p.UnpatchByName("foo"))
	assert.Nil(t, p.FindByName("foo"))
	assert.False(t, p.UnpatchByName("foo"))
	assert.Equal(t, uintptr(1), invoke(foo1))
	assert.Equal(t, uintptr(2), invoke(foo2))
}

//go:noinline
func hostValue() int { return 1 }

func TestPatchHostGoFunction(t *testing.T) {
	fs := fsutil.Memory()
	h := fn.Panic1(host.Load(symtab.NewAllocator(), host.WithLookup(nil)))
	l := fn.Panic1(loader.New(loader.WithFS(fs), loader.WithHost(h)))
	t.Cleanup(func() { _ = l.Close() })
	e := &env{Loader: l, fs: fs}
	hooks := e.load(t, "hooks.o", returns("seven", 7))
	p := e.patcher(t)
	name := fmt.Sprintf("%s.hostValue", reflect.TypeOf(Patcher{}).PkgPath())
	require.NotNil(t, h.FindByName(name), name)

	d, err := p.PatchByName(name, e.FindSymbol("seven").Address)
	require.NoError(t, err)
	assert.Equal(t, reflect.ValueOf(hostValue).Pointer(), d.Address)
	assert.Nil(t, d.TargetOwner)
	assert.Equal(t, hooks, d.HookOwner)
	assert.Equal(t, 7, hostValue())
	assert.Equal(t, uintptr(1), invoke(p.Unpatched(d.Address)))

	assert.True(t, p.UnpatchByName(name))
	assert.Equal(t, 1, hostValue())
}
