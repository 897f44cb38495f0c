//go:build linux && amd64

package dynpatch

import (
	"debug/elf"
	"testing"
	"time"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/internal/objtest"
	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
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

func (f *fixture) write(t *testing.T, path string, data []byte, mtime time.Time) {
	t.Helper()
	require.NoError(t, f.fs.WriteFile(path, data, 0o644))
	require.NoError(t, f.fs.Chtimes(path, mtime, mtime))
}

func (f *fixture) call(t *testing.T, name string) uintptr {
	t.Helper()
	s := f.Loader().FindSymbol(name)
	require.NotNil(t, s)
	r, _, _ := purego.SyscallN(s.Address)
	return r
}

func TestPatchByFileSurvivesReload(t *testing.T) {
	f := newFixture(t)
	then := time.Now().Add(-time.Hour)
	f.write(t, "/app/base.o", returns("value", 1), then)
	f.write(t, "/app/main.o", calls("run", "value"), then)
	f.write(t, "/hot/value.o", returns("value", 2), then)

	n, err := f.Load("/app/*.o")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, uintptr(1), f.call(t, "run"))

	n, err = f.PatchByFile("/hot/value.o", "^val")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uintptr(2), f.call(t, "run"))

	f.write(t, "/hot/value.o", returns("value", 3), time.Now())
	b, err := f.Reload("value.o")
	require.NoError(t, err)
	assert.Equal(t, "/hot/value.o", b.Path())
	assert.Equal(t, uintptr(3), f.call(t, "run"))
	assert.Equal(t, 1, f.Patcher().Len())

	require.NoError(t, f.Unload("/hot/value.o"))
	assert.Zero(t, f.Patcher().Len())
	assert.Equal(t, uintptr(1), f.call(t, "run"))
}

func TestPatchByNameUsesNewest(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.write(t, "v1.o", returns("value", 1), now)
	f.write(t, "v2.o", returns("value", 2), now)
	v1, err := f.LoadObject("v1.o")
	require.NoError(t, err)
	_, err = f.LoadObject("v2.o")
	require.NoError(t, err)

	target := v1.Symbols().FindByName("value").Address
	d, err := f.PatchByName("value")
	require.NoError(t, err)
	assert.Equal(t, target, d.Address)
	r, _, _ := purego.SyscallN(target)
	assert.Equal(t, uintptr(2), r)
	r, _, _ = purego.SyscallN(f.Unpatched(target))
	assert.Equal(t, uintptr(1), r)

	var inUse *errs.UnloadInUseError
	assert.True(t, errors.As(f.Loader().Unload("v1.o"), &inUse))
	assert.True(t, f.Unpatch("value"))
	r, _, _ = purego.SyscallN(target)
	assert.Equal(t, uintptr(1), r)
}

func TestPatchByNameLeavesCapturesAlone(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	for i, p := range []string{"v1.o", "v2.o", "v3.o"} {
		f.write(t, p, returns("value", byte(i+1)), now)
	}
	_, err := f.LoadObject("v1.o")
	require.NoError(t, err)
	v2, err := f.LoadObject("v2.o")
	require.NoError(t, err)
	captured, err := f.Loader().FindAndLinkSymbol("value")
	require.NoError(t, err)
	require.Same(t, v2.Symbols().FindByName("value"), captured)
	v3, err := f.LoadObject("v3.o")
	require.NoError(t, err)

	d, err := f.PatchByName("value")
	require.NoError(t, err)
	assert.Equal(t, captured.Address, d.Address)
	assert.Equal(t, v3.Symbols().FindByName("value").Address, d.Hook)
	assert.True(t, v3.Owns(d.HookOwner))
	r, _, _ := purego.SyscallN(captured.Address)
	assert.Equal(t, uintptr(3), r)

	again, err := f.Loader().FindAndLinkSymbol("value")
	require.NoError(t, err)
	assert.Same(t, captured, again)
	assert.True(t, f.Unpatch("value"))
}
