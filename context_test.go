package dynpatch

import (
	"reflect"
	"strings"
	"testing"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/host"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ZenLiuCN/fn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	*Context
	fs   fsutil.FS
	host *host.Symbols
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{fs: fsutil.Memory(), host: host.New(symtab.NewAllocator(), host.WithLookup(nil))}
	f.Context = fn.Panic1(New(append([]Option{WithFs(f.fs), WithHost(f.host)}, opts...)...))
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestAs(t *testing.T) {
	upper := As[func(string) string](reflect.ValueOf(strings.ToUpper).Pointer())
	assert.Equal(t, "ABC", upper("abc"))
}

func TestLoadPattern(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	f := newFixture(t, WithRegisterer(reg))
	n, err := f.Load("/nothing/*.o")
	assert.Zero(t, n)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, f.fs.WriteFile("/bad/a.o", []byte("junk"), 0o644))
	require.NoError(t, f.fs.WriteFile("/bad/b.o", []byte("junk"), 0o644))
	n, err = f.Load("/bad/*.o")
	assert.Zero(t, n)
	assert.Error(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.Loader().Metrics().LoadErrors.WithLabelValues("unknown")))
}

func TestPatchByFileRejectsBadFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.PatchByFile("a.o", "(")
	assert.ErrorContains(t, err, "filter")
	assert.ErrorIs(t, f.Unload("a.o"), errs.ErrNotFound)
	_, err = f.PatchByName("absent")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPatchByNameNeedsLoadedHook(t *testing.T) {
	f := newFixture(t)
	f.host.Add("only_host", 0x4000, 16, symtab.FlagFunction)
	_, err := f.PatchByName("only_host")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, f.Release("only_host"), "the lookup is not captured")
	assert.Equal(t, uintptr(0x4000), f.Unpatched(0x4000))
}

func TestCloseTwice(t *testing.T) {
	f := newFixture(t, WithDebug(true))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err := f.LoadObject("a.o")
	assert.ErrorIs(t, err, errs.ErrClosed)
}
