package dynpatch

import (
	"os"
	"sync"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/bin"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/host"
	"github.com/ZenLiuCN/dynpatch/loader"
	"github.com/ZenLiuCN/dynpatch/patch"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Selector picks the symbols of a binary that replace their namesakes.
type Selector func(*symtab.Symbol) bool

// Context couples a loader with a patcher. Every method holds one lock, so a Context may be shared
// between goroutines.
type Context struct {
	sync.Mutex
	logger  log.Logger
	fs      fsutil.FS
	loader  *loader.Loader
	patcher *patch.Patcher
	// selections of binaries patched by file, replayed on reload
	selections map[string]Selector
}

type config struct {
	logger  log.Logger
	debug   bool
	fs      *fsutil.FS
	tempDir string
	reg     prometheus.Registerer
	host    *host.Symbols
	writer  patch.CodeWriter
	mapper  alloc.Mapper
	types   []any
	modules []string
}

// Option configures a Context.
type Option func(*config)

// WithLogger sets the logger, nop by default.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithDebug logs at debug level to stderr unless a logger is given.
func WithDebug(debug bool) Option {
	return func(c *config) { c.debug = debug }
}

// WithFs sets the file system binaries are read from, the OS by default.
func WithFs(fs fsutil.FS) Option {
	return func(c *config) { c.fs = &fs }
}

// WithTempDir sets where private copies of modules are kept.
func WithTempDir(dir string) Option {
	return func(c *config) { c.tempDir = dir }
}

// WithRegisterer registers the loader and patcher metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.reg = reg }
}

// WithHost uses h instead of the symbols of the running executable.
func WithHost(h *host.Symbols) Option {
	return func(c *config) { c.host = h }
}

// WithCodeWriter sets how patches are written over live code.
func WithCodeWriter(w patch.CodeWriter) Option {
	return func(c *config) { c.writer = w }
}

// WithMapper sets the mapper of object regions and trampolines.
func WithMapper(m alloc.Mapper) Option {
	return func(c *config) { c.mapper = m }
}

// WithTypes registers types Go objects may refer to by their runtime type symbol.
func WithTypes(types ...any) Option {
	return func(c *config) { c.types = append(c.types, types...) }
}

// WithModules exposes the Go symbols of shared libraries built with -linkshared to Go objects.
func WithModules(paths ...string) Option {
	return func(c *config) { c.modules = append(c.modules, paths...) }
}

// New creates a Context.
func New(opts ...Option) (*Context, error) {
	c := new(config)
	for _, o := range opts {
		o(c)
	}
	switch {
	case c.logger != nil:
	case c.debug:
		c.logger = level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), level.AllowDebug())
		c.logger = log.With(c.logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	default:
		c.logger = log.NewNopLogger()
	}
	fs := fsutil.OS()
	if c.fs != nil {
		fs = *c.fs
	}
	lopts := []loader.Option{loader.WithLogger(c.logger), loader.WithFS(fs), loader.WithTempDir(c.tempDir), loader.WithRegisterer(c.reg)}
	popts := []patch.Option{patch.WithLogger(c.logger), patch.WithRegisterer(c.reg), patch.WithCodeWriter(c.writer)}
	if c.host != nil {
		lopts = append(lopts, loader.WithHost(c.host))
	}
	if c.mapper != nil {
		lopts = append(lopts, loader.WithMapper(c.mapper))
		popts = append(popts, patch.WithMapper(c.mapper))
	}
	l, err := loader.New(lopts...)
	if err != nil {
		return nil, err
	}
	if len(c.types) > 0 {
		l.Host().RegisterTypes(c.types...)
	}
	for _, m := range c.modules {
		if err = l.Host().RegisterModule(m); err != nil {
			return nil, err
		}
	}
	p := patch.New(l, append(popts, patch.WithWritable(l.InObjectRegion))...)
	l.SetPatchRegistry(p)
	return &Context{
		logger:     c.logger,
		fs:         fs,
		loader:     l,
		patcher:    p,
		selections: map[string]Selector{},
	}, nil
}

// Loader is the underlying loader. It must not be used concurrently with the Context.
func (x *Context) Loader() *loader.Loader { return x.loader }

// Patcher is the underlying patcher. It must not be used concurrently with the Context.
func (x *Context) Patcher() *patch.Patcher { return x.patcher }

// Load loads every file matching pattern and returns how many are resident afterwards. Binaries
// waiting for symbols count as resident; their errors are still returned.
func (x *Context) Load(pattern string) (n int, err error) {
	x.Lock()
	defer x.Unlock()
	files, err := x.fs.Glob(pattern)
	if err != nil {
		return 0, errors.Wrapf(err, "glob %s", pattern)
	}
	if len(files) == 0 {
		return 0, errors.Wrap(errs.ErrNotFound, pattern)
	}
	var all error
	for _, f := range files {
		b, e := x.loader.Load(f)
		if b != nil {
			n++
		}
		if e != nil {
			all = multierror.Append(all, e)
		}
	}
	return n, all
}

// LoadObject loads a relocatable object file.
func (x *Context) LoadObject(path string) (*bin.Object, error) {
	x.Lock()
	defer x.Unlock()
	return x.loader.LoadObject(path)
}

// LoadLibrary loads a static archive.
func (x *Context) LoadLibrary(path string) (*bin.Library, error) {
	x.Lock()
	defer x.Unlock()
	return x.loader.LoadLibrary(path)
}

// LoadModule loads a shared module.
func (x *Context) LoadModule(path string) (*bin.Module, error) {
	x.Lock()
	defer x.Unlock()
	return x.loader.LoadModule(path)
}

// LoadGoObject loads an object compiled by go tool compile for package pkg.
func (x *Context) LoadGoObject(path, pkg string) (*bin.GoObject, error) {
	x.Lock()
	defer x.Unlock()
	return x.loader.LoadGoObject(path, pkg)
}

// Link retries every binary waiting for symbols.
func (x *Context) Link() error {
	x.Lock()
	defer x.Unlock()
	return x.loader.Link()
}

// Unload removes every patch involving the binary at path, then unloads it.
func (x *Context) Unload(path string) error {
	x.Lock()
	defer x.Unlock()
	b := x.loader.FindBinary(path)
	if b == nil {
		return errors.Wrap(errs.ErrNotFound, path)
	}
	if n := x.patcher.UnpatchByBinary(b); n > 0 {
		level.Debug(x.logger).Log("msg", "unpatched before unload", "path", b.Path(), "count", n)
	}
	delete(x.selections, b.Path())
	return x.loader.Unload(b.Path())
}

// Reload loads path again when it changed on disk. Hooks taken from the binary by PatchByFile are
// removed first and installed again from the new binary with the same selection.
func (x *Context) Reload(path string) (bin.Binary, error) {
	x.Lock()
	defer x.Unlock()
	if old := x.loader.FindBinary(path); old != nil {
		path = old.Path()
		x.patcher.UnpatchByBinary(old)
	}
	b, err := x.loader.Load(path)
	if b == nil {
		delete(x.selections, path)
		return nil, err
	}
	if sel, ok := x.selections[path]; ok {
		if _, perr := x.patchBinary(b, sel); perr != nil {
			err = multierror.Append(err, perr)
		}
	}
	return b, err
}

// PatchByFile loads path unless resident and hooks every function of it whose name matches
// filter, an empty filter matching all.
func (x *Context) PatchByFile(path, filter string) (int, error) {
	var sel Selector
	if filter != "" {
		re, err := regexp.Compile(filter)
		if err != nil {
			return 0, errors.Wrapf(err, "filter %q", filter)
		}
		sel = func(s *symtab.Symbol) bool { return re.MatchString(s.Name) }
	}
	return x.PatchByFileFunc(path, sel)
}

// PatchByFileFunc loads path unless resident and hooks the functions sel accepts, all when sel
// is nil.
func (x *Context) PatchByFileFunc(path string, sel Selector) (int, error) {
	x.Lock()
	defer x.Unlock()
	b := x.loader.FindBinary(path)
	if b == nil {
		var err error
		if b, err = x.loader.Load(path); b == nil || err != nil {
			return 0, err
		}
	}
	x.selections[b.Path()] = sel
	return x.patchBinary(b, sel)
}

func (x *Context) patchBinary(b bin.Binary, sel Selector) (int, error) {
	if b.NeedsLink() {
		return 0, errors.Wrap(errs.ErrNotLinked, b.Path())
	}
	return x.patcher.PatchByBinary(b, sel)
}

// PatchByName hooks the host function called name, or the function of an older binary, with the
// newest loaded binary's namesake.
func (x *Context) PatchByName(name string) (*patch.PatchData, error) {
	x.Lock()
	defer x.Unlock()
	hook, err := x.loader.LinkSymbol(name)
	if err != nil {
		return nil, err
	}
	if hook.Binary == nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "no loaded binary exports %s", name)
	}
	return x.patcher.PatchByName(name, hook.Address)
}

// PatchByAddress hooks the function at target with hook.
func (x *Context) PatchByAddress(target, hook uintptr) (*patch.PatchData, error) {
	x.Lock()
	defer x.Unlock()
	return x.patcher.PatchByAddress(target, hook)
}

// Unpatch removes the hook of the function called name.
func (x *Context) Unpatch(name string) bool {
	x.Lock()
	defer x.Unlock()
	return x.patcher.UnpatchByName(name)
}

// Unpatched returns the address running the original code of target.
func (x *Context) Unpatched(target uintptr) uintptr {
	x.Lock()
	defer x.Unlock()
	return x.patcher.Unpatched(target)
}

// Close removes every hook and unloads every binary.
func (x *Context) Close() error {
	x.Lock()
	defer x.Unlock()
	var err error
	if e := x.patcher.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	if e := x.loader.Close(); e != nil {
		err = multierror.Append(err, e)
	}
	clear(x.selections)
	return err
}
