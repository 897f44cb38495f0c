// Package loader keeps the binaries resident in the process and links them against each other
// and the host.
//
// Resolution of a name referenced by a binary is, in order: the binary itself, the resident
// binary loaded most recently that exports the name, then the host. Symbols returned by
// FindAndLinkSymbol are captured: later calls return the same record until Release or until its
// owner unloads, however many newer binaries export the name.
//
// A Loader is not safe for concurrent use.
package loader

import (
	"reflect"
	"slices"
	"time"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/bin"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/fsutil"
	"github.com/ZenLiuCN/dynpatch/host"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

// PatchRegistry reports active patches whose symbol is owned by a binary.
type PatchRegistry interface {
	InUse(c symtab.Container) []string
}

type resident struct {
	bin bin.Binary
	seq uint64
}

// Loader owns the resident binaries, the host symbol table and the on-load queue.
type Loader struct {
	env       *bin.Env
	host      *host.Symbols
	logger    log.Logger
	metrics   *Metrics
	residents []resident
	seq       uint64
	onLoad    []bin.Binary
	captured  map[string]*symtab.Symbol
	patches   PatchRegistry
	closed    bool
}

type config struct {
	logger   log.Logger
	fs       fsutil.FS
	mapper   alloc.Mapper
	tempDir  string
	host     *host.Symbols
	hostOpts []host.Option
	reg      prometheus.Registerer
}

// Option configures a Loader.
type Option func(*config)

// WithLogger sets the logger, nop by default.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithFS sets the file system binaries are read from.
func WithFS(fs fsutil.FS) Option {
	return func(c *config) { c.fs = fs }
}

// WithMapper sets the memory mapper of object regions.
func WithMapper(m alloc.Mapper) Option {
	return func(c *config) { c.mapper = m }
}

// WithTempDir sets where private copies of modules are kept.
func WithTempDir(dir string) Option {
	return func(c *config) { c.tempDir = dir }
}

// WithHost uses h instead of loading the symbols of the running executable.
func WithHost(h *host.Symbols) Option {
	return func(c *config) { c.host = h }
}

// WithHostOptions passes options to the host symbol loader.
func WithHostOptions(opts ...host.Option) Option {
	return func(c *config) { c.hostOpts = append(c.hostOpts, opts...) }
}

// WithRegisterer registers the loader metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.reg = reg }
}

// New creates a loader. Unless WithHost is given, the host symbols are read from the running
// executable.
func New(opts ...Option) (*Loader, error) {
	c := &config{logger: log.NewNopLogger(), fs: fsutil.OS(), mapper: alloc.DefaultMapper()}
	for _, o := range opts {
		o(c)
	}
	env := &bin.Env{
		Symbols: symtab.NewAllocator(),
		Mapper:  c.mapper,
		FS:      c.fs,
		Logger:  c.logger,
		Near:    reflect.ValueOf(New).Pointer(),
		TempDir: c.tempDir,
	}
	h := c.host
	if h == nil {
		var err error
		if h, err = host.Load(env.Symbols, append([]host.Option{host.WithLogger(c.logger)}, c.hostOpts...)...); err != nil {
			return nil, errors.Wrap(err, "host symbols")
		}
	}
	env.GoSymbols = h.GoSymbols()
	return &Loader{
		env:      env,
		host:     h,
		logger:   c.logger,
		metrics:  NewMetrics(c.reg),
		captured: map[string]*symtab.Symbol{},
	}, nil
}

// Env is the environment binaries are created with.
func (l *Loader) Env() *bin.Env { return l.env }

// Host is the host symbol table.
func (l *Loader) Host() *host.Symbols { return l.host }

func (l *Loader) Metrics() *Metrics { return l.metrics }

// SetPatchRegistry installs the registry consulted before unloading.
func (l *Loader) SetPatchRegistry(r PatchRegistry) { l.patches = r }

// Load loads the binary at path, detecting its kind, and runs a global link.
// A path already resident is returned as is when its modification time did not change and is
// unloaded and loaded again otherwise. An unresolved symbol error comes with the binary, which
// stays resident and is retried by later links.
func (l *Loader) Load(path string) (bin.Binary, error) {
	return l.loadFile(path, bin.KindUnknown, "")
}

// LoadObject loads a relocatable object.
func (l *Loader) LoadObject(path string) (*bin.Object, error) {
	b, err := l.loadFile(path, bin.KindObject, "")
	o, _ := b.(*bin.Object)
	return o, err
}

// LoadLibrary loads an archive of relocatable objects.
func (l *Loader) LoadLibrary(path string) (*bin.Library, error) {
	b, err := l.loadFile(path, bin.KindLibrary, "")
	o, _ := b.(*bin.Library)
	return o, err
}

// LoadModule loads a shared library.
func (l *Loader) LoadModule(path string) (*bin.Module, error) {
	b, err := l.loadFile(path, bin.KindModule, "")
	o, _ := b.(*bin.Module)
	return o, err
}

// LoadGoObject loads a Go object or archive compiled as package pkg.
func (l *Loader) LoadGoObject(path, pkg string) (*bin.GoObject, error) {
	b, err := l.loadFile(path, bin.KindGoObject, pkg)
	o, _ := b.(*bin.GoObject)
	return o, err
}

func (l *Loader) loadFile(path string, k bin.Kind, pkg string) (bin.Binary, error) {
	if l.closed {
		return nil, errs.ErrClosed
	}
	mtime, err := l.env.FS.ModTime(path)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNotFound, "%s: %v", path, err)
	}
	if b, ok, err := l.reuse(path, k, mtime); ok || err != nil {
		return b, err
	}
	var data []byte
	if k == bin.KindUnknown {
		if data, err = l.env.FS.ReadFile(path); err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		if k, err = bin.Detect(path, data); err != nil {
			l.metrics.LoadErrors.WithLabelValues(k.String()).Inc()
			return nil, err
		}
	}
	b, err := l.create(k, pkg)
	if err != nil {
		return nil, err
	}
	if data != nil && (k == bin.KindObject || k == bin.KindLibrary) {
		err = b.LoadMemory(path, data, mtime)
	} else {
		err = b.LoadFile(path)
	}
	if err != nil {
		l.metrics.LoadErrors.WithLabelValues(k.String()).Inc()
		return nil, err
	}
	return l.admit(b)
}

// LoadMemory loads an image read elsewhere as if it came from name.
func (l *Loader) LoadMemory(name string, data []byte, mtime time.Time) (bin.Binary, error) {
	if l.closed {
		return nil, errs.ErrClosed
	}
	k, err := bin.Detect(name, data)
	if err != nil {
		l.metrics.LoadErrors.WithLabelValues(k.String()).Inc()
		return nil, err
	}
	if b, ok, err := l.reuse(name, k, mtime); ok || err != nil {
		return b, err
	}
	b, err := l.create(k, "")
	if err != nil {
		return nil, err
	}
	if err = b.LoadMemory(name, data, mtime); err != nil {
		l.metrics.LoadErrors.WithLabelValues(k.String()).Inc()
		return nil, err
	}
	return l.admit(b)
}

func (l *Loader) create(k bin.Kind, pkg string) (bin.Binary, error) {
	if k == bin.KindGoObject {
		return bin.NewGoObject(l.env, pkg), nil
	}
	return bin.New(k, l.env)
}

// reuse returns the resident binary of path when it is current, or unloads it.
func (l *Loader) reuse(path string, k bin.Kind, mtime time.Time) (bin.Binary, bool, error) {
	i := l.index(path)
	if i < 0 {
		return nil, false, nil
	}
	b := l.residents[i].bin
	if (k == bin.KindUnknown || b.Kind() == k) && b.ModTime().Equal(mtime) {
		level.Debug(l.logger).Log("msg", "binary unchanged", "path", path)
		return b, true, nil
	}
	if err := l.checkInUse(b); err != nil {
		return nil, false, err
	}
	level.Info(l.logger).Log("msg", "reloading binary", "path", path, "mtime", mtime)
	return nil, false, l.unload(i, false)
}

func (l *Loader) admit(b bin.Binary) (bin.Binary, error) {
	l.seq++
	l.residents = append(l.residents, resident{bin: b, seq: l.seq})
	l.onLoad = append(l.onLoad, b)
	l.metrics.Loads.WithLabelValues(b.Kind().String()).Inc()
	l.metrics.Residents.Set(float64(len(l.residents)))
	level.Info(l.logger).Log("msg", "binary loaded", "path", b.Path(), "kind", b.Kind(), "symbols", b.Symbols().Len())
	fatal, err := l.link()
	if ferr, ok := fatal[b]; ok {
		return nil, ferr
	}
	return b, err
}

// Link retries every binary with pending relocations. Unresolved names are reported in the
// aggregated error and stay pending.
func (l *Loader) Link() error {
	_, err := l.link()
	return err
}

// link places every pending binary, then links in passes until no binary makes progress. It
// returns the binaries that failed for a reason other than unresolved names.
func (l *Loader) link() (map[bin.Binary]error, error) {
	fatal := map[bin.Binary]error{}
	for _, r := range l.residents {
		if p, ok := r.bin.(bin.Placer); ok && r.bin.NeedsLink() {
			if err := p.Place(); err != nil {
				fatal[r.bin] = err
			}
		}
	}
	failed := map[bin.Binary]error{}
	for {
		pending := l.pending(fatal)
		if len(pending) == 0 {
			break
		}
		progress := false
		for _, b := range pending {
			err := b.Link(l)
			switch {
			case err == nil:
				delete(failed, b)
			case errs.IsUnresolved(err):
				failed[b] = err
			default:
				fatal[b] = err
			}
			if !b.NeedsLink() {
				progress = true
			}
		}
		if !progress {
			break
		}
	}
	var result *multierror.Error
	for _, r := range l.residents {
		err, ok := fatal[r.bin]
		if !ok {
			if err, ok = failed[r.bin]; !ok || !r.bin.NeedsLink() {
				continue
			}
		}
		l.metrics.LinkFailures.WithLabelValues(classify(err)).Inc()
		level.Debug(l.logger).Log("msg", "link incomplete", "path", r.bin.Path(), "err", err)
		result = multierror.Append(result, err)
	}
	l.drain(fatal)
	l.quarantine(fatal)
	return fatal, result.ErrorOrNil()
}

// quarantine drops binaries that failed for a reason other than unresolved names, whether just
// admitted or resident for long. Binaries held by a patch stay.
func (l *Loader) quarantine(fatal map[bin.Binary]error) {
	for b, ferr := range fatal {
		i := slices.IndexFunc(l.residents, func(r resident) bool { return r.bin == b })
		if i < 0 {
			continue
		}
		if err := l.checkInUse(b); err != nil {
			level.Warn(l.logger).Log("msg", "keeping binary that cannot link", "path", b.Path(), "err", err)
			continue
		}
		level.Error(l.logger).Log("msg", "dropping binary that cannot link", "path", b.Path(), "err", ferr)
		if err := l.unload(i, false); err != nil {
			level.Warn(l.logger).Log("msg", "unload after failed link", "path", b.Path(), "err", err)
		}
	}
}

func (l *Loader) pending(fatal map[bin.Binary]error) []bin.Binary {
	var out []bin.Binary
	for _, r := range l.residents {
		if _, ok := fatal[r.bin]; !ok && r.bin.NeedsLink() {
			out = append(out, r.bin)
		}
	}
	return out
}

func classify(err error) string {
	var (
		rng *errs.RelocationRangeError
		fe  *errs.FormatError
	)
	switch {
	case errs.IsUnresolved(err):
		return "unresolved"
	case errors.As(err, &rng):
		return "range"
	case errors.As(err, &fe):
		return "format"
	}
	return "other"
}

// drain fires OnLoad for queued binaries whose link completed.
func (l *Loader) drain(fatal map[bin.Binary]error) {
	var keep []bin.Binary
	for _, b := range l.onLoad {
		if _, ok := fatal[b]; ok || b.NeedsLink() {
			keep = append(keep, b)
			continue
		}
		if err := b.CallHandler(bin.OnLoad); err != nil {
			level.Warn(l.logger).Log("msg", "load handler failed", "path", b.Path(), "err", err)
		}
	}
	l.onLoad = keep
}

// Resolve implements bin.Resolver with the loader's policy.
func (l *Loader) Resolve(name string, from bin.Binary) (*symtab.Symbol, bool) {
	if s, _ := l.newest(name, from); s != nil {
		return s, true
	}
	if s := l.host.FindByName(name); s != nil {
		return s, true
	}
	return nil, false
}

// newest returns the symbol exported by the resident with the highest load sequence, ignoring
// the resident holding skip.
func (l *Loader) newest(name string, skip symtab.Owner) (*symtab.Symbol, bin.Binary) {
	var (
		found *symtab.Symbol
		owner bin.Binary
		seq   uint64
	)
	for _, r := range l.residents {
		if (skip != nil && r.bin.Owns(skip)) || r.seq < seq {
			continue
		}
		if s := r.bin.Symbols().FindByName(name); s != nil {
			found, owner, seq = s, r.bin, r.seq
		}
	}
	return found, owner
}

func (l *Loader) index(path string) int {
	return slices.IndexFunc(l.residents, func(r resident) bool { return r.bin.Path() == path })
}

// Len is the number of resident binaries.
func (l *Loader) Len() int { return len(l.residents) }

// At returns the i-th resident binary in load order.
func (l *Loader) At(i int) bin.Binary { return l.residents[i].bin }

// Each calls f for every resident binary in load order.
func (l *Loader) Each(f func(bin.Binary)) {
	for _, r := range l.residents {
		f(r.bin)
	}
}

// FindBinary returns the resident binary with path name, or with file name name.
func (l *Loader) FindBinary(name string) bin.Binary {
	if i := l.index(name); i >= 0 {
		return l.residents[i].bin
	}
	r, ok := lo.Find(l.residents, func(r resident) bool {
		_, file, _ := fsutil.SplitDirFile(r.bin.Path())
		return file == name
	})
	if !ok {
		return nil
	}
	return r.bin
}

// FindSymbol resolves name with the loader's policy without linking its owner.
func (l *Loader) FindSymbol(name string) *symtab.Symbol {
	s, _ := l.Resolve(name, nil)
	return s
}

// FindAndLinkSymbol resolves name, links its owner when needed and captures the result.
func (l *Loader) FindAndLinkSymbol(name string) (*symtab.Symbol, error) {
	if s, ok := l.captured[name]; ok {
		return s, nil
	}
	s, err := l.LinkSymbol(name)
	if err != nil {
		return nil, err
	}
	l.captured[name] = s
	return s, nil
}

// LinkSymbol resolves name with the loader's policy and links its owner when needed. Captures
// are neither consulted nor changed.
func (l *Loader) LinkSymbol(name string) (*symtab.Symbol, error) {
	s, owner := l.newest(name, nil)
	if owner != nil && owner.NeedsLink() {
		if err := l.Link(); err != nil && owner.NeedsLink() {
			return nil, errors.Wrapf(errs.ErrNotLinked, "%s: %v", name, err)
		}
	}
	if s == nil {
		if s = l.host.FindByName(name); s == nil {
			return nil, errors.Wrapf(errs.ErrNotFound, "symbol %s", name)
		}
	}
	return s, nil
}

// Release drops the capture of name.
func (l *Loader) Release(name string) bool {
	_, ok := l.captured[name]
	delete(l.captured, name)
	return ok
}

func (l *Loader) FindHostSymbolByName(name string) *symtab.Symbol { return l.host.FindByName(name) }

func (l *Loader) FindHostSymbolByAddress(addr uintptr) *symtab.Symbol {
	return l.host.FindByAddress(addr)
}

// Describe names addr by the resident symbol starting there or by the host symbol covering it.
func (l *Loader) Describe(addr uintptr) string {
	for i := len(l.residents) - 1; i >= 0; i-- {
		b := l.residents[i].bin
		if s := b.Symbols().FindByAddress(addr); s != nil {
			return s.Name + " (" + b.Path() + ")"
		}
	}
	return l.host.Describe(addr)
}

// TargetByName finds code to patch: the host symbol first, then the newest resident other than
// skip.
func (l *Loader) TargetByName(name string, skip symtab.Owner) *symtab.Symbol {
	if s := l.host.FindByName(name); s != nil {
		return s
	}
	s, _ := l.newest(name, skip)
	return s
}

// TargetByAddress finds the symbol starting at addr among residents and the host.
func (l *Loader) TargetByAddress(addr uintptr) *symtab.Symbol {
	for i := len(l.residents) - 1; i >= 0; i-- {
		if s := l.residents[i].bin.Symbols().FindByAddress(addr); s != nil {
			return s
		}
	}
	return l.host.FindByAddress(addr)
}

// InObjectRegion reports whether addr lies in the region of a resident object, which stays
// writable after a patch.
func (l *Loader) InObjectRegion(addr uintptr) bool {
	for _, r := range l.residents {
		switch b := r.bin.(type) {
		case *bin.Object:
			if b.Contains(addr) {
				return true
			}
		case *bin.Library:
			for i := 0; i < b.NumObjects(); i++ {
				if b.Object(i).Contains(addr) {
					return true
				}
			}
		}
	}
	return false
}

func (l *Loader) checkInUse(b bin.Binary) error {
	if l.patches == nil {
		return nil
	}
	if names := l.patches.InUse(b); len(names) > 0 {
		l.metrics.UnloadRefusals.Inc()
		return &errs.UnloadInUseError{Path: b.Path(), Symbols: names}
	}
	return nil
}

// Unload removes the binary at path. It is refused while a patch installed from the binary is
// active. Binaries that resolved symbols into it are relinked.
func (l *Loader) Unload(path string) error {
	i := l.index(path)
	if i < 0 {
		return errors.Wrapf(errs.ErrNotFound, "binary %s", path)
	}
	if err := l.checkInUse(l.residents[i].bin); err != nil {
		return err
	}
	return l.unload(i, true)
}

// Relink re-resolves every relocation of the binary at path against the current residents.
func (l *Loader) Relink(path string) error {
	i := l.index(path)
	if i < 0 {
		return errors.Wrapf(errs.ErrNotFound, "binary %s", path)
	}
	if r, ok := l.residents[i].bin.(bin.Relinker); ok {
		r.Invalidate()
	}
	return l.Link()
}

func (l *Loader) unload(i int, relink bool) error {
	b := l.residents[i].bin
	var result *multierror.Error
	if !b.NeedsLink() && !lo.Contains(l.onLoad, b) {
		if err := b.CallHandler(bin.OnUnload); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for name, s := range l.captured {
		if b.Owns(s.Binary) {
			delete(l.captured, name)
		}
	}
	l.residents = slices.Delete(l.residents, i, i+1)
	l.onLoad = lo.Without(l.onLoad, b)
	var dependents []string
	for _, r := range l.residents {
		if d, ok := r.bin.(bin.Relinker); ok && d.DependsOn(b) {
			d.Invalidate()
			dependents = append(dependents, r.bin.Path())
		}
	}
	if err := b.Unload(); err != nil {
		result = multierror.Append(result, err)
	}
	l.metrics.Residents.Set(float64(len(l.residents)))
	level.Info(l.logger).Log("msg", "binary unloaded", "path", b.Path(), "dependents", len(dependents))
	if relink && len(dependents) > 0 {
		if err := l.Link(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close unloads every binary not held by a patch, newest first.
func (l *Loader) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	var result *multierror.Error
	for i := len(l.residents) - 1; i >= 0; i-- {
		if err := l.checkInUse(l.residents[i].bin); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := l.unload(i, false); err != nil {
			result = multierror.Append(result, err)
		}
	}
	l.captured = map[string]*symtab.Symbol{}
	return result.ErrorOrNil()
}
