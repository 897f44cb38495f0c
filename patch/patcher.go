// Package patch redirects functions to replacements by overwriting their entry with a jump.
//
// Each patched function gets a trampoline block holding a jump to the hook, followed by the
// overwritten instructions relocated to run from the block and a jump back into the function.
// The hook reaches the original behavior through Unpatched.
//
// A Patcher is not safe for concurrent use.
package patch

import (
	"bytes"
	"fmt"
	"runtime"
	"slices"

	"github.com/ZenLiuCN/dynpatch/alloc"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

// Finder locates code that may be patched.
type Finder interface {
	// TargetByName returns the function to replace by a symbol called name, ignoring symbols owned
	// by skip.
	TargetByName(name string, skip symtab.Owner) *symtab.Symbol
	// TargetByAddress returns the symbol starting at addr.
	TargetByAddress(addr uintptr) *symtab.Symbol
}

// Binary is a symbol source hooks are taken from.
type Binary interface {
	symtab.Container
	Symbols() *symtab.Table
}

// PatchData is one installed hook.
type PatchData struct {
	// Target observes the patched symbol; its owner cannot unload while the patch is active.
	Target      *symtab.Symbol
	Name        string
	Address     uintptr
	TargetOwner symtab.Owner
	Hook        uintptr
	// HookOwner is the binary holding the hook, nil when unknown.
	HookOwner symtab.Owner
	// Original holds the overwritten bytes.
	Original   []byte
	Trampoline uintptr
	// Size is the used length of the trampoline block.
	Size int
}

// Unpatched is the address running the original function.
func (d *PatchData) Unpatched() uintptr { return d.Trampoline + farJumpSize }

func (d *PatchData) String() string {
	return fmt.Sprintf("%s@%#x->%#x", d.Name, d.Address, d.Hook)
}

func (d *PatchData) owned(c symtab.Container) bool {
	return (d.TargetOwner != nil && c.Owns(d.TargetOwner)) || (d.HookOwner != nil && c.Owns(d.HookOwner))
}

// Patcher owns the active hooks and their trampoline blocks.
type Patcher struct {
	finder  Finder
	logger  log.Logger
	pool    *alloc.TrampolinePool
	writer  CodeWriter
	metrics *Metrics
	byAddr  map[uintptr]*PatchData
	// hooks by target name in install order; targets in different binaries may share a name
	byName  map[string][]*PatchData
	closed  bool
}

type config struct {
	logger   log.Logger
	mapper   alloc.Mapper
	writer   CodeWriter
	writable func(uintptr) bool
	reg      prometheus.Registerer
}

// Option configures a Patcher.
type Option func(*config)

// WithLogger sets the logger, nop by default.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMapper sets the mapper of trampoline pages and of the default CodeWriter.
func WithMapper(m alloc.Mapper) Option {
	return func(c *config) { c.mapper = m }
}

// WithCodeWriter replaces the default CodeWriter.
func WithCodeWriter(w CodeWriter) Option {
	return func(c *config) { c.writer = w }
}

// WithWritable tells the default CodeWriter which code is already writable, typically
// Loader.InObjectRegion. Protection of such pages is left untouched.
func WithWritable(f func(addr uintptr) bool) Option {
	return func(c *config) { c.writable = f }
}

// WithRegisterer registers the patcher metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.reg = reg }
}

// New creates a patcher finding targets through f.
func New(f Finder, opts ...Option) *Patcher {
	c := &config{logger: log.NewNopLogger(), mapper: alloc.DefaultMapper()}
	for _, o := range opts {
		o(c)
	}
	if c.writer == nil {
		c.writer = &protectWriter{mapper: c.mapper, logger: c.logger, writable: c.writable}
	}
	return &Patcher{
		finder:  f,
		logger:  c.logger,
		pool:    alloc.NewTrampolinePool(c.mapper),
		writer:  c.writer,
		metrics: NewMetrics(c.reg),
		byAddr:  map[uintptr]*PatchData{},
		byName:  map[string][]*PatchData{},
	}
}

// Metrics are the patcher metrics.
func (p *Patcher) Metrics() *Metrics { return p.metrics }

// Blocks is the number of live trampoline blocks.
func (p *Patcher) Blocks() int { return p.pool.Len() }

// PatchByBinary hooks, for every function of b accepted by pred, the same-named function found
// outside b. A nil pred accepts every function. Symbols without a target are skipped; the
// returned count is the number of hooks installed and failures are aggregated.
func (p *Patcher) PatchByBinary(b Binary, pred func(*symtab.Symbol) bool) (int, error) {
	if p.closed {
		return 0, errs.ErrClosed
	}
	var hooks []*symtab.Symbol
	b.Symbols().Each(func(s *symtab.Symbol) {
		if s.Is(symtab.FlagFunction) && !s.Is(symtab.FlagHandler) && s.Address != 0 && (pred == nil || pred(s)) {
			hooks = append(hooks, s)
		}
	})
	var (
		n   int
		err error
	)
	for _, h := range hooks {
		t := p.finder.TargetByName(h.Name, b)
		if t == nil {
			level.Debug(p.logger).Log("msg", "no target", "symbol", h.Name, "binary", b.Path())
			continue
		}
		if d := p.byAddr[t.Address]; d != nil && d.Hook == h.Address {
			continue
		}
		if _, e := p.install(t, h.Address, b); e != nil {
			err = multierror.Append(err, e)
			continue
		}
		n++
	}
	return n, err
}

// PatchByName hooks the function called name. When hook belongs to a known binary, that binary
// is not searched for the target.
func (p *Patcher) PatchByName(name string, hook uintptr) (*PatchData, error) {
	if p.closed {
		return nil, errs.ErrClosed
	}
	owner := p.ownerOf(hook)
	t := p.finder.TargetByName(name, owner)
	if t == nil {
		p.metrics.Failures.WithLabelValues("conflict").Inc()
		return nil, &errs.PatchConflictError{Name: name, Reason: "no such symbol"}
	}
	return p.install(t, hook, owner)
}

// PatchByAddress hooks the function starting at addr.
func (p *Patcher) PatchByAddress(addr, hook uintptr) (*PatchData, error) {
	if p.closed {
		return nil, errs.ErrClosed
	}
	t := p.finder.TargetByAddress(addr)
	if t == nil {
		p.metrics.Failures.WithLabelValues("conflict").Inc()
		return nil, &errs.PatchConflictError{Address: addr, Reason: "no symbol starts here"}
	}
	return p.install(t, hook, p.ownerOf(hook))
}

func (p *Patcher) ownerOf(hook uintptr) symtab.Owner {
	if s := p.finder.TargetByAddress(hook); s != nil {
		return s.Binary
	}
	return nil
}

func (p *Patcher) conflict(t *symtab.Symbol, reason string) error {
	p.metrics.Failures.WithLabelValues("conflict").Inc()
	return &errs.PatchConflictError{Name: t.Name, Address: t.Address, Reason: reason}
}

func (p *Patcher) install(t *symtab.Symbol, hook uintptr, owner symtab.Owner) (*PatchData, error) {
	addr := t.Address
	switch {
	case !t.Is(symtab.FlagFunction):
		return nil, p.conflict(t, "not a function")
	case addr == 0:
		return nil, p.conflict(t, "not linked")
	case hook == 0 || hook == addr:
		return nil, p.conflict(t, fmt.Sprintf("bad hook %#x", hook))
	case p.byAddr[addr] != nil:
		return nil, p.conflict(t, "already patched by "+p.byAddr[addr].String())
	}
	for _, d := range p.byAddr {
		if addr > d.Address && addr < d.Address+uintptr(len(d.Original)) {
			return nil, p.conflict(t, "inside the prologue of "+d.String())
		}
	}
	if runtime.GOARCH != "amd64" {
		return nil, errs.ErrUnsupported
	}

	block, err := p.pool.Allocate(addr)
	if err != nil {
		level.Debug(p.logger).Log("msg", "no near trampoline", "target", t.Name, "err", err)
		if block, err = p.pool.Allocate(0); err != nil {
			p.metrics.Failures.WithLabelValues("alloc").Inc()
			return nil, errors.Wrapf(err, "patch %s", t.Name)
		}
	}
	d, err := p.write(t, hook, block)
	if err != nil {
		p.pool.Free(block)
		return nil, errors.Wrapf(err, "patch %s@%#x", t.Name, addr)
	}
	d.HookOwner = owner
	p.byAddr[addr] = d
	p.byName[d.Name] = append(p.byName[d.Name], d)
	p.metrics.Active.Set(float64(len(p.byAddr)))
	level.Debug(p.logger).Log("msg", "patched", "target", t.Name, "addr", fmt.Sprintf("%#x", addr),
		"hook", fmt.Sprintf("%#x", hook), "prologue", len(d.Original))
	return d, nil
}

// write fills the trampoline block and then stores the entry jump, the only step touching the
// target.
func (p *Patcher) write(t *symtab.Symbol, hook, block uintptr) (*PatchData, error) {
	width := farJumpSize
	if _, ok := nearJump(t.Address, block); ok {
		width = nearJumpSize
	}
	n := uintptr(readAhead)
	if t.Size != 0 && t.Size < uint64(n) {
		n = uintptr(t.Size)
	}
	original := bytes.Clone(alloc.View(t.Address, n))
	pro, err := relocate(original, t.Address, block+farJumpSize, width, t.Size)
	if err != nil {
		p.metrics.Failures.WithLabelValues("prologue").Inc()
		return nil, err
	}
	code := assemble(hook, pro, t.Address+uintptr(pro.size))
	copy(alloc.View(block, uintptr(len(code))), code)
	if err = p.writer.WriteCode(t.Address, entryJump(t.Address, block, pro.size)); err != nil {
		p.metrics.Failures.WithLabelValues("write").Inc()
		return nil, err
	}
	return &PatchData{
		Target:      t,
		Name:        t.Name,
		Address:     t.Address,
		TargetOwner: t.Binary,
		Hook:        hook,
		Original:    original[:pro.size],
		Trampoline:  block,
		Size:        len(code),
	}, nil
}

func (p *Patcher) remove(d *PatchData) error {
	if err := p.writer.WriteCode(d.Address, d.Original); err != nil {
		return errors.Wrapf(err, "unpatch %s", d)
	}
	p.pool.Free(d.Trampoline)
	delete(p.byAddr, d.Address)
	if rest := slices.DeleteFunc(p.byName[d.Name], func(x *PatchData) bool { return x == d }); len(rest) > 0 {
		p.byName[d.Name] = rest
	} else {
		delete(p.byName, d.Name)
	}
	p.metrics.Active.Set(float64(len(p.byAddr)))
	p.metrics.Unpatches.Inc()
	level.Debug(p.logger).Log("msg", "unpatched", "target", d.Name, "addr", fmt.Sprintf("%#x", d.Address))
	return nil
}

// UnpatchByBinary removes every hook whose target or hook lives in b.
func (p *Patcher) UnpatchByBinary(b symtab.Container) int {
	n := 0
	for _, d := range p.sorted() {
		if !d.owned(b) {
			continue
		}
		if err := p.remove(d); err != nil {
			level.Warn(p.logger).Log("msg", "unpatch", "err", err)
			continue
		}
		n++
	}
	return n
}

// UnpatchByName removes the latest hook of a function called name.
func (p *Patcher) UnpatchByName(name string) bool {
	d := p.FindByName(name)
	return d != nil && p.unpatch(d)
}

// UnpatchByAddress removes the hook of the function at addr.
func (p *Patcher) UnpatchByAddress(addr uintptr) bool {
	d := p.byAddr[addr]
	return d != nil && p.unpatch(d)
}

func (p *Patcher) unpatch(d *PatchData) bool {
	if err := p.remove(d); err != nil {
		level.Warn(p.logger).Log("msg", "unpatch", "err", err)
		return false
	}
	return true
}

// UnpatchAll removes every hook and returns how many were removed.
func (p *Patcher) UnpatchAll() int {
	n := 0
	for _, d := range p.sorted() {
		if p.unpatch(d) {
			n++
		}
	}
	return n
}

// FindByName returns the latest hook of a function called name.
func (p *Patcher) FindByName(name string) *PatchData {
	if ds := p.byName[name]; len(ds) > 0 {
		return ds[len(ds)-1]
	}
	return nil
}

// FindByAddress returns the hook of the function at addr.
func (p *Patcher) FindByAddress(addr uintptr) *PatchData { return p.byAddr[addr] }

// Len is the number of active hooks.
func (p *Patcher) Len() int { return len(p.byAddr) }

// Each calls f for every hook in target address order.
func (p *Patcher) Each(f func(*PatchData)) {
	for _, d := range p.sorted() {
		f(d)
	}
}

func (p *Patcher) sorted() []*PatchData {
	keys := lo.Keys(p.byAddr)
	slices.Sort(keys)
	return lo.Map(keys, func(k uintptr, _ int) *PatchData { return p.byAddr[k] })
}

// InUse names the hooks whose target or hook is owned by c.
func (p *Patcher) InUse(c symtab.Container) []string {
	var names []string
	for _, d := range p.sorted() {
		if d.owned(c) {
			names = append(names, d.Name)
		}
	}
	return names
}

// Unpatched returns the address running the original code of target: its trampoline while
// patched, target itself otherwise.
func (p *Patcher) Unpatched(target uintptr) uintptr {
	if d := p.byAddr[target]; d != nil {
		return d.Unpatched()
	}
	return target
}

// Close removes every hook and unmaps the trampoline pages. Blocks of hooks that could not be
// removed stay mapped.
func (p *Patcher) Close() error {
	if p.closed {
		return nil
	}
	p.UnpatchAll()
	var err error
	if len(p.byAddr) > 0 {
		err = errors.Errorf("%d hooks could not be removed", len(p.byAddr))
	} else {
		err = p.pool.Close()
	}
	p.closed = true
	return err
}
