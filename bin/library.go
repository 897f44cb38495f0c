package bin

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

type member struct {
	name  string
	data  []byte
	mtime time.Time
}

const arHeaderSize = 60

// parseArchive splits a System V ar archive. The GNU symbol index is skipped, GNU long names
// and BSD "#1/" names are decoded.
func parseArchive(path string, data []byte) ([]member, error) {
	if !bytes.HasPrefix(data, arMagic) {
		return nil, errs.Format(path, nil, "missing archive magic")
	}
	var (
		out   []member
		names []byte
	)
	for p := len(arMagic); p < len(data); {
		if data[p] == '\n' {
			p++
			continue
		}
		if p+arHeaderSize > len(data) {
			return nil, errs.Format(path, nil, "truncated member header at %d", p)
		}
		h := data[p : p+arHeaderSize]
		if string(h[58:60]) != "`\n" {
			return nil, errs.Format(path, nil, "bad member header at %d", p)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(string(h[48:58])), 10, 64)
		if err != nil || size < 0 {
			return nil, errs.Format(path, err, "member size at %d", p)
		}
		body := p + arHeaderSize
		end := body + int(size)
		if end > len(data) {
			return nil, errs.Format(path, nil, "truncated member at %d", p)
		}
		content := data[body:end]
		name := strings.TrimRight(string(h[0:16]), " ")
		var mtime time.Time
		if sec, err := strconv.ParseInt(strings.TrimSpace(string(h[16:28])), 10, 64); err == nil {
			mtime = time.Unix(sec, 0)
		}
		p = end + (end & 1)
		switch {
		case name == "/" || name == "/SYM64/" || name == "__.SYMDEF" || name == "__.SYMDEF SORTED":
			continue
		case name == "//":
			names = content
			continue
		case strings.HasPrefix(name, "#1/"):
			n, err := strconv.Atoi(name[3:])
			if err != nil || n > len(content) {
				return nil, errs.Format(path, err, "BSD member name %q", name)
			}
			name, content = strings.TrimRight(string(content[:n]), "\x00"), content[n:]
			if name == "__.SYMDEF" || name == "__.SYMDEF SORTED" {
				continue
			}
		case strings.HasPrefix(name, "/"):
			off, err := strconv.Atoi(name[1:])
			if err != nil || off >= len(names) {
				return nil, errs.Format(path, err, "long member name %q", name)
			}
			long := names[off:]
			if i := bytes.IndexByte(long, '\n'); i >= 0 {
				long = long[:i]
			}
			name = strings.TrimSuffix(string(long), "/")
		default:
			name = strings.TrimSuffix(name, "/")
		}
		out = append(out, member{name: name, data: content, mtime: mtime})
	}
	return out, nil
}

// Library is an archive of relocatable objects linked as one binary.
type Library struct {
	env     *Env
	path    string
	mtime   time.Time
	objects []*Object
	table   symtab.Table
}

// NewLibrary creates an empty library.
func NewLibrary(env *Env) *Library {
	return &Library{env: env}
}

func (l *Library) Path() string { return l.path }

func (l *Library) Kind() Kind { return KindLibrary }

func (l *Library) ModTime() time.Time { return l.mtime }

// Symbols is the merged table of every member.
func (l *Library) Symbols() *symtab.Table { return &l.table }

// Owns reports whether x is the library or one of its members.
func (l *Library) Owns(x symtab.Owner) bool {
	if x == l {
		return true
	}
	return lo.ContainsBy(l.objects, func(o *Object) bool { return o.Owns(x) })
}

// NumObjects is the number of member objects.
func (l *Library) NumObjects() int { return len(l.objects) }

// Object returns the i-th member.
func (l *Library) Object(i int) *Object { return l.objects[i] }

// FindObject returns the member with the exact logical name.
func (l *Library) FindObject(name string) *Object {
	o, _ := lo.Find(l.objects, func(o *Object) bool { return o.name == name })
	return o
}

func (l *Library) LoadFile(path string) error {
	data, err := l.env.FS.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return l.LoadMemory(path, data, statTime(l.env, path))
}

// LoadMemory parses the archive and loads every ELF member. Other members are skipped.
func (l *Library) LoadMemory(name string, data []byte, mtime time.Time) error {
	if l.objects != nil {
		return errors.Errorf("%s: already loaded", l.path)
	}
	l.path, l.mtime = name, mtime
	members, err := parseArchive(name, data)
	if err != nil {
		return err
	}
	for _, m := range members {
		if !bytes.HasPrefix(m.data, elfMagic) {
			level.Debug(l.env.Logger).Log("msg", "skip archive member", "path", name, "member", m.name)
			continue
		}
		o := NewObject(l.env)
		o.name = m.name
		if err = o.LoadMemory(name+"("+m.name+")", m.data, m.mtime); err != nil {
			_ = l.Unload()
			return err
		}
		l.objects = append(l.objects, o)
		l.table.Merge(o.Symbols())
	}
	if l.objects == nil {
		l.objects = []*Object{}
	}
	level.Debug(l.env.Logger).Log("msg", "library loaded", "path", name, "objects", len(l.objects), "symbols", l.table.Len())
	return nil
}

// Place places every member.
func (l *Library) Place() error {
	for _, o := range l.objects {
		if err := o.Place(); err != nil {
			return err
		}
	}
	return nil
}

// Link links members in order. Members resolve each other first, then through r.
func (l *Library) Link(r Resolver) error {
	if err := l.Place(); err != nil {
		return err
	}
	inner := ResolverFunc(func(name string, from Binary) (*symtab.Symbol, bool) {
		if s := l.table.FindByName(name); s != nil && s.Binary != from {
			return s, true
		}
		if r == nil {
			return nil, false
		}
		return r.Resolve(name, l)
	})
	var result *multierror.Error
	for _, o := range l.objects {
		if !o.NeedsLink() {
			continue
		}
		if err := o.Link(inner); err != nil {
			if !errs.IsUnresolved(err) {
				return err
			}
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (l *Library) NeedsLink() bool {
	return lo.ContainsBy(l.objects, func(o *Object) bool { return o.NeedsLink() })
}

// Invalidate flags every member for relinking.
func (l *Library) Invalidate() {
	for _, o := range l.objects {
		o.Invalidate()
	}
}

// DependsOn reports whether a member resolved a symbol into x. Dependencies between members
// do not count.
func (l *Library) DependsOn(x symtab.Owner) bool {
	if l.Owns(x) {
		return false
	}
	return lo.ContainsBy(l.objects, func(o *Object) bool { return o.DependsOn(x) })
}

// CallHandler calls the handler of every member that has one.
func (l *Library) CallHandler(e Event) error {
	var result *multierror.Error
	for _, o := range l.objects {
		if err := o.CallHandler(e); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Unload unloads every member.
func (l *Library) Unload() error {
	var result *multierror.Error
	for _, o := range l.objects {
		if err := o.Unload(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	l.objects = nil
	l.table.Clear()
	return result.ErrorOrNil()
}
