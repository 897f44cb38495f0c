package dynpatch

import (
	"fmt"
	"unsafe"

	"github.com/ZenLiuCN/dynpatch/bin"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// As converts the address of a Go function into a func value of type T.
// The function must follow the Go calling convention: take it from a Go object or the host.
func As[T any](addr uintptr) T {
	p := unsafe.Pointer(&addr)
	return *(*T)(unsafe.Pointer(&p))
}

// Lookup finds the newest Go function called name, links what it needs and converts it to T.
// The symbol is captured until Release.
func Lookup[T any](x *Context, name string) (t T, err error) {
	x.Lock()
	defer x.Unlock()
	s, err := x.loader.FindAndLinkSymbol(name)
	if err != nil {
		return t, err
	}
	if b, ok := s.Binary.(bin.Binary); ok && b.Kind() != bin.KindGoObject {
		x.loader.Release(name)
		return t, errors.Errorf("%s is not a Go function of %s", name, b.Path())
	}
	return As[T](s.Address), nil
}

// Release forgets the symbol captured by Lookup for name.
func (x *Context) Release(name string) bool {
	x.Lock()
	defer x.Unlock()
	return x.loader.Release(name)
}

// Use creates a function that looks up name and hands it to f. A panic raised by f or by the
// lookup is recovered and passed to f as the error of a second call.
func Use[T any](x *Context, name string) func(f func(t T, err error)) {
	return func(f func(t T, err error)) {
		defer func() {
			var err error
			switch r := recover().(type) {
			case nil:
				return
			case error:
				err = r
			default:
				err = fmt.Errorf("%v", r)
			}
			level.Debug(x.logger).Log("msg", "use", "symbol", name, "err", err)
			var zero T
			f(zero, err)
		}()
		t, err := Lookup[T](x, name)
		f(t, err)
	}
}
