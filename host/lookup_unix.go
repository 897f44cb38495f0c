//go:build linux || darwin

package host

import "github.com/ebitengine/purego"

func defaultLookup(name string) uintptr {
	addr, err := purego.Dlsym(purego.RTLD_DEFAULT, name)
	if err != nil {
		return 0
	}
	return addr
}
