/*
Package dynpatch loads relocatable code into a running process and redirects existing functions to it.

# Underwater

 1. Object files (.o), static archives (.a), shared modules (.so) and Go objects compiled with
    go tool compile are loaded and linked at runtime against each other and the host executable.
    In other words, this is a runtime linker.
 2. Object code is placed in executable mappings near the host's code, so rel32 references into
    the host resolve directly; far ones go through stubs and GOT slots.
 3. Functions of the host or of a loaded binary are hooked by overwriting their entry with a
    jump to a trampoline. The trampoline keeps the overwritten instructions, so the replacement
    can still call the original through [Context.Unpatched].

# Notes

 1. Only linux/amd64 can map and patch code. Other platforms load nothing and patch nothing.
 2. A [Context] serializes its calls. The loader and the patcher beneath it are not safe for
    concurrent use when driven directly.
 3. Patching writes the first byte of the entry jump last. A function executing inside its first
    instructions on another thread while it is patched may crash; pass a stop-the-world writer
    with [WithCodeWriter] when that can happen.
 4. A binary holding a patched target or an active hook cannot be unloaded by the loader until it
    is unpatched. [Context.Unload] and [Context.Reload] unpatch it first.
 5. For Go objects, only exported functions link and are safe to call through [As].

# Compile tool

The dynpatch command inspects binaries, the imports of Go objects and the host's symbols, and
links binaries once to report what stays unresolved:

	go install github.com/ZenLiuCN/dynpatch/cmd/dynpatch@latest
	dynpatch -h

# Samples

See the tests of this package and of the loader and patch packages.
*/
package dynpatch
