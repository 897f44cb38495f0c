package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ZenLiuCN/dynpatch"
	"github.com/ZenLiuCN/dynpatch/bin"
	"github.com/ZenLiuCN/dynpatch/errs"
	"github.com/ZenLiuCN/dynpatch/host"
	"github.com/ZenLiuCN/dynpatch/symtab"
	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/grafana/regexp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Usage = "runtime linker inspector"
	app.Name = "dynpatch"
	app.Description = "inspects binaries loadable at runtime and links them against the running host"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "inspect",
			Action: inspect,
			Usage:  "display kind, symbols and sections of binaries",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump sections in full"},
			},
			Args: true,
		},
		{
			Name:   "imports",
			Action: imports,
			Usage:  "display imports of go objfile or go archive file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path or default main"},
			},
			Args: true,
		},
		{
			Name:   "linker",
			Action: linkers,
			Usage:  "display imports of serialized linker file",
			Args:   true,
		},
		{
			Name:   "host",
			Action: hostSymbols,
			Usage:  "display symbols of this executable",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "filter", Aliases: []string{"f"}, Usage: "regular expression on symbol names"},
			},
		},
		{
			Name:   "link",
			Action: link,
			Usage:  "load binaries into this process and report what stays unresolved",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path of go objects"},
				&cli.StringFlag{Name: "serialize", Aliases: []string{"s"}, Usage: "write the linker of the go object to this file"},
			},
			Args: true,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func open(env *bin.Env, path string) (bin.Binary, error) {
	data, err := env.FS.ReadFile(path)
	if err != nil {
		return nil, err
	}
	k, err := bin.Detect(path, data)
	if err != nil {
		return nil, err
	}
	b, err := bin.New(k, env)
	if err != nil {
		return nil, err
	}
	return b, b.LoadFile(path)
}

func inspect(ctx *cli.Context) (err error) {
	env := bin.NewEnv()
	sp := spew.NewDefaultConfig()
	sp.MaxDepth = 3
	for _, s := range ctx.Args().Slice() {
		var b bin.Binary
		if b, err = open(env, s); err != nil {
			return
		}
		fmt.Printf("%s: %s, %d symbols\n", b.Path(), b.Kind(), b.Symbols().Len())
		b.Symbols().Each(func(sym *symtab.Symbol) {
			fmt.Printf("\t%s %#x %d %s\n", sym.Flags, sym.Address, sym.Size, sym.Name)
		})
		switch v := b.(type) {
		case *bin.Object:
			sections(sp, ctx.Bool("dump"), v)
		case *bin.Library:
			for i := 0; i < v.NumObjects(); i++ {
				fmt.Printf("member %s\n", v.Object(i).Name())
				sections(sp, ctx.Bool("dump"), v.Object(i))
			}
		}
		fn.Panic(b.Unload())
	}
	return
}

func sections(sp *spew.ConfigState, dump bool, o *bin.Object) {
	if dump {
		sp.Dump(o.Sections())
		return
	}
	for _, s := range o.Sections() {
		fmt.Printf("\t%-24s %6d bytes %3d relocations\n", s.Name, s.Size, s.Relocs)
	}
}

func imports(ctx *cli.Context) (err error) {
	for _, s := range ctx.Args().Slice() {
		var v *bin.GoImports
		if v, err = bin.ReadGoImports(s, ctx.String("pkg")); err != nil {
			return
		}
		log.Printf("%s (%s)\n%s", v.File, v.PkgPath, v.String())
	}
	return
}

func linkers(ctx *cli.Context) (err error) {
	env := bin.NewEnv()
	for _, s := range ctx.Args().Slice() {
		var f *os.File
		if f, err = os.Open(s); err != nil {
			return
		}
		g := bin.NewGoObject(env, "")
		err = g.LoadSerialized(s, f, fn.Panic1(f.Stat()).ModTime())
		fn.IgnoreClose(f)
		if err != nil {
			return
		}
		for _, v := range g.Imports() {
			log.Printf("%s (%s)\n%s", v.File, v.PkgPath, v.String())
		}
		fn.Panic(g.Unload())
	}
	return
}

func hostSymbols(ctx *cli.Context) error {
	var re *regexp.Regexp
	if f := ctx.String("filter"); f != "" {
		var err error
		if re, err = regexp.Compile(f); err != nil {
			return err
		}
	}
	h, err := host.Load(symtab.NewAllocator())
	if err != nil {
		return err
	}
	h.Each(func(s *symtab.Symbol) {
		if re == nil || re.MatchString(s.Name) {
			fmt.Printf("%s %#x %d %s\n", s.Flags, s.Address, s.Size, h.Describe(s.Address))
		}
	})
	return nil
}

func link(ctx *cli.Context) (err error) {
	x, err := dynpatch.New(dynpatch.WithDebug(ctx.Bool("debug")))
	if err != nil {
		return err
	}
	defer func() {
		if e := x.Close(); e != nil && err == nil {
			err = e
		}
	}()
	var last *bin.GoObject
	for _, s := range ctx.Args().Slice() {
		if pkg := ctx.String("pkg"); pkg != "" {
			last, err = x.LoadGoObject(s, pkg)
		} else {
			_, err = x.Load(s)
		}
		if err != nil && !errs.IsUnresolved(err) {
			return err
		}
	}
	if err = x.Link(); err != nil {
		log.Printf("unresolved:\n%v", err)
	}
	x.Loader().Each(func(b bin.Binary) {
		log.Printf("%s %s linked=%t symbols=%d", b.Kind(), b.Path(), !b.NeedsLink(), b.Symbols().Len())
	})
	if out := ctx.String("serialize"); out != "" && last != nil {
		var f *os.File
		if f, err = os.Create(out); err != nil {
			return err
		}
		defer fn.IgnoreClose(f)
		return last.Serialize(f)
	}
	return nil
}
