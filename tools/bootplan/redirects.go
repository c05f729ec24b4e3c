package main

import (
	"bufio"
	"context"
	"debug/elf"
	"encoding/binary"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/subcommands"
)

// redirectsSection holds the (source, destination) address pairs that the
// boot image patches at startup so that runtime functions such as
// runtime.gopanic jump to their replacements.
const redirectsSection = ".goredirectstbl"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// Redirects implements subcommands.Command for the "redirects" command.
type Redirects struct {
	output
	root string
}

// Name implements subcommands.Command.
func (*Redirects) Name() string { return "redirects" }

// Synopsis implements subcommands.Command.
func (*Redirects) Synopsis() string {
	return "counts go:redirect-from directives or writes the redirect table of a boot image"
}

// Usage implements subcommands.Command.
func (*Redirects) Usage() string {
	return `redirects [flags] count
redirects [flags] populate-table <image>
`
}

// SetFlags implements subcommands.Command.
func (r *Redirects) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.root, "root", ".", "module root containing go.mod.")
}

// Execute implements subcommands.Command.
func (r *Redirects) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	_, log := commandArgs(args)

	var imgFile string
	switch {
	case f.NArg() == 1 && f.Arg(0) == "count":
	case f.NArg() == 2 && f.Arg(0) == "populate-table":
		imgFile = f.Arg(1)
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, err := findRedirects(r.root)
	if err != nil {
		log.WithError(err).Error("collecting redirects")
		return subcommands.ExitFailure
	}

	if imgFile == "" {
		fmt.Fprintf(r.writer(), "%d\n", len(redirects))
		return subcommands.ExitSuccess
	}

	if err = resolveRedirectSymbols(redirects, imgFile); err != nil {
		log.WithError(err).Error("resolving redirect symbols")
		return subcommands.ExitFailure
	}
	if err = writeRedirectTable(redirects, imgFile); err != nil {
		log.WithError(err).Error("writing redirect table")
		return subcommands.ExitFailure
	}

	log.WithField("count", len(redirects)).Infof("populated %s in %s", redirectsSection, imgFile)
	return subcommands.ExitSuccess
}

// modulePath returns the module path declared in root/go.mod.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		if fields := strings.Fields(s.Text()); len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s: missing module directive", f.Name())
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); path != root && (name == "tools" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects scans the packages below root for functions annotated with
// go:redirect-from and returns the symbol pairs to patch.
func findRedirects(root string) ([]*redirect, error) {
	prefix, err := modulePath(root)
	if err != nil {
		return nil, err
	}

	goFiles, err := collectGoFiles(root)
	if err != nil {
		return nil, err
	}

	var redirects []*redirect
	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", goFile, err)
		}

		rel, err := filepath.Rel(root, filepath.Dir(goFile))
		if err != nil {
			return nil, err
		}
		pkgPath := prefix
		if rel != "." {
			pkgPath += "/" + filepath.ToSlash(rel)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.Contains(comment.Text, "go:redirect-from") {
					continue
				}

				fqName := pkgPath + "." + fnDecl.Name.Name
				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func resolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("%s: could not locate address of %q", imgFile, redirect.dst)
		}
	}

	return nil
}

func writeRedirectTable(redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	section := img.Section(redirectsSection)
	img.Close()
	if section == nil {
		return fmt.Errorf("%s: missing %s section", imgFile, redirectsSection)
	}
	if need := uint64(len(redirects) * 16); need > section.Size {
		return fmt.Errorf("%s: %s section holds %d bytes; %d redirects need %d", imgFile, redirectsSection, section.Size, len(redirects), need)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(section.Offset), io.SeekStart); err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, redirect := range redirects {
		binary.Write(w, binary.LittleEndian, redirect.srcVMA)
		binary.Write(w, binary.LittleEndian, redirect.dstVMA)
	}
	return w.Flush()
}
