// Krait CLI - runs and inspects compiled krait code chunks.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/krait-lang/krait/lib/runtime"
	"github.com/krait-lang/krait/manifest"
	"github.com/krait-lang/krait/vm"
	"github.com/krait-lang/krait/vm/dist"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	dir := flag.String("C", ".", "Project directory (krait.toml lookup starts here)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: krait [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  exec <file.kc | @hash>   Run a code chunk (file or cache entry)\n")
		fmt.Fprintf(os.Stderr, "  disasm <file.kc>         Disassemble a code chunk\n")
		fmt.Fprintf(os.Stderr, "  hash <file.kc>           Print the content hash of a chunk\n")
		fmt.Fprintf(os.Stderr, "  cache <subcommand>       Manage the code cache\n")
		fmt.Fprintf(os.Stderr, "  version                  Print the supported code format version\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  krait exec build/main.kc      # Run a chunk file\n")
		fmt.Fprintf(os.Stderr, "  krait exec @3af2...           # Run a cached chunk by hash\n")
		fmt.Fprintf(os.Stderr, "  krait cache list              # Show cached code objects\n")
		fmt.Fprintf(os.Stderr, "  krait -C ./proj exec main.kc  # Use ./proj/krait.toml\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := manifest.FindAndLoad(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose && m != nil {
		fmt.Printf("Using manifest in %s\n", m.Dir)
	}

	switch args[0] {
	case "exec":
		handleExec(args[1:], m, *verbose)
	case "disasm":
		handleDisasm(args[1:])
	case "hash":
		handleHash(args[1:])
	case "cache":
		handleCacheCommand(args[1:], m, *verbose)
	case "version":
		fmt.Printf("krait code format v%d\n", vm.CodeVersion)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// loadChunk reads a chunk file and returns its verified code object.
func loadChunk(path string) (*vm.CodeObject, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	chunk, err := dist.UnmarshalChunk(data)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return dist.VerifyChunk(chunk)
}

// loadTarget resolves an exec argument: either a chunk file path or
// "@hash" naming a code cache entry.
func loadTarget(arg string, m *manifest.Manifest, verbose bool) (*vm.CodeObject, error) {
	if !strings.HasPrefix(arg, "@") {
		return loadChunk(arg)
	}

	h, err := parseHash(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return nil, err
	}
	cache, err := openCache(m, verbose)
	if err != nil {
		return nil, err
	}
	defer cache.Close()
	code, err := cache.Get(h)
	if errors.Is(err, runtime.ErrCodeNotFound) {
		return nil, fmt.Errorf("hash %x is not in the cache", h[:8])
	}
	return code, err
}

func handleExec(args []string, m *manifest.Manifest, verbose bool) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: krait exec <file.kc | @hash>")
		os.Exit(2)
	}

	code, err := loadTarget(args[0], m, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if verbose {
		h := vm.HashCode(code)
		fmt.Printf("Loaded %s (%x)\n", code.Name, h[:8])
	}

	machine := vm.NewVM()
	defer machine.Close()
	if m != nil {
		m.Apply(machine)
	}

	// Warm the project cache so the chunk can be re-run by hash later.
	if m != nil && m.Cache.Enabled && !strings.HasPrefix(args[0], "@") {
		if cache, err := openCache(m, verbose); err == nil {
			if h, err := cache.Put(code); err == nil && verbose {
				fmt.Printf("Cached as %x\n", h[:8])
			}
			cache.Close()
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Warning: cache unavailable: %v\n", err)
		}
	}

	result, err := machine.Run(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var u *vm.Unhandled
		if errors.As(err, &u) {
			u.Release()
		}
		os.Exit(1)
	}

	// A small-integer result becomes the exit code.
	if result.IsSmallInt() {
		os.Exit(int(result.SmallInt()))
	}
	if !result.IsNone() {
		if s, err := machine.Repr(result); err == nil {
			fmt.Println(s)
		}
	}
	machine.Release(result)
}

func handleDisasm(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: krait disasm <file.kc>")
		os.Exit(2)
	}
	code, err := loadChunk(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printDisassembly(code, "")
}

// printDisassembly renders a code object and all of its children.
func printDisassembly(code *vm.CodeObject, indent string) {
	h := vm.HashCode(code)
	fmt.Printf("%scode %s (params=%d, flags=%d, hash=%x)\n",
		indent, code.Name, code.ParamCount, code.Flags, h[:8])
	for _, line := range strings.Split(strings.TrimRight(code.Disassemble(), "\n"), "\n") {
		fmt.Printf("%s  %s\n", indent, line)
	}
	for _, child := range code.Children {
		printDisassembly(child, indent+"  ")
	}
}

func handleHash(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: krait hash <file.kc>")
		os.Exit(2)
	}
	code, err := loadChunk(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%x\n", vm.HashCode(code))
}
