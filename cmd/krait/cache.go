package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/krait-lang/krait/lib/runtime"
	"github.com/krait-lang/krait/manifest"
	"github.com/krait-lang/krait/vm/dist"
)

// handleCacheCommand processes the `krait cache` subcommand.
// Usage:
//
//	krait cache list                 Show cached code objects
//	krait cache add <file.kc>        Store a chunk file in the cache
//	krait cache export <hash> <out>  Write a cache entry to a chunk file
//	krait cache rm <hash>            Remove a cache entry
//	krait cache path                 Print the cache database path
func handleCacheCommand(args []string, m *manifest.Manifest, verbose bool) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: krait cache [list|add|export|rm|path] ...")
		fmt.Fprintln(os.Stderr, "  list                 Show cached code objects")
		fmt.Fprintln(os.Stderr, "  add <file.kc>        Store a chunk file in the cache")
		fmt.Fprintln(os.Stderr, "  export <hash> <out>  Write a cache entry to a chunk file")
		fmt.Fprintln(os.Stderr, "  rm <hash>            Remove a cache entry")
		fmt.Fprintln(os.Stderr, "  path                 Print the cache database path")
		os.Exit(2)
	}

	cache, err := openCache(m, verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	switch args[0] {
	case "list":
		handleCacheList(cache)
	case "add":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: krait cache add <file.kc>")
			os.Exit(2)
		}
		handleCacheAdd(cache, args[1])
	case "export":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: krait cache export <hash> <out.kc>")
			os.Exit(2)
		}
		handleCacheExport(cache, args[1], args[2])
	case "rm":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: krait cache rm <hash>")
			os.Exit(2)
		}
		handleCacheRemove(cache, args[1])
	case "path":
		fmt.Println(cache.Path())
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache subcommand: %s\n", args[0])
		os.Exit(2)
	}
}

// openCache opens the project cache when a manifest is present, falling
// back to the user-level default cache.
func openCache(m *manifest.Manifest, verbose bool) (*runtime.CodeCache, error) {
	if m == nil {
		return runtime.NewCodeCacheDefault()
	}
	path := m.CachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	if verbose {
		fmt.Printf("Cache: %s\n", path)
	}
	return runtime.NewCodeCache(path)
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	if len(s) != 64 {
		return h, fmt.Errorf("hash must be 64 hex characters, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash: %w", err)
	}
	copy(h[:], raw)
	return h, nil
}

func handleCacheList(cache *runtime.CodeCache) {
	entries, err := cache.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Printf("%x  %s\n", e.Hash, e.Name)
	}
	fmt.Printf("%d code objects\n", len(entries))
}

func handleCacheAdd(cache *runtime.CodeCache, path string) {
	code, err := loadChunk(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	h, err := cache.Put(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cached %s as %x\n", code.Name, h)
}

func handleCacheExport(cache *runtime.CodeCache, hashHex, outPath string) {
	h, err := parseHash(hashHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	code, err := cache.Get(h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	chunk, err := dist.CodeToChunk(code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	data, err := dist.MarshalChunk(chunk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s (%d bytes)\n", outPath, len(data))
}

func handleCacheRemove(cache *runtime.CodeCache, hashHex string) {
	h, err := parseHash(hashHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ok, err := cache.Has(h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "Hash %x is not in the cache\n", h[:8])
		os.Exit(1)
	}
	if err := cache.Delete(h); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Removed %x\n", h)
}
