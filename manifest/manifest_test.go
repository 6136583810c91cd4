package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/krait-lang/krait/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "krait.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"

[vm]
recursion-limit = 256

[gc]
threshold = 4096
disabled = true

[cache]
enabled = true
path = "build/code.db"

[log]
verbosity = 2
trace = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.VM.RecursionLimit != 256 {
		t.Errorf("recursion limit = %d, want 256", m.VM.RecursionLimit)
	}
	if m.GC.Threshold != 4096 {
		t.Errorf("gc threshold = %d, want 4096", m.GC.Threshold)
	}
	if !m.GC.Disabled {
		t.Error("gc disabled = false, want true")
	}
	if !m.Cache.Enabled {
		t.Error("cache enabled = false, want true")
	}
	if m.Cache.Path != "build/code.db" {
		t.Errorf("cache path = %q, want build/code.db", m.Cache.Path)
	}
	if m.Log.Verbosity != 2 {
		t.Errorf("log verbosity = %d, want 2", m.Log.Verbosity)
	}
	if !m.Log.Trace {
		t.Error("log trace = false, want true")
	}
	if !filepath.IsAbs(m.Dir) {
		t.Errorf("Dir = %q, want an absolute path", m.Dir)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.VM.RecursionLimit != vm.DefaultRecursionLimit {
		t.Errorf("default recursion limit = %d, want %d", m.VM.RecursionLimit, vm.DefaultRecursionLimit)
	}
	if m.GC.Threshold != vm.DefaultGCThreshold {
		t.Errorf("default gc threshold = %d, want %d", m.GC.Threshold, vm.DefaultGCThreshold)
	}
	if m.GC.Disabled {
		t.Error("gc should be enabled by default")
	}
	if m.Cache.Enabled {
		t.Error("cache should be disabled by default")
	}
}

func TestLoadMissingManifest(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("Load of empty dir = %v, want a read error", err)
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `[project`)

	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Load of broken toml = %v, want a parse error", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeManifest(t, dir, `[project]
name = "found-project"
`)

	// Should find the manifest when starting from a deep subdirectory.
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no krait.toml exists")
	}
}

func TestApplyConfiguresVM(t *testing.T) {
	m := &Manifest{
		VM:  VMConfig{RecursionLimit: 8},
		GC:  GCConfig{Threshold: 16},
		Log: LogConfig{Trace: true},
	}

	machine := vm.NewVM()
	defer machine.Close()
	m.Apply(machine)

	if machine.RecursionLimit() != 8 {
		t.Errorf("recursion limit = %d, want 8", machine.RecursionLimit())
	}

	// Program: def f(): return f()
	//          f()
	fb := vm.NewCodeBuilder("f")
	fSelf := fb.AddName("f")
	fb.EmitU16(vm.OpLoadGlobal, uint16(fSelf))
	fb.EmitU8(vm.OpCall, 0)
	fb.Emit(vm.OpReturn)

	b := vm.NewCodeBuilder("main")
	child := b.AddChild(fb.Build())
	f := b.AddName("f")
	b.EmitMakeFunction(child, 0)
	b.EmitU16(vm.OpStoreGlobal, uint16(f))
	b.EmitU16(vm.OpLoadGlobal, uint16(f))
	b.EmitU8(vm.OpCall, 0)
	b.Emit(vm.OpReturn)

	_, err := machine.Run(b.Build())
	var u *vm.Unhandled
	if !errors.As(err, &u) {
		t.Fatalf("deep recursion returned %v, want an unhandled exception", err)
	}
	if !strings.Contains(u.Error(), "maximum call depth 8 exceeded") {
		t.Errorf("error = %q, want the configured depth", u.Error())
	}
	u.Release()

	// The tracer must not disturb evaluation.
	b2 := vm.NewCodeBuilder("calc")
	b2.EmitI8(vm.OpLoadInt8, 2)
	b2.EmitI8(vm.OpLoadInt8, 3)
	b2.EmitU8(vm.OpBinaryOp, uint8(vm.BinAdd))
	b2.Emit(vm.OpReturn)
	got, err := machine.Run(b2.Build())
	if err != nil {
		t.Fatalf("Run with tracer: %v", err)
	}
	if !got.IsSmallInt() || got.SmallInt() != 5 {
		t.Errorf("traced run returned %v, want 5", got)
	}
	if machine.Stats().Instructions == 0 {
		t.Error("instruction counter did not advance")
	}
}

func TestApplyDisablesGC(t *testing.T) {
	m := &Manifest{GC: GCConfig{Threshold: 1, Disabled: true}}

	machine := vm.NewVM()
	defer machine.Close()
	m.Apply(machine)

	// With collection off, allocation churn must still run clean.
	b := vm.NewCodeBuilder("churn")
	b.EmitU16(vm.OpMakeList, 0)
	b.Emit(vm.OpPop)
	b.EmitU16(vm.OpMakeList, 0)
	b.Emit(vm.OpPop)
	b.Emit(vm.OpLoadNone)
	b.Emit(vm.OpReturn)
	got, err := machine.Run(b.Build())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !got.IsNone() {
		t.Errorf("Run returned %v, want None", got)
	}
}

func TestCachePath(t *testing.T) {
	m := &Manifest{Dir: "/app"}
	if got := m.CachePath(); got != filepath.Join("/app", ".krait", "codecache.db") {
		t.Errorf("default cache path = %q", got)
	}

	m.Cache.Path = "build/code.db"
	if got := m.CachePath(); got != filepath.Join("/app", "build", "code.db") {
		t.Errorf("relative cache path = %q", got)
	}

	m.Cache.Path = "/var/cache/krait.db"
	if got := m.CachePath(); got != "/var/cache/krait.db" {
		t.Errorf("absolute cache path = %q", got)
	}
}
