// Package manifest handles krait.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"

	"github.com/krait-lang/krait/vm"
)

// Manifest represents a krait.toml project configuration.
type Manifest struct {
	Project Project     `toml:"project"`
	VM      VMConfig    `toml:"vm"`
	GC      GCConfig    `toml:"gc"`
	Cache   CacheConfig `toml:"cache"`
	Log     LogConfig   `toml:"log"`

	// Dir is the directory containing the krait.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// VMConfig tunes the interpreter.
type VMConfig struct {
	RecursionLimit int `toml:"recursion-limit"`
}

// GCConfig tunes the cycle collector.
type GCConfig struct {
	Threshold int  `toml:"threshold"`
	Disabled  bool `toml:"disabled"`
}

// CacheConfig configures the on-disk code cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// LogConfig configures engine logging. Verbosity follows the backend's
// scale: 0 is quiet, higher values enable more detail. Trace attaches an
// instruction tracer to the VM.
type LogConfig struct {
	Verbosity int  `toml:"verbosity"`
	Trace     bool `toml:"trace"`
}

// Load parses a krait.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "krait.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.VM.RecursionLimit <= 0 {
		m.VM.RecursionLimit = vm.DefaultRecursionLimit
	}
	if m.GC.Threshold <= 0 {
		m.GC.Threshold = vm.DefaultGCThreshold
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a krait.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "krait.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Apply configures a VM from the manifest and initializes logging.
func (m *Manifest) Apply(machine *vm.VM) {
	commonlog.Configure(m.Log.Verbosity, nil)

	machine.SetRecursionLimit(m.VM.RecursionLimit)
	machine.SetGCThreshold(m.GC.Threshold)
	if m.GC.Disabled {
		machine.DisableGC()
	}
	if m.Log.Trace {
		machine.SetTracer(vm.NewLogTracer())
	}

	commonlog.NewInfoMessage(0, "Krait VM configured")
}

// CachePath returns the absolute path of the configured code cache.
func (m *Manifest) CachePath() string {
	p := m.Cache.Path
	if p == "" {
		p = filepath.Join(".krait", "codecache.db")
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(m.Dir, p)
	}
	return p
}
