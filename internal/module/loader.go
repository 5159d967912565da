// Package module implements the module loader (spec.md §4, "Module
// loader"): resolving a service-type name to a (create, init, release,
// signal) vtable. Grounded on handler/handlerDB.go's registration-table
// idiom (mutex-guarded map, reject on duplicate register), generalized from
// filesystem-path keys to module-name keys, and on spec.md's cpath search
// path using afero for the (optional) on-disk plugin resolver.
package module

import (
	"fmt"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/opencore-labs/skynet-go/domain"
	"github.com/opencore-labs/skynet-go/internal/errs"
)

// Resolver turns a module name into a domain.Module vtable when it isn't
// already registered in-process. The default PluginResolver searches cpath
// the way spec.md §6 describes ("module search path, default
// './cservice/?.so'"); tests typically don't need one since they register
// modules directly.
type Resolver interface {
	Resolve(name string) (domain.Module, error)
}

// Loader is the in-process registration table plus an optional on-disk
// Resolver fallback.
type Loader struct {
	mu       sync.RWMutex
	byName   map[string]domain.Module
	resolver Resolver
}

// New returns an empty Loader. Use SetResolver to enable cpath-based
// fallback resolution for names not registered in-process.
func New() *Loader {
	return &Loader{byName: make(map[string]domain.Module)}
}

// SetResolver installs the fallback resolver (e.g. a PluginResolver).
func (l *Loader) SetResolver(r Resolver) {
	l.mu.Lock()
	l.resolver = r
	l.mu.Unlock()
}

// Register adds a module vtable under its own Name(). It fails if a module
// of that name is already registered — the same "reject on duplicate"
// contract the handle registry's Name() uses.
func (l *Loader) Register(mod domain.Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byName[mod.Name()]; ok {
		return errs.New(errs.Module, "module %q already registered", mod.Name())
	}
	l.byName[mod.Name()] = mod
	return nil
}

// Resolve returns the vtable for name, consulting the in-process table
// first and falling back to the on-disk resolver (if any).
func (l *Loader) Resolve(name string) (domain.Module, error) {
	l.mu.RLock()
	mod, ok := l.byName[name]
	resolver := l.resolver
	l.mu.RUnlock()

	if ok {
		return mod, nil
	}
	if resolver == nil {
		return nil, errs.New(errs.Module, "module %q not found", name)
	}

	mod, err := resolver.Resolve(name)
	if err != nil {
		return nil, errs.New(errs.Module, "module %q: %v", name, err)
	}

	l.mu.Lock()
	l.byName[mod.Name()] = mod
	l.mu.Unlock()
	return mod, nil
}

// ParseLaunchArgs splits a LAUNCH command's argument string into the module
// name and its remaining init args, preserving the space-delimited
// "modname arg1 arg2..." convention service_snlua.c uses for a service's
// init args (first token is the module name) even though the Lua VM itself
// is out of scope here.
func ParseLaunchArgs(s string) (modname string, args string) {
	fields := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return fields[0], ""
	}
	return fields[0], strings.TrimLeft(fields[1], " ")
}

// PluginResolver resolves module names to Go plugins (.so files) found
// along cpath, a '?'-templated search path exactly as spec.md §6 specifies
// (default "./cservice/?.so"). Each plugin must export a
// `SkynetModule domain.Module` symbol. Go's plugin package is the
// stdlib-only piece of the loader: no third-party library in the corpus
// offers dlopen-style dynamic loading, so this is a deliberate,
// documented (see DESIGN.md) exception to "never fall back to stdlib".
type PluginResolver struct {
	fs    afero.Fs
	cpath string
}

// NewPluginResolver builds a resolver that searches cpath (a
// ';'-separated list of '?'-templated patterns, skynet-style) using fs —
// afero lets tests supply an in-memory filesystem instead of touching disk.
func NewPluginResolver(fs afero.Fs, cpath string) *PluginResolver {
	return &PluginResolver{fs: fs, cpath: cpath}
}

func (r *PluginResolver) Resolve(name string) (domain.Module, error) {
	for _, pattern := range strings.Split(r.cpath, ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		path := strings.ReplaceAll(pattern, "?", name)
		if ok, _ := afero.Exists(r.fs, path); !ok {
			continue
		}
		return loadPlugin(path)
	}
	return nil, fmt.Errorf("module %q not found on cpath %q", name, r.cpath)
}

func loadPlugin(path string) (domain.Module, error) {
	p, err := plugin.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup("SkynetModule")
	if err != nil {
		return nil, err
	}
	mod, ok := sym.(*domain.Module)
	if !ok || mod == nil {
		return nil, fmt.Errorf("plugin %s: SkynetModule symbol is not a domain.Module", path)
	}
	return *mod, nil
}
