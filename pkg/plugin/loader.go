package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"

	"github.com/merchkit/courier/pkg/log"
	"github.com/rs/zerolog"
)

const (
	// entrypointFile is the primary entrypoint inside a plugin directory
	entrypointFile = "plugin.so"
	// sharedObjectSuffix marks loadable plugin artifacts
	sharedObjectSuffix = ".so"
)

// Loader discovers plugin candidates on disk and loads their modules.
type Loader struct {
	mu          sync.Mutex
	directories []string
	logger      zerolog.Logger
}

// NewLoader creates a loader over the given search directories
func NewLoader(directories ...string) *Loader {
	l := &Loader{logger: log.WithComponent("plugin_loader")}
	l.SetDirectories(directories)
	return l
}

// SetDirectories replaces the search path list
func (l *Loader) SetDirectories(directories []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.directories = make([]string, 0, len(directories))
	for _, dir := range directories {
		l.directories = append(l.directories, filepath.Clean(dir))
	}
}

// Directories returns a copy of the search path list
func (l *Loader) Directories() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.directories...)
}

// Discover walks the search directories in order and returns the plugin
// candidates found, keyed by name. On duplicate names the first discovery
// wins and later ones are logged and skipped. Compile-time builtin
// plugins are merged in after the on-disk candidates under the same
// duplicate rule.
func (l *Loader) Discover() map[string]Descriptor {
	l.mu.Lock()
	directories := append([]string(nil), l.directories...)
	l.mu.Unlock()

	discovered := make(map[string]Descriptor)

	for _, baseDir := range directories {
		entries, err := os.ReadDir(baseDir)
		if err != nil {
			l.logger.Debug().Str("directory", baseDir).Err(err).Msg("Plugin directory not readable")
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, "__") || strings.HasPrefix(name, ".") {
				continue
			}

			descriptor, ok := l.buildDescriptor(baseDir, entry)
			if !ok {
				continue
			}

			if existing, dup := discovered[descriptor.Name]; dup {
				l.logger.Warn().
					Str("plugin", descriptor.Name).
					Str("kept", existing.Source()).
					Str("skipped", descriptor.Source()).
					Msg("Plugin name already discovered, skipping")
				continue
			}
			discovered[descriptor.Name] = descriptor
		}
	}

	builtinNames := make([]string, 0)
	for name := range builtinFactories() {
		builtinNames = append(builtinNames, name)
	}
	sort.Strings(builtinNames)
	for _, name := range builtinNames {
		descriptor := Descriptor{Name: name, BasePath: BuiltinBasePath, Entrypoint: BuiltinBasePath}
		if existing, dup := discovered[name]; dup {
			l.logger.Warn().
				Str("plugin", name).
				Str("kept", existing.Source()).
				Msg("Builtin plugin shadowed by on-disk plugin, skipping builtin")
			continue
		}
		discovered[name] = descriptor
	}

	return discovered
}

// buildDescriptor maps one directory entry to a plugin candidate. A
// subdirectory qualifies when it contains plugin.so or <dirname>.so; a
// top-level shared object qualifies on its own, its stem being the name.
func (l *Loader) buildDescriptor(baseDir string, entry os.DirEntry) (Descriptor, bool) {
	name := entry.Name()

	if entry.IsDir() {
		dirPath := filepath.Join(baseDir, name)
		for _, candidate := range []string{entrypointFile, name + sharedObjectSuffix} {
			entrypoint := filepath.Join(dirPath, candidate)
			if info, err := os.Stat(entrypoint); err == nil && !info.IsDir() {
				return Descriptor{Name: name, BasePath: dirPath, Entrypoint: entrypoint}, true
			}
		}
		return Descriptor{}, false
	}

	if strings.HasSuffix(name, sharedObjectSuffix) {
		return Descriptor{
			Name:       strings.TrimSuffix(name, sharedObjectSuffix),
			BasePath:   baseDir,
			Entrypoint: filepath.Join(baseDir, name),
		}, true
	}

	return Descriptor{}, false
}

// Module is an opaque handle over a loaded plugin module: either a
// dynamically opened shared object or a compile-time builtin factory.
type Module struct {
	key        string
	descriptor Descriptor
	shared     *goplugin.Plugin
	factory    Factory
}

// Key returns the synthesized process-wide module identity
func (m *Module) Key() string {
	return m.key
}

// moduleKey synthesizes the identity a plugin module is registered under
func moduleKey(name string) string {
	return "events_plugin_" + name
}

// The process-wide module table. Loading the same descriptor again
// returns the already registered module, so repeated loads are
// idempotent in identity; a changed descriptor replaces the entry.
var (
	modulesMu sync.Mutex
	modules   = make(map[string]*Module)
)

// Load resolves the module for the descriptor: builtins come from the
// compile-time registry, everything else is opened as a Go shared object.
// The module is registered in the process module table under
// "events_plugin_<name>".
func (l *Loader) Load(descriptor Descriptor) (*Module, error) {
	key := moduleKey(descriptor.Name)

	modulesMu.Lock()
	defer modulesMu.Unlock()

	if existing, ok := modules[key]; ok && existing.descriptor == descriptor {
		return existing, nil
	}

	module, err := openModule(key, descriptor)
	if err != nil {
		return nil, err
	}

	modules[key] = module
	l.logger.Debug().
		Str("plugin", descriptor.Name).
		Str("source", descriptor.Source()).
		Msg("Plugin module loaded")
	return module, nil
}

func openModule(key string, descriptor Descriptor) (module *Module, err error) {
	// A bad shared object must not take the process down with it
	defer func() {
		if r := recover(); r != nil {
			module = nil
			err = fmt.Errorf("plugin %q panicked while loading %s: %v", descriptor.Name, descriptor.Source(), r)
		}
	}()

	if descriptor.Builtin() {
		factories := builtinFactories()
		factory, ok := factories[descriptor.Name]
		if !ok {
			return nil, fmt.Errorf("builtin plugin %q is not registered", descriptor.Name)
		}
		return &Module{key: key, descriptor: descriptor, factory: factory}, nil
	}

	shared, err := goplugin.Open(descriptor.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("cannot load plugin %q from %s: %w", descriptor.Name, descriptor.Source(), err)
	}
	return &Module{key: key, descriptor: descriptor, shared: shared}, nil
}

// Instantiate produces the plugin instance from the module. Shared
// objects are probed for a factory function (GetPlugin, CreatePlugin,
// PluginFactory) and then for a plugin variable (Plugin, PLUGIN); the
// result must satisfy the Plugin capability.
func (m *Module) Instantiate() (instance Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("plugin %q panicked during instantiation: %v", m.descriptor.Name, r)
		}
	}()

	if m.factory != nil {
		instance := m.factory()
		if instance == nil {
			return nil, fmt.Errorf("builtin factory for plugin %q returned nil", m.descriptor.Name)
		}
		return instance, nil
	}

	for _, symbol := range []string{"GetPlugin", "CreatePlugin", "PluginFactory"} {
		sym, lookupErr := m.shared.Lookup(symbol)
		if lookupErr != nil {
			continue
		}
		factory, ok := sym.(func() Plugin)
		if !ok {
			return nil, fmt.Errorf("plugin %q: symbol %s is not a plugin factory", m.descriptor.Name, symbol)
		}
		instance := factory()
		if instance == nil {
			return nil, fmt.Errorf("plugin %q: factory %s returned nil", m.descriptor.Name, symbol)
		}
		return instance, nil
	}

	for _, symbol := range []string{"Plugin", "PLUGIN"} {
		sym, lookupErr := m.shared.Lookup(symbol)
		if lookupErr != nil {
			continue
		}
		// Lookup returns a pointer to package-level variables
		if ptr, ok := sym.(*Plugin); ok && *ptr != nil {
			return *ptr, nil
		}
		if instance, ok := sym.(Plugin); ok {
			return instance, nil
		}
		return nil, fmt.Errorf("plugin %q: symbol %s does not satisfy the plugin capability", m.descriptor.Name, symbol)
	}

	return nil, fmt.Errorf("plugin %q does not expose a recognised factory or plugin symbol", m.descriptor.Name)
}
