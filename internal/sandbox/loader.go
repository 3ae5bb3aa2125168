package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Guest is a provider module instance. Outputs are JSON.
type Guest interface {
	Describe(ctx context.Context) ([]byte, error)
	ValidateConfig(ctx context.Context, config []byte) ([]byte, error)
	Healthcheck(ctx context.Context) ([]byte, error)
	Invoke(ctx context.Context, op Op, input []byte, imports Imports) ([]byte, error)
	Close(ctx context.Context) error
}

// Factory creates a fresh guest.
type Factory func() Guest

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// SearchPaths are directories probed for WebAssembly images by name.
	SearchPaths []string
	// Prepare runs once per process before the first module is loaded.
	Prepare func(ctx context.Context) error
	Logger  *slog.Logger
}

// Loader resolves locators to modules and instantiates them.
type Loader struct {
	paths   []string
	prepare func(ctx context.Context) error
	logger  *slog.Logger

	mu      sync.Mutex
	natives map[string]Factory
	runtime *wasmRuntime
	images  map[string]wazero.CompiledModule
}

// NewLoader creates a loader with no registered guests.
func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		paths:   cfg.SearchPaths,
		prepare: cfg.Prepare,
		logger:  logger,
		natives: make(map[string]Factory),
		images:  make(map[string]wazero.CompiledModule),
	}
}

// Register makes a native guest available under name.
func (l *Loader) Register(name string, factory Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.natives[name] = factory
}

// Names returns the registered native guest names.
func (l *Loader) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.natives))
	for name := range l.natives {
		names = append(names, name)
	}
	return names
}

// Instantiate resolves locator and returns a fresh, described module. The
// locator is a registered name, a path to a .wasm file, or a name found on
// the search paths.
func (l *Loader) Instantiate(ctx context.Context, locator string) (*Handle, error) {
	if err := Setup(ctx, l.prepare); err != nil {
		return nil, &Fault{Locator: locator, Err: err}
	}

	guest, err := l.resolve(ctx, locator)
	if err != nil {
		return nil, err
	}

	h := &Handle{locator: locator, guest: guest, logger: l.logger}
	if err := h.describe(ctx); err != nil {
		_ = guest.Close(ctx)
		return nil, err
	}

	l.logger.DebugContext(ctx, "module instantiated",
		"locator", locator, "provider_type", h.manifest.ProviderType)
	return h, nil
}

func (l *Loader) resolve(ctx context.Context, locator string) (Guest, error) {
	l.mu.Lock()
	factory, ok := l.natives[locator]
	l.mu.Unlock()
	if ok {
		return factory(), nil
	}

	if strings.HasSuffix(locator, ".wasm") {
		return l.loadImage(ctx, locator, locator)
	}

	for _, path := range l.candidates(locator) {
		if _, err := os.Stat(path); err == nil {
			return l.loadImage(ctx, locator, path)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
}

func (l *Loader) candidates(name string) []string {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil
	}
	var out []string
	for _, dir := range l.paths {
		out = append(out,
			filepath.Join(dir, name+".wasm"),
			filepath.Join(dir, "messaging-provider-"+name+".wasm"),
			filepath.Join(dir, "messaging-provider-"+name, "component.wasm"),
		)
	}
	return out
}

// loadImage compiles path once per loader and returns a guest over it.
func (l *Loader) loadImage(ctx context.Context, locator, path string) (Guest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &Fault{Locator: locator, Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runtime == nil {
		rt, err := newWasmRuntime(ctx)
		if err != nil {
			return nil, &Fault{Locator: locator, Err: err}
		}
		l.runtime = rt
	}

	compiled, ok := l.images[abs]
	if !ok {
		bin, err := os.ReadFile(abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &Fault{Locator: locator, Err: fmt.Errorf("%w: %s", ErrNotFound, path)}
			}
			return nil, &Fault{Locator: locator, Err: err}
		}
		compiled, err = l.runtime.compile(ctx, bin)
		if err != nil {
			return nil, &Fault{Locator: locator, Err: fmt.Errorf("compile %s: %w", path, err)}
		}
		l.images[abs] = compiled
	}

	return &wasmGuest{rt: l.runtime, compiled: compiled, locator: locator, logger: l.logger}, nil
}

// Close releases compiled images and the WebAssembly runtime.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.images = make(map[string]wazero.CompiledModule)
	if l.runtime == nil {
		return nil
	}
	err := l.runtime.close(ctx)
	l.runtime = nil
	return err
}
