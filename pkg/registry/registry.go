package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/coordinator"
	"binsys/pkg/module"
)

// Registry owns the explicit name -> factory table of the modules an
// application ships with. Factories run once during Initialize and their
// definitions land in the coordinator's catalog; there is no scanning or
// dynamic discovery.
type Registry struct {
	coord *coordinator.Coordinator
	bus   *bus.Bus
	log   *slog.Logger

	mu          sync.Mutex
	factories   map[string]module.Factory
	initialized bool
}

// ModuleInfo is the introspection view of one registered module.
type ModuleInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies"`
	APIMethods   []string `json:"api_methods"`
}

// Options configures a Registry.
type Options struct {
	// Coordinator receives the definitions the factories produce. Required.
	Coordinator *coordinator.Coordinator
	// Bus carries registry lifecycle notifications. Required.
	Bus    *bus.Bus
	Logger *slog.Logger
}

// New builds a Registry with an empty factory table.
func New(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		coord:     opts.Coordinator,
		bus:       opts.Bus,
		log:       log.With("component", "registry"),
		factories: make(map[string]module.Factory),
	}
}

// Add puts a factory into the table under name. Adding a name twice is an
// error; replacing a module goes through Reload instead.
func (r *Registry) Add(name string, factory module.Factory) error {
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return coordinator.NewError(coordinator.ErrorAlreadyRegistered, name)
	}
	r.factories[name] = factory

	return nil
}

// Initialize runs every factory concurrently and registers the definitions
// with the coordinator. Individual failures are logged and skipped so one
// broken module cannot take the rest down. Returns the sorted names that
// registered successfully; calling Initialize again is a warning no-op.
func (r *Registry) Initialize(ctx context.Context) []string {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		r.log.Warn("Registry already initialized, skipping")
		return nil
	}
	r.initialized = true

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	r.mu.Unlock()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = r.Register(ctx, name)
		}(i, name)
	}
	wg.Wait()

	registered := make([]string, 0, len(names))
	for i, name := range names {
		if results[i] != nil {
			r.log.Warn("Module registration failed", "module", name, "error", results[i])
			continue
		}
		registered = append(registered, name)
	}
	sort.Strings(registered)

	r.log.Info("Registry initialized", "discovered", len(names), "registered", len(registered))
	r.bus.Publish(bus.ChannelSystemEvent, bus.SystemEvent{
		Type: "registry-initialized",
		Data: map[string]any{
			"count":   len(registered),
			"modules": registered,
		},
		Timestamp: time.Now().UTC(),
	})

	return registered
}

// Register runs one factory and hands its definition to the coordinator.
func (r *Registry) Register(ctx context.Context, name string) error {
	def, err := r.build(ctx, name)
	if err != nil {
		return err
	}

	if err := r.coord.RegisterModule(def); err != nil {
		return fmt.Errorf("register module %q: %w", name, err)
	}

	return nil
}

// Reload re-runs the factory for name and atomically replaces its catalog
// entry. Running instances keep their current definition; only future loads
// see the replacement.
func (r *Registry) Reload(ctx context.Context, name string) error {
	def, err := r.build(ctx, name)
	if err != nil {
		return err
	}

	if err := r.coord.ReplaceModule(def); err != nil {
		return fmt.Errorf("reload module %q: %w", name, err)
	}

	r.log.Info("Module reloaded", "module", name, "version", def.Version)
	r.bus.Publish(bus.ChannelModuleReloaded, bus.ModuleEvent{
		ModuleName: name,
		Version:    def.Version,
		Timestamp:  time.Now().UTC(),
	})

	return nil
}

// build runs the factory for name and checks that the produced definition
// actually answers to that name.
func (r *Registry) build(ctx context.Context, name string) (*module.Definition, error) {
	r.mu.Lock()
	factory, ok := r.factories[name]
	r.mu.Unlock()
	if !ok {
		return nil, coordinator.NewError(coordinator.ErrorNotRegistered, name)
	}

	def, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("build module %q: %w", name, err)
	}
	if def == nil {
		return nil, fmt.Errorf("factory for %q produced no definition", name)
	}
	if def.Name != name {
		return nil, fmt.Errorf("factory for %q produced definition named %q", name, def.Name)
	}

	return def, nil
}

// Discovered returns the sorted names in the factory table.
func (r *Registry) Discovered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Available reports whether a factory exists for name.
func (r *Registry) Available(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.factories[name]
	return ok
}

// Info returns the introspection view of a registered module.
func (r *Registry) Info(name string) (ModuleInfo, error) {
	def, ok := r.coord.Definition(name)
	if !ok {
		return ModuleInfo{}, coordinator.NewError(coordinator.ErrorNotRegistered, name)
	}

	return ModuleInfo{
		Name:         def.Name,
		Description:  def.Description,
		Version:      def.Version,
		Dependencies: append([]string(nil), def.Dependencies...),
		APIMethods:   module.APIMethods(def.PublicAPI),
	}, nil
}

// Clear resets the registry to uninitialized so Initialize can run again.
// The factory table is configured input and survives; definitions already
// registered stay in the coordinator's catalog.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.initialized = false
}
