package coordinator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/module"
)

const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Coordinator owns the module catalog and every per-user module instance. It
// is the single writer of load state; everything else observes it through the
// bus or the read accessors.
type Coordinator struct {
	bus    *bus.Bus
	log    *slog.Logger
	groups map[string][]string

	mu        sync.RWMutex
	catalog   map[string]*module.Definition
	sessions  map[string]map[string]struct{}
	instances map[string]loadedModule
	inflight  map[string]*inflightLoad
}

// loadedModule pins the definition an instance was created with so unload
// always runs the matching cleanup, even across reloads.
type loadedModule struct {
	instance module.Instance
	def      *module.Definition
}

// inflightLoad tracks one in-progress load of a module/user pair. Concurrent
// requests for the same pair wait on done and share err.
type inflightLoad struct {
	done chan struct{}
	err  error
}

// Options configures a Coordinator.
type Options struct {
	// Bus carries lifecycle notifications and inbound requests. Required.
	Bus *bus.Bus
	// Groups maps group names to member module names. Read-only after New.
	Groups map[string][]string
	Logger *slog.Logger
}

// New builds a Coordinator with an empty catalog.
func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	groups := make(map[string][]string, len(opts.Groups))
	for name, members := range opts.Groups {
		groups[name] = append([]string(nil), members...)
	}

	return &Coordinator{
		bus:       opts.Bus,
		log:       log.With("component", "coordinator"),
		groups:    groups,
		catalog:   make(map[string]*module.Definition),
		sessions:  make(map[string]map[string]struct{}),
		instances: make(map[string]loadedModule),
		inflight:  make(map[string]*inflightLoad),
	}
}

// RegisterModule adds a validated definition to the catalog and announces it
// on module-registered. Registering a name twice is an error; so is a
// definition whose dependencies lead back to itself through the catalog.
func (c *Coordinator) RegisterModule(def *module.Definition) error {
	if err := module.Validate(def); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.catalog[def.Name]; exists {
		c.mu.Unlock()
		return NewError(ErrorAlreadyRegistered, def.Name)
	}
	if chain := c.dependencyCycleLocked(def); chain != nil {
		c.mu.Unlock()
		return NewError(ErrorCircularDependency, chainString(chain))
	}
	c.catalog[def.Name] = def
	c.mu.Unlock()

	c.log.Info("Module registered", "module", def.Name, "version", def.Version, "dependencies", len(def.Dependencies))
	c.bus.Publish(bus.ChannelModuleRegistered, bus.ModuleEvent{
		ModuleName: def.Name,
		Version:    def.Version,
		Timestamp:  time.Now().UTC(),
	})

	return nil
}

// ReplaceModule swaps the catalog entry for an already registered name.
// Instances loaded from the previous definition keep running and are cleaned
// up with the definition that created them; only future loads see the
// replacement.
func (c *Coordinator) ReplaceModule(def *module.Definition) error {
	if err := module.Validate(def); err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.catalog[def.Name]; !exists {
		c.mu.Unlock()
		return NewError(ErrorNotRegistered, def.Name)
	}
	if chain := c.dependencyCycleLocked(def); chain != nil {
		c.mu.Unlock()
		return NewError(ErrorCircularDependency, chainString(chain))
	}
	c.catalog[def.Name] = def
	c.mu.Unlock()

	c.log.Info("Module definition replaced", "module", def.Name, "version", def.Version)
	return nil
}

// dependencyCycleLocked reports the dependency chain that would lead back to
// def if it joined the catalog, or nil when no such chain exists. Every prior
// registration passed this check, so only cycles through def are possible.
func (c *Coordinator) dependencyCycleLocked(def *module.Definition) []string {
	visited := make(map[string]struct{})

	var walk func(name string, chain []string) []string
	walk = func(name string, chain []string) []string {
		if name == def.Name {
			return append(chain, name)
		}
		if _, seen := visited[name]; seen {
			return nil
		}
		visited[name] = struct{}{}

		next, registered := c.catalog[name]
		if !registered {
			return nil
		}
		for _, dep := range next.Dependencies {
			if cycle := walk(dep, append(chain, name)); cycle != nil {
				return cycle
			}
		}

		return nil
	}

	for _, dep := range def.Dependencies {
		if cycle := walk(dep, []string{def.Name}); cycle != nil {
			return cycle
		}
	}

	return nil
}

// Definition returns the registered definition for name.
func (c *Coordinator) Definition(name string) (*module.Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.catalog[name]
	return def, ok
}

// Registered reports whether name is in the catalog.
func (c *Coordinator) Registered(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.catalog[name]
	return ok
}

// RegisteredModules returns the sorted names of every registered module.
func (c *Coordinator) RegisteredModules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.catalog))
	for name := range c.catalog {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// PublicAPI returns a copy of the registered module's public API table, so
// callers can hold it without exposing catalog internals to mutation.
func (c *Coordinator) PublicAPI(name string) (module.API, error) {
	c.mu.RLock()
	def, ok := c.catalog[name]
	c.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrorNotRegistered, name)
	}

	api := make(module.API, len(def.PublicAPI))
	for method, fn := range def.PublicAPI {
		api[method] = fn
	}

	return api, nil
}

// CallModuleAPI resolves and invokes one public API method of a registered
// module.
func (c *Coordinator) CallModuleAPI(ctx context.Context, name string, method string, params any) (any, error) {
	c.mu.RLock()
	def, ok := c.catalog[name]
	c.mu.RUnlock()
	if !ok {
		return nil, NewError(ErrorNotRegistered, name)
	}

	fn, ok := def.PublicAPI[method]
	if !ok {
		return nil, NewError(ErrorActionNotFound, name+"."+method)
	}

	return fn(ctx, params)
}

// Resolver returns an APIResolver backed by the live catalog. Modules use it
// to call across module boundaries without holding a coordinator reference.
func (c *Coordinator) Resolver() module.APIResolver {
	return func(moduleName string) module.API {
		api, err := c.PublicAPI(moduleName)
		if err != nil {
			return nil
		}
		return api
	}
}

// Instance returns the live instance for a module/user pair.
func (c *Coordinator) Instance(name string, userID string) (module.Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.instances[module.InstanceKey(name, userID)]
	if !ok {
		return nil, false
	}

	return entry.instance, true
}

// IsLoaded reports whether the module is currently loaded for the user.
func (c *Coordinator) IsLoaded(name string, userID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.instances[module.InstanceKey(name, userID)]
	return ok
}

// UserModules returns the sorted module names loaded for userID.
func (c *Coordinator) UserModules(userID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	session := c.sessions[userID]
	names := make([]string, 0, len(session))
	for name := range session {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ActiveUsers returns the sorted IDs of users holding at least one loaded
// module.
func (c *Coordinator) ActiveUsers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]string, 0, len(c.sessions))
	for userID := range c.sessions {
		users = append(users, userID)
	}
	sort.Strings(users)

	return users
}

// Groups returns a copy of the configured module groups.
func (c *Coordinator) Groups() map[string][]string {
	groups := make(map[string][]string, len(c.groups))
	for name, members := range c.groups {
		groups[name] = append([]string(nil), members...)
	}

	return groups
}

// GroupModules returns a copy of the member list of one group.
func (c *Coordinator) GroupModules(groupName string) ([]string, error) {
	members, ok := c.groups[groupName]
	if !ok {
		return nil, NewError(ErrorUnknownGroup, groupName)
	}

	return append([]string(nil), members...), nil
}

// ModuleStatus describes one registered module and who has it loaded.
type ModuleStatus struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies"`
	Status       string   `json:"status"`
	LoadedUsers  []string `json:"loaded_users"`
}

// SystemStatus is a point-in-time snapshot of the coordination layer.
type SystemStatus struct {
	RegisteredModules int                     `json:"registered_modules"`
	LoadedInstances   int                     `json:"loaded_instances"`
	ActiveUsers       int                     `json:"active_users"`
	Groups            map[string][]string     `json:"groups"`
	Modules           map[string]ModuleStatus `json:"modules"`
	GeneratedAt       time.Time               `json:"generated_at"`
}

// Status snapshots the catalog and every session under one lock acquisition.
func (c *Coordinator) Status() SystemStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	modules := make(map[string]ModuleStatus, len(c.catalog))
	for name, def := range c.catalog {
		users := make([]string, 0)
		for userID, session := range c.sessions {
			if _, ok := session[name]; ok {
				users = append(users, userID)
			}
		}
		sort.Strings(users)

		status := StatusInactive
		if len(users) > 0 {
			status = StatusActive
		}

		modules[name] = ModuleStatus{
			Name:         name,
			Description:  def.Description,
			Version:      def.Version,
			Dependencies: append([]string(nil), def.Dependencies...),
			Status:       status,
			LoadedUsers:  users,
		}
	}

	return SystemStatus{
		RegisteredModules: len(c.catalog),
		LoadedInstances:   len(c.instances),
		ActiveUsers:       len(c.sessions),
		Groups:            c.Groups(),
		Modules:           modules,
		GeneratedAt:       time.Now().UTC(),
	}
}

// Restart tears down every user session and forgets in-flight loads while
// keeping the registered catalog intact. Loads that were running when the
// reset happened detect the stale bookkeeping on completion and clean
// themselves up.
func (c *Coordinator) Restart(ctx context.Context) {
	for _, userID := range c.ActiveUsers() {
		c.CleanupUserSession(ctx, userID)
	}

	c.mu.Lock()
	c.sessions = make(map[string]map[string]struct{})
	c.instances = make(map[string]loadedModule)
	c.inflight = make(map[string]*inflightLoad)
	registered := len(c.catalog)
	c.mu.Unlock()

	c.log.Info("Coordinator state reset", "registered_modules", registered)
}
