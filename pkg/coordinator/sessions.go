package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"binsys/pkg/bus"
	"binsys/pkg/module"
)

// LoadModuleForUser ensures one live instance of a module for a user, loading
// declared dependencies first. Loading an already loaded pair is a no-op, and
// concurrent loads of the same pair share a single initialization.
func (c *Coordinator) LoadModuleForUser(ctx context.Context, name string, userID string, priority module.Priority) error {
	if priority == "" {
		priority = module.PriorityNormal
	}

	return c.load(ctx, name, userID, priority, nil)
}

// load is the recursive core of module loading. chain holds the names already
// being loaded on this call path, outermost first, and trips the
// circular-dependency guard.
func (c *Coordinator) load(ctx context.Context, name string, userID string, priority module.Priority, chain []string) error {
	for _, ancestor := range chain {
		if ancestor != name {
			continue
		}
		err := NewError(ErrorCircularDependency, chainString(append(append([]string(nil), chain...), name)))
		c.publishLoadError(name, userID, err)
		return err
	}

	key := module.InstanceKey(name, userID)

	c.mu.Lock()
	if _, loaded := c.instances[key]; loaded {
		c.mu.Unlock()
		c.log.Debug("Module already loaded", "module", name, "user_id", userID)
		return nil
	}
	def, registered := c.catalog[name]
	if !registered {
		c.mu.Unlock()
		err := NewError(ErrorNotRegistered, name)
		c.publishLoadError(name, userID, err)
		return err
	}
	if pending, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return fmt.Errorf("wait for load of %q: %w", name, ctx.Err())
		}
	}
	entry := &inflightLoad{done: make(chan struct{})}
	c.inflight[key] = entry
	c.mu.Unlock()

	return c.runLoad(ctx, def, userID, priority, append(append([]string(nil), chain...), name), key, entry)
}

// runLoad performs the load this goroutine owns: dependencies, initialize,
// state commit, notification. The deferred settle releases every waiter with
// the final outcome.
func (c *Coordinator) runLoad(ctx context.Context, def *module.Definition, userID string, priority module.Priority, chain []string, key string, entry *inflightLoad) (err error) {
	defer func() {
		c.mu.Lock()
		if c.inflight[key] == entry {
			delete(c.inflight, key)
		}
		c.mu.Unlock()

		entry.err = err
		close(entry.done)
	}()

	log := c.log.With("module", def.Name, "user_id", userID, "priority", priority)
	log.Debug("Loading module")

	if depErr := c.loadDependencies(ctx, def, userID, chain); depErr != nil {
		c.publishLoadError(def.Name, userID, depErr)
		return depErr
	}

	instance, initErr := def.Initialize(ctx, userID)
	if initErr != nil {
		wrapped := WrapError(ErrorLoadFailed, def.Name, initErr)
		c.publishLoadError(def.Name, userID, wrapped)
		return wrapped
	}

	c.mu.Lock()
	if c.inflight[key] != entry {
		// A restart cleared the bookkeeping while this load was running.
		c.mu.Unlock()
		if cleanupErr := def.Cleanup(ctx, userID); cleanupErr != nil {
			log.Warn("Cleanup after abandoned load failed", "error", cleanupErr)
		}
		abandoned := NewError(ErrorLoadAbandoned, key)
		c.publishLoadError(def.Name, userID, abandoned)
		return abandoned
	}
	session := c.sessions[userID]
	if session == nil {
		session = make(map[string]struct{})
		c.sessions[userID] = session
	}
	session[def.Name] = struct{}{}
	c.instances[key] = loadedModule{instance: instance, def: def}
	c.mu.Unlock()

	log.Info("Module loaded")
	c.bus.Publish(bus.ChannelModuleLoaded, bus.ModuleEvent{
		ModuleName: def.Name,
		UserID:     userID,
		Version:    def.Version,
		Priority:   priority,
		Instance:   instance,
		Timestamp:  time.Now().UTC(),
	})

	return nil
}

// loadDependencies fans the declared dependencies out concurrently and fails
// on the first error in declaration order. Dependency loads always run at
// high priority.
func (c *Coordinator) loadDependencies(ctx context.Context, def *module.Definition, userID string, chain []string) error {
	if len(def.Dependencies) == 0 {
		return nil
	}

	results := make([]error, len(def.Dependencies))
	var wg sync.WaitGroup
	for i, dep := range def.Dependencies {
		wg.Add(1)
		go func(i int, dep string) {
			defer wg.Done()
			results[i] = c.load(ctx, dep, userID, module.PriorityHigh, chain)
		}(i, dep)
	}
	wg.Wait()

	for i, depErr := range results {
		if depErr != nil {
			return fmt.Errorf("load dependency %q of %q: %w", def.Dependencies[i], def.Name, depErr)
		}
	}

	return nil
}

// publishLoadError logs and announces one failed load.
func (c *Coordinator) publishLoadError(name string, userID string, loadErr error) {
	c.log.Error("Module load failed", "module", name, "user_id", userID, "error", loadErr)
	c.bus.Publish(bus.ChannelModuleLoadError, bus.ModuleEvent{
		ModuleName: name,
		UserID:     userID,
		Error:      loadErr.Error(),
		Timestamp:  time.Now().UTC(),
	})
}

// LoadGroupForUser loads every module of a named group concurrently.
// Individual failures leave the rest of the group standing; the returned
// slice lists the members that ended up loaded.
func (c *Coordinator) LoadGroupForUser(ctx context.Context, groupName string, userID string) ([]string, error) {
	members, ok := c.groups[groupName]
	if !ok {
		return nil, NewError(ErrorUnknownGroup, groupName)
	}

	requested := append([]string(nil), members...)
	results := make([]error, len(requested))
	var wg sync.WaitGroup
	for i, name := range requested {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = c.load(ctx, name, userID, module.PriorityNormal, nil)
		}(i, name)
	}
	wg.Wait()

	loaded := make([]string, 0, len(requested))
	for i, name := range requested {
		if results[i] == nil {
			loaded = append(loaded, name)
		}
	}

	c.log.Info("Module group loaded", "group", groupName, "user_id", userID, "requested", len(requested), "loaded", len(loaded))
	c.bus.Publish(bus.ChannelModuleGroupLoaded, bus.GroupEvent{
		GroupName: groupName,
		UserID:    userID,
		Requested: requested,
		Loaded:    loaded,
		Timestamp: time.Now().UTC(),
	})

	return loaded, nil
}

// UnloadModuleForUser tears one module instance down for a user. Unloading a
// pair that is not loaded is a no-op. The module-unloaded notification goes
// out even when cleanup fails, because the instance is gone either way.
func (c *Coordinator) UnloadModuleForUser(ctx context.Context, name string, userID string) error {
	key := module.InstanceKey(name, userID)

	c.mu.Lock()
	entry, loaded := c.instances[key]
	if !loaded {
		c.mu.Unlock()
		return nil
	}
	delete(c.instances, key)
	if session, ok := c.sessions[userID]; ok {
		delete(session, name)
		if len(session) == 0 {
			delete(c.sessions, userID)
		}
	}
	c.mu.Unlock()

	cleanupErr := entry.def.Cleanup(ctx, userID)

	c.bus.Publish(bus.ChannelModuleUnloaded, bus.ModuleEvent{
		ModuleName: name,
		UserID:     userID,
		Version:    entry.def.Version,
		Timestamp:  time.Now().UTC(),
	})

	if cleanupErr != nil {
		c.log.Warn("Module cleanup failed", "module", name, "user_id", userID, "error", cleanupErr)
		return WrapError(ErrorCleanupFailed, key, cleanupErr)
	}

	c.log.Info("Module unloaded", "module", name, "user_id", userID)
	return nil
}

// CleanupUserSession unloads every module held by a user concurrently.
// Cleanup failures are logged by the individual unloads and do not stop the
// teardown of the remaining modules.
func (c *Coordinator) CleanupUserSession(ctx context.Context, userID string) {
	names := c.UserModules(userID)
	if len(names) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_ = c.UnloadModuleForUser(ctx, name, userID)
		}(name)
	}
	wg.Wait()

	c.mu.Lock()
	delete(c.sessions, userID)
	c.mu.Unlock()

	c.log.Info("User session cleaned up", "user_id", userID, "modules", len(names))
}
