package pluginhost

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// CoordinatorConfig tunes the lifecycle coordinator.
type CoordinatorConfig struct {
	// CallTimeout bounds every entry point call. Zero means no bound.
	CallTimeout time.Duration
	// DataDir is the parent of each module's private data directory.
	// Empty disables data directory creation.
	DataDir string
	// ModuleConfig returns the configuration section handed to a module at init.
	ModuleConfig func(moduleID string) map[string]any
}

// Coordinator owns the module state machine. Every operation that changes a
// ModuleRecord runs under an exclusive per-module lock; a caller finding the
// lock held gets ErrModuleBusy instead of waiting.
type Coordinator struct {
	registry *Registry
	resolver DependencyChecker
	loader   Loader
	svc      Services
	cfg      CoordinatorConfig

	locks cmap.ConcurrentMap[string, *sync.Mutex]

	mu        sync.RWMutex
	onRemoved []func(id string)
}

// NewCoordinator creates a coordinator. resolver gates load on dependencies.
func NewCoordinator(registry *Registry, resolver DependencyChecker, loader Loader, svc Services, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		registry: registry,
		resolver: resolver,
		loader:   loader,
		svc:      svc.withDefaults(),
		cfg:      cfg,
		locks:    cmap.New[*sync.Mutex](),
	}
}

// Registry returns the registry the coordinator drives.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

func (c *Coordinator) lockFor(id string) *sync.Mutex {
	return c.locks.Upsert(id, nil, func(exist bool, current, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return current
		}
		return &sync.Mutex{}
	})
}

// Do runs fn while holding the operation lock for id. fn may chain several
// steps through op without releasing the lock in between. Do fails with
// ErrModuleBusy when another operation holds the lock.
func (c *Coordinator) Do(ctx context.Context, id string, fn func(op *Operation) error) error {
	mu := c.lockFor(id)
	if !mu.TryLock() {
		return fmt.Errorf("%w: %s", ErrModuleBusy, id)
	}
	defer mu.Unlock()
	err := fn(&Operation{c: c, ctx: ctx, id: id})
	if !c.registry.HasModule(id) {
		c.locks.RemoveCb(id, func(_ string, current *sync.Mutex, exists bool) bool {
			return exists && current == mu
		})
	}
	return err
}

// OnRemoved registers fn to run whenever a module leaves the registry. fn runs
// while the module's operation lock is held and must not call back into the
// coordinator for the same id.
func (c *Coordinator) OnRemoved(fn func(id string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoved = append(c.onRemoved, fn)
}

func (c *Coordinator) notifyRemoved(id string) {
	c.mu.RLock()
	hooks := slices.Clone(c.onRemoved)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// Register adds a CREATED record for desc.
func (c *Coordinator) Register(ctx context.Context, desc *Descriptor, bundleRef string) error {
	if err := desc.Validate(); err != nil {
		id := ""
		if desc != nil {
			id = desc.ID
		}
		return moduleError(ErrValidation, "register", id, err)
	}
	return c.Do(ctx, desc.ID, func(op *Operation) error {
		return op.Register(desc, bundleRef)
	})
}

// Load materializes a CREATED or UNLOADED module after checking dependencies.
func (c *Coordinator) Load(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Load() })
}

// Initialize runs the init entry point of a LOADED module.
func (c *Coordinator) Initialize(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Initialize() })
}

// Start runs the start entry point of an INITIALIZED module.
func (c *Coordinator) Start(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Start() })
}

// Stop runs the stop entry point of a RUNNING module. The module ends STOPPED
// even when the entry point fails; the failure is still returned.
func (c *Coordinator) Stop(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Stop() })
}

// Shutdown stops a RUNNING module and leaves it enabled for the next host start.
func (c *Coordinator) Shutdown(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Shutdown() })
}

// Unload destroys and releases a stopped or failed module.
func (c *Coordinator) Unload(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Unload() })
}

// Reload unloads, loads and initializes a module, starting it again if it was RUNNING.
func (c *Coordinator) Reload(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Reload() })
}

// Activate loads, initializes and starts a module.
func (c *Coordinator) Activate(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Activate() })
}

// Update swaps a module to desc, which must carry the same id.
func (c *Coordinator) Update(ctx context.Context, desc *Descriptor, bundleRef string) error {
	if err := desc.Validate(); err != nil {
		id := ""
		if desc != nil {
			id = desc.ID
		}
		return moduleError(ErrValidation, "update", id, err)
	}
	return c.Do(ctx, desc.ID, func(op *Operation) error { return op.Update(desc, bundleRef) })
}

// Unregister removes a module that holds no loaded code.
func (c *Coordinator) Unregister(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Unregister() })
}

// Retire stops, uninstalls, unloads and unregisters a module.
func (c *Coordinator) Retire(ctx context.Context, id string) error {
	return c.Do(ctx, id, func(op *Operation) error { return op.Retire() })
}
