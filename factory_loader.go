package pluginhost

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds a fresh Plugin instance.
type Factory func() Plugin

// FactoryLoader is an in-process Loader. Bundles name a factory through the
// descriptor's entry point and each Materialize call builds a new instance.
type FactoryLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactoryLoader creates a loader with no factories.
func NewFactoryLoader() *FactoryLoader {
	return &FactoryLoader{factories: make(map[string]Factory)}
}

// Register binds entryPoint to f, replacing any earlier binding.
func (l *FactoryLoader) Register(entryPoint string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[entryPoint] = f
}

type pluginHandle struct {
	plugin Plugin
}

func (l *FactoryLoader) Materialize(_ context.Context, desc *Descriptor, _ string) (Handle, error) {
	l.mu.RLock()
	f, ok := l.factories[desc.EntryPoint]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFactoryNotFound, desc.EntryPoint)
	}
	p := f()
	if p == nil {
		return nil, fmt.Errorf("%w: factory %q returned nil", ErrFactoryNotFound, desc.EntryPoint)
	}
	return &pluginHandle{plugin: p}, nil
}

func (l *FactoryLoader) Invoke(ctx context.Context, h Handle, entry EntryPoint, args ...any) (any, error) {
	ph, ok := h.(*pluginHandle)
	if !ok || ph == nil {
		return nil, ErrHandleMissing
	}
	switch entry {
	case EntryInit:
		var mctx *ModuleContext
		if len(args) > 0 {
			mctx, _ = args[0].(*ModuleContext)
		}
		return nil, ph.plugin.Init(ctx, mctx)
	case EntryStart:
		return nil, ph.plugin.Start(ctx)
	case EntryStop:
		return nil, ph.plugin.Stop(ctx)
	case EntryDestroy:
		return nil, ph.plugin.Destroy(ctx)
	case EntryUninstall:
		u, ok := ph.plugin.(Uninstaller)
		if !ok {
			return nil, ErrEntryPointUnsupported
		}
		return nil, u.Uninstall(ctx)
	case EntryHealth:
		hc, ok := ph.plugin.(HealthChecker)
		if !ok {
			return nil, ErrEntryPointUnsupported
		}
		return hc.CheckHealth(ctx)
	}
	return nil, fmt.Errorf("%w: %q", ErrEntryPointUnsupported, entry)
}

func (l *FactoryLoader) Release(_ context.Context, h Handle) error {
	if ph, ok := h.(*pluginHandle); ok && ph != nil {
		ph.plugin = nil
	}
	return nil
}
