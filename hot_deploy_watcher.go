package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Run watches the catalog directory until ctx is cancelled. Bundles already
// present when Run starts are recorded but not deployed.
func (e *HotDeployEngine) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating bundle watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(e.catalog.Dir(), 0o755); err != nil {
		return fmt.Errorf("creating deploy directory: %w", err)
	}
	if err := watcher.Add(e.catalog.Dir()); err != nil {
		return fmt.Errorf("watching %s: %w", e.catalog.Dir(), err)
	}
	e.Prime()

	var rescans *cron.Cron
	if e.cfg.RescanInterval > 0 {
		rescans = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if _, err := rescans.AddFunc(fmt.Sprintf("@every %s", e.cfg.RescanInterval), func() { e.Rescan(ctx) }); err != nil {
			return fmt.Errorf("scheduling deploy rescan: %w", err)
		}
		rescans.Start()
		defer func() { <-rescans.Stop().Done() }()
	}
	e.svc.Logger.Info("Hot deploy watching", "dir", e.catalog.Dir())

	for {
		select {
		case <-ctx.Done():
			e.stopTimers()
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.svc.Logger.Error("Bundle watcher error", "error", werr)
		}
	}
}

func (e *HotDeployEngine) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !e.catalog.IsBundle(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// A removed bundle never tears down the running module.
		e.forget(ev.Name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		e.schedule(ctx, ev.Name)
	}
}

// schedule (re)arms the settle timer of path.
func (e *HotDeployEngine) schedule(ctx context.Context, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[path]; ok {
		t.Reset(e.cfg.SettleDelay)
		return
	}
	e.timers[path] = time.AfterFunc(e.cfg.SettleDelay, func() { e.settled(ctx, path) })
}

func (e *HotDeployEngine) settled(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	info, err := os.Stat(path)

	e.mu.Lock()
	delete(e.timers, path)
	if err != nil {
		delete(e.mtimes, path)
		e.mu.Unlock()
		return
	}
	if last, seen := e.mtimes[path]; seen && last.Equal(info.ModTime()) {
		e.mu.Unlock()
		return
	}
	e.mtimes[path] = info.ModTime()
	e.mu.Unlock()

	if err := e.Deploy(ctx, path, DeploymentHotDeploy); err != nil {
		if errors.Is(err, ErrModuleBusy) {
			// The in-flight deployment wins; the next change or rescan retries.
			e.mu.Lock()
			delete(e.mtimes, path)
			e.mu.Unlock()
			e.svc.Logger.Warn("Skipping bundle, module busy", "bundle", path)
			return
		}
		e.svc.Logger.Error("Hot deploy failed", "bundle", path, "error", err)
	}
}

func (e *HotDeployEngine) forget(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.mtimes, path)
	if t, ok := e.timers[path]; ok {
		t.Stop()
		delete(e.timers, path)
	}
}

func (e *HotDeployEngine) stopTimers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for path, t := range e.timers {
		t.Stop()
		delete(e.timers, path)
	}
}

// Prime records the modification time of every bundle currently present so
// that only later changes are deployed.
func (e *HotDeployEngine) Prime() {
	bundles, err := e.catalog.Scan()
	if err != nil {
		e.svc.Logger.Warn("Failed to scan deploy directory", "error", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range bundles {
		e.mtimes[b.Path] = b.ModTime
	}
}

// Rescan feeds bundles whose modification time differs from the cache through
// the same settle path as watcher events.
func (e *HotDeployEngine) Rescan(ctx context.Context) {
	bundles, err := e.catalog.Scan()
	if err != nil {
		e.svc.Logger.Warn("Failed to scan deploy directory", "error", err)
		return
	}
	present := make(map[string]bool, len(bundles))
	var changed []string
	e.mu.Lock()
	for _, b := range bundles {
		present[b.Path] = true
		if last, ok := e.mtimes[b.Path]; !ok || !last.Equal(b.ModTime) {
			changed = append(changed, b.Path)
		}
	}
	for path := range e.mtimes {
		if !present[path] {
			delete(e.mtimes, path)
		}
	}
	e.mu.Unlock()

	for _, path := range changed {
		e.schedule(ctx, path)
	}
}
