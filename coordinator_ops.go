package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Operation performs lifecycle steps for one module while the Coordinator's
// lock for that module is held. It is only valid inside Coordinator.Do.
type Operation struct {
	c   *Coordinator
	ctx context.Context
	id  string
}

// ModuleID returns the module the operation is bound to.
func (op *Operation) ModuleID() string {
	return op.id
}

// Record returns the current record snapshot.
func (op *Operation) Record() (*ModuleRecord, bool) {
	return op.c.registry.Get(op.id)
}

func (op *Operation) current(name string) (*ModuleRecord, error) {
	rec, ok := op.c.registry.Get(op.id)
	if !ok {
		return nil, moduleError(ErrValidation, name, op.id, ErrModuleNotFound)
	}
	return rec, nil
}

func (op *Operation) illegal(name string, state ModuleState) error {
	return moduleError(ErrValidation, name, op.id, fmt.Errorf("%w: cannot %s from %s", ErrIllegalTransition, name, state))
}

// commit stores next and announces the change.
func (op *Operation) commit(ctx context.Context, prev, next *ModuleRecord, eventType, message string) {
	svc := op.c.svc
	if err := op.c.registry.Update(next); err != nil {
		svc.Logger.Error("Failed to store module record", "module", op.id, "error", err)
		return
	}
	svc.saveRecord(ctx, next)
	svc.Metrics.RecordTransition(string(prev.State), string(next.State))
	svc.Logger.Debug("Module state changed", "module", op.id, "from", prev.State, "to", next.State)
	if eventType != "" {
		svc.Events.publish(ctx, eventType, ModuleEventData{
			ModuleID: op.id,
			Version:  next.Version(),
			Message:  message,
			Payload:  map[string]any{"from": string(prev.State), "state": string(next.State)},
		})
	}
}

// fail moves the module to state, records cause and returns a categorized error.
func (op *Operation) fail(ctx context.Context, rec *ModuleRecord, state ModuleState, kind error, name string, cause error) error {
	next := rec.Clone()
	next.State = state
	next.LastError = cause.Error()
	eventType := EventTypeModuleFailed
	if state == StateDependencyFailed {
		eventType = EventTypeModuleDependencyFailed
	}
	op.commit(ctx, rec, next, eventType, cause.Error())
	op.c.svc.Metrics.RecordTransitionFailure(name)
	op.c.svc.Logger.Error("Module operation failed", "module", op.id, "op", name, "state", state, "error", cause)
	return moduleError(kind, name, op.id, cause)
}

func (op *Operation) invoke(ctx context.Context, h Handle, entry EntryPoint, args ...any) (any, error) {
	start := time.Now()
	v, err := callEntryPoint(ctx, op.c.loader, h, entry, op.c.cfg.CallTimeout, args...)
	op.c.svc.Metrics.ObserveEntryPoint(string(entry), time.Since(start).Seconds())
	return v, err
}

// Register adds a CREATED record for desc.
func (op *Operation) Register(desc *Descriptor, bundleRef string) (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "register", op.id)
	defer func() { endSpan(span, err) }()

	if err := desc.Validate(); err != nil {
		return moduleError(ErrValidation, "register", op.id, err)
	}
	if desc.ID != op.id {
		return moduleError(ErrValidation, "register", op.id, fmt.Errorf("%w: descriptor id %q", ErrInvalidModuleID, desc.ID))
	}
	rec := NewModuleRecord(desc, bundleRef)
	if err := op.c.registry.Register(rec); err != nil {
		return moduleError(ErrValidation, "register", op.id, err)
	}
	svc := op.c.svc
	svc.saveRecord(ctx, rec)
	svc.Metrics.RecordTransition("", string(StateCreated))
	svc.Logger.Info("Module registered", "module", op.id, "version", desc.Version)
	svc.Events.publish(ctx, EventTypeModuleRegistered, ModuleEventData{ModuleID: op.id, Version: desc.Version})
	return nil
}

// Load checks dependencies and materializes the module's code.
func (op *Operation) Load() (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "load", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("load")
	if err != nil {
		return err
	}
	if rec.State != StateCreated && rec.State != StateUnloaded {
		return op.illegal("load", rec.State)
	}
	if err := op.c.resolver.CheckDependencies(rec.Descriptor); err != nil {
		return op.fail(ctx, rec, StateDependencyFailed, ErrDependency, "load", err)
	}

	h, err := op.materialize(ctx, rec)
	if err != nil {
		return op.fail(ctx, rec, StateError, ErrTransition, "load", err)
	}

	next := rec.Clone()
	next.Handle = h
	next.State = StateLoaded
	next.LoadedAt = time.Now()
	next.LastError = ""
	op.commit(ctx, rec, next, EventTypeModuleLoaded, "")
	op.c.svc.saveVersion(ctx, VersionRecord{
		ModuleID:   op.id,
		Version:    next.Version(),
		BundleRef:  next.BundleRef,
		RecordedAt: next.LoadedAt,
	})
	op.c.svc.Logger.Info("Module loaded", "module", op.id, "version", next.Version())
	return nil
}

func (op *Operation) materialize(ctx context.Context, rec *ModuleRecord) (h Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: materialize: %v", ErrEntryPointPanic, r)
		}
	}()
	return op.c.loader.Materialize(ctx, rec.Descriptor, rec.BundleRef)
}

// Initialize creates the module context and runs the init entry point.
func (op *Operation) Initialize() (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "initialize", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("initialize")
	if err != nil {
		return err
	}
	if rec.State != StateLoaded {
		return op.illegal("initialize", rec.State)
	}

	mctx, err := op.moduleContext(rec)
	if err != nil {
		return op.fail(ctx, rec, StateFailed, ErrTransition, "initialize", err)
	}
	if _, err := op.invoke(ctx, rec.Handle, EntryInit, mctx); err != nil {
		return op.fail(ctx, rec, StateFailed, ErrTransition, "initialize", err)
	}

	next := rec.Clone()
	next.State = StateInitialized
	next.LastError = ""
	op.commit(ctx, rec, next, EventTypeModuleInitialized, "")
	return nil
}

func (op *Operation) moduleContext(rec *ModuleRecord) (*ModuleContext, error) {
	mctx := &ModuleContext{
		ModuleID:   op.id,
		Version:    rec.Version(),
		Properties: maps.Clone(rec.Descriptor.Properties),
		Logger:     op.c.svc.Logger,
		Events:     op.c.svc.Events,
	}
	if op.c.cfg.ModuleConfig != nil {
		mctx.Config = maps.Clone(op.c.cfg.ModuleConfig(op.id))
	}
	if mctx.Config == nil {
		mctx.Config = map[string]any{}
	}
	if op.c.cfg.DataDir != "" {
		mctx.DataDir = filepath.Join(op.c.cfg.DataDir, op.id)
		if err := os.MkdirAll(mctx.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	return mctx, nil
}

// Start runs the start entry point of an INITIALIZED module.
func (op *Operation) Start() (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "start", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("start")
	if err != nil {
		return err
	}
	if rec.State != StateInitialized {
		return op.illegal("start", rec.State)
	}
	return op.start(ctx, rec)
}

func (op *Operation) start(ctx context.Context, rec *ModuleRecord) error {
	if _, err := op.invoke(ctx, rec.Handle, EntryStart); err != nil {
		return op.fail(ctx, rec, StateFailed, ErrTransition, "start", err)
	}
	next := rec.Clone()
	next.State = StateRunning
	next.Enabled = true
	next.StartedAt = time.Now()
	next.LastError = ""
	op.commit(ctx, rec, next, EventTypeModuleStarted, "")
	op.c.svc.Logger.Info("Module started", "module", op.id, "version", next.Version())
	return nil
}

// Stop runs the stop entry point. A failing stop is recorded and returned, but
// the module still ends STOPPED so that it can be unloaded.
func (op *Operation) Stop() error {
	return op.stop(false)
}

// Shutdown stops a RUNNING module but keeps it enabled so that the next host
// start restores it.
func (op *Operation) Shutdown() error {
	return op.stop(true)
}

func (op *Operation) stop(keepEnabled bool) (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "stop", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("stop")
	if err != nil {
		return err
	}
	if rec.State != StateRunning {
		return op.illegal("stop", rec.State)
	}

	next := rec.Clone()
	next.State = StateStopped
	next.Enabled = keepEnabled
	next.StoppedAt = time.Now()

	_, stopErr := op.invoke(ctx, rec.Handle, EntryStop)
	if stopErr != nil {
		next.LastError = stopErr.Error()
		op.c.svc.Metrics.RecordTransitionFailure("stop")
		op.c.svc.Logger.Error("Module stop failed, continuing", "module", op.id, "error", stopErr)
	}
	op.commit(ctx, rec, next, EventTypeModuleStopped, next.LastError)
	if stopErr != nil {
		return moduleError(ErrTransition, "stop", op.id, stopErr)
	}
	op.c.svc.Logger.Info("Module stopped", "module", op.id)
	return nil
}

// stopQuietly stops a RUNNING module, ignoring stop failures.
func (op *Operation) stopQuietly() {
	if rec, ok := op.Record(); ok && rec.State == StateRunning {
		_ = op.Stop()
	}
}

var unloadable = []ModuleState{
	StateStopped, StateLoaded, StateInitialized, StateUnloading,
	StateFailed, StateDependencyFailed, StateError,
}

// Unload destroys the module instance, releases its handle and leaves the
// record UNLOADED.
func (op *Operation) Unload() error {
	return op.unload(false)
}

func (op *Operation) unload(uninstall bool) (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "unload", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("unload")
	if err != nil {
		return err
	}
	if !slices.Contains(unloadable, rec.State) {
		return op.illegal("unload", rec.State)
	}

	unloading := rec.Clone()
	unloading.State = StateUnloading
	op.commit(ctx, rec, unloading, "", "")

	var problems []error
	if unloading.Handle != nil {
		if uninstall {
			if _, err := op.invoke(ctx, unloading.Handle, EntryUninstall); err != nil && !errors.Is(err, ErrEntryPointUnsupported) {
				problems = append(problems, fmt.Errorf("uninstall: %w", err))
			}
		}
		if _, err := op.invoke(ctx, unloading.Handle, EntryDestroy); err != nil {
			problems = append(problems, fmt.Errorf("destroy: %w", err))
		}
		if err := op.c.loader.Release(ctx, unloading.Handle); err != nil {
			problems = append(problems, fmt.Errorf("release: %w", err))
		}
	}

	next := unloading.Clone()
	next.State = StateUnloaded
	next.Handle = nil
	next.Enabled = false
	if len(problems) > 0 {
		next.LastError = errors.Join(problems...).Error()
		op.c.svc.Logger.Warn("Module unloaded with errors", "module", op.id, "error", next.LastError)
	}
	op.commit(ctx, unloading, next, EventTypeModuleUnloaded, next.LastError)
	op.c.svc.Logger.Info("Module unloaded", "module", op.id)
	return nil
}

// Unregister removes a module that holds no loaded code.
func (op *Operation) Unregister() (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "unregister", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("unregister")
	if err != nil {
		return err
	}
	switch rec.State {
	case StateCreated, StateUnloaded, StateDependencyFailed:
	default:
		return op.illegal("unregister", rec.State)
	}
	if rec.Handle != nil {
		return op.illegal("unregister", rec.State)
	}
	removed, ok := op.c.registry.Unregister(op.id)
	if !ok {
		return moduleError(ErrValidation, "unregister", op.id, ErrModuleNotFound)
	}
	op.c.notifyRemoved(op.id)
	svc := op.c.svc
	svc.Metrics.RecordRemoved(string(removed.State))
	svc.Logger.Info("Module unregistered", "module", op.id, "version", removed.Version())
	svc.Events.publish(ctx, EventTypeModuleUnregistered, ModuleEventData{ModuleID: op.id, Version: removed.Version()})
	return nil
}

// Discard tears a module down from whatever state it is in and removes it
// from the registry.
func (op *Operation) Discard() error {
	return op.discard(false)
}

// Retire is Discard with the module's uninstall hook.
func (op *Operation) Retire() error {
	return op.discard(true)
}

func (op *Operation) discard(uninstall bool) error {
	rec, err := op.current("retire")
	if err != nil {
		return err
	}
	op.stopQuietly()
	if rec, _ = op.Record(); rec != nil && slices.Contains(unloadable, rec.State) {
		if err := op.unload(uninstall); err != nil {
			return err
		}
	}
	return op.Unregister()
}

// Activate loads, initializes and starts the module, stopping at the first
// failing step.
func (op *Operation) Activate() error {
	if err := op.Load(); err != nil {
		return err
	}
	if err := op.Initialize(); err != nil {
		return err
	}
	return op.Start()
}

// Reload unloads the module and brings it back to INITIALIZED, or to RUNNING
// when it was running before. The first failing step aborts the rest.
func (op *Operation) Reload() error {
	rec, err := op.current("reload")
	if err != nil {
		return err
	}
	wasRunning := rec.State == StateRunning
	op.stopQuietly()

	if rec, _ = op.Record(); rec != nil && rec.State != StateCreated && rec.State != StateUnloaded {
		if err := op.Unload(); err != nil {
			return err
		}
	}
	if err := op.Load(); err != nil {
		return err
	}
	if err := op.Initialize(); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	return op.Start()
}

// Update replaces the module with desc: stop, unload, swap, load, initialize, start.
func (op *Operation) Update(desc *Descriptor, bundleRef string) error {
	return op.swap("update", desc, bundleRef, true)
}

// Restore puts a backed-up descriptor and bundle back in place. The module is
// started only when start is set, otherwise it is left INITIALIZED.
func (op *Operation) Restore(desc *Descriptor, bundleRef string, start bool) error {
	if _, ok := op.Record(); !ok {
		if err := op.Register(desc, bundleRef); err != nil {
			return err
		}
		if err := op.Load(); err != nil {
			return err
		}
		if err := op.Initialize(); err != nil {
			return err
		}
		if start {
			return op.Start()
		}
		return nil
	}
	return op.swap("restore", desc, bundleRef, start)
}

func (op *Operation) swap(name string, desc *Descriptor, bundleRef string, start bool) error {
	if err := desc.Validate(); err != nil {
		return moduleError(ErrValidation, name, op.id, err)
	}
	if desc.ID != op.id {
		return moduleError(ErrValidation, name, op.id, fmt.Errorf("%w: descriptor id %q", ErrInvalidModuleID, desc.ID))
	}
	if _, err := op.current(name); err != nil {
		return err
	}

	op.stopQuietly()
	rec, _ := op.Record()
	if rec.State != StateCreated && rec.State != StateUnloaded {
		if err := op.Unload(); err != nil {
			return err
		}
		rec, _ = op.Record()
	}

	swapped := rec.Clone()
	swapped.Descriptor = desc
	swapped.BundleRef = bundleRef
	swapped.LastError = ""
	op.commit(op.ctx, rec, swapped, "", "")
	op.c.svc.Logger.Info("Module descriptor swapped", "module", op.id, "from", rec.Version(), "to", desc.Version)

	if err := op.Load(); err != nil {
		return err
	}
	if err := op.Initialize(); err != nil {
		return err
	}
	if !start {
		return nil
	}
	return op.Start()
}

// Restart cycles a RUNNING module through stop and start on the same
// instance. It is the first automatic recovery step; operators use Reload.
func (op *Operation) Restart() (err error) {
	ctx, span := op.c.svc.startSpan(op.ctx, "restart", op.id)
	defer func() { endSpan(span, err) }()

	rec, err := op.current("restart")
	if err != nil {
		return err
	}
	if rec.State != StateRunning {
		return op.illegal("restart", rec.State)
	}
	_ = op.Stop()
	if rec, err = op.current("restart"); err != nil {
		return err
	}
	return op.start(ctx, rec)
}

// Invoke calls an entry point on the module's loaded instance without
// changing its state. It is used for self-reported health.
func (op *Operation) Invoke(entry EntryPoint, args ...any) (any, error) {
	rec, err := op.current(string(entry))
	if err != nil {
		return nil, err
	}
	if rec.Handle == nil {
		return nil, ErrHandleMissing
	}
	return op.invoke(op.ctx, rec.Handle, entry, args...)
}
