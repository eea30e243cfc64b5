package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// HotDeployConfig tunes the hot-deploy engine.
type HotDeployConfig struct {
	// SettleDelay is how long a bundle must stay unchanged before it is processed.
	SettleDelay time.Duration
	// RescanInterval is how often the deploy directory is rescanned for
	// changes the watcher missed. Zero disables rescans.
	RescanInterval time.Duration
}

// Backup is the pre-update state of a module kept for rollback.
type Backup struct {
	ModuleID   string      `json:"moduleId"`
	Descriptor *Descriptor `json:"descriptor"`
	BundleRef  string      `json:"bundleRef"`
	State      ModuleState `json:"state"`
	TakenAt    time.Time   `json:"takenAt"`
}

// HotDeployEngine installs and updates modules from bundles, rolling back to
// the previous version when an update fails.
type HotDeployEngine struct {
	coord       *Coordinator
	descriptors DescriptorLoader
	catalog     *BundleCatalog
	svc         Services
	cfg         HotDeployConfig

	inFlight cmap.ConcurrentMap[string, struct{}]
	backups  cmap.ConcurrentMap[string, Backup]

	mu     sync.Mutex
	mtimes map[string]time.Time
	timers map[string]*time.Timer
}

// NewHotDeployEngine creates an engine reading bundles through descriptors.
func NewHotDeployEngine(coord *Coordinator, descriptors DescriptorLoader, catalog *BundleCatalog, svc Services, cfg HotDeployConfig) *HotDeployEngine {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &HotDeployEngine{
		coord:       coord,
		descriptors: descriptors,
		catalog:     catalog,
		svc:         svc.withDefaults(),
		cfg:         cfg,
		inFlight:    cmap.New[struct{}](),
		backups:     cmap.New[Backup](),
		mtimes:      make(map[string]time.Time),
		timers:      make(map[string]*time.Timer),
	}
}

// Catalog returns the bundle catalog.
func (e *HotDeployEngine) Catalog() *BundleCatalog {
	return e.catalog
}

// Deploy installs or updates the module in bundleRef. Only one deployment per
// module runs at a time; a concurrent call fails with ErrModuleBusy.
func (e *HotDeployEngine) Deploy(ctx context.Context, bundleRef string, kind DeploymentType) error {
	desc, err := e.descriptors.Parse(ctx, bundleRef)
	if err != nil {
		return moduleError(ErrValidation, "deploy", "", fmt.Errorf("%s: %w", bundleRef, err))
	}
	return e.deploy(ctx, desc, bundleRef, kind)
}

// UpdateToVersion deploys the catalog bundle of id at version.
func (e *HotDeployEngine) UpdateToVersion(ctx context.Context, id, version string, kind DeploymentType) error {
	ref, err := e.catalog.Lookup(id, version)
	if err != nil {
		return moduleError(ErrValidation, string(kind), id, err)
	}
	return e.Deploy(ctx, ref, kind)
}

func (e *HotDeployEngine) deploy(ctx context.Context, desc *Descriptor, bundleRef string, kind DeploymentType) error {
	if !e.inFlight.SetIfAbsent(desc.ID, struct{}{}) {
		return fmt.Errorf("%w: %s deployment in progress", ErrModuleBusy, desc.ID)
	}
	defer e.inFlight.Remove(desc.ID)

	return e.coord.Do(ctx, desc.ID, func(op *Operation) error {
		if _, ok := op.Record(); !ok {
			return e.install(ctx, op, desc, bundleRef, kind)
		}
		return e.update(ctx, op, desc, bundleRef, kind)
	})
}

func (e *HotDeployEngine) install(ctx context.Context, op *Operation, desc *Descriptor, bundleRef string, kind DeploymentType) error {
	d := DeploymentRecord{
		ID:        newID(),
		ModuleID:  desc.ID,
		Version:   desc.Version,
		Type:      kind,
		StartedAt: time.Now(),
	}
	err := op.Register(desc, bundleRef)
	if err == nil {
		err = op.Activate()
		if err != nil {
			if derr := op.Discard(); derr != nil {
				e.svc.Logger.Error("Failed to discard module after install failure", "module", desc.ID, "error", derr)
			}
		}
	}
	d.EndedAt = time.Now()
	d.Success = err == nil
	data := ModuleEventData{ModuleID: desc.ID, Version: desc.Version}
	if err != nil {
		d.Error = err.Error()
		e.svc.saveDeployment(ctx, d)
		data.Message = d.Error
		e.svc.Events.publish(ctx, EventTypeDeployFailed, data)
		e.svc.Logger.Error("Module install failed", "module", desc.ID, "version", desc.Version, "error", err)
		return moduleError(ErrDeployment, "install", desc.ID, err)
	}
	e.svc.saveDeployment(ctx, d)
	e.svc.Events.publish(ctx, EventTypeDeployInstalled, data)
	e.svc.Logger.Info("Module installed", "module", desc.ID, "version", desc.Version)
	return nil
}

func (e *HotDeployEngine) update(ctx context.Context, op *Operation, desc *Descriptor, bundleRef string, kind DeploymentType) error {
	rec, _ := op.Record()
	backup := Backup{
		ModuleID:   rec.ID(),
		Descriptor: rec.Descriptor,
		BundleRef:  rec.BundleRef,
		State:      rec.State,
		TakenAt:    time.Now(),
	}
	e.backups.Set(backup.ModuleID, backup)

	d := DeploymentRecord{
		ID:              newID(),
		ModuleID:        desc.ID,
		Version:         desc.Version,
		PreviousVersion: backup.Descriptor.Version,
		Type:            kind,
		StartedAt:       time.Now(),
	}
	err := op.Update(desc, bundleRef)
	d.EndedAt = time.Now()
	d.Success = err == nil
	data := ModuleEventData{
		ModuleID: desc.ID,
		Version:  desc.Version,
		Payload:  map[string]any{"previousVersion": backup.Descriptor.Version},
	}
	if err == nil {
		e.backups.Remove(backup.ModuleID)
		e.svc.saveDeployment(ctx, d)
		e.svc.Events.publish(ctx, EventTypeDeployUpdated, data)
		e.svc.Logger.Info("Module updated", "module", desc.ID, "from", backup.Descriptor.Version, "to", desc.Version)
		return nil
	}

	d.Error = err.Error()
	e.svc.saveDeployment(ctx, d)
	data.Message = d.Error
	e.svc.Events.publish(ctx, EventTypeDeployFailed, data)
	e.svc.Logger.Error("Module update failed, rolling back", "module", desc.ID, "version", desc.Version, "error", err)

	if rbErr := e.restore(ctx, op, backup, desc.Version); rbErr != nil {
		return moduleError(ErrDeployment, "update", desc.ID, errors.Join(err, rbErr))
	}
	return moduleError(ErrDeployment, "update", desc.ID, err)
}

// restore puts backup back in place and records the rollback as its own
// deployment. The backup is dropped once the restore succeeds.
func (e *HotDeployEngine) restore(ctx context.Context, op *Operation, backup Backup, failedVersion string) error {
	d := DeploymentRecord{
		ID:              newID(),
		ModuleID:        backup.ModuleID,
		Version:         backup.Descriptor.Version,
		PreviousVersion: failedVersion,
		Type:            DeploymentRollback,
		StartedAt:       time.Now(),
	}
	err := op.Restore(backup.Descriptor, backup.BundleRef, backup.State == StateRunning)
	d.EndedAt = time.Now()
	d.Success = err == nil
	data := ModuleEventData{ModuleID: backup.ModuleID, Version: backup.Descriptor.Version}
	if err != nil {
		d.Error = err.Error()
		e.svc.saveDeployment(ctx, d)
		data.Message = d.Error
		e.svc.Events.publish(ctx, EventTypeDeployRollbackFailed, data)
		e.svc.Logger.Error("Rollback failed, backup retained", "module", backup.ModuleID, "version", backup.Descriptor.Version, "error", err)
		return fmt.Errorf("%w: %w", ErrRollbackFailed, err)
	}
	e.backups.Remove(backup.ModuleID)
	e.svc.saveDeployment(ctx, d)
	e.svc.Events.publish(ctx, EventTypeDeployRolledBack, data)
	e.svc.Logger.Info("Module rolled back", "module", backup.ModuleID, "version", backup.Descriptor.Version)
	return nil
}

// Backup returns the retained backup of id, if any.
func (e *HotDeployEngine) Backup(id string) (Backup, bool) {
	return e.backups.Get(id)
}

// RestoreBackup retries the restore of a retained backup after a failed
// rollback. It is never run automatically.
func (e *HotDeployEngine) RestoreBackup(ctx context.Context, id string) error {
	backup, ok := e.backups.Get(id)
	if !ok {
		return moduleError(ErrValidation, "restore", id, ErrNoBackup)
	}
	if !e.inFlight.SetIfAbsent(id, struct{}{}) {
		return fmt.Errorf("%w: %s deployment in progress", ErrModuleBusy, id)
	}
	defer e.inFlight.Remove(id)

	return e.coord.Do(ctx, id, func(op *Operation) error {
		failed := ""
		if rec, ok := op.Record(); ok {
			failed = rec.Version()
		}
		if err := e.restore(ctx, op, backup, failed); err != nil {
			return moduleError(ErrDeployment, "restore", id, err)
		}
		return nil
	})
}

// History returns the latest deployment records of id from persistence.
func (e *HotDeployEngine) History(ctx context.Context, id string, limit int) ([]DeploymentRecord, error) {
	return e.svc.Persistence.QueryHistory(ctx, id, limit)
}
