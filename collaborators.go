package pluginhost

import (
	"context"
	"time"
)

// Loader materializes module code and calls into it. The host never looks
// inside a Handle; it only hands it back to the Loader that produced it.
type Loader interface {
	Materialize(ctx context.Context, desc *Descriptor, bundleRef string) (Handle, error)
	// Invoke calls entry on the module. A module that does not implement an
	// optional entry point yields ErrEntryPointUnsupported.
	Invoke(ctx context.Context, h Handle, entry EntryPoint, args ...any) (any, error)
	Release(ctx context.Context, h Handle) error
}

// DescriptorLoader turns a bundle into a Descriptor.
type DescriptorLoader interface {
	Parse(ctx context.Context, bundleRef string) (*Descriptor, error)
}

// Prober checks a module from the outside, for example over HTTP.
type Prober interface {
	Probe(ctx context.Context, endpointHint string, timeout time.Duration) (bool, error)
}

// NodeClient pushes a module version to one cluster node.
type NodeClient interface {
	UpdateNode(ctx context.Context, node, moduleID, version string) error
}

// Persistence stores host records. Writes are fire-and-forget from the core's
// point of view: failures are logged, never returned to the operation.
type Persistence interface {
	SaveRecord(ctx context.Context, rec *ModuleRecord) error
	SaveVersion(ctx context.Context, v VersionRecord) error
	SaveDeploymentRecord(ctx context.Context, d DeploymentRecord) error
	SaveRolloutStatus(ctx context.Context, s RolloutStatus) error
	SaveHealthSnapshot(ctx context.Context, s HealthSnapshot) error
	LoadEnabledModuleIDs(ctx context.Context) ([]string, error)
	QueryHistory(ctx context.Context, moduleID string, limit int) ([]DeploymentRecord, error)
}

// VersionRecord notes that a module version was installed.
type VersionRecord struct {
	ModuleID   string    `json:"moduleId"`
	Version    string    `json:"version"`
	BundleRef  string    `json:"bundleRef,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// DeploymentType classifies a DeploymentRecord.
type DeploymentType string

const (
	DeploymentHotDeploy      DeploymentType = "hot-deploy"
	DeploymentManualUpdate   DeploymentType = "manual-update"
	DeploymentRolloutBatch   DeploymentType = "rollout-batch"
	DeploymentRolloutConfirm DeploymentType = "rollout-confirm"
	DeploymentRolloutReject  DeploymentType = "rollout-reject"
	DeploymentRollback       DeploymentType = "rollback"
)

// DeploymentRecord is one append-only entry of the deployment log.
type DeploymentRecord struct {
	ID              string         `json:"id"`
	ModuleID        string         `json:"moduleId"`
	Version         string         `json:"version"`
	PreviousVersion string         `json:"previousVersion,omitempty"`
	Type            DeploymentType `json:"type"`
	StartedAt       time.Time      `json:"startedAt"`
	EndedAt         time.Time      `json:"endedAt"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
}

// NopPersistence discards writes and restores nothing.
type NopPersistence struct{}

func (NopPersistence) SaveRecord(context.Context, *ModuleRecord) error              { return nil }
func (NopPersistence) SaveVersion(context.Context, VersionRecord) error             { return nil }
func (NopPersistence) SaveDeploymentRecord(context.Context, DeploymentRecord) error { return nil }
func (NopPersistence) SaveRolloutStatus(context.Context, RolloutStatus) error       { return nil }
func (NopPersistence) SaveHealthSnapshot(context.Context, HealthSnapshot) error     { return nil }
func (NopPersistence) LoadEnabledModuleIDs(context.Context) ([]string, error)       { return nil, nil }
func (NopPersistence) QueryHistory(context.Context, string, int) ([]DeploymentRecord, error) {
	return nil, nil
}

// alwaysHealthy is used when no Prober is configured.
type alwaysHealthy struct{}

func (alwaysHealthy) Probe(context.Context, string, time.Duration) (bool, error) { return true, nil }
