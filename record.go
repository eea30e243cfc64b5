package pluginhost

import "time"

// ModuleState is a lifecycle state of a registered module.
type ModuleState string

const (
	StateCreated          ModuleState = "CREATED"
	StateLoaded           ModuleState = "LOADED"
	StateInitialized      ModuleState = "INITIALIZED"
	StateRunning          ModuleState = "RUNNING"
	StateStopped          ModuleState = "STOPPED"
	StateUnloading        ModuleState = "UNLOADING"
	StateUnloaded         ModuleState = "UNLOADED"
	StateFailed           ModuleState = "FAILED"
	StateDependencyFailed ModuleState = "DEPENDENCY_FAILED"
	StateError            ModuleState = "ERROR"
)

// IsErrorState reports whether s is FAILED, DEPENDENCY_FAILED or ERROR.
func (s ModuleState) IsErrorState() bool {
	return s == StateFailed || s == StateDependencyFailed || s == StateError
}

// Handle is the loader's opaque reference to materialized module code.
type Handle any

// ModuleRecord is what the Registry stores for one module. Records held by the
// Registry are snapshots: callers Clone before changing a field and write the
// copy back with Registry.Update.
type ModuleRecord struct {
	Descriptor   *Descriptor `json:"descriptor"`
	State        ModuleState `json:"state"`
	Handle       Handle      `json:"-"`
	Enabled      bool        `json:"enabled"`
	BundleRef    string      `json:"bundleRef,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
	RegisteredAt time.Time   `json:"registeredAt"`
	LoadedAt     time.Time   `json:"loadedAt,omitzero"`
	StartedAt    time.Time   `json:"startedAt,omitzero"`
	StoppedAt    time.Time   `json:"stoppedAt,omitzero"`

	seq uint64
}

// NewModuleRecord returns a CREATED record for desc.
func NewModuleRecord(desc *Descriptor, bundleRef string) *ModuleRecord {
	return &ModuleRecord{
		Descriptor:   desc,
		State:        StateCreated,
		BundleRef:    bundleRef,
		RegisteredAt: time.Now(),
	}
}

// ID returns the module id.
func (r *ModuleRecord) ID() string {
	return r.Descriptor.ID
}

// Version returns the installed module version.
func (r *ModuleRecord) Version() string {
	return r.Descriptor.Version
}

// Clone returns a shallow copy. Descriptor and Handle are shared.
func (r *ModuleRecord) Clone() *ModuleRecord {
	c := *r
	return &c
}
