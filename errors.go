package pluginhost

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by a lifecycle, deployment or rollout
// operation matches exactly one of these with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrDependency = errors.New("dependency error")
	ErrTransition = errors.New("transition error")
	ErrDeployment = errors.New("deployment error")
	ErrRollout    = errors.New("rollout error")
)

// Module errors
var (
	// Registry errors
	ErrModuleNotFound          = errors.New("module not found")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrModuleBusy              = errors.New("module has an operation in progress")

	// Host errors
	ErrNilOption          = errors.New("option value cannot be nil")
	ErrHostAlreadyStarted = errors.New("host already started")
	ErrHostNotStarted     = errors.New("host not started")

	// Validation errors
	ErrDescriptorNil      = errors.New("descriptor is nil")
	ErrInvalidModuleID    = errors.New("invalid module id")
	ErrInvalidVersion     = errors.New("invalid module version")
	ErrInvalidRequirement = errors.New("invalid version requirement")
	ErrBundleNameInvalid  = errors.New("bundle name does not match {moduleId}-{version}.{ext}")
	ErrManifestMismatch   = errors.New("manifest id or version does not match bundle name")
	ErrUnsupportedFormat  = errors.New("unsupported manifest format")

	// Dependency resolution errors
	ErrCircularDependency     = errors.New("circular dependency detected")
	ErrDependencyNotSatisfied = errors.New("required dependency not satisfied")
	ErrVersionConflict        = errors.New("unresolved version conflict")

	// Transition errors
	ErrIllegalTransition     = errors.New("illegal state transition")
	ErrEntryPointUnsupported = errors.New("entry point not supported by module")
	ErrEntryPointPanic       = errors.New("entry point panicked")
	ErrCallTimeout           = errors.New("entry point call timed out")
	ErrHandleMissing         = errors.New("module has no loader handle")
	ErrFactoryNotFound       = errors.New("no factory registered for entry point")
	ErrUnhealthy             = errors.New("module reported unhealthy")

	// Deployment errors
	ErrVersionUnavailable = errors.New("version not available")
	ErrNoBackup           = errors.New("no backup retained for module")
	ErrRollbackFailed     = errors.New("rollback failed")

	// Rollout errors
	ErrRolloutNotFound   = errors.New("rollout not found")
	ErrRolloutState      = errors.New("operation not valid in current rollout state")
	ErrReleaseState      = errors.New("operation not valid in current release status")
	ErrNodeUpdateFailed  = errors.New("node update failed")
	ErrNodeClientMissing = errors.New("cluster mode requires a node client")
	ErrInvalidBatchSize  = errors.New("batch size must be between 1 and 100")
)

// ModuleError carries the failure category, the operation and the module it
// applied to. errors.Is matches both the category and the underlying cause.
type ModuleError struct {
	Kind     error
	ModuleID string
	Op       string
	Err      error
}

func (e *ModuleError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s %q: %v", e.Kind, e.Op, e.ModuleID, e.Err)
}

func (e *ModuleError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func moduleError(kind error, op, moduleID string, err error) error {
	var me *ModuleError
	if errors.As(err, &me) && me.ModuleID == moduleID && me.Kind == kind {
		return err
	}
	return &ModuleError{Kind: kind, ModuleID: moduleID, Op: op, Err: err}
}
