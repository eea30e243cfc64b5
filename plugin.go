package pluginhost

import "context"

// EntryPoint names one of the fixed calls a module bundle exposes.
type EntryPoint string

const (
	EntryInit      EntryPoint = "init"
	EntryStart     EntryPoint = "start"
	EntryStop      EntryPoint = "stop"
	EntryDestroy   EntryPoint = "destroy"
	EntryUninstall EntryPoint = "uninstall"
	EntryHealth    EntryPoint = "health"
)

// Plugin is the capability contract every module implements.
type Plugin interface {
	// Init prepares the module. mctx is owned by the module until Destroy.
	Init(ctx context.Context, mctx *ModuleContext) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Destroy releases everything acquired in Init.
	Destroy(ctx context.Context) error
}

// Uninstaller is implemented by modules that clean up persistent state when
// they are retired from the host.
type Uninstaller interface {
	Uninstall(ctx context.Context) error
}

// HealthChecker is implemented by modules that report their own health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (HealthStatus, error)
}

// HealthStatus is a self-reported module health result.
type HealthStatus struct {
	Healthy bool           `json:"healthy"`
	Message string         `json:"message,omitempty"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// ModuleContext is the scoped context handed to a module's init entry point.
type ModuleContext struct {
	ModuleID   string
	Version    string
	Config     map[string]any
	DataDir    string
	Properties map[string]any
	Logger     Logger
	Events     Subject
}
