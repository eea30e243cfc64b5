package pluginhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/pluginhost/feeders"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "PLUGINHOST"

// Static errors for config loading
var (
	ErrConfigNil                 = errors.New("config cannot be nil")
	ErrConfigNotPointer          = errors.New("config must be a pointer")
	ErrConfigNotStruct           = errors.New("config must be a struct")
	ErrConfigInvalid             = errors.New("invalid host configuration")
	ErrUnsupportedTypeForDefault = errors.New("unsupported type for default value")
)

const tagDefault = "default"

// HostConfig is the complete configuration of a Host.
type HostConfig struct {
	DataDir          string        `yaml:"dataDir" json:"dataDir" toml:"dataDir" env:"DATA_DIR" default:"./data" desc:"Root of the per-module data directories"`
	DeployDir        string        `yaml:"deployDir" json:"deployDir" toml:"deployDir" env:"DEPLOY_DIR" default:"./deploy" desc:"Directory watched for module bundles"`
	BundleExtensions []string      `yaml:"bundleExtensions" json:"bundleExtensions" toml:"bundleExtensions" env:"BUNDLE_EXTENSIONS" default:"[\".yaml\",\".yml\",\".toml\",\".json\"]" desc:"File extensions treated as bundles"`
	CallTimeout      time.Duration `yaml:"callTimeout" json:"callTimeout" toml:"callTimeout" env:"CALL_TIMEOUT" default:"30s" desc:"Deadline of every entry-point call"`

	Health    HealthSettings    `yaml:"health" json:"health" toml:"health" env:"HEALTH"`
	HotDeploy HotDeploySettings `yaml:"hotDeploy" json:"hotDeploy" toml:"hotDeploy" env:"HOT_DEPLOY"`
	Rollout   RolloutSettings   `yaml:"rollout" json:"rollout" toml:"rollout" env:"ROLLOUT"`
	Resolver  ResolverSettings  `yaml:"resolver" json:"resolver" toml:"resolver" env:"RESOLVER"`
	HTTP      HTTPSettings      `yaml:"http" json:"http" toml:"http" env:"HTTP"`

	// Modules holds per-module configuration handed to Init, keyed by module id.
	Modules map[string]map[string]any `yaml:"modules,omitempty" json:"modules,omitempty" toml:"modules,omitempty" env:"-"`
}

type HealthSettings struct {
	Interval         time.Duration `yaml:"interval" json:"interval" toml:"interval" env:"INTERVAL" default:"30s" desc:"Time between health sweeps"`
	ProbeTimeout     time.Duration `yaml:"probeTimeout" json:"probeTimeout" toml:"probeTimeout" env:"PROBE_TIMEOUT" default:"5s" desc:"Deadline of one external probe"`
	FailureThreshold int           `yaml:"failureThreshold" json:"failureThreshold" toml:"failureThreshold" env:"FAILURE_THRESHOLD" default:"3" desc:"Consecutive failures before each recovery step"`
	HistorySize      int           `yaml:"historySize" json:"historySize" toml:"historySize" env:"HISTORY_SIZE" default:"100" desc:"Snapshots kept per module"`
	PoolSize         int           `yaml:"poolSize" json:"poolSize" toml:"poolSize" env:"POOL_SIZE" default:"8" desc:"Concurrent probes"`
}

type HotDeploySettings struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" toml:"enabled" env:"ENABLED" default:"true" desc:"Watch the deploy directory"`
	SettleDelay    time.Duration `yaml:"settleDelay" json:"settleDelay" toml:"settleDelay" env:"SETTLE_DELAY" default:"500ms" desc:"Quiet period before a changed bundle is deployed"`
	RescanInterval time.Duration `yaml:"rescanInterval" json:"rescanInterval" toml:"rescanInterval" env:"RESCAN_INTERVAL" default:"1m" desc:"Full rescan period, 0 disables"`
}

type RolloutSettings struct {
	AutoProceed   bool          `yaml:"autoProceed" json:"autoProceed" toml:"autoProceed" env:"AUTO_PROCEED" default:"true" desc:"Advance validated batches automatically"`
	SweepInterval time.Duration `yaml:"sweepInterval" json:"sweepInterval" toml:"sweepInterval" env:"SWEEP_INTERVAL" default:"1m" desc:"Time between pending-rollout checks"`
	ClusterMode   bool          `yaml:"clusterMode" json:"clusterMode" toml:"clusterMode" env:"CLUSTER_MODE" default:"false" desc:"Push batches to cluster nodes"`
	Nodes         []string      `yaml:"nodes" json:"nodes" toml:"nodes" env:"NODES" desc:"Cluster node names"`
}

type ResolverSettings struct {
	Strategy string `yaml:"strategy" json:"strategy" toml:"strategy" env:"STRATEGY" default:"NEWEST" desc:"Version conflict strategy: NEWEST, OLDEST, NEAREST or HIGHEST_RANK"`
}

type HTTPSettings struct {
	Address string `yaml:"address" json:"address" toml:"address" env:"ADDRESS" default:":8080" desc:"Operator API listen address, empty disables"`
}

// DefaultHostConfig returns a HostConfig holding only default tag values.
func DefaultHostConfig() *HostConfig {
	cfg := &HostConfig{}
	if err := ProcessConfigDefaults(cfg); err != nil {
		panic(fmt.Sprintf("invalid default tag on HostConfig: %v", err))
	}
	return cfg
}

// LoadConfig builds a HostConfig from defaults, then each file in order, then
// PLUGINHOST_* environment variables, and validates the result.
func LoadConfig(paths ...string) (*HostConfig, error) {
	cfg := DefaultHostConfig()
	for _, path := range paths {
		feeder, err := feeders.ForFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if err := feeder.Feed(cfg); err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}
	if err := feeders.NewAffixedEnvFeeder(EnvPrefix).Feed(cfg); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *HostConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.DataDir != "", "dataDir is required")
	check(c.DeployDir != "", "deployDir is required")
	check(len(c.BundleExtensions) > 0, "bundleExtensions must not be empty")
	check(c.CallTimeout > 0, "callTimeout must be positive")
	check(c.Health.Interval > 0, "health.interval must be positive")
	check(c.Health.ProbeTimeout > 0, "health.probeTimeout must be positive")
	check(c.Health.FailureThreshold >= 1, "health.failureThreshold must be at least 1")
	check(c.Health.HistorySize >= 1, "health.historySize must be at least 1")
	check(c.Health.PoolSize >= 1, "health.poolSize must be at least 1")
	check(c.HotDeploy.SettleDelay > 0, "hotDeploy.settleDelay must be positive")
	check(c.HotDeploy.RescanInterval >= 0, "hotDeploy.rescanInterval must not be negative")
	check(c.Rollout.SweepInterval > 0, "rollout.sweepInterval must be positive")
	check(!c.Rollout.ClusterMode || len(c.Rollout.Nodes) > 0, "rollout.nodes is required in cluster mode")
	if _, err := ParseResolutionStrategy(c.Resolver.Strategy); err != nil {
		problems = append(problems, err.Error())
	}
	for _, ext := range c.BundleExtensions {
		check(strings.HasPrefix(ext, "."), "bundle extension %q must start with a dot", ext)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Marshal renders the configuration as yaml, json or toml.
func (c *HostConfig) Marshal(format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(c)
	case "json":
		return json.MarshalIndent(c, "", "  ")
	case "toml":
		var b strings.Builder
		if err := toml.NewEncoder(&b).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
		return []byte(b.String()), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ModuleConfig returns a copy of the configuration of module id.
func (c *HostConfig) ModuleConfig(id string) map[string]any {
	src := c.Modules[id]
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func (c *HostConfig) coordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CallTimeout:  c.CallTimeout,
		DataDir:      c.DataDir,
		ModuleConfig: c.ModuleConfig,
	}
}

func (c *HostConfig) healthConfig() HealthConfig {
	return HealthConfig{
		Interval:         c.Health.Interval,
		ProbeTimeout:     c.Health.ProbeTimeout,
		FailureThreshold: c.Health.FailureThreshold,
		HistorySize:      c.Health.HistorySize,
		PoolSize:         c.Health.PoolSize,
	}
}

func (c *HostConfig) hotDeployConfig() HotDeployConfig {
	return HotDeployConfig{
		SettleDelay:    c.HotDeploy.SettleDelay,
		RescanInterval: c.HotDeploy.RescanInterval,
	}
}

func (c *HostConfig) rolloutConfig() RolloutConfig {
	return RolloutConfig{
		AutoProceed:   c.Rollout.AutoProceed,
		SweepInterval: c.Rollout.SweepInterval,
		ClusterMode:   c.Rollout.ClusterMode,
		Nodes:         append([]string(nil), c.Rollout.Nodes...),
	}
}

// ProcessConfigDefaults applies `default:"value"` tags to zero-valued fields
// of the struct cfg points to. Slices and maps take a JSON literal.
//
//	type Config struct {
//	    Host     string        `default:"localhost"`
//	    Timeout  time.Duration `default:"5s"`
//	    Features []string      `default:"[\"a\",\"b\"]"`
//	}
func ProcessConfigDefaults(cfg any) error {
	if cfg == nil {
		return ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return ErrConfigNotStruct
	}
	return processStructDefaults(v)
}

// processStructDefaults recursively processes struct fields for default values
func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}

		defaultVal, hasDefault := fieldType.Tag.Lookup(tagDefault)
		if !hasDefault || !field.IsZero() {
			continue
		}
		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// setDefaultValue sets a default value from a string to the proper field type
func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.Slice, reflect.Map:
		ptr := reflect.New(field.Type())
		if err := json.Unmarshal([]byte(defaultVal), ptr.Interface()); err != nil {
			return fmt.Errorf("failed to unmarshal JSON default: %w", err)
		}
		field.Set(ptr.Elem())
		return nil
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		converted, err := cast.FromType(defaultVal, field.Type())
		if err != nil {
			return fmt.Errorf("failed to parse %s value: %w", field.Kind(), err)
		}
		field.Set(reflect.ValueOf(converted).Convert(field.Type()))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
}
