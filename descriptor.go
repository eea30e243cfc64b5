package pluginhost

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// TrustLevel classifies how much the host trusts a module's code.
type TrustLevel string

const (
	TrustTrusted    TrustLevel = "trusted"
	TrustRestricted TrustLevel = "restricted"
	TrustUntrusted  TrustLevel = "untrusted"
)

// Well known descriptor properties.
const (
	// PropertyHealthEndpoint is the hint handed to the Prober for external health checks.
	PropertyHealthEndpoint = "health.endpoint"
)

var moduleIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Dependency is one declared requirement of a module on another module.
type Dependency struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Requirement string `json:"version,omitempty" yaml:"version,omitempty" toml:"version"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional"`
}

// Descriptor is the metadata parsed from a bundle. A Descriptor is never
// modified once it has been handed to the host.
type Descriptor struct {
	ID           string         `json:"id" yaml:"id" toml:"id"`
	Version      string         `json:"version" yaml:"version" toml:"version"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty" toml:"name"`
	EntryPoint   string         `json:"entryPoint" yaml:"entryPoint" toml:"entryPoint"`
	Dependencies []Dependency   `json:"dependencies,omitempty" yaml:"dependencies,omitempty" toml:"dependencies"`
	Priority     int            `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority"`
	TrustLevel   TrustLevel     `json:"trustLevel,omitempty" yaml:"trustLevel,omitempty" toml:"trustLevel"`
	Properties   map[string]any `json:"properties,omitempty" yaml:"properties,omitempty" toml:"properties"`
}

// Validate checks the id, the version and every dependency requirement.
func (d *Descriptor) Validate() error {
	if d == nil {
		return ErrDescriptorNil
	}
	if !moduleIDPattern.MatchString(d.ID) || strings.HasSuffix(d.ID, "-") {
		return fmt.Errorf("%w: %q", ErrInvalidModuleID, d.ID)
	}
	if _, err := parseVersion(d.Version); err != nil {
		return err
	}
	for _, dep := range d.Dependencies {
		if !moduleIDPattern.MatchString(dep.ID) {
			return fmt.Errorf("%w: dependency %q", ErrInvalidModuleID, dep.ID)
		}
		if dep.ID == d.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrCircularDependency, d.ID)
		}
		if _, err := parseRequirement(dep.Requirement); err != nil {
			return err
		}
	}
	return nil
}

// DisplayName returns Name, falling back to ID.
func (d *Descriptor) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// Property returns a free-form property.
func (d *Descriptor) Property(key string) (any, bool) {
	if d == nil || d.Properties == nil {
		return nil, false
	}
	v, ok := d.Properties[key]
	return v, ok
}

// StringProperty returns a property formatted as a string, or "" when unset.
func (d *Descriptor) StringProperty(key string) string {
	v, ok := d.Property(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ParseBundleName splits a bundle file name of the form {moduleId}-{version}.{ext}.
// The module id is everything before the last "-".
func ParseBundleName(path string) (moduleID, version string, err error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	idx := strings.LastIndex(stem, "-")
	if idx <= 0 || idx == len(stem)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBundleNameInvalid, base)
	}
	moduleID, version = stem[:idx], stem[idx+1:]
	if !moduleIDPattern.MatchString(moduleID) {
		return "", "", fmt.Errorf("%w: %q", ErrBundleNameInvalid, base)
	}
	if _, err := parseVersion(version); err != nil {
		return "", "", fmt.Errorf("%w: %q: %w", ErrBundleNameInvalid, base, err)
	}
	return moduleID, version, nil
}
