package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ManifestLoader is a DescriptorLoader for manifest bundles: YAML, TOML or
// JSON files whose name follows {moduleId}-{version}.{ext}.
type ManifestLoader struct{}

// NewManifestLoader creates a ManifestLoader.
func NewManifestLoader() *ManifestLoader {
	return &ManifestLoader{}
}

func (l *ManifestLoader) Parse(_ context.Context, bundleRef string) (*Descriptor, error) {
	id, version, err := ParseBundleName(bundleRef)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(bundleRef)
	if err != nil {
		return nil, fmt.Errorf("reading bundle %s: %w", bundleRef, err)
	}

	desc, err := DecodeDescriptor(filepath.Ext(bundleRef), data)
	if err != nil {
		return nil, fmt.Errorf("parsing bundle %s: %w", bundleRef, err)
	}
	if desc.ID == "" {
		desc.ID = id
	}
	if desc.Version == "" {
		desc.Version = version
	}
	if desc.ID != id || !SameVersion(desc.Version, version) {
		return nil, fmt.Errorf("%w: %s declares %s %s", ErrManifestMismatch, filepath.Base(bundleRef), desc.ID, desc.Version)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// DecodeDescriptor decodes a manifest in the format named by ext.
func DecodeDescriptor(ext string, data []byte) (*Descriptor, error) {
	desc := &Descriptor{}
	var err error
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, desc)
	case "toml":
		err = toml.Unmarshal(data, desc)
	case "json":
		err = json.Unmarshal(data, desc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	return desc, nil
}
