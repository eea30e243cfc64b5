// Package feeders reads host configuration from YAML, TOML and JSON files and
// from prefixed environment variables.
package feeders

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Feeder fills a pointer to a struct from one configuration source.
type Feeder interface {
	Feed(structure any) error
}

// YamlFeeder reads a YAML file.
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a new YamlFeeder that reads from the specified YAML file
func NewYamlFeeder(filePath string) YamlFeeder {
	return YamlFeeder{Path: filePath}
}

func (y YamlFeeder) Feed(structure any) error {
	data, err := readFile(y.Path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, structure); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, y.Path, err)
	}
	return nil
}

// TomlFeeder reads a TOML file.
type TomlFeeder struct {
	Path string
}

func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{Path: filePath}
}

func (t TomlFeeder) Feed(structure any) error {
	data, err := readFile(t.Path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, structure); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, t.Path, err)
	}
	return nil
}

// JSONFeeder reads a JSON file. The document is remarshalled through YAML so
// field names and duration strings follow the same rules as YamlFeeder.
type JSONFeeder struct {
	Path string
}

func NewJSONFeeder(filePath string) JSONFeeder {
	return JSONFeeder{Path: filePath}
}

func (j JSONFeeder) Feed(structure any) error {
	data, err := readFile(j.Path)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, j.Path, err)
	}
	remarshalled, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, j.Path, err)
	}
	if err := yaml.Unmarshal(remarshalled, structure); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDecode, j.Path, err)
	}
	return nil
}

// ForFile picks the file feeder matching the extension of path.
func ForFile(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	case ".json":
		return NewJSONFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileRead, err)
	}
	return data, nil
}
