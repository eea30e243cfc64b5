package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Bundle is one module bundle found in the deploy directory.
type Bundle struct {
	ModuleID string
	Version  string
	Path     string
	ModTime  time.Time
}

// BundleCatalog answers which module versions are available in the deploy
// directory. It reads the directory on every call.
type BundleCatalog struct {
	dir        string
	extensions []string
}

// NewBundleCatalog creates a catalog over dir accepting the given file
// extensions, e.g. ".yaml".
func NewBundleCatalog(dir string, extensions []string) *BundleCatalog {
	exts := make([]string, 0, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return &BundleCatalog{dir: dir, extensions: exts}
}

// Dir returns the catalog directory.
func (c *BundleCatalog) Dir() string {
	return c.dir
}

// IsBundle reports whether path has a bundle extension and a well formed name.
func (c *BundleCatalog) IsBundle(path string) bool {
	if !slices.Contains(c.extensions, strings.ToLower(filepath.Ext(path))) {
		return false
	}
	_, _, err := ParseBundleName(path)
	return err == nil
}

// Scan lists every bundle in the directory.
func (c *BundleCatalog) Scan() ([]Bundle, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("reading deploy directory: %w", err)
	}
	var out []Bundle
	for _, entry := range entries {
		if entry.IsDir() || !c.IsBundle(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		id, version, _ := ParseBundleName(entry.Name())
		out = append(out, Bundle{
			ModuleID: id,
			Version:  version,
			Path:     filepath.Join(c.dir, entry.Name()),
			ModTime:  info.ModTime(),
		})
	}
	return out, nil
}

// Versions lists the available versions of moduleID, ascending.
func (c *BundleCatalog) Versions(moduleID string) []string {
	bundles, err := c.Scan()
	if err != nil {
		return nil
	}
	var versions []string
	for _, b := range bundles {
		if b.ModuleID == moduleID {
			versions = append(versions, b.Version)
		}
	}
	return SortVersions(versions)
}

// Lookup returns the bundle path of moduleID at version.
func (c *BundleCatalog) Lookup(moduleID, version string) (string, error) {
	bundles, err := c.Scan()
	if err != nil {
		return "", err
	}
	for _, b := range bundles {
		if b.ModuleID == moduleID && SameVersion(b.Version, version) {
			return b.Path, nil
		}
	}
	return "", fmt.Errorf("%w: %s %s", ErrVersionUnavailable, moduleID, version)
}

// Latest returns the newest available bundle of moduleID.
func (c *BundleCatalog) Latest(moduleID string) (Bundle, error) {
	bundles, err := c.Scan()
	if err != nil {
		return Bundle{}, err
	}
	var best *Bundle
	for i := range bundles {
		b := &bundles[i]
		if b.ModuleID != moduleID {
			continue
		}
		if best == nil || CompareVersions(b.Version, best.Version) > 0 {
			best = b
		}
	}
	if best == nil {
		return Bundle{}, fmt.Errorf("%w: %s", ErrVersionUnavailable, moduleID)
	}
	return *best, nil
}
