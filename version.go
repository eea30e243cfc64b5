package pluginhost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

func parseVersion(v string) (*semver.Version, error) {
	sv, err := semver.NewVersion(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, v, err)
	}
	return sv, nil
}

// parseRequirement accepts exact versions, comparison ranges such as
// ">=1.0 <2.0", caret and tilde ranges. An empty requirement matches anything.
func parseRequirement(req string) (*semver.Constraints, error) {
	req = strings.TrimSpace(req)
	if req == "" {
		req = "*"
	}
	c, err := semver.NewConstraint(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidRequirement, req, err)
	}
	return c, nil
}

// Satisfies reports whether version matches requirement.
func Satisfies(version, requirement string) (bool, error) {
	v, err := parseVersion(version)
	if err != nil {
		return false, err
	}
	c, err := parseRequirement(requirement)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}

// SameVersion compares two versions semantically, so "1.6" equals "1.6.0".
func SameVersion(a, b string) bool {
	va, errA := parseVersion(a)
	vb, errB := parseVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}

// CompareVersions returns -1, 0 or 1. Unparsable versions sort before valid ones.
func CompareVersions(a, b string) int {
	va, errA := parseVersion(a)
	vb, errB := parseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// SortVersions sorts ascending by semantic version and drops duplicates.
func SortVersions(versions []string) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		dup := false
		for _, o := range out {
			if SameVersion(o, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return CompareVersions(out[i], out[j]) < 0
	})
	return out
}
