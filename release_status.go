package pluginhost

import (
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ReleaseStatus tracks whether a module version is still on probation.
type ReleaseStatus string

const (
	ReleaseCreated     ReleaseStatus = "CREATED"
	ReleaseGrayTesting ReleaseStatus = "GRAY_TESTING"
	ReleaseConfirmed   ReleaseStatus = "CONFIRMED"
	ReleaseRejected    ReleaseStatus = "REJECTED"
	ReleaseDeprecated  ReleaseStatus = "DEPRECATED"
)

var releaseTransitions = map[ReleaseStatus][]ReleaseStatus{
	ReleaseCreated:     {ReleaseGrayTesting, ReleaseConfirmed},
	ReleaseGrayTesting: {ReleaseConfirmed, ReleaseRejected},
	ReleaseConfirmed:   {ReleaseDeprecated},
}

func (s ReleaseStatus) canMoveTo(next ReleaseStatus) bool {
	for _, allowed := range releaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type releaseEntry struct {
	ModuleID  string
	Version   string
	Status    ReleaseStatus
	UpdatedAt time.Time
}

// releaseBook holds the release status of every module version seen by the
// rollout manager.
type releaseBook struct {
	entries cmap.ConcurrentMap[string, releaseEntry]
}

func newReleaseBook() *releaseBook {
	return &releaseBook{entries: cmap.New[releaseEntry]()}
}

func releaseKey(moduleID, version string) string {
	if v, err := parseVersion(version); err == nil {
		version = v.String()
	}
	return moduleID + "@" + version
}

func (b *releaseBook) get(moduleID, version string) ReleaseStatus {
	if e, ok := b.entries.Get(releaseKey(moduleID, version)); ok {
		return e.Status
	}
	return ReleaseCreated
}

// move applies one lattice step.
func (b *releaseBook) move(moduleID, version string, next ReleaseStatus) error {
	cur := b.get(moduleID, version)
	if !cur.canMoveTo(next) {
		return fmt.Errorf("%w: %s %s is %s, cannot become %s", ErrReleaseState, moduleID, version, cur, next)
	}
	b.entries.Set(releaseKey(moduleID, version), releaseEntry{
		ModuleID:  moduleID,
		Version:   version,
		Status:    next,
		UpdatedAt: time.Now(),
	})
	return nil
}

// lastConfirmed returns the most recently confirmed version of moduleID other
// than except.
func (b *releaseBook) lastConfirmed(moduleID, except string) (string, bool) {
	var best releaseEntry
	found := false
	for _, e := range b.entries.Items() {
		if e.ModuleID != moduleID || e.Status != ReleaseConfirmed || SameVersion(e.Version, except) {
			continue
		}
		if !found || e.UpdatedAt.After(best.UpdatedAt) {
			best, found = e, true
		}
	}
	return best.Version, found
}

// deprecateConfirmed moves every confirmed version of moduleID except keep to DEPRECATED.
func (b *releaseBook) deprecateConfirmed(moduleID, keep string) []string {
	var deprecated []string
	for _, e := range b.entries.Items() {
		if e.ModuleID != moduleID || e.Status != ReleaseConfirmed || SameVersion(e.Version, keep) {
			continue
		}
		if err := b.move(moduleID, e.Version, ReleaseDeprecated); err == nil {
			deprecated = append(deprecated, e.Version)
		}
	}
	return deprecated
}
