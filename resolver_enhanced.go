package pluginhost

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
)

// ResolutionStrategy picks a dependee version when dependers disagree.
type ResolutionStrategy string

const (
	// StrategyNewest picks the highest version satisfying at least one requirement.
	StrategyNewest ResolutionStrategy = "NEWEST"
	// StrategyOldest picks the lowest version satisfying at least one requirement.
	StrategyOldest ResolutionStrategy = "OLDEST"
	// StrategyNearest follows the depender closest to the module being activated.
	StrategyNearest ResolutionStrategy = "NEAREST"
	// StrategyHighestRank follows the depender with the lowest priority number.
	StrategyHighestRank ResolutionStrategy = "HIGHEST_RANK"
)

// ParseResolutionStrategy maps a configuration value to a strategy.
func ParseResolutionStrategy(s string) (ResolutionStrategy, error) {
	switch st := ResolutionStrategy(s); st {
	case StrategyNewest, StrategyOldest, StrategyNearest, StrategyHighestRank:
		return st, nil
	case "":
		return StrategyNewest, nil
	}
	return "", fmt.Errorf("%w: unknown resolution strategy %q", ErrValidation, s)
}

// VersionSource lists the versions of a module that could be installed.
type VersionSource interface {
	Versions(moduleID string) []string
}

// VersionConflict describes a dependee whose dependers' requirements have no
// common satisfying version.
type VersionConflict struct {
	DependeeID       string             `json:"dependeeId"`
	Requirements     map[string]string  `json:"requirements"`
	InstalledVersion string             `json:"installedVersion,omitempty"`
	ResolvedVersion  string             `json:"resolvedVersion,omitempty"`
	Strategy         ResolutionStrategy `json:"strategy,omitempty"`
}

// Resolved reports whether a strategy found a version.
func (c VersionConflict) Resolved() bool {
	return c.ResolvedVersion != ""
}

// Resolution is the outcome of resolving one dependee.
type Resolution struct {
	DependeeID string
	Version    string
	// Conflict is set when no single version satisfied every requirement and
	// Version was chosen by a strategy.
	Conflict *VersionConflict
}

// EnhancedResolver adds version conflict detection and resolution to
// DependencyResolver.
type EnhancedResolver struct {
	*DependencyResolver
	versions VersionSource
	strategy ResolutionStrategy

	mu        sync.RWMutex
	conflicts map[string]VersionConflict
}

// NewEnhancedResolver creates a resolver. versions may be nil, in which case
// only installed versions are candidates.
func NewEnhancedResolver(registry *Registry, versions VersionSource, strategy ResolutionStrategy, logger Logger) *EnhancedResolver {
	if strategy == "" {
		strategy = StrategyNewest
	}
	return &EnhancedResolver{
		DependencyResolver: NewDependencyResolver(registry, logger),
		versions:           versions,
		strategy:           strategy,
		conflicts:          make(map[string]VersionConflict),
	}
}

// Strategy returns the configured resolution strategy.
func (r *EnhancedResolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// dependencyGraph is a snapshot of every registered descriptor.
type dependencyGraph struct {
	order []string
	descs map[string]*Descriptor
}

func (r *EnhancedResolver) snapshot(overlay *Descriptor) dependencyGraph {
	g := dependencyGraph{descs: make(map[string]*Descriptor)}
	for _, rec := range r.registry.GetAll() {
		g.order = append(g.order, rec.ID())
		g.descs[rec.ID()] = rec.Descriptor
	}
	if overlay != nil {
		if _, ok := g.descs[overlay.ID]; !ok {
			g.order = append(g.order, overlay.ID)
		}
		g.descs[overlay.ID] = overlay
	}
	return g
}

// requirements returns depender -> requirement for dependeeID.
func (g dependencyGraph) requirements(dependeeID string) map[string]string {
	reqs := make(map[string]string)
	for _, id := range g.order {
		for _, dep := range g.descs[id].Dependencies {
			if dep.ID == dependeeID {
				reqs[id] = dep.Requirement
			}
		}
	}
	return reqs
}

func distinctRequirements(reqs map[string]string) int {
	seen := make(map[string]bool)
	for _, req := range reqs {
		seen[req] = true
	}
	return len(seen)
}

func (r *EnhancedResolver) candidates(dependeeID string) (installed string, versions []string) {
	var all []string
	if r.versions != nil {
		all = append(all, r.versions.Versions(dependeeID)...)
	}
	if rec, ok := r.registry.Get(dependeeID); ok {
		installed = rec.Version()
		all = append(all, installed)
	}
	return installed, SortVersions(all)
}

// DetectConflicts recomputes conflicts over every registered module and
// remembers them for Conflicts.
func (r *EnhancedResolver) DetectConflicts() []VersionConflict {
	g := r.snapshot(nil)
	dependees := make(map[string]bool)
	for _, id := range g.order {
		for _, dep := range g.descs[id].Dependencies {
			dependees[dep.ID] = true
		}
	}

	found := make(map[string]VersionConflict)
	for _, dependeeID := range slices.Sorted(maps.Keys(dependees)) {
		res, _ := r.resolve(g, dependeeID, "")
		if res.Conflict == nil {
			continue
		}
		found[dependeeID] = *res.Conflict
	}

	r.mu.Lock()
	r.conflicts = found
	r.mu.Unlock()

	out := make([]VersionConflict, 0, len(found))
	for _, id := range slices.Sorted(maps.Keys(found)) {
		out = append(out, found[id])
	}
	return out
}

// Conflicts returns the conflicts found by the last resolution pass.
func (r *EnhancedResolver) Conflicts() []VersionConflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VersionConflict, 0, len(r.conflicts))
	for _, id := range slices.Sorted(maps.Keys(r.conflicts)) {
		out = append(out, r.conflicts[id])
	}
	return out
}

// ResolveDependee picks the version of dependeeID that the registered
// dependers should run against.
func (r *EnhancedResolver) ResolveDependee(dependeeID string) (Resolution, error) {
	return r.resolve(r.snapshot(nil), dependeeID, "")
}

func (r *EnhancedResolver) resolve(g dependencyGraph, dependeeID, requester string) (Resolution, error) {
	reqs := g.requirements(dependeeID)
	installed, candidates := r.candidates(dependeeID)
	res := Resolution{DependeeID: dependeeID}

	common := make([]string, 0, len(candidates))
	for _, v := range candidates {
		if satisfiesAll(v, reqs) {
			common = append(common, v)
		}
	}
	if len(common) > 0 {
		res.Version = common[len(common)-1]
		r.mu.Lock()
		delete(r.conflicts, dependeeID)
		r.mu.Unlock()
		return res, nil
	}
	if len(reqs) == 0 {
		return res, fmt.Errorf("%w: %s", ErrVersionUnavailable, dependeeID)
	}
	if distinctRequirements(reqs) < 2 {
		// A single requirement that nothing satisfies is a missing version,
		// not a conflict between dependers.
		return res, fmt.Errorf("%w: no version of %s satisfies the requirement", ErrVersionUnavailable, dependeeID)
	}

	conflict := &VersionConflict{
		DependeeID:       dependeeID,
		Requirements:     reqs,
		InstalledVersion: installed,
		Strategy:         r.strategy,
	}
	conflict.ResolvedVersion = r.applyStrategy(g, candidates, reqs, requester)
	res.Conflict = conflict
	res.Version = conflict.ResolvedVersion

	r.mu.Lock()
	r.conflicts[dependeeID] = *conflict
	r.mu.Unlock()

	if !conflict.Resolved() {
		r.logger.Warn("Unresolvable version conflict", "dependee", dependeeID, "requirements", reqs, "strategy", r.strategy)
		return res, fmt.Errorf("%w: %s", ErrVersionConflict, dependeeID)
	}
	r.logger.Info("Version conflict resolved", "dependee", dependeeID, "version", conflict.ResolvedVersion, "strategy", r.strategy)
	return res, nil
}

func satisfiesAll(version string, reqs map[string]string) bool {
	for _, req := range reqs {
		ok, err := Satisfies(version, req)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func (r *EnhancedResolver) applyStrategy(g dependencyGraph, candidates []string, reqs map[string]string, requester string) string {
	switch r.strategy {
	case StrategyOldest:
		return pickSatisfyingAny(candidates, reqs, false)
	case StrategyNearest:
		if v := pickForDepender(candidates, reqs, nearestDepender(g, reqs, requester)); v != "" {
			return v
		}
	case StrategyHighestRank:
		if v := pickForDepender(candidates, reqs, highestRankDepender(g, reqs)); v != "" {
			return v
		}
	}
	return pickSatisfyingAny(candidates, reqs, true)
}

// pickSatisfyingAny scans sorted candidates from the top (newest) or bottom.
func pickSatisfyingAny(candidates []string, reqs map[string]string, newest bool) string {
	for i := range candidates {
		v := candidates[i]
		if newest {
			v = candidates[len(candidates)-1-i]
		}
		for _, req := range reqs {
			if ok, err := Satisfies(v, req); err == nil && ok {
				return v
			}
		}
	}
	return ""
}

func pickForDepender(candidates []string, reqs map[string]string, depender string) string {
	if depender == "" {
		return ""
	}
	req := reqs[depender]
	for i := len(candidates) - 1; i >= 0; i-- {
		if ok, err := Satisfies(candidates[i], req); err == nil && ok {
			return candidates[i]
		}
	}
	return ""
}

// nearestDepender returns the depender with the smallest distance from the
// requester, or from the root modules when there is no requester. Distance is
// measured over dependency edges in either direction.
func nearestDepender(g dependencyGraph, reqs map[string]string, requester string) string {
	adj := make(map[string][]string)
	dependedOn := make(map[string]bool)
	for _, id := range g.order {
		for _, dep := range g.descs[id].Dependencies {
			adj[id] = append(adj[id], dep.ID)
			adj[dep.ID] = append(adj[dep.ID], id)
			dependedOn[dep.ID] = true
		}
	}

	var start []string
	if _, ok := g.descs[requester]; ok {
		start = []string{requester}
	} else {
		for _, id := range g.order {
			if !dependedOn[id] {
				start = append(start, id)
			}
		}
	}

	dist := make(map[string]int)
	queue := make([]string, 0, len(g.order))
	for _, id := range start {
		dist[id] = 0
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if _, seen := dist[next]; !seen {
				dist[next] = dist[cur] + 1
				queue = append(queue, next)
			}
		}
	}

	best, bestDist := "", -1
	for _, id := range g.order {
		if _, ok := reqs[id]; !ok {
			continue
		}
		d, ok := dist[id]
		if !ok {
			continue
		}
		if bestDist < 0 || d < bestDist {
			best, bestDist = id, d
		}
	}
	return best
}

func highestRankDepender(g dependencyGraph, reqs map[string]string) string {
	dependers := make([]string, 0, len(reqs))
	for _, id := range g.order {
		if _, ok := reqs[id]; ok {
			dependers = append(dependers, id)
		}
	}
	sort.SliceStable(dependers, func(i, j int) bool {
		return g.descs[dependers[i]].Priority < g.descs[dependers[j]].Priority
	})
	if len(dependers) == 0 {
		return ""
	}
	return dependers[0]
}

// CheckDependencies runs conflict resolution for every dependency of desc
// before the basic check. A dependency caught in a conflict passes only when
// the conflict resolves to the version that is installed.
func (r *EnhancedResolver) CheckDependencies(desc *Descriptor) error {
	if desc == nil {
		return ErrDescriptorNil
	}
	g := r.snapshot(desc)
	for _, dep := range desc.Dependencies {
		if distinctRequirements(g.requirements(dep.ID)) < 2 {
			continue
		}
		res, err := r.resolve(g, dep.ID, desc.ID)
		if res.Conflict == nil {
			continue
		}
		if err != nil {
			if dep.Optional {
				continue
			}
			return fmt.Errorf("%s requires %s: %w", desc.ID, dep.ID, err)
		}
		if !SameVersion(res.Conflict.InstalledVersion, res.Version) && !dep.Optional {
			return fmt.Errorf("%w: %s requires %s, conflict resolves to %s but %s is installed",
				ErrVersionConflict, desc.ID, dep.ID, res.Version, res.Conflict.InstalledVersion)
		}
	}
	return r.DependencyResolver.CheckDependencies(desc)
}
