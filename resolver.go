package pluginhost

import (
	"fmt"
	"strings"
)

// DependencyChecker gates activation of a module on its declared dependencies.
type DependencyChecker interface {
	// CheckDependencies returns nil when desc may be activated.
	CheckDependencies(desc *Descriptor) error
}

// DependencyResolver validates declared dependencies against the Registry and
// computes activation order.
type DependencyResolver struct {
	registry *Registry
	logger   Logger
}

// NewDependencyResolver creates a resolver reading from registry.
func NewDependencyResolver(registry *Registry, logger Logger) *DependencyResolver {
	return &DependencyResolver{
		registry: registry,
		logger:   loggerOrDiscard(logger),
	}
}

// CheckDependencies fails unless every required dependency is registered,
// RUNNING and at a version matching its requirement. Optional dependencies
// never fail the check.
func (r *DependencyResolver) CheckDependencies(desc *Descriptor) error {
	if desc == nil {
		return ErrDescriptorNil
	}
	for _, dep := range desc.Dependencies {
		if err := r.checkDependency(desc.ID, dep); err != nil {
			if dep.Optional {
				r.logger.Debug("Optional dependency unavailable", "module", desc.ID, "dependency", dep.ID, "reason", err)
				continue
			}
			return err
		}
	}
	return nil
}

// Satisfied is CheckDependencies reduced to a boolean.
func (r *DependencyResolver) Satisfied(desc *Descriptor) bool {
	return r.CheckDependencies(desc) == nil
}

func (r *DependencyResolver) checkDependency(dependerID string, dep Dependency) error {
	rec, ok := r.registry.Get(dep.ID)
	if !ok {
		return fmt.Errorf("%w: %s requires %s which is not registered", ErrDependencyNotSatisfied, dependerID, dep.ID)
	}
	if rec.State != StateRunning {
		return fmt.Errorf("%w: %s requires %s which is %s", ErrDependencyNotSatisfied, dependerID, dep.ID, rec.State)
	}
	ok, err := Satisfies(rec.Version(), dep.Requirement)
	if err != nil {
		return fmt.Errorf("%w: %s requires %s: %w", ErrDependencyNotSatisfied, dependerID, dep.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s requires %s %s but %s is installed",
			ErrDependencyNotSatisfied, dependerID, dep.ID, dep.Requirement, rec.Version())
	}
	return nil
}

// TopologicalOrder returns every registered module id with dependencies before
// dependents. Among modules that are ready at the same time the one registered
// first wins. Dependencies on unregistered modules do not constrain the order.
func (r *DependencyResolver) TopologicalOrder() ([]string, error) {
	records := r.registry.GetAll()
	index := make(map[string]int, len(records))
	for i, rec := range records {
		index[rec.ID()] = i
	}

	inDegree := make([]int, len(records))
	dependents := make([][]int, len(records))
	for i, rec := range records {
		seen := make(map[int]bool)
		for _, dep := range rec.Descriptor.Dependencies {
			j, ok := index[dep.ID]
			if !ok || seen[j] {
				continue
			}
			seen[j] = true
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	// records are in registration order, so scanning for the lowest ready
	// index yields the insertion-order tie break.
	emitted := make([]bool, len(records))
	order := make([]string, 0, len(records))
	for len(order) < len(records) {
		next := -1
		for i := range records {
			if !emitted[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		emitted[next] = true
		order = append(order, records[next].ID())
		for _, d := range dependents[next] {
			inDegree[d]--
		}
	}

	if len(order) < len(records) {
		var stuck []string
		for i, rec := range records {
			if !emitted[i] {
				stuck = append(stuck, rec.ID())
			}
		}
		return nil, fmt.Errorf("%w: among %s", ErrCircularDependency, strings.Join(stuck, ", "))
	}

	r.logger.Debug("Module activation order", "order", order)
	return order, nil
}

// GetAllDependencies returns the transitive required dependencies of id,
// deepest first. Dependencies that are not registered are included but not
// expanded.
func (r *DependencyResolver) GetAllDependencies(id string) ([]string, error) {
	rec, ok := r.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	var result []string
	visited := make(map[string]bool)
	onPath := make(map[string]bool)
	var path []string

	var visit func(desc *Descriptor) error
	visit = func(desc *Descriptor) error {
		onPath[desc.ID] = true
		path = append(path, desc.ID)
		for _, dep := range desc.Dependencies {
			if dep.Optional {
				continue
			}
			if onPath[dep.ID] {
				return fmt.Errorf("%w: %s -> %s", ErrCircularDependency, strings.Join(path, " -> "), dep.ID)
			}
			if visited[dep.ID] {
				continue
			}
			if depRec, ok := r.registry.Get(dep.ID); ok {
				if err := visit(depRec.Descriptor); err != nil {
					return err
				}
			}
			visited[dep.ID] = true
			result = append(result, dep.ID)
		}
		path = path[:len(path)-1]
		onPath[desc.ID] = false
		return nil
	}

	if err := visit(rec.Descriptor); err != nil {
		return nil, err
	}
	return result, nil
}
