package pluginhost

import (
	"fmt"
	"sort"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry is the authoritative map of module id to ModuleRecord.
// Reads never block on writers of other modules. Writes are last-writer-wins;
// multi-step changes are serialized by the Coordinator's per-module lock.
type Registry struct {
	records cmap.ConcurrentMap[string, *ModuleRecord]
	seq     atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: cmap.New[*ModuleRecord]()}
}

// Register adds rec. It fails if a record with the same id is present.
func (r *Registry) Register(rec *ModuleRecord) error {
	if rec == nil || rec.Descriptor == nil {
		return ErrDescriptorNil
	}
	inserted := r.records.Upsert(rec.ID(), nil, func(exist bool, current, _ *ModuleRecord) *ModuleRecord {
		if exist {
			return current
		}
		rec.seq = r.seq.Add(1)
		return rec
	})
	if inserted != rec {
		return fmt.Errorf("%w: %s", ErrModuleAlreadyRegistered, rec.ID())
	}
	return nil
}

// Update replaces the stored record with rec.
func (r *Registry) Update(rec *ModuleRecord) error {
	if rec == nil || rec.Descriptor == nil {
		return ErrDescriptorNil
	}
	prev, ok := r.records.Get(rec.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, rec.ID())
	}
	rec.seq = prev.seq
	r.records.Set(rec.ID(), rec)
	return nil
}

// Unregister removes and returns the record for id.
func (r *Registry) Unregister(id string) (*ModuleRecord, bool) {
	return r.records.Pop(id)
}

// Get returns the current record snapshot for id.
func (r *Registry) Get(id string) (*ModuleRecord, bool) {
	return r.records.Get(id)
}

// GetAll returns every record in registration order.
func (r *Registry) GetAll() []*ModuleRecord {
	items := r.records.Items()
	out := make([]*ModuleRecord, 0, len(items))
	for _, rec := range items {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// HasModule reports whether id is registered.
func (r *Registry) HasModule(id string) bool {
	return r.records.Has(id)
}

// Count returns the number of registered modules.
func (r *Registry) Count() int {
	return r.records.Count()
}
