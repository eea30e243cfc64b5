// Package memstore is an in-memory pluginhost.Persistence backed by go-memdb.
// It keeps everything for the life of the process, which makes it suitable for
// tests and single-process hosts that restore enabled modules after a reload
// of the host object rather than a process restart.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/GoCodeAlone/pluginhost"
)

const (
	tableModules     = "modules"
	tableVersions    = "versions"
	tableDeployments = "deployments"
	tableRollouts    = "rollouts"
	tableHealth      = "health"
)

type moduleRow struct {
	ModuleID  string
	Version   string
	State     string
	Enabled   bool
	BundleRef string
	LastError string
	UpdatedAt time.Time
}

type versionRow struct {
	Key string
	pluginhost.VersionRecord
}

type healthRow struct {
	ID string
	pluginhost.HealthSnapshot
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableModules: {
			Name: tableModules,
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ModuleID"}},
				"enabled": {Name: "enabled", Indexer: &memdb.BoolFieldIndex{Field: "Enabled"}},
			},
		},
		tableVersions: {
			Name: tableVersions,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
				"module": {Name: "module", Indexer: &memdb.StringFieldIndex{Field: "ModuleID"}},
			},
		},
		tableDeployments: {
			Name: tableDeployments,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"module": {Name: "module", Indexer: &memdb.StringFieldIndex{Field: "ModuleID"}},
			},
		},
		tableRollouts: {
			Name: tableRollouts,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ModuleID"}},
			},
		},
		tableHealth: {
			Name: tableHealth,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"module": {Name: "module", Indexer: &memdb.StringFieldIndex{Field: "ModuleID"}},
			},
		},
	},
}

// Store implements pluginhost.Persistence.
type Store struct {
	db *memdb.MemDB
}

var _ pluginhost.Persistence = (*Store)(nil)

// New creates an empty store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("creating memdb: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) insert(table string, obj any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	txn.Commit()
	return nil
}

func (s *Store) SaveRecord(_ context.Context, rec *pluginhost.ModuleRecord) error {
	return s.insert(tableModules, &moduleRow{
		ModuleID:  rec.ID(),
		Version:   rec.Version(),
		State:     string(rec.State),
		Enabled:   rec.Enabled,
		BundleRef: rec.BundleRef,
		LastError: rec.LastError,
		UpdatedAt: time.Now(),
	})
}

func (s *Store) SaveVersion(_ context.Context, v pluginhost.VersionRecord) error {
	return s.insert(tableVersions, &versionRow{Key: v.ModuleID + "@" + v.Version, VersionRecord: v})
}

func (s *Store) SaveDeploymentRecord(_ context.Context, d pluginhost.DeploymentRecord) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return s.insert(tableDeployments, &d)
}

func (s *Store) SaveRolloutStatus(_ context.Context, st pluginhost.RolloutStatus) error {
	st.UpdatedNodes = slices.Clone(st.UpdatedNodes)
	return s.insert(tableRollouts, &st)
}

func (s *Store) SaveHealthSnapshot(_ context.Context, snap pluginhost.HealthSnapshot) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generating snapshot id: %w", err)
	}
	return s.insert(tableHealth, &healthRow{ID: id.String(), HealthSnapshot: snap})
}

// LoadEnabledModuleIDs returns the ids of modules last saved as enabled,
// sorted by id.
func (s *Store) LoadEnabledModuleIDs(_ context.Context) ([]string, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableModules, "enabled", true)
	if err != nil {
		return nil, fmt.Errorf("querying enabled modules: %w", err)
	}
	var ids []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		ids = append(ids, obj.(*moduleRow).ModuleID)
	}
	sort.Strings(ids)
	return ids, nil
}

// QueryHistory returns up to limit deployment records of moduleID, newest
// first. A limit of zero or less returns all of them.
func (s *Store) QueryHistory(_ context.Context, moduleID string, limit int) ([]pluginhost.DeploymentRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableDeployments, "module", moduleID)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	var out []pluginhost.DeploymentRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*pluginhost.DeploymentRecord))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Versions returns the recorded versions of moduleID.
func (s *Store) Versions(moduleID string) ([]pluginhost.VersionRecord, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableVersions, "module", moduleID)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	var out []pluginhost.VersionRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*versionRow).VersionRecord)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

// Rollout returns the last saved rollout status of moduleID.
func (s *Store) Rollout(moduleID string) (pluginhost.RolloutStatus, bool) {
	txn := s.db.Txn(false)
	obj, err := txn.First(tableRollouts, "id", moduleID)
	if err != nil || obj == nil {
		return pluginhost.RolloutStatus{}, false
	}
	return *obj.(*pluginhost.RolloutStatus), true
}

// HealthHistory returns the saved snapshots of moduleID, oldest first.
func (s *Store) HealthHistory(moduleID string) ([]pluginhost.HealthSnapshot, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableHealth, "module", moduleID)
	if err != nil {
		return nil, fmt.Errorf("querying health snapshots: %w", err)
	}
	var out []pluginhost.HealthSnapshot
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, obj.(*healthRow).HealthSnapshot)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastCheck.Before(out[j].LastCheck) })
	return out, nil
}
