package pluginhost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewModuleRecord(desc("billing", "1.0.0"), "billing-1.0.0.yaml")))

		rec, ok := r.Get("billing")
		require.True(t, ok)
		assert.Equal(t, StateCreated, rec.State)
		assert.Equal(t, "1.0.0", rec.Version())
		assert.Equal(t, "billing-1.0.0.yaml", rec.BundleRef)
		assert.True(t, r.HasModule("billing"))
		assert.Equal(t, 1, r.Count())
	})

	t.Run("duplicate id is rejected", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewModuleRecord(desc("billing", "1.0.0"), "")))
		dup := NewModuleRecord(desc("billing", "2.0.0"), "")
		err := r.Register(dup)
		assert.ErrorIs(t, err, ErrModuleAlreadyRegistered)
		assert.Zero(t, dup.seq, "a rejected record is left untouched")

		rec, _ := r.Get("billing")
		assert.Equal(t, "1.0.0", rec.Version())

		require.NoError(t, r.Register(NewModuleRecord(desc("ledger", "1.0.0"), "")))
		ledger, _ := r.Get("ledger")
		assert.Equal(t, rec.seq+1, ledger.seq, "rejected registrations consume no sequence number")
	})

	t.Run("nil descriptor", func(t *testing.T) {
		r := NewRegistry()
		assert.ErrorIs(t, r.Register(&ModuleRecord{}), ErrDescriptorNil)
		assert.ErrorIs(t, r.Update(nil), ErrDescriptorNil)
	})

	t.Run("update requires a registered module", func(t *testing.T) {
		r := NewRegistry()
		err := r.Update(NewModuleRecord(desc("ghost", "1.0.0"), ""))
		assert.ErrorIs(t, err, ErrModuleNotFound)
	})

	t.Run("snapshots are not changed by later updates", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewModuleRecord(desc("billing", "1.0.0"), "")))
		before, _ := r.Get("billing")

		next := before.Clone()
		next.State = StateLoaded
		require.NoError(t, r.Update(next))

		after, _ := r.Get("billing")
		assert.Equal(t, StateCreated, before.State)
		assert.Equal(t, StateLoaded, after.State)
	})

	t.Run("GetAll keeps registration order across updates", func(t *testing.T) {
		r := NewRegistry()
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, r.Register(NewModuleRecord(desc(id, "1.0.0"), "")))
		}
		rec, _ := r.Get("c")
		next := rec.Clone()
		next.State = StateLoaded
		require.NoError(t, r.Update(next))

		var ids []string
		for _, rec := range r.GetAll() {
			ids = append(ids, rec.ID())
		}
		assert.Equal(t, []string{"c", "a", "b"}, ids)
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(NewModuleRecord(desc("billing", "1.0.0"), "")))
		removed, ok := r.Unregister("billing")
		require.True(t, ok)
		assert.Equal(t, "billing", removed.ID())
		assert.False(t, r.HasModule("billing"))

		_, ok = r.Unregister("billing")
		assert.False(t, ok)
	})

	t.Run("concurrent registration of distinct ids", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id := string(rune('a'+i%26)) + string(rune('a'+i/26))
				assert.NoError(t, r.Register(NewModuleRecord(desc(id, "1.0.0"), "")))
			}()
		}
		wg.Wait()
		assert.Equal(t, 50, r.Count())
	})
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    *Descriptor
		wantErr error
	}{
		{name: "valid", desc: desc("billing", "1.2.0", requires("ledger", ">=1.0.0, <2.0.0"))},
		{name: "valid caret", desc: desc("billing", "1.2.0", requires("ledger", "^1.4"))},
		{name: "nil", desc: nil, wantErr: ErrDescriptorNil},
		{name: "empty id", desc: desc("", "1.0.0"), wantErr: ErrInvalidModuleID},
		{name: "id with space", desc: desc("bill ing", "1.0.0"), wantErr: ErrInvalidModuleID},
		{name: "id ending in dash", desc: desc("billing-", "1.0.0"), wantErr: ErrInvalidModuleID},
		{name: "bad version", desc: desc("billing", "one"), wantErr: ErrInvalidVersion},
		{name: "bad requirement", desc: desc("billing", "1.0.0", requires("ledger", "bogus")), wantErr: ErrInvalidRequirement},
		{name: "self dependency", desc: desc("billing", "1.0.0", requires("billing", "")), wantErr: ErrCircularDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDescriptorProperties(t *testing.T) {
	d := desc("billing", "1.0.0")
	assert.Equal(t, "billing", d.DisplayName())
	assert.Empty(t, d.StringProperty(PropertyHealthEndpoint))

	d.Name = "Billing Service"
	d.Properties = map[string]any{PropertyHealthEndpoint: "tcp://localhost:9000", "replicas": 3}
	assert.Equal(t, "Billing Service", d.DisplayName())
	assert.Equal(t, "tcp://localhost:9000", d.StringProperty(PropertyHealthEndpoint))
	assert.Equal(t, "3", d.StringProperty("replicas"))
}

func TestParseBundleName(t *testing.T) {
	tests := []struct {
		path        string
		wantID      string
		wantVersion string
		wantErr     bool
	}{
		{path: "/deploy/billing-1.2.0.yaml", wantID: "billing", wantVersion: "1.2.0"},
		{path: "payment-gateway-2.0.0-rc.1.json", wantErr: true},
		{path: "payment-gateway-2.0.0.toml", wantID: "payment-gateway", wantVersion: "2.0.0"},
		{path: "billing.yaml", wantErr: true},
		{path: "billing-.yaml", wantErr: true},
		{path: "-1.0.0.yaml", wantErr: true},
		{path: "billing-latest.yaml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			id, version, err := ParseBundleName(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBundleNameInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}

func TestVersions(t *testing.T) {
	t.Run("satisfies", func(t *testing.T) {
		tests := []struct {
			version, requirement string
			want                 bool
		}{
			{"1.5.0", ">=1.0.0, <2.0.0", true},
			{"2.0.0", ">=1.0.0, <2.0.0", false},
			{"1.5.0", "", true},
			{"1.5.0", "1.5.0", true},
			{"1.5.1", "~1.5", true},
			{"1.6.0", "~1.5", false},
			{"1.9.0", "^1.2", true},
		}
		for _, tt := range tests {
			got, err := Satisfies(tt.version, tt.requirement)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "%s against %q", tt.version, tt.requirement)
		}

		_, err := Satisfies("x", "")
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("compare and sort", func(t *testing.T) {
		assert.True(t, SameVersion("1.6", "1.6.0"))
		assert.False(t, SameVersion("1.6.0", "1.6.1"))
		assert.Equal(t, -1, CompareVersions("1.2.0", "1.10.0"))
		assert.Equal(t, 1, CompareVersions("1.0.0", "garbage"))
		assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0"}, SortVersions([]string{"1.10.0", "1.0.0", "1.2.0", "1.2"}))
	})
}
