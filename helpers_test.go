package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/pluginhost/internal/metrics"
)

// testHandle is what testLoader hands out from Materialize.
type testHandle struct {
	id      string
	version string
}

// testLoader is a scriptable Loader. Failures, panics and blocks are keyed by
// "id/entry" or "id@version/entry"; the versioned key wins.
type testLoader struct {
	mu             sync.Mutex
	failures       map[string]error
	panics         map[string]bool
	blocks         map[string]chan struct{}
	health         map[string]HealthStatus
	noHealth       map[string]bool
	materializeErr map[string]error
	calls          []string
	released       int
}

func newTestLoader() *testLoader {
	return &testLoader{
		failures:       make(map[string]error),
		panics:         make(map[string]bool),
		blocks:         make(map[string]chan struct{}),
		health:         make(map[string]HealthStatus),
		noHealth:       make(map[string]bool),
		materializeErr: make(map[string]error),
	}
}

func (l *testLoader) failOn(key string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[key] = err
}

func (l *testLoader) clearFailure(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, key)
}

func (l *testLoader) panicOn(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.panics[key] = true
}

// blockOn makes calls matching key wait until the returned channel is closed.
func (l *testLoader) blockOn(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan struct{})
	l.blocks[key] = ch
	return ch
}

func (l *testLoader) setHealth(id string, status HealthStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health[id] = status
}

func (l *testLoader) lookup(h *testHandle, entry EntryPoint) (panics bool, block chan struct{}, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range []string{
		fmt.Sprintf("%s@%s/%s", h.id, h.version, entry),
		fmt.Sprintf("%s/%s", h.id, entry),
	} {
		if err == nil {
			err = l.failures[key]
		}
		panics = panics || l.panics[key]
		if block == nil {
			block = l.blocks[key]
		}
	}
	return panics, block, err
}

func (l *testLoader) Materialize(_ context.Context, desc *Descriptor, _ string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf("%s@%s:materialize", desc.ID, desc.Version))
	if err := l.materializeErr[desc.ID+"@"+desc.Version]; err != nil {
		return nil, err
	}
	if err := l.materializeErr[desc.ID]; err != nil {
		return nil, err
	}
	return &testHandle{id: desc.ID, version: desc.Version}, nil
}

func (l *testLoader) Invoke(ctx context.Context, h Handle, entry EntryPoint, _ ...any) (any, error) {
	th, ok := h.(*testHandle)
	if !ok {
		return nil, ErrHandleMissing
	}
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf("%s@%s:%s", th.id, th.version, entry))
	l.mu.Unlock()

	panics, block, err := l.lookup(th, entry)
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic(fmt.Sprintf("%s exploded", entry))
	}
	if err != nil {
		return nil, err
	}
	if entry == EntryHealth {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.noHealth[th.id] {
			return nil, ErrEntryPointUnsupported
		}
		if status, ok := l.health[th.id]; ok {
			return status, nil
		}
		return HealthStatus{Healthy: true}, nil
	}
	return nil, nil
}

func (l *testLoader) Release(context.Context, Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released++
	return nil
}

// callsFor returns the recorded "version:entry" calls of module id.
func (l *testLoader) callsFor(id string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	prefix := id + "@"
	for _, c := range l.calls {
		if len(c) > len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c[len(prefix):])
		}
	}
	return out
}

// recordingObserver collects every event it sees.
type recordingObserver struct {
	mu     sync.Mutex
	id     string
	events []cloudevents.Event
}

func newRecordingObserver(id string) *recordingObserver {
	return &recordingObserver{id: id}
}

func (o *recordingObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

func (o *recordingObserver) ObserverID() string {
	return o.id
}

func (o *recordingObserver) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, e.Type())
	}
	return out
}

func (o *recordingObserver) has(eventType string) bool {
	return slices.Contains(o.types(), eventType)
}

func (o *recordingObserver) last(eventType string) (ModuleEventData, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].Type() != eventType {
			continue
		}
		var data ModuleEventData
		if err := o.events[i].DataAs(&data); err != nil {
			return ModuleEventData{}, false
		}
		return data, true
	}
	return ModuleEventData{}, false
}

// memoryPersistence is a Persistence kept in slices for assertions.
type memoryPersistence struct {
	mu          sync.Mutex
	records     map[string]*ModuleRecord
	versions    []VersionRecord
	deployments []DeploymentRecord
	rollouts    []RolloutStatus
	health      []HealthSnapshot
}

func newMemoryPersistence() *memoryPersistence {
	return &memoryPersistence{records: make(map[string]*ModuleRecord)}
}

func (p *memoryPersistence) SaveRecord(_ context.Context, rec *ModuleRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.ID()] = rec.Clone()
	return nil
}

func (p *memoryPersistence) SaveVersion(_ context.Context, v VersionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions = append(p.versions, v)
	return nil
}

func (p *memoryPersistence) SaveDeploymentRecord(_ context.Context, d DeploymentRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deployments = append(p.deployments, d)
	return nil
}

func (p *memoryPersistence) SaveRolloutStatus(_ context.Context, s RolloutStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollouts = append(p.rollouts, s)
	return nil
}

func (p *memoryPersistence) SaveHealthSnapshot(_ context.Context, s HealthSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = append(p.health, s)
	return nil
}

func (p *memoryPersistence) LoadEnabledModuleIDs(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, rec := range p.records {
		if rec.Enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *memoryPersistence) QueryHistory(_ context.Context, moduleID string, limit int) ([]DeploymentRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []DeploymentRecord
	for i := len(p.deployments) - 1; i >= 0; i-- {
		if p.deployments[i].ModuleID != moduleID {
			continue
		}
		out = append(out, p.deployments[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *memoryPersistence) deploymentsOf(id string) []DeploymentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []DeploymentRecord
	for _, d := range p.deployments {
		if d.ModuleID == id {
			out = append(out, d)
		}
	}
	return out
}

// fakeProber answers probes from a map of hint to result.
type fakeProber struct {
	mu      sync.Mutex
	results map[string]bool
}

func (p *fakeProber) set(hint string, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.results == nil {
		p.results = make(map[string]bool)
	}
	p.results[hint] = healthy
}

func (p *fakeProber) Probe(_ context.Context, hint string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	healthy, ok := p.results[hint]
	if !ok {
		return false, fmt.Errorf("no such endpoint %s", hint)
	}
	return healthy, nil
}

// recordingNodeClient records node updates and fails the nodes in failing.
type recordingNodeClient struct {
	mu      sync.Mutex
	updates []string
	failing map[string]bool
}

func (c *recordingNodeClient) UpdateNode(_ context.Context, node, moduleID, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing[node] {
		return fmt.Errorf("node %s unreachable", node)
	}
	c.updates = append(c.updates, fmt.Sprintf("%s:%s@%s", node, moduleID, version))
	return nil
}

func (c *recordingNodeClient) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.updates)
}

// testServices returns Services with synchronous events delivered to the
// returned observer.
func testServices(t *testing.T) (Services, *recordingObserver, *memoryPersistence) {
	t.Helper()
	bus := NewEventBus(nil, WithSynchronousDelivery())
	obs := newRecordingObserver("recorder")
	require.NoError(t, bus.RegisterObserver(obs))
	store := newMemoryPersistence()
	return Services{
		Logger:      NewDiscardLogger(),
		Events:      bus,
		Persistence: store,
		Metrics:     metrics.NewCollector(nil),
	}, obs, store
}

func desc(id, version string, deps ...Dependency) *Descriptor {
	return &Descriptor{ID: id, Version: version, EntryPoint: "test:" + id, Dependencies: deps}
}

func requires(id, requirement string) Dependency {
	return Dependency{ID: id, Requirement: requirement}
}

// coordinatorFixture is a coordinator over a basic resolver and a testLoader.
type coordinatorFixture struct {
	registry *Registry
	loader   *testLoader
	coord    *Coordinator
	events   *recordingObserver
	store    *memoryPersistence
	svc      Services
}

func newCoordinatorFixture(t *testing.T, cfg CoordinatorConfig) *coordinatorFixture {
	t.Helper()
	svc, obs, store := testServices(t)
	registry := NewRegistry()
	loader := newTestLoader()
	return &coordinatorFixture{
		registry: registry,
		loader:   loader,
		coord:    NewCoordinator(registry, NewDependencyResolver(registry, svc.Logger), loader, svc, cfg),
		events:   obs,
		store:    store,
		svc:      svc,
	}
}

func (f *coordinatorFixture) state(t *testing.T, id string) ModuleState {
	t.Helper()
	rec, ok := f.registry.Get(id)
	require.True(t, ok, "module %s not registered", id)
	return rec.State
}

// running registers and activates d.
func (f *coordinatorFixture) running(t *testing.T, d *Descriptor) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, d, ""))
	require.NoError(t, f.coord.Activate(ctx, d.ID))
}

// writeBundle writes a YAML manifest bundle for id at version into dir.
func writeBundle(t *testing.T, dir, id, version string, extra string) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.yaml", id, version))
	content := fmt.Sprintf("entryPoint: test:%s\n%s", id, extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
