package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/GoCodeAlone/pluginhost/internal/metrics"
)

var (
	errExpectedFailure = errors.New("expected the operation to fail")
	errUnexpectedState = errors.New("unexpected state")
	errEventMissing    = errors.New("event was not published")
)

// hostBDDContext holds one scenario's host components.
type hostBDDContext struct {
	ctx      context.Context
	dir      string
	registry *Registry
	loader   *testLoader
	coord    *Coordinator
	events   *recordingObserver
	store    *memoryPersistence
	engine   *HotDeployEngine
	manager  *RolloutManager
	clock    time.Time
	lastErr  error
}

func (c *hostBDDContext) aPluginHostWithAnEmptyRegistry() error {
	dir, err := os.MkdirTemp("", "pluginhost-bdd-")
	if err != nil {
		return err
	}
	bus := NewEventBus(nil, WithSynchronousDelivery())
	obs := newRecordingObserver("bdd")
	if err := bus.RegisterObserver(obs); err != nil {
		return err
	}
	store := newMemoryPersistence()
	svc := Services{
		Logger:      NewDiscardLogger(),
		Events:      bus,
		Persistence: store,
		Metrics:     metrics.NewCollector(nil),
	}

	c.ctx = context.Background()
	c.dir = dir
	c.registry = NewRegistry()
	c.loader = newTestLoader()
	c.events = obs
	c.store = store
	catalog := NewBundleCatalog(dir, []string{".yaml"})
	resolver := NewEnhancedResolver(c.registry, catalog, StrategyNewest, svc.Logger)
	c.coord = NewCoordinator(c.registry, resolver, c.loader, svc, CoordinatorConfig{DataDir: filepath.Join(dir, "data")})
	c.engine = NewHotDeployEngine(c.coord, NewManifestLoader(), catalog, svc, HotDeployConfig{})
	monitor, err := NewHealthMonitor(c.coord, nil, svc, HealthConfig{})
	if err != nil {
		return err
	}
	c.manager = NewRolloutManager(c.engine, monitor, c.registry, nil, svc, RolloutConfig{})
	c.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.manager.now = func() time.Time { return c.clock }
	c.lastErr = nil
	return nil
}

func (c *hostBDDContext) cleanup() {
	if c.dir != "" {
		_ = os.RemoveAll(c.dir)
	}
}

func (c *hostBDDContext) moduleIsRegistered(id, version string) error {
	return c.coord.Register(c.ctx, desc(id, version), "")
}

func (c *hostBDDContext) moduleRequiringIsRegistered(id, version, dependee, requirement string) error {
	return c.coord.Register(c.ctx, desc(id, version, requires(dependee, requirement)), "")
}

func (c *hostBDDContext) iActivate(id string) error {
	return c.coord.Activate(c.ctx, id)
}

func (c *hostBDDContext) iTryToActivate(id string) error {
	c.lastErr = c.coord.Activate(c.ctx, id)
	return nil
}

func (c *hostBDDContext) iTryToStart(id string) error {
	c.lastErr = c.coord.Start(c.ctx, id)
	return nil
}

func (c *hostBDDContext) iStop(id string) error {
	return c.coord.Stop(c.ctx, id)
}

func (c *hostBDDContext) iUnload(id string) error {
	return c.coord.Unload(c.ctx, id)
}

func (c *hostBDDContext) moduleShouldBeInState(id, state string) error {
	rec, ok := c.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if string(rec.State) != state {
		return fmt.Errorf("%w: %s is %s, want %s", errUnexpectedState, id, rec.State, state)
	}
	return nil
}

func (c *hostBDDContext) eventShouldHaveBeenPublished(eventType string) error {
	if !c.events.has(eventType) {
		return fmt.Errorf("%w: %s", errEventMissing, eventType)
	}
	return nil
}

func (c *hostBDDContext) theOperationShouldFailWith(kind string) error {
	if c.lastErr == nil {
		return errExpectedFailure
	}
	want := map[string]error{
		"illegal transition": ErrIllegalTransition,
		"dependency error":   ErrDependency,
		"deployment error":   ErrDeployment,
	}[kind]
	if !errors.Is(c.lastErr, want) {
		return fmt.Errorf("%w: got %v, want %v", errExpectedFailure, c.lastErr, want)
	}
	return nil
}

func (c *hostBDDContext) entryPointFails(entry, id string) error {
	c.loader.failOn(id+"/"+entry, fmt.Errorf("%s %s failed", id, entry))
	return nil
}

func (c *hostBDDContext) entryPointOfVersionFails(entry, id, version string) error {
	c.loader.failOn(id+"@"+version+"/"+entry, fmt.Errorf("%s %s %s failed", id, version, entry))
	return nil
}

func (c *hostBDDContext) bundleIsAvailable(id, version string) error {
	path := filepath.Join(c.dir, fmt.Sprintf("%s-%s.yaml", id, version))
	return os.WriteFile(path, []byte("entryPoint: test:"+id+"\n"), 0o600)
}

func (c *hostBDDContext) iDeployBundle(id, version string) error {
	if err := c.bundleIsAvailable(id, version); err != nil {
		return err
	}
	ref, err := c.engine.Catalog().Lookup(id, version)
	if err != nil {
		return err
	}
	return c.engine.Deploy(c.ctx, ref, DeploymentManualUpdate)
}

func (c *hostBDDContext) iTryToDeployBundle(id, version string) error {
	c.lastErr = c.iDeployBundle(id, version)
	return nil
}

func (c *hostBDDContext) moduleShouldBeRunningVersion(id, version string) error {
	if err := c.moduleShouldBeInState(id, string(StateRunning)); err != nil {
		return err
	}
	rec, _ := c.registry.Get(id)
	if rec.Version() != version {
		return fmt.Errorf("%w: %s runs %s, want %s", errUnexpectedState, id, rec.Version(), version)
	}
	return nil
}

func (c *hostBDDContext) deploymentRecordsShouldExist(n int, id string) error {
	if got := len(c.store.deploymentsOf(id)); got != n {
		return fmt.Errorf("%w: %d deployment records for %s, want %d", errUnexpectedState, got, id, n)
	}
	return nil
}

func (c *hostBDDContext) lastDeploymentShouldBeSuccessful(id, kind string) error {
	records := c.store.deploymentsOf(id)
	if len(records) == 0 {
		return fmt.Errorf("%w: no deployment records for %s", errUnexpectedState, id)
	}
	last := records[len(records)-1]
	if string(last.Type) != kind || !last.Success {
		return fmt.Errorf("%w: last record is %s success=%t", errUnexpectedState, last.Type, last.Success)
	}
	return nil
}

func (c *hostBDDContext) iStartARollout(id, version string, batch, minutes int) error {
	_, err := c.manager.StartGradualRollout(c.ctx, id, version, batch, minutes)
	return err
}

func (c *hostBDDContext) minutesPass(n int) error {
	c.clock = c.clock.Add(time.Duration(n) * time.Minute)
	return nil
}

func (c *hostBDDContext) pendingRolloutsAreChecked() error {
	c.manager.CheckPendingRollouts(c.ctx)
	return nil
}

func (c *hostBDDContext) iProceedTheRollout(id string) error {
	_, err := c.manager.ProceedToNextBatch(c.ctx, id)
	return err
}

func (c *hostBDDContext) rolloutShouldBeAt(id, state string, pct int) error {
	st, ok := c.manager.Status(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRolloutNotFound, id)
	}
	if string(st.State) != state || st.CurrentPercentage != pct {
		return fmt.Errorf("%w: rollout is %s at %d%%, want %s at %d%%", errUnexpectedState, st.State, st.CurrentPercentage, state, pct)
	}
	return nil
}

func (c *hostBDDContext) iConfirmTheRelease(id string) error {
	_, err := c.manager.ConfirmRelease(c.ctx, id)
	return err
}

func (c *hostBDDContext) iRejectTheRelease(id string) error {
	_, err := c.manager.RejectRelease(c.ctx, id)
	return err
}

func (c *hostBDDContext) releaseShouldBe(id, version, status string) error {
	if got := c.manager.ReleaseStatus(id, version); string(got) != status {
		return fmt.Errorf("%w: %s %s is %s, want %s", errUnexpectedState, id, version, got, status)
	}
	return nil
}

func (c *hostBDDContext) moduleReportsUnhealthy(id string) error {
	c.loader.setHealth(id, HealthStatus{Healthy: false, Message: "degraded"})
	return nil
}

// InitializeHostScenario registers the plugin host steps.
func InitializeHostScenario(ctx *godog.ScenarioContext) {
	c := &hostBDDContext{}

	ctx.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		c.cleanup()
		return ctx, nil
	})

	ctx.Step(`^a plugin host with an empty registry$`, c.aPluginHostWithAnEmptyRegistry)

	// Lifecycle
	ctx.Step(`^module "([^"]*)" version "([^"]*)" is registered$`, c.moduleIsRegistered)
	ctx.Step(`^module "([^"]*)" version "([^"]*)" requiring "([^"]*)" "([^"]*)" is registered$`, c.moduleRequiringIsRegistered)
	ctx.Step(`^I activate "([^"]*)"$`, c.iActivate)
	ctx.Step(`^I try to activate "([^"]*)"$`, c.iTryToActivate)
	ctx.Step(`^I try to start "([^"]*)"$`, c.iTryToStart)
	ctx.Step(`^I stop "([^"]*)"$`, c.iStop)
	ctx.Step(`^I unload "([^"]*)"$`, c.iUnload)
	ctx.Step(`^"([^"]*)" should be in state "([^"]*)"$`, c.moduleShouldBeInState)
	ctx.Step(`^an? "([^"]*)" event should have been published$`, c.eventShouldHaveBeenPublished)
	ctx.Step(`^the operation should fail with an? (illegal transition|dependency error|deployment error)$`, c.theOperationShouldFailWith)
	ctx.Step(`^the "([^"]*)" entry point of "([^"]*)" fails$`, c.entryPointFails)
	ctx.Step(`^the "([^"]*)" entry point of "([^"]*)" version "([^"]*)" fails$`, c.entryPointOfVersionFails)

	// Hot deploy
	ctx.Step(`^bundle "([^"]*)" version "([^"]*)" is available$`, c.bundleIsAvailable)
	ctx.Step(`^bundle "([^"]*)" version "([^"]*)" is deployed$`, c.iDeployBundle)
	ctx.Step(`^I deploy bundle "([^"]*)" version "([^"]*)"$`, c.iDeployBundle)
	ctx.Step(`^I try to deploy bundle "([^"]*)" version "([^"]*)"$`, c.iTryToDeployBundle)
	ctx.Step(`^"([^"]*)" should be running version "([^"]*)"$`, c.moduleShouldBeRunningVersion)
	ctx.Step(`^(\d+) deployment records should exist for "([^"]*)"$`, c.deploymentRecordsShouldExist)
	ctx.Step(`^the last deployment record for "([^"]*)" should be a successful "([^"]*)"$`, c.lastDeploymentShouldBeSuccessful)

	// Rollout
	ctx.Step(`^I start a rollout of "([^"]*)" to "([^"]*)" in batches of (\d+) percent with (\d+) minutes validation$`, c.iStartARollout)
	ctx.Step(`^(\d+) minutes pass$`, c.minutesPass)
	ctx.Step(`^pending rollouts are checked$`, c.pendingRolloutsAreChecked)
	ctx.Step(`^I proceed the rollout of "([^"]*)"$`, c.iProceedTheRollout)
	ctx.Step(`^the rollout of "([^"]*)" should be "([^"]*)" at (\d+) percent$`, c.rolloutShouldBeAt)
	ctx.Step(`^I confirm the release of "([^"]*)"$`, c.iConfirmTheRelease)
	ctx.Step(`^I reject the release of "([^"]*)"$`, c.iRejectTheRelease)
	ctx.Step(`^release "([^"]*)" version "([^"]*)" should be "([^"]*)"$`, c.releaseShouldBe)
	ctx.Step(`^"([^"]*)" reports unhealthy$`, c.moduleReportsUnhealthy)
}

func TestHostFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeHostScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
