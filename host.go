package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/pluginhost/internal/metrics"
)

type pendingObserver struct {
	observer   Observer
	eventTypes []string
}

// Host wires the registry, resolver, lifecycle coordinator, health monitor,
// hot-deploy engine and rollout manager around one HostConfig and runs their
// periodic workers.
type Host struct {
	cfg *HostConfig
	svc Services

	loader      Loader
	descriptors DescriptorLoader
	prober      Prober
	nodes       NodeClient
	observers   []pendingObserver
	registerer  prometheus.Registerer

	registry    *Registry
	catalog     *BundleCatalog
	resolver    *EnhancedResolver
	coordinator *Coordinator
	health      *HealthMonitor
	deployer    *HotDeployEngine
	rollouts    *RolloutManager

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers *errgroup.Group
	stopped bool
}

// NewHost builds a Host from cfg. A nil cfg uses DefaultHostConfig.
func NewHost(cfg *HostConfig, opts ...HostOption) (*Host, error) {
	if cfg == nil {
		cfg = DefaultHostConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := ParseResolutionStrategy(cfg.Resolver.Strategy)
	if err != nil {
		return nil, err
	}

	h := &Host{cfg: cfg}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, fmt.Errorf("applying host option: %w", err)
		}
	}

	h.svc.Logger = loggerOrDiscard(h.svc.Logger)
	if h.svc.Events == nil {
		h.svc.Events = NewEventBus(h.svc.Logger)
	}
	for _, p := range h.observers {
		if err := h.svc.Events.RegisterObserver(p.observer, p.eventTypes...); err != nil {
			return nil, fmt.Errorf("registering observer %s: %w", p.observer.ObserverID(), err)
		}
	}
	h.svc.Metrics = metrics.NewCollector(h.registerer)
	h.svc = h.svc.withDefaults()

	if h.loader == nil {
		h.loader = NewFactoryLoader()
	}
	if h.descriptors == nil {
		h.descriptors = NewManifestLoader()
	}
	if h.prober == nil {
		h.prober = NewCheckProber()
	}

	h.registry = NewRegistry()
	h.catalog = NewBundleCatalog(cfg.DeployDir, cfg.BundleExtensions)
	h.resolver = NewEnhancedResolver(h.registry, h.catalog, strategy, h.svc.Logger)
	h.coordinator = NewCoordinator(h.registry, h.resolver, h.loader, h.svc, cfg.coordinatorConfig())
	h.health, err = NewHealthMonitor(h.coordinator, h.prober, h.svc, cfg.healthConfig())
	if err != nil {
		return nil, err
	}
	h.deployer = NewHotDeployEngine(h.coordinator, h.descriptors, h.catalog, h.svc, cfg.hotDeployConfig())
	h.rollouts = NewRolloutManager(h.deployer, h.health, h.registry, h.nodes, h.svc, cfg.rolloutConfig())
	return h, nil
}

func (h *Host) Config() *HostConfig                { return h.cfg }
func (h *Host) Logger() Logger                     { return h.svc.Logger }
func (h *Host) Events() *EventBus                  { return h.svc.Events }
func (h *Host) Metrics() *metrics.Collector        { return h.svc.Metrics }
func (h *Host) Loader() Loader                     { return h.loader }
func (h *Host) Registry() *Registry                { return h.registry }
func (h *Host) Catalog() *BundleCatalog            { return h.catalog }
func (h *Host) Resolver() *EnhancedResolver        { return h.resolver }
func (h *Host) Coordinator() *Coordinator          { return h.coordinator }
func (h *Host) Health() *HealthMonitor             { return h.health }
func (h *Host) Deployer() *HotDeployEngine         { return h.deployer }
func (h *Host) Rollouts() *RolloutManager          { return h.rollouts }
func (h *Host) Persistence() Persistence           { return h.svc.Persistence }
func (h *Host) DescriptorLoader() DescriptorLoader { return h.descriptors }

// Start restores the modules that were enabled when the host last ran and
// starts the periodic workers. Restore failures are logged per module and do
// not fail Start. A Host can be started once.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil || h.stopped {
		return ErrHostAlreadyStarted
	}

	h.restore(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g := &errgroup.Group{}
	h.goWorker(g, "health", func() error { return h.health.Run(runCtx) })
	if h.cfg.HotDeploy.Enabled {
		h.goWorker(g, "hot-deploy", func() error { return h.deployer.Run(runCtx) })
	}
	h.goWorker(g, "rollout", func() error { return h.rollouts.Run(runCtx) })

	h.cancel = cancel
	h.workers = g
	h.svc.Logger.Info("Host started", "modules", h.registry.Count(), "deployDir", h.cfg.DeployDir)
	return nil
}

// goWorker runs fn on g. A failing worker is logged and reported by Stop; it
// does not cancel the others.
func (h *Host) goWorker(g *errgroup.Group, name string, fn func() error) {
	g.Go(func() error {
		if err := fn(); err != nil {
			h.svc.Logger.Error("Host worker failed", "worker", name, "error", err)
			return fmt.Errorf("%s worker: %w", name, err)
		}
		return nil
	})
}

// restore registers the latest catalog bundle of every previously enabled
// module, then activates them in dependency order.
func (h *Host) restore(ctx context.Context) {
	ids, err := h.svc.Persistence.LoadEnabledModuleIDs(ctx)
	if err != nil {
		h.svc.Logger.Error("Failed to load enabled modules", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	var restored []string
	for _, id := range ids {
		bundle, err := h.catalog.Latest(id)
		if err != nil {
			h.svc.Logger.Warn("No bundle for enabled module", "module", id, "error", err)
			continue
		}
		desc, err := h.descriptors.Parse(ctx, bundle.Path)
		if err != nil {
			h.svc.Logger.Error("Failed to read bundle", "module", id, "bundle", bundle.Path, "error", err)
			continue
		}
		if err := h.coordinator.Register(ctx, desc, bundle.Path); err != nil && !errors.Is(err, ErrModuleAlreadyRegistered) {
			h.svc.Logger.Error("Failed to register module", "module", id, "error", err)
			continue
		}
		restored = append(restored, id)
	}

	order, err := h.resolver.TopologicalOrder()
	if err != nil {
		h.svc.Logger.Error("Cannot order restored modules, using registration order", "error", err)
		order = restored
	}
	for _, id := range order {
		if !slices.Contains(restored, id) {
			continue
		}
		if err := h.coordinator.Activate(ctx, id); err != nil {
			h.svc.Logger.Error("Failed to restore module", "module", id, "error", err)
		}
	}
}

// Stop cancels the workers and stops every RUNNING module, dependents first.
// Stopped modules stay enabled, so a new Host sharing the same Persistence
// restores them.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return ErrHostNotStarted
	}
	h.cancel()
	workerErr := h.workers.Wait()
	h.cancel, h.workers = nil, nil
	h.stopped = true

	order, err := h.resolver.TopologicalOrder()
	if err != nil {
		order = order[:0]
		for _, rec := range h.registry.GetAll() {
			order = append(order, rec.ID())
		}
	}
	slices.Reverse(order)

	var errs []error
	if workerErr != nil {
		errs = append(errs, workerErr)
	}
	for _, id := range order {
		rec, ok := h.registry.Get(id)
		if !ok || rec.State != StateRunning {
			continue
		}
		if err := h.coordinator.Shutdown(ctx, id); err != nil {
			h.svc.Logger.Error("Error stopping module", "module", id, "error", err)
			errs = append(errs, err)
		}
	}
	h.svc.Logger.Info("Host stopped")
	return errors.Join(errs...)
}

// Run starts the host and blocks until SIGINT or SIGTERM.
func (h *Host) Run() error {
	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	h.svc.Logger.Info("Received signal, shutting down", "signal", sig)
	return h.Stop(ctx)
}
