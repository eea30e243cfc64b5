package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"
)

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	Interval         time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	HistorySize      int
	PoolSize         int
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	return c
}

type moduleHealth struct {
	mu        sync.Mutex
	snapshot  HealthSnapshot
	history   *healthHistory
	unhealthy bool
	stage     recoveryStage
	// failures counted when the last recovery step ran
	stageMark int
}

// resetEpisode clears the failure count and recovery stage. st.mu must be held.
func (st *moduleHealth) resetEpisode() {
	st.unhealthy = false
	st.stage = stageNone
	st.stageMark = 0
	st.snapshot.ConsecutiveFailures = 0
}

// HealthMonitor probes running modules on a schedule and drives automatic
// recovery: after FailureThreshold consecutive failures the module is
// restarted, after another FailureThreshold failures it is reloaded, and after
// that the monitor gives up until the module reports healthy again.
type HealthMonitor struct {
	coord  *Coordinator
	prober Prober
	svc    Services
	cfg    HealthConfig

	pool    *ants.Pool
	modules cmap.ConcurrentMap[string, *moduleHealth]
	checks  healthcheck.Handler
	proc    *process.Process
}

// NewHealthMonitor creates a monitor. prober may be nil, in which case only
// self-reported health is consulted.
func NewHealthMonitor(coord *Coordinator, prober Prober, svc Services, cfg HealthConfig) (*HealthMonitor, error) {
	cfg = cfg.withDefaults()
	svc = svc.withDefaults()
	pool, err := ants.NewPool(cfg.PoolSize, ants.WithPanicHandler(func(p any) {
		svc.Logger.Error("Health probe panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating probe pool: %w", err)
	}
	if prober == nil {
		prober = alwaysHealthy{}
	}

	m := &HealthMonitor{
		coord:   coord,
		prober:  prober,
		svc:     svc,
		cfg:     cfg,
		pool:    pool,
		modules: cmap.New[*moduleHealth](),
		checks:  healthcheck.NewHandler(),
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = proc
	}
	coord.OnRemoved(m.Forget)
	m.checks.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	m.checks.AddReadinessCheck("modules", m.readiness)
	return m, nil
}

// Run sweeps every Interval until ctx is cancelled. A sweep still in progress
// when the next one is due causes that one to be skipped.
func (m *HealthMonitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.Interval), func() { m.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling health sweep: %w", err)
	}
	c.Start()
	m.svc.Logger.Info("Health monitor started", "interval", m.cfg.Interval)
	<-ctx.Done()
	<-c.Stop().Done()
	m.pool.Release()
	return nil
}

// Sweep checks every module that is RUNNING or in the middle of a recovery
// episode, fanning probes out over the probe pool.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	var wg sync.WaitGroup
	for _, rec := range m.coord.Registry().GetAll() {
		if rec.State != StateRunning && !m.inEpisode(rec.ID()) {
			continue
		}
		id := rec.ID()
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			if _, err := m.CheckModule(ctx, id); err != nil && !errors.Is(err, ErrModuleBusy) {
				m.svc.Logger.Warn("Health check failed", "module", id, "error", err)
			}
		}); err != nil {
			wg.Done()
			m.svc.Logger.Error("Failed to schedule health check", "module", id, "error", err)
		}
	}
	wg.Wait()
}

func (m *HealthMonitor) inEpisode(id string) bool {
	st, ok := m.modules.Get(id)
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stage == stageRestarted || st.stage == stageReloaded
}

func (m *HealthMonitor) state(id string) *moduleHealth {
	return m.modules.Upsert(id, nil, func(exist bool, current, _ *moduleHealth) *moduleHealth {
		if exist {
			return current
		}
		return &moduleHealth{history: newHealthHistory(m.cfg.HistorySize)}
	})
}

// CheckModule probes one module now, updates its snapshot and runs the
// recovery ladder if the failure threshold is reached. A module whose lock is
// held by another operation is not probed and ErrModuleBusy is returned.
func (m *HealthMonitor) CheckModule(ctx context.Context, id string) (HealthSnapshot, error) {
	rec, ok := m.coord.Registry().Get(id)
	if !ok {
		return HealthSnapshot{}, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}

	healthy, message, usage, err := m.probe(ctx, rec)
	if err != nil {
		return HealthSnapshot{}, err
	}
	m.svc.Metrics.RecordProbe(healthy)

	st := m.state(id)
	st.mu.Lock()
	if st.snapshot.Version != "" && !SameVersion(st.snapshot.Version, rec.Version()) {
		// a new version starts a new episode
		st.resetEpisode()
	}
	prevUnhealthy := st.unhealthy
	snap := HealthSnapshot{
		ModuleID:      id,
		Version:       rec.Version(),
		Healthy:       healthy,
		Message:       message,
		LastCheck:     time.Now(),
		ResourceUsage: usage,
	}
	var step recoveryStage
	if healthy {
		st.resetEpisode()
	} else {
		st.unhealthy = true
		snap.ConsecutiveFailures = st.snapshot.ConsecutiveFailures + 1
		if snap.ConsecutiveFailures-st.stageMark >= m.cfg.FailureThreshold && st.stage < stageExhausted {
			st.stage++
			st.stageMark = snap.ConsecutiveFailures
			step = st.stage
		}
	}
	st.snapshot = snap
	st.history.add(snap)
	st.mu.Unlock()

	m.svc.saveHealth(ctx, snap)
	data := ModuleEventData{ModuleID: id, Version: snap.Version, Message: message}

	switch {
	case healthy && prevUnhealthy:
		m.svc.Logger.Info("Module recovered", "module", id)
		m.svc.Events.publish(ctx, EventTypeHealthRecovered, data)
	case !healthy && !prevUnhealthy:
		m.svc.Logger.Warn("Module unhealthy", "module", id, "message", message)
		m.svc.Events.publish(ctx, EventTypeHealthUnhealthy, data)
	}

	if step != stageNone {
		m.recover(ctx, id, step, data)
	}
	return snap, nil
}

func (m *HealthMonitor) recover(ctx context.Context, id string, step recoveryStage, data ModuleEventData) {
	if step == stageExhausted {
		m.svc.Logger.Error("Automatic recovery exhausted", "module", id)
		m.svc.Events.publish(ctx, EventTypeHealthRecoveryExhausted, data)
		return
	}

	m.svc.Metrics.RecordRecovery(step.String())
	data.Payload = map[string]any{"stage": step.String()}
	m.svc.Events.publish(ctx, EventTypeHealthRecoveryStarted, data)
	m.svc.Logger.Warn("Starting automatic recovery", "module", id, "stage", step.String())

	attempt := func() error {
		err := m.coord.Do(ctx, id, func(op *Operation) error {
			if step == stageRestarted {
				return op.Restart()
			}
			if err := op.Reload(); err != nil {
				return err
			}
			if rec, ok := op.Record(); ok && rec.State == StateInitialized {
				return op.Start()
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrModuleBusy) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx)); err != nil {
		m.svc.Logger.Error("Automatic recovery failed", "module", id, "stage", step.String(), "error", err)
	}
}

// probe combines the external probe and the module's self-reported health.
func (m *HealthMonitor) probe(ctx context.Context, rec *ModuleRecord) (healthy bool, message string, usage map[string]any, err error) {
	usage = m.processUsage()
	if rec.State != StateRunning {
		return false, fmt.Sprintf("module is %s", rec.State), usage, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	if hint := rec.Descriptor.StringProperty(PropertyHealthEndpoint); hint != "" {
		ok, perr := m.prober.Probe(probeCtx, hint, m.cfg.ProbeTimeout)
		if perr != nil {
			return false, perr.Error(), usage, nil
		}
		if !ok {
			return false, "probe reported unhealthy", usage, nil
		}
	}

	var reported any
	derr := m.coord.Do(probeCtx, rec.ID(), func(op *Operation) error {
		var ierr error
		reported, ierr = op.Invoke(EntryHealth)
		return ierr
	})
	switch {
	case errors.Is(derr, ErrModuleBusy):
		return false, "", nil, derr
	case errors.Is(derr, ErrEntryPointUnsupported):
		return true, "", usage, nil
	case errors.Is(derr, ErrHandleMissing):
		return false, "module instance missing", usage, nil
	case derr != nil:
		return false, derr.Error(), usage, nil
	}

	status, ok := reported.(HealthStatus)
	if !ok {
		if p, isPtr := reported.(*HealthStatus); isPtr && p != nil {
			status, ok = *p, true
		}
	}
	if !ok {
		return true, "", usage, nil
	}
	maps.Copy(usage, status.Usage)
	return status.Healthy, status.Message, usage, nil
}

func (m *HealthMonitor) processUsage() map[string]any {
	usage := map[string]any{"goroutines": runtime.NumGoroutine()}
	if m.proc == nil {
		return usage
	}
	if mem, err := m.proc.MemoryInfo(); err == nil {
		usage["rssBytes"] = mem.RSS
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		usage["cpuPercent"] = cpu
	}
	return usage
}

// Snapshot returns the latest snapshot for id.
func (m *HealthMonitor) Snapshot(id string) (HealthSnapshot, bool) {
	st, ok := m.modules.Get(id)
	if !ok {
		return HealthSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot, true
}

// History returns the retained snapshots for id, oldest first.
func (m *HealthMonitor) History(id string) []HealthSnapshot {
	st, ok := m.modules.Get(id)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.history.list()
}

// Forget drops the monitor's state for id. The monitor calls it itself when a
// module leaves the registry.
func (m *HealthMonitor) Forget(id string) {
	m.modules.Remove(id)
}

// Checks returns the liveness and readiness handler serving /live and /ready.
func (m *HealthMonitor) Checks() healthcheck.Handler {
	return m.checks
}

// readiness fails while any enabled module's last probe was unhealthy.
func (m *HealthMonitor) readiness() error {
	var unhealthy []string
	for _, rec := range m.coord.Registry().GetAll() {
		if !rec.Enabled {
			continue
		}
		if snap, ok := m.Snapshot(rec.ID()); ok && !snap.Healthy {
			unhealthy = append(unhealthy, rec.ID())
		}
	}
	if len(unhealthy) > 0 {
		return fmt.Errorf("%w: %v", ErrUnhealthy, unhealthy)
	}
	return nil
}
