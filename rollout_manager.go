package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/robfig/cron/v3"
)

// RolloutState is the state of a gradual rollout.
type RolloutState string

const (
	RolloutInitialized RolloutState = "INITIALIZED"
	RolloutInProgress  RolloutState = "IN_PROGRESS"
	RolloutPaused      RolloutState = "PAUSED"
	RolloutCompleted   RolloutState = "COMPLETED"
	RolloutFailed      RolloutState = "FAILED"
)

// Terminal reports whether no further batches can run.
func (s RolloutState) Terminal() bool {
	return s == RolloutCompleted || s == RolloutFailed
}

// RolloutStatus is the bookkeeping of one gradual rollout.
type RolloutStatus struct {
	ModuleID          string       `json:"moduleId"`
	CurrentVersion    string       `json:"currentVersion"`
	TargetVersion     string       `json:"targetVersion"`
	BatchSize         int          `json:"batchSize"`
	ValidateMinutes   int          `json:"validateMinutes"`
	CurrentBatch      int          `json:"currentBatch"`
	CurrentPercentage int          `json:"currentPercentage"`
	State             RolloutState `json:"state"`
	Message           string       `json:"message,omitempty"`
	UpdatedNodes      []string     `json:"updatedNodes,omitempty"`
	StartTime         time.Time    `json:"startTime"`
	LastBatchTime     time.Time    `json:"lastBatchTime,omitzero"`
	CompletionTime    time.Time    `json:"completionTime,omitzero"`
}

func (s RolloutStatus) clone() RolloutStatus {
	s.UpdatedNodes = slices.Clone(s.UpdatedNodes)
	return s
}

// RolloutConfig tunes the rollout manager.
type RolloutConfig struct {
	// AutoProceed enables the sweep that advances validated batches.
	AutoProceed bool
	// SweepInterval is how often pending rollouts are checked.
	SweepInterval time.Duration
	// ClusterMode pushes each batch to a share of Nodes instead of the local host.
	ClusterMode bool
	Nodes       []string
}

// ModuleHealthChecker runs an on-demand health check.
type ModuleHealthChecker interface {
	CheckModule(ctx context.Context, id string) (HealthSnapshot, error)
}

type rolloutEntry struct {
	mu     sync.Mutex
	status RolloutStatus
}

// RolloutManager runs hot-deploy updates as percentage batches with
// validation pauses between them.
type RolloutManager struct {
	deployer *HotDeployEngine
	health   ModuleHealthChecker
	registry *Registry
	nodes    NodeClient
	svc      Services
	cfg      RolloutConfig

	rollouts cmap.ConcurrentMap[string, *rolloutEntry]
	releases *releaseBook

	now     func() time.Time
	shuffle func([]string)
}

// NewRolloutManager creates a manager. nodes is only used in cluster mode.
func NewRolloutManager(deployer *HotDeployEngine, health ModuleHealthChecker, registry *Registry, nodes NodeClient, svc Services, cfg RolloutConfig) *RolloutManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &RolloutManager{
		deployer: deployer,
		health:   health,
		registry: registry,
		nodes:    nodes,
		svc:      svc.withDefaults(),
		cfg:      cfg,
		rollouts: cmap.New[*rolloutEntry](),
		releases: newReleaseBook(),
		now:      time.Now,
		shuffle: func(s []string) {
			rand.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
		},
	}
}

// Run sweeps pending rollouts until ctx is cancelled. Without AutoProceed it
// only waits for cancellation.
func (m *RolloutManager) Run(ctx context.Context) error {
	if !m.cfg.AutoProceed {
		<-ctx.Done()
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.SweepInterval), func() { m.CheckPendingRollouts(ctx) }); err != nil {
		return fmt.Errorf("scheduling rollout sweep: %w", err)
	}
	c.Start()
	m.svc.Logger.Info("Rollout sweep started", "interval", m.cfg.SweepInterval)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// StartGradualRollout begins a rollout of id to targetVersion in steps of
// batchSize percent and runs the first batch immediately. An active rollout
// of the same module is cancelled and replaced.
func (m *RolloutManager) StartGradualRollout(ctx context.Context, id, targetVersion string, batchSize, validateMinutes int) (RolloutStatus, error) {
	if batchSize < 1 || batchSize > 100 {
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id, ErrInvalidBatchSize)
	}
	if validateMinutes < 0 {
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id, fmt.Errorf("validate minutes must not be negative"))
	}
	rec, ok := m.registry.Get(id)
	if !ok {
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id, ErrModuleNotFound)
	}
	if _, err := m.deployer.Catalog().Lookup(id, targetVersion); err != nil {
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id, err)
	}
	if m.cfg.ClusterMode && (m.nodes == nil || len(m.cfg.Nodes) == 0) {
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id, ErrNodeClientMissing)
	}
	switch st := m.releases.get(id, targetVersion); st {
	case ReleaseRejected, ReleaseDeprecated:
		return RolloutStatus{}, moduleError(ErrValidation, "rollout", id,
			fmt.Errorf("%w: %s %s is %s", ErrReleaseState, id, targetVersion, st))
	}

	if prev, ok := m.rollouts.Get(id); ok {
		prev.mu.Lock()
		if !prev.status.State.Terminal() {
			m.transition(ctx, &prev.status, RolloutFailed, "superseded by rollout to "+targetVersion)
		}
		prev.mu.Unlock()
	}

	current := rec.Version()
	if m.releases.get(id, current) == ReleaseCreated {
		_ = m.releases.move(id, current, ReleaseConfirmed)
	}
	if m.releases.get(id, targetVersion) == ReleaseCreated {
		_ = m.releases.move(id, targetVersion, ReleaseGrayTesting)
	}

	entry := &rolloutEntry{status: RolloutStatus{
		ModuleID:        id,
		CurrentVersion:  current,
		TargetVersion:   targetVersion,
		BatchSize:       batchSize,
		ValidateMinutes: validateMinutes,
		State:           RolloutInitialized,
		StartTime:       m.now(),
	}}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	m.rollouts.Set(id, entry)

	m.svc.saveRollout(ctx, entry.status)
	m.svc.Events.publish(ctx, EventTypeRolloutStarted, m.eventData(entry.status))
	m.svc.Logger.Info("Rollout started", "module", id, "from", current, "to", targetVersion, "batchSize", batchSize)

	err := m.proceed(ctx, entry)
	return entry.status.clone(), err
}

// ProceedToNextBatch runs the next batch. On a COMPLETED rollout it does
// nothing and returns the final status.
func (m *RolloutManager) ProceedToNextBatch(ctx context.Context, id string) (RolloutStatus, error) {
	entry, ok := m.rollouts.Get(id)
	if !ok {
		return RolloutStatus{}, moduleError(ErrValidation, "proceed", id, ErrRolloutNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	err := m.proceed(ctx, entry)
	return entry.status.clone(), err
}

// proceed runs one batch. entry.mu must be held.
func (m *RolloutManager) proceed(ctx context.Context, entry *rolloutEntry) error {
	st := &entry.status
	switch st.State {
	case RolloutCompleted:
		return nil
	case RolloutFailed, RolloutPaused:
		return moduleError(ErrValidation, "proceed", st.ModuleID,
			fmt.Errorf("%w: rollout is %s", ErrRolloutState, st.State))
	}

	batch := st.CurrentBatch + 1
	pct := min(batch*st.BatchSize, 100)

	var err error
	if m.cfg.ClusterMode {
		err = m.updateNodes(ctx, st, pct)
	} else if batch == 1 || pct == 100 {
		// Intermediate batches only record the percentage; traffic shifting
		// happens above this host.
		err = m.deployer.UpdateToVersion(ctx, st.ModuleID, st.TargetVersion, DeploymentRolloutBatch)
	}
	if errors.Is(err, ErrModuleBusy) {
		return err
	}
	if err != nil {
		m.svc.Metrics.RecordRolloutBatch(false)
		m.transition(ctx, st, RolloutFailed, fmt.Sprintf("batch %d failed: %v", batch, err))
		return moduleError(ErrRollout, "proceed", st.ModuleID, err)
	}

	m.svc.Metrics.RecordRolloutBatch(true)
	st.CurrentBatch = batch
	st.CurrentPercentage = pct
	st.LastBatchTime = m.now()
	if pct == 100 {
		st.CompletionTime = st.LastBatchTime
		m.transition(ctx, st, RolloutCompleted, "rollout completed")
		return nil
	}
	m.transition(ctx, st, RolloutInProgress, fmt.Sprintf("batch %d at %d%%", batch, pct))
	return nil
}

// updateNodes brings the share of updated nodes up to pct. Nodes are picked
// at random from those not yet updated; any failure fails the batch.
func (m *RolloutManager) updateNodes(ctx context.Context, st *RolloutStatus, pct int) error {
	total := len(m.cfg.Nodes)
	want := (total*pct + 99) / 100
	need := want - len(st.UpdatedNodes)
	if need <= 0 {
		return nil
	}

	pending := make([]string, 0, total)
	for _, n := range m.cfg.Nodes {
		if !slices.Contains(st.UpdatedNodes, n) {
			pending = append(pending, n)
		}
	}
	m.shuffle(pending)

	var errs []error
	for _, node := range pending[:min(need, len(pending))] {
		if err := m.nodes.UpdateNode(ctx, node, st.ModuleID, st.TargetVersion); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrNodeUpdateFailed, node, err))
			continue
		}
		st.UpdatedNodes = append(st.UpdatedNodes, node)
	}
	return errors.Join(errs...)
}

// CheckPendingRollouts advances every IN_PROGRESS rollout whose validation
// window has elapsed, pausing it instead when the module is unhealthy. A
// rollout whose first batch never ran, because the module was busy, gets that
// batch retried without a health gate.
func (m *RolloutManager) CheckPendingRollouts(ctx context.Context) {
	for id, entry := range m.rollouts.Items() {
		entry.mu.Lock()
		st := entry.status
		entry.mu.Unlock()
		if st.State == RolloutInitialized && st.CurrentBatch == 0 {
			if _, err := m.ProceedToNextBatch(ctx, id); err != nil {
				m.svc.Logger.Warn("First rollout batch not run", "module", id, "error", err)
			}
			continue
		}
		if st.State != RolloutInProgress {
			continue
		}
		if m.now().Sub(st.LastBatchTime) < time.Duration(st.ValidateMinutes)*time.Minute {
			continue
		}

		snap, err := m.health.CheckModule(ctx, id)
		if err != nil {
			m.svc.Logger.Warn("Rollout health check skipped", "module", id, "error", err)
			continue
		}
		if !snap.Healthy {
			if _, err := m.pause(ctx, id, "health check failed: "+snap.Message); err != nil {
				m.svc.Logger.Warn("Failed to pause rollout", "module", id, "error", err)
			}
			continue
		}
		if _, err := m.ProceedToNextBatch(ctx, id); err != nil {
			m.svc.Logger.Error("Rollout batch failed", "module", id, "error", err)
		}
	}
}

// PauseRollout pauses an IN_PROGRESS rollout after the current batch.
func (m *RolloutManager) PauseRollout(ctx context.Context, id string) (RolloutStatus, error) {
	return m.pause(ctx, id, "paused by operator")
}

func (m *RolloutManager) pause(ctx context.Context, id, message string) (RolloutStatus, error) {
	return m.withRollout(id, "pause", func(st *RolloutStatus) error {
		if st.State != RolloutInProgress {
			return fmt.Errorf("%w: cannot pause from %s", ErrRolloutState, st.State)
		}
		m.transition(ctx, st, RolloutPaused, message)
		return nil
	})
}

// ResumeRollout resumes a PAUSED rollout. The validation window restarts.
func (m *RolloutManager) ResumeRollout(ctx context.Context, id string) (RolloutStatus, error) {
	return m.withRollout(id, "resume", func(st *RolloutStatus) error {
		if st.State != RolloutPaused {
			return fmt.Errorf("%w: cannot resume from %s", ErrRolloutState, st.State)
		}
		st.LastBatchTime = m.now()
		m.transition(ctx, st, RolloutInProgress, "resumed")
		return nil
	})
}

// CancelRollout fails a non-terminal rollout. The module keeps whatever the
// last batch installed.
func (m *RolloutManager) CancelRollout(ctx context.Context, id, reason string) (RolloutStatus, error) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	return m.withRollout(id, "cancel", func(st *RolloutStatus) error {
		if st.State.Terminal() {
			return fmt.Errorf("%w: cannot cancel from %s", ErrRolloutState, st.State)
		}
		m.transition(ctx, st, RolloutFailed, reason)
		return nil
	})
}

func (m *RolloutManager) withRollout(id, op string, fn func(st *RolloutStatus) error) (RolloutStatus, error) {
	entry, ok := m.rollouts.Get(id)
	if !ok {
		return RolloutStatus{}, moduleError(ErrValidation, op, id, ErrRolloutNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := fn(&entry.status); err != nil {
		return entry.status.clone(), moduleError(ErrValidation, op, id, err)
	}
	return entry.status.clone(), nil
}

// RollbackToVersion updates id to version outside of any rollout bookkeeping.
func (m *RolloutManager) RollbackToVersion(ctx context.Context, id, version string) error {
	return m.rollbackTo(ctx, id, version, DeploymentRollback)
}

func (m *RolloutManager) rollbackTo(ctx context.Context, id, version string, kind DeploymentType) error {
	m.svc.Logger.Info("Rolling back module", "module", id, "version", version)
	return m.deployer.UpdateToVersion(ctx, id, version, kind)
}

// ConfirmRelease ends probation of a completed rollout's target version.
// Previously confirmed versions become DEPRECATED.
func (m *RolloutManager) ConfirmRelease(ctx context.Context, id string) (RolloutStatus, error) {
	entry, ok := m.rollouts.Get(id)
	if !ok {
		return RolloutStatus{}, moduleError(ErrValidation, "confirm", id, ErrRolloutNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.status

	if st.State != RolloutCompleted {
		return st.clone(), moduleError(ErrValidation, "confirm", id, fmt.Errorf("%w: rollout is %s", ErrRolloutState, st.State))
	}
	if cur := m.releases.get(id, st.TargetVersion); cur != ReleaseGrayTesting {
		return st.clone(), moduleError(ErrValidation, "confirm", id, fmt.Errorf("%w: %s is %s", ErrReleaseState, st.TargetVersion, cur))
	}
	deprecated := m.releases.deprecateConfirmed(id, st.TargetVersion)
	if err := m.releases.move(id, st.TargetVersion, ReleaseConfirmed); err != nil {
		return st.clone(), moduleError(ErrValidation, "confirm", id, err)
	}

	now := m.now()
	m.svc.saveDeployment(ctx, DeploymentRecord{
		ID:              newID(),
		ModuleID:        id,
		Version:         st.TargetVersion,
		PreviousVersion: st.CurrentVersion,
		Type:            DeploymentRolloutConfirm,
		StartedAt:       now,
		EndedAt:         now,
		Success:         true,
	})
	data := m.eventData(st)
	data.Payload["deprecated"] = deprecated
	m.svc.Events.publish(ctx, EventTypeReleaseConfirmed, data)
	m.svc.Logger.Info("Release confirmed", "module", id, "version", st.TargetVersion)
	return st.clone(), nil
}

// RejectRelease rolls id back to its last confirmed version, falling back to
// the version the rollout started from, and marks the target REJECTED.
func (m *RolloutManager) RejectRelease(ctx context.Context, id string) (RolloutStatus, error) {
	entry, ok := m.rollouts.Get(id)
	if !ok {
		return RolloutStatus{}, moduleError(ErrValidation, "reject", id, ErrRolloutNotFound)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := &entry.status

	if cur := m.releases.get(id, st.TargetVersion); cur != ReleaseGrayTesting {
		return st.clone(), moduleError(ErrValidation, "reject", id, fmt.Errorf("%w: %s is %s", ErrReleaseState, st.TargetVersion, cur))
	}
	version, ok := m.releases.lastConfirmed(id, st.TargetVersion)
	if !ok {
		version = st.CurrentVersion
	}

	if err := m.rollbackTo(ctx, id, version, DeploymentRolloutReject); err != nil {
		return st.clone(), moduleError(ErrRollout, "reject", id, err)
	}
	if m.cfg.ClusterMode {
		var errs []error
		for _, node := range st.UpdatedNodes {
			if err := m.nodes.UpdateNode(ctx, node, id, version); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: %w", ErrNodeUpdateFailed, node, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return st.clone(), moduleError(ErrRollout, "reject", id, err)
		}
		st.UpdatedNodes = nil
	}
	if err := m.releases.move(id, st.TargetVersion, ReleaseRejected); err != nil {
		return st.clone(), moduleError(ErrValidation, "reject", id, err)
	}
	if !st.State.Terminal() {
		m.transition(ctx, st, RolloutFailed, "release rejected")
	}

	data := m.eventData(*st)
	data.Payload["rolledBackTo"] = version
	m.svc.Events.publish(ctx, EventTypeReleaseRejected, data)
	m.svc.Logger.Warn("Release rejected", "module", id, "version", st.TargetVersion, "rolledBackTo", version)
	return st.clone(), nil
}

// Status returns the rollout of id.
func (m *RolloutManager) Status(id string) (RolloutStatus, bool) {
	entry, ok := m.rollouts.Get(id)
	if !ok {
		return RolloutStatus{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.status.clone(), true
}

// ReleaseStatus returns the release status of a module version.
func (m *RolloutManager) ReleaseStatus(id, version string) ReleaseStatus {
	return m.releases.get(id, version)
}

// transition sets the rollout state, persists it and announces it.
func (m *RolloutManager) transition(ctx context.Context, st *RolloutStatus, state RolloutState, message string) {
	st.State = state
	st.Message = message
	m.svc.saveRollout(ctx, st.clone())

	var eventType string
	switch state {
	case RolloutInProgress:
		eventType = EventTypeRolloutBatch
		if message == "resumed" {
			eventType = EventTypeRolloutResumed
		}
	case RolloutPaused:
		eventType = EventTypeRolloutPaused
	case RolloutCompleted:
		eventType = EventTypeRolloutCompleted
	case RolloutFailed:
		eventType = EventTypeRolloutFailed
	default:
		return
	}
	m.svc.Events.publish(ctx, eventType, m.eventData(*st))
	m.svc.Logger.Info("Rollout state changed", "module", st.ModuleID, "state", state, "message", message)
}

func (m *RolloutManager) eventData(st RolloutStatus) ModuleEventData {
	return ModuleEventData{
		ModuleID: st.ModuleID,
		Version:  st.TargetVersion,
		Message:  st.Message,
		Payload: map[string]any{
			"state":             string(st.State),
			"currentVersion":    st.CurrentVersion,
			"currentBatch":      st.CurrentBatch,
			"currentPercentage": st.CurrentPercentage,
		},
	}
}
