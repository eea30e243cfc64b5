package pluginhost

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/pluginhost/internal/metrics"
)

const tracerName = "github.com/GoCodeAlone/pluginhost"

// Services carries the collaborators every host component shares. It is
// passed by value at construction; there is no package-level state.
type Services struct {
	Logger      Logger
	Events      *EventBus
	Persistence Persistence
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
}

// withDefaults fills unset collaborators. Metrics stays nil when unset.
func (s Services) withDefaults() Services {
	s.Logger = loggerOrDiscard(s.Logger)
	if s.Events == nil {
		s.Events = NewEventBus(s.Logger)
	}
	if s.Persistence == nil {
		s.Persistence = NopPersistence{}
	}
	if s.Tracer == nil {
		s.Tracer = otel.Tracer(tracerName)
	}
	return s
}

func (s Services) startSpan(ctx context.Context, name, moduleID string) (context.Context, trace.Span) {
	return s.Tracer.Start(ctx, "pluginhost."+name, trace.WithAttributes(attribute.String("module.id", moduleID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s Services) saveRecord(ctx context.Context, rec *ModuleRecord) {
	if err := s.Persistence.SaveRecord(ctx, rec); err != nil {
		s.Logger.Warn("Failed to persist module record", "module", rec.ID(), "error", err)
	}
}

func (s Services) saveVersion(ctx context.Context, v VersionRecord) {
	if err := s.Persistence.SaveVersion(ctx, v); err != nil {
		s.Logger.Warn("Failed to persist module version", "module", v.ModuleID, "version", v.Version, "error", err)
	}
}

func (s Services) saveDeployment(ctx context.Context, d DeploymentRecord) {
	s.Metrics.RecordDeployment(string(d.Type), d.Success)
	if err := s.Persistence.SaveDeploymentRecord(ctx, d); err != nil {
		s.Logger.Warn("Failed to persist deployment record", "module", d.ModuleID, "version", d.Version, "error", err)
	}
}

func (s Services) saveRollout(ctx context.Context, st RolloutStatus) {
	if err := s.Persistence.SaveRolloutStatus(ctx, st); err != nil {
		s.Logger.Warn("Failed to persist rollout status", "module", st.ModuleID, "error", err)
	}
}

func (s Services) saveHealth(ctx context.Context, snap HealthSnapshot) {
	if err := s.Persistence.SaveHealthSnapshot(ctx, snap); err != nil {
		s.Logger.Warn("Failed to persist health snapshot", "module", snap.ModuleID, "error", err)
	}
}
