package pluginhost

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// HostOption configures a Host under construction.
type HostOption func(*Host) error

// WithLogger sets the logger shared by every component.
func WithLogger(logger Logger) HostOption {
	return func(h *Host) error {
		if logger == nil {
			return fmt.Errorf("%w: logger", ErrNilOption)
		}
		h.svc.Logger = logger
		return nil
	}
}

// WithLoader sets the loader that materializes and calls into modules. The
// default is an empty FactoryLoader.
func WithLoader(loader Loader) HostOption {
	return func(h *Host) error {
		if loader == nil {
			return fmt.Errorf("%w: loader", ErrNilOption)
		}
		h.loader = loader
		return nil
	}
}

// WithDescriptorLoader replaces the manifest loader used for bundles.
func WithDescriptorLoader(descriptors DescriptorLoader) HostOption {
	return func(h *Host) error {
		if descriptors == nil {
			return fmt.Errorf("%w: descriptor loader", ErrNilOption)
		}
		h.descriptors = descriptors
		return nil
	}
}

// WithPersistence sets where records, deployments, rollouts and health
// snapshots are written.
func WithPersistence(p Persistence) HostOption {
	return func(h *Host) error {
		if p == nil {
			return fmt.Errorf("%w: persistence", ErrNilOption)
		}
		h.svc.Persistence = p
		return nil
	}
}

// WithProber replaces the external health prober.
func WithProber(p Prober) HostOption {
	return func(h *Host) error {
		if p == nil {
			return fmt.Errorf("%w: prober", ErrNilOption)
		}
		h.prober = p
		return nil
	}
}

// WithNodeClient sets the client used by cluster-mode rollouts.
func WithNodeClient(c NodeClient) HostOption {
	return func(h *Host) error {
		h.nodes = c
		return nil
	}
}

// WithEventBus replaces the event bus. Observers added with WithObserver are
// registered on it.
func WithEventBus(bus *EventBus) HostOption {
	return func(h *Host) error {
		if bus == nil {
			return fmt.Errorf("%w: event bus", ErrNilOption)
		}
		h.svc.Events = bus
		return nil
	}
}

// WithObserver subscribes observer to eventTypes, or to every event when none
// are given.
func WithObserver(observer Observer, eventTypes ...string) HostOption {
	return func(h *Host) error {
		if observer == nil {
			return fmt.Errorf("%w: observer", ErrNilOption)
		}
		h.observers = append(h.observers, pendingObserver{
			observer:   observer,
			eventTypes: eventTypes,
		})
		return nil
	}
}

// WithTracer sets the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) HostOption {
	return func(h *Host) error {
		h.svc.Tracer = tracer
		return nil
	}
}

// WithMetricsRegisterer registers host metrics with reg instead of a private
// registry.
func WithMetricsRegisterer(reg prometheus.Registerer) HostOption {
	return func(h *Host) error {
		h.registerer = reg
		return nil
	}
}
