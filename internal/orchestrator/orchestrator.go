// Package orchestrator defines the service orchestrator seam (C8, consumed):
// the module that actually starts, stops, and persists the state of the
// services a circuit's roster names (scabbard and similar). This module
// owns only the interface boundary and a local logging stand-in; a real
// orchestrator is an external subsystem (spec.md §1's explicit non-goal).
package orchestrator

import (
	"context"
	"log/slog"

	"splinter/internal/circuit"
)

// Orchestrator is the capability cmd/splinterd calls into from the admin
// event stream once a circuit transitions to Active or Disbanded. Services
// of circuits that are already Active when the daemon starts are not
// resumed.
type Orchestrator interface {
	// StartService is called once per roster entry when its circuit becomes
	// Active (a CircuitReady event).
	StartService(ctx context.Context, circuitID string, svc circuit.Service) error
	// StopService is called once per roster entry when its circuit is
	// disbanded (a CircuitDisbanded event). Abandoning a circuit does not
	// call it.
	StopService(ctx context.Context, circuitID string, svc circuit.Service) error
	// PersistState durably checkpoints whatever internal state the running
	// service instance for svc has accumulated. Nothing in this module
	// calls it.
	PersistState(ctx context.Context, circuitID string, svc circuit.Service) error
}

// Local is a no-op, logging-only Orchestrator for single-host demos and
// tests where no real service runtime is wired.
type Local struct {
	logger *slog.Logger
}

// NewLocal constructs a Local orchestrator; logger may be nil to use the
// default slog logger.
func NewLocal(logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{logger: logger}
}

func (l *Local) StartService(ctx context.Context, circuitID string, svc circuit.Service) error {
	l.logger.Info("orchestrator: start service", "circuit_id", circuitID, "service_id", svc.ServiceID, "service_type", svc.ServiceType)
	return nil
}

func (l *Local) StopService(ctx context.Context, circuitID string, svc circuit.Service) error {
	l.logger.Info("orchestrator: stop service", "circuit_id", circuitID, "service_id", svc.ServiceID)
	return nil
}

func (l *Local) PersistState(ctx context.Context, circuitID string, svc circuit.Service) error {
	l.logger.Debug("orchestrator: persist state", "circuit_id", circuitID, "service_id", svc.ServiceID)
	return nil
}
