package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"splinter/internal/circuit"
)

func TestLocalOrchestratorStartStopPersistAreNoOps(t *testing.T) {
	l := NewLocal(nil)
	svc := circuit.Service{ServiceID: "svc-1", ServiceType: "scabbard"}

	require.NoError(t, l.StartService(context.Background(), "circuit-1", svc))
	require.NoError(t, l.PersistState(context.Background(), "circuit-1", svc))
	require.NoError(t, l.StopService(context.Background(), "circuit-1", svc))
}

func TestNewLocalDefaultsLoggerWhenNil(t *testing.T) {
	require.NotPanics(t, func() {
		l := NewLocal(nil)
		_ = l.StartService(context.Background(), "circuit-1", circuit.Service{ServiceID: "svc-1"})
	})
}
