package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"torrentjobs/internal/domain"
)

func TestRegisterOnFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
}

func TestSetEngineStateIsExclusive(t *testing.T) {
	SetEngineState(domain.StateStarted)
	SetEngineState(domain.StateStopping)

	if got := testutil.ToFloat64(EngineState.WithLabelValues(string(domain.StateStopping))); got != 1 {
		t.Fatalf("stopping = %v, want 1", got)
	}
	if got := testutil.ToFloat64(EngineState.WithLabelValues(string(domain.StateStarted))); got != 0 {
		t.Fatalf("started = %v, want 0", got)
	}
}
