package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialized(t *testing.T) {
	t.Run("PacketsProcessed", func(t *testing.T) {
		PacketsProcessed.WithLabelValues("state", "ok").Inc()
		val := testutil.ToFloat64(PacketsProcessed.WithLabelValues("state", "ok"))
		if val < 1 {
			t.Errorf("Expected PacketsProcessed to be at least 1, got %v", val)
		}
	})

	t.Run("ConnectionsGauge", func(t *testing.T) {
		before := testutil.ToFloat64(ActiveWebSocketConnections)
		IncConnection()
		IncConnection()
		DecConnection()
		after := testutil.ToFloat64(ActiveWebSocketConnections)
		if after != before+1 {
			t.Errorf("Expected gauge to move by +1, got %v -> %v", before, after)
		}
	})

	t.Run("RoomOccupancy", func(t *testing.T) {
		RoomOccupancy.WithLabelValues("room-1").Set(3)
		val := testutil.ToFloat64(RoomOccupancy.WithLabelValues("room-1"))
		if val != 3 {
			t.Errorf("Expected occupancy 3, got %v", val)
		}
		RoomOccupancy.DeleteLabelValues("room-1")
	})

	t.Run("CircuitBreakerState", func(t *testing.T) {
		CircuitBreakerState.WithLabelValues("redis").Set(1)
		val := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("redis"))
		if val != 1 {
			t.Errorf("Expected breaker state 1, got %v", val)
		}
	})
}
