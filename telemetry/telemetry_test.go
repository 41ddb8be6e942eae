package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func resetRegistration() {
	registerOnce.Lock()
	cyclesCounter = nil
	durationGauge = nil
	readingsGauge = nil
	decodeCounter = nil
	writesCounter = nil
	availableGauge = nil
	registeredTarget = nil
	registerOnce.Unlock()
}

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.CycleCompleted(ResultSuccess, time.Second, 10)
	collector.IncDecodeError("outdoor_temp")
	collector.WriteCompleted(true)
	collector.SetAvailable(false)
}

func TestPrometheusCollectorRecordsCycle(t *testing.T) {
	resetRegistration()
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.CycleCompleted(ResultSuccess, 1500*time.Millisecond, 42)
	collector.CycleCompleted(ResultDegraded, time.Second, 0)
	collector.IncDecodeError("outdoor_temp")
	collector.WriteCompleted(true)
	collector.WriteCompleted(false)
	collector.SetAvailable(true)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, family := range families {
		byName[family.GetName()] = family
	}

	cycles := byName["kronoterm_poll_cycles_total"]
	require.NotNil(t, cycles)
	require.Len(t, cycles.Metric, 2)

	duration := byName["kronoterm_poll_cycle_duration_seconds"]
	require.NotNil(t, duration)
	require.Equal(t, 1.0, duration.Metric[0].Gauge.GetValue())

	readings := byName["kronoterm_snapshot_readings"]
	require.NotNil(t, readings)
	require.Equal(t, 0.0, readings.Metric[0].Gauge.GetValue())

	decodeErrors := byName["kronoterm_register_decode_errors_total"]
	require.NotNil(t, decodeErrors)
	require.Equal(t, 1.0, decodeErrors.Metric[0].Counter.GetValue())

	writes := byName["kronoterm_register_writes_total"]
	require.NotNil(t, writes)
	require.Len(t, writes.Metric, 2)

	available := byName["kronoterm_available"]
	require.NotNil(t, available)
	require.Equal(t, 1.0, available.Metric[0].Gauge.GetValue())
}

func TestPrometheusCollectorReusesRegisteredMetrics(t *testing.T) {
	resetRegistration()
	reg := prometheus.NewRegistry()

	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.cycles, second.cycles)

	first.CycleCompleted(ResultFailure, time.Second, 0)
	second.CycleCompleted(ResultFailure, time.Second, 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "kronoterm_poll_cycles_total" {
			continue
		}
		require.Len(t, family.Metric, 1)
		require.Equal(t, 2.0, family.Metric[0].Counter.GetValue())
	}
}
