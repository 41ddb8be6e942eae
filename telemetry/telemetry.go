package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the acquisition engine.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks
// run inline with the poll cycle.
type Collector interface {
	CycleCompleted(result string, duration time.Duration, readings int)
	IncDecodeError(register string)
	WriteCompleted(success bool)
	SetAvailable(available bool)
}

// Cycle result labels.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDegraded = "degraded"
)

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) CycleCompleted(string, time.Duration, int) {}
func (noopCollector) IncDecodeError(string)                     {}
func (noopCollector) WriteCompleted(bool)                       {}
func (noopCollector) SetAvailable(bool)                         {}

// PrometheusCollector exposes engine telemetry via Prometheus.
type PrometheusCollector struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Gauge
	readings      prometheus.Gauge
	decodeErrors  *prometheus.CounterVec
	writes        *prometheus.CounterVec
	available     prometheus.Gauge
}

var (
	registerOnce     sync.Mutex
	cyclesCounter    *prometheus.CounterVec
	durationGauge    prometheus.Gauge
	readingsGauge    prometheus.Gauge
	decodeCounter    *prometheus.CounterVec
	writesCounter    *prometheus.CounterVec
	availableGauge   prometheus.Gauge
	registeredTarget prometheus.Registerer
)

// NewPrometheusCollector registers the engine metrics with the provided
// registerer. Passing nil selects the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerOnce.Lock()
	defer registerOnce.Unlock()
	if cyclesCounter == nil || registeredTarget != reg {
		var err error
		cyclesCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "kronoterm_poll_cycles_total",
			Help: "Number of completed poll cycles per result.",
		}, []string{"result"})
		if err != nil {
			return nil, err
		}
		durationGauge, err = registerGauge(reg, prometheus.GaugeOpts{
			Name: "kronoterm_poll_cycle_duration_seconds",
			Help: "Duration of the most recent poll cycle.",
		})
		if err != nil {
			return nil, err
		}
		readingsGauge, err = registerGauge(reg, prometheus.GaugeOpts{
			Name: "kronoterm_snapshot_readings",
			Help: "Number of readings in the most recent snapshot.",
		})
		if err != nil {
			return nil, err
		}
		decodeCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "kronoterm_register_decode_errors_total",
			Help: "Number of registers dropped from snapshots due to decode failures.",
		}, []string{"register"})
		if err != nil {
			return nil, err
		}
		writesCounter, err = registerCounterVec(reg, prometheus.CounterOpts{
			Name: "kronoterm_register_writes_total",
			Help: "Number of register write attempts per result.",
		}, []string{"result"})
		if err != nil {
			return nil, err
		}
		availableGauge, err = registerGauge(reg, prometheus.GaugeOpts{
			Name: "kronoterm_available",
			Help: "Whether the device is currently considered available.",
		})
		if err != nil {
			return nil, err
		}
		registeredTarget = reg
	}
	return &PrometheusCollector{
		cycles:        cyclesCounter,
		cycleDuration: durationGauge,
		readings:      readingsGauge,
		decodeErrors:  decodeCounter,
		writes:        writesCounter,
		available:     availableGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// CycleCompleted records the outcome of one poll cycle.
func (p *PrometheusCollector) CycleCompleted(result string, duration time.Duration, readings int) {
	if p == nil {
		return
	}
	p.cycles.WithLabelValues(result).Inc()
	p.cycleDuration.Set(duration.Seconds())
	p.readings.Set(float64(readings))
}

// IncDecodeError counts a register dropped from the snapshot.
func (p *PrometheusCollector) IncDecodeError(register string) {
	if p == nil {
		return
	}
	p.decodeErrors.WithLabelValues(register).Inc()
}

// WriteCompleted counts a write attempt.
func (p *PrometheusCollector) WriteCompleted(success bool) {
	if p == nil {
		return
	}
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	p.writes.WithLabelValues(result).Inc()
}

// SetAvailable mirrors the consumer-visible availability flag.
func (p *PrometheusCollector) SetAvailable(available bool) {
	if p == nil {
		return
	}
	if available {
		p.available.Set(1)
	} else {
		p.available.Set(0)
	}
}
