package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"kronoterm_gateway/internal/catalog"
	"kronoterm_gateway/internal/codec"
	"kronoterm_gateway/internal/features"
	"kronoterm_gateway/internal/transport"
	"kronoterm_gateway/telemetry"
)

// ErrDegraded marks a cycle that produced zero readings. Missing
// individual registers are normal (uninstalled probes read as absent);
// a completely empty cycle is not.
var ErrDegraded = errors.New("poll cycle produced no readings")

// minInterval protects the device from being flooded by misconfigured
// poll intervals.
const minInterval = 30 * time.Second

const defaultFailureThreshold = 3

// Recorder persists published snapshots. Implemented by the history
// store; a nil recorder disables persistence.
type Recorder interface {
	Record(snapshot *Snapshot) error
}

// Options tune the acquisition engine.
type Options struct {
	Logger           zerolog.Logger
	Collector        telemetry.Collector
	Interval         time.Duration
	FailureThreshold int
	Rules            []features.Rule
	Recorder         Recorder
}

// Service is the acquisition engine: it owns one transport driver, polls
// the catalog on a timer, decodes raw values into snapshots and serves
// reads and writes to consumers. One Service per configured device; no
// state is shared between instances.
type Service struct {
	catalog   *catalog.Catalog
	driver    transport.Driver
	deriver   *features.Deriver
	recorder  Recorder
	collector telemetry.Collector
	logger    zerolog.Logger

	interval         time.Duration
	failureThreshold int

	// mu serializes poll cycles and writes; the transport session must
	// never see interleaved requests.
	mu                  sync.Mutex
	consecutiveFailures int

	snapshot    atomic.Pointer[Snapshot]
	available   atomic.Bool
	lastSuccess atomic.Bool
}

// New builds the engine around an already constructed catalog and driver.
func New(cat *catalog.Catalog, driver transport.Driver, opts Options) (*Service, error) {
	if cat == nil {
		return nil, errors.New("catalog must not be nil")
	}
	if driver == nil {
		return nil, errors.New("driver must not be nil")
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.Noop()
	}
	if opts.Interval < minInterval {
		opts.Interval = minInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	deriver, err := features.NewDeriver(opts.Rules, opts.Logger)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		catalog:          cat,
		driver:           driver,
		deriver:          deriver,
		recorder:         opts.Recorder,
		collector:        opts.Collector,
		logger:           opts.Logger.With().Str("component", "engine").Str("driver", driver.Name()).Logger(),
		interval:         opts.Interval,
		failureThreshold: opts.FailureThreshold,
	}
	svc.available.Store(true)
	return svc, nil
}

// Run polls until the context is cancelled. Cycle failures are logged
// and absorbed; the loop itself only stops on cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("poller started")
	for {
		if _, err := s.FetchSnapshot(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			s.logger.Error().Err(err).Msg("poll cycle failed")
		}
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			s.logger.Info().Msg("poller stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// FetchSnapshot runs one full poll cycle and publishes the result. It
// never returns a partially built snapshot: the caller gets either a
// snapshot (possibly with fewer readings than registers) or an error.
func (s *Service) FetchSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleLocked(ctx)
}

func (s *Service) cycleLocked(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := s.runCycleLocked(ctx)
	duration := time.Since(start)
	if err != nil {
		s.recordFailureLocked(err, duration)
		return nil, err
	}
	s.recordSuccessLocked(snap, duration)
	return snap, nil
}

func (s *Service) runCycleLocked(ctx context.Context) (*Snapshot, error) {
	s.logger.Trace().Str("state", "connecting").Msg("cycle started")
	if err := s.driver.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s.logger.Trace().Str("state", "reading").Msg("requesting registers")
	defs := s.catalog.ForTransport(s.driver.Transport())
	samples, err := s.driver.ReadBatch(ctx, defs)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	s.logger.Trace().Str("state", "decoding").Int("samples", len(samples)).Msg("decoding raw values")
	readings := make(map[uint16]codec.Reading, len(samples))
	for _, def := range defs {
		sample, ok := samples[def.Address]
		if !ok {
			continue
		}
		reading, err := decodeSample(def, sample)
		if err != nil {
			// A single malformed register never aborts the cycle.
			s.logger.Warn().Err(err).Uint16("address", def.Address).Str("register", def.Name).Msg("decode failed, register dropped")
			s.collector.IncDecodeError(def.Name)
			continue
		}
		readings[def.Address] = reading
	}
	if len(readings) == 0 {
		return nil, ErrDegraded
	}

	snap := &Snapshot{
		Readings: readings,
		Flags:    s.deriver.Derive(readings),
		TakenAt:  time.Now(),
		Success:  true,
	}

	s.logger.Trace().Str("state", "publishing").Int("readings", len(readings)).Msg("snapshot ready")
	s.snapshot.Store(snap)
	if s.recorder != nil {
		if err := s.recorder.Record(snap); err != nil {
			s.logger.Error().Err(err).Msg("snapshot persistence failed")
		}
	}
	return snap, nil
}

func decodeSample(def catalog.Definition, sample transport.Sample) (codec.Reading, error) {
	switch sample.Source {
	case transport.SourceWord:
		return codec.Decode(def, sample.Word)
	case transport.SourceDWord:
		return codec.DecodeComposite(def, uint16(sample.DWord>>16), uint16(sample.DWord&0xFFFF))
	case transport.SourceScalar:
		return codec.DecodeScalar(def, sample.Scalar)
	default:
		return codec.Reading{}, fmt.Errorf("decode %s: unsupported sample source %d", def.Name, sample.Source)
	}
}

func (s *Service) recordSuccessLocked(snap *Snapshot, duration time.Duration) {
	s.consecutiveFailures = 0
	s.lastSuccess.Store(true)
	if !s.available.Load() {
		s.logger.Info().Msg("device available again")
	}
	s.available.Store(true)
	s.collector.SetAvailable(true)
	s.collector.CycleCompleted(telemetry.ResultSuccess, duration, snap.Len())
	s.logger.Debug().Dur("duration", duration).Int("readings", snap.Len()).Int("present", snap.Present()).Msg("cycle completed")
}

func (s *Service) recordFailureLocked(err error, duration time.Duration) {
	s.consecutiveFailures++
	s.lastSuccess.Store(false)
	result := telemetry.ResultFailure
	if errors.Is(err, ErrDegraded) {
		result = telemetry.ResultDegraded
	}
	s.collector.CycleCompleted(result, duration, 0)
	// The previous snapshot stays in place: stale-but-available beats
	// flapping entities on every transient hiccup.
	// The flag survives up to failureThreshold consecutive failures and
	// drops on the one after that.
	if s.consecutiveFailures > s.failureThreshold && s.available.Load() {
		s.logger.Warn().Int("failures", s.consecutiveFailures).Msg("failure threshold reached, marking unavailable")
		s.available.Store(false)
		s.collector.SetAvailable(false)
	}
}

// Write encodes and pushes one value, then refreshes the snapshot out of
// band so a subsequent read reflects the write promptly.
func (s *Service) Write(ctx context.Context, address uint16, value interface{}) error {
	def, ok := s.catalog.Get(address)
	if !ok {
		return fmt.Errorf("write: unknown register %d", address)
	}
	// Encoding validates writability before any network traffic happens.
	var sample transport.Sample
	if s.driver.Transport() == catalog.TransportCloud {
		text, err := codec.EncodeCloud(def, value)
		if err != nil {
			return err
		}
		sample = transport.TextSample(text)
	} else {
		word, err := codec.Encode(def, value)
		if err != nil {
			return err
		}
		sample = transport.WordSample(word)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.driver.Write(ctx, def, sample); err != nil {
		s.collector.WriteCompleted(false)
		return fmt.Errorf("write %s: %w", def.Name, err)
	}
	s.collector.WriteCompleted(true)
	s.logger.Info().Uint16("address", address).Str("register", def.Name).Interface("value", value).Msg("register written")

	if _, err := s.cycleLocked(ctx); err != nil {
		// The write itself succeeded; the refresh is best-effort.
		s.logger.Warn().Err(err).Msg("post-write refresh failed")
	}
	return nil
}

// Latest returns the most recently published snapshot, or nil before the
// first successful cycle.
func (s *Service) Latest() *Snapshot {
	return s.snapshot.Load()
}

// Reading returns the decoded reading for an address from the latest
// snapshot.
func (s *Service) Reading(address uint16) (codec.Reading, bool) {
	return s.Latest().Reading(address)
}

// FeatureFlag reports a derived subsystem flag from the latest snapshot.
func (s *Service) FeatureFlag(name string) bool {
	snap := s.Latest()
	if snap == nil {
		return false
	}
	return snap.Flags.Get(name)
}

// LastUpdateSuccess reports whether the most recent cycle succeeded.
func (s *Service) LastUpdateSuccess() bool {
	return s.lastSuccess.Load()
}

// Available reports the consumer-visible availability flag. It only
// flips false after the configured number of consecutive cycle failures
// and recovers immediately on the next success.
func (s *Service) Available() bool {
	return s.available.Load()
}

// Close tears down the transport session.
func (s *Service) Close() error {
	return s.driver.Close()
}
