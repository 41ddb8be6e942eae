package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"kronoterm_gateway/internal/catalog"
)

const (
	// defaultMaxBatchSize stays under the protocol limit of 125 registers.
	defaultMaxBatchSize = 100
	// defaultMaxGap is the largest hole between catalog addresses that is
	// still cheaper to read through than to split the request.
	defaultMaxGap = 8
)

// ModbusConfig describes how to reach the heat pump's Modbus TCP endpoint.
type ModbusConfig struct {
	Address      string
	UnitID       uint8
	Timeout      time.Duration
	MaxBatchSize uint16
	MaxGap       uint16
	Retry        Policy
}

// Client is the subset of Modbus operations the driver needs.
type Client interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	Close() error
}

// ClientFactory creates connected Modbus clients.
type ClientFactory func(cfg ModbusConfig) (Client, error)

type tcpClient struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPClientFactory returns a factory that creates TCP Modbus clients.
func NewTCPClientFactory() ClientFactory {
	return func(cfg ModbusConfig) (Client, error) {
		if cfg.Address == "" {
			return nil, fmt.Errorf("modbus address is required")
		}
		handler := modbus.NewTCPClientHandler(cfg.Address)
		handler.SlaveId = cfg.UnitID
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return nil, fmt.Errorf("connect %s: %w", cfg.Address, err)
		}
		return &tcpClient{handler: handler, client: modbus.NewClient(handler)}, nil
	}
}

func (c *tcpClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return c.client.ReadHoldingRegisters(address, quantity)
}

func (c *tcpClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return c.client.WriteSingleRegister(address, value)
}

func (c *tcpClient) Close() error {
	if c.handler != nil {
		return c.handler.Close()
	}
	return nil
}

// ModbusDriver reads and writes holding registers over one persistent TCP
// session. Catalog addresses follow the vendor manual's 1-based numbering;
// the wire protocol is 0-based, so every request subtracts one. That
// correction never leaks into decoded values.
type ModbusDriver struct {
	cfg     ModbusConfig
	factory ClientFactory
	logger  zerolog.Logger

	mu     sync.Mutex
	client Client
}

// NewModbusDriver builds a Modbus TCP driver. A nil factory selects the
// real TCP client.
func NewModbusDriver(cfg ModbusConfig, factory ClientFactory, logger zerolog.Logger) *ModbusDriver {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	if cfg.MaxBatchSize == 0 || cfg.MaxBatchSize > 125 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.MaxGap == 0 {
		cfg.MaxGap = defaultMaxGap
	}
	return &ModbusDriver{cfg: cfg, factory: factory, logger: logger.With().Str("component", "modbus").Logger()}
}

func (d *ModbusDriver) Name() string                 { return "modbus" }
func (d *ModbusDriver) Transport() catalog.Transport { return catalog.TransportModbus }

// Connect establishes the TCP session if none is open.
func (d *ModbusDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.ensureClientLocked(ctx)
	return err
}

func (d *ModbusDriver) ensureClientLocked(ctx context.Context) (Client, error) {
	if d.client != nil {
		return d.client, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := d.factory(d.cfg)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

func (d *ModbusDriver) reconnectLocked(ctx context.Context) error {
	d.closeLocked()
	_, err := d.ensureClientLocked(ctx)
	return err
}

// Close tears the session down. Idempotent.
func (d *ModbusDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

func (d *ModbusDriver) closeLocked() {
	if d.client == nil {
		return
	}
	_ = d.client.Close()
	d.client = nil
}

type segment struct {
	start uint16 // wire address
	count uint16
}

// planSegments groups sorted wire addresses into contiguous block reads,
// splitting whenever the gap or the block size limit is exceeded.
func planSegments(addrs []uint16, maxGap, maxBatch uint16) []segment {
	if len(addrs) == 0 {
		return nil
	}
	sorted := append([]uint16(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	segments := make([]segment, 0)
	current := segment{start: sorted[0], count: 1}
	for _, addr := range sorted[1:] {
		end := current.start + current.count - 1
		if addr == end {
			continue
		}
		gap := addr - end - 1
		newCount := addr - current.start + 1
		if gap > maxGap || newCount > maxBatch {
			segments = append(segments, current)
			current = segment{start: addr, count: 1}
			continue
		}
		current.count = newCount
	}
	return append(segments, current)
}

// ReadBatch polls the given definitions in as few block reads as possible.
// A failed block falls back to per-register reads so one bad register
// does not blank out an otherwise healthy batch.
func (d *ModbusDriver) ReadBatch(ctx context.Context, defs []catalog.Definition) (map[uint16]Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wire := make([]uint16, 0, len(defs)+4)
	for _, def := range defs {
		wire = append(wire, def.Address-1)
		if def.Kind == catalog.KindComposite32 {
			wire = append(wire, def.Address)
		}
	}
	segments := planSegments(wire, d.cfg.MaxGap, d.cfg.MaxBatchSize)
	d.logger.Trace().Int("registers", len(wire)).Int("segments", len(segments)).Msg("read cycle planned")

	words := make(map[uint16]uint16, len(wire))
	anySegment := false
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, err := d.readSegment(ctx, seg)
		if err != nil {
			if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			d.logger.Warn().Err(err).Uint16("start", seg.start).Uint16("count", seg.count).Msg("block read failed, falling back to single reads")
			if d.readSingles(ctx, seg, words) {
				anySegment = true
			}
			continue
		}
		anySegment = true
		for i := uint16(0); i < seg.count && int(i)*2+1 < len(payload); i++ {
			words[seg.start+i] = binary.BigEndian.Uint16(payload[i*2:])
		}
	}
	if !anySegment {
		return nil, fmt.Errorf("%w: all block reads failed", ErrUnavailable)
	}

	samples := make(map[uint16]Sample, len(defs))
	for _, def := range defs {
		word, ok := words[def.Address-1]
		if !ok {
			continue
		}
		if def.Kind == catalog.KindComposite32 {
			lo, ok := words[def.Address]
			if !ok {
				continue
			}
			samples[def.Address] = DWordSample(uint32(word)<<16 | uint32(lo))
			continue
		}
		samples[def.Address] = WordSample(word)
	}
	return samples, nil
}

func (d *ModbusDriver) readSegment(ctx context.Context, seg segment) ([]byte, error) {
	var payload []byte
	err := Run(ctx, d.cfg.Retry, d.logger, func(ctx context.Context) error {
		client, err := d.ensureClientLocked(ctx)
		if err != nil {
			return err
		}
		payload, err = client.ReadHoldingRegisters(seg.start, seg.count)
		if err != nil {
			d.closeLocked()
		}
		return err
	}, d.reconnectLocked)
	return payload, err
}

// readSingles reads every register of a failed segment on its own, one
// attempt each. Registers that still fail are simply skipped.
func (d *ModbusDriver) readSingles(ctx context.Context, seg segment, words map[uint16]uint16) bool {
	any := false
	for addr := seg.start; addr < seg.start+seg.count; addr++ {
		if ctx.Err() != nil {
			return any
		}
		client, err := d.ensureClientLocked(ctx)
		if err != nil {
			return any
		}
		payload, err := client.ReadHoldingRegisters(addr, 1)
		if err != nil {
			d.logger.Debug().Err(err).Uint16("address", addr).Msg("single register read failed")
			continue
		}
		if len(payload) >= 2 {
			words[addr] = binary.BigEndian.Uint16(payload)
			any = true
		}
	}
	return any
}

// Write pushes a single encoded word to the device.
func (d *ModbusDriver) Write(ctx context.Context, def catalog.Definition, sample Sample) error {
	if sample.Source != SourceWord {
		return fmt.Errorf("modbus write %s: unsupported sample source %d", def.Name, sample.Source)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return Run(ctx, d.cfg.Retry, d.logger, func(ctx context.Context) error {
		client, err := d.ensureClientLocked(ctx)
		if err != nil {
			return err
		}
		if _, err := client.WriteSingleRegister(def.Address-1, sample.Word); err != nil {
			var exception *modbus.ModbusError
			if errors.As(err, &exception) {
				return fmt.Errorf("%w: %v", ErrWriteRejected, err)
			}
			d.closeLocked()
			return err
		}
		return nil
	}, d.reconnectLocked)
}
