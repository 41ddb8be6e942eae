package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"kronoterm_gateway/internal/catalog"
)

// fakeClient serves holding registers from an in-memory word map keyed by
// wire address.
type fakeClient struct {
	words      map[uint16]uint16
	failBlocks bool
	failAddrs  map[uint16]bool
	writes     map[uint16]uint16
	writeErr   error
	reads      []segment
	closed     bool
}

func newFakeClient(words map[uint16]uint16) *fakeClient {
	return &fakeClient{words: words, writes: make(map[uint16]uint16)}
}

func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.reads = append(f.reads, segment{start: address, count: quantity})
	if f.failBlocks && quantity > 1 {
		return nil, errors.New("block read refused")
	}
	payload := make([]byte, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		addr := address + i
		if f.failAddrs[addr] {
			return nil, errors.New("register fault")
		}
		binary.BigEndian.PutUint16(payload[i*2:], f.words[addr])
	}
	return payload, nil
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.writes[address] = value
	return nil, nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func fakeFactory(client Client) ClientFactory {
	return func(ModbusConfig) (Client, error) { return client, nil }
}

func testDriver(client Client) *ModbusDriver {
	cfg := ModbusConfig{Address: "device:502", Retry: fastPolicy(2)}
	return NewModbusDriver(cfg, fakeFactory(client), zerolog.Nop())
}

func TestPlanSegments(t *testing.T) {
	segments := planSegments([]uint16{2100, 2101, 2102, 2108, 2200}, 8, 100)
	require.Equal(t, []segment{
		{start: 2100, count: 9}, // 2103..2107 read through, gap of 5 <= 8
		{start: 2200, count: 1},
	}, segments)
}

func TestPlanSegmentsSplitsOnBatchLimit(t *testing.T) {
	addrs := make([]uint16, 0, 12)
	for a := uint16(2000); a < 2012; a++ {
		addrs = append(addrs, a)
	}
	segments := planSegments(addrs, 8, 10)
	require.Equal(t, []segment{
		{start: 2000, count: 10},
		{start: 2010, count: 2},
	}, segments)
}

func TestReadBatchAppliesWireOffset(t *testing.T) {
	// Manual address 2102 lives at wire address 2101.
	client := newFakeClient(map[uint16]uint16{2101: 381})
	driver := testDriver(client)

	defs := []catalog.Definition{{Address: 2102, Name: "outdoor_temp", Kind: catalog.KindTemperature, Scale: 0.1, Access: catalog.AccessRead}}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Equal(t, WordSample(381), samples[2102])
	require.Equal(t, []segment{{start: 2101, count: 1}}, client.reads)
}

func TestReadBatchCombinesCompositeWords(t *testing.T) {
	client := newFakeClient(map[uint16]uint16{2361: 1, 2362: 34464})
	driver := testDriver(client)

	defs := []catalog.Definition{{Address: 2362, Name: "energy", Kind: catalog.KindComposite32, Access: catalog.AccessRead}}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Equal(t, DWordSample(1<<16|34464), samples[2362])
}

func TestReadBatchFallsBackToSingleReads(t *testing.T) {
	client := newFakeClient(map[uint16]uint16{2100: 7, 2101: 381, 2102: 9})
	client.failBlocks = true
	client.failAddrs = map[uint16]bool{2102: true}
	driver := testDriver(client)

	defs := []catalog.Definition{
		{Address: 2101, Name: "a", Kind: catalog.KindRawUint16, Access: catalog.AccessRead},
		{Address: 2102, Name: "b", Kind: catalog.KindRawUint16, Access: catalog.AccessRead},
		{Address: 2103, Name: "c", Kind: catalog.KindRawUint16, Access: catalog.AccessRead},
	}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Equal(t, WordSample(7), samples[2101])
	require.Equal(t, WordSample(381), samples[2102])
	_, ok := samples[2103]
	require.False(t, ok)
}

func TestReadBatchAllFailedIsUnavailable(t *testing.T) {
	client := newFakeClient(nil)
	client.failBlocks = true
	client.failAddrs = map[uint16]bool{2100: true, 2101: true}
	driver := testDriver(client)

	defs := []catalog.Definition{
		{Address: 2101, Name: "a", Kind: catalog.KindRawUint16, Access: catalog.AccessRead},
		{Address: 2102, Name: "b", Kind: catalog.KindRawUint16, Access: catalog.AccessRead},
	}
	_, err := driver.ReadBatch(context.Background(), defs)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestWriteAppliesWireOffset(t *testing.T) {
	client := newFakeClient(nil)
	driver := testDriver(client)

	def := catalog.Definition{Address: 2023, Name: "dhw_setpoint", Kind: catalog.KindTemperature, Scale: 0.1, Access: catalog.AccessReadWrite}
	require.NoError(t, driver.Write(context.Background(), def, WordSample(450)))
	require.Equal(t, uint16(450), client.writes[2022])
}

func TestWriteRejectsNonWordSamples(t *testing.T) {
	driver := testDriver(newFakeClient(nil))
	def := catalog.Definition{Address: 2023, Name: "x", Kind: catalog.KindTemperature, Access: catalog.AccessReadWrite}
	err := driver.Write(context.Background(), def, TextSample("450"))
	require.ErrorContains(t, err, "unsupported sample source")
}

func TestCloseIsIdempotent(t *testing.T) {
	client := newFakeClient(nil)
	driver := testDriver(client)
	require.NoError(t, driver.Connect(context.Background()))
	require.NoError(t, driver.Close())
	require.True(t, client.closed)
	require.NoError(t, driver.Close())
}
