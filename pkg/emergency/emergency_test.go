package emergency_test

import (
	"testing"
	"time"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can/virtual"
	"github.com/canlink/canopen-core/pkg/emergency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *canopen.BusManager {
	t.Helper()
	bus := virtual.NewBus("test")
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	bm, err := canopen.NewBusManager(bus)
	require.NoError(t, err)
	return bm
}

func TestDecodesEmergencyFrame(t *testing.T) {
	bm := newTestBus(t)
	mon, err := emergency.NewMonitor(bm, nil)
	require.NoError(t, err)
	defer mon.Close()

	received := make(chan emergency.Record, 1)
	mon.OnReceive(func(r emergency.Record) { received <- r })

	frame := canopen.NewFrame(0x082, []byte{0x10, 0x11, 0x04, 1, 2, 3, 4, 5})
	bm.Handle(frame)

	select {
	case r := <-received:
		assert.EqualValues(t, 2, r.NodeID)
		assert.EqualValues(t, 0x1110, r.Code)
		assert.Equal(t, uint8(0x04), r.Register)
		assert.NotZero(t, r.Register&emergency.ErrRegTemperature)
		assert.Equal(t, [5]byte{1, 2, 3, 4, 5}, r.Manufacturer)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emcy callback")
	}

	latest, ok := mon.Latest(2)
	require.True(t, ok)
	assert.EqualValues(t, 0x1110, latest.Code)
}

func TestClearRemovesRecord(t *testing.T) {
	bm := newTestBus(t)
	mon, err := emergency.NewMonitor(bm, nil)
	require.NoError(t, err)
	defer mon.Close()

	bm.Handle(canopen.NewFrame(0x083, []byte{0, 0, 0, 0, 0, 0, 0, 0}))
	time.Sleep(10 * time.Millisecond)

	_, ok := mon.Latest(3)
	require.True(t, ok)

	mon.Clear(3)
	_, ok = mon.Latest(3)
	assert.False(t, ok)
}

func TestSyncIdentifierIsNotAnEmergency(t *testing.T) {
	bm := newTestBus(t)
	mon, err := emergency.NewMonitor(bm, nil)
	require.NoError(t, err)
	defer mon.Close()

	bm.Handle(canopen.NewFrame(canopen.CobIDSync, []byte{1}))
	time.Sleep(10 * time.Millisecond)

	_, ok := mon.Latest(0)
	assert.False(t, ok)
}

func TestProducerSendsEmergencyFrame(t *testing.T) {
	bm := newTestBus(t)
	received := make(chan canopen.Frame, 1)
	_, err := bm.Subscribe(0, 0, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		received <- f
	}))
	require.NoError(t, err)

	p, err := emergency.NewProducer(bm, nil, 5)
	require.NoError(t, err)
	require.NoError(t, p.Send(0x1110, emergency.ErrRegTemperature, []byte{9, 9}))

	select {
	case f := <-received:
		assert.EqualValues(t, 0x085, f.ID)
		assert.Equal(t, []byte{0x10, 0x11, emergency.ErrRegTemperature, 9, 9, 0, 0, 0}, f.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emcy frame")
	}
}
