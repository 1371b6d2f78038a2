package canopen_test

import (
	"testing"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can/virtual"
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

// TestExactSubscriptionIsolatesEveryNode covers spec.md §8 testable
// property #1: a frame with id = 0x580 + node_id is consumed by the
// subscription bound to that node and by no other.
func TestExactSubscriptionIsolatesEveryNode(t *testing.T) {
	bm := newTestBus(t)

	received := make(map[uint8]int)
	for node := uint8(1); node <= 127; node++ {
		node := node
		_, err := bm.Subscribe(canopen.CobIDSDOTx+uint16(node), canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
			received[node]++
		}))
		require.NoError(t, err)
	}

	bm.Handle(canopen.NewFrame(canopen.CobIDSDOTx+64, []byte{0, 0, 0, 0, 0, 0, 0, 0}))

	assert.Equal(t, 1, received[64])
	for node := uint8(1); node <= 127; node++ {
		if node != 64 {
			assert.Zero(t, received[node], "node %d should not have received the frame", node)
		}
	}
}

func TestCancelRemovesSubscription(t *testing.T) {
	bm := newTestBus(t)

	count := 0
	cancel, err := bm.Subscribe(canopen.CobIDSync, canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		count++
	}))
	require.NoError(t, err)

	bm.Handle(canopen.NewFrame(canopen.CobIDSync, nil))
	cancel()
	bm.Handle(canopen.NewFrame(canopen.CobIDSync, nil))

	assert.Equal(t, 1, count)
}

func TestWildcardSubscriptionMatchesEveryFrame(t *testing.T) {
	bm := newTestBus(t)

	var seen []uint16
	_, err := bm.Subscribe(0, 0, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		seen = append(seen, f.ID)
	}))
	require.NoError(t, err)

	bm.Handle(canopen.NewFrame(canopen.CobIDNMT, nil))
	bm.Handle(canopen.NewFrame(canopen.CobIDSDOTx+5, nil))

	assert.Equal(t, []uint16{canopen.CobIDNMT, canopen.CobIDSDOTx + 5}, seen)
}

func TestSendRejectsCobIDAboveElevenBits(t *testing.T) {
	bm := newTestBus(t)
	err := bm.Send(canopen.MaxCobID+1, []byte{1})
	assert.ErrorIs(t, err, canopen.ErrBadCobID)
}

func TestNMTStateRoundTrip(t *testing.T) {
	cases := []canopen.NMTState{
		canopen.NMTBootUp,
		canopen.NMTStopped,
		canopen.NMTOperational,
		canopen.NMTPreOperational,
	}
	for _, state := range cases {
		wire := canopen.EncodeNMTState(state)
		assert.Equal(t, state, canopen.DecodeNMTState(wire))
	}
}

func TestDecodeNMTStateUnknownByte(t *testing.T) {
	assert.Equal(t, canopen.NMTUnknown, canopen.DecodeNMTState(0x99))
}

func TestNewFrameCopiesPayload(t *testing.T) {
	data := []byte{1, 2, 3}
	f := canopen.NewFrame(0x100, data)
	data[0] = 0xFF
	assert.Equal(t, byte(1), f.Data[0])
}
