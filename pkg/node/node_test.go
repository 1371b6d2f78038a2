package node_test

import (
	"context"
	"errors"
	"testing"
	"time"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can/virtual"
	"github.com/canlink/canopen-core/pkg/config"
	"github.com/canlink/canopen-core/pkg/heartbeat"
	"github.com/canlink/canopen-core/pkg/node"
	"github.com/canlink/canopen-core/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNode uint8 = 1

func newTestNode(t *testing.T) (*canopen.BusManager, *node.Node) {
	t.Helper()
	bus := virtual.NewBus("test")
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	bm, err := canopen.NewBusManager(bus)
	require.NoError(t, err)
	n, err := node.New(bm, nil, testNode, 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(n.Close)
	return bm, n
}

// TestStartUpdatesOptimisticState covers spec.md §8 scenario S1: a Start
// command moves the facade's tracked state to Operational without a reply.
func TestStartUpdatesOptimisticState(t *testing.T) {
	_, n := newTestNode(t)
	assert.Equal(t, canopen.NMTPreOperational, n.NMTState())
	require.NoError(t, n.Start())
	assert.Equal(t, canopen.NMTOperational, n.NMTState())
}

// TestSDOUploadRoundTrip covers spec.md §8 scenario S2 through the facade.
func TestSDOUploadRoundTrip(t *testing.T) {
	bm, n := newTestNode(t)

	_, err := bm.Subscribe(canopen.CobIDSDORx+uint16(testNode), canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		resp := [8]byte{0x4B, f.Data[1], f.Data[2], f.Data[3], 0x37, 0x06, 0, 0}
		bm.Send(canopen.CobIDSDOTx+uint16(testNode), resp[:])
	}))
	require.NoError(t, err)

	v, err := n.ReadUint16(context.Background(), canopen.ObjectAddress{Index: 0x6041, SubIndex: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 0x0637, v)
}

// TestSDODownloadRoundTrip covers spec.md §8 scenario S3 through the facade.
func TestSDODownloadRoundTrip(t *testing.T) {
	bm, n := newTestNode(t)

	_, err := bm.Subscribe(canopen.CobIDSDORx+uint16(testNode), canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		resp := [8]byte{0x60, f.Data[1], f.Data[2], f.Data[3], 0, 0, 0, 0}
		bm.Send(canopen.CobIDSDOTx+uint16(testNode), resp[:])
	}))
	require.NoError(t, err)

	require.NoError(t, n.WriteUint8(context.Background(), canopen.ObjectAddress{Index: 0x6040, SubIndex: 0}, 0x0F))
}

// TestSDOAbortPropagates covers spec.md §8 scenario S4 through the facade.
func TestSDOAbortPropagates(t *testing.T) {
	bm, n := newTestNode(t)

	_, err := bm.Subscribe(canopen.CobIDSDORx+uint16(testNode), canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		resp := [8]byte{0x80, f.Data[1], f.Data[2], f.Data[3], 0x00, 0x00, 0x02, 0x06}
		bm.Send(canopen.CobIDSDOTx+uint16(testNode), resp[:])
	}))
	require.NoError(t, err)

	_, err = n.ReadUint16(context.Background(), canopen.ObjectAddress{Index: 0x1018, SubIndex: 1})
	require.Error(t, err)
	var abortErr sdo.AbortCode
	require.True(t, errors.As(err, &abortErr))
	assert.EqualValues(t, 0x06020000, abortErr)
}

func TestInstallStandardPDOsConfiguresAllEight(t *testing.T) {
	_, n := newTestNode(t)
	require.NoError(t, n.InstallStandardPDOs())
	// All eight slots exist with in-range COB-IDs; each one's only issue
	// is that no mapping has been added yet.
	issues := n.PDO.Validate()
	assert.Len(t, issues, 8)
	for _, issue := range issues {
		assert.Contains(t, issue, "no mappings configured")
	}
}

func TestHeartbeatWatchdogViaFacade(t *testing.T) {
	bm, n := newTestNode(t)

	events := make(chan heartbeat.Event, 1)
	n.Heartbeat.OnEvent(func(e heartbeat.Event) { events <- e })

	require.NoError(t, n.MonitorHeartbeat(30*time.Millisecond))
	bm.Handle(canopen.NewFrame(canopen.CobIDHeartbeat+uint16(testNode), []byte{0x05}))

	select {
	case e := <-events:
		assert.Equal(t, heartbeat.StateTimeout, e.State)
		assert.EqualValues(t, testNode, e.NodeID)
		assert.GreaterOrEqual(t, e.Elapsed, 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat timeout event")
	}
}

// TestNewFromConfigWiresSync covers pkg/config's one real caller: a
// Config with SyncEnabled must leave the facade's SYNC producer running.
func TestNewFromConfigWiresSync(t *testing.T) {
	bus := virtual.NewBus("test")
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	bm, err := canopen.NewBusManager(bus)
	require.NoError(t, err)

	cfg := config.Default(testNode)
	cfg.SyncEnabled = true
	cfg.SyncInterval = 5 * time.Millisecond

	n, err := node.NewFromConfig(bm, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	received := make(chan canopen.Frame, 1)
	_, err = bm.Subscribe(canopen.CobIDSync, canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		select {
		case received <- f:
		default:
		}
	}))
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SYNC frame from config-enabled producer")
	}
}

func TestSendEmergencyFromFacade(t *testing.T) {
	bm, n := newTestNode(t)

	received := make(chan canopen.Frame, 1)
	_, err := bm.Subscribe(0, 0, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		received <- f
	}))
	require.NoError(t, err)

	require.NoError(t, n.SendEmergency(0x1110, 0x08, []byte{1, 2}))

	select {
	case f := <-received:
		assert.EqualValues(t, 0x081, f.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for emcy frame")
	}
}
