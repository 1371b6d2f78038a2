package http_test

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can/virtual"
	gatewayhttp "github.com/canlink/canopen-core/pkg/gateway/http"
	"github.com/canlink/canopen-core/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *canopen.BusManager) {
	t.Helper()
	bus := virtual.NewBus("test")
	require.NoError(t, bus.Connect())
	t.Cleanup(func() { _ = bus.Disconnect() })
	bm, err := canopen.NewBusManager(bus)
	require.NoError(t, err)

	n, err := node.New(bm, nil, 3, 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	s := gatewayhttp.NewServer(nil)
	s.Register(n)

	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, bm
}

func TestSDOReadRouteRoundTrips(t *testing.T) {
	ts, bm := newTestServer(t)

	_, err := bm.Subscribe(canopen.CobIDSDORx+3, canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		resp := [8]byte{0x4B, f.Data[1], f.Data[2], f.Data[3], 0x37, 0x06, 0, 0}
		bm.Send(canopen.CobIDSDOTx+3, resp[:])
	}))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{"index": 0x6041, "subindex": 0, "width": 16})
	resp, err := ts.Client().Post(ts.URL+"/nodes/3/sdo/read", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)

	var decoded struct {
		Value uint32 `json:"value"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.EqualValues(t, 0x0637, decoded.Value)
}

func TestNMTStartRouteSendsCommand(t *testing.T) {
	ts, bm := newTestServer(t)

	received := make(chan canopen.Frame, 1)
	_, err := bm.Subscribe(canopen.CobIDNMT, canopen.MaxCobID, canopen.FrameHandlerFunc(func(f canopen.Frame) {
		received <- f
	}))
	require.NoError(t, err)

	resp, err := ts.Client().Post(ts.URL+"/nodes/3/nmt/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 204, resp.StatusCode)

	select {
	case f := <-received:
		assert.Equal(t, []byte{0x01, 0x03}, f.Data)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nmt frame")
	}
}

func TestUnknownNodeReturns404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := ts.Client().Post(ts.URL+"/nodes/99/nmt/start", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}
