package sdo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
)

// DefaultTimeout is the deadline a Client waits for a response before
// surfacing a TimeoutError, per spec.md §4.7.
const DefaultTimeout = time.Second

// pending is the single-flight slot for one (index, sub-index) request.
type pending struct {
	responseCh chan response
}

// Client is an expedited-only SDO master talking to one server node. It
// holds at most one outstanding request per object at a time: a second
// Upload/Download for the same object fails immediately with
// SingleFlightError rather than queuing behind the first.
type Client struct {
	bm      *canopen.BusManager
	logger  *slog.Logger
	nodeID  uint8
	timeout time.Duration

	mu      sync.Mutex
	pending map[canopen.ObjectAddress]*pending

	cancelSub func()
}

// NewClient subscribes to nodeID's SDO server->client COB-ID
// (0x580+nodeID) and returns a ready-to-use Client. timeout <= 0 uses
// DefaultTimeout.
func NewClient(bm *canopen.BusManager, logger *slog.Logger, nodeID uint8, timeout time.Duration) (*Client, error) {
	if nodeID < 1 || nodeID > 127 {
		return nil, canopen.ErrBadNodeID
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		bm:      bm,
		logger:  logger.With("service", "[SDO]", "node", nodeID),
		nodeID:  nodeID,
		timeout: timeout,
		pending: make(map[canopen.ObjectAddress]*pending),
	}
	cancel, err := bm.Subscribe(canopen.CobIDSDOTx+uint16(nodeID), canopen.MaxCobID, c)
	if err != nil {
		return nil, err
	}
	c.cancelSub = cancel
	return c, nil
}

// Close removes the client's bus subscription. Any request still waiting
// on a response unblocks only via its own timeout or context.
func (c *Client) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
}

// Handle implements canopen.FrameHandler for inbound SDO responses.
func (c *Client) Handle(frame canopen.Frame) {
	resp, err := decodeResponse(frame.Data)
	if err != nil {
		c.logger.Debug("dropping undersized sdo response", "length", len(frame.Data))
		return
	}
	addr := resp.address()

	c.mu.Lock()
	p, ok := c.pending[addr]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping unmatched sdo response", "index", fmt.Sprintf("x%04x", addr.Index), "subindex", addr.SubIndex)
		return
	}
	select {
	case p.responseCh <- resp:
	default:
		// A response already satisfied this slot; this one is a
		// duplicate or came in after the waiter gave up.
	}
}

// register installs the single-flight slot for addr. It fails with
// SingleFlightError if one is already pending, before any frame is sent.
func (c *Client) register(addr canopen.ObjectAddress) (*pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[addr]; exists {
		return nil, &SingleFlightError{Address: addrString(addr)}
	}
	p := &pending{responseCh: make(chan response, 1)}
	c.pending[addr] = p
	return p, nil
}

func (c *Client) unregister(addr canopen.ObjectAddress) {
	c.mu.Lock()
	delete(c.pending, addr)
	c.mu.Unlock()
}

func addrString(addr canopen.ObjectAddress) string {
	return fmt.Sprintf("x%04x:%02x", addr.Index, addr.SubIndex)
}

// Upload reads addr from the server (expedited only, <=4 bytes), per the
// request/response exchange of spec.md §4.7.
func (c *Client) Upload(ctx context.Context, addr canopen.ObjectAddress) ([]byte, error) {
	p, err := c.register(addr)
	if err != nil {
		return nil, err
	}
	defer c.unregister(addr)

	req := encodeUploadRequest(addr)
	if err := c.bm.Send(canopen.CobIDSDORx+uint16(c.nodeID), req[:]); err != nil {
		return nil, err
	}

	resp, err := c.wait(ctx, addr, p)
	if err != nil {
		return nil, err
	}
	if resp.isAbort() {
		return nil, resp.abortCode()
	}
	if !resp.isUploadResponse() {
		return nil, fmt.Errorf("sdo: unexpected response specifier x%02x: %w", resp.raw[0], canopen.ErrUnsupported)
	}
	if !resp.expedited() {
		return nil, fmt.Errorf("sdo: segmented upload response: %w", canopen.ErrUnsupported)
	}
	return resp.data(), nil
}

// Download writes 1-4 bytes of data to addr on the server, per spec.md
// §4.7. Segmented transfer (data longer than 4 bytes) is out of scope.
func (c *Client) Download(ctx context.Context, addr canopen.ObjectAddress, data []byte) error {
	p, err := c.register(addr)
	if err != nil {
		return err
	}
	defer c.unregister(addr)

	req, err := encodeDownloadRequest(addr, data)
	if err != nil {
		return err
	}
	if err := c.bm.Send(canopen.CobIDSDORx+uint16(c.nodeID), req[:]); err != nil {
		return err
	}

	resp, err := c.wait(ctx, addr, p)
	if err != nil {
		return err
	}
	if resp.isAbort() {
		return resp.abortCode()
	}
	if !resp.isDownloadResponse() {
		return fmt.Errorf("sdo: unexpected response specifier x%02x: %w", resp.raw[0], canopen.ErrUnsupported)
	}
	return nil
}

// wait blocks for p's response, the client's deadline, or ctx
// cancellation. On timeout it best-effort transmits an Abort SDO with
// AbortProtocolTimeout, a supplement CiA 301 itself leaves optional; a
// caller-driven cancellation sends nothing and simply walks away.
func (c *Client) wait(ctx context.Context, addr canopen.ObjectAddress, p *pending) (response, error) {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	start := time.Now()

	select {
	case resp := <-p.responseCh:
		return resp, nil
	case <-timer.C:
		c.sendAbort(addr, AbortProtocolTimeout)
		return response{}, &TimeoutError{Address: addrString(addr), Elapsed: time.Since(start).String()}
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Client) sendAbort(addr canopen.ObjectAddress, code AbortCode) {
	raw := encodeAbort(addr, code)
	if err := c.bm.Send(canopen.CobIDSDORx+uint16(c.nodeID), raw[:]); err != nil {
		c.logger.Debug("failed to send abort after timeout", "error", err)
	}
}

// Sized accessors. Reads are truncation-tolerant: if the server returns
// fewer bytes than the requested width, the value is zero- or
// sign-extended rather than treated as an error (spec.md §4.7).

func (c *Client) ReadUint8(ctx context.Context, addr canopen.ObjectAddress) (uint8, error) {
	data, err := c.Upload(ctx, addr)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return data[0], nil
}

func (c *Client) ReadUint16(ctx context.Context, addr canopen.ObjectAddress) (uint16, error) {
	data, err := c.Upload(ctx, addr)
	if err != nil {
		return 0, err
	}
	var buf [2]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (c *Client) ReadUint32(ctx context.Context, addr canopen.ObjectAddress) (uint32, error) {
	data, err := c.Upload(ctx, addr)
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Client) ReadInt16(ctx context.Context, addr canopen.ObjectAddress) (int16, error) {
	data, err := c.Upload(ctx, addr)
	if err != nil {
		return 0, err
	}
	return signExtend16(data), nil
}

func (c *Client) ReadInt32(ctx context.Context, addr canopen.ObjectAddress) (int32, error) {
	data, err := c.Upload(ctx, addr)
	if err != nil {
		return 0, err
	}
	return signExtend32(data), nil
}

func (c *Client) WriteUint8(ctx context.Context, addr canopen.ObjectAddress, v uint8) error {
	return c.Download(ctx, addr, []byte{v})
}

func (c *Client) WriteUint16(ctx context.Context, addr canopen.ObjectAddress, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return c.Download(ctx, addr, buf[:])
}

func (c *Client) WriteUint32(ctx context.Context, addr canopen.ObjectAddress, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return c.Download(ctx, addr, buf[:])
}

func (c *Client) WriteInt16(ctx context.Context, addr canopen.ObjectAddress, v int16) error {
	return c.WriteUint16(ctx, addr, uint16(v))
}

func (c *Client) WriteInt32(ctx context.Context, addr canopen.ObjectAddress, v int32) error {
	return c.WriteUint32(ctx, addr, uint32(v))
}

func signExtend16(data []byte) int16 {
	if len(data) >= 2 {
		return int16(binary.LittleEndian.Uint16(data[:2]))
	}
	if len(data) == 1 {
		return int16(int8(data[0]))
	}
	return 0
}

func signExtend32(data []byte) int32 {
	if len(data) >= 4 {
		return int32(binary.LittleEndian.Uint32(data[:4]))
	}
	n := len(data)
	if n == 0 {
		return 0
	}
	var v uint32
	for i := n - 1; i >= 0; i-- {
		v = v<<8 | uint32(data[i])
	}
	bitLen := uint(n * 8)
	if v&(1<<(bitLen-1)) != 0 {
		v |= ^uint32(0) << bitLen
	}
	return int32(v)
}
