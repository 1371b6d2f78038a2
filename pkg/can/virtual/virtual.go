// Package virtual is an in-memory, loopback canopen.Transport. It is the
// teacher's TCP-backed virtual CAN bus (pkg/can/virtual, used for its own
// integration tests) adapted to a single-process, channel-based broker:
// tests in this module run many device facades against one shared bus
// inside a single Go process, so a real socket only adds flakiness
// without adding coverage. Every frame Sent is queued and delivered back
// to the transport's single subscriber on its own goroutine, preserving
// receive order the way a real bus's reader thread would.
package virtual

import (
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", func(channel string) (canopen.Transport, error) {
		return NewBus(channel), nil
	})
	can.RegisterInterface("virtualcan", func(channel string) (canopen.Transport, error) {
		return NewBus(channel), nil
	})
}

const queueDepth = 256

// Bus is a loopback transport: every frame it sends is the only frame it
// will ever receive. It models a single shared CAN wire inside one Go
// process, which is how this module's own test suites exercise SDO,
// PDO, NMT, heartbeat, and SYNC traffic without real hardware.
type Bus struct {
	channel string

	mu        sync.Mutex
	connected bool
	handler   canopen.FrameHandler
	queue     chan canopen.Frame
	done      chan struct{}
	wg        sync.WaitGroup

	// DropFilter, when non-nil, is consulted for every sent frame;
	// returning true drops the frame before delivery. Tests use this to
	// simulate an unreachable node (e.g. an SDO timeout scenario).
	DropFilter func(canopen.Frame) bool
}

// NewBus constructs a disconnected virtual bus. channel is retained only
// for parity with real transports that dial a named endpoint.
func NewBus(channel string) *Bus {
	return &Bus{channel: channel}
}

func (b *Bus) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.queue = make(chan canopen.Frame, queueDepth)
	b.done = make(chan struct{})
	b.connected = true
	b.wg.Add(1)
	go b.deliverLoop(b.queue, b.done)
	return nil
}

func (b *Bus) deliverLoop(queue chan canopen.Frame, done chan struct{}) {
	defer b.wg.Done()
	for {
		select {
		case frame := <-queue:
			b.mu.Lock()
			handler := b.handler
			b.mu.Unlock()
			if handler != nil {
				handler.Handle(frame)
			}
		case <-done:
			return
		}
	}
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	close(b.done)
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bus) Send(id uint16, data []byte) error {
	if len(data) > 8 {
		return canopen.ErrFrameTooLarge
	}
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return canopen.ErrNotConnected
	}
	queue := b.queue
	b.mu.Unlock()

	frame := canopen.NewFrame(id, data)
	frame.Timestamp = time.Now()
	if b.DropFilter != nil && b.DropFilter(frame) {
		return nil
	}
	queue <- frame
	return nil
}

func (b *Bus) Subscribe(handler canopen.FrameHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}
