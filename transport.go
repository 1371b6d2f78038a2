package canopen

import (
	"fmt"
	"sync"
)

// Transport is the external CAN driver trait the core speaks to. It is
// satisfied by pkg/can/virtual (in-memory, used by tests) and
// pkg/can/socketcan (real hardware); the core never imports either.
//
// Ordering: frames reach Subscribe's handler in receive order, and a
// single Handle call never observes interleaved halves of one frame. The
// transport makes no guarantee about bus-level retransmission.
type Transport interface {
	Connect() error
	Disconnect() error
	Connected() bool

	// Send transmits data (0-8 bytes) on identifier id. It fails if the
	// transport is not connected or len(data) > 8.
	Send(id uint16, data []byte) error

	// Subscribe registers the single inbound handler for this transport.
	// BusManager is the only caller in this module; it then fans frames
	// out to per-service subscriptions.
	Subscribe(handler FrameHandler) error
}

type busSubscription struct {
	id       uint64
	ident    uint16
	mask     uint16
	callback FrameHandler
}

// BusManager wraps a Transport and dispatches inbound frames to any
// number of per-service subscriptions filtered by COB-ID, implementing
// the "dispatch by identifier range" convention of §6. Services hold a
// shared, non-owning handle to a BusManager; it does not know about them.
type BusManager struct {
	transport Transport

	mu            sync.Mutex
	subscriptions []busSubscription
	nextSubID     uint64
}

// NewBusManager wraps transport. It immediately registers itself as the
// transport's single inbound handler.
func NewBusManager(transport Transport) (*BusManager, error) {
	if transport == nil {
		return nil, ErrIllegalArgument
	}
	bm := &BusManager{transport: transport}
	if err := transport.Subscribe(bm); err != nil {
		return nil, err
	}
	return bm, nil
}

// Handle implements FrameHandler; it is the transport's single inbound
// callback and fans frames out to matching subscriptions in receive
// order, synchronously and one at a time. The subscription list is
// snapshotted under the lock so a concurrent Subscribe/cancel never
// races the dispatch loop.
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	subs := make([]busSubscription, len(bm.subscriptions))
	copy(subs, bm.subscriptions)
	bm.mu.Unlock()

	for _, sub := range subs {
		if frame.ID&sub.mask == sub.ident&sub.mask {
			sub.callback.Handle(frame)
		}
	}
}

// Subscribe installs a callback for frames whose identifier matches
// ident under mask (frame.ID & mask == ident & mask). It returns a
// cancel func that removes the subscription.
func (bm *BusManager) Subscribe(ident, mask uint16, callback FrameHandler) (cancel func(), err error) {
	if callback == nil {
		return nil, ErrIllegalArgument
	}
	bm.mu.Lock()
	bm.nextSubID++
	id := bm.nextSubID
	bm.subscriptions = append(bm.subscriptions, busSubscription{id: id, ident: ident, mask: mask, callback: callback})
	bm.mu.Unlock()

	return func() {
		bm.mu.Lock()
		defer bm.mu.Unlock()
		for i, sub := range bm.subscriptions {
			if sub.id == id {
				bm.subscriptions = append(bm.subscriptions[:i], bm.subscriptions[i+1:]...)
				return
			}
		}
	}, nil
}

// Send transmits a frame through the wrapped transport.
func (bm *BusManager) Send(id uint16, data []byte) error {
	if id > MaxCobID {
		return fmt.Errorf("%w: x%x", ErrBadCobID, id)
	}
	return bm.transport.Send(id, data)
}

// Connect proxies to the underlying transport.
func (bm *BusManager) Connect() error { return bm.transport.Connect() }

// Disconnect proxies to the underlying transport. Any in-flight reader is
// expected to unwind via the transport's own cancellation, not this call.
func (bm *BusManager) Disconnect() error { return bm.transport.Disconnect() }

// Connected reports whether the underlying transport is connected.
func (bm *BusManager) Connected() bool { return bm.transport.Connected() }
