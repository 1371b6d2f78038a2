// Package socketcan is the real-hardware canopen.Transport backend. It
// wraps github.com/brutella/can (the teacher's own SocketCAN dependency)
// behind the same canopen.Transport contract the virtual, in-memory
// backend satisfies, so the CORE protocol layer never has to know which
// one it is talking to. Driver-level diagnostics use logrus, matching
// the generation of the teacher tree that predates its slog migration;
// golang.org/x/sys/unix supplies IFNAMSIZ, used to reject an over-long
// interface name in NewBus.
package socketcan

import (
	"fmt"
	"sync"

	sockcan "github.com/brutella/can"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/can"
)

func init() {
	can.RegisterInterface("socketcan", func(channel string) (canopen.Transport, error) {
		return NewBus(channel)
	})
}

// Bus adapts a brutella/can.Bus to canopen.Transport.
type Bus struct {
	name string

	mu        sync.Mutex
	bus       *sockcan.Bus
	handler   canopen.FrameHandler
	connected bool
}

// NewBus opens (but does not yet connect) the named SocketCAN interface,
// e.g. "can0". Linux limits an ifreq interface name to IFNAMSIZ bytes
// including the trailing NUL; brutella/can's underlying ioctl call fails
// opaquely past that, so reject it here with a clear error.
func NewBus(name string) (*Bus, error) {
	if len(name)+1 > unix.IFNAMSIZ {
		return nil, fmt.Errorf("socketcan: interface name %q exceeds IFNAMSIZ (%d)", name, unix.IFNAMSIZ)
	}
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %q: %w", name, err)
	}
	return &Bus{name: name, bus: bus}, nil
}

func (b *Bus) Connect() error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = true
	bus := b.bus
	b.mu.Unlock()

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			log.WithFields(log.Fields{"interface": b.name, "error": err}).
				Error("socketcan: reader loop exited")
		}
	}()
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	return b.bus.Disconnect()
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
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return canopen.ErrNotConnected
	}

	frame := sockcan.Frame{ID: uint32(id), Length: uint8(len(data))}
	copy(frame.Data[:], data)
	if err := b.bus.Publish(frame); err != nil {
		log.WithFields(log.Fields{"interface": b.name, "id": fmt.Sprintf("x%x", id), "error": err}).
			Warn("socketcan: send failed")
		return err
	}
	return nil
}

func (b *Bus) Subscribe(handler canopen.FrameHandler) error {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
	b.bus.Subscribe(b)
	return nil
}

// Handle implements brutella/can's frame-received callback.
func (b *Bus) Handle(frame sockcan.Frame) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}
	handler.Handle(canopen.NewFrame(uint16(frame.ID), frame.Data[:frame.Length]))
}
