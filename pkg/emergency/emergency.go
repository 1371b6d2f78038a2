// Package emergency implements the CiA 301 Emergency (EMCY) consumer
// and a supplemented producer helper, per spec.md §4.5.
package emergency

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
)

// Error register bitfield values, per spec.md §3.
const (
	ErrRegGeneric       uint8 = 0x01 // bit 0 - generic error
	ErrRegCurrent       uint8 = 0x02 // bit 1 - current
	ErrRegVoltage       uint8 = 0x04 // bit 2 - voltage
	ErrRegTemperature   uint8 = 0x08 // bit 3 - temperature
	ErrRegCommunication uint8 = 0x10 // bit 4 - communication error
	ErrRegDevProfile    uint8 = 0x20 // bit 5 - device profile specific
	ErrRegManufacturer  uint8 = 0x80 // bit 7 - manufacturer specific
)

// inboundLow/inboundHigh bound the EMCY identifier range: bare 0x080 is
// SYNC and is not an emergency.
const (
	inboundLow  uint16 = 0x081
	inboundHigh uint16 = 0x0FF
)

// Record is the latest decoded EMCY frame for one node.
type Record struct {
	NodeID       uint8
	Code         uint16
	Register     uint8
	Manufacturer [5]byte
	Timestamp    time.Time
}

// ReceiveCallback is invoked with every newly decoded Record.
type ReceiveCallback func(Record)

// Monitor decodes inbound EMCY frames and retains the latest record per
// producing node, per spec.md §4.5.
type Monitor struct {
	bm     *canopen.BusManager
	logger *slog.Logger

	mu        sync.Mutex
	records   map[uint8]Record
	onReceive ReceiveCallback

	cancelSub func()
}

// NewMonitor subscribes to every frame and filters to the EMCY
// identifier range (0x081-0x0FF) in Handle, since that range is not a
// single ident/mask pair.
func NewMonitor(bm *canopen.BusManager, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		bm:      bm,
		logger:  logger.With("service", "[EMCY]"),
		records: make(map[uint8]Record),
	}
	cancel, err := bm.Subscribe(0, 0, m)
	if err != nil {
		return nil, err
	}
	m.cancelSub = cancel
	return m, nil
}

// Close releases the monitor's inbound subscription.
func (m *Monitor) Close() {
	if m.cancelSub != nil {
		m.cancelSub()
	}
}

// OnReceive installs cb as the callback fired for every decoded Record.
func (m *Monitor) OnReceive(cb ReceiveCallback) {
	m.mu.Lock()
	m.onReceive = cb
	m.mu.Unlock()
}

// Handle implements canopen.FrameHandler.
func (m *Monitor) Handle(frame canopen.Frame) {
	if frame.ID < inboundLow || frame.ID > inboundHigh {
		return
	}
	if len(frame.Data) < 8 {
		m.logger.Debug("dropping undersized emcy frame", "id", frame.ID, "length", len(frame.Data))
		return
	}
	record := Record{
		NodeID:    uint8(frame.ID - canopen.CobIDEmergency),
		Code:      binary.LittleEndian.Uint16(frame.Data[0:2]),
		Register:  frame.Data[2],
		Timestamp: frame.Timestamp,
	}
	copy(record.Manufacturer[:], frame.Data[3:8])

	m.mu.Lock()
	m.records[record.NodeID] = record
	cb := m.onReceive
	m.mu.Unlock()

	if cb != nil {
		cb(record)
	}
}

// Latest returns the most recent record for nodeID, if any.
func (m *Monitor) Latest(nodeID uint8) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[nodeID]
	return r, ok
}

// Clear drops the stored record for nodeID. It does not affect live
// subscribers.
func (m *Monitor) Clear(nodeID uint8) {
	m.mu.Lock()
	delete(m.records, nodeID)
	m.mu.Unlock()
}

// ClearAll drops every stored record.
func (m *Monitor) ClearAll() {
	m.mu.Lock()
	m.records = make(map[uint8]Record)
	m.mu.Unlock()
}

// Producer is a supplement to spec.md's explicit scope: it sends an
// EMCY frame on this node's own COB-ID, since a stack that can consume
// emergencies but never raise its own is a half implementation of §4.5.
type Producer struct {
	bm     *canopen.BusManager
	logger *slog.Logger
	nodeID uint8
}

// NewProducer binds a Producer to nodeID's own EMCY identifier
// (0x080 + nodeID).
func NewProducer(bm *canopen.BusManager, logger *slog.Logger, nodeID uint8) (*Producer, error) {
	if nodeID < 1 || nodeID > 127 {
		return nil, canopen.ErrBadNodeID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{bm: bm, logger: logger.With("service", "[EMCY]"), nodeID: nodeID}, nil
}

// Send transmits an EMCY frame with code, register, and up to 5
// manufacturer-specific bytes (padded with zero beyond what is given).
func (p *Producer) Send(code uint16, register uint8, manufacturer []byte) error {
	var data [8]byte
	binary.LittleEndian.PutUint16(data[0:2], code)
	data[2] = register
	copy(data[3:8], manufacturer)
	id := canopen.CobIDEmergency + uint16(p.nodeID)
	if err := p.bm.Send(id, data[:]); err != nil {
		return err
	}
	p.logger.Debug("sent emcy", "code", code, "register", register)
	return nil
}
