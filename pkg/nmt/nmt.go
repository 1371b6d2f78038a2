// Package nmt sends CiA 301 Network Management commands: stateless
// 2-byte frames on COB-ID 0x000 that move one node, or every node, to
// another lifecycle state. No response is expected (spec.md §4.3).
package nmt

import (
	"log/slog"

	canopen "github.com/canlink/canopen-core"
)

// Command is a DS-301 network-management command byte.
type Command uint8

const (
	CommandStart               Command = 0x01
	CommandStop                Command = 0x02
	CommandEnterPreOperational Command = 0x80
	CommandResetNode           Command = 0x81
	CommandResetCommunication  Command = 0x82
)

// Broadcast addresses every node on the bus.
const Broadcast uint8 = 0

// Master is a stateless NMT command sender.
type Master struct {
	bm     *canopen.BusManager
	logger *slog.Logger
}

// NewMaster binds a Master to bm. A Master holds no per-node state.
func NewMaster(bm *canopen.BusManager, logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{bm: bm, logger: logger.With("service", "[NMT]")}
}

// Send transmits command addressed to nodeID (Broadcast for every
// node) on CobIDNMT, per the 2-byte wire format of spec.md §6.
func (m *Master) Send(nodeID uint8, command Command) error {
	data := [2]byte{byte(command), nodeID}
	if err := m.bm.Send(canopen.CobIDNMT, data[:]); err != nil {
		return err
	}
	m.logger.Debug("sent nmt command", "command", command, "node", nodeID)
	return nil
}

func (m *Master) Start(nodeID uint8) error               { return m.Send(nodeID, CommandStart) }
func (m *Master) Stop(nodeID uint8) error                { return m.Send(nodeID, CommandStop) }
func (m *Master) EnterPreOperational(nodeID uint8) error { return m.Send(nodeID, CommandEnterPreOperational) }
func (m *Master) ResetNode(nodeID uint8) error           { return m.Send(nodeID, CommandResetNode) }
func (m *Master) ResetCommunication(nodeID uint8) error  { return m.Send(nodeID, CommandResetCommunication) }
