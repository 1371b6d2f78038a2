// Package node provides the device facade of spec.md §4.9: a single
// programming surface that binds one node id to an SDO client, NMT
// master, PDO manager, Emergency monitor, and Heartbeat consumer, with
// a lazily created SYNC producer and optional Emergency/Heartbeat
// producers for announcing this node's own state.
package node

import (
	"context"
	"log/slog"
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/config"
	"github.com/canlink/canopen-core/pkg/emergency"
	"github.com/canlink/canopen-core/pkg/heartbeat"
	"github.com/canlink/canopen-core/pkg/nmt"
	"github.com/canlink/canopen-core/pkg/pdo"
	"github.com/canlink/canopen-core/pkg/sdo"
	syncproducer "github.com/canlink/canopen-core/pkg/sync"
)

// Standard TPDO/RPDO COB-ID bases, installed relative to a node id by
// InstallStandardPDOs.
const (
	tpdoBase1 uint16 = 0x180
	tpdoBase2 uint16 = 0x280
	tpdoBase3 uint16 = 0x380
	tpdoBase4 uint16 = 0x480
	rpdoBase1 uint16 = 0x200
	rpdoBase2 uint16 = 0x300
	rpdoBase3 uint16 = 0x400
	rpdoBase4 uint16 = 0x500
)

// Node binds a node id to one instance of each protocol service. It
// holds no protocol state of its own beyond the observed NMT state and
// the lazily constructed producers.
type Node struct {
	bm     *canopen.BusManager
	logger *slog.Logger
	nodeID uint8

	SDO       *sdo.Client
	NMT       *nmt.Master
	PDO       *pdo.Manager
	Emergency *emergency.Monitor
	Heartbeat *heartbeat.Consumer

	mu           sync.Mutex
	nmtState     canopen.NMTState
	sync         *syncproducer.Producer
	emcyProducer *emergency.Producer
	hbProducer   *heartbeat.Producer
}

// New constructs a Node bound to nodeID with an SDO timeout of
// sdoTimeout (DefaultTimeout if zero).
func New(bm *canopen.BusManager, logger *slog.Logger, nodeID uint8, sdoTimeout time.Duration) (*Node, error) {
	if nodeID < 1 || nodeID > 127 {
		return nil, canopen.ErrBadNodeID
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node", nodeID)

	sdoClient, err := sdo.NewClient(bm, logger, nodeID, sdoTimeout)
	if err != nil {
		return nil, err
	}
	pdoManager, err := pdo.NewManager(bm, logger)
	if err != nil {
		return nil, err
	}
	emcyMonitor, err := emergency.NewMonitor(bm, logger)
	if err != nil {
		return nil, err
	}
	hbConsumer, err := heartbeat.NewConsumer(bm, logger)
	if err != nil {
		return nil, err
	}

	return &Node{
		bm:        bm,
		logger:    logger,
		nodeID:    nodeID,
		SDO:       sdoClient,
		NMT:       nmt.NewMaster(bm, logger),
		PDO:       pdoManager,
		Emergency: emcyMonitor,
		Heartbeat: hbConsumer,
		nmtState:  canopen.NMTPreOperational,
	}, nil
}

// NewFromConfig constructs a Node from cfg, the shape pkg/config loads
// from an INI file or builds with config.Default. SYNC is started
// immediately if cfg.SyncEnabled.
func NewFromConfig(bm *canopen.BusManager, logger *slog.Logger, cfg config.Config) (*Node, error) {
	n, err := New(bm, logger, cfg.NodeID, cfg.SDOTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.SyncEnabled {
		if err := n.EnableSync(cfg.SyncInterval, cfg.SyncCounterMode); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Close releases every service's subscriptions and stops any running
// producer.
func (n *Node) Close() {
	n.SDO.Close()
	n.PDO.Close()
	n.Emergency.Close()
	n.Heartbeat.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sync != nil {
		n.sync.Stop()
	}
	if n.hbProducer != nil {
		n.hbProducer.Stop()
	}
}

// NodeID returns the bound node id.
func (n *Node) NodeID() uint8 { return n.nodeID }

// NMTState returns the last observed (or optimistically assumed) NMT
// state of the bound node.
func (n *Node) NMTState() canopen.NMTState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nmtState
}

func (n *Node) setNMTState(s canopen.NMTState) {
	n.mu.Lock()
	n.nmtState = s
	n.mu.Unlock()
}

// Start sends an NMT Start command to the bound node and optimistically
// updates the tracked NMT state, per spec.md §9 (no response is
// expected, so the observed state is an assumption until a heartbeat
// or bootup frame confirms it).
func (n *Node) Start() error {
	if err := n.NMT.Start(n.nodeID); err != nil {
		return err
	}
	n.setNMTState(canopen.NMTOperational)
	return nil
}

// Stop sends an NMT Stop command and optimistically updates state.
func (n *Node) Stop() error {
	if err := n.NMT.Stop(n.nodeID); err != nil {
		return err
	}
	n.setNMTState(canopen.NMTStopped)
	return nil
}

// EnterPreOperational sends an NMT pre-operational command and
// optimistically updates state.
func (n *Node) EnterPreOperational() error {
	if err := n.NMT.EnterPreOperational(n.nodeID); err != nil {
		return err
	}
	n.setNMTState(canopen.NMTPreOperational)
	return nil
}

// ResetNode sends an NMT reset-node command.
func (n *Node) ResetNode() error {
	return n.NMT.ResetNode(n.nodeID)
}

// ResetCommunication sends an NMT reset-communication command.
func (n *Node) ResetCommunication() error {
	return n.NMT.ResetCommunication(n.nodeID)
}

// InstallStandardPDOs configures the four standard TPDO and RPDO
// COB-IDs (`0x180/0x200/0x280/.../0x500 + nodeID`) on the PDO manager.
// Mappings must still be added with PDO.AddMapping.
func (n *Node) InstallStandardPDOs() error {
	tpdoBases := [4]uint16{tpdoBase1, tpdoBase2, tpdoBase3, tpdoBase4}
	rpdoBases := [4]uint16{rpdoBase1, rpdoBase2, rpdoBase3, rpdoBase4}
	id := uint16(n.nodeID)

	for i, base := range tpdoBases {
		cfg := pdo.Config{PdoNumber: uint8(i + 1), CobID: base + id, TransmissionType: 255}
		if err := n.PDO.ConfigureTPDO(cfg); err != nil {
			return err
		}
	}
	for i, base := range rpdoBases {
		cfg := pdo.Config{PdoNumber: uint8(i + 1), CobID: base + id, TransmissionType: 255}
		if err := n.PDO.ConfigureRPDO(cfg); err != nil {
			return err
		}
	}
	return nil
}

// MonitorHeartbeat enables the Heartbeat consumer's watchdog for the
// bound node.
func (n *Node) MonitorHeartbeat(timeout time.Duration) error {
	return n.Heartbeat.Monitor(n.nodeID, timeout)
}

// StopMonitoringHeartbeat disables the watchdog for the bound node.
func (n *Node) StopMonitoringHeartbeat() {
	n.Heartbeat.Unmonitor(n.nodeID)
}

// EnableSync lazily creates (or replaces) the SYNC producer and starts
// it at interval with the given counter mode.
func (n *Node) EnableSync(interval time.Duration, counterMode bool) error {
	p, err := syncproducer.NewProducer(n.bm, n.logger, interval, counterMode)
	if err != nil {
		return err
	}
	n.mu.Lock()
	old := n.sync
	n.sync = p
	n.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	p.Start()
	return nil
}

// DisableSync stops the SYNC producer, if any.
func (n *Node) DisableSync() {
	n.mu.Lock()
	p := n.sync
	n.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// SendEmergency lazily creates an Emergency producer and sends one EMCY
// frame announcing this node's own fault.
func (n *Node) SendEmergency(code uint16, register uint8, manufacturer []byte) error {
	n.mu.Lock()
	p := n.emcyProducer
	n.mu.Unlock()
	if p == nil {
		var err error
		p, err = emergency.NewProducer(n.bm, n.logger, n.nodeID)
		if err != nil {
			return err
		}
		n.mu.Lock()
		n.emcyProducer = p
		n.mu.Unlock()
	}
	return p.Send(code, register, manufacturer)
}

// EnableHeartbeatProducer lazily creates and (re)starts a Heartbeat
// producer announcing this node's own NMT state at period.
func (n *Node) EnableHeartbeatProducer(period time.Duration) error {
	p, err := heartbeat.NewProducer(n.bm, n.logger, n.nodeID, period, n.NMTState)
	if err != nil {
		return err
	}
	n.mu.Lock()
	old := n.hbProducer
	n.hbProducer = p
	n.mu.Unlock()
	if old != nil {
		old.Stop()
	}
	p.Start()
	return nil
}

// DisableHeartbeatProducer stops the Heartbeat producer, if any.
func (n *Node) DisableHeartbeatProducer() {
	n.mu.Lock()
	p := n.hbProducer
	n.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

// Sized SDO accessors, forwarding to the bound SDO client.

func (n *Node) ReadUint8(ctx context.Context, addr canopen.ObjectAddress) (uint8, error) {
	return n.SDO.ReadUint8(ctx, addr)
}

func (n *Node) ReadUint16(ctx context.Context, addr canopen.ObjectAddress) (uint16, error) {
	return n.SDO.ReadUint16(ctx, addr)
}

func (n *Node) ReadUint32(ctx context.Context, addr canopen.ObjectAddress) (uint32, error) {
	return n.SDO.ReadUint32(ctx, addr)
}

func (n *Node) ReadInt16(ctx context.Context, addr canopen.ObjectAddress) (int16, error) {
	return n.SDO.ReadInt16(ctx, addr)
}

func (n *Node) ReadInt32(ctx context.Context, addr canopen.ObjectAddress) (int32, error) {
	return n.SDO.ReadInt32(ctx, addr)
}

func (n *Node) WriteUint8(ctx context.Context, addr canopen.ObjectAddress, v uint8) error {
	return n.SDO.WriteUint8(ctx, addr, v)
}

func (n *Node) WriteUint16(ctx context.Context, addr canopen.ObjectAddress, v uint16) error {
	return n.SDO.WriteUint16(ctx, addr, v)
}

func (n *Node) WriteUint32(ctx context.Context, addr canopen.ObjectAddress, v uint32) error {
	return n.SDO.WriteUint32(ctx, addr, v)
}

func (n *Node) WriteInt16(ctx context.Context, addr canopen.ObjectAddress, v int16) error {
	return n.SDO.WriteInt16(ctx, addr, v)
}

func (n *Node) WriteInt32(ctx context.Context, addr canopen.ObjectAddress, v int32) error {
	return n.SDO.WriteInt32(ctx, addr, v)
}
