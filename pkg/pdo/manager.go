package pdo

import (
	"fmt"
	"log/slog"
	"sync"

	canopen "github.com/canlink/canopen-core"
)

// ReceiveCallback is invoked for every inbound frame matching a
// configured TPDO's COB-ID.
type ReceiveCallback func(PdoData)

// Manager is the TPDO/RPDO configuration registry, mapping validator,
// and inbound dispatcher of spec.md §4.8. It subscribes to every
// inbound frame and tests each against the configured TPDOs itself,
// since a PDO's COB-ID is assigned at configuration time, not fixed at
// construction like SDO or Heartbeat.
type Manager struct {
	bm     *canopen.BusManager
	logger *slog.Logger

	mu          sync.Mutex
	tpdoConfigs map[uint8]Config
	rpdoConfigs map[uint8]Config
	onReceive   ReceiveCallback

	cancelSub func()
}

// NewManager builds a Manager bound to bm and subscribes its inbound
// dispatch over the full 11-bit identifier space.
func NewManager(bm *canopen.BusManager, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		bm:          bm,
		logger:      logger.With("service", "[PDO]"),
		tpdoConfigs: make(map[uint8]Config),
		rpdoConfigs: make(map[uint8]Config),
	}
	cancel, err := bm.Subscribe(0, 0, m)
	if err != nil {
		return nil, err
	}
	m.cancelSub = cancel
	return m, nil
}

// Close releases the manager's inbound subscription.
func (m *Manager) Close() {
	if m.cancelSub != nil {
		m.cancelSub()
	}
}

// OnReceive installs cb as the callback for inbound TPDO matches,
// replacing any previous callback.
func (m *Manager) OnReceive(cb ReceiveCallback) {
	m.mu.Lock()
	m.onReceive = cb
	m.mu.Unlock()
}

// ConfigureTPDO inserts or replaces the TPDO config by PdoNumber.
func (m *Manager) ConfigureTPDO(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tpdoConfigs[cfg.PdoNumber] = cfg
	return nil
}

// ConfigureRPDO inserts or replaces the RPDO config by PdoNumber.
func (m *Manager) ConfigureRPDO(cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpdoConfigs[cfg.PdoNumber] = cfg
	return nil
}

// AddMapping appends entry to the named PDO's mapping list, failing
// without mutating state when the entry's bit length is out of range
// or the new cumulative total would exceed 64 bits.
func (m *Manager) AddMapping(pdoNumber uint8, isRPDO bool, entry MappingEntry) error {
	if entry.BitLength == 0 || entry.BitLength > MaxPayloadBits {
		return fmt.Errorf("pdo: mapping bit length %d out of [1,64]: %w", entry.BitLength, canopen.ErrIllegalArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := m.tpdoConfigs
	if isRPDO {
		configs = m.rpdoConfigs
	}
	cfg, ok := configs[pdoNumber]
	if !ok {
		cfg = Config{PdoNumber: pdoNumber}
	}
	if cfg.totalBits()+int(entry.BitLength) > MaxPayloadBits {
		return fmt.Errorf("pdo: adding mapping would exceed 64 bits: %w", canopen.ErrIllegalArgument)
	}
	cfg.Mappings = append(cfg.Mappings, entry)
	configs[pdoNumber] = cfg
	return nil
}

// Validate runs Config.Validate over every configured TPDO and RPDO.
func (m *Manager) Validate() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var issues []string
	for n, cfg := range m.tpdoConfigs {
		for _, issue := range cfg.Validate() {
			issues = append(issues, fmt.Sprintf("tpdo %d: %s", n, issue))
		}
	}
	for n, cfg := range m.rpdoConfigs {
		for _, issue := range cfg.Validate() {
			issues = append(issues, fmt.Sprintf("rpdo %d: %s", n, issue))
		}
	}
	return issues
}

// SendRPDO transmits data on the configured RPDO's COB-ID, masked to
// 11 bits, per spec.md §4.8.
func (m *Manager) SendRPDO(pdoNumber uint8, data []byte) error {
	m.mu.Lock()
	cfg, ok := m.rpdoConfigs[pdoNumber]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("pdo: rpdo %d not configured: %w", pdoNumber, canopen.ErrIllegalArgument)
	}
	if len(cfg.Mappings) == 0 {
		return fmt.Errorf("pdo: rpdo %d has no mappings configured: %w", pdoNumber, canopen.ErrIllegalArgument)
	}
	if len(data) > 8 {
		return canopen.ErrFrameTooLarge
	}
	return m.bm.Send(cfg.CobID&canopen.MaxCobID, data)
}

// RequestTPDO is explicitly unsupported: this module does not send CAN
// remote-transmission-request frames, per spec.md §4.8.
func (m *Manager) RequestTPDO(pdoNumber uint8) error {
	return fmt.Errorf("pdo: RTR request for tpdo %d not supported: %w", pdoNumber, canopen.ErrUnsupported)
}

// Handle implements canopen.FrameHandler, testing every inbound frame
// against each configured TPDO's masked COB-ID. First match wins;
// duplicate configurations on the same COB-ID are a caller bug.
func (m *Manager) Handle(frame canopen.Frame) {
	m.mu.Lock()
	var match *Config
	for _, cfg := range m.tpdoConfigs {
		if cfg.CobID&canopen.MaxCobID == frame.ID {
			c := cfg
			match = &c
			break
		}
	}
	cb := m.onReceive
	m.mu.Unlock()

	if match == nil || cb == nil {
		return
	}
	cb(PdoData{
		PdoNumber: match.PdoNumber,
		CobID:     match.CobID,
		Payload:   frame.Data,
		Timestamp: frame.Timestamp,
	})
}
