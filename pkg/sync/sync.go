// Package sync implements the periodic CiA 301 SYNC producer: an empty
// or 1-byte-counter frame on COB-ID 0x080, per spec.md §4.4.
package sync

import (
	"log/slog"
	"sync"
	"time"

	canopen "github.com/canlink/canopen-core"
)

// MinInterval is the smallest period a Producer accepts.
const MinInterval = time.Millisecond

// MaxCounter is the last value of the cycling 1-byte counter; the next
// tick after MaxCounter wraps back to 1.
const MaxCounter uint8 = 240

// Producer periodically sends a SYNC frame. In counter-less mode the
// payload is empty; in counter mode a 1-byte counter is pre-incremented
// before each send and cycles through [1, 240].
type Producer struct {
	bm     *canopen.BusManager
	logger *slog.Logger

	interval    time.Duration
	counterMode bool

	mu      sync.Mutex
	running bool
	counter uint8
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewProducer validates interval and returns a stopped Producer.
func NewProducer(bm *canopen.BusManager, logger *slog.Logger, interval time.Duration, counterMode bool) (*Producer, error) {
	if interval < MinInterval {
		return nil, canopen.ErrIllegalArgument
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		bm:          bm,
		logger:      logger.With("service", "[SYNC]"),
		interval:    interval,
		counterMode: counterMode,
	}, nil
}

// Start begins periodic transmission on its own goroutine. Calling
// Start while already running is a restart: stop, zero the counter,
// then start again.
func (p *Producer) Start() {
	p.mu.Lock()
	if p.running {
		close(p.stop)
		p.running = false
		p.mu.Unlock()
		p.wg.Wait()
		p.mu.Lock()
	}
	p.counter = 0
	p.stop = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	stop := p.stop
	p.mu.Unlock()

	go p.run(stop)
}

// Stop halts transmission and zeroes the counter. Stop on an
// already-stopped Producer is a no-op.
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

	p.mu.Lock()
	p.counter = 0
	p.mu.Unlock()
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

// tick builds and sends one SYNC frame. A send failure is logged and
// the timer keeps running: a single failure must not stop the producer.
func (p *Producer) tick() {
	var payload []byte
	if p.counterMode {
		p.mu.Lock()
		p.counter++
		if p.counter > MaxCounter {
			p.counter = 1
		}
		c := p.counter
		p.mu.Unlock()
		payload = []byte{c}
	}
	if err := p.bm.Send(canopen.CobIDSync, payload); err != nil {
		p.logger.Warn("sync send failed", "error", err)
	}
}
