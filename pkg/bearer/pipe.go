package bearer

import (
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures delivery impairments of a Medium.
type NetworkCondition struct {
	// DropRate is the probability of dropping a delivery (0.0 - 1.0).
	DropRate float64

	// DuplicateRate is the probability of delivering twice (0.0 - 1.0).
	DuplicateRate float64

	// DelayMin is the minimum delay added to each delivery.
	DelayMin time.Duration

	// DelayMax is the maximum delay added to each delivery.
	// Actual delay is uniformly distributed between DelayMin and DelayMax,
	// so deliveries may be reordered.
	DelayMax time.Duration
}

// drainTimeout bounds how long Close keeps delivering queued packets to
// readers that are still running.
const drainTimeout = time.Second

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// ProcessInterval is how often queued packets are delivered.
	// Default: 1ms
	ProcessInterval time.Duration
}

// Pipe is a bidirectional in-memory packet link. It wraps pion's
// test.Bridge and delivers queued packets from a background goroutine.
//
// Each Write on one end arrives as one Read on the other, so a Pipe also
// serves as the connection of a PB-GATT link.
type Pipe struct {
	bridge   *test.Bridge
	interval time.Duration

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPipe creates a pipe with the default configuration.
func NewPipe() *Pipe {
	return NewPipeWithConfig(PipeConfig{})
}

// NewPipeWithConfig creates a pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	interval := config.ProcessInterval
	if interval == 0 {
		interval = time.Millisecond
	}
	p := &Pipe{
		bridge:   test.NewBridge(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				for p.bridge.Tick() > 0 {
				}
			}
		}
	}()
	return p
}

// Conn0 returns the connection for endpoint 0.
func (p *Pipe) Conn0() net.Conn {
	return p.bridge.GetConn0()
}

// Conn1 returns the connection for endpoint 1.
func (p *Pipe) Conn1() net.Conn {
	return p.bridge.GetConn1()
}

// Close closes both endpoints and stops delivery. Packets already queued
// are still delivered; each reader then sees io.EOF.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// An end its owner already closed reports so here; the bridge still
	// finishes closing it.
	_ = p.bridge.GetConn0().Close()
	_ = p.bridge.GetConn1().Close()

	// The bridge closes a read channel on the first tick that finds its
	// inbound queue empty, so delivery keeps running until then.
	deadline := time.Now().Add(drainTimeout)
	for p.bridge.Len(0)+p.bridge.Len(1) > 0 && time.Now().Before(deadline) {
		time.Sleep(p.interval)
	}
	close(p.stopCh)
	p.wg.Wait()
	p.bridge.Tick()
	return nil
}
