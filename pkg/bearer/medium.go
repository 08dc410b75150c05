package bearer

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// DefaultQueueSize is the transmit queue depth of a Radio.
const DefaultQueueSize = 64

// frameHeaderSize is the sender address plus the advertising PDU type.
const frameHeaderSize = 7

// MediumConfig configures a Medium.
type MediumConfig struct {
	// Condition is the initial delivery impairment.
	Condition NetworkCondition

	// Seed seeds impairment decisions. Zero uses the clock.
	Seed int64

	// ProcessInterval is passed to every radio's Pipe.
	ProcessInterval time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Medium is a shared in-memory advertising channel. Every advertisement a
// Radio transmits is delivered to every other Radio on the medium.
type Medium struct {
	config MediumConfig
	log    logging.LeveledLogger

	mu       sync.Mutex
	cond     NetworkCondition
	rng      *rand.Rand
	radios   map[*Radio]struct{}
	nextAddr uint32
	closed   bool
}

// NewMedium creates an empty medium.
func NewMedium(config MediumConfig) *Medium {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m := &Medium{
		config: config,
		cond:   config.Condition,
		rng:    rand.New(rand.NewSource(seed)),
		radios: make(map[*Radio]struct{}),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("medium")
	}
	return m
}

// SetCondition replaces the delivery impairment.
func (m *Medium) SetCondition(cond NetworkCondition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cond = cond
}

// Condition returns the current delivery impairment.
func (m *Medium) Condition() NetworkCondition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cond
}

// RadioConfig configures a Radio.
type RadioConfig struct {
	// Addr is the radio's device address. Zero assigns one.
	Addr [6]byte

	// Handler receives advertisements from other radios.
	Handler Handler

	// QueueSize is the transmit queue depth. Default: DefaultQueueSize.
	QueueSize int
}

// NewRadio attaches a radio to the medium.
func (m *Medium) NewRadio(config RadioConfig) (*Radio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if config.Addr == [6]byte{} {
		m.nextAddr++
		n := m.nextAddr
		config.Addr = [6]byte{0xc0, 0x00, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	r := &Radio{
		medium:  m,
		addr:    config.Addr,
		handler: config.Handler,
		pipe:    NewPipeWithConfig(PipeConfig{ProcessInterval: m.config.ProcessInterval}),
		txq:     make(chan txRequest, config.QueueSize),
		done:    make(chan struct{}),
	}
	if m.config.LoggerFactory != nil {
		r.log = m.config.LoggerFactory.NewLogger("radio")
	}
	m.radios[r] = struct{}{}

	r.wg.Add(3)
	go r.txLoop()
	go r.rxLoop()
	go r.hubLoop()
	return r, nil
}

// Close detaches and closes every radio.
func (m *Medium) Close() error {
	m.mu.Lock()
	m.closed = true
	radios := make([]*Radio, 0, len(m.radios))
	for r := range m.radios {
		radios = append(radios, r)
	}
	m.mu.Unlock()

	var errs []error
	for _, r := range radios {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Medium) remove(r *Radio) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.radios, r)
}

type delivery struct {
	to    *Radio
	delay time.Duration
}

// broadcast fans a frame out to every radio except the sender.
func (m *Medium) broadcast(from *Radio, frame []byte) {
	m.mu.Lock()
	cond := m.cond
	var out []delivery
	for r := range m.radios {
		if r == from {
			continue
		}
		if cond.DropRate > 0 && m.rng.Float64() < cond.DropRate {
			continue
		}
		copies := 1
		if cond.DuplicateRate > 0 && m.rng.Float64() < cond.DuplicateRate {
			copies = 2
		}
		for n := 0; n < copies; n++ {
			out = append(out, delivery{to: r, delay: m.delay(cond)})
		}
	}
	m.mu.Unlock()

	for _, d := range out {
		if d.delay == 0 {
			d.to.deliver(frame)
			continue
		}
		to := d.to
		time.AfterFunc(d.delay, func() { to.deliver(frame) })
	}
}

func (m *Medium) delay(cond NetworkCondition) time.Duration {
	if cond.DelayMax <= 0 {
		return 0
	}
	d := cond.DelayMin
	if cond.DelayMax > cond.DelayMin {
		d += time.Duration(m.rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
	}
	return d
}

type txRequest struct {
	data []byte
	opts SendOptions
	cb   *SendCallbacks
}

// Radio is one advertising bearer attached to a Medium.
type Radio struct {
	medium *Medium
	addr   [6]byte
	pipe   *Pipe
	log    logging.LeveledLogger

	mu      sync.RWMutex
	handler Handler

	txq       chan txRequest
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Bearer = (*Radio)(nil)

// Addr returns the radio's device address.
func (r *Radio) Addr() [6]byte {
	return r.addr
}

// SetHandler replaces the receive handler.
func (r *Radio) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Send queues data for advertising with the given repeat options.
func (r *Radio) Send(data []byte, opts SendOptions, cb *SendCallbacks) error {
	if len(data) > MaxEIRPacketLength {
		return fmt.Errorf("bearer: %d byte advertisement exceeds %d", len(data), MaxEIRPacketLength)
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	frame := make([]byte, frameHeaderSize+len(data))
	copy(frame, r.addr[:])
	frame[6] = byte(AdvNonconnInd)
	copy(frame[frameHeaderSize:], data)
	return r.enqueue(txRequest{data: frame, opts: opts, cb: cb})
}

// Advertise queues connectable advertising data, as sent by a PB-GATT
// device.
func (r *Radio) Advertise(data []byte, opts SendOptions) error {
	if len(data) > MaxEIRPacketLength {
		return fmt.Errorf("bearer: %d byte advertisement exceeds %d", len(data), MaxEIRPacketLength)
	}
	frame := make([]byte, frameHeaderSize+len(data))
	copy(frame, r.addr[:])
	frame[6] = byte(AdvInd)
	copy(frame[frameHeaderSize:], data)
	return r.enqueue(txRequest{data: frame, opts: opts})
}

func (r *Radio) enqueue(req txRequest) error {
	select {
	case r.txq <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close detaches the radio. It must not be called from the receive
// handler.
func (r *Radio) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.pipe.Close()
		r.wg.Wait()
		r.medium.remove(r)
	})
	return err
}

func (r *Radio) txLoop() {
	defer r.wg.Done()
	conn := r.pipe.Conn0()
	for {
		select {
		case <-r.done:
			return
		case req := <-r.txq:
			if !r.transmit(conn, req) {
				return
			}
		}
	}
}

// transmit advertises one request. It reports false once the radio closed.
func (r *Radio) transmit(conn net.Conn, req txRequest) bool {
	count := max(int(req.opts.Count), 1)
	if req.cb != nil && req.cb.Start != nil {
		req.cb.Start(req.opts.Duration(), nil)
	}

	var err error
	for n := 0; n < count; n++ {
		if _, err = conn.Write(req.data); err != nil {
			break
		}
		if req.opts.Interval > 0 {
			select {
			case <-r.done:
				return false
			case <-time.After(req.opts.Interval):
			}
		}
	}

	if req.cb != nil && req.cb.End != nil {
		req.cb.End(err)
	}
	return true
}

func (r *Radio) rxLoop() {
	defer r.wg.Done()
	conn := r.pipe.Conn0()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		if n < frameHeaderSize {
			continue
		}
		adv := Advertisement{
			RSSI: -50,
			Type: AdvType(buf[6]),
			Data: append([]byte(nil), buf[frameHeaderSize:n]...),
		}
		copy(adv.Addr[:], buf[:6])

		r.mu.RLock()
		h := r.handler
		r.mu.RUnlock()
		if h != nil {
			h(adv)
		}
	}
}

func (r *Radio) hubLoop() {
	defer r.wg.Done()
	conn := r.pipe.Conn1()
	buf := make([]byte, 256)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		if r.log != nil {
			r.log.Tracef("%x: %d byte advertisement", r.addr, n-frameHeaderSize)
		}
		r.medium.broadcast(r, frame)
	}
}

// deliver hands a frame to the radio's receive side.
func (r *Radio) deliver(frame []byte) {
	select {
	case <-r.done:
		return
	default:
	}
	_, _ = r.pipe.Conn1().Write(frame)
}
