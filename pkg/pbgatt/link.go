package pbgatt

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/scheduler"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/pion/logging"
)

// DefaultQueueSize is the depth of the outbound Proxy PDU queue.
const DefaultQueueSize = 16

// readBufferSize covers the largest ATT MTU.
const readBufferSize = 517

// Errors returned by links.
var (
	// ErrClosed is returned when sending on a closed link.
	ErrClosed = fmt.Errorf("pbgatt: %w", prov.ErrLinkClosed)

	// ErrQueueFull is returned when the outbound queue is full.
	ErrQueueFull = fmt.Errorf("pbgatt: transmit queue full: %w", prov.ErrOutOfResources)
)

// Config configures a Link.
type Config struct {
	// Conn carries Proxy PDUs. Each Write is one ATT write or
	// notification and each Read returns one.
	Conn net.Conn

	// MTU is the negotiated ATT MTU. Default: DefaultMTU.
	MTU int

	// QueueSize is the outbound queue depth. Default: DefaultQueueSize.
	QueueSize int

	// Prov configures the provisioning link carried by the connection.
	Prov prov.Config

	// OnOpen runs once Start has run, outside the link's strand.
	OnOpen func()

	// OnClose runs once after teardown, outside the link's strand.
	OnClose func()

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Trace receives Proxy PDU events. Optional.
	Trace trace.Logger
}

// Link runs one provisioning link over a GATT connection. There is no
// bearer-level open or close: the link lives as long as the connection.
type Link struct {
	config Config
	sched  *scheduler.Scheduler
	prov   *prov.Link
	log    logging.LeveledLogger

	// Strand state.
	rx      Reassembler
	started bool
	closed  bool

	txq chan []byte
	wg  sync.WaitGroup
}

var _ prov.Transport = (*Link)(nil)

// NewLink creates a link over config.Conn. Call Start to begin.
func NewLink(config Config) (*Link, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("%w: connection is required", prov.ErrInvalidConfig)
	}
	if config.MTU == 0 {
		config.MTU = DefaultMTU
	}
	if config.MTU < DefaultMTU {
		return nil, fmt.Errorf("%w: MTU %d below %d", prov.ErrInvalidConfig, config.MTU, DefaultMTU)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}

	l := &Link{
		config: config,
		sched: scheduler.New(scheduler.Config{
			Name:          "pbgatt-" + config.Prov.UUID.String(),
			LoggerFactory: config.LoggerFactory,
		}),
		txq: make(chan []byte, config.QueueSize),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("pbgatt")
	}

	pc := config.Prov
	pc.Bearer = trace.BearerGATT
	if pc.Trace == nil {
		pc.Trace = config.Trace
	}
	if pc.LoggerFactory == nil {
		pc.LoggerFactory = config.LoggerFactory
	}
	p, err := prov.NewLink(l.sched, l, pc)
	if err != nil {
		return nil, err
	}
	l.prov = p
	return l, nil
}

// Prov returns the provisioning link carried by this link.
func (l *Link) Prov() *prov.Link { return l.prov }

// Start starts the connection loops and the provisioning link. A
// provisioner sends its Invite right away.
func (l *Link) Start() error {
	var err error
	if derr := l.sched.Do(func() {
		if l.started {
			err = fmt.Errorf("%w: already started", prov.ErrInvalidState)
			return
		}
		l.started = true
		l.wg.Add(2)
		go l.readLoop()
		go l.writeLoop()
		if l.config.OnOpen != nil {
			l.sched.Defer(l.config.OnOpen)
		}
		l.prov.Opened()
	}); derr != nil {
		return ErrClosed
	}
	return err
}

// Cancel closes the link with reason Fail.
func (l *Link) Cancel() error {
	return l.prov.Cancel()
}

// Wait blocks until the connection loops have exited.
func (l *Link) Wait() {
	l.wg.Wait()
}

// Send queues a provisioning PDU. Called by the provisioning link inside
// the strand.
func (l *Link) Send(pdu []byte) error {
	if l.closed {
		return ErrClosed
	}
	pkts, err := Chunk(MessageProvisioning, pdu, l.config.MTU)
	if err != nil {
		return err
	}
	if len(l.txq)+len(pkts) > cap(l.txq) {
		return ErrQueueFull
	}
	for _, pkt := range pkts {
		l.traceProxy(trace.DirectionOut, pkt)
		l.txq <- pkt
	}
	return nil
}

// Close drops the connection once queued PDUs are written. Called by the
// provisioning link inside the strand.
func (l *Link) Close(reason prov.CloseReason) {
	l.teardown(reason)
}

func (l *Link) handlePacket(pkt []byte) {
	l.traceProxy(trace.DirectionIn, pkt)
	typ, msg, err := l.rx.Add(pkt)
	if err != nil {
		if l.log != nil {
			l.log.Warnf("%s: proxy reassembly: %v", l.config.Prov.UUID, err)
		}
		l.prov.Abort(err)
		return
	}
	if msg == nil {
		return
	}
	if typ != MessageProvisioning {
		if l.log != nil {
			l.log.Debugf("%s: ignoring proxy message type %d", l.config.Prov.UUID, typ)
		}
		return
	}
	l.prov.Receive(msg)
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.config.Conn.Read(buf)
		if err != nil {
			_ = l.sched.Do(func() {
				if l.log != nil && !l.closed {
					l.log.Debugf("%s: connection lost: %v", l.config.Prov.UUID, err)
				}
				l.teardown(prov.CloseFail)
			})
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		if l.sched.Do(func() { l.handlePacket(pkt) }) != nil {
			return
		}
	}
}

// writeLoop drains the queue and closes the connection when the queue is
// closed.
func (l *Link) writeLoop() {
	defer l.wg.Done()
	failed := false
	for pkt := range l.txq {
		if failed {
			continue
		}
		if _, err := l.config.Conn.Write(pkt); err != nil {
			if l.log != nil {
				l.log.Debugf("%s: write: %v", l.config.Prov.UUID, err)
			}
			failed = true
		}
	}
	_ = l.config.Conn.Close()
}

func (l *Link) teardown(reason prov.CloseReason) {
	if l.closed {
		return
	}
	l.closed = true
	l.rx.reset()
	if l.started {
		close(l.txq)
	} else {
		_ = l.config.Conn.Close()
	}
	l.sched.Close()
	l.prov.Closed(reason)
	if l.config.OnClose != nil {
		l.sched.Defer(l.config.OnClose)
	}
}

func (l *Link) traceProxy(dir trace.Direction, pkt []byte) {
	if l.config.Trace == nil {
		return
	}
	sar, _ := SplitHeader(pkt[0])
	role := trace.RoleDevice
	if l.config.Prov.Role == prov.RoleProvisioner {
		role = trace.RoleProvisioner
	}
	l.config.Trace.Log(trace.Event{
		Timestamp: time.Now(),
		UUID:      l.config.Prov.UUID.String(),
		LocalRole: role,
		Direction: dir,
		Layer:     trace.LayerBearer,
		Bearer:    trace.BearerGATT,
		Frame: &trace.FrameEvent{
			Kind: sar.String(),
			Data: pkt,
		},
	})
}
