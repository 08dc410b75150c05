package pbadv

import (
	"bytes"
	"fmt"
	"time"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/scheduler"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/pion/logging"
)

// MaxQueuedPDUs bounds the PDUs waiting behind the outstanding transaction.
const MaxQueuedPDUs = 4

// Errors returned by links.
var (
	// ErrLinkNotOpen is returned when sending on a link that is not open.
	ErrLinkNotOpen = fmt.Errorf("pbadv: link not open: %w", prov.ErrLinkClosed)

	// ErrQueueFull is returned when too many PDUs are waiting.
	ErrQueueFull = fmt.Errorf("pbadv: transmit queue full: %w", prov.ErrOutOfResources)
)

// State is the PB-ADV link state.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a Link.
type Config struct {
	// LinkID identifies the link on the air.
	LinkID uint32

	// Bearer transmits frames.
	Bearer bearer.Bearer

	// Timing defaults to DefaultTiming for zero fields.
	Timing Timing

	// Prov configures the provisioning link carried by this bearer link.
	Prov prov.Config

	// OnOpen runs once the link is established, outside the link's strand.
	OnOpen func()

	// OnClose runs once after teardown, outside the link's strand.
	OnClose func()

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Trace receives frame events. Optional.
	Trace trace.Logger
}

// outbound is the transaction awaiting an Ack.
type outbound struct {
	xact   uint8
	frames [][]byte
}

// Link is one PB-ADV link. It implements prov.Transport for the
// provisioning link it carries.
type Link struct {
	config Config
	role   prov.Role
	sched  *scheduler.Scheduler
	prov   *prov.Link
	log    logging.LeveledLogger

	state State
	rx    Reassembler

	nextXact uint8
	tx       *outbound
	txGen    uint64
	queue    [][]byte

	closeReason  prov.CloseReason
	closePending bool
	closesLeft   int

	retransmit *scheduler.Timer
	giveUp     *scheduler.Timer
	closeTimer *scheduler.Timer
}

var _ prov.Transport = (*Link)(nil)

// NewLink creates a link in StateIdle. A provisioner link is started with
// Open, a device link with Accept.
func NewLink(config Config) (*Link, error) {
	if config.Bearer == nil {
		return nil, fmt.Errorf("%w: bearer is required", prov.ErrInvalidConfig)
	}
	config.Timing.applyDefaults()

	l := &Link{
		config: config,
		role:   config.Prov.Role,
		sched: scheduler.New(scheduler.Config{
			Name:          fmt.Sprintf("pbadv-%08x", config.LinkID),
			LoggerFactory: config.LoggerFactory,
		}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("pbadv")
	}
	if l.role == prov.RoleDevice {
		l.nextXact = 0x80
	}

	pc := config.Prov
	pc.LinkID = config.LinkID
	pc.Bearer = trace.BearerADV
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

	l.retransmit = l.sched.NewTimer("retransmit", l.onRetransmit)
	l.giveUp = l.sched.NewTimer("give-up", l.onGiveUp)
	l.closeTimer = l.sched.NewTimer("close", l.onCloseTimer)
	return l, nil
}

// LinkID returns the link identifier.
func (l *Link) LinkID() uint32 { return l.config.LinkID }

// Prov returns the provisioning link carried by this link.
func (l *Link) Prov() *prov.Link { return l.prov }

// State returns the current link state.
func (l *Link) State() State {
	s := StateClosed
	_ = l.sched.Do(func() { s = l.state })
	return s
}

// Open starts link establishment on a provisioner.
func (l *Link) Open() error {
	var err error
	if derr := l.sched.Do(func() {
		if l.state != StateIdle || l.role != prov.RoleProvisioner {
			err = fmt.Errorf("%w: open in state %s", prov.ErrInvalidState, l.state)
			return
		}
		l.setState(StateOpening)
		l.giveUp.Reset(l.config.Timing.LinkOpenTimeout)
		l.sendOpen()
	}); derr != nil {
		return prov.ErrLinkClosed
	}
	return err
}

// Accept acknowledges a Link Open on a device and starts provisioning.
func (l *Link) Accept() error {
	var err error
	if derr := l.sched.Do(func() {
		if l.state != StateIdle || l.role != prov.RoleDevice {
			err = fmt.Errorf("%w: accept in state %s", prov.ErrInvalidState, l.state)
			return
		}
		l.setState(StateOpen)
		l.sendControl(LinkAck(l.config.LinkID))
		l.opened()
	}); derr != nil {
		return prov.ErrLinkClosed
	}
	return err
}

// HandleFrame processes a frame addressed to this link.
func (l *Link) HandleFrame(f Frame) {
	_ = l.sched.Do(func() { l.handleFrame(f) })
}

// Cancel closes the link with reason Fail.
func (l *Link) Cancel() error {
	return l.prov.Cancel()
}

// Send queues a provisioning PDU. Called by the provisioning link inside
// the strand.
func (l *Link) Send(pdu []byte) error {
	if l.state != StateOpen || l.closePending {
		return ErrLinkNotOpen
	}
	if len(pdu) > MaxPDUSize {
		return fmt.Errorf("%w: PDU of %d bytes", prov.ErrInvalidFormat, len(pdu))
	}
	if l.tx != nil {
		if len(l.queue) >= MaxQueuedPDUs {
			return ErrQueueFull
		}
		l.queue = append(l.queue, bytes.Clone(pdu))
		return nil
	}
	return l.startTransaction(pdu)
}

// Close ends the link once outstanding transactions are acknowledged.
// Called by the provisioning link inside the strand.
func (l *Link) Close(reason prov.CloseReason) {
	switch l.state {
	case StateClosing, StateClosed:
		return
	case StateIdle:
		l.teardown(reason)
		return
	}
	l.closeReason = reason
	if l.tx != nil || len(l.queue) > 0 {
		l.closePending = true
		return
	}
	l.startClose()
}

func (l *Link) handleFrame(f Frame) {
	l.traceFrame(trace.DirectionIn, f)
	if f.Kind == KindControl {
		l.handleControl(f)
		return
	}
	if l.state != StateOpen {
		return
	}

	if f.Kind == KindAck {
		l.handleAck(f.Transaction)
		return
	}

	if !l.peerTransaction(f.Transaction) {
		if l.log != nil {
			l.log.Debugf("link %08x: ignoring transaction 0x%02x from own range", l.config.LinkID, f.Transaction)
		}
		return
	}
	outcome, pdu, err := l.rx.Add(f)
	if err != nil {
		if l.log != nil {
			l.log.Warnf("link %08x: reassembly: %v", l.config.LinkID, err)
		}
		l.prov.Abort(err)
		return
	}
	switch outcome {
	case Duplicate:
		l.sendControl(TransactionAck(l.config.LinkID, f.Transaction))
	case Dropped:
		if l.log != nil {
			l.log.Debugf("link %08x: FCS mismatch on transaction 0x%02x", l.config.LinkID, f.Transaction)
		}
	case Complete:
		l.sendControl(TransactionAck(l.config.LinkID, f.Transaction))
		l.prov.Receive(pdu)
	}
}

func (l *Link) handleControl(f Frame) {
	switch f.Opcode {
	case OpLinkOpen:
		// The Link Ack was lost.
		if l.role == prov.RoleDevice && l.state == StateOpen {
			l.sendControl(LinkAck(l.config.LinkID))
		}
	case OpLinkAck:
		if l.role == prov.RoleProvisioner && l.state == StateOpening {
			l.retransmit.Stop()
			l.giveUp.Stop()
			l.setState(StateOpen)
			l.opened()
		}
	case OpLinkClose:
		if l.state != StateClosed {
			if l.log != nil {
				l.log.Debugf("link %08x: peer closed (%s)", l.config.LinkID, f.Reason)
			}
			l.teardown(f.Reason)
		}
	}
}

func (l *Link) opened() {
	if l.config.OnOpen != nil {
		l.sched.Defer(l.config.OnOpen)
	}
	l.prov.Opened()
}

func (l *Link) handleAck(xact uint8) {
	if l.tx == nil || l.tx.xact != xact {
		return
	}
	l.tx = nil
	l.retransmit.Stop()
	l.giveUp.Stop()

	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		if err := l.startTransaction(next); err != nil {
			l.prov.Abort(err)
		}
		return
	}
	if l.closePending {
		l.closePending = false
		l.startClose()
	}
}

// peerTransaction reports whether xact lies in the peer's number range.
func (l *Link) peerTransaction(xact uint8) bool {
	if l.role == prov.RoleProvisioner {
		return xact >= 0x80
	}
	return xact < 0x80
}

func (l *Link) allocTransaction() uint8 {
	x := l.nextXact
	l.nextXact = (x & 0x80) | ((x + 1) & 0x7f)
	return x
}

func (l *Link) startTransaction(pdu []byte) error {
	xact := l.allocTransaction()
	frames, err := Segment(l.config.LinkID, xact, pdu)
	if err != nil {
		return err
	}
	tx := &outbound{xact: xact, frames: make([][]byte, len(frames))}
	for i, f := range frames {
		l.traceFrame(trace.DirectionOut, f)
		tx.frames[i] = bearer.AD(bearer.ADPBADV, f.Marshal())
	}
	l.tx = tx
	l.giveUp.Reset(l.config.Timing.TransactionTimeout)
	l.transmit()
	return nil
}

// transmit sends every segment of the outstanding transaction. The
// retransmit timer is armed when the bearer finishes the last segment.
func (l *Link) transmit() {
	l.txGen++
	gen := l.txGen
	opts := l.advOptions()
	for i, frame := range l.tx.frames {
		var cb *bearer.SendCallbacks
		if i == len(l.tx.frames)-1 {
			cb = &bearer.SendCallbacks{End: func(error) {
				_ = l.sched.Do(func() { l.sent(gen) })
			}}
		}
		if err := l.config.Bearer.Send(frame, opts, cb); err != nil {
			if l.log != nil {
				l.log.Debugf("link %08x: bearer send: %v", l.config.LinkID, err)
			}
			l.retransmit.Reset(l.config.Timing.RetransmitInterval)
			return
		}
	}
}

func (l *Link) sent(gen uint64) {
	if l.tx == nil || gen != l.txGen || l.state != StateOpen {
		return
	}
	l.retransmit.Reset(l.config.Timing.RetransmitInterval)
}

func (l *Link) onRetransmit() {
	switch {
	case l.state == StateOpening:
		l.sendOpen()
	case l.tx != nil:
		if l.log != nil {
			l.log.Tracef("link %08x: retransmitting transaction 0x%02x", l.config.LinkID, l.tx.xact)
		}
		l.transmit()
	}
}

func (l *Link) onGiveUp() {
	if l.log != nil {
		l.log.Warnf("link %08x: no acknowledgement in state %s, dropping link", l.config.LinkID, l.state)
	}
	l.teardown(prov.CloseTimeout)
}

func (l *Link) sendOpen() {
	l.sendControl(LinkOpen(l.config.LinkID, l.config.Prov.UUID))
	l.retransmit.Reset(l.config.Timing.RetransmitInterval)
}

func (l *Link) startClose() {
	l.retransmit.Stop()
	l.giveUp.Stop()
	l.setState(StateClosing)
	l.closesLeft = l.config.Timing.CloseRetransmits
	l.sendClose()
}

func (l *Link) sendClose() {
	l.sendControl(LinkClose(l.config.LinkID, l.closeReason))
	l.closesLeft--
	l.closeTimer.Reset(l.config.Timing.CloseInterval)
}

func (l *Link) onCloseTimer() {
	if l.closesLeft > 0 {
		l.sendClose()
		return
	}
	l.teardown(l.closeReason)
}

func (l *Link) sendControl(f Frame) {
	l.traceFrame(trace.DirectionOut, f)
	if err := l.config.Bearer.Send(bearer.AD(bearer.ADPBADV, f.Marshal()), l.advOptions(), nil); err != nil && l.log != nil {
		l.log.Debugf("link %08x: bearer send %s: %v", l.config.LinkID, f, err)
	}
}

func (l *Link) advOptions() bearer.SendOptions {
	return bearer.SendOptions{Count: l.config.Timing.AdvCount, Interval: l.config.Timing.AdvInterval}
}

// teardown releases the link. No frame is sent.
func (l *Link) teardown(reason prov.CloseReason) {
	if l.state == StateClosed {
		return
	}
	l.setState(StateClosed)
	l.tx = nil
	l.queue = nil
	l.rx.Reset()
	l.sched.Close()
	l.prov.Closed(reason)
	if l.config.OnClose != nil {
		l.sched.Defer(l.config.OnClose)
	}
}

func (l *Link) setState(s State) {
	if l.log != nil {
		l.log.Debugf("link %08x: %s -> %s", l.config.LinkID, l.state, s)
	}
	l.state = s
}

func (l *Link) traceFrame(dir trace.Direction, f Frame) {
	if l.config.Trace == nil {
		return
	}
	role := trace.RoleDevice
	if l.role == prov.RoleProvisioner {
		role = trace.RoleProvisioner
	}
	kind := f.Kind.String()
	if f.Kind == KindControl {
		kind = f.Opcode.String()
	}
	l.config.Trace.Log(trace.Event{
		Timestamp: time.Now(),
		LinkID:    l.config.LinkID,
		UUID:      l.config.Prov.UUID.String(),
		LocalRole: role,
		Direction: dir,
		Layer:     trace.LayerBearer,
		Bearer:    trace.BearerADV,
		Frame: &trace.FrameEvent{
			Kind:        kind,
			Transaction: f.Transaction,
			Segment:     f.Index,
			Data:        f.Data,
		},
	})
}
