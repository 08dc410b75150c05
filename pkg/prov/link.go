package prov

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/meshprov/pkg/crypto"
	"github.com/backkem/meshprov/pkg/scheduler"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// DefaultTimeout is the provisioning inactivity timeout.
const DefaultTimeout = 60 * time.Second

// Role is the local side of a provisioning link.
type Role int

const (
	RoleDevice Role = iota
	RoleProvisioner
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "Device"
	case RoleProvisioner:
		return "Provisioner"
	default:
		return "Unknown"
	}
}

// CloseReason is the reason carried by a bearer Link Close.
type CloseReason uint8

const (
	CloseSuccess CloseReason = 0x00
	CloseTimeout CloseReason = 0x01
	CloseFail    CloseReason = 0x02
)

func (r CloseReason) String() string {
	switch r {
	case CloseSuccess:
		return "Success"
	case CloseTimeout:
		return "Timeout"
	case CloseFail:
		return "Fail"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}

// Crypto provides the primitives of the provisioning handshake. Any error
// aborts the link with ErrUnexpected.
type Crypto interface {
	GenerateKeyPair() (private, public []byte, err error)
	SharedSecret(private, remotePublic []byte) ([]byte, error)
	Random(n int) ([]byte, error)
	ConfirmationSalt(inputs []byte) ([]byte, error)
	ConfirmationKey(dhKey, confSalt []byte) ([]byte, error)
	Confirmation(confKey, random, auth []byte) ([]byte, error)
	ProvisioningSalt(confSalt, provRandom, devRandom []byte) ([]byte, error)
	SessionKey(dhKey, provSalt []byte) ([]byte, error)
	SessionNonce(dhKey, provSalt []byte) ([]byte, error)
	DeviceKey(dhKey, provSalt []byte) ([]byte, error)
	EncryptData(sessionKey, nonce, data []byte) ([]byte, error)
	DecryptData(sessionKey, nonce, data []byte) ([]byte, error)
}

var _ Crypto = (*crypto.Provider)(nil)

// Transport carries provisioning PDUs over a bearer link.
type Transport interface {
	// Send queues one provisioning PDU. Errors wrapping ErrOutOfResources
	// or ErrLinkClosed keep that meaning; anything else is ErrUnexpected.
	Send(pdu []byte) error
	// Close tears the bearer link down once queued PDUs were delivered.
	Close(reason CloseReason)
}

// OOBOutput is a value the local side must show to the user.
type OOBOutput struct {
	Method AuthMethod
	Action uint8
	Number uint32
	String string
	// Alphanumeric selects String over Number.
	Alphanumeric bool
}

// InputRequest asks the user for the value the peer displayed.
type InputRequest struct {
	Method       AuthMethod
	Action       uint8
	Size         uint8
	Alphanumeric bool
}

// Callbacks report link progress to the application. They run outside the
// link's strand, so they may call back into the link.
type Callbacks struct {
	OnOutput       func(out OOBOutput)
	OnInputRequest func(req InputRequest)
	OnComplete     func(node NodeRecord)
	// OnClose reports teardown. err is nil after successful provisioning.
	OnClose func(reason CloseReason, err error)
}

// Config configures a Link.
type Config struct {
	Role Role

	// UUID is the device UUID.
	UUID uuid.UUID

	// Crypto defaults to crypto.NewProvider().
	Crypto Crypto

	// Timeout is the inactivity timeout. Default: DefaultTimeout.
	Timeout time.Duration

	// Capabilities are advertised by a device.
	Capabilities Capabilities

	// StaticOOB is the static OOB value, if any.
	StaticOOB []byte

	// AuthMethod is the method a provisioner prefers. Unsupported
	// preferences fall back to no OOB.
	AuthMethod AuthMethod

	// Attention is the attention timer a provisioner sends in the Invite.
	Attention uint8

	// CheckData reports, without committing anything, whether Provisioning
	// Data can be assigned to a device with the given capabilities. It runs
	// when Capabilities arrive. Optional.
	CheckData func(caps Capabilities) error

	// AssignData commits and returns the Provisioning Data for a device with
	// the given capabilities. It runs right before Data is sent. Required
	// on the provisioner.
	AssignData func(caps Capabilities) (ProvisioningData, error)

	// Random, if 16 bytes, is used as the provisioner random instead of a
	// fresh value.
	Random []byte

	Callbacks Callbacks

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Trace receives PDU and state events. Optional.
	Trace  trace.Logger
	LinkID uint32
	Bearer trace.Bearer
}

// Link is the provisioning state machine of one device/provisioner pair.
//
// Opened, Receive, Abort and Closed are driven by the transport and must be
// called inside the link's scheduler strand. InputNumber, InputString and
// Cancel may be called from any goroutine.
type Link struct {
	role      Role
	config    Config
	crypto    Crypto
	sched     *scheduler.Scheduler
	transport Transport
	timer     *scheduler.Timer
	log       logging.LeveledLogger

	flags    Flags
	expected PDUType
	caps     Capabilities
	start    Start
	auth     Auth
	inputs   ConfirmationInputs

	privateKey []byte
	publicKey  []byte
	remoteKey  []byte
	dhKey      []byte
	confSalt   []byte
	confKey    []byte

	localRandom   []byte
	localConfirm  []byte
	remoteConfirm []byte
	provSalt      []byte
	sessionKey    []byte
	sessionNonce  []byte

	data ProvisioningData
	node *NodeRecord

	complete bool
	closing  bool
	closed   bool
	err      error
}

// NewLink creates a link. It must be called inside the scheduler strand or
// before the scheduler is shared.
func NewLink(sched *scheduler.Scheduler, transport Transport, config Config) (*Link, error) {
	if sched == nil || transport == nil {
		return nil, fmt.Errorf("%w: scheduler and transport are required", ErrInvalidConfig)
	}
	if config.Crypto == nil {
		config.Crypto = crypto.NewProvider()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	switch config.Role {
	case RoleDevice:
		caps := &config.Capabilities
		if caps.NumElements == 0 {
			return nil, fmt.Errorf("%w: device needs at least one element", ErrInvalidConfig)
		}
		if caps.Algorithms == 0 {
			caps.Algorithms = AlgorithmP256
		}
		if caps.StaticOOBType&StaticOOBAvailable != 0 && len(config.StaticOOB) == 0 {
			return nil, fmt.Errorf("%w: static OOB advertised without a value", ErrInvalidConfig)
		}
	case RoleProvisioner:
		if config.AssignData == nil {
			return nil, fmt.Errorf("%w: provisioner needs AssignData", ErrInvalidConfig)
		}
		if config.Random != nil && len(config.Random) != 16 {
			return nil, fmt.Errorf("%w: provisioner random must be 16 bytes", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: role %d", ErrInvalidConfig, config.Role)
	}

	l := &Link{
		role:      config.Role,
		config:    config,
		crypto:    config.Crypto,
		sched:     sched,
		transport: transport,
		expected:  PDUNone,
		caps:      config.Capabilities,
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("prov")
	}
	l.timer = sched.NewTimer("prov-inactivity", l.onTimeout)
	return l, nil
}

// Role returns the local role.
func (l *Link) Role() Role { return l.role }

// UUID returns the device UUID of the link.
func (l *Link) UUID() uuid.UUID { return l.config.UUID }

// Flags returns the current flag set. Strand only.
func (l *Link) Flags() Flags { return l.flags }

// Expected returns the next legal PDU type. Strand only.
func (l *Link) Expected() PDUType { return l.expected }

// Err returns the error that aborted the link, if any. Strand only.
func (l *Link) Err() error { return l.err }

// Node returns the node record once provisioning completed. Strand only.
func (l *Link) Node() (NodeRecord, bool) {
	if l.node == nil {
		return NodeRecord{}, false
	}
	return *l.node, true
}

// Opened starts the handshake once the bearer link is established.
func (l *Link) Opened() {
	if l.closed || l.flags.Has(FlagLinkActive) {
		return
	}
	l.flags |= FlagLinkActive
	l.traceState("", "Active", "")
	if l.log != nil {
		l.log.Debugf("%s link %s opened", l.role, l.config.UUID)
	}

	switch l.role {
	case RoleDevice:
		l.expected = PDUInvite
		l.restartTimer()
	case RoleProvisioner:
		params := []byte{l.config.Attention}
		if err := l.inputs.SetInvite(params); err != nil {
			l.fail(err)
			return
		}
		l.expected = PDUCapabilities
		l.send(PDUInvite, params)
	}
}

// Receive handles one reassembled provisioning PDU.
func (l *Link) Receive(data []byte) {
	if l.closing || l.closed || !l.flags.Has(FlagLinkActive) {
		return
	}

	pdu, err := ParsePDU(data)
	if err != nil {
		l.fail(err)
		return
	}
	l.tracePDU(trace.DirectionIn, pdu)

	if pdu.Type == PDUFailed {
		l.handleFailed(pdu.Params)
		return
	}
	if pdu.Type != l.expected {
		l.fail(fmt.Errorf("%w: got %s, expected %s", ErrUnexpectedPDU, pdu.Type, l.expected))
		return
	}
	if pdu.Type != PDUComplete {
		l.restartTimer()
	}

	if l.role == RoleDevice {
		err = l.handleDevicePDU(pdu)
	} else {
		err = l.handleProvisionerPDU(pdu)
	}
	if err != nil {
		l.fail(err)
	}
}

// Abort fails the link with err, reported by the transport layer.
func (l *Link) Abort(err error) {
	if l.closing || l.closed {
		return
	}
	l.fail(err)
}

// Closed is called by the transport once the bearer link is gone.
func (l *Link) Closed(reason CloseReason) {
	if l.closed {
		return
	}
	l.closed = true
	l.closing = true
	l.stopTimer()

	err := l.err
	switch {
	case l.complete:
		// A completed link may be torn down by a disconnect or an idle
		// timeout; provisioning itself succeeded.
		reason, err = CloseSuccess, nil
	case err == nil && reason == CloseTimeout:
		err = ErrTimeout
	case err == nil && reason != CloseSuccess:
		err = ErrLinkClosed
	}

	l.flags = 0
	l.expected = PDUNone
	l.zeroize()
	l.traceState("Active", "Closed", reason.String())
	if l.log != nil {
		l.log.Infof("%s link %s closed: %s (err=%v)", l.role, l.config.UUID, reason, err)
	}

	if cb := l.config.Callbacks.OnClose; cb != nil {
		l.sched.Defer(func() { cb(reason, err) })
	}
}

// InputNumber supplies a numeric OOB value typed by the user.
func (l *Link) InputNumber(n uint32) error {
	var err error
	if derr := l.sched.Do(func() { err = l.inputNumber(n) }); derr != nil {
		return ErrLinkClosed
	}
	return err
}

// InputString supplies an alphanumeric OOB value typed by the user.
func (l *Link) InputString(s string) error {
	var err error
	if derr := l.sched.Do(func() { err = l.inputString(s) }); derr != nil {
		return ErrLinkClosed
	}
	return err
}

// Cancel closes the link with reason Fail.
func (l *Link) Cancel() error {
	if err := l.sched.Do(func() {
		if l.err == nil {
			l.err = ErrLinkClosed
		}
		l.close(CloseFail)
	}); err != nil {
		return ErrLinkClosed
	}
	return nil
}

func (l *Link) inputNumber(n uint32) error {
	if l.closing || l.closed {
		return ErrLinkClosed
	}
	if !l.flags.Has(FlagWaitingNumberInput) {
		return fmt.Errorf("%w: no numeric input pending", ErrInvalidState)
	}
	if err := ValidateNumber(n, l.auth.Size); err != nil {
		return err
	}
	l.auth.Value = NumericAuthValue(n)
	l.auth.Ready = true
	l.flags &^= FlagWaitingNumberInput
	return l.afterInput()
}

func (l *Link) inputString(s string) error {
	if l.closing || l.closed {
		return ErrLinkClosed
	}
	if !l.flags.Has(FlagWaitingStringInput) {
		return fmt.Errorf("%w: no string input pending", ErrInvalidState)
	}
	s, err := NormalizeString(s, l.auth.Size)
	if err != nil {
		return err
	}
	l.auth.Value = StringAuthValue(s)
	l.auth.Ready = true
	l.flags &^= FlagWaitingStringInput
	return l.afterInput()
}

func (l *Link) afterInput() error {
	var err error
	if l.role == RoleDevice {
		l.expected = PDUConfirm
		l.send(PDUInputComplete, nil)
	} else if l.flags.Has(FlagHaveDHKey) {
		err = l.sendConfirm()
	} else {
		l.flags |= FlagPendingConfirmSend
	}
	if err != nil {
		l.fail(err)
	}
	return err
}

func (l *Link) handleFailed(params []byte) {
	code := ErrorCode(params[0])
	l.err = &RemoteError{Code: code}
	l.expected = PDUNone
	if l.log != nil {
		l.log.Warnf("%s link %s: peer failed with %s", l.role, l.config.UUID, code)
	}
	l.traceError(code, l.err)
	l.close(CloseFail)
}

// send transmits a PDU and restarts the inactivity timer. It reports false
// if the link was aborted.
func (l *Link) send(t PDUType, params []byte) bool {
	pdu := PDU{Type: t, Params: params}
	l.tracePDU(trace.DirectionOut, pdu)
	if err := l.transport.Send(pdu.Marshal()); err != nil {
		if !errors.Is(err, ErrOutOfResources) && !errors.Is(err, ErrLinkClosed) {
			err = fmt.Errorf("%w: %v", ErrUnexpected, err)
		}
		l.fail(fmt.Errorf("send %s: %w", t, err))
		return false
	}
	if t != PDUComplete && t != PDUFailed {
		l.restartTimer()
	}
	return true
}

// fail aborts the link. A device reports the error in a Failed PDU first.
func (l *Link) fail(err error) {
	if l.closing || l.closed {
		return
	}
	l.err = err
	l.expected = PDUNone
	code := ErrorCodeFor(err)
	if l.log != nil {
		l.log.Warnf("%s link %s failed: %v", l.role, l.config.UUID, err)
	}
	l.traceError(code, err)

	if l.role == RoleDevice {
		pdu := PDU{Type: PDUFailed, Params: []byte{byte(code)}}
		l.tracePDU(trace.DirectionOut, pdu)
		_ = l.transport.Send(pdu.Marshal())
	}
	l.close(CloseFail)
}

func (l *Link) close(reason CloseReason) {
	if l.closing || l.closed {
		return
	}
	l.closing = true
	l.stopTimer()
	l.transport.Close(reason)
}

func (l *Link) onTimeout() {
	l.flags &^= FlagTimeoutArmed
	if l.closing || l.closed {
		return
	}
	if l.log != nil {
		l.log.Warnf("%s link %s: inactivity timeout", l.role, l.config.UUID)
	}
	if !l.complete {
		l.err = ErrTimeout
	}
	l.close(CloseTimeout)
}

func (l *Link) restartTimer() {
	l.timer.Reset(l.config.Timeout)
	l.flags |= FlagTimeoutArmed
}

func (l *Link) stopTimer() {
	l.timer.Stop()
	l.flags &^= FlagTimeoutArmed
}

// generateKeys creates the local key pair.
func (l *Link) generateKeys() error {
	priv, pub, err := l.crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("%w: key generation: %v", ErrUnexpected, err)
	}
	l.privateKey, l.publicKey = priv, pub
	l.flags |= FlagLocalPubKeyReady
	return nil
}

// acceptRemoteKey records the peer public key and computes the DHKey.
func (l *Link) acceptRemoteKey(key []byte) error {
	if bytes.Equal(key, l.publicKey) {
		return fmt.Errorf("%w: peer reflected our public key", ErrUnexpected)
	}
	l.remoteKey = bytes.Clone(key)
	l.flags |= FlagRemotePubKeyReady

	dh, err := l.crypto.SharedSecret(l.privateKey, key)
	if err != nil {
		return fmt.Errorf("%w: ecdh: %v", ErrUnexpected, err)
	}
	l.dhKey = dh
	l.flags |= FlagHaveDHKey
	return nil
}

// deriveConfirmationKey computes ConfirmationSalt and ConfirmationKey once
// all confirmation inputs are present.
func (l *Link) deriveConfirmationKey() error {
	if l.confKey != nil {
		return nil
	}
	inputs, err := l.inputs.Bytes()
	if err != nil {
		return err
	}
	salt, err := l.crypto.ConfirmationSalt(inputs)
	if err != nil {
		return fmt.Errorf("%w: confirmation salt: %v", ErrUnexpected, err)
	}
	key, err := l.crypto.ConfirmationKey(l.dhKey, salt)
	if err != nil {
		return fmt.Errorf("%w: confirmation key: %v", ErrUnexpected, err)
	}
	l.confSalt, l.confKey = salt, key
	return nil
}

func (l *Link) confirmation(random []byte) ([]byte, error) {
	c, err := l.crypto.Confirmation(l.confKey, random, l.auth.Value[:])
	if err != nil {
		return nil, fmt.Errorf("%w: confirmation: %v", ErrUnexpected, err)
	}
	return c, nil
}

// checkRemoteRandom verifies the peer's random against its confirmation.
func (l *Link) checkRemoteRandom(random []byte) error {
	if bytes.Equal(random, l.localRandom) {
		return fmt.Errorf("%w: peer reflected our random", ErrConfirmationFailed)
	}
	check, err := l.confirmation(random)
	if err != nil {
		return err
	}
	if !bytes.Equal(check, l.remoteConfirm) {
		return ErrConfirmationFailed
	}
	return nil
}

// deriveSessionKeys derives ProvisioningSalt, SessionKey and SessionNonce.
func (l *Link) deriveSessionKeys(provRandom, devRandom []byte) error {
	salt, err := l.crypto.ProvisioningSalt(l.confSalt, provRandom, devRandom)
	if err != nil {
		return fmt.Errorf("%w: provisioning salt: %v", ErrUnexpected, err)
	}
	key, err := l.crypto.SessionKey(l.dhKey, salt)
	if err != nil {
		return fmt.Errorf("%w: session key: %v", ErrUnexpected, err)
	}
	nonce, err := l.crypto.SessionNonce(l.dhKey, salt)
	if err != nil {
		return fmt.Errorf("%w: session nonce: %v", ErrUnexpected, err)
	}
	l.provSalt, l.sessionKey, l.sessionNonce = salt, key, nonce
	return nil
}

// newNode derives the device key and builds the node record.
func (l *Link) newNode() (NodeRecord, error) {
	devKey, err := l.crypto.DeviceKey(l.dhKey, l.provSalt)
	if err != nil {
		return NodeRecord{}, fmt.Errorf("%w: device key: %v", ErrUnexpected, err)
	}
	node := NodeRecord{
		UUID:             l.config.UUID,
		Elements:         l.caps.NumElements,
		ProvisioningData: l.data,
	}
	copy(node.DeviceKey[:], devKey)
	l.node = &node
	l.complete = true
	l.expected = PDUNone
	return node, nil
}

// generateOOB creates the value this side outputs and stores its AuthValue.
func (l *Link) generateOOB() (OOBOutput, error) {
	out := OOBOutput{Method: l.auth.Method, Action: l.auth.Action, Alphanumeric: l.auth.IsAlphanumeric()}
	if out.Alphanumeric {
		rnd, err := l.crypto.Random(int(l.auth.Size))
		if err != nil {
			return OOBOutput{}, fmt.Errorf("%w: random: %v", ErrUnexpected, err)
		}
		out.String = RandomString(rnd, l.auth.Size)
		l.auth.Value = StringAuthValue(out.String)
	} else {
		rnd, err := l.crypto.Random(4)
		if err != nil {
			return OOBOutput{}, fmt.Errorf("%w: random: %v", ErrUnexpected, err)
		}
		out.Number = RandomNumber(rnd, l.auth.Size)
		if out.Number == 0 && l.auth.isCounted() {
			// Blink, beep, vibrate, push and twist need at least one event.
			out.Number = 1
		}
		l.auth.Value = NumericAuthValue(out.Number)
	}
	l.auth.Ready = true
	return out, nil
}

// requestInput marks the link as waiting for user input.
func (l *Link) requestInput() InputRequest {
	req := InputRequest{
		Method:       l.auth.Method,
		Action:       l.auth.Action,
		Size:         l.auth.Size,
		Alphanumeric: l.auth.IsAlphanumeric(),
	}
	if req.Alphanumeric {
		l.flags |= FlagWaitingStringInput
	} else {
		l.flags |= FlagWaitingNumberInput
	}
	return req
}

func (l *Link) emitOutput(out OOBOutput) {
	if cb := l.config.Callbacks.OnOutput; cb != nil {
		l.sched.Defer(func() { cb(out) })
	}
}

func (l *Link) emitInputRequest(req InputRequest) {
	if cb := l.config.Callbacks.OnInputRequest; cb != nil {
		l.sched.Defer(func() { cb(req) })
	}
}

func (l *Link) emitComplete(node NodeRecord) {
	if l.log != nil {
		l.log.Infof("%s link %s: provisioning complete, address 0x%04x", l.role, node.UUID, node.Address)
	}
	if cb := l.config.Callbacks.OnComplete; cb != nil {
		l.sched.Defer(func() { cb(node) })
	}
}

func (l *Link) zeroize() {
	for _, b := range [][]byte{l.privateKey, l.dhKey, l.confSalt, l.confKey, l.localRandom, l.provSalt, l.sessionKey, l.sessionNonce} {
		clear(b)
	}
	l.privateKey, l.dhKey, l.confSalt, l.confKey, l.provSalt = nil, nil, nil, nil, nil
	l.localRandom, l.sessionKey, l.sessionNonce = nil, nil, nil
	l.auth.Value = [AuthValueSize]byte{}
	l.inputs.Reset()
}

func (l *Link) traceRole() trace.Role {
	if l.role == RoleProvisioner {
		return trace.RoleProvisioner
	}
	return trace.RoleDevice
}

func (l *Link) traceEvent(layer trace.Layer, dir trace.Direction) trace.Event {
	return trace.Event{
		Timestamp: time.Now(),
		LinkID:    l.config.LinkID,
		UUID:      l.config.UUID.String(),
		LocalRole: l.traceRole(),
		Direction: dir,
		Layer:     layer,
		Bearer:    l.config.Bearer,
	}
}

func (l *Link) tracePDU(dir trace.Direction, pdu PDU) {
	if l.config.Trace == nil {
		return
	}
	ev := l.traceEvent(trace.LayerProvisioning, dir)
	ev.PDU = &trace.PDUEvent{Type: uint8(pdu.Type), Name: pdu.Type.String(), Size: 1 + len(pdu.Params)}
	l.config.Trace.Log(ev)
}

func (l *Link) traceState(from, to, reason string) {
	if l.config.Trace == nil {
		return
	}
	ev := l.traceEvent(trace.LayerLink, trace.DirectionOut)
	ev.State = &trace.StateEvent{From: from, To: to, Reason: reason}
	l.config.Trace.Log(ev)
}

func (l *Link) traceError(code ErrorCode, err error) {
	if l.config.Trace == nil {
		return
	}
	ev := l.traceEvent(trace.LayerProvisioning, trace.DirectionOut)
	ev.Error = &trace.ErrorEvent{Code: uint8(code), Message: err.Error()}
	l.config.Trace.Log(ev)
}
