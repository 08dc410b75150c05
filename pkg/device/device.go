// Package device hosts the unprovisioned-device side of mesh provisioning.
//
// A Device beacons while unprovisioned, accepts one PB-ADV link addressed
// to its UUID or one PB-GATT connection at a time, and reports the OOB
// values and the resulting node configuration through callbacks.
package device

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/pbgatt"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// DefaultBeaconInterval spaces unprovisioned beacons.
const DefaultBeaconInterval = time.Second

// Device errors.
var (
	ErrBusy           = errors.New("device: provisioning link already active")
	ErrNoLink         = errors.New("device: no provisioning link")
	ErrProvisioned    = errors.New("device: already provisioned")
	ErrNotProvisioned = errors.New("device: not provisioned")
	ErrClosed         = errors.New("device: closed")
)

// Advertiser sends connectable advertisements. A bearer that implements it
// also advertises the Mesh Provisioning Service when GATT is enabled.
type Advertiser interface {
	Advertise(data []byte, opts bearer.SendOptions) error
}

// Config configures a Device.
type Config struct {
	// UUID identifies the device. Required.
	UUID uuid.UUID

	// Capabilities are sent in the Capabilities PDU. NumElements must be
	// at least one.
	Capabilities prov.Capabilities

	// StaticOOB is the static OOB value, if Capabilities advertise one.
	StaticOOB []byte

	// OOBInfo and URIHash are carried in beacons.
	OOBInfo uint16
	URIHash []byte

	// Bearer sends beacons and PB-ADV frames. Optional for GATT-only
	// devices.
	Bearer bearer.Bearer

	// BeaconInterval spaces beacons. Default: DefaultBeaconInterval.
	BeaconInterval time.Duration

	// GATT advertises the Mesh Provisioning Service next to the beacon.
	GATT bool

	// MTU is the ATT MTU of PB-GATT connections. Default: pbgatt.DefaultMTU.
	MTU int

	// Timing configures PB-ADV links.
	Timing pbadv.Timing

	// Timeout is the provisioning inactivity timeout.
	// Default: prov.DefaultTimeout.
	Timeout time.Duration

	// Crypto defaults to crypto.NewProvider().
	Crypto prov.Crypto

	// Callbacks - Optional. They never run inside a link's strand.
	OnLinkOpen             func(kind bearer.Kind)
	OnLinkClose            func(kind bearer.Kind, reason prov.CloseReason, err error)
	OnOutputNumber         func(action prov.OutputAction, n uint32)
	OnOutputString         func(s string)
	OnInputRequest         func(req prov.InputRequest)
	OnProvisioningComplete func(node prov.NodeRecord)
	OnNodeReset            func()

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Trace receives protocol events. Optional.
	Trace trace.Logger
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.UUID == uuid.Nil {
		return fmt.Errorf("%w: device UUID is required", prov.ErrInvalidConfig)
	}
	if c.Capabilities.NumElements == 0 {
		return fmt.Errorf("%w: device needs at least one element", prov.ErrInvalidConfig)
	}
	if len(c.StaticOOB) > prov.AuthValueSize {
		return fmt.Errorf("%w: static OOB longer than %d bytes", prov.ErrInvalidConfig, prov.AuthValueSize)
	}
	if len(c.URIHash) != 0 && len(c.URIHash) != bearer.URIHashSize {
		return fmt.Errorf("%w: URI hash of %d bytes", prov.ErrInvalidConfig, len(c.URIHash))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BeaconInterval <= 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.Timeout == 0 {
		c.Timeout = prov.DefaultTimeout
	}
}

// Device is an unprovisioned device.
type Device struct {
	config     Config
	log        logging.LeveledLogger
	dispatcher *bearer.Dispatcher

	mu      sync.Mutex
	adv     *pbadv.Link
	gatt    *pbgatt.Link
	node    *prov.NodeRecord
	started bool
	closed  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a device.
func New(config Config) (*Device, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	d := &Device{
		config:     config,
		dispatcher: bearer.NewDispatcher(config.LoggerFactory),
		stop:       make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("device")
	}
	d.dispatcher.Register(bearer.AdvNonconnInd, bearer.ADPBADV, d.handlePBADV)
	return d, nil
}

// UUID returns the device UUID.
func (d *Device) UUID() uuid.UUID { return d.config.UUID }

// Handler returns the scan handler to register with the bearer.
func (d *Device) Handler() bearer.Handler { return d.HandleAdvertisement }

// HandleAdvertisement processes one advertising report.
func (d *Device) HandleAdvertisement(adv bearer.Advertisement) {
	d.dispatcher.Dispatch(adv)
}

// Start begins beaconing.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	if d.config.Bearer != nil {
		d.wg.Add(1)
		go d.beaconLoop()
	}
	return nil
}

// Close stops beaconing and cancels any active link.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.stop)
	p := d.activeLocked()
	d.mu.Unlock()

	if p != nil {
		_ = p.Cancel()
	}
	d.wg.Wait()
	return nil
}

// Node returns the node configuration once provisioned.
func (d *Device) Node() (prov.NodeRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.node == nil {
		return prov.NodeRecord{}, false
	}
	return *d.node, true
}

// Provisioned reports whether the device is a node.
func (d *Device) Provisioned() bool {
	_, ok := d.Node()
	return ok
}

// InputNumber supplies the number the provisioner displayed.
func (d *Device) InputNumber(n uint32) error {
	p, err := d.active()
	if err != nil {
		return err
	}
	return p.InputNumber(n)
}

// InputString supplies the string the provisioner displayed.
func (d *Device) InputString(s string) error {
	p, err := d.active()
	if err != nil {
		return err
	}
	return p.InputString(s)
}

// Reset turns the node back into an unprovisioned device. Beaconing
// resumes on the next interval.
func (d *Device) Reset() error {
	d.mu.Lock()
	if d.node == nil {
		d.mu.Unlock()
		return ErrNotProvisioned
	}
	d.node = nil
	p := d.activeLocked()
	d.mu.Unlock()

	if p != nil {
		_ = p.Cancel()
	}
	if d.log != nil {
		d.log.Infof("%s: node reset", d.config.UUID)
	}
	if d.config.OnNodeReset != nil {
		d.config.OnNodeReset()
	}
	return nil
}

// AcceptGATT provisions over an accepted connection to the Mesh
// Provisioning Service.
func (d *Device) AcceptGATT(conn net.Conn) error {
	d.mu.Lock()
	if err := d.admitLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	l, err := pbgatt.NewLink(pbgatt.Config{
		Conn:          conn,
		MTU:           d.config.MTU,
		Prov:          d.provConfig(bearer.KindGATT),
		OnOpen:        func() { d.linkOpened(bearer.KindGATT) },
		LoggerFactory: d.config.LoggerFactory,
		Trace:         d.config.Trace,
	})
	if err != nil {
		d.mu.Unlock()
		return err
	}
	d.gatt = l
	d.mu.Unlock()

	return l.Start()
}

func (d *Device) admitLocked() error {
	switch {
	case d.closed:
		return ErrClosed
	case d.node != nil:
		return ErrProvisioned
	case d.adv != nil || d.gatt != nil:
		return ErrBusy
	}
	return nil
}

func (d *Device) active() (*prov.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p := d.activeLocked(); p != nil {
		return p, nil
	}
	return nil, ErrNoLink
}

func (d *Device) activeLocked() *prov.Link {
	switch {
	case d.adv != nil:
		return d.adv.Prov()
	case d.gatt != nil:
		return d.gatt.Prov()
	}
	return nil
}

func (d *Device) handlePBADV(_ bearer.Advertisement, field bearer.Field) {
	f, err := pbadv.ParseFrame(field.Data)
	if err != nil {
		return
	}

	d.mu.Lock()
	if l := d.adv; l != nil {
		d.mu.Unlock()
		// Frames of other links, including Link Opens while busy, are
		// not ours.
		if f.LinkID == l.LinkID() {
			l.HandleFrame(f)
		}
		return
	}
	if f.Kind != pbadv.KindControl || f.Opcode != pbadv.OpLinkOpen || f.UUID != d.config.UUID || d.admitLocked() != nil {
		d.mu.Unlock()
		return
	}
	l, err := pbadv.NewLink(pbadv.Config{
		LinkID:        f.LinkID,
		Bearer:        d.config.Bearer,
		Timing:        d.config.Timing,
		Prov:          d.provConfig(bearer.KindADV),
		OnOpen:        func() { d.linkOpened(bearer.KindADV) },
		LoggerFactory: d.config.LoggerFactory,
		Trace:         d.config.Trace,
	})
	if err != nil {
		d.mu.Unlock()
		if d.log != nil {
			d.log.Warnf("%s: link %08x: %v", d.config.UUID, f.LinkID, err)
		}
		return
	}
	d.adv = l
	d.mu.Unlock()

	if d.log != nil {
		d.log.Infof("%s: accepting link %08x", d.config.UUID, f.LinkID)
	}
	_ = l.Accept()
}

func (d *Device) provConfig(kind bearer.Kind) prov.Config {
	return prov.Config{
		Role:         prov.RoleDevice,
		UUID:         d.config.UUID,
		Crypto:       d.config.Crypto,
		Timeout:      d.config.Timeout,
		Capabilities: d.config.Capabilities,
		StaticOOB:    d.config.StaticOOB,
		Callbacks: prov.Callbacks{
			OnOutput:       d.output,
			OnInputRequest: d.config.OnInputRequest,
			OnComplete:     d.complete,
			OnClose: func(reason prov.CloseReason, err error) {
				d.linkClosed(kind, reason, err)
			},
		},
	}
}

func (d *Device) output(out prov.OOBOutput) {
	if out.Alphanumeric {
		if d.config.OnOutputString != nil {
			d.config.OnOutputString(out.String)
		}
		return
	}
	if d.config.OnOutputNumber != nil {
		d.config.OnOutputNumber(prov.OutputAction(out.Action), out.Number)
	}
}

func (d *Device) complete(node prov.NodeRecord) {
	d.mu.Lock()
	d.node = &node
	d.mu.Unlock()
	if d.log != nil {
		d.log.Infof("%s: provisioned as 0x%04x", d.config.UUID, node.Address)
	}
	if d.config.OnProvisioningComplete != nil {
		d.config.OnProvisioningComplete(node)
	}
}

func (d *Device) linkOpened(kind bearer.Kind) {
	if d.config.OnLinkOpen != nil {
		d.config.OnLinkOpen(kind)
	}
}

func (d *Device) linkClosed(kind bearer.Kind, reason prov.CloseReason, err error) {
	d.mu.Lock()
	if kind == bearer.KindADV {
		d.adv = nil
	} else {
		d.gatt = nil
	}
	d.mu.Unlock()
	if d.log != nil {
		d.log.Debugf("%s: %s link closed: %s (err=%v)", d.config.UUID, kind, reason, err)
	}
	if d.config.OnLinkClose != nil {
		d.config.OnLinkClose(kind, reason, err)
	}
}

func (d *Device) beaconLoop() {
	defer d.wg.Done()

	beacon := bearer.UnprovisionedBeacon{
		UUID:    d.config.UUID,
		OOBInfo: d.config.OOBInfo,
		URIHash: d.config.URIHash,
	}.AD()
	service := bearer.ProvisioningService{UUID: d.config.UUID, OOBInfo: d.config.OOBInfo}.AD()
	advertiser, _ := d.config.Bearer.(Advertiser)

	ticker := time.NewTicker(d.config.BeaconInterval)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		idle := d.node == nil && d.adv == nil && d.gatt == nil
		d.mu.Unlock()

		if idle {
			if err := d.config.Bearer.Send(beacon, bearer.SendOptions{}, nil); err != nil && d.log != nil {
				d.log.Debugf("%s: beacon: %v", d.config.UUID, err)
			}
			if d.config.GATT && advertiser != nil {
				_ = advertiser.Advertise(service, bearer.SendOptions{})
			}
		}

		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
	}
}
