// Package provisioner runs the provisioner side of mesh provisioning: it
// admits devices over PB-ADV and PB-GATT links from bounded pools, hands
// out unicast addresses and keeps the table of provisioned nodes.
package provisioner

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/crypto"
	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/pbgatt"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// LinkHandle identifies an active link.
type LinkHandle struct {
	Bearer bearer.Kind
	slot   Handle
}

func (h LinkHandle) String() string {
	return fmt.Sprintf("%s/%s", h.Bearer, h.slot)
}

// LinkInfo describes an active link.
type LinkInfo struct {
	Handle LinkHandle
	UUID   uuid.UUID
	// LinkID is the PB-ADV link identifier, zero on PB-GATT.
	LinkID uint32
}

// activeLink is one pool entry.
type activeLink struct {
	handle LinkHandle
	uuid   uuid.UUID
	adv    *pbadv.Link
	gatt   *pbgatt.Link
}

func (a *activeLink) prov() *prov.Link {
	if a.adv != nil {
		return a.adv.Prov()
	}
	return a.gatt.Prov()
}

// Provisioner admits devices into the network.
type Provisioner struct {
	config     Config
	log        logging.LeveledLogger
	crypto     prov.Crypto
	registry   *Registry
	dispatcher *bearer.Dispatcher
	random     []byte

	mu       sync.Mutex
	adv      *Pool[*activeLink]
	gatt     *Pool[*activeLink]
	byLinkID map[uint32]*activeLink
	byUUID   map[uuid.UUID]*activeLink
	closed   bool
}

// New creates a provisioner.
func New(config Config) (*Provisioner, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Crypto == nil {
		config.Crypto = crypto.NewProvider()
	}
	registry, err := NewRegistry(config.Addresses)
	if err != nil {
		return nil, err
	}

	p := &Provisioner{
		config:     config,
		crypto:     config.Crypto,
		registry:   registry,
		dispatcher: bearer.NewDispatcher(config.LoggerFactory),
		adv:        NewPool[*activeLink](config.ADVLinks),
		gatt:       NewPool[*activeLink](config.GATTLinks),
		byLinkID:   make(map[uint32]*activeLink),
		byUUID:     make(map[uuid.UUID]*activeLink),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("provisioner")
	}
	if config.SharedRandom {
		if p.random, err = p.crypto.Random(16); err != nil {
			return nil, fmt.Errorf("%w: random: %v", prov.ErrUnexpected, err)
		}
	}

	p.dispatcher.Register(bearer.AdvNonconnInd, bearer.ADPBADV, p.handlePBADV)
	p.dispatcher.Register(bearer.AdvNonconnInd, bearer.ADMeshBeacon, p.handleBeacon)
	p.dispatcher.Register(bearer.AdvInd, bearer.ADServiceData16, p.handleService)
	return p, nil
}

// Registry returns the address and node registry.
func (p *Provisioner) Registry() *Registry { return p.registry }

// Handler returns the scan handler to register with the bearer.
func (p *Provisioner) Handler() bearer.Handler { return p.HandleAdvertisement }

// HandleAdvertisement processes one advertising report: PB-ADV frames,
// unprovisioned beacons and provisioning service advertisements.
// Anything else is dropped.
func (p *Provisioner) HandleAdvertisement(adv bearer.Advertisement) {
	p.dispatcher.Dispatch(adv)
}

// Provision opens a PB-ADV link to the device.
//
// Returns ErrDeviceBusy if the device already has a link and an error
// wrapping prov.ErrOutOfResources if every PB-ADV slot is taken.
func (p *Provisioner) Provision(id uuid.UUID) (LinkHandle, error) {
	if p.config.Bearer == nil {
		return LinkHandle{}, ErrNoBearer
	}
	al, err := p.admit(id, bearer.KindADV, func(al *activeLink) error {
		linkID, err := p.newLinkID()
		if err != nil {
			return err
		}
		al.adv, err = pbadv.NewLink(pbadv.Config{
			LinkID:        linkID,
			Bearer:        p.config.Bearer,
			Timing:        p.config.Timing,
			Prov:          p.provConfig(al),
			OnOpen:        func() { p.linkOpened(al) },
			LoggerFactory: p.config.LoggerFactory,
			Trace:         p.config.Trace,
		})
		return err
	})
	if err != nil {
		return LinkHandle{}, err
	}
	if p.log != nil {
		p.log.Infof("provisioning %s over PB-ADV link %08x", id, al.adv.LinkID())
	}
	if err := al.adv.Open(); err != nil {
		p.release(al)
		return LinkHandle{}, err
	}
	return al.handle, nil
}

// ProvisionGATT provisions the device at the other end of conn, an
// established connection to its Mesh Provisioning Service.
func (p *Provisioner) ProvisionGATT(id uuid.UUID, conn net.Conn) (LinkHandle, error) {
	al, err := p.admit(id, bearer.KindGATT, func(al *activeLink) error {
		var err error
		al.gatt, err = pbgatt.NewLink(pbgatt.Config{
			Conn:          conn,
			MTU:           p.config.MTU,
			Prov:          p.provConfig(al),
			OnOpen:        func() { p.linkOpened(al) },
			LoggerFactory: p.config.LoggerFactory,
			Trace:         p.config.Trace,
		})
		return err
	})
	if err != nil {
		return LinkHandle{}, err
	}
	if p.log != nil {
		p.log.Infof("provisioning %s over PB-GATT", id)
	}
	if err := al.gatt.Start(); err != nil {
		p.release(al)
		return LinkHandle{}, err
	}
	return al.handle, nil
}

// admit reserves a slot for id and builds its link. On failure nothing is
// left behind.
func (p *Provisioner) admit(id uuid.UUID, b bearer.Kind, build func(al *activeLink) error) (*activeLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if _, busy := p.byUUID[id]; busy {
		return nil, fmt.Errorf("%w: %s", ErrDeviceBusy, id)
	}
	pool := p.pool(b)
	al := &activeLink{uuid: id}
	h, ok := pool.TryAcquire(al)
	if !ok {
		return nil, fmt.Errorf("%w: all %d %s links in use", prov.ErrOutOfResources, pool.Cap(), b)
	}
	al.handle = LinkHandle{Bearer: b, slot: h}
	if err := build(al); err != nil {
		pool.Release(h)
		return nil, err
	}

	p.byUUID[id] = al
	if al.adv != nil {
		p.byLinkID[al.adv.LinkID()] = al
	}
	return al, nil
}

// release frees the slot of al. Safe to call more than once.
func (p *Provisioner) release(al *activeLink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.pool(al.handle.Bearer).Release(al.handle.slot) {
		return
	}
	if p.byUUID[al.uuid] == al {
		delete(p.byUUID, al.uuid)
	}
	if al.adv != nil {
		delete(p.byLinkID, al.adv.LinkID())
	}
}

func (p *Provisioner) pool(b bearer.Kind) *Pool[*activeLink] {
	if b == bearer.KindGATT {
		return p.gatt
	}
	return p.adv
}

// newLinkID picks a random link ID not in use. Called with p.mu held.
func (p *Provisioner) newLinkID() (uint32, error) {
	for {
		r, err := p.crypto.Random(4)
		if err != nil {
			return 0, fmt.Errorf("%w: random: %v", prov.ErrUnexpected, err)
		}
		id := binary.BigEndian.Uint32(r)
		if _, used := p.byLinkID[id]; id != 0 && !used {
			return id, nil
		}
	}
}

func (p *Provisioner) provConfig(al *activeLink) prov.Config {
	return prov.Config{
		Role:       prov.RoleProvisioner,
		UUID:       al.uuid,
		Crypto:     p.crypto,
		Timeout:    p.config.Timeout,
		StaticOOB:  p.config.StaticOOB,
		AuthMethod: p.config.AuthMethod,
		Attention:  p.config.Attention,
		Random:     p.random,
		CheckData: func(caps prov.Capabilities) error {
			return p.registry.Check(al.uuid, caps.NumElements)
		},
		AssignData: func(caps prov.Capabilities) (prov.ProvisioningData, error) {
			return p.assign(al.uuid, caps)
		},
		Callbacks: prov.Callbacks{
			OnOutput: func(out prov.OOBOutput) {
				if p.config.OnOutput != nil {
					p.config.OnOutput(al.handle, out)
				}
			},
			OnInputRequest: func(req prov.InputRequest) {
				if p.config.OnInputRequest != nil {
					p.config.OnInputRequest(al.handle, req)
				}
			},
			OnComplete: func(node prov.NodeRecord) { p.complete(node) },
			OnClose: func(reason prov.CloseReason, err error) {
				p.release(al)
				if p.log != nil {
					p.log.Infof("link %s to %s closed: %s (err=%v)", al.handle, al.uuid, reason, err)
				}
				if p.config.OnLinkClose != nil {
					p.config.OnLinkClose(al.handle, al.uuid, reason, err)
				}
			},
		},
	}
}

// assign runs inside the link's strand, right before Data is sent.
func (p *Provisioner) assign(id uuid.UUID, caps prov.Capabilities) (prov.ProvisioningData, error) {
	addr, err := p.registry.Allocate(id, caps.NumElements)
	if err != nil {
		return prov.ProvisioningData{}, err
	}
	return prov.ProvisioningData{
		NetKey:      p.config.NetKey,
		NetKeyIndex: p.config.NetKeyIndex,
		Flags:       p.config.Flags,
		IVIndex:     p.config.IVIndex,
		Address:     addr,
	}, nil
}

func (p *Provisioner) linkOpened(al *activeLink) {
	if p.log != nil {
		p.log.Debugf("link %s to %s open", al.handle, al.uuid)
	}
	if p.config.OnLinkOpen != nil {
		p.config.OnLinkOpen(al.handle, al.uuid)
	}
}

func (p *Provisioner) complete(node prov.NodeRecord) {
	p.registry.AddNode(node)
	if p.log != nil {
		p.log.Infof("provisioned %s", node)
	}
	if p.config.OnProvisioningComplete != nil {
		p.config.OnProvisioningComplete(node)
	}
}

func (p *Provisioner) lookup(h LinkHandle) (*activeLink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	al, ok := p.pool(h.Bearer).Get(h.slot)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLink, h)
	}
	return al, nil
}

// Cancel closes a link with reason Fail.
func (p *Provisioner) Cancel(h LinkHandle) error {
	al, err := p.lookup(h)
	if err != nil {
		return err
	}
	return al.prov().Cancel()
}

// InputNumber supplies the number the device displayed.
func (p *Provisioner) InputNumber(h LinkHandle, n uint32) error {
	al, err := p.lookup(h)
	if err != nil {
		return err
	}
	return al.prov().InputNumber(n)
}

// InputString supplies the string the device displayed.
func (p *Provisioner) InputString(h LinkHandle, s string) error {
	al, err := p.lookup(h)
	if err != nil {
		return err
	}
	return al.prov().InputString(s)
}

// ActiveLinks lists the links in progress, PB-ADV first.
func (p *Provisioner) ActiveLinks() []LinkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []LinkInfo
	collect := func(_ Handle, al *activeLink) bool {
		info := LinkInfo{Handle: al.handle, UUID: al.uuid}
		if al.adv != nil {
			info.LinkID = al.adv.LinkID()
		}
		out = append(out, info)
		return true
	}
	p.adv.Each(collect)
	p.gatt.Each(collect)
	return out
}

// Nodes returns the provisioned nodes ordered by address.
func (p *Provisioner) Nodes() []prov.NodeRecord {
	return p.registry.Nodes()
}

// Node returns the node owning addr.
func (p *Provisioner) Node(addr uint16) (prov.NodeRecord, bool) {
	return p.registry.Node(addr)
}

// ResetNode removes the node with primary address addr and clears the
// replay protection entries of its elements.
func (p *Provisioner) ResetNode(addr uint16) error {
	node, err := p.registry.Remove(addr)
	if err != nil {
		return err
	}
	if p.config.RPL != nil {
		p.config.RPL.ClearRange(node.Address, node.Elements)
	}
	if p.log != nil {
		p.log.Infof("reset %s", node)
	}
	if p.config.OnNodeReset != nil {
		p.config.OnNodeReset(node)
	}
	return nil
}

// Close cancels every active link and rejects new ones.
func (p *Provisioner) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	var links []*activeLink
	for _, al := range p.byUUID {
		links = append(links, al)
	}
	p.mu.Unlock()

	for _, al := range links {
		_ = al.prov().Cancel()
	}
	return nil
}

func (p *Provisioner) handlePBADV(_ bearer.Advertisement, field bearer.Field) {
	f, err := pbadv.ParseFrame(field.Data)
	if err != nil {
		if p.log != nil {
			p.log.Tracef("dropping PB-ADV frame: %v", err)
		}
		return
	}
	p.mu.Lock()
	al := p.byLinkID[f.LinkID]
	p.mu.Unlock()
	if al == nil {
		return
	}
	al.adv.HandleFrame(f)
}

func (p *Provisioner) handleBeacon(adv bearer.Advertisement, field bearer.Field) {
	b, err := bearer.ParseUnprovisionedBeacon(field.Data)
	if err != nil {
		return
	}
	p.discovered(Discovery{
		UUID:    b.UUID,
		OOBInfo: b.OOBInfo,
		URIHash: b.URIHash,
		Addr:    adv.Addr,
		RSSI:    adv.RSSI,
	})
}

func (p *Provisioner) handleService(adv bearer.Advertisement, field bearer.Field) {
	svc, err := bearer.ParseProvisioningService(field.Data)
	if err != nil {
		return
	}
	p.discovered(Discovery{
		UUID:        svc.UUID,
		OOBInfo:     svc.OOBInfo,
		Addr:        adv.Addr,
		RSSI:        adv.RSSI,
		Connectable: true,
	})
}

// discovered handles a device advertising as unprovisioned. Its ledger
// entry is dropped unless a link to it is in progress.
func (p *Provisioner) discovered(d Discovery) {
	p.mu.Lock()
	_, busy := p.byUUID[d.UUID]
	if !busy {
		p.registry.Forget(d.UUID)
	}
	closed := p.closed
	p.mu.Unlock()

	if p.config.OnDeviceDiscovered != nil {
		p.config.OnDeviceDiscovered(d)
	}
	if busy || closed || d.Connectable || p.config.Bearer == nil {
		return
	}
	if f := p.config.Filter; f != nil && f.Match(d.UUID) {
		if _, err := p.Provision(d.UUID); err != nil && p.log != nil {
			p.log.Debugf("auto-provisioning %s: %v", d.UUID, err)
		}
	}
}
