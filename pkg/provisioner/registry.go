package provisioner

import (
	"fmt"
	"sort"
	"sync"

	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// BaseAddress is the first unicast address handed out. Default: 0x0001.
	BaseAddress uint16

	// MaxAddress is the last unicast address handed out.
	// Default: prov.MaxUnicastAddress.
	MaxAddress uint16
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		BaseAddress: 0x0001,
		MaxAddress:  prov.MaxUnicastAddress,
	}
}

// Validate checks the address range.
func (c RegistryConfig) Validate() error {
	if c.BaseAddress == 0 || c.BaseAddress > prov.MaxUnicastAddress ||
		c.MaxAddress == 0 || c.MaxAddress > prov.MaxUnicastAddress ||
		c.BaseAddress > c.MaxAddress {
		return fmt.Errorf("%w: unicast range 0x%04x-0x%04x", prov.ErrInvalidConfig, c.BaseAddress, c.MaxAddress)
	}
	return nil
}

func (c *RegistryConfig) applyDefaults() {
	d := DefaultRegistryConfig()
	if c.BaseAddress == 0 {
		c.BaseAddress = d.BaseAddress
	}
	if c.MaxAddress == 0 {
		c.MaxAddress = d.MaxAddress
	}
}

// assignment is a ledger entry.
type assignment struct {
	address  uint16
	elements uint8
}

// Registry allocates unicast addresses and stores provisioned nodes.
//
// The cursor only moves forward. Every allocation is recorded in a ledger
// keyed by device UUID, so a device provisioned again before it was seen
// advertising as unprovisioned gets its previous address back.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	config RegistryConfig
	cursor uint32
	ledger map[uuid.UUID]assignment
	nodes  map[uint16]prov.NodeRecord
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Registry{
		config: config,
		cursor: uint32(config.BaseAddress),
		ledger: make(map[uuid.UUID]assignment),
		nodes:  make(map[uint16]prov.NodeRecord),
	}, nil
}

// Check reports whether Allocate would succeed right now without
// changing any state.
func (r *Registry) Check(id uuid.UUID, elements uint8) error {
	if elements == 0 {
		return fmt.Errorf("%w: zero elements", prov.ErrInvalidFormat)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _, err := r.peekLocked(id, elements)
	return err
}

// Allocate returns the primary address for a device with the given number
// of elements, advancing the cursor and recording it in the ledger.
//
// Returns prov.ErrAddressExhausted if the range cannot hold the elements.
func (r *Registry) Allocate(id uuid.UUID, elements uint8) (uint16, error) {
	if elements == 0 {
		return 0, fmt.Errorf("%w: zero elements", prov.ErrInvalidFormat)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	addr, reused, err := r.peekLocked(id, elements)
	if err != nil || reused {
		return addr, err
	}
	r.cursor += uint32(elements)
	r.ledger[id] = assignment{address: addr, elements: elements}
	return addr, nil
}

// peekLocked returns the address Allocate would hand out and whether it
// comes from the ledger.
func (r *Registry) peekLocked(id uuid.UUID, elements uint8) (uint16, bool, error) {
	if a, ok := r.ledger[id]; ok && a.elements >= elements {
		return a.address, true, nil
	}
	if r.cursor+uint32(elements)-1 > uint32(r.config.MaxAddress) {
		return 0, false, fmt.Errorf("%w: %d elements at 0x%04x", prov.ErrAddressExhausted, elements, r.cursor)
	}
	return uint16(r.cursor), false, nil
}

// Assigned returns the address recorded for id.
func (r *Registry) Assigned(id uuid.UUID) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.ledger[id]
	return a.address, ok
}

// Forget drops the ledger entry of id. Called when the device is seen
// advertising as unprovisioned.
func (r *Registry) Forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ledger, id)
}

// Cursor returns the next fresh address.
func (r *Registry) Cursor() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// AddNode stores a provisioned node, replacing any earlier record of the
// same device.
func (r *Registry) AddNode(node prov.NodeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, n := range r.nodes {
		if n.UUID == node.UUID {
			delete(r.nodes, addr)
		}
	}
	r.nodes[node.Address] = node
}

// Node returns the node owning addr, which may be any of its element
// addresses.
func (r *Registry) Node(addr uint16) (prov.NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[addr]; ok {
		return n, true
	}
	for _, n := range r.nodes {
		if n.Contains(addr) {
			return n, true
		}
	}
	return prov.NodeRecord{}, false
}

// Nodes returns all nodes ordered by address.
func (r *Registry) Nodes() []prov.NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]prov.NodeRecord, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Remove deletes the node with primary address addr.
//
// Returns ErrUnknownNode if there is none.
func (r *Registry) Remove(addr uint16) (prov.NodeRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[addr]
	if !ok {
		return prov.NodeRecord{}, fmt.Errorf("%w: 0x%04x", ErrUnknownNode, addr)
	}
	delete(r.nodes, addr)
	return n, nil
}

// RPL is the replay protection list of the local mesh stack.
type RPL interface {
	// ClearRange drops the entries of source addresses in
	// [first, first+count).
	ClearRange(first uint16, count uint8)
}

// RPLFunc adapts a function to RPL.
type RPLFunc func(first uint16, count uint8)

// ClearRange calls f.
func (f RPLFunc) ClearRange(first uint16, count uint8) { f(first, count) }
