package prov

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeRecord describes a provisioned node.
type NodeRecord struct {
	UUID      uuid.UUID
	Elements  uint8
	DeviceKey [16]byte
	ProvisioningData
}

// LastAddress returns the unicast address of the node's last element.
func (n NodeRecord) LastAddress() uint16 {
	return n.Address + uint16(n.Elements) - 1
}

// Contains reports whether addr belongs to one of the node's elements.
func (n NodeRecord) Contains(addr uint16) bool {
	return addr >= n.Address && addr <= n.LastAddress()
}

func (n NodeRecord) String() string {
	return fmt.Sprintf("node %s 0x%04x-0x%04x net key index %d", n.UUID, n.Address, n.LastAddress(), n.NetKeyIndex)
}
