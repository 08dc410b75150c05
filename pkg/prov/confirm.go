package prov

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Layout of ConfirmationInputs = Invite || Capabilities || Start ||
// PublicKeyProvisioner || PublicKeyDevice.
const (
	ConfInviteOffset         = 0
	ConfCapabilitiesOffset   = ConfInviteOffset + 1
	ConfStartOffset          = ConfCapabilitiesOffset + 11
	ConfProvisionerKeyOffset = ConfStartOffset + 5
	ConfDeviceKeyOffset      = ConfProvisionerKeyOffset + 64
	ConfirmationInputsSize   = ConfDeviceKeyOffset + 64
)

type confSection uint8

const (
	confInvite confSection = 1 << iota
	confCapabilities
	confStart
	confProvisionerKey
	confDeviceKey

	confAll = confInvite | confCapabilities | confStart | confProvisionerKey | confDeviceKey
)

// ConfirmationInputs accumulates the PDU parameters covered by the
// confirmation. Each section is written once, in handshake order.
type ConfirmationInputs struct {
	invite         [1]byte
	capabilities   [11]byte
	start          [5]byte
	provisionerKey [64]byte
	deviceKey      [64]byte
	set            confSection
}

func (c *ConfirmationInputs) put(section confSection, dst, src []byte) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%w: confirmation input of %d bytes, want %d", ErrInvalidFormat, len(src), len(dst))
	}
	if c.set&section != 0 {
		return fmt.Errorf("%w: confirmation input written twice", ErrUnexpected)
	}
	copy(dst, src)
	c.set |= section
	return nil
}

// SetInvite records the Invite parameters.
func (c *ConfirmationInputs) SetInvite(p []byte) error {
	return c.put(confInvite, c.invite[:], p)
}

// SetCapabilities records the Capabilities parameters.
func (c *ConfirmationInputs) SetCapabilities(p []byte) error {
	return c.put(confCapabilities, c.capabilities[:], p)
}

// SetStart records the Start parameters.
func (c *ConfirmationInputs) SetStart(p []byte) error {
	return c.put(confStart, c.start[:], p)
}

// SetProvisionerKey records the provisioner's public key.
func (c *ConfirmationInputs) SetProvisionerKey(p []byte) error {
	return c.put(confProvisionerKey, c.provisionerKey[:], p)
}

// SetDeviceKey records the device's public key.
func (c *ConfirmationInputs) SetDeviceKey(p []byte) error {
	return c.put(confDeviceKey, c.deviceKey[:], p)
}

// Complete reports whether every section has been recorded.
func (c *ConfirmationInputs) Complete() bool {
	return c.set == confAll
}

// Bytes serializes the 145-byte ConfirmationInputs.
func (c *ConfirmationInputs) Bytes() ([]byte, error) {
	if !c.Complete() {
		return nil, fmt.Errorf("%w: confirmation inputs incomplete", ErrUnexpected)
	}
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, ConfirmationInputsSize))
	b.AddBytes(c.invite[:])
	b.AddBytes(c.capabilities[:])
	b.AddBytes(c.start[:])
	b.AddBytes(c.provisionerKey[:])
	b.AddBytes(c.deviceKey[:])
	return b.Bytes()
}

// Reset clears all sections.
func (c *ConfirmationInputs) Reset() {
	*c = ConfirmationInputs{}
}
