package provisioner

import (
	"fmt"
	"time"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Default link capacities.
const (
	DefaultADVLinks  = 3
	DefaultGATTLinks = 1
)

// Discovery describes an unprovisioned device seen on the air.
type Discovery struct {
	UUID    uuid.UUID
	OOBInfo uint16
	URIHash []byte
	Addr    [6]byte
	RSSI    int8
	// Connectable is set for PB-GATT service advertisements.
	Connectable bool
}

// Config configures a Provisioner.
type Config struct {
	// Bearer transmits PB-ADV frames. Required for Provision.
	Bearer bearer.Bearer

	// Network parameters distributed in the Provisioning Data.
	NetKey      [16]byte
	NetKeyIndex uint16
	IVIndex     uint32
	Flags       uint8

	// Addresses is the unicast range handed out to nodes.
	Addresses RegistryConfig

	// ADVLinks and GATTLinks bound the concurrent links per bearer.
	// Defaults: DefaultADVLinks, DefaultGATTLinks.
	ADVLinks  int
	GATTLinks int

	// AuthMethod is the preferred authentication. Devices that do not
	// support it are provisioned without OOB.
	AuthMethod prov.AuthMethod

	// StaticOOB is the static OOB value shared with devices.
	StaticOOB []byte

	// Attention is the attention timer sent in the Invite, in seconds.
	Attention uint8

	// Timing configures PB-ADV links.
	Timing pbadv.Timing

	// Timeout is the provisioning inactivity timeout.
	// Default: prov.DefaultTimeout.
	Timeout time.Duration

	// MTU is the ATT MTU of PB-GATT connections. Default: pbgatt.DefaultMTU.
	MTU int

	// Filter, if set, provisions advertised devices it matches.
	Filter *UUIDFilter

	// SharedRandom reuses one provisioner random across all links instead
	// of a fresh value per link.
	SharedRandom bool

	// RPL is cleared when a node is reset. Optional.
	RPL RPL

	// Crypto defaults to crypto.NewProvider().
	Crypto prov.Crypto

	// Callbacks - Optional. They never run inside a link's strand.
	OnLinkOpen             func(h LinkHandle, id uuid.UUID)
	OnLinkClose            func(h LinkHandle, id uuid.UUID, reason prov.CloseReason, err error)
	OnOutput               func(h LinkHandle, out prov.OOBOutput)
	OnInputRequest         func(h LinkHandle, req prov.InputRequest)
	OnProvisioningComplete func(node prov.NodeRecord)
	OnNodeReset            func(node prov.NodeRecord)
	OnDeviceDiscovered     func(d Discovery)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Trace receives protocol events. Optional.
	Trace trace.Logger
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Addresses.Validate(); err != nil {
		return err
	}
	if c.NetKeyIndex > prov.MaxKeyIndex {
		return fmt.Errorf("%w: net key index 0x%04x", prov.ErrInvalidConfig, c.NetKeyIndex)
	}
	if c.ADVLinks < 0 || c.GATTLinks < 0 {
		return fmt.Errorf("%w: negative link capacity", prov.ErrInvalidConfig)
	}
	if c.AuthMethod == prov.AuthStatic && len(c.StaticOOB) == 0 {
		return fmt.Errorf("%w: static OOB preferred without a value", prov.ErrInvalidConfig)
	}
	if len(c.StaticOOB) > prov.AuthValueSize {
		return fmt.Errorf("%w: static OOB longer than %d bytes", prov.ErrInvalidConfig, prov.AuthValueSize)
	}
	if c.Filter != nil {
		if err := c.Filter.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	c.Addresses.applyDefaults()
	if c.ADVLinks == 0 {
		c.ADVLinks = DefaultADVLinks
	}
	if c.GATTLinks == 0 {
		c.GATTLinks = DefaultGATTLinks
	}
	if c.Timeout == 0 {
		c.Timeout = prov.DefaultTimeout
	}
}
