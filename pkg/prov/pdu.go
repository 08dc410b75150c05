package prov

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// PDUType is the provisioning PDU type octet.
type PDUType uint8

const (
	PDUInvite        PDUType = 0x00
	PDUCapabilities  PDUType = 0x01
	PDUStart         PDUType = 0x02
	PDUPublicKey     PDUType = 0x03
	PDUInputComplete PDUType = 0x04
	PDUConfirm       PDUType = 0x05
	PDURandom        PDUType = 0x06
	PDUData          PDUType = 0x07
	PDUComplete      PDUType = 0x08
	PDUFailed        PDUType = 0x09

	// PDUNone marks that no PDU other than Failed is acceptable.
	PDUNone PDUType = 0xFF
)

// Parameter lengths, indexed by PDU type.
var pduParamLen = [...]int{
	PDUInvite:        1,
	PDUCapabilities:  11,
	PDUStart:         5,
	PDUPublicKey:     64,
	PDUInputComplete: 0,
	PDUConfirm:       16,
	PDURandom:        16,
	PDUData:          33,
	PDUComplete:      0,
	PDUFailed:        1,
}

// MaxPDUSize is the largest provisioning PDU (Public Key).
const MaxPDUSize = 1 + 64

// String returns the PDU type name.
func (t PDUType) String() string {
	switch t {
	case PDUInvite:
		return "Invite"
	case PDUCapabilities:
		return "Capabilities"
	case PDUStart:
		return "Start"
	case PDUPublicKey:
		return "PublicKey"
	case PDUInputComplete:
		return "InputComplete"
	case PDUConfirm:
		return "Confirm"
	case PDURandom:
		return "Random"
	case PDUData:
		return "Data"
	case PDUComplete:
		return "Complete"
	case PDUFailed:
		return "Failed"
	case PDUNone:
		return "None"
	default:
		return fmt.Sprintf("PDUType(0x%02x)", uint8(t))
	}
}

// IsValid reports whether t is a defined provisioning PDU type.
func (t PDUType) IsValid() bool {
	return int(t) < len(pduParamLen)
}

// ParamLength returns the fixed parameter length of t, or -1 if t is invalid.
func (t PDUType) ParamLength() int {
	if !t.IsValid() {
		return -1
	}
	return pduParamLen[t]
}

// PDU is a decoded provisioning PDU.
type PDU struct {
	Type   PDUType
	Params []byte
}

// Marshal encodes the PDU as type octet followed by parameters.
func (p PDU) Marshal() []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, 1+len(p.Params)))
	b.AddUint8(uint8(p.Type))
	b.AddBytes(p.Params)
	return b.BytesOrPanic()
}

// ParsePDU decodes a provisioning PDU. An unknown type yields
// ErrInvalidPDU, a wrong parameter length ErrInvalidFormat.
func ParsePDU(data []byte) (PDU, error) {
	s := cryptobyte.String(data)
	var typ uint8
	if !s.ReadUint8(&typ) {
		return PDU{}, fmt.Errorf("%w: empty PDU", ErrInvalidFormat)
	}
	t := PDUType(typ)
	if !t.IsValid() {
		return PDU{}, fmt.Errorf("%w: type 0x%02x", ErrInvalidPDU, typ)
	}
	if len(s) != t.ParamLength() {
		return PDU{}, fmt.Errorf("%w: %s with %d parameter bytes", ErrInvalidFormat, t, len(s))
	}
	params := make([]byte, len(s))
	copy(params, s)
	return PDU{Type: t, Params: params}, nil
}

// Capabilities is the parameter block of a Provisioning Capabilities PDU.
type Capabilities struct {
	NumElements   uint8
	Algorithms    uint16
	PublicKeyType uint8
	StaticOOBType uint8
	OutputOOBSize uint8
	OutputActions OutputActions
	InputOOBSize  uint8
	InputActions  InputActions
}

// AlgorithmP256 is the FIPS P-256 Elliptic Curve algorithm bit.
const AlgorithmP256 uint16 = 1 << 0

// Bits of PublicKeyType and StaticOOBType.
const (
	PublicKeyOOBAvailable uint8 = 1 << 0
	StaticOOBAvailable    uint8 = 1 << 0
)

// Marshal encodes the 11 parameter bytes.
func (c Capabilities) Marshal() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, pduParamLen[PDUCapabilities]))
	b.AddUint8(c.NumElements)
	b.AddUint16(c.Algorithms)
	b.AddUint8(c.PublicKeyType)
	b.AddUint8(c.StaticOOBType)
	b.AddUint8(c.OutputOOBSize)
	b.AddUint16(uint16(c.OutputActions))
	b.AddUint8(c.InputOOBSize)
	b.AddUint16(uint16(c.InputActions))
	return b.BytesOrPanic()
}

// ParseCapabilities decodes and validates a Capabilities parameter block.
func ParseCapabilities(params []byte) (Capabilities, error) {
	var c Capabilities
	var out, in uint16
	s := cryptobyte.String(params)
	if !s.ReadUint8(&c.NumElements) ||
		!s.ReadUint16(&c.Algorithms) ||
		!s.ReadUint8(&c.PublicKeyType) ||
		!s.ReadUint8(&c.StaticOOBType) ||
		!s.ReadUint8(&c.OutputOOBSize) ||
		!s.ReadUint16(&out) ||
		!s.ReadUint8(&c.InputOOBSize) ||
		!s.ReadUint16(&in) ||
		!s.Empty() {
		return Capabilities{}, fmt.Errorf("%w: capabilities length %d", ErrInvalidFormat, len(params))
	}
	c.OutputActions = OutputActions(out)
	c.InputActions = InputActions(in)

	if c.NumElements == 0 {
		return Capabilities{}, fmt.Errorf("%w: zero elements", ErrInvalidFormat)
	}
	if c.Algorithms&AlgorithmP256 == 0 {
		return Capabilities{}, fmt.Errorf("%w: P-256 not supported", ErrInvalidFormat)
	}
	if c.OutputOOBSize > MaxOOBSize || c.InputOOBSize > MaxOOBSize {
		return Capabilities{}, fmt.Errorf("%w: OOB size out of range", ErrInvalidFormat)
	}
	return c, nil
}

// Start is the parameter block of a Provisioning Start PDU.
type Start struct {
	Algorithm  uint8
	PublicKey  uint8
	AuthMethod AuthMethod
	AuthAction uint8
	AuthSize   uint8
}

// Start algorithm and public key values.
const (
	StartAlgorithmP256  uint8 = 0x00
	StartNoOOBPublicKey uint8 = 0x00
	StartOOBPublicKey   uint8 = 0x01
)

// Marshal encodes the 5 parameter bytes.
func (s Start) Marshal() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, pduParamLen[PDUStart]))
	b.AddUint8(s.Algorithm)
	b.AddUint8(s.PublicKey)
	b.AddUint8(uint8(s.AuthMethod))
	b.AddUint8(s.AuthAction)
	b.AddUint8(s.AuthSize)
	return b.BytesOrPanic()
}

// ParseStart decodes a Start parameter block without validating it against
// capabilities.
func ParseStart(params []byte) (Start, error) {
	var st Start
	var method uint8
	s := cryptobyte.String(params)
	if !s.ReadUint8(&st.Algorithm) ||
		!s.ReadUint8(&st.PublicKey) ||
		!s.ReadUint8(&method) ||
		!s.ReadUint8(&st.AuthAction) ||
		!s.ReadUint8(&st.AuthSize) ||
		!s.Empty() {
		return Start{}, fmt.Errorf("%w: start length %d", ErrInvalidFormat, len(params))
	}
	st.AuthMethod = AuthMethod(method)
	return st, nil
}

// Validate checks the Start parameters against the capabilities a device
// advertised.
func (s Start) Validate(caps Capabilities) error {
	if s.Algorithm != StartAlgorithmP256 || caps.Algorithms&AlgorithmP256 == 0 {
		return fmt.Errorf("%w: algorithm %d", ErrInvalidFormat, s.Algorithm)
	}
	// OOB public keys are not offered by this implementation.
	if s.PublicKey != StartNoOOBPublicKey {
		return fmt.Errorf("%w: public key type %d", ErrInvalidFormat, s.PublicKey)
	}

	switch s.AuthMethod {
	case AuthNoOOB:
		if s.AuthAction != 0 || s.AuthSize != 0 {
			return fmt.Errorf("%w: no-OOB with action/size", ErrInvalidFormat)
		}
	case AuthStatic:
		if caps.StaticOOBType&StaticOOBAvailable == 0 {
			return fmt.Errorf("%w: static OOB not available", ErrInvalidFormat)
		}
		if s.AuthAction != 0 || s.AuthSize != 0 {
			return fmt.Errorf("%w: static OOB with action/size", ErrInvalidFormat)
		}
	case AuthOutput:
		a := OutputAction(s.AuthAction)
		if !a.IsValid() || !caps.OutputActions.Has(a) {
			return fmt.Errorf("%w: output action %d", ErrInvalidFormat, s.AuthAction)
		}
		if s.AuthSize == 0 || s.AuthSize > caps.OutputOOBSize {
			return fmt.Errorf("%w: output size %d", ErrInvalidFormat, s.AuthSize)
		}
	case AuthInput:
		a := InputAction(s.AuthAction)
		if !a.IsValid() || !caps.InputActions.Has(a) {
			return fmt.Errorf("%w: input action %d", ErrInvalidFormat, s.AuthAction)
		}
		if s.AuthSize == 0 || s.AuthSize > caps.InputOOBSize {
			return fmt.Errorf("%w: input size %d", ErrInvalidFormat, s.AuthSize)
		}
	default:
		return fmt.Errorf("%w: auth method %d", ErrInvalidFormat, s.AuthMethod)
	}
	return nil
}

// Provisioning Data flag bits.
const (
	FlagKeyRefresh uint8 = 1 << 0
	FlagIVUpdate   uint8 = 1 << 1
)

// Address and key index limits checked on received Provisioning Data.
const (
	MaxUnicastAddress uint16 = 0x7FFF
	MaxKeyIndex       uint16 = 0x0FFF
)

// provisioningDataSize is the cleartext size of Provisioning Data.
const provisioningDataSize = 25

// ProvisioningData is the cleartext distributed by the provisioner.
type ProvisioningData struct {
	NetKey      [16]byte
	NetKeyIndex uint16
	Flags       uint8
	IVIndex     uint32
	Address     uint16
}

// Marshal encodes the 25-byte cleartext.
func (d ProvisioningData) Marshal() []byte {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, provisioningDataSize))
	b.AddBytes(d.NetKey[:])
	b.AddUint16(d.NetKeyIndex)
	b.AddUint8(d.Flags)
	b.AddUint32(d.IVIndex)
	b.AddUint16(d.Address)
	return b.BytesOrPanic()
}

// ParseProvisioningData decodes and validates the decrypted cleartext.
func ParseProvisioningData(data []byte) (ProvisioningData, error) {
	var d ProvisioningData
	s := cryptobyte.String(data)
	if !s.CopyBytes(d.NetKey[:]) ||
		!s.ReadUint16(&d.NetKeyIndex) ||
		!s.ReadUint8(&d.Flags) ||
		!s.ReadUint32(&d.IVIndex) ||
		!s.ReadUint16(&d.Address) ||
		!s.Empty() {
		return ProvisioningData{}, fmt.Errorf("%w: provisioning data length %d", ErrInvalidFormat, len(data))
	}
	if err := d.Validate(); err != nil {
		return ProvisioningData{}, err
	}
	return d, nil
}

// Validate checks address and key index ranges.
func (d ProvisioningData) Validate() error {
	if d.Address == 0 || d.Address > MaxUnicastAddress {
		return fmt.Errorf("%w: address 0x%04x is not unicast", ErrInvalidFormat, d.Address)
	}
	if d.NetKeyIndex > MaxKeyIndex {
		return fmt.Errorf("%w: key index 0x%04x", ErrInvalidFormat, d.NetKeyIndex)
	}
	return nil
}
