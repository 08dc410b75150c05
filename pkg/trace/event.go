package trace

import "time"

// Event is one captured protocol event. CBOR encoding uses integer keys.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// LinkID is the PB-ADV link identifier, zero for PB-GATT links.
	LinkID uint32 `cbor:"2,keyasint"`

	// UUID is the device UUID of the link, if known.
	UUID string `cbor:"3,keyasint,omitempty"`

	// LocalRole indicates whether the event was captured by a device or a
	// provisioner.
	LocalRole Role `cbor:"4,keyasint"`

	Direction Direction `cbor:"5,keyasint"`
	Layer     Layer     `cbor:"6,keyasint"`
	Bearer    Bearer    `cbor:"7,keyasint"`

	// Type-specific payload (one of these will be set).
	Frame *FrameEvent `cbor:"10,keyasint,omitempty"`
	PDU   *PDUEvent   `cbor:"11,keyasint,omitempty"`
	State *StateEvent `cbor:"12,keyasint,omitempty"`
	Error *ErrorEvent `cbor:"13,keyasint,omitempty"`
}

// Direction indicates message flow.
type Direction uint8

const (
	DirectionIn  Direction = 0
	DirectionOut Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer is the protocol layer that captured the event.
type Layer uint8

const (
	// LayerBearer carries raw PB-ADV or proxy frames.
	LayerBearer Layer = 0
	// LayerProvisioning carries reassembled provisioning PDUs.
	LayerProvisioning Layer = 1
	// LayerLink carries link lifecycle changes.
	LayerLink Layer = 2
)

func (l Layer) String() string {
	switch l {
	case LayerBearer:
		return "BEARER"
	case LayerProvisioning:
		return "PROV"
	case LayerLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// Role is the local role of the capturing side.
type Role uint8

const (
	RoleDevice      Role = 0
	RoleProvisioner Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "DEVICE"
	case RoleProvisioner:
		return "PROVISIONER"
	default:
		return "UNKNOWN"
	}
}

// Bearer identifies the provisioning bearer.
type Bearer uint8

const (
	BearerADV  Bearer = 0
	BearerGATT Bearer = 1
)

func (b Bearer) String() string {
	switch b {
	case BearerADV:
		return "PB-ADV"
	case BearerGATT:
		return "PB-GATT"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures a bearer-level frame.
type FrameEvent struct {
	Kind        string `cbor:"1,keyasint"`
	Transaction uint8  `cbor:"2,keyasint"`
	Segment     uint8  `cbor:"3,keyasint,omitempty"`
	Data        []byte `cbor:"4,keyasint,omitempty"`
}

// PDUEvent captures a provisioning PDU.
type PDUEvent struct {
	Type uint8  `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
	Size int    `cbor:"3,keyasint"`
}

// StateEvent captures a link state transition.
type StateEvent struct {
	From   string `cbor:"1,keyasint,omitempty"`
	To     string `cbor:"2,keyasint"`
	Reason string `cbor:"3,keyasint,omitempty"`
}

// ErrorEvent captures a protocol failure.
type ErrorEvent struct {
	Code    uint8  `cbor:"1,keyasint,omitempty"`
	Message string `cbor:"2,keyasint"`
}
