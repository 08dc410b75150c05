// Package pbadv implements the PB-ADV provisioning bearer: Generic
// Provisioning framing, segmentation and reassembly of provisioning PDUs,
// transaction acknowledgements and the Link Open / Link Ack / Link Close
// lifecycle on top of an advertising bearer.
package pbadv

import (
	"fmt"

	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

// Frame limits.
const (
	// HeaderSize is LinkID, transaction number and the GPCF octet.
	HeaderSize = 6
	// MaxFrameSize is the largest PB-ADV payload inside one AD structure.
	MaxFrameSize = 29
	// StartDataSize is the provisioning data carried by a Start segment.
	StartDataSize = MaxFrameSize - HeaderSize - 3
	// ContinuationDataSize is the data carried by a Continuation segment.
	ContinuationDataSize = MaxFrameSize - HeaderSize
	// MaxSegments is the number of segments of the largest transaction.
	MaxSegments = 3
	// MaxPDUSize is the largest PDU a transaction can carry.
	MaxPDUSize = StartDataSize + (MaxSegments-1)*ContinuationDataSize
)

// Kind is the Generic Provisioning Control Format.
type Kind uint8

const (
	KindStart        Kind = 0x00
	KindAck          Kind = 0x01
	KindContinuation Kind = 0x02
	KindControl      Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "Start"
	case KindAck:
		return "Ack"
	case KindContinuation:
		return "Continuation"
	case KindControl:
		return "Control"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Opcode is a bearer control opcode.
type Opcode uint8

const (
	OpLinkOpen  Opcode = 0x00
	OpLinkAck   Opcode = 0x01
	OpLinkClose Opcode = 0x02
)

func (o Opcode) String() string {
	switch o {
	case OpLinkOpen:
		return "LinkOpen"
	case OpLinkAck:
		return "LinkAck"
	case OpLinkClose:
		return "LinkClose"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// Frame is one decoded PB-ADV PDU.
type Frame struct {
	LinkID      uint32
	Transaction uint8
	Kind        Kind

	// SegN is the last segment index (Start).
	SegN uint8
	// Index is the segment index (Continuation).
	Index uint8
	// TotalLength and FCS describe the whole transaction (Start).
	TotalLength uint16
	FCS         uint8

	// Opcode is the bearer control opcode (Control).
	Opcode Opcode
	// UUID is the device UUID of a Link Open.
	UUID uuid.UUID
	// Reason is the reason of a Link Close.
	Reason prov.CloseReason

	// Data is the segment payload (Start, Continuation).
	Data []byte
}

// String summarizes the frame for logs.
func (f Frame) String() string {
	switch f.Kind {
	case KindStart:
		return fmt.Sprintf("link %08x xact %02x Start segN=%d len=%d", f.LinkID, f.Transaction, f.SegN, f.TotalLength)
	case KindContinuation:
		return fmt.Sprintf("link %08x xact %02x Cont %d", f.LinkID, f.Transaction, f.Index)
	case KindControl:
		return fmt.Sprintf("link %08x %s", f.LinkID, f.Opcode)
	default:
		return fmt.Sprintf("link %08x xact %02x Ack", f.LinkID, f.Transaction)
	}
}

// Marshal encodes the frame as the payload of a PB-ADV AD structure.
func (f Frame) Marshal() []byte {
	b := cryptobyte.NewBuilder(make([]byte, 0, MaxFrameSize))
	b.AddUint32(f.LinkID)
	b.AddUint8(f.Transaction)
	switch f.Kind {
	case KindStart:
		b.AddUint8(f.SegN<<2 | uint8(KindStart))
		b.AddUint16(f.TotalLength)
		b.AddUint8(f.FCS)
		b.AddBytes(f.Data)
	case KindAck:
		b.AddUint8(uint8(KindAck))
	case KindContinuation:
		b.AddUint8(f.Index<<2 | uint8(KindContinuation))
		b.AddBytes(f.Data)
	case KindControl:
		b.AddUint8(uint8(f.Opcode)<<2 | uint8(KindControl))
		switch f.Opcode {
		case OpLinkOpen:
			b.AddBytes(f.UUID[:])
		case OpLinkClose:
			b.AddUint8(uint8(f.Reason))
		}
	}
	return b.BytesOrPanic()
}

// ParseFrame decodes a PB-ADV payload.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	var gpcf uint8
	s := cryptobyte.String(data)
	if len(data) > MaxFrameSize || !s.ReadUint32(&f.LinkID) || !s.ReadUint8(&f.Transaction) || !s.ReadUint8(&gpcf) {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes", prov.ErrInvalidFormat, len(data))
	}
	f.Kind = Kind(gpcf & 0x03)
	field := gpcf >> 2

	switch f.Kind {
	case KindStart:
		f.SegN = field
		if !s.ReadUint16(&f.TotalLength) || !s.ReadUint8(&f.FCS) || s.Empty() {
			return Frame{}, fmt.Errorf("%w: short Start segment", prov.ErrInvalidFormat)
		}
		f.Data = append([]byte(nil), s...)
	case KindAck:
		if field != 0 {
			return Frame{}, fmt.Errorf("%w: Ack with padding 0x%02x", prov.ErrInvalidFormat, field)
		}
	case KindContinuation:
		f.Index = field
		if s.Empty() {
			return Frame{}, fmt.Errorf("%w: empty Continuation", prov.ErrInvalidFormat)
		}
		f.Data = append([]byte(nil), s...)
	case KindControl:
		f.Opcode = Opcode(field)
		switch f.Opcode {
		case OpLinkOpen:
			if !s.CopyBytes(f.UUID[:]) || !s.Empty() {
				return Frame{}, fmt.Errorf("%w: Link Open of %d bytes", prov.ErrInvalidFormat, len(data))
			}
		case OpLinkAck:
			if !s.Empty() {
				return Frame{}, fmt.Errorf("%w: Link Ack with parameters", prov.ErrInvalidFormat)
			}
		case OpLinkClose:
			var reason uint8
			if !s.ReadUint8(&reason) || !s.Empty() {
				return Frame{}, fmt.Errorf("%w: Link Close of %d bytes", prov.ErrInvalidFormat, len(data))
			}
			f.Reason = prov.CloseReason(reason)
		default:
			return Frame{}, fmt.Errorf("%w: bearer opcode %d", prov.ErrInvalidFormat, f.Opcode)
		}
	}
	return f, nil
}

// LinkOpen builds a Link Open frame.
func LinkOpen(linkID uint32, id uuid.UUID) Frame {
	return Frame{LinkID: linkID, Kind: KindControl, Opcode: OpLinkOpen, UUID: id}
}

// LinkAck builds a Link Ack frame.
func LinkAck(linkID uint32) Frame {
	return Frame{LinkID: linkID, Kind: KindControl, Opcode: OpLinkAck}
}

// LinkClose builds a Link Close frame.
func LinkClose(linkID uint32, reason prov.CloseReason) Frame {
	return Frame{LinkID: linkID, Kind: KindControl, Opcode: OpLinkClose, Reason: reason}
}

// TransactionAck builds the acknowledgement of a transaction.
func TransactionAck(linkID uint32, xact uint8) Frame {
	return Frame{LinkID: linkID, Transaction: xact, Kind: KindAck}
}
