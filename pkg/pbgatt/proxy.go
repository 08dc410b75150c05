// Package pbgatt implements the PB-GATT provisioning bearer: provisioning
// PDUs carried in Proxy PDUs over a GATT connection, segmented to the ATT
// MTU.
package pbgatt

import (
	"fmt"

	"github.com/backkem/meshprov/pkg/prov"
)

// ATT sizes.
const (
	// DefaultMTU is the ATT MTU before any exchange.
	DefaultMTU = 23
	// attHeaderSize is the opcode and handle of a notification or write.
	attHeaderSize = 3
	// HeaderSize is the Proxy PDU header.
	HeaderSize = 1
)

// SAR is the segmentation field of a Proxy PDU header.
type SAR uint8

const (
	SARComplete     SAR = 0x00
	SARFirst        SAR = 0x01
	SARContinuation SAR = 0x02
	SARLast         SAR = 0x03
)

func (s SAR) String() string {
	switch s {
	case SARComplete:
		return "Complete"
	case SARFirst:
		return "First"
	case SARContinuation:
		return "Continuation"
	case SARLast:
		return "Last"
	default:
		return fmt.Sprintf("SAR(%d)", uint8(s))
	}
}

// MessageType is the payload type of a Proxy PDU.
type MessageType uint8

const (
	MessageNetwork       MessageType = 0x00
	MessageBeacon        MessageType = 0x01
	MessageConfiguration MessageType = 0x02
	MessageProvisioning  MessageType = 0x03
)

// Header packs a SAR field and message type.
func Header(sar SAR, typ MessageType) byte {
	return byte(sar)<<6 | byte(typ)&0x3f
}

// SplitHeader unpacks a Proxy PDU header.
func SplitHeader(b byte) (SAR, MessageType) {
	return SAR(b >> 6), MessageType(b & 0x3f)
}

// Chunk splits msg into Proxy PDUs that fit an ATT MTU.
func Chunk(typ MessageType, msg []byte, mtu int) ([][]byte, error) {
	room := mtu - attHeaderSize - HeaderSize
	if room <= 0 {
		return nil, fmt.Errorf("%w: MTU %d", prov.ErrInvalidFormat, mtu)
	}
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: empty message", prov.ErrInvalidFormat)
	}
	if len(msg) <= room {
		return [][]byte{append([]byte{Header(SARComplete, typ)}, msg...)}, nil
	}

	var out [][]byte
	for off := 0; off < len(msg); off += room {
		end := min(off+room, len(msg))
		sar := SARContinuation
		switch {
		case off == 0:
			sar = SARFirst
		case end == len(msg):
			sar = SARLast
		}
		out = append(out, append([]byte{Header(sar, typ)}, msg[off:end]...))
	}
	return out, nil
}

// Reassembler rebuilds messages from Proxy PDUs of one connection.
type Reassembler struct {
	// Max bounds a reassembled message. Zero means prov.MaxPDUSize.
	Max int

	buf    []byte
	typ    MessageType
	active bool
}

// Add feeds one Proxy PDU. It returns the message type and payload once a
// message is complete, or a nil payload while more segments are needed.
// Segments out of sequence are a format error and discard the partial
// message.
func (r *Reassembler) Add(pdu []byte) (MessageType, []byte, error) {
	if len(pdu) < HeaderSize+1 {
		r.reset()
		return 0, nil, fmt.Errorf("%w: proxy PDU of %d bytes", prov.ErrInvalidFormat, len(pdu))
	}
	sar, typ := SplitHeader(pdu[0])
	data := pdu[HeaderSize:]

	if r.active && (sar == SARComplete || sar == SARFirst || typ != r.typ) {
		r.reset()
		return 0, nil, fmt.Errorf("%w: %s segment while reassembling", prov.ErrInvalidFormat, sar)
	}
	if !r.active && (sar == SARContinuation || sar == SARLast) {
		return 0, nil, fmt.Errorf("%w: %s segment without First", prov.ErrInvalidFormat, sar)
	}

	limit := r.Max
	if limit <= 0 {
		limit = prov.MaxPDUSize
	}
	if len(r.buf)+len(data) > limit {
		r.reset()
		return 0, nil, fmt.Errorf("%w: message exceeds %d bytes", prov.ErrInvalidFormat, limit)
	}

	switch sar {
	case SARComplete:
		return typ, append([]byte(nil), data...), nil
	case SARFirst:
		r.active, r.typ = true, typ
		r.buf = append(r.buf[:0], data...)
		return typ, nil, nil
	case SARContinuation:
		r.buf = append(r.buf, data...)
		return typ, nil, nil
	default:
		msg := append(r.buf, data...)
		r.buf = nil
		r.active = false
		return typ, msg, nil
	}
}

// Active reports whether a message is partially reassembled.
func (r *Reassembler) Active() bool { return r.active }

func (r *Reassembler) reset() {
	r.buf = nil
	r.active = false
}
