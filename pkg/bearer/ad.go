package bearer

import (
	"errors"
	"fmt"
)

// MaxEIRPacketLength is the maximum advertising payload length.
const MaxEIRPacketLength = 31

// ADType is the type octet of an advertising data structure.
type ADType uint8

// Advertising data types used by mesh provisioning.
const (
	ADFlags         ADType = 0x01 // Flags
	ADAllUUID16     ADType = 0x03 // Complete List of 16-bit Service Class UUIDs
	ADCompleteName  ADType = 0x09 // Complete Local Name
	ADServiceData16 ADType = 0x16 // Service Data - 16-bit UUID
	ADURI           ADType = 0x24 // URI
	ADPBADV         ADType = 0x29 // PB-ADV
	ADMeshMessage   ADType = 0x2A // Mesh Message
	ADMeshBeacon    ADType = 0x2B // Mesh Beacon
)

func (t ADType) String() string {
	switch t {
	case ADFlags:
		return "Flags"
	case ADAllUUID16:
		return "UUID16"
	case ADCompleteName:
		return "CompleteName"
	case ADServiceData16:
		return "ServiceData16"
	case ADURI:
		return "URI"
	case ADPBADV:
		return "PB-ADV"
	case ADMeshMessage:
		return "MeshMessage"
	case ADMeshBeacon:
		return "MeshBeacon"
	default:
		return fmt.Sprintf("ADType(0x%02x)", uint8(t))
	}
}

// Advertising flags
const (
	FlagGeneralDiscoverable = 0x02 // LE General Discoverable Mode
	FlagLEOnly              = 0x04 // BR/EDR Not Supported
)

// AdvType is the advertising PDU type of a received advertisement.
type AdvType uint8

const (
	AdvInd        AdvType = 0x00 // connectable undirected
	AdvDirectInd  AdvType = 0x01
	AdvScanInd    AdvType = 0x02
	AdvNonconnInd AdvType = 0x03 // non-connectable undirected
	AdvScanRsp    AdvType = 0x04
)

func (t AdvType) String() string {
	switch t {
	case AdvInd:
		return "ADV_IND"
	case AdvDirectInd:
		return "ADV_DIRECT_IND"
	case AdvScanInd:
		return "ADV_SCAN_IND"
	case AdvNonconnInd:
		return "ADV_NONCONN_IND"
	case AdvScanRsp:
		return "SCAN_RSP"
	default:
		return fmt.Sprintf("AdvType(%d)", uint8(t))
	}
}

// ErrMalformedAD is returned for advertising data that does not parse.
var ErrMalformedAD = errors.New("bearer: malformed advertising data")

// AD encodes one advertising data structure: length, type, payload.
func AD(typ ADType, payload []byte) []byte {
	b := make([]byte, 0, 2+len(payload))
	b = append(b, byte(1+len(payload)), byte(typ))
	return append(b, payload...)
}

// Field is one advertising data structure.
type Field struct {
	Type ADType
	Data []byte
}

// ParseAD splits advertising data into its structures. A zero length octet
// terminates the data early.
func ParseAD(data []byte) ([]Field, error) {
	var fields []Field
	for len(data) > 0 {
		n := int(data[0])
		if n == 0 {
			break
		}
		if n+1 > len(data) {
			return nil, fmt.Errorf("%w: structure of %d bytes, %d left", ErrMalformedAD, n, len(data)-1)
		}
		fields = append(fields, Field{Type: ADType(data[1]), Data: data[2 : n+1]})
		data = data[n+1:]
	}
	return fields, nil
}
