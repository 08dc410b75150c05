package bearer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/cryptobyte"
)

// BeaconUnprovisioned is the beacon type of an Unprovisioned Device beacon.
const BeaconUnprovisioned uint8 = 0x00

// ProvisioningServiceUUID is the 16-bit UUID of the Mesh Provisioning
// Service advertised by PB-GATT devices.
const ProvisioningServiceUUID uint16 = 0x1827

// URIHashSize is the length of the optional URI hash.
const URIHashSize = 4

// UnprovisionedBeacon is the payload of an Unprovisioned Device beacon.
type UnprovisionedBeacon struct {
	UUID    uuid.UUID
	OOBInfo uint16
	// URIHash is empty or URIHashSize bytes.
	URIHash []byte
}

// Marshal encodes the beacon payload, beacon type included.
func (b UnprovisionedBeacon) Marshal() []byte {
	out := cryptobyte.NewBuilder(make([]byte, 0, 23))
	out.AddUint8(BeaconUnprovisioned)
	out.AddBytes(b.UUID[:])
	out.AddUint16(b.OOBInfo)
	out.AddBytes(b.URIHash)
	return out.BytesOrPanic()
}

// AD returns the beacon as a Mesh Beacon advertising structure.
func (b UnprovisionedBeacon) AD() []byte {
	return AD(ADMeshBeacon, b.Marshal())
}

// ParseUnprovisionedBeacon decodes a Mesh Beacon payload.
func ParseUnprovisionedBeacon(data []byte) (UnprovisionedBeacon, error) {
	var b UnprovisionedBeacon
	var typ uint8
	s := cryptobyte.String(data)
	if !s.ReadUint8(&typ) || typ != BeaconUnprovisioned {
		return UnprovisionedBeacon{}, fmt.Errorf("%w: not an unprovisioned beacon", ErrMalformedAD)
	}
	if !s.CopyBytes(b.UUID[:]) || !s.ReadUint16(&b.OOBInfo) {
		return UnprovisionedBeacon{}, fmt.Errorf("%w: beacon of %d bytes", ErrMalformedAD, len(data))
	}
	switch len(s) {
	case 0:
	case URIHashSize:
		b.URIHash = append([]byte(nil), s...)
	default:
		return UnprovisionedBeacon{}, fmt.Errorf("%w: beacon of %d bytes", ErrMalformedAD, len(data))
	}
	return b, nil
}

// ProvisioningService is the service data of a connectable PB-GATT device.
type ProvisioningService struct {
	UUID    uuid.UUID
	OOBInfo uint16
}

// Marshal encodes the service data, 16-bit service UUID included.
func (p ProvisioningService) Marshal() []byte {
	b := make([]byte, 2, 20)
	binary.LittleEndian.PutUint16(b, ProvisioningServiceUUID)
	b = append(b, p.UUID[:]...)
	return binary.BigEndian.AppendUint16(b, p.OOBInfo)
}

// AD returns the advertising data of a connectable provisioning service
// advertisement.
func (p ProvisioningService) AD() []byte {
	svc := make([]byte, 2)
	binary.LittleEndian.PutUint16(svc, ProvisioningServiceUUID)
	var b []byte
	b = append(b, AD(ADFlags, []byte{FlagGeneralDiscoverable | FlagLEOnly})...)
	b = append(b, AD(ADAllUUID16, svc)...)
	return append(b, AD(ADServiceData16, p.Marshal())...)
}

// ParseProvisioningService decodes Service Data carrying the Mesh
// Provisioning Service. Other services yield ErrMalformedAD.
func ParseProvisioningService(data []byte) (ProvisioningService, error) {
	if len(data) != 20 || binary.LittleEndian.Uint16(data) != ProvisioningServiceUUID {
		return ProvisioningService{}, fmt.Errorf("%w: not provisioning service data", ErrMalformedAD)
	}
	var p ProvisioningService
	copy(p.UUID[:], data[2:18])
	p.OOBInfo = binary.BigEndian.Uint16(data[18:])
	return p, nil
}
