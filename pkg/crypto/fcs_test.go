package crypto

import "testing"

func TestFCS_Table(t *testing.T) {
	if fcsTable[0] != 0x00 {
		t.Errorf("table[0] = %#x", fcsTable[0])
	}
	if fcsTable[1] != 0x91 {
		t.Errorf("table[1] = %#x, want 0x91", fcsTable[1])
	}
	if fcsTable[0xFF] != fcsGood {
		t.Errorf("table[0xFF] = %#x, want %#x", fcsTable[0xFF], fcsGood)
	}
}

func TestFCS_KnownFrame(t *testing.T) {
	// 27.010 SABM on DLCI 0: address 0x03, control 0x3F, length 0x01.
	if got := FCS([]byte{0x03, 0x3F, 0x01}); got != 0x1C {
		t.Errorf("FCS = %#x, want 0x1c", got)
	}
}

func TestCheckFCS(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0x01, 0x02, 0x03},
		make([]byte, 65),
	}
	for _, data := range inputs {
		fcs := FCS(data)
		if !CheckFCS(data, fcs) {
			t.Errorf("CheckFCS(%x, %#x) = false", data, fcs)
		}
		if CheckFCS(data, fcs^0x01) {
			t.Errorf("CheckFCS accepted corrupted fcs for %x", data)
		}
	}
}
