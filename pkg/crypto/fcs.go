package crypto

// Frame check sequence for PB-ADV Transaction Start PDUs: the 8-bit CRC of
// 3GPP TS 27.010 with the reflected polynomial x^8 + x^2 + x + 1.

// fcsGood is the CRC residue after running over data followed by its FCS.
const fcsGood = 0xCF

var fcsTable = func() [256]byte {
	var t [256]byte
	for i := range t {
		c := byte(i)
		for n := 0; n < 8; n++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xE0
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return t
}()

// FCS computes the frame check sequence of data.
func FCS(data []byte) byte {
	fcs := byte(0xFF)
	for _, b := range data {
		fcs = fcsTable[fcs^b]
	}
	return 0xFF - fcs
}

// CheckFCS reports whether fcs matches data.
func CheckFCS(data []byte, fcs byte) bool {
	f := byte(0xFF)
	for _, b := range data {
		f = fcsTable[f^b]
	}
	return fcsTable[f^fcs] == fcsGood
}
