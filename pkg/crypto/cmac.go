// Package crypto implements the Bluetooth Mesh security toolbox needed by
// provisioning: AES-CMAC (RFC 4493), the s1 and k1 derivation functions,
// AES-CCM, P-256 ECDH with raw 64-byte public keys, and the PB-ADV frame
// check sequence.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
)

// CMACSize is the AES-CMAC output size in bytes.
const CMACSize = 16

// CMAC computes AES-CMAC of msg under a 16-byte key.
func CMAC(key, msg []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac(block, msg), nil
}

func cmac(block cipher.Block, msg []byte) []byte {
	k1, k2 := cmacSubkeys(block)

	n := (len(msg) + blockSize - 1) / blockSize
	complete := n > 0 && len(msg)%blockSize == 0
	if n == 0 {
		n = 1
	}

	var last [blockSize]byte
	tail := msg[(n-1)*blockSize:]
	if complete {
		subtle.XORBytes(last[:], tail, k1[:])
	} else {
		copy(last[:], tail)
		last[len(tail)] = 0x80
		subtle.XORBytes(last[:], last[:], k2[:])
	}

	var x [blockSize]byte
	for i := 0; i < n-1; i++ {
		subtle.XORBytes(x[:], x[:], msg[i*blockSize:(i+1)*blockSize])
		block.Encrypt(x[:], x[:])
	}
	subtle.XORBytes(x[:], x[:], last[:])
	block.Encrypt(x[:], x[:])

	out := make([]byte, CMACSize)
	copy(out, x[:])
	return out
}

func cmacSubkeys(block cipher.Block) (k1, k2 [blockSize]byte) {
	var l [blockSize]byte
	block.Encrypt(l[:], l[:])
	k1 = shiftXor(l)
	k2 = shiftXor(k1)
	return k1, k2
}

// shiftXor doubles in in GF(2^128).
func shiftXor(in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	var carry byte
	for i := blockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[blockSize-1] ^= 0x87
	}
	return out
}
