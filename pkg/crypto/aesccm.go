// AES-CCM as used by Bluetooth Mesh provisioning (NIST 800-38C, RFC 3610).
// Provisioning Data is protected with:
//   - Key length: 128 bits (SessionKey)
//   - MIC length: 64 bits
//   - Nonce length: 13 bytes (SessionNonce)
//   - No additional data

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// NonceSize is the CCM nonce size used by the mesh profile.
	NonceSize = 13

	// ProvisioningMICSize is the MIC size appended to Provisioning Data.
	ProvisioningMICSize = 8

	blockSize = aes.BlockSize
)

var (
	ErrInvalidKeySize     = errors.New("crypto: invalid key size, must be 16 bytes")
	ErrInvalidNonceSize   = errors.New("crypto: invalid CCM nonce size")
	ErrInvalidMICSize     = errors.New("crypto: invalid CCM MIC size, must be 4..16 and even")
	ErrAADTooLong         = errors.New("crypto: CCM additional data too long")
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrAuthFailed         = errors.New("crypto: message authentication failed")
)

// CCM is an AES-128-CCM instance bound to one key.
type CCM struct {
	block   cipher.Block
	micSize int
	lenSize int // L = 15 - nonce size
}

// NewCCM creates an AES-CCM cipher with the given nonce and MIC sizes.
func NewCCM(key []byte, nonceSize, micSize int) (*CCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	lenSize := 15 - nonceSize
	if lenSize < 2 || lenSize > 8 {
		return nil, ErrInvalidNonceSize
	}
	if micSize < 4 || micSize > 16 || micSize%2 != 0 {
		return nil, ErrInvalidMICSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CCM{block: block, micSize: micSize, lenSize: lenSize}, nil
}

// NonceSize returns the nonce length this instance expects.
func (c *CCM) NonceSize() int { return 15 - c.lenSize }

// Overhead returns the MIC length appended by Seal.
func (c *CCM) Overhead() int { return c.micSize }

// Seal encrypts plaintext and returns ciphertext || MIC.
func (c *CCM) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	mic, err := c.mac(nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(plaintext)+c.micSize)
	c.crypt(nonce, out[:len(plaintext)], plaintext)
	s0 := c.keystream(nonce, 0)
	subtle.XORBytes(out[len(plaintext):], mic, s0[:c.micSize])
	return out, nil
}

// Open verifies and decrypts ciphertext || MIC.
func (c *CCM) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	if len(ciphertext) < c.micSize {
		return nil, ErrCiphertextTooShort
	}
	n := len(ciphertext) - c.micSize

	plaintext := make([]byte, n)
	c.crypt(nonce, plaintext, ciphertext[:n])

	s0 := c.keystream(nonce, 0)
	received := make([]byte, c.micSize)
	subtle.XORBytes(received, ciphertext[n:], s0[:c.micSize])

	expected, err := c.mac(nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(received, expected) != 1 {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// mac computes the CBC-MAC over B_0, the encoded additional data and the
// plaintext, truncated to the MIC size.
func (c *CCM) mac(nonce, plaintext, aad []byte) ([]byte, error) {
	var b0 [blockSize]byte
	b0[0] = byte((c.micSize-2)/2)<<3 | byte(c.lenSize-1)
	if len(aad) > 0 {
		b0[0] |= 0x40
	}
	copy(b0[1:], nonce)
	putLength(b0[1+len(nonce):], len(plaintext))

	var x [blockSize]byte
	c.block.Encrypt(x[:], b0[:])

	if len(aad) > 0 {
		// Only the two-byte length form is needed for mesh-sized inputs.
		if len(aad) >= 0xFF00 {
			return nil, ErrAADTooLong
		}
		a := make([]byte, 2, 2+len(aad))
		binary.BigEndian.PutUint16(a, uint16(len(aad)))
		c.cbcMAC(&x, append(a, aad...))
	}
	c.cbcMAC(&x, plaintext)

	mic := make([]byte, c.micSize)
	copy(mic, x[:])
	return mic, nil
}

func (c *CCM) cbcMAC(x *[blockSize]byte, data []byte) {
	for len(data) > 0 {
		var blk [blockSize]byte
		n := copy(blk[:], data)
		data = data[n:]
		subtle.XORBytes(x[:], x[:], blk[:])
		c.block.Encrypt(x[:], x[:])
	}
}

// keystream returns S_i = E(K, A_i).
func (c *CCM) keystream(nonce []byte, i int) [blockSize]byte {
	var a, s [blockSize]byte
	a[0] = byte(c.lenSize - 1)
	copy(a[1:], nonce)
	putLength(a[1+len(nonce):], i)
	c.block.Encrypt(s[:], a[:])
	return s
}

// crypt applies the CTR keystream starting at counter 1.
func (c *CCM) crypt(nonce, dst, src []byte) {
	for i := 0; i*blockSize < len(src); i++ {
		s := c.keystream(nonce, i+1)
		lo := i * blockSize
		hi := min(lo+blockSize, len(src))
		subtle.XORBytes(dst[lo:hi], src[lo:hi], s[:hi-lo])
	}
}

// putLength writes n big-endian into all of dst.
func putLength(dst []byte, n int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(n)
		n >>= 8
	}
}
