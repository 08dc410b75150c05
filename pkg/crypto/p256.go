package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// PublicKeySize is the raw X || Y public key size carried in the
	// Provisioning Public Key PDU.
	PublicKeySize = 64

	// PrivateKeySize is the P-256 scalar size.
	PrivateKeySize = 32

	// DHKeySize is the ECDH shared secret size (the X coordinate).
	DHKeySize = 32
)

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid P-256 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid P-256 private key")
)

// KeyPair is a P-256 key pair used for the provisioning ECDH exchange.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromPrivateKey restores a key pair from a 32-byte scalar.
func KeyPairFromPrivateKey(b []byte) (*KeyPair, error) {
	if len(b) != PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv, err := ecdh.P256().NewPrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the 64-byte X || Y public key.
func (k *KeyPair) PublicKey() []byte {
	// ecdh encodes uncompressed points as 0x04 || X || Y.
	return k.priv.PublicKey().Bytes()[1:]
}

// PrivateKey returns the 32-byte scalar.
func (k *KeyPair) PrivateKey() []byte {
	return k.priv.Bytes()
}

// ECDH computes the shared secret with a 64-byte remote public key.
func (k *KeyPair) ECDH(remote []byte) ([]byte, error) {
	pub, err := ParsePublicKey(remote)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}

// ParsePublicKey validates a 64-byte X || Y key and checks it lies on the curve.
func ParsePublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	uncompressed := make([]byte, 1+PublicKeySize)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], b)
	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}
