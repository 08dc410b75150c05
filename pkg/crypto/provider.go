package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// Provider bundles the provisioning primitives behind one value so the
// handshake can be driven with an injectable randomness source.
type Provider struct {
	mu   sync.Mutex
	rand io.Reader
}

// NewProvider returns a Provider backed by crypto/rand.
func NewProvider() *Provider {
	return &Provider{rand: rand.Reader}
}

// SetRandom replaces the randomness source. Intended for deterministic tests.
func (p *Provider) SetRandom(r io.Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rand = r
}

// Random returns n random bytes.
func (p *Provider) Random(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := make([]byte, n)
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return b, nil
}

// GenerateKeyPair returns a fresh private scalar and its 64-byte public key.
func (p *Provider) GenerateKeyPair() (private, public []byte, err error) {
	p.mu.Lock()
	r := p.rand
	p.mu.Unlock()

	kp, err := GenerateKeyPair(r)
	if err != nil {
		return nil, nil, err
	}
	return kp.PrivateKey(), kp.PublicKey(), nil
}

// SharedSecret computes the ECDH secret between a local scalar and a remote
// 64-byte public key.
func (p *Provider) SharedSecret(private, remotePublic []byte) ([]byte, error) {
	kp, err := KeyPairFromPrivateKey(private)
	if err != nil {
		return nil, err
	}
	return kp.ECDH(remotePublic)
}

func (p *Provider) ConfirmationSalt(inputs []byte) ([]byte, error) {
	return ConfirmationSalt(inputs)
}

func (p *Provider) ConfirmationKey(dhKey, confSalt []byte) ([]byte, error) {
	return ConfirmationKey(dhKey, confSalt)
}

func (p *Provider) Confirmation(confKey, random, auth []byte) ([]byte, error) {
	return Confirmation(confKey, random, auth)
}

func (p *Provider) ProvisioningSalt(confSalt, provRandom, devRandom []byte) ([]byte, error) {
	return ProvisioningSalt(confSalt, provRandom, devRandom)
}

func (p *Provider) SessionKey(dhKey, provSalt []byte) ([]byte, error) {
	return SessionKey(dhKey, provSalt)
}

func (p *Provider) SessionNonce(dhKey, provSalt []byte) ([]byte, error) {
	return SessionNonce(dhKey, provSalt)
}

func (p *Provider) DeviceKey(dhKey, provSalt []byte) ([]byte, error) {
	return DeviceKey(dhKey, provSalt)
}

// EncryptData seals Provisioning Data with the session key and nonce.
func (p *Provider) EncryptData(sessionKey, nonce, data []byte) ([]byte, error) {
	ccm, err := NewCCM(sessionKey, NonceSize, ProvisioningMICSize)
	if err != nil {
		return nil, err
	}
	return ccm.Seal(nonce, data, nil)
}

// DecryptData opens Provisioning Data sealed by EncryptData.
func (p *Provider) DecryptData(sessionKey, nonce, data []byte) ([]byte, error) {
	ccm, err := NewCCM(sessionKey, NonceSize, ProvisioningMICSize)
	if err != nil {
		return nil, err
	}
	return ccm.Open(nonce, data, nil)
}
