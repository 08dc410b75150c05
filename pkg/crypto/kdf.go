package crypto

import "fmt"

// Key derivation labels used by provisioning (Mesh Profile 5.4.2.4, 5.4.2.5).
var (
	labelConfirmationKey = []byte("prck")
	labelSessionKey      = []byte("prsk")
	labelSessionNonce    = []byte("prsn")
	labelDeviceKey       = []byte("prdk")
)

var zeroKey [KeySize]byte

// S1 is the salt generation function: AES-CMAC with an all-zero key.
func S1(m []byte) ([]byte, error) {
	return CMAC(zeroKey[:], m)
}

// K1 is the key derivation function:
//
//	T  = AES-CMAC_SALT(N)
//	k1 = AES-CMAC_T(P)
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := CMAC(salt, n)
	if err != nil {
		return nil, fmt.Errorf("k1: %w", err)
	}
	return CMAC(t, p)
}

// ConfirmationSalt returns s1(ConfirmationInputs).
func ConfirmationSalt(inputs []byte) ([]byte, error) {
	return S1(inputs)
}

// ConfirmationKey returns k1(ECDHSecret, ConfirmationSalt, "prck").
func ConfirmationKey(dhKey, confSalt []byte) ([]byte, error) {
	return K1(dhKey, confSalt, labelConfirmationKey)
}

// Confirmation returns AES-CMAC_ConfirmationKey(Random || AuthValue).
func Confirmation(confKey, random, auth []byte) ([]byte, error) {
	m := make([]byte, 0, len(random)+len(auth))
	m = append(m, random...)
	m = append(m, auth...)
	return CMAC(confKey, m)
}

// ProvisioningSalt returns s1(ConfirmationSalt || RandomProvisioner || RandomDevice).
func ProvisioningSalt(confSalt, provRandom, devRandom []byte) ([]byte, error) {
	m := make([]byte, 0, len(confSalt)+len(provRandom)+len(devRandom))
	m = append(m, confSalt...)
	m = append(m, provRandom...)
	m = append(m, devRandom...)
	return S1(m)
}

// SessionKey returns k1(ECDHSecret, ProvisioningSalt, "prsk").
func SessionKey(dhKey, provSalt []byte) ([]byte, error) {
	return K1(dhKey, provSalt, labelSessionKey)
}

// SessionNonce returns the 13 least significant octets of
// k1(ECDHSecret, ProvisioningSalt, "prsn").
func SessionNonce(dhKey, provSalt []byte) ([]byte, error) {
	k, err := K1(dhKey, provSalt, labelSessionNonce)
	if err != nil {
		return nil, err
	}
	return k[CMACSize-NonceSize:], nil
}

// DeviceKey returns k1(ECDHSecret, ProvisioningSalt, "prdk").
func DeviceKey(dhKey, provSalt []byte) ([]byte, error) {
	return K1(dhKey, provSalt, labelDeviceKey)
}
