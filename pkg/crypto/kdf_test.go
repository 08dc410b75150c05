package crypto

import (
	"bytes"
	"testing"
)

// Mesh Profile 8.1.1 and 8.1.2 sample data.
func TestS1_SampleData(t *testing.T) {
	got, err := S1([]byte("test"))
	if err != nil {
		t.Fatalf("S1: %v", err)
	}
	want := mustHex(t, "b73cefbd641ef2ea598c2b6efb62f79c")
	if !bytes.Equal(got, want) {
		t.Errorf("s1(test) = %x, want %x", got, want)
	}
}

func TestK1_SampleData(t *testing.T) {
	n := mustHex(t, "3216d1509884b533248541792b877f98")
	salt := mustHex(t, "2ba14ffa0df84a2831938d57d276cab4")
	p := mustHex(t, "5a09d60797eeb4478aada59db3352a0d")

	got, err := K1(n, salt, p)
	if err != nil {
		t.Fatalf("K1: %v", err)
	}
	want := mustHex(t, "f6ed15a8934afbe7d83e8dcb57fcf5d7")
	if !bytes.Equal(got, want) {
		t.Errorf("k1 = %x, want %x", got, want)
	}
}

func TestK1_MatchesDefinition(t *testing.T) {
	dh := bytes.Repeat([]byte{0xAB}, DHKeySize)
	salt := bytes.Repeat([]byte{0x01}, 16)

	got, err := SessionKey(dh, salt)
	if err != nil {
		t.Fatal(err)
	}
	tkey, _ := CMAC(salt, dh)
	want, _ := CMAC(tkey, []byte("prsk"))
	if !bytes.Equal(got, want) {
		t.Errorf("SessionKey = %x, want %x", got, want)
	}
}

func TestSessionNonce_Length(t *testing.T) {
	dh := bytes.Repeat([]byte{0x5A}, DHKeySize)
	salt := bytes.Repeat([]byte{0x02}, 16)

	nonce, err := SessionNonce(dh, salt)
	if err != nil {
		t.Fatal(err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), NonceSize)
	}
	full, _ := K1(dh, salt, []byte("prsn"))
	if !bytes.Equal(nonce, full[3:]) {
		t.Errorf("nonce = %x, want low 13 bytes of %x", nonce, full)
	}
}

// Both sides feed the same inputs in the same order, so the provisioner can
// recompute a device confirmation from the revealed random and vice versa.
func TestConfirmation_SwappedRoles(t *testing.T) {
	prov, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}
	dev, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatal(err)
	}

	inputs := make([]byte, 145)
	copy(inputs[17:], prov.PublicKey())
	copy(inputs[81:], dev.PublicKey())

	dhProv, err := prov.ECDH(dev.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	dhDev, err := dev.ECDH(prov.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dhProv, dhDev) {
		t.Fatal("ECDH secrets differ")
	}

	salt, _ := ConfirmationSalt(inputs)
	keyProv, _ := ConfirmationKey(dhProv, salt)
	keyDev, _ := ConfirmationKey(dhDev, salt)

	auth := make([]byte, 16)
	auth[15] = 42
	random := bytes.Repeat([]byte{0x77}, 16)

	devConfirm, _ := Confirmation(keyDev, random, auth)
	check, _ := Confirmation(keyProv, random, auth)
	if !bytes.Equal(devConfirm, check) {
		t.Errorf("recomputed confirmation %x != %x", check, devConfirm)
	}

	auth[15] = 43
	wrong, _ := Confirmation(keyProv, random, auth)
	if bytes.Equal(devConfirm, wrong) {
		t.Error("different auth value produced the same confirmation")
	}
}

// Mesh Profile 8.7 provisioning sample data, No OOB.
func TestProvisioning_SampleData(t *testing.T) {
	inputs := mustHex(t, "00"+
		"0100010000000000000000"+
		"0000000000"+
		"2c31a47b5779809ef44cb5eaaf5c3e43d5f8faad4a8794cb987e9b03745c78dd"+
		"919512183898dfbecd52e2408e43871fd021109117bd3ed4eaf8437743715d4f"+
		"f465e43ff23d3f1b9dc7dfc04da8758184dbc966204796eccf0d6cf5e16500cc"+
		"0201d048bcbbd899eeefc424164e33c201c2b010ca6b4d43a8a155cad8ecb279")
	dhKey := mustHex(t, "ab85843a2f6d883f62e5684b38e307335fe6e1945ecd19604105c6f23221eb69")
	provRandom := mustHex(t, "8b19ac31d58b124c946209b5db1021b9")
	devRandom := mustHex(t, "55a2a2bca04cd32ff6f346bd0a0c1a3a")
	auth := make([]byte, 16)

	check := func(name string, got []byte, err error, want string) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if w := mustHex(t, want); !bytes.Equal(got, w) {
			t.Errorf("%s = %x, want %x", name, got, w)
		}
	}

	confSalt, err := ConfirmationSalt(inputs)
	check("ConfirmationSalt", confSalt, err, "5faabe187337c71cc6c973369dcaa79a")
	confKey, err := ConfirmationKey(dhKey, confSalt)
	check("ConfirmationKey", confKey, err, "e31fe046c68ec339c425fc6629f0336f")
	got, err := Confirmation(confKey, provRandom, auth)
	check("ConfirmationProvisioner", got, err, "b38a114dfdca1fe153bd2c1e0dc46ac2")
	got, err = Confirmation(confKey, devRandom, auth)
	check("ConfirmationDevice", got, err, "eeba521c196b52cc2e37aa40329f554e")

	provSalt, err := ProvisioningSalt(confSalt, provRandom, devRandom)
	check("ProvisioningSalt", provSalt, err, "a21c7d45f201cf9489a2fb57145015b4")
	sessionKey, err := SessionKey(dhKey, provSalt)
	check("SessionKey", sessionKey, err, "c80253af86b33dfa450bbdb2a191fea3")
	nonce, err := SessionNonce(dhKey, provSalt)
	check("SessionNonce", nonce, err, "da7ddbe78b5f62b81d6847487e")
	got, err = DeviceKey(dhKey, provSalt)
	check("DeviceKey", got, err, "0520adad5e0142aa3e325087b4ec16d8")

	p := NewProvider()
	data := mustHex(t, "efb2255e6422d330088e09bb015ed707056700010203040b0c")
	enc, err := p.EncryptData(sessionKey, nonce, data)
	check("EncryptData", enc, err, "d0bd7f4a89a2ff6222af59a90a60ad58acfe3123356f5cec2973e0ec50783b10c7")
	plain, err := p.DecryptData(sessionKey, nonce, enc)
	check("DecryptData", plain, err, "efb2255e6422d330088e09bb015ed707056700010203040b0c")
}
