package prov

import (
	"bytes"
	"errors"
	"testing"
)

func TestConfirmationInputs(t *testing.T) {
	var c ConfirmationInputs
	invite := []byte{0x05}
	caps := Capabilities{NumElements: 1, Algorithms: AlgorithmP256}.Marshal()
	start := Start{}.Marshal()
	provKey := bytes.Repeat([]byte{0x11}, 64)
	devKey := bytes.Repeat([]byte{0x22}, 64)

	if _, err := c.Bytes(); !errors.Is(err, ErrUnexpected) {
		t.Errorf("Bytes() on empty inputs = %v, want ErrUnexpected", err)
	}

	// Sections may arrive in any order; the layout is fixed.
	for _, set := range []func() error{
		func() error { return c.SetDeviceKey(devKey) },
		func() error { return c.SetInvite(invite) },
		func() error { return c.SetStart(start) },
		func() error { return c.SetCapabilities(caps) },
		func() error { return c.SetProvisionerKey(provKey) },
	} {
		if err := set(); err != nil {
			t.Fatal(err)
		}
	}
	if !c.Complete() {
		t.Fatal("Complete() = false")
	}

	b, err := c.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != ConfirmationInputsSize || ConfirmationInputsSize != 145 {
		t.Fatalf("len = %d, want 145", len(b))
	}
	for _, s := range []struct {
		off  int
		want []byte
	}{
		{ConfInviteOffset, invite},
		{ConfCapabilitiesOffset, caps},
		{ConfStartOffset, start},
		{ConfProvisionerKeyOffset, provKey},
		{ConfDeviceKeyOffset, devKey},
	} {
		if !bytes.Equal(b[s.off:s.off+len(s.want)], s.want) {
			t.Errorf("section at %d = %x, want %x", s.off, b[s.off:s.off+len(s.want)], s.want)
		}
	}

	if err := c.SetInvite(invite); !errors.Is(err, ErrUnexpected) {
		t.Errorf("second SetInvite() = %v, want ErrUnexpected", err)
	}
	c.Reset()
	if c.Complete() {
		t.Error("Complete() after Reset")
	}
	if err := c.SetStart([]byte{0x00}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("short SetStart() = %v, want ErrInvalidFormat", err)
	}
}
