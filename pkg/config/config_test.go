package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProfile = `
network:
  net_key: "7dd7364c d842ad18 c17c2b82 0c84c3d6"
  net_key_index: 0x123
  iv_index: 0x12345678
  iv_update: true
addresses:
  base: 0x0100
  max: 0x01ff
links:
  adv: 2
  gatt: 1
  mtu: 69
auth:
  method: static
  static_oob: "00112233445566778899aabbccddeeff"
  attention: 5
timing:
  profile: fast
  link_open_timeout: 10s
  timeout: 30s
filter:
  offset: 0
  value: "dd"
simulation:
  devices: 4
  elements: 2
  oob: static
  drop: 0.1
log_level: debug
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	require.NoError(t, err)

	c, err := p.ProvisionerConfig()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7d), c.NetKey[0])
	assert.Equal(t, byte(0xd6), c.NetKey[15])
	assert.Equal(t, uint16(0x123), c.NetKeyIndex)
	assert.Equal(t, uint32(0x12345678), c.IVIndex)
	assert.Equal(t, prov.FlagIVUpdate, c.Flags)
	assert.Equal(t, uint16(0x0100), c.Addresses.BaseAddress)
	assert.Equal(t, uint16(0x01ff), c.Addresses.MaxAddress)
	assert.Equal(t, 2, c.ADVLinks)
	assert.Equal(t, 69, c.MTU)
	assert.Equal(t, prov.AuthStatic, c.AuthMethod)
	assert.Len(t, c.StaticOOB, 16)
	assert.Equal(t, uint8(5), c.Attention)
	assert.Equal(t, 30*time.Second, c.Timeout)
	require.NotNil(t, c.Filter)
	assert.Equal(t, []byte{0xdd}, c.Filter.Value)

	fast := pbadv.FastTiming()
	assert.Equal(t, fast.RetransmitInterval, c.Timing.RetransmitInterval)
	assert.Equal(t, 10*time.Second, c.Timing.LinkOpenTimeout)
	assert.Equal(t, fast.TransactionTimeout, c.Timing.TransactionTimeout)

	assert.Equal(t, 4, p.Simulation.Devices)
	assert.Equal(t, uint8(2), p.Simulation.Elements)
	assert.InDelta(t, 0.1, p.Simulation.Drop, 1e-9)
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())

	c, err := p.ProvisionerConfig()
	require.NoError(t, err)
	assert.Equal(t, prov.AuthNoOOB, c.AuthMethod)
	assert.Equal(t, uint16(0x0001), c.Addresses.BaseAddress)
	assert.Equal(t, prov.MaxUnicastAddress, c.Addresses.MaxAddress)
	assert.Equal(t, pbadv.DefaultTiming(), c.Timing)
	assert.Equal(t, prov.DefaultTimeout, c.Timeout)
	assert.Equal(t, 1, p.Simulation.Devices)
	assert.Equal(t, "none", p.Simulation.OOB)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, p, empty)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "bogus: 1\n"},
		{"bad hex", "network:\n  net_key: zz\n"},
		{"short key", "network:\n  net_key: 0011\n"},
		{"auth method", "auth:\n  method: telepathy\n"},
		{"static without value", "auth:\n  method: static\n"},
		{"timer profile", "timing:\n  profile: slow\n"},
		{"log level", "log_level: loud\n"},
		{"range", "addresses:\n  base: 0x0200\n  max: 0x0100\n"},
		{"key index", "network:\n  net_key_index: 0x1000\n"},
		{"drop rate", "simulation:\n  drop: 1.5\n"},
		{"filter", "filter:\n  offset: 16\n  value: aa\n"},
		{"not a mapping", "- 1\n- 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleProfile), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Timing.Profile)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	p, err := Parse([]byte(sampleProfile))
	require.NoError(t, err)
	data, err := p.Marshal()
	require.NoError(t, err)
	again, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestParseLogLevel(t *testing.T) {
	l, err := ParseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelDebug, l)
	assert.NotNil(t, Default().LoggerFactory().NewLogger("test"))
}
