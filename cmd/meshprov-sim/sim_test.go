package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/backkem/meshprov/pkg/config"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile(t *testing.T, extra string) *config.Profile {
	t.Helper()
	p, err := config.Parse([]byte(`
timing:
  retransmit_interval: 40ms
  transaction_timeout: 3s
  link_open_timeout: 3s
  timeout: 5s
log_level: disabled
` + extra))
	require.NoError(t, err)
	return p
}

func runSimulation(t *testing.T, p *config.Profile) *result {
	t.Helper()
	s, err := newSimulation(p, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Run(ctx)
}

func TestSimulation(t *testing.T) {
	tests := []struct {
		name    string
		profile string
	}{
		{"no oob", "simulation:\n  devices: 3\n  elements: 2\n"},
		{"output oob", "auth:\n  method: output\nsimulation:\n  devices: 2\n"},
		{"input oob", "auth:\n  method: input\nsimulation:\n  devices: 2\n"},
		{"static oob", "auth:\n  method: static\n  static_oob: 0102030405060708\nsimulation:\n  devices: 2\n"},
		{"lossy", "simulation:\n  devices: 2\n  drop: 0.1\n  duplicate: 0.1\n  seed: 5\n"},
		{"gatt", "links:\n  mtu: 33\nsimulation:\n  devices: 2\n  gatt: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testProfile(t, tt.profile)
			res := runSimulation(t, p)

			var out bytes.Buffer
			res.Print(&out)
			require.False(t, res.Failed(), out.String())
			require.Len(t, res.Nodes, p.Simulation.Devices)
			assert.Contains(t, out.String(), fmt.Sprintf("%d/%d devices provisioned", p.Simulation.Devices, p.Simulation.Devices))

			next := uint16(0x0001)
			for _, n := range res.Nodes {
				assert.Equal(t, next, n.Address, "addresses are handed out back to back")
				next = n.LastAddress() + 1
			}
		})
	}
}

func TestSimulation_AddressExhausted(t *testing.T) {
	p := testProfile(t, "addresses:\n  base: 0x0001\n  max: 0x0002\nsimulation:\n  devices: 2\n  elements: 2\n")
	res := runSimulation(t, p)
	assert.True(t, res.Failed())
	assert.Len(t, res.Nodes, 1)

	var failed []deviceResult
	for _, d := range res.Devices {
		if d.Node == nil {
			failed = append(failed, d)
		}
	}
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, prov.ErrAddressExhausted)
}

func TestLoadProfile_Flags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o, err := parseFlags(fs, []string{"-devices", "7", "-oob", "static", "-drop", "0.2", "-fast", "-gatt", "-log-level", "warn"})
	require.NoError(t, err)
	p, err := loadProfile(fs, o)
	require.NoError(t, err)

	assert.Equal(t, 7, p.Simulation.Devices)
	assert.Equal(t, "static", p.Auth.Method)
	assert.Len(t, p.Auth.StaticOOB, prov.AuthValueSize, "static value generated")
	assert.InDelta(t, 0.2, p.Simulation.Drop, 1e-9)
	assert.Equal(t, config.TimingFast, p.Timing.Profile)
	assert.True(t, p.Simulation.GATT)
	assert.Equal(t, "warn", p.LogLevel)

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	o, err = parseFlags(fs, []string{"-oob", "carrier-pigeon"})
	require.NoError(t, err)
	_, err = loadProfile(fs, o)
	assert.ErrorIs(t, err, config.ErrInvalidProfile)
}

func TestResult_Print(t *testing.T) {
	r := &result{
		Nodes: []prov.NodeRecord{{Elements: 2, ProvisioningData: prov.ProvisioningData{Address: 0x0010}}},
		Devices: []deviceResult{
			{Node: &prov.NodeRecord{}},
			{Err: prov.ErrTimeout},
		},
	}
	var out bytes.Buffer
	r.Print(&out)
	assert.True(t, r.Failed())
	assert.True(t, strings.Contains(out.String(), "0x0010-0x0011"))
	assert.Contains(t, out.String(), "FAILED")
	assert.Contains(t, out.String(), "1/2 devices provisioned")
}
