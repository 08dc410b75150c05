package provisioner

import (
	"testing"

	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	uuidA = uuid.MustParse("a0000000-0000-4000-8000-000000000001")
	uuidB = uuid.MustParse("b0000000-0000-4000-8000-000000000002")
	uuidC = uuid.MustParse("c0000000-0000-4000-8000-000000000003")
)

func newTestRegistry(t *testing.T, base, last uint16) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{BaseAddress: base, MaxAddress: last})
	require.NoError(t, err)
	return r
}

func TestRegistry_AllocateSequential(t *testing.T) {
	r := newTestRegistry(t, 0x0010, 0x7fff)

	a, err := r.Allocate(uuidA, 3)
	require.NoError(t, err)
	b, err := r.Allocate(uuidB, 1)
	require.NoError(t, err)
	c, err := r.Allocate(uuidC, 2)
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0010), a)
	assert.Equal(t, uint16(0x0013), b)
	assert.Equal(t, uint16(0x0014), c)
	assert.Equal(t, uint32(0x0016), r.Cursor())
}

func TestRegistry_Ledger(t *testing.T) {
	r := newTestRegistry(t, 0x0001, 0x7fff)

	first, err := r.Allocate(uuidA, 2)
	require.NoError(t, err)
	again, err := r.Allocate(uuidA, 2)
	require.NoError(t, err)
	assert.Equal(t, first, again, "retry reuses the ledger entry")

	fewer, err := r.Allocate(uuidA, 1)
	require.NoError(t, err)
	assert.Equal(t, first, fewer)

	more, err := r.Allocate(uuidA, 3)
	require.NoError(t, err)
	assert.NotEqual(t, first, more, "larger device needs a fresh range")

	addr, ok := r.Assigned(uuidA)
	require.True(t, ok)
	assert.Equal(t, more, addr)

	r.Forget(uuidA)
	_, ok = r.Assigned(uuidA)
	assert.False(t, ok)
	fresh, err := r.Allocate(uuidA, 3)
	require.NoError(t, err)
	assert.Greater(t, fresh, more, "addresses are never handed out twice")
}

func TestRegistry_Exhausted(t *testing.T) {
	r := newTestRegistry(t, 0x7ffd, 0x7fff)

	_, err := r.Allocate(uuidA, 2)
	require.NoError(t, err)
	_, err = r.Allocate(uuidB, 2)
	assert.ErrorIs(t, err, prov.ErrAddressExhausted)

	last, err := r.Allocate(uuidB, 1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x7fff), last)

	_, err = r.Allocate(uuidC, 0)
	assert.ErrorIs(t, err, prov.ErrInvalidFormat)
}

func TestRegistry_CheckDoesNotCommit(t *testing.T) {
	r := newTestRegistry(t, 0x0010, 0x0013)

	require.NoError(t, r.Check(uuidA, 4))
	require.NoError(t, r.Check(uuidA, 4))
	assert.Equal(t, uint32(0x0010), r.Cursor())
	_, ok := r.Assigned(uuidA)
	assert.False(t, ok)

	assert.ErrorIs(t, r.Check(uuidA, 5), prov.ErrAddressExhausted)
	assert.ErrorIs(t, r.Check(uuidA, 0), prov.ErrInvalidFormat)

	addr, err := r.Allocate(uuidB, 4)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0010), addr)
	assert.ErrorIs(t, r.Check(uuidA, 1), prov.ErrAddressExhausted)
	assert.NoError(t, r.Check(uuidB, 2), "ledger entries stay assignable")
}

func TestRegistry_Nodes(t *testing.T) {
	r := newTestRegistry(t, 0x0001, 0x7fff)
	a := prov.NodeRecord{UUID: uuidA, Elements: 3, ProvisioningData: prov.ProvisioningData{Address: 0x0004}}
	b := prov.NodeRecord{UUID: uuidB, Elements: 1, ProvisioningData: prov.ProvisioningData{Address: 0x0001}}
	r.AddNode(a)
	r.AddNode(b)

	nodes := r.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, uint16(0x0001), nodes[0].Address)
	assert.Equal(t, uint16(0x0004), nodes[1].Address)

	n, ok := r.Node(0x0006)
	require.True(t, ok, "lookup by secondary element")
	assert.Equal(t, uuidA, n.UUID)
	_, ok = r.Node(0x0007)
	assert.False(t, ok)

	moved := a
	moved.Address = 0x0020
	r.AddNode(moved)
	_, ok = r.Node(0x0004)
	assert.False(t, ok, "re-provisioned device keeps one record")
	assert.Len(t, r.Nodes(), 2)

	_, err := r.Remove(0x0021)
	assert.ErrorIs(t, err, ErrUnknownNode, "remove by secondary address")
	removed, err := r.Remove(0x0020)
	require.NoError(t, err)
	assert.Equal(t, uuidA, removed.UUID)
	assert.Len(t, r.Nodes(), 1)
}

func TestRegistryConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		config RegistryConfig
	}{
		{"base above max", RegistryConfig{BaseAddress: 0x0100, MaxAddress: 0x00ff}},
		{"group base", RegistryConfig{BaseAddress: 0xc000, MaxAddress: 0xc001}},
		{"group max", RegistryConfig{BaseAddress: 0x0001, MaxAddress: 0x8000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.config)
			assert.ErrorIs(t, err, prov.ErrInvalidConfig)
		})
	}

	r, err := NewRegistry(RegistryConfig{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0001), r.Cursor())
}

func TestRPLFunc(t *testing.T) {
	var first uint16
	var count uint8
	var rpl RPL = RPLFunc(func(f uint16, c uint8) { first, count = f, c })
	rpl.ClearRange(0x0042, 3)
	assert.Equal(t, uint16(0x0042), first)
	assert.Equal(t, uint8(3), count)
}

func TestUUIDFilter(t *testing.T) {
	id := uuid.MustParse("deadbeef-0000-4000-8000-0000000000aa")
	tests := []struct {
		name   string
		filter UUIDFilter
		valid  bool
		match  bool
	}{
		{"prefix", UUIDFilter{Value: []byte{0xde, 0xad}}, true, true},
		{"suffix", UUIDFilter{Offset: 15, Value: []byte{0xaa}}, true, true},
		{"mismatch", UUIDFilter{Offset: 1, Value: []byte{0xde}}, true, false},
		{"empty", UUIDFilter{}, false, false},
		{"past end", UUIDFilter{Offset: 15, Value: []byte{0xaa, 0xbb}}, false, false},
		{"negative", UUIDFilter{Offset: -1, Value: []byte{0xde}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, prov.ErrInvalidConfig)
			}
			assert.Equal(t, tt.match, tt.filter.Match(id))
		})
	}
}
