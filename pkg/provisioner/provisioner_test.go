package provisioner

import (
	"sync"
	"testing"
	"time"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/device"
	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTiming() pbadv.Timing {
	return pbadv.Timing{
		RetransmitInterval: 40 * time.Millisecond,
		TransactionTimeout: 3 * time.Second,
		LinkOpenTimeout:    3 * time.Second,
		CloseRetransmits:   3,
		CloseInterval:      10 * time.Millisecond,
		AdvCount:           1,
	}
}

const waitTimeout = 10 * time.Second

type linkClose struct {
	handle LinkHandle
	id     uuid.UUID
	reason prov.CloseReason
	err    error
}

type network struct {
	medium *bearer.Medium
	prov   *Provisioner

	opens  chan LinkHandle
	closes chan linkClose
	nodes  chan prov.NodeRecord
	resets chan prov.NodeRecord
	found  chan Discovery
}

func newNetwork(t *testing.T, cond bearer.NetworkCondition, modify func(c *Config)) *network {
	t.Helper()
	n := &network{
		medium: bearer.NewMedium(bearer.MediumConfig{Condition: cond, Seed: 3}),
		opens:  make(chan LinkHandle, 16),
		closes: make(chan linkClose, 16),
		nodes:  make(chan prov.NodeRecord, 16),
		resets: make(chan prov.NodeRecord, 16),
		found:  make(chan Discovery, 64),
	}
	t.Cleanup(func() { _ = n.medium.Close() })

	r, err := n.medium.NewRadio(bearer.RadioConfig{})
	require.NoError(t, err)

	config := Config{
		Bearer:                 r,
		NetKey:                 [16]byte{0x7d, 0xd7, 0x36, 0x4c},
		NetKeyIndex:            0x0123,
		IVIndex:                0x12345678,
		Timing:                 testTiming(),
		OnLinkOpen:             func(h LinkHandle, _ uuid.UUID) { n.opens <- h },
		OnLinkClose:            func(h LinkHandle, id uuid.UUID, reason prov.CloseReason, err error) { n.closes <- linkClose{h, id, reason, err} },
		OnProvisioningComplete: func(node prov.NodeRecord) { n.nodes <- node },
		OnNodeReset:            func(node prov.NodeRecord) { n.resets <- node },
		OnDeviceDiscovered: func(d Discovery) {
			select {
			case n.found <- d:
			default:
			}
		},
	}
	if modify != nil {
		modify(&config)
	}
	p, err := New(config)
	require.NoError(t, err)
	r.SetHandler(p.Handler())
	n.prov = p
	return n
}

type testDevice struct {
	*device.Device
	nodes chan prov.NodeRecord
}

func (n *network) addDevice(t *testing.T, id uuid.UUID, elements uint8, modify func(c *device.Config)) *testDevice {
	t.Helper()
	r, err := n.medium.NewRadio(bearer.RadioConfig{})
	require.NoError(t, err)
	td := &testDevice{nodes: make(chan prov.NodeRecord, 4)}
	config := device.Config{
		UUID:                   id,
		Capabilities:           prov.Capabilities{NumElements: elements, Algorithms: prov.AlgorithmP256},
		Bearer:                 r,
		BeaconInterval:         20 * time.Millisecond,
		Timing:                 testTiming(),
		OnProvisioningComplete: func(node prov.NodeRecord) { td.nodes <- node },
	}
	if modify != nil {
		modify(&config)
	}
	td.Device, err = device.New(config)
	require.NoError(t, err)
	r.SetHandler(td.Handler())
	t.Cleanup(func() { _ = td.Close() })
	return td
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		require.FailNow(t, "timed out waiting for "+what)
		var zero T
		return zero
	}
}

func TestProvisioner_Provision(t *testing.T) {
	t.Cleanup(test.CheckRoutines(t))

	n := newNetwork(t, bearer.NetworkCondition{}, nil)
	devA := n.addDevice(t, uuidA, 2, nil)
	devB := n.addDevice(t, uuidB, 3, nil)

	h, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	assert.Equal(t, bearer.KindADV, h.Bearer)
	assert.Equal(t, h, recv(t, n.opens, "link open"))

	nodeA := recv(t, n.nodes, "node A")
	devNodeA := recv(t, devA.nodes, "device A")
	assert.Equal(t, uint16(0x0001), nodeA.Address)
	assert.Equal(t, nodeA.DeviceKey, devNodeA.DeviceKey)
	assert.Equal(t, uint16(0x0123), devNodeA.NetKeyIndex)
	assert.Equal(t, uint32(0x12345678), devNodeA.IVIndex)

	c := recv(t, n.closes, "link close A")
	assert.Equal(t, prov.CloseSuccess, c.reason)
	assert.NoError(t, c.err)
	assert.Equal(t, uuidA, c.id)

	_, err = n.prov.Provision(uuidB)
	require.NoError(t, err)
	nodeB := recv(t, n.nodes, "node B")
	assert.Equal(t, uint16(0x0003), nodeB.Address)
	recv(t, devB.nodes, "device B")
	recv(t, n.closes, "link close B")

	nodes := n.prov.Nodes()
	require.Len(t, nodes, 2)
	got, ok := n.prov.Node(0x0005)
	require.True(t, ok)
	assert.Equal(t, uuidB, got.UUID)
	assert.Empty(t, n.prov.ActiveLinks())

	require.NoError(t, n.prov.Close())
	_ = devA.Close()
	_ = devB.Close()
	_ = n.medium.Close()
}

func TestProvisioner_LossyMedium(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{
		DropRate:      0.2,
		DuplicateRate: 0.1,
		DelayMax:      5 * time.Millisecond,
	}, nil)
	dev := n.addDevice(t, uuidA, 1, nil)

	_, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	node := recv(t, n.nodes, "node")
	assert.Equal(t, node.DeviceKey, recv(t, dev.nodes, "device").DeviceKey)
}

func TestProvisioner_DeviceBusy(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, nil)

	h, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	_, err = n.prov.Provision(uuidA)
	assert.ErrorIs(t, err, ErrDeviceBusy)

	links := n.prov.ActiveLinks()
	require.Len(t, links, 1)
	assert.Equal(t, h, links[0].Handle)
	assert.Equal(t, uuidA, links[0].UUID)
	assert.NotZero(t, links[0].LinkID)
}

func TestProvisioner_LinkPool(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) { c.ADVLinks = 1 })

	h, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	_, err = n.prov.Provision(uuidB)
	assert.ErrorIs(t, err, prov.ErrOutOfResources)

	require.NoError(t, n.prov.Cancel(h))
	c := recv(t, n.closes, "cancelled link")
	assert.Equal(t, prov.CloseFail, c.reason)
	assert.ErrorIs(t, c.err, prov.ErrLinkClosed)

	assert.ErrorIs(t, n.prov.Cancel(h), ErrUnknownLink)
	assert.ErrorIs(t, n.prov.InputNumber(h, 1), ErrUnknownLink)

	h2, err := n.prov.Provision(uuidB)
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	assert.ErrorIs(t, n.prov.Cancel(h), ErrUnknownLink, "stale handle after slot reuse")
}

func TestProvisioner_ResetNode(t *testing.T) {
	var (
		mu      sync.Mutex
		cleared [][2]int
	)
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) {
		c.Addresses = RegistryConfig{BaseAddress: 0x0100}
		c.RPL = RPLFunc(func(first uint16, count uint8) {
			mu.Lock()
			defer mu.Unlock()
			cleared = append(cleared, [2]int{int(first), int(count)})
		})
	})
	n.addDevice(t, uuidA, 3, nil)

	_, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	node := recv(t, n.nodes, "node")
	require.Equal(t, uint16(0x0100), node.Address)

	require.NoError(t, n.prov.ResetNode(0x0100))
	assert.Equal(t, uuidA, recv(t, n.resets, "reset").UUID)
	mu.Lock()
	assert.Equal(t, [][2]int{{0x0100, 3}}, cleared)
	mu.Unlock()
	assert.Empty(t, n.prov.Nodes())
	assert.ErrorIs(t, n.prov.ResetNode(0x0100), ErrUnknownNode)
}

func TestProvisioner_OutputOOB(t *testing.T) {
	handles := make(chan LinkHandle, 1)
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) {
		c.AuthMethod = prov.AuthOutput
		c.OnInputRequest = func(h LinkHandle, _ prov.InputRequest) { handles <- h }
	})
	numbers := make(chan uint32, 1)
	n.addDevice(t, uuidA, 1, func(c *device.Config) {
		c.Capabilities.OutputOOBSize = 6
		c.Capabilities.OutputActions = prov.OutputActionsOf(prov.OutputNumeric)
		c.OnOutputNumber = func(_ prov.OutputAction, v uint32) { numbers <- v }
	})

	h, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	handle := recv(t, handles, "input request")
	assert.Equal(t, h, handle)

	require.NoError(t, n.prov.InputNumber(handle, recv(t, numbers, "device output")))
	recv(t, n.nodes, "node")
}

func TestProvisioner_StaticOOBMismatch(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) {
		c.AuthMethod = prov.AuthStatic
		c.StaticOOB = []byte{1, 2, 3, 4}
	})
	n.addDevice(t, uuidA, 1, func(c *device.Config) {
		c.Capabilities.StaticOOBType = prov.StaticOOBAvailable
		c.StaticOOB = []byte{1, 2, 3, 5}
	})

	_, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	c := recv(t, n.closes, "failed link")
	assert.Equal(t, prov.CloseFail, c.reason)
	assert.ErrorIs(t, c.err, prov.ErrConfirmationFailed)
	assert.Empty(t, n.prov.Nodes())

	// No Data was sent, so nothing was allocated.
	assert.Equal(t, uint32(0x0001), n.prov.Registry().Cursor())
	_, ok := n.prov.Registry().Assigned(uuidA)
	assert.False(t, ok)
}

func TestProvisioner_FailedLinkKeepsAddresses(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) {
		c.AuthMethod = prov.AuthStatic
		c.StaticOOB = []byte{1, 2, 3, 4}
	})
	n.addDevice(t, uuidA, 4, func(c *device.Config) {
		c.Capabilities.StaticOOBType = prov.StaticOOBAvailable
		c.StaticOOB = []byte{1, 2, 3, 5}
	})
	devB := n.addDevice(t, uuidB, 2, func(c *device.Config) {
		c.Capabilities.StaticOOBType = prov.StaticOOBAvailable
		c.StaticOOB = []byte{1, 2, 3, 4}
	})

	_, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	c := recv(t, n.closes, "failed link")
	require.Equal(t, uuidA, c.id)
	assert.ErrorIs(t, c.err, prov.ErrConfirmationFailed)

	_, err = n.prov.Provision(uuidB)
	require.NoError(t, err)
	node := recv(t, n.nodes, "node B")
	assert.Equal(t, uuidB, node.UUID)
	assert.Equal(t, uint16(0x0001), node.Address)
	assert.Equal(t, uint16(0x0001), recv(t, devB.nodes, "device B").Address)
	assert.Equal(t, uint32(0x0003), n.prov.Registry().Cursor())
}

func TestProvisioner_AutoProvision(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) {
		c.Filter = &UUIDFilter{Value: []byte{0xa0}}
	})
	devA := n.addDevice(t, uuidA, 1, nil)
	devB := n.addDevice(t, uuidB, 1, nil)
	require.NoError(t, devA.Start())
	require.NoError(t, devB.Start())

	node := recv(t, n.nodes, "auto-provisioned node")
	assert.Equal(t, uuidA, node.UUID)
	assert.Equal(t, node.Address, recv(t, devA.nodes, "device A").Address)

	seenB := false
	deadline := time.After(waitTimeout)
	for !seenB {
		select {
		case d := <-n.found:
			seenB = d.UUID == uuidB && !d.Connectable
		case <-deadline:
			require.FailNow(t, "device B never discovered")
		}
	}
	assert.False(t, devB.Provisioned())
}

func TestProvisioner_GATT(t *testing.T) {
	t.Cleanup(test.CheckRoutines(t))

	n := newNetwork(t, bearer.NetworkCondition{}, func(c *Config) { c.MTU = 33 })
	dev := n.addDevice(t, uuidC, 4, func(c *device.Config) { c.Bearer = nil; c.MTU = 33 })

	pipe := bearer.NewPipe()
	require.NoError(t, dev.AcceptGATT(pipe.Conn1()))
	h, err := n.prov.ProvisionGATT(uuidC, pipe.Conn0())
	require.NoError(t, err)
	assert.Equal(t, bearer.KindGATT, h.Bearer)

	node := recv(t, n.nodes, "node")
	assert.Equal(t, uint8(4), node.Elements)
	assert.Equal(t, node.DeviceKey, recv(t, dev.nodes, "device").DeviceKey)
	c := recv(t, n.closes, "link close")
	assert.Equal(t, prov.CloseSuccess, c.reason)
	assert.Equal(t, bearer.KindGATT, c.handle.Bearer)

	_ = pipe.Close()
	_ = dev.Close()
	require.NoError(t, n.prov.Close())
	_ = n.medium.Close()
}

func TestProvisioner_Close(t *testing.T) {
	n := newNetwork(t, bearer.NetworkCondition{}, nil)

	_, err := n.prov.Provision(uuidA)
	require.NoError(t, err)
	require.NoError(t, n.prov.Close())
	assert.Equal(t, prov.CloseFail, recv(t, n.closes, "cancelled link").reason)

	_, err = n.prov.Provision(uuidB)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, n.prov.Close(), ErrClosed)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"key index", Config{NetKeyIndex: 0x1000}},
		{"negative links", Config{ADVLinks: -1}},
		{"static without value", Config{AuthMethod: prov.AuthStatic}},
		{"long static", Config{StaticOOB: make([]byte, 17)}},
		{"address range", Config{Addresses: RegistryConfig{BaseAddress: 0x9000}}},
		{"filter", Config{Filter: &UUIDFilter{Offset: 16, Value: []byte{1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			assert.ErrorIs(t, err, prov.ErrInvalidConfig)
		})
	}

	p, err := New(Config{})
	require.NoError(t, err)
	_, err = p.Provision(uuidA)
	assert.ErrorIs(t, err, ErrNoBearer)
}
