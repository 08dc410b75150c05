package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/backkem/meshprov/pkg/bearer"
	"github.com/backkem/meshprov/pkg/config"
	"github.com/backkem/meshprov/pkg/device"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/provisioner"
	"github.com/backkem/meshprov/pkg/trace"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// maxAttempts bounds the links opened to one device.
const maxAttempts = 3

// beaconInterval spaces the beacons of simulated devices.
const beaconInterval = 100 * time.Millisecond

// oobDigits is the size of numeric OOB values.
const oobDigits = 4

type simDevice struct {
	*device.Device

	attempts int
	active   bool
	done     bool
	node     *prov.NodeRecord
	lastErr  error
	pipe     *bearer.Pipe
}

type simulation struct {
	profile *config.Profile
	prompt  *prompter
	factory logging.LoggerFactory
	log     logging.LeveledLogger
	oob     prov.AuthMethod

	medium *bearer.Medium
	tracer *trace.FileLogger
	prov   *provisioner.Provisioner
	broker *oobBroker

	mu        sync.Mutex
	devices   map[uuid.UUID]*simDevice
	order     []uuid.UUID
	remaining int
	done      chan struct{}
}

func newSimulation(profile *config.Profile, prompt *prompter) (*simulation, error) {
	oob, err := config.ParseAuthMethod(profile.Simulation.OOB)
	if err != nil {
		return nil, err
	}
	s := &simulation{
		profile: profile,
		prompt:  prompt,
		factory: profile.LoggerFactory(),
		oob:     oob,
		broker:  newOOBBroker(),
		devices: make(map[uuid.UUID]*simDevice),
		done:    make(chan struct{}),
	}
	if prompt != nil {
		s.factory = prompt.LoggerFactory(profile.LogLevel)
	}
	s.log = s.factory.NewLogger("sim")

	s.medium = bearer.NewMedium(bearer.MediumConfig{
		Condition: bearer.NetworkCondition{
			DropRate:      profile.Simulation.Drop,
			DuplicateRate: profile.Simulation.Duplicate,
			DelayMax:      profile.Simulation.DelayMax,
		},
		Seed:          profile.Simulation.Seed,
		LoggerFactory: s.factory,
	})

	var tl trace.Logger
	if profile.Trace != "" {
		if s.tracer, err = trace.NewFileLogger(profile.Trace); err != nil {
			_ = s.medium.Close()
			return nil, fmt.Errorf("open trace: %w", err)
		}
		tl = s.tracer
	}

	if err := s.setupProvisioner(tl); err != nil {
		s.shutdown()
		return nil, err
	}
	for i := 0; i < profile.Simulation.Devices; i++ {
		if err := s.addDevice(tl); err != nil {
			s.shutdown()
			return nil, err
		}
	}
	s.remaining = len(s.order)
	if s.remaining == 0 {
		close(s.done)
	}
	return s, nil
}

func (s *simulation) setupProvisioner(tl trace.Logger) error {
	radio, err := s.medium.NewRadio(bearer.RadioConfig{})
	if err != nil {
		return err
	}
	pc, err := s.profile.ProvisionerConfig()
	if err != nil {
		return err
	}
	pc.Bearer = radio
	pc.LoggerFactory = s.factory
	pc.Trace = tl
	pc.OnDeviceDiscovered = s.discovered
	pc.OnProvisioningComplete = s.provisioned
	pc.OnLinkClose = func(_ provisioner.LinkHandle, id uuid.UUID, reason prov.CloseReason, err error) {
		s.linkClosed(id, reason, err)
	}
	pc.OnInputRequest = s.provisionerInput
	pc.OnOutput = s.provisionerOutput

	if s.prov, err = provisioner.New(pc); err != nil {
		return err
	}
	radio.SetHandler(s.prov.Handler())
	return nil
}

func (s *simulation) capabilities() prov.Capabilities {
	caps := prov.Capabilities{
		NumElements: s.profile.Simulation.Elements,
		Algorithms:  prov.AlgorithmP256,
	}
	switch s.oob {
	case prov.AuthStatic:
		caps.StaticOOBType = prov.StaticOOBAvailable
	case prov.AuthOutput:
		caps.OutputOOBSize = oobDigits
		caps.OutputActions = prov.OutputActionsOf(prov.OutputNumeric)
	case prov.AuthInput:
		caps.InputOOBSize = oobDigits
		caps.InputActions = prov.InputActionsOf(prov.InputNumeric)
	}
	return caps
}

func (s *simulation) addDevice(tl trace.Logger) error {
	radio, err := s.medium.NewRadio(bearer.RadioConfig{})
	if err != nil {
		return err
	}
	id := uuid.New()
	sd := &simDevice{}
	sd.Device, err = device.New(device.Config{
		UUID:           id,
		Capabilities:   s.capabilities(),
		StaticOOB:      s.profile.Auth.StaticOOB,
		Bearer:         radio,
		BeaconInterval: beaconInterval,
		GATT:           s.profile.Simulation.GATT,
		MTU:            s.profile.Links.MTU,
		Timing:         s.profile.PBADVTiming(),
		Timeout:        s.profile.Timing.Timeout,
		OnOutputNumber: func(_ prov.OutputAction, n uint32) {
			s.deviceOutput(id, n)
		},
		OnInputRequest: func(req prov.InputRequest) {
			s.deviceInput(sd, req)
		},
		LoggerFactory: s.factory,
		Trace:         tl,
	})
	if err != nil {
		_ = radio.Close()
		return err
	}
	radio.SetHandler(sd.Handler())
	s.devices[id] = sd
	s.order = append(s.order, id)
	return nil
}

// Run provisions every device and shuts the simulation down.
func (s *simulation) Run(ctx context.Context) *result {
	timing := s.profile.PBADVTiming()
	limit := time.Duration(maxAttempts) * (timing.LinkOpenTimeout + s.profile.Timing.Timeout)
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	for _, id := range s.order {
		if err := s.devices[id].Start(); err != nil {
			s.log.Warnf("device %s: %v", id, err)
		}
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Warnf("stopping: %v", ctx.Err())
	}
	s.shutdown()
	return s.result()
}

func (s *simulation) shutdown() {
	if s.prov != nil {
		_ = s.prov.Close()
	}
	for _, id := range s.order {
		_ = s.devices[id].Close()
	}
	s.mu.Lock()
	var pipes []*bearer.Pipe
	for _, sd := range s.devices {
		if sd.pipe != nil {
			pipes = append(pipes, sd.pipe)
			sd.pipe = nil
		}
	}
	s.mu.Unlock()
	for _, p := range pipes {
		_ = p.Close()
	}
	_ = s.medium.Close()
	if s.tracer != nil {
		_ = s.tracer.Close()
	}
}

// discovered starts a link to a simulated device seen advertising. Devices
// whose link could not be admitted are retried on their next beacon.
func (s *simulation) discovered(d provisioner.Discovery) {
	s.mu.Lock()
	sd := s.devices[d.UUID]
	if sd == nil || sd.active || sd.done || d.Connectable != s.profile.Simulation.GATT {
		s.mu.Unlock()
		return
	}
	sd.active = true
	sd.attempts++
	attempt := sd.attempts
	s.mu.Unlock()

	s.log.Infof("device %s discovered (rssi %d), attempt %d", d.UUID, d.RSSI, attempt)
	var err error
	if d.Connectable {
		err = s.connect(sd)
	} else {
		_, err = s.prov.Provision(d.UUID)
	}
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sd.active = false
	if errors.Is(err, prov.ErrOutOfResources) || errors.Is(err, provisioner.ErrDeviceBusy) {
		sd.attempts--
		return
	}
	sd.lastErr = err
	if sd.attempts >= maxAttempts {
		s.finishLocked(sd)
	}
}

// connect provisions sd over a fresh PB-GATT connection.
func (s *simulation) connect(sd *simDevice) error {
	pipe := bearer.NewPipeWithConfig(bearer.PipeConfig{})
	if _, err := s.prov.ProvisionGATT(sd.UUID(), pipe.Conn0()); err != nil {
		_ = pipe.Close()
		return err
	}
	s.mu.Lock()
	sd.pipe = pipe
	s.mu.Unlock()
	if err := sd.AcceptGATT(pipe.Conn1()); err != nil {
		// Closing the pipe fails the provisioner's link.
		s.mu.Lock()
		sd.pipe = nil
		s.mu.Unlock()
		_ = pipe.Close()
		s.log.Warnf("device %s: accept: %v", sd.UUID(), err)
	}
	return nil
}

func (s *simulation) provisioned(node prov.NodeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sd := s.devices[node.UUID]; sd != nil {
		sd.node = &node
	}
}

func (s *simulation) linkClosed(id uuid.UUID, reason prov.CloseReason, err error) {
	s.broker.forget(id)

	s.mu.Lock()
	sd := s.devices[id]
	if sd == nil {
		s.mu.Unlock()
		return
	}
	sd.active = false
	pipe := sd.pipe
	sd.pipe = nil
	switch {
	case sd.node != nil:
		s.finishLocked(sd)
	case sd.Provisioned():
		// The device took its configuration but the provisioner never
		// saw Complete. It no longer beacons, so there is no retry.
		sd.lastErr = fmt.Errorf("device provisioned, provisioner link closed: %v", err)
		s.finishLocked(sd)
	default:
		if err == nil {
			err = fmt.Errorf("link closed: %s", reason)
		}
		sd.lastErr = err
		if sd.attempts >= maxAttempts {
			s.finishLocked(sd)
		}
	}
	s.mu.Unlock()

	if pipe != nil {
		go func() { _ = pipe.Close() }()
	}
}

func (s *simulation) finishLocked(sd *simDevice) {
	if sd.done {
		return
	}
	sd.done = true
	s.remaining--
	if s.remaining == 0 {
		close(s.done)
	}
}

// uuidOf returns the device at the other end of a provisioner link.
func (s *simulation) uuidOf(h provisioner.LinkHandle) (uuid.UUID, bool) {
	for _, l := range s.prov.ActiveLinks() {
		if l.Handle == h {
			return l.UUID, true
		}
	}
	return uuid.Nil, false
}

// Output OOB: the device shows a number the provisioner must enter.

func (s *simulation) deviceOutput(id uuid.UUID, n uint32) {
	if s.prompt != nil {
		s.prompt.Printf("device %s displays %0*d\n", id, oobDigits, n)
		return
	}
	s.broker.offer(id, n)
}

func (s *simulation) provisionerInput(h provisioner.LinkHandle, _ prov.InputRequest) {
	id, ok := s.uuidOf(h)
	if !ok {
		return
	}
	enter := func(n uint32) {
		if err := s.prov.InputNumber(h, n); err != nil {
			s.log.Warnf("device %s: input: %v", id, err)
		}
	}
	if s.prompt != nil {
		go s.prompt.AskNumber(fmt.Sprintf("number shown by %s", id), enter)
		return
	}
	s.broker.request(id, enter)
}

// Input OOB: the provisioner shows a number the device must enter.

func (s *simulation) provisionerOutput(h provisioner.LinkHandle, out prov.OOBOutput) {
	id, ok := s.uuidOf(h)
	if !ok {
		return
	}
	if s.prompt != nil {
		s.prompt.Printf("enter %0*d on device %s\n", oobDigits, out.Number, id)
		return
	}
	s.broker.offer(id, out.Number)
}

func (s *simulation) deviceInput(sd *simDevice, _ prov.InputRequest) {
	id := sd.UUID()
	enter := func(n uint32) {
		if err := sd.InputNumber(n); err != nil {
			s.log.Warnf("device %s: input: %v", id, err)
		}
	}
	if s.prompt != nil {
		go s.prompt.AskNumber(fmt.Sprintf("value for device %s", id), enter)
		return
	}
	s.broker.request(id, enter)
}

// oobBroker hands the value one side displays to the other side once both
// the value and the request for it are known.
type oobBroker struct {
	mu      sync.Mutex
	values  map[uuid.UUID]uint32
	waiting map[uuid.UUID]func(uint32)
}

func newOOBBroker() *oobBroker {
	return &oobBroker{
		values:  make(map[uuid.UUID]uint32),
		waiting: make(map[uuid.UUID]func(uint32)),
	}
}

func (b *oobBroker) offer(id uuid.UUID, v uint32) {
	b.mu.Lock()
	fn, ok := b.waiting[id]
	if ok {
		delete(b.waiting, id)
	} else {
		b.values[id] = v
	}
	b.mu.Unlock()
	if ok {
		go fn(v)
	}
}

func (b *oobBroker) request(id uuid.UUID, fn func(uint32)) {
	b.mu.Lock()
	v, ok := b.values[id]
	if ok {
		delete(b.values, id)
	} else {
		b.waiting[id] = fn
	}
	b.mu.Unlock()
	if ok {
		go fn(v)
	}
}

func (b *oobBroker) forget(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, id)
	delete(b.waiting, id)
}

type deviceResult struct {
	UUID uuid.UUID
	Node *prov.NodeRecord
	Err  error
}

type result struct {
	Devices []deviceResult
	Nodes   []prov.NodeRecord
}

func (s *simulation) result() *result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &result{Nodes: s.prov.Nodes()}
	for _, id := range s.order {
		sd := s.devices[id]
		dr := deviceResult{UUID: id, Node: sd.node, Err: sd.lastErr}
		if dr.Node == nil && dr.Err == nil {
			dr.Err = errors.New("not provisioned")
		}
		r.Devices = append(r.Devices, dr)
	}
	return r
}

// Failed reports whether any device was left unprovisioned.
func (r *result) Failed() bool {
	for _, d := range r.Devices {
		if d.Node == nil {
			return true
		}
	}
	return false
}

// Print writes the node table and the failures.
func (r *result) Print(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tADDRESS\tELEMENTS\tNET KEY INDEX\tDEVICE KEY")
	for _, n := range r.Nodes {
		fmt.Fprintf(tw, "%s\t0x%04x-0x%04x\t%d\t%d\t%x\n", n.UUID, n.Address, n.LastAddress(), n.Elements, n.NetKeyIndex, n.DeviceKey)
	}
	_ = tw.Flush()

	for _, d := range r.Devices {
		if d.Node == nil {
			fmt.Fprintf(w, "FAILED %s: %v\n", d.UUID, d.Err)
		}
	}
	fmt.Fprintf(w, "%d/%d devices provisioned\n", len(r.Devices)-r.failures(), len(r.Devices))
}

func (r *result) failures() int {
	n := 0
	for _, d := range r.Devices {
		if d.Node == nil {
			n++
		}
	}
	return n
}
