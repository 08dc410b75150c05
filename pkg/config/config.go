// Package config loads provisioning profiles from YAML.
//
// A profile carries the network parameters handed to new nodes, the
// unicast range, link capacities, authentication preferences and the
// PB-ADV timer profile, plus the settings of the simulator.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/backkem/meshprov/pkg/pbadv"
	"github.com/backkem/meshprov/pkg/prov"
	"github.com/backkem/meshprov/pkg/provisioner"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// ErrInvalidProfile indicates a profile that failed validation.
var ErrInvalidProfile = errors.New("config: invalid profile")

// Timer profile names.
const (
	TimingDefault = "default"
	TimingFast    = "fast"
)

// HexBytes is a byte string written as hex in YAML.
type HexBytes []byte

// UnmarshalYAML decodes a hex scalar. Spaces and colons are ignored.
func (h *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected hex string", value.Line)
	}
	s := strings.NewReplacer(" ", "", ":", "").Replace(value.Value)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*h = b
	return nil
}

// MarshalYAML encodes h as a hex scalar.
func (h HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(h), nil
}

// Network holds the values distributed in the Provisioning Data.
type Network struct {
	NetKey      HexBytes `yaml:"net_key"`
	NetKeyIndex uint16   `yaml:"net_key_index"`
	IVIndex     uint32   `yaml:"iv_index"`
	KeyRefresh  bool     `yaml:"key_refresh"`
	IVUpdate    bool     `yaml:"iv_update"`
}

// Addresses is the unicast range handed out to nodes.
type Addresses struct {
	Base uint16 `yaml:"base"`
	Max  uint16 `yaml:"max"`
}

// Links bounds the concurrent links per bearer.
type Links struct {
	ADV  int `yaml:"adv"`
	GATT int `yaml:"gatt"`
	MTU  int `yaml:"mtu"`
}

// Auth holds the authentication preferences.
type Auth struct {
	// Method is none, static, output or input.
	Method    string   `yaml:"method"`
	StaticOOB HexBytes `yaml:"static_oob"`
	Attention uint8    `yaml:"attention"`
	// SharedRandom reuses one provisioner random for every link.
	SharedRandom bool `yaml:"shared_random"`
}

// Timing selects a PB-ADV timer profile and optional overrides.
type Timing struct {
	Profile            string        `yaml:"profile"`
	RetransmitInterval time.Duration `yaml:"retransmit_interval"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	LinkOpenTimeout    time.Duration `yaml:"link_open_timeout"`
	// Timeout is the provisioning inactivity timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// Filter selects devices for automatic provisioning.
type Filter struct {
	Offset int      `yaml:"offset"`
	Value  HexBytes `yaml:"value"`
}

// Simulation configures the simulated devices and medium.
type Simulation struct {
	Devices   int           `yaml:"devices"`
	Elements  uint8         `yaml:"elements"`
	OOB       string        `yaml:"oob"`
	GATT      bool          `yaml:"gatt"`
	Drop      float64       `yaml:"drop"`
	Duplicate float64       `yaml:"duplicate"`
	DelayMax  time.Duration `yaml:"delay_max"`
	Seed      int64         `yaml:"seed"`
}

// Profile is a provisioning profile.
type Profile struct {
	Network    Network    `yaml:"network"`
	Addresses  Addresses  `yaml:"addresses"`
	Links      Links      `yaml:"links"`
	Auth       Auth       `yaml:"auth"`
	Timing     Timing     `yaml:"timing"`
	Filter     *Filter    `yaml:"filter,omitempty"`
	Simulation Simulation `yaml:"simulation"`
	LogLevel   string     `yaml:"log_level"`
	Trace      string     `yaml:"trace"`
}

// Default returns a profile with every default applied.
func Default() *Profile {
	p := &Profile{}
	p.applyDefaults()
	return p
}

// Load reads and parses a profile file.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a profile, applies defaults and validates it. Unknown keys
// are rejected.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	p.applyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Marshal encodes the profile as YAML.
func (p *Profile) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func (p *Profile) applyDefaults() {
	if p.Network.NetKey == nil {
		p.Network.NetKey = make(HexBytes, 16)
	}
	if p.Addresses.Base == 0 {
		p.Addresses.Base = 0x0001
	}
	if p.Addresses.Max == 0 {
		p.Addresses.Max = prov.MaxUnicastAddress
	}
	if p.Links.ADV == 0 {
		p.Links.ADV = provisioner.DefaultADVLinks
	}
	if p.Links.GATT == 0 {
		p.Links.GATT = provisioner.DefaultGATTLinks
	}
	if p.Auth.Method == "" {
		p.Auth.Method = "none"
	}
	if p.Timing.Profile == "" {
		p.Timing.Profile = TimingDefault
	}
	if p.Timing.Timeout == 0 {
		p.Timing.Timeout = prov.DefaultTimeout
	}
	if p.Simulation.Devices == 0 {
		p.Simulation.Devices = 1
	}
	if p.Simulation.Elements == 0 {
		p.Simulation.Elements = 1
	}
	if p.Simulation.OOB == "" {
		p.Simulation.OOB = p.Auth.Method
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
}

// Validate checks the profile for errors.
func (p *Profile) Validate() error {
	if len(p.Network.NetKey) != 16 {
		return fmt.Errorf("%w: net key of %d bytes", ErrInvalidProfile, len(p.Network.NetKey))
	}
	if _, err := ParseAuthMethod(p.Auth.Method); err != nil {
		return err
	}
	if _, err := ParseAuthMethod(p.Simulation.OOB); err != nil {
		return err
	}
	if p.Timing.Profile != TimingDefault && p.Timing.Profile != TimingFast {
		return fmt.Errorf("%w: timer profile %q", ErrInvalidProfile, p.Timing.Profile)
	}
	if _, err := ParseLogLevel(p.LogLevel); err != nil {
		return err
	}
	if p.Simulation.Devices < 0 {
		return fmt.Errorf("%w: %d devices", ErrInvalidProfile, p.Simulation.Devices)
	}
	for name, rate := range map[string]float64{"drop": p.Simulation.Drop, "duplicate": p.Simulation.Duplicate} {
		if rate < 0 || rate >= 1 {
			return fmt.Errorf("%w: %s rate %v", ErrInvalidProfile, name, rate)
		}
	}
	if _, err := p.ProvisionerConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

// PBADVTiming returns the PB-ADV timing of the selected profile with
// overrides applied.
func (p *Profile) PBADVTiming() pbadv.Timing {
	t := pbadv.DefaultTiming()
	if p.Timing.Profile == TimingFast {
		t = pbadv.FastTiming()
	}
	if p.Timing.RetransmitInterval > 0 {
		t.RetransmitInterval = p.Timing.RetransmitInterval
	}
	if p.Timing.TransactionTimeout > 0 {
		t.TransactionTimeout = p.Timing.TransactionTimeout
	}
	if p.Timing.LinkOpenTimeout > 0 {
		t.LinkOpenTimeout = p.Timing.LinkOpenTimeout
	}
	return t
}

// ProvisionerConfig converts the profile. Bearer, callbacks, logging and
// tracing are left for the caller.
func (p *Profile) ProvisionerConfig() (provisioner.Config, error) {
	method, err := ParseAuthMethod(p.Auth.Method)
	if err != nil {
		return provisioner.Config{}, err
	}
	c := provisioner.Config{
		NetKeyIndex: p.Network.NetKeyIndex,
		IVIndex:     p.Network.IVIndex,
		Addresses: provisioner.RegistryConfig{
			BaseAddress: p.Addresses.Base,
			MaxAddress:  p.Addresses.Max,
		},
		ADVLinks:     p.Links.ADV,
		GATTLinks:    p.Links.GATT,
		MTU:          p.Links.MTU,
		AuthMethod:   method,
		StaticOOB:    p.Auth.StaticOOB,
		Attention:    p.Auth.Attention,
		SharedRandom: p.Auth.SharedRandom,
		Timing:       p.PBADVTiming(),
		Timeout:      p.Timing.Timeout,
	}
	copy(c.NetKey[:], p.Network.NetKey)
	if p.Network.KeyRefresh {
		c.Flags |= prov.FlagKeyRefresh
	}
	if p.Network.IVUpdate {
		c.Flags |= prov.FlagIVUpdate
	}
	if p.Filter != nil {
		c.Filter = &provisioner.UUIDFilter{Offset: p.Filter.Offset, Value: p.Filter.Value}
	}
	if err := c.Validate(); err != nil {
		return provisioner.Config{}, err
	}
	return c, nil
}

// LoggerFactory returns a logger factory at the profile's level.
func (p *Profile) LoggerFactory() logging.LoggerFactory {
	level, err := ParseLogLevel(p.LogLevel)
	if err != nil {
		level = logging.LogLevelInfo
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = level
	return f
}

// ParseAuthMethod maps none, static, output or input to an AuthMethod.
func ParseAuthMethod(s string) (prov.AuthMethod, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return prov.AuthNoOOB, nil
	case "static":
		return prov.AuthStatic, nil
	case "output":
		return prov.AuthOutput, nil
	case "input":
		return prov.AuthInput, nil
	}
	return 0, fmt.Errorf("%w: auth method %q", ErrInvalidProfile, s)
}

var logLevels = map[string]logging.LogLevel{
	"disabled": logging.LogLevelDisabled,
	"error":    logging.LogLevelError,
	"warn":     logging.LogLevelWarn,
	"info":     logging.LogLevelInfo,
	"debug":    logging.LogLevelDebug,
	"trace":    logging.LogLevelTrace,
}

// ParseLogLevel maps a level name to a pion log level.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	if l, ok := logLevels[strings.ToLower(s)]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("%w: log level %q", ErrInvalidProfile, s)
}
