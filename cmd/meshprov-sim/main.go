// meshprov-sim provisions simulated mesh devices over an in-memory
// advertising medium.
//
// Every device beacons as unprovisioned. The provisioner picks the devices
// up from their beacons (or their Mesh Provisioning Service advertisements
// with -gatt), provisions them and prints the resulting node table.
//
// Usage:
//
//	meshprov-sim [options]
//
// Options:
//
//	-config       YAML provisioning profile (default: built-in defaults)
//	-devices      Number of simulated devices
//	-oob          Authentication: none, static, output or input
//	-drop         Probability of dropping an advertisement
//	-duplicate    Probability of duplicating an advertisement
//	-fast         Use the fast retransmission timer profile
//	-gatt         Provision over PB-GATT instead of PB-ADV
//	-trace        Append a CBOR protocol trace to this file
//	-interactive  Type OOB values at a prompt
//	-log-level    disabled, error, warn, info, debug or trace
//
// Example:
//
//	meshprov-sim -devices 5 -oob output -drop 0.1 -duplicate 0.05
//
// The exit status is non-zero if any device was left unprovisioned.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/backkem/meshprov/pkg/config"
	"github.com/backkem/meshprov/pkg/crypto"
	"github.com/backkem/meshprov/pkg/prov"
)

// options holds the command-line flags.
type options struct {
	ConfigPath  string
	Devices     int
	OOB         string
	Drop        float64
	Duplicate   float64
	Fast        bool
	GATT        bool
	TracePath   string
	Interactive bool
	LogLevel    string
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.ConfigPath, "config", "", "YAML provisioning profile")
	fs.IntVar(&o.Devices, "devices", 0, "Number of simulated devices (default: profile)")
	fs.StringVar(&o.OOB, "oob", "", "Authentication: none, static, output or input (default: profile)")
	fs.Float64Var(&o.Drop, "drop", 0, "Probability of dropping an advertisement")
	fs.Float64Var(&o.Duplicate, "duplicate", 0, "Probability of duplicating an advertisement")
	fs.BoolVar(&o.Fast, "fast", false, "Use the fast retransmission timer profile")
	fs.BoolVar(&o.GATT, "gatt", false, "Provision over PB-GATT")
	fs.StringVar(&o.TracePath, "trace", "", "Append a CBOR protocol trace to this file")
	fs.BoolVar(&o.Interactive, "interactive", false, "Type OOB values at a prompt")
	fs.StringVar(&o.LogLevel, "log-level", "", "Log level (default: profile)")
	err := fs.Parse(args)
	return o, err
}

// loadProfile reads the profile and applies the flags that were set.
func loadProfile(fs *flag.FlagSet, o options) (*config.Profile, error) {
	profile := config.Default()
	if o.ConfigPath != "" {
		var err error
		if profile, err = config.Load(o.ConfigPath); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["devices"] {
		profile.Simulation.Devices = o.Devices
	}
	if set["oob"] {
		profile.Auth.Method = o.OOB
		profile.Simulation.OOB = o.OOB
	}
	if set["drop"] {
		profile.Simulation.Drop = o.Drop
	}
	if set["duplicate"] {
		profile.Simulation.Duplicate = o.Duplicate
	}
	if o.Fast {
		profile.Timing.Profile = config.TimingFast
	}
	if o.GATT {
		profile.Simulation.GATT = true
	}
	if set["trace"] {
		profile.Trace = o.TracePath
	}
	if set["log-level"] {
		profile.LogLevel = o.LogLevel
	}
	if profile.Auth.Method == "static" && len(profile.Auth.StaticOOB) == 0 {
		static, err := crypto.NewProvider().Random(prov.AuthValueSize)
		if err != nil {
			return nil, err
		}
		profile.Auth.StaticOOB = static
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("meshprov-sim", flag.ContinueOnError)
	o, err := parseFlags(fs, args)
	if err != nil {
		return 2
	}
	profile, err := loadProfile(fs, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshprov-sim: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var prompt *prompter
	if o.Interactive {
		if prompt, err = newPrompter(); err != nil {
			fmt.Fprintf(os.Stderr, "meshprov-sim: %v\n", err)
			return 1
		}
		defer prompt.Close()
	}

	s, err := newSimulation(profile, prompt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshprov-sim: %v\n", err)
		return 1
	}
	res := s.Run(ctx)
	res.Print(os.Stdout)
	if res.Failed() {
		return 1
	}
	return 0
}
