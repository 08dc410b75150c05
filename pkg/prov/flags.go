package prov

import "strings"

// Flags is the set of independent conditions tracked by a link.
type Flags uint16

const (
	// FlagLinkActive is set while the bearer link is open.
	FlagLinkActive Flags = 1 << iota
	// FlagLocalPubKeyReady is set once the local key pair exists.
	FlagLocalPubKeyReady
	// FlagRemotePubKeyReady is set once the peer's public key was received.
	FlagRemotePubKeyReady
	// FlagHaveDHKey is set once ECDH has completed.
	FlagHaveDHKey
	// FlagPendingConfirmSend is set when a Confirm is owed but the DHKey is
	// not yet available.
	FlagPendingConfirmSend
	// FlagWaitingNumberInput is set while a numeric OOB value is awaited.
	FlagWaitingNumberInput
	// FlagWaitingStringInput is set while an alphanumeric OOB value is awaited.
	FlagWaitingStringInput
	// FlagTimeoutArmed is set while the inactivity timer runs.
	FlagTimeoutArmed
	// FlagInputCompleteReceived is set on the provisioner once the device
	// reported Input OOB completion.
	FlagInputCompleteReceived
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagLinkActive, "LinkActive"},
	{FlagLocalPubKeyReady, "LocalPubKeyReady"},
	{FlagRemotePubKeyReady, "RemotePubKeyReady"},
	{FlagHaveDHKey, "HaveDHKey"},
	{FlagPendingConfirmSend, "PendingConfirmSend"},
	{FlagWaitingNumberInput, "WaitingNumberInput"},
	{FlagWaitingStringInput, "WaitingStringInput"},
	{FlagTimeoutArmed, "TimeoutArmed"},
	{FlagInputCompleteReceived, "InputCompleteReceived"},
}

// Has reports whether every flag in x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Waiting reports whether an OOB input is outstanding.
func (f Flags) Waiting() bool { return f&(FlagWaitingNumberInput|FlagWaitingStringInput) != 0 }

// String lists the set flags separated by '|'.
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
