package prov

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// AuthMethod selects how the AuthValue is obtained.
type AuthMethod uint8

const (
	AuthNoOOB  AuthMethod = 0x00
	AuthStatic AuthMethod = 0x01
	AuthOutput AuthMethod = 0x02
	AuthInput  AuthMethod = 0x03
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNoOOB:
		return "NoOOB"
	case AuthStatic:
		return "StaticOOB"
	case AuthOutput:
		return "OutputOOB"
	case AuthInput:
		return "InputOOB"
	default:
		return fmt.Sprintf("AuthMethod(%d)", uint8(m))
	}
}

// MaxOOBSize is the largest Output/Input OOB size.
const MaxOOBSize = 8

// AuthValueSize is the AuthValue length fed into the confirmation.
const AuthValueSize = 16

// OutputAction is an Output OOB action as sent in the Start PDU.
type OutputAction uint8

const (
	OutputBlink        OutputAction = 0
	OutputBeep         OutputAction = 1
	OutputVibrate      OutputAction = 2
	OutputNumeric      OutputAction = 3
	OutputAlphanumeric OutputAction = 4
)

func (a OutputAction) String() string {
	switch a {
	case OutputBlink:
		return "Blink"
	case OutputBeep:
		return "Beep"
	case OutputVibrate:
		return "Vibrate"
	case OutputNumeric:
		return "OutputNumeric"
	case OutputAlphanumeric:
		return "OutputAlphanumeric"
	default:
		return fmt.Sprintf("OutputAction(%d)", uint8(a))
	}
}

// IsValid reports whether a is a defined output action.
func (a OutputAction) IsValid() bool { return a <= OutputAlphanumeric }

// InputAction is an Input OOB action as sent in the Start PDU.
type InputAction uint8

const (
	InputPush         InputAction = 0
	InputTwist        InputAction = 1
	InputNumeric      InputAction = 2
	InputAlphanumeric InputAction = 3
)

func (a InputAction) String() string {
	switch a {
	case InputPush:
		return "Push"
	case InputTwist:
		return "Twist"
	case InputNumeric:
		return "InputNumeric"
	case InputAlphanumeric:
		return "InputAlphanumeric"
	default:
		return fmt.Sprintf("InputAction(%d)", uint8(a))
	}
}

// IsValid reports whether a is a defined input action.
func (a InputAction) IsValid() bool { return a <= InputAlphanumeric }

// OutputActions is the Output OOB action bitmask of the Capabilities PDU.
type OutputActions uint16

// Has reports whether action a is supported.
func (m OutputActions) Has(a OutputAction) bool { return a.IsValid() && m&(1<<a) != 0 }

// OutputActionsOf builds a bitmask from actions.
func OutputActionsOf(actions ...OutputAction) OutputActions {
	var m OutputActions
	for _, a := range actions {
		m |= 1 << a
	}
	return m
}

// InputActions is the Input OOB action bitmask of the Capabilities PDU.
type InputActions uint16

// Has reports whether action a is supported.
func (m InputActions) Has(a InputAction) bool { return a.IsValid() && m&(1<<a) != 0 }

// InputActionsOf builds a bitmask from actions.
func InputActionsOf(actions ...InputAction) InputActions {
	var m InputActions
	for _, a := range actions {
		m |= 1 << a
	}
	return m
}

// Auth holds the negotiated authentication parameters and the AuthValue.
type Auth struct {
	Method AuthMethod
	Action uint8
	Size   uint8
	Value  [AuthValueSize]byte
	// Ready is set once Value holds the final AuthValue.
	Ready bool
}

// IsAlphanumeric reports whether the OOB value is a string rather than a
// number.
func (a Auth) IsAlphanumeric() bool {
	switch a.Method {
	case AuthOutput:
		return OutputAction(a.Action) == OutputAlphanumeric
	case AuthInput:
		return InputAction(a.Action) == InputAlphanumeric
	}
	return false
}

// isCounted reports whether the value is a count of user-visible events
// rather than a displayed or typed number.
func (a Auth) isCounted() bool {
	switch a.Method {
	case AuthOutput:
		return OutputAction(a.Action) <= OutputVibrate
	case AuthInput:
		return InputAction(a.Action) <= InputTwist
	}
	return false
}

// numericModulus bounds an OOB number of 1..8 digits.
var numericModulus = [MaxOOBSize]uint32{
	10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000,
}

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// StaticAuthValue right-aligns and zero-pads a static OOB value.
func StaticAuthValue(static []byte) [AuthValueSize]byte {
	var v [AuthValueSize]byte
	if len(static) > AuthValueSize {
		static = static[len(static)-AuthValueSize:]
	}
	copy(v[AuthValueSize-len(static):], static)
	return v
}

// NumericAuthValue stores n big-endian in the last four bytes.
func NumericAuthValue(n uint32) [AuthValueSize]byte {
	var v [AuthValueSize]byte
	binary.BigEndian.PutUint32(v[12:], n)
	return v
}

// StringAuthValue left-aligns s and zero-pads.
func StringAuthValue(s string) [AuthValueSize]byte {
	var v [AuthValueSize]byte
	copy(v[:], s)
	return v
}

// RandomNumber reduces four random bytes to an OOB number of size digits.
func RandomNumber(random []byte, size uint8) uint32 {
	return binary.BigEndian.Uint32(random) % numericModulus[size-1]
}

// RandomString maps size random bytes onto the 0-9A-Z alphabet.
func RandomString(random []byte, size uint8) string {
	var sb strings.Builder
	for i := 0; i < int(size); i++ {
		sb.WriteByte(alphabet[random[i]%uint8(len(alphabet))])
	}
	return sb.String()
}

// ValidateNumber checks that n fits in size decimal digits.
func ValidateNumber(n uint32, size uint8) error {
	if size == 0 || size > MaxOOBSize || n >= numericModulus[size-1] {
		return fmt.Errorf("%w: %d does not fit %d digits", ErrInvalidInput, n, size)
	}
	return nil
}

// NormalizeString upper-cases s and checks its length and alphabet.
func NormalizeString(s string, size uint8) (string, error) {
	s = strings.ToUpper(s)
	if len(s) != int(size) {
		return "", fmt.Errorf("%w: want %d characters, got %d", ErrInvalidInput, size, len(s))
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return "", fmt.Errorf("%w: character %q", ErrInvalidInput, s[i])
		}
	}
	return s, nil
}

// SelectStart picks Start parameters for caps according to the preferred
// method. Unsupported preferences fall back to no OOB.
func SelectStart(caps Capabilities, pref AuthMethod, haveStatic bool) Start {
	st := Start{Algorithm: StartAlgorithmP256, PublicKey: StartNoOOBPublicKey, AuthMethod: AuthNoOOB}

	switch pref {
	case AuthStatic:
		if haveStatic && caps.StaticOOBType&StaticOOBAvailable != 0 {
			st.AuthMethod = AuthStatic
		}
	case AuthOutput:
		if caps.OutputOOBSize == 0 {
			break
		}
		for _, a := range []OutputAction{OutputNumeric, OutputAlphanumeric, OutputBlink, OutputBeep, OutputVibrate} {
			if caps.OutputActions.Has(a) {
				st.AuthMethod = AuthOutput
				st.AuthAction = uint8(a)
				st.AuthSize = caps.OutputOOBSize
				break
			}
		}
	case AuthInput:
		if caps.InputOOBSize == 0 {
			break
		}
		for _, a := range []InputAction{InputNumeric, InputAlphanumeric, InputPush, InputTwist} {
			if caps.InputActions.Has(a) {
				st.AuthMethod = AuthInput
				st.AuthAction = uint8(a)
				st.AuthSize = caps.InputOOBSize
				break
			}
		}
	}
	return st
}
