package prov

import (
	"errors"
	"fmt"
)

// Protocol errors. Each maps to the error code carried by a Provisioning
// Failed PDU (see ErrorCodeFor).
var (
	// ErrInvalidPDU indicates an unknown PDU type.
	ErrInvalidPDU = errors.New("prov: invalid PDU")

	// ErrInvalidFormat indicates a malformed PDU, bad parameters, or a
	// transaction that cannot be reassembled.
	ErrInvalidFormat = errors.New("prov: invalid format")

	// ErrUnexpectedPDU indicates a well-formed PDU that is not legal in the
	// current step of the handshake.
	ErrUnexpectedPDU = errors.New("prov: unexpected PDU")

	// ErrConfirmationFailed indicates the peer's confirmation did not verify.
	ErrConfirmationFailed = errors.New("prov: confirmation failed")

	// ErrOutOfResources indicates no link slot or buffer was available.
	ErrOutOfResources = errors.New("prov: out of resources")

	// ErrDecryptionFailed indicates the Provisioning Data MIC did not verify.
	ErrDecryptionFailed = errors.New("prov: decryption failed")

	// ErrUnexpected indicates a local failure, such as a crypto error.
	ErrUnexpected = errors.New("prov: unexpected error")

	// ErrAddressExhausted indicates the unicast range cannot fit the device.
	ErrAddressExhausted = errors.New("prov: cannot assign addresses")
)

// Link-level errors that never travel in a Failed PDU.
var (
	// ErrTimeout indicates the link was closed for inactivity.
	ErrTimeout = errors.New("prov: link timeout")

	// ErrInvalidState indicates an operation that is not legal in the
	// current link state.
	ErrInvalidState = errors.New("prov: invalid state")

	// ErrInvalidInput indicates an OOB value the link cannot accept.
	ErrInvalidInput = errors.New("prov: invalid OOB input")

	// ErrLinkClosed indicates the link has been torn down.
	ErrLinkClosed = errors.New("prov: link closed")

	// ErrInvalidConfig indicates a link configuration that cannot be used.
	ErrInvalidConfig = errors.New("prov: invalid config")
)

// ErrorCode is the error code of a Provisioning Failed PDU.
type ErrorCode uint8

const (
	ErrorCodeProhibited            ErrorCode = 0x00
	ErrorCodeInvalidPDU            ErrorCode = 0x01
	ErrorCodeInvalidFormat         ErrorCode = 0x02
	ErrorCodeUnexpectedPDU         ErrorCode = 0x03
	ErrorCodeConfirmationFailed    ErrorCode = 0x04
	ErrorCodeOutOfResources        ErrorCode = 0x05
	ErrorCodeDecryptionFailed      ErrorCode = 0x06
	ErrorCodeUnexpectedError       ErrorCode = 0x07
	ErrorCodeCannotAssignAddresses ErrorCode = 0x08
)

// String returns the error code name.
func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeProhibited:
		return "Prohibited"
	case ErrorCodeInvalidPDU:
		return "InvalidPDU"
	case ErrorCodeInvalidFormat:
		return "InvalidFormat"
	case ErrorCodeUnexpectedPDU:
		return "UnexpectedPDU"
	case ErrorCodeConfirmationFailed:
		return "ConfirmationFailed"
	case ErrorCodeOutOfResources:
		return "OutOfResources"
	case ErrorCodeDecryptionFailed:
		return "DecryptionFailed"
	case ErrorCodeUnexpectedError:
		return "UnexpectedError"
	case ErrorCodeCannotAssignAddresses:
		return "CannotAssignAddresses"
	default:
		return fmt.Sprintf("ErrorCode(0x%02x)", uint8(c))
	}
}

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{ErrorCodeInvalidPDU, ErrInvalidPDU},
	{ErrorCodeInvalidFormat, ErrInvalidFormat},
	{ErrorCodeUnexpectedPDU, ErrUnexpectedPDU},
	{ErrorCodeConfirmationFailed, ErrConfirmationFailed},
	{ErrorCodeOutOfResources, ErrOutOfResources},
	{ErrorCodeDecryptionFailed, ErrDecryptionFailed},
	{ErrorCodeUnexpectedError, ErrUnexpected},
	{ErrorCodeCannotAssignAddresses, ErrAddressExhausted},
}

// ErrorCodeFor maps an error to the code reported in a Failed PDU.
// Errors outside the protocol taxonomy map to UnexpectedError.
func ErrorCodeFor(err error) ErrorCode {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return ErrorCodeUnexpectedError
}

// ErrorFromCode maps a Failed PDU error code back to its sentinel error.
func ErrorFromCode(code ErrorCode) error {
	for _, ce := range codeErrors {
		if ce.code == code {
			return ce.err
		}
	}
	return ErrUnexpected
}

// RemoteError reports a Provisioning Failed PDU received from the peer.
type RemoteError struct {
	Code ErrorCode
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("prov: peer reported failure: %s", e.Code)
}

// Unwrap allows errors.Is matching against the sentinel for the code.
func (e *RemoteError) Unwrap() error {
	return ErrorFromCode(e.Code)
}
