package provisioner

import "errors"

// Provisioner errors. Resource and address exhaustion wrap
// prov.ErrOutOfResources and prov.ErrAddressExhausted.
var (
	// ErrDeviceBusy is returned when a device already has an active link.
	ErrDeviceBusy = errors.New("provisioner: device already has an active link")

	// ErrUnknownLink is returned for a stale or unknown link handle.
	ErrUnknownLink = errors.New("provisioner: unknown link")

	// ErrUnknownNode is returned when no node has the given address.
	ErrUnknownNode = errors.New("provisioner: unknown node")

	// ErrNoBearer is returned by Provision without an advertising bearer.
	ErrNoBearer = errors.New("provisioner: no advertising bearer")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("provisioner: closed")
)
