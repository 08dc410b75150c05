// Package prov implements the Bluetooth Mesh provisioning handshake.
//
// A Link drives one device/provisioner exchange over a bearer Transport:
// Invite, Capabilities, Start, Public Key, optional Input Complete,
// Confirmation, Random, Data and Complete. It accumulates the
// ConfirmationInputs, runs ECDH and the key derivations from package crypto,
// and reports the resulting NodeRecord. Any protocol violation aborts the
// link; a device reports the reason in a Provisioning Failed PDU.
//
// All link state is owned by a scheduler strand. Transports call Opened,
// Receive, Abort and Closed from inside the strand; callbacks are deferred
// until the strand is released.
package prov
