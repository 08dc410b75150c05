// Package bearer models the advertising radio underneath mesh provisioning.
//
// A Bearer transmits advertising payloads with a repeat count and interval
// and reports transmission start and end through SendCallbacks; received
// advertisements are routed by a Dispatcher keyed on the advertising PDU
// type and the AD type. Medium connects any number of Radios in memory and
// can drop, duplicate or delay deliveries.
package bearer

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a provisioning bearer.
type Kind uint8

const (
	KindADV  Kind = 0
	KindGATT Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindADV:
		return "PB-ADV"
	case KindGATT:
		return "PB-GATT"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Errors returned by bearers.
var (
	// ErrQueueFull indicates the transmit queue has no room.
	ErrQueueFull = errors.New("bearer: transmit queue full")

	// ErrClosed indicates the bearer was closed.
	ErrClosed = errors.New("bearer: closed")
)

// SendOptions controls how a payload is advertised.
type SendOptions struct {
	// Count is the number of transmissions. Zero means one.
	Count uint8

	// Interval is the spacing between transmissions.
	Interval time.Duration
}

// Duration returns the total airtime implied by the options.
func (o SendOptions) Duration() time.Duration {
	n := max(int(o.Count), 1)
	return time.Duration(n) * o.Interval
}

// SendCallbacks observe one transmission. Either callback may be nil. They
// run on the bearer's goroutine.
type SendCallbacks struct {
	// Start is called before the first transmission.
	Start func(duration time.Duration, err error)

	// End is called after the last transmission.
	End func(err error)
}

// Bearer transmits advertising payloads.
type Bearer interface {
	// Send queues data for advertising. It never blocks.
	Send(data []byte, opts SendOptions, cb *SendCallbacks) error
}

// Advertisement is one received advertising report.
type Advertisement struct {
	Addr [6]byte
	RSSI int8
	Type AdvType
	Data []byte
}

// Handler receives advertisements.
type Handler func(adv Advertisement)
