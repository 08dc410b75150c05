package pbadv

import "time"

// Timing holds the PB-ADV timer and advertising parameters.
type Timing struct {
	// RetransmitInterval is the wait for an Ack before a transaction is
	// sent again, measured from the end of its last segment.
	RetransmitInterval time.Duration

	// TransactionTimeout is how long a transaction is retried before the
	// link is torn down without a Link Close.
	TransactionTimeout time.Duration

	// LinkOpenTimeout is how long a provisioner retries Link Open.
	LinkOpenTimeout time.Duration

	// CloseRetransmits is the number of Link Close frames sent.
	CloseRetransmits int

	// CloseInterval spaces the Link Close frames.
	CloseInterval time.Duration

	// AdvCount and AdvInterval are the bearer repeat options per frame.
	AdvCount    uint8
	AdvInterval time.Duration
}

// DefaultTiming returns the standard timing.
func DefaultTiming() Timing {
	return Timing{
		RetransmitInterval: 500 * time.Millisecond,
		TransactionTimeout: 30 * time.Second,
		LinkOpenTimeout:    60 * time.Second,
		CloseRetransmits:   3,
		CloseInterval:      100 * time.Millisecond,
		AdvCount:           1,
		AdvInterval:        20 * time.Millisecond,
	}
}

// FastTiming returns the timing of the fast retransmission profile.
func FastTiming() Timing {
	t := DefaultTiming()
	t.RetransmitInterval = 360 * time.Millisecond
	return t
}

// applyDefaults fills zero fields from DefaultTiming.
func (t *Timing) applyDefaults() {
	d := DefaultTiming()
	if t.RetransmitInterval <= 0 {
		t.RetransmitInterval = d.RetransmitInterval
	}
	if t.TransactionTimeout <= 0 {
		t.TransactionTimeout = d.TransactionTimeout
	}
	if t.LinkOpenTimeout <= 0 {
		t.LinkOpenTimeout = d.LinkOpenTimeout
	}
	if t.CloseRetransmits <= 0 {
		t.CloseRetransmits = d.CloseRetransmits
	}
	if t.CloseInterval <= 0 {
		t.CloseInterval = d.CloseInterval
	}
	if t.AdvCount == 0 {
		t.AdvCount = d.AdvCount
	}
	if t.AdvInterval < 0 {
		t.AdvInterval = 0
	}
}
