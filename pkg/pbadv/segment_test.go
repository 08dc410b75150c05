package pbadv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/meshprov/pkg/crypto"
	"github.com/backkem/meshprov/pkg/prov"
)

func testPDU(n int) []byte {
	pdu := make([]byte, n)
	for i := range pdu {
		pdu[i] = byte(i*7 + 3)
	}
	return pdu
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for pos := 0; pos <= len(p); pos++ {
			q := append(append(append([]int{}, p[:pos]...), n-1), p[pos:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestLastSegment(t *testing.T) {
	tests := []struct {
		total int
		want  uint8
	}{
		{1, 0}, {20, 0}, {21, 1}, {43, 1}, {44, 2}, {66, 2},
	}
	for _, tt := range tests {
		if got := LastSegment(tt.total); got != tt.want {
			t.Errorf("LastSegment(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
	if MaxPDUSize != 66 {
		t.Errorf("MaxPDUSize = %d, want 66", MaxPDUSize)
	}
}

// Every length reassembles from every arrival order.
func TestSegmentReassembleAllOrders(t *testing.T) {
	for n := 1; n <= MaxPDUSize; n++ {
		pdu := testPDU(n)
		frames, err := Segment(0x1234, 0x05, pdu)
		if err != nil {
			t.Fatalf("Segment(%d) error = %v", n, err)
		}
		if len(frames) != int(LastSegment(n))+1 {
			t.Fatalf("Segment(%d) produced %d frames", n, len(frames))
		}
		for _, f := range frames {
			if len(f.Marshal()) > MaxFrameSize {
				t.Fatalf("Segment(%d) frame of %d bytes", n, len(f.Marshal()))
			}
		}

		for _, order := range permutations(len(frames)) {
			var r Reassembler
			for i, idx := range order {
				// Frames travel over the air, so reparse them.
				f, err := ParseFrame(frames[idx].Marshal())
				if err != nil {
					t.Fatal(err)
				}
				outcome, got, err := r.Add(f)
				if err != nil {
					t.Fatalf("L=%d order %v: Add() error = %v", n, order, err)
				}
				if i < len(order)-1 {
					if outcome != Pending {
						t.Fatalf("L=%d order %v: outcome %s before last segment", n, order, outcome)
					}
					continue
				}
				if outcome != Complete || !bytes.Equal(got, pdu) {
					t.Fatalf("L=%d order %v: outcome %s, pdu %x", n, order, outcome, got)
				}
			}
		}
	}
}

func TestReassembler_Duplicate(t *testing.T) {
	frames, _ := Segment(1, 0x80, testPDU(30))
	var r Reassembler
	for _, f := range frames {
		_, _, _ = r.Add(f)
	}
	for _, f := range frames {
		if outcome, _, err := r.Add(f); outcome != Duplicate || err != nil {
			t.Errorf("resent %s: outcome %s, err %v", f.Kind, outcome, err)
		}
	}

	// A repeated segment inside an open transaction is ignored.
	next, _ := Segment(1, 0x81, testPDU(50))
	if outcome, _, _ := r.Add(next[1]); outcome != Pending {
		t.Fatalf("outcome %s", outcome)
	}
	if outcome, _, _ := r.Add(next[1]); outcome != Pending {
		t.Fatalf("outcome %s on repeated continuation", outcome)
	}
	_, _, _ = r.Add(next[0])
	if outcome, pdu, _ := r.Add(next[2]); outcome != Complete || !bytes.Equal(pdu, testPDU(50)) {
		t.Errorf("outcome %s, pdu %x", outcome, pdu)
	}
}

func TestReassembler_FCSMismatch(t *testing.T) {
	pdu := testPDU(10)
	frames, _ := Segment(1, 0, pdu)
	frames[0].FCS ^= 0xff

	var r Reassembler
	if outcome, _, err := r.Add(frames[0]); outcome != Dropped || err != nil {
		t.Fatalf("outcome %s, err %v", outcome, err)
	}
	// The retransmission with a good FCS completes.
	frames[0].FCS = crypto.FCS(pdu)
	if outcome, got, _ := r.Add(frames[0]); outcome != Complete || !bytes.Equal(got, pdu) {
		t.Errorf("retransmission outcome %s", outcome)
	}
}

func TestReassembler_Invalid(t *testing.T) {
	good, _ := Segment(1, 0, testPDU(44))
	tests := []struct {
		name   string
		frames []Frame
	}{
		{"zero length", []Frame{{Kind: KindStart, TotalLength: 0, Data: []byte{1}}}},
		{"too long", []Frame{{Kind: KindStart, SegN: 2, TotalLength: 67, Data: make([]byte, 20)}}},
		{"segN for short pdu", []Frame{{Kind: KindStart, SegN: 1, TotalLength: 20, Data: make([]byte, 20)}}},
		{"segN inconsistent", []Frame{{Kind: KindStart, SegN: 1, TotalLength: 44, Data: make([]byte, 20)}}},
		{"start data short", []Frame{{Kind: KindStart, SegN: 1, TotalLength: 30, Data: make([]byte, 19)}}},
		{"index zero", []Frame{{Kind: KindContinuation, Index: 0, Data: []byte{1}}}},
		{"index too large", []Frame{{Kind: KindContinuation, Index: 3, Data: []byte{1}}}},
		{"index beyond segN", []Frame{{Kind: KindStart, SegN: 1, TotalLength: 30, Data: make([]byte, 20)}, {Kind: KindContinuation, Index: 2, Data: []byte{1}}}},
		{"continuation length", []Frame{good[0], {Kind: KindContinuation, Index: 1, Data: make([]byte, 22)}}},
		{"early continuation does not fit", []Frame{{Kind: KindContinuation, Index: 1, Data: make([]byte, 5)}, good[0]}},
		{"ack is not a segment", []Frame{{Kind: KindAck}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Reassembler
			var err error
			for _, f := range tt.frames {
				if _, _, err = r.Add(f); err != nil {
					break
				}
			}
			if !errors.Is(err, prov.ErrInvalidFormat) {
				t.Errorf("error = %v, want ErrInvalidFormat", err)
			}
		})
	}
}

func TestSegment_Invalid(t *testing.T) {
	if _, err := Segment(1, 0, nil); !errors.Is(err, prov.ErrInvalidFormat) {
		t.Errorf("empty PDU error = %v", err)
	}
	if _, err := Segment(1, 0, make([]byte, MaxPDUSize+1)); !errors.Is(err, prov.ErrInvalidFormat) {
		t.Errorf("oversized PDU error = %v", err)
	}
}
