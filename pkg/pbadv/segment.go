package pbadv

import (
	"fmt"

	"github.com/backkem/meshprov/pkg/crypto"
	"github.com/backkem/meshprov/pkg/prov"
)

// LastSegment returns the index of the last segment of a PDU of total bytes.
// Continuations are counted as ceil((total-20)/23), so a PDU whose tail
// exactly fills a continuation gets no empty trailing segment; the form
// 1+floor((total-20)/23) differs only there (43 and 66 bytes).
func LastSegment(total int) uint8 {
	if total <= StartDataSize {
		return 0
	}
	return uint8((total - StartDataSize + ContinuationDataSize - 1) / ContinuationDataSize)
}

// segmentLength returns the data length of segment idx of a transaction.
func segmentLength(total int, idx uint8) int {
	if idx == 0 {
		return min(total, StartDataSize)
	}
	if idx < LastSegment(total) {
		return ContinuationDataSize
	}
	return total - StartDataSize - int(idx-1)*ContinuationDataSize
}

func segmentOffset(idx uint8) int {
	if idx == 0 {
		return 0
	}
	return StartDataSize + int(idx-1)*ContinuationDataSize
}

// Segment splits a provisioning PDU into the frames of one transaction.
func Segment(linkID uint32, xact uint8, pdu []byte) ([]Frame, error) {
	if len(pdu) == 0 || len(pdu) > MaxPDUSize {
		return nil, fmt.Errorf("%w: PDU of %d bytes", prov.ErrInvalidFormat, len(pdu))
	}
	last := LastSegment(len(pdu))
	frames := make([]Frame, 0, last+1)
	for idx := uint8(0); idx <= last; idx++ {
		off := segmentOffset(idx)
		data := pdu[off : off+segmentLength(len(pdu), idx)]
		if idx == 0 {
			frames = append(frames, Frame{
				LinkID:      linkID,
				Transaction: xact,
				Kind:        KindStart,
				SegN:        last,
				TotalLength: uint16(len(pdu)),
				FCS:         crypto.FCS(pdu),
				Data:        data,
			})
			continue
		}
		frames = append(frames, Frame{LinkID: linkID, Transaction: xact, Kind: KindContinuation, Index: idx, Data: data})
	}
	return frames, nil
}

// Outcome is the result of adding a segment to a Reassembler.
type Outcome int

const (
	// Pending means more segments are needed.
	Pending Outcome = iota
	// Complete means the PDU was reassembled and must be acknowledged.
	Complete
	// Duplicate means the segment belongs to the last completed
	// transaction, whose Ack should be sent again.
	Duplicate
	// Dropped means the reassembled PDU failed its FCS and was discarded.
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "Pending"
	case Complete:
		return "Complete"
	case Duplicate:
		return "Duplicate"
	case Dropped:
		return "Dropped"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

const allSegments = 1<<MaxSegments - 1

// Reassembler rebuilds inbound transactions. Continuations may arrive
// before their Start.
type Reassembler struct {
	buf     [MaxPDUSize]byte
	lens    [MaxSegments]int
	total   int
	fcs     uint8
	last    uint8
	missing uint8
	started bool

	active bool
	xact   uint8

	prevID   uint8
	havePrev bool
}

// Add feeds one Start or Continuation frame. On Complete the returned slice
// holds the PDU.
func (r *Reassembler) Add(f Frame) (Outcome, []byte, error) {
	if r.havePrev && f.Transaction == r.prevID {
		return Duplicate, nil, nil
	}
	if !r.active || f.Transaction != r.xact {
		r.begin(f.Transaction)
	}

	var err error
	switch f.Kind {
	case KindStart:
		err = r.addStart(f)
	case KindContinuation:
		err = r.addContinuation(f)
	default:
		err = fmt.Errorf("%w: %s is not a segment", prov.ErrInvalidFormat, f.Kind)
	}
	if err != nil {
		r.active = false
		return Pending, nil, err
	}

	if !r.started || r.missing != 0 {
		return Pending, nil, nil
	}
	r.active = false
	pdu := r.buf[:r.total]
	if !crypto.CheckFCS(pdu, r.fcs) {
		return Dropped, nil, nil
	}
	r.prevID, r.havePrev = r.xact, true
	return Complete, append([]byte(nil), pdu...), nil
}

// Reset discards any partial transaction and the acknowledgement history.
func (r *Reassembler) Reset() {
	*r = Reassembler{}
}

func (r *Reassembler) begin(xact uint8) {
	r.active = true
	r.xact = xact
	r.started = false
	r.missing = allSegments
	r.lens = [MaxSegments]int{}
}

func (r *Reassembler) addStart(f Frame) error {
	if r.started {
		return nil
	}
	total := int(f.TotalLength)
	if total == 0 || total > MaxPDUSize {
		return fmt.Errorf("%w: total length %d", prov.ErrInvalidFormat, total)
	}
	if f.SegN != LastSegment(total) {
		return fmt.Errorf("%w: SegN %d for %d bytes", prov.ErrInvalidFormat, f.SegN, total)
	}
	if len(f.Data) != segmentLength(total, 0) {
		return fmt.Errorf("%w: Start carries %d of %d bytes", prov.ErrInvalidFormat, len(f.Data), total)
	}
	for idx := uint8(1); idx < MaxSegments; idx++ {
		if r.lens[idx] == 0 {
			continue
		}
		if idx > f.SegN || r.lens[idx] != segmentLength(total, idx) {
			return fmt.Errorf("%w: buffered segment %d does not fit", prov.ErrInvalidFormat, idx)
		}
	}

	r.started = true
	r.total = total
	r.fcs = f.FCS
	r.last = f.SegN
	r.missing &= 1<<(f.SegN+1) - 1
	r.missing &^= 1
	copy(r.buf[:], f.Data)
	return nil
}

func (r *Reassembler) addContinuation(f Frame) error {
	idx := f.Index
	if idx == 0 || idx >= MaxSegments {
		return fmt.Errorf("%w: segment index %d", prov.ErrInvalidFormat, idx)
	}
	if r.started {
		if idx > r.last {
			return fmt.Errorf("%w: segment %d beyond SegN %d", prov.ErrInvalidFormat, idx, r.last)
		}
		if len(f.Data) != segmentLength(r.total, idx) {
			return fmt.Errorf("%w: segment %d of %d bytes", prov.ErrInvalidFormat, idx, len(f.Data))
		}
	} else if len(f.Data) > ContinuationDataSize {
		return fmt.Errorf("%w: segment %d of %d bytes", prov.ErrInvalidFormat, idx, len(f.Data))
	}

	if r.missing&(1<<idx) == 0 {
		return nil
	}
	copy(r.buf[segmentOffset(idx):], f.Data)
	r.lens[idx] = len(f.Data)
	r.missing &^= 1 << idx
	return nil
}
