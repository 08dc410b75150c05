package pbgatt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/meshprov/pkg/prov"
)

func TestHeader(t *testing.T) {
	if h := Header(SARFirst, MessageProvisioning); h != 0x43 {
		t.Errorf("Header(First, Provisioning) = 0x%02x, want 0x43", h)
	}
	sar, typ := SplitHeader(0xc3)
	if sar != SARLast || typ != MessageProvisioning {
		t.Errorf("SplitHeader(0xc3) = %s, %d", sar, typ)
	}
}

func TestChunk(t *testing.T) {
	pubKey := make([]byte, prov.MaxPDUSize)
	for i := range pubKey {
		pubKey[i] = byte(i)
	}

	tests := []struct {
		name  string
		mtu   int
		msg   []byte
		sizes []int
		sars  []SAR
	}{
		{"complete", DefaultMTU, pubKey[:17], []int{18}, []SAR{SARComplete}},
		{"exact fit", DefaultMTU, pubKey[:19], []int{20}, []SAR{SARComplete}},
		{"two segments", DefaultMTU, pubKey[:20], []int{20, 2}, []SAR{SARFirst, SARLast}},
		{"public key", DefaultMTU, pubKey, []int{20, 20, 20, 9}, []SAR{SARFirst, SARContinuation, SARContinuation, SARLast}},
		{"large MTU", 69, pubKey, []int{66}, []SAR{SARComplete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkts, err := Chunk(MessageProvisioning, tt.msg, tt.mtu)
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			if len(pkts) != len(tt.sizes) {
				t.Fatalf("Chunk() produced %d PDUs, want %d", len(pkts), len(tt.sizes))
			}
			var r Reassembler
			for i, pkt := range pkts {
				sar, typ := SplitHeader(pkt[0])
				if len(pkt) != tt.sizes[i] || sar != tt.sars[i] || typ != MessageProvisioning {
					t.Errorf("PDU %d: %d bytes, %s, type %d", i, len(pkt), sar, typ)
				}
				_, msg, err := r.Add(pkt)
				if err != nil {
					t.Fatalf("Add() error = %v", err)
				}
				if i < len(pkts)-1 && msg != nil {
					t.Fatalf("message completed at PDU %d", i)
				}
				if i == len(pkts)-1 && !bytes.Equal(msg, tt.msg) {
					t.Errorf("reassembled %x, want %x", msg, tt.msg)
				}
			}
			if r.Active() {
				t.Error("reassembler still active")
			}
		})
	}
}

func TestChunk_Invalid(t *testing.T) {
	if _, err := Chunk(MessageProvisioning, nil, DefaultMTU); !errors.Is(err, prov.ErrInvalidFormat) {
		t.Errorf("empty message error = %v", err)
	}
	if _, err := Chunk(MessageProvisioning, []byte{1}, 4); !errors.Is(err, prov.ErrInvalidFormat) {
		t.Errorf("tiny MTU error = %v", err)
	}
}

func TestReassembler_Errors(t *testing.T) {
	first := []byte{Header(SARFirst, MessageProvisioning), 1, 2}
	tests := []struct {
		name string
		pdus [][]byte
	}{
		{"header only", [][]byte{{Header(SARComplete, MessageProvisioning)}}},
		{"continuation without first", [][]byte{{Header(SARContinuation, MessageProvisioning), 1}}},
		{"last without first", [][]byte{{Header(SARLast, MessageProvisioning), 1}}},
		{"first while reassembling", [][]byte{first, first}},
		{"complete while reassembling", [][]byte{first, {Header(SARComplete, MessageProvisioning), 1}}},
		{"type change", [][]byte{first, {Header(SARLast, MessageBeacon), 1}}},
		{"oversized", [][]byte{first, {Header(SARContinuation, MessageProvisioning)}, {Header(SARLast, MessageProvisioning)}}},
	}
	// Oversized: fill the continuation past the PDU limit.
	tests[len(tests)-1].pdus[1] = append(tests[len(tests)-1].pdus[1], make([]byte, prov.MaxPDUSize)...)
	tests[len(tests)-1].pdus[2] = append(tests[len(tests)-1].pdus[2], 1)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Reassembler
			var err error
			for _, pdu := range tt.pdus {
				if _, _, err = r.Add(pdu); err != nil {
					break
				}
			}
			if !errors.Is(err, prov.ErrInvalidFormat) {
				t.Errorf("error = %v, want ErrInvalidFormat", err)
			}
			if r.Active() {
				t.Error("partial message kept after error")
			}
		})
	}
}
