package wire

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
)

func TestStreamSampleMarshalRoundTrip(t *testing.T) {
	sample := StreamSample{
		Packet: rtp.Packet{
			Header:  rtp.Header{SequenceNumber: 42, Timestamp: 1000, SSRC: 7},
			Payload: []byte("frame-bytes"),
		},
		FragmentIndex: 0,
		FragmentTotal: 1,
	}

	data, err := sample.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v, want nil", err)
	}

	decoded, err := UnmarshalStreamSample(data)
	if err != nil {
		t.Fatalf("UnmarshalStreamSample() error = %v, want nil", err)
	}
	if decoded.SequenceNumber() != 42 {
		t.Errorf("SequenceNumber() = %d, want 42", decoded.SequenceNumber())
	}
	if !bytes.Equal(decoded.Packet.Payload, []byte("frame-bytes")) {
		t.Errorf("Payload = %q, want %q", decoded.Packet.Payload, "frame-bytes")
	}
	if !decoded.IsLastFragment() {
		t.Error("IsLastFragment() = false, want true")
	}
}

func TestUnmarshalStreamSampleRejectsShortPayload(t *testing.T) {
	pkt := rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{0x01}}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v, want nil", err)
	}

	if _, err = UnmarshalStreamSample(data); err == nil {
		t.Fatal("UnmarshalStreamSample() error = nil, want error for short payload")
	}
}

func TestReassemblerAccumulatesFragmentsInOrder(t *testing.T) {
	r := NewReassembler()

	frag0 := StreamSample{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 5}, Payload: []byte("AB")}, FragmentIndex: 0, FragmentTotal: 2}
	frag1 := StreamSample{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 5}, Payload: []byte("CD")}, FragmentIndex: 1, FragmentTotal: 2}

	out, done := r.Add(frag0)
	if done {
		t.Error("Add(frag0) done = true, want false")
	}
	if out != nil {
		t.Errorf("Add(frag0) out = %v, want nil", out)
	}

	out, done = r.Add(frag1)
	if !done {
		t.Error("Add(frag1) done = false, want true")
	}
	if !bytes.Equal(out, []byte("ABCD")) {
		t.Errorf("Add(frag1) out = %q, want %q", out, "ABCD")
	}
}

func TestReassemblerDiscardsStaleSampleOnSequenceChange(t *testing.T) {
	r := NewReassembler()

	frag0 := StreamSample{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 5}, Payload: []byte("AB")}, FragmentIndex: 0, FragmentTotal: 2}
	if _, done := r.Add(frag0); done {
		t.Error("Add(frag0) done = true, want false")
	}

	nextSample := StreamSample{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 6}, Payload: []byte("whole")}, FragmentIndex: 0, FragmentTotal: 1}
	out, done := r.Add(nextSample)
	if !done {
		t.Error("Add(nextSample) done = false, want true")
	}
	if !bytes.Equal(out, []byte("whole")) {
		t.Errorf("Add(nextSample) out = %q, want %q", out, "whole")
	}
}

func TestReassemblerSingleFragmentSample(t *testing.T) {
	r := NewReassembler()
	sample := StreamSample{Packet: rtp.Packet{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte("solo")}, FragmentTotal: 0}

	out, done := r.Add(sample)
	if !done {
		t.Error("Add(sample) done = false, want true")
	}
	if !bytes.Equal(out, []byte("solo")) {
		t.Errorf("Add(sample) out = %q, want %q", out, "solo")
	}
}
