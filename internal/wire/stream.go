package wire

import (
	"github.com/pion/rtp"

	"github.com/breeze-rmm/rpclient/internal/rperrors"
)

// StreamSample is one media payload fragment arriving on the stream
// channel. It rides on an RTP packet (sequence number, timestamp, SSRC)
// and adds the fragment index/total the feeder needs to reassemble a
// sample split across multiple datagrams (spec.md 4.A "Stream sample
// frames additionally carry a sequence number, fragment index, and
// fragment total").
type StreamSample struct {
	Packet        rtp.Packet
	FragmentIndex uint8
	FragmentTotal uint8
}

// SequenceNumber is the RTP sequence number used by the feeder to detect
// gaps (lost samples) and reordering.
func (s StreamSample) SequenceNumber() uint16 {
	return s.Packet.SequenceNumber
}

// IsLastFragment reports whether this is the final fragment of its sample.
func (s StreamSample) IsLastFragment() bool {
	return s.FragmentTotal == 0 || s.FragmentIndex == s.FragmentTotal-1
}

// Marshal serialises the sample as a standard RTP packet whose first two
// payload bytes carry {fragmentIndex, fragmentTotal}, followed by the
// actual media payload.
func (s StreamSample) Marshal() ([]byte, error) {
	pkt := s.Packet
	pkt.Payload = append([]byte{s.FragmentIndex, s.FragmentTotal}, s.Packet.Payload...)

	buf, err := pkt.Marshal()
	if err != nil {
		return nil, rperrors.Wrap(rperrors.Protocol, "marshal stream sample", err)
	}
	return buf, nil
}

// UnmarshalStreamSample parses a raw RTP datagram into a StreamSample,
// splitting the fragment-index/total prefix back out of the payload.
func UnmarshalStreamSample(data []byte) (StreamSample, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return StreamSample{}, rperrors.Wrap(rperrors.Protocol, "unmarshal stream sample", err)
	}
	if len(pkt.Payload) < 2 {
		return StreamSample{}, rperrors.New(rperrors.Protocol, "stream sample payload too short for fragment header")
	}

	fragIndex, fragTotal := pkt.Payload[0], pkt.Payload[1]
	pkt.Payload = pkt.Payload[2:]

	return StreamSample{Packet: pkt, FragmentIndex: fragIndex, FragmentTotal: fragTotal}, nil
}

// Reassembler accumulates fragments for a single sequence number until
// every fragment of a sample has arrived, then yields the concatenated
// payload in fragment order.
type Reassembler struct {
	seq       uint16
	total     uint8
	fragments map[uint8][]byte
}

// NewReassembler starts accumulation for one sample.
func NewReassembler() *Reassembler {
	return &Reassembler{fragments: make(map[uint8][]byte)}
}

// Add ingests one fragment. It returns the reassembled payload and true
// once every fragment 0..total-1 has been seen; a sample belonging to a
// different sequence number than the one already in progress resets the
// accumulator (the previous partial sample is discarded as stale).
func (r *Reassembler) Add(sample StreamSample) ([]byte, bool) {
	if len(r.fragments) > 0 && sample.SequenceNumber() != r.seq {
		r.fragments = make(map[uint8][]byte)
	}
	r.seq = sample.SequenceNumber()
	r.total = sample.FragmentTotal
	r.fragments[sample.FragmentIndex] = sample.Packet.Payload

	if r.total == 0 {
		return sample.Packet.Payload, true
	}
	if uint8(len(r.fragments)) < r.total {
		return nil, false
	}

	out := make([]byte, 0)
	for i := uint8(0); i < r.total; i++ {
		frag, ok := r.fragments[i]
		if !ok {
			return nil, false
		}
		out = append(out, frag...)
	}
	r.fragments = make(map[uint8][]byte)
	return out, true
}
