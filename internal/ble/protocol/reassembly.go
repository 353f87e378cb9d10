package protocol

import (
	"fmt"
)

// Reassembler rebuilds a payload from a header packet followed by data
// packets, the way the peripheral firmware does. Packets must arrive in send
// order; the index byte is only checked for diagnostics.
type Reassembler struct {
	expected  int
	buf       []byte
	receiving bool
	nextIndex byte
	gaps      int
}

// Feed consumes one packet. It returns the complete payload once the
// announced size has been received, nil otherwise.
func (r *Reassembler) Feed(pkt []byte) ([]byte, error) {
	p, err := Decode(pkt)
	if err != nil {
		return nil, err
	}

	switch p.Type {
	case PacketTypeHeader:
		if p.TotalSize == 0 {
			return nil, ErrEmptyPayload
		}
		r.expected = int(p.TotalSize)
		r.buf = make([]byte, 0, r.expected)
		r.receiving = true
		r.nextIndex = 0
		r.gaps = 0
		return nil, nil

	case PacketTypeData:
		if !r.receiving {
			return nil, fmt.Errorf("%w: data packet %d before header", ErrUnexpectedPkt, p.Index)
		}
		if p.Index != r.nextIndex {
			r.gaps++
		}
		r.nextIndex = p.Index + 1
		if len(r.buf)+len(p.Payload) > r.expected {
			expected := r.expected
			r.Reset()
			return nil, fmt.Errorf("%w: data overruns announced size %d", ErrUnexpectedPkt, expected)
		}
		r.buf = append(r.buf, p.Payload...)
		if len(r.buf) < r.expected {
			return nil, nil
		}
		out := r.buf
		r.receiving = false
		r.buf = nil
		return out, nil
	}
	return nil, nil
}

// Receiving reports whether a header has been seen and the payload is not
// yet complete.
func (r *Reassembler) Receiving() bool { return r.receiving }

// Received returns the number of payload bytes buffered so far.
func (r *Reassembler) Received() int { return len(r.buf) }

// IndexGaps counts data packets whose index did not follow the previous one.
func (r *Reassembler) IndexGaps() int { return r.gaps }

// Reset drops any partial payload and the gap count.
func (r *Reassembler) Reset() {
	r.expected = 0
	r.buf = nil
	r.receiving = false
	r.nextIndex = 0
	r.gaps = 0
}
