package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func feedAll(t *testing.T, r *Reassembler, packets [][]byte) []byte {
	t.Helper()
	var out []byte
	for i, p := range packets {
		got, err := r.Feed(p)
		if err != nil {
			t.Fatalf("Feed(packet %d) error = %v", i, err)
		}
		if got != nil {
			if out != nil {
				t.Fatalf("payload completed twice")
			}
			out = got
		}
	}
	return out
}

func TestReassemblerRoundTrip(t *testing.T) {
	payload := makePayload(21*300 + 4)
	hdr, err := EncodeHeader(len(payload), testMTU)
	if err != nil {
		t.Fatalf("EncodeHeader() error = %v", err)
	}
	data, err := Split(payload, testMTU)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}

	var r Reassembler
	out := feedAll(t, &r, append([][]byte{hdr}, data...))
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled %d bytes, want %d identical bytes", len(out), len(payload))
	}
	if r.IndexGaps() != 0 {
		t.Errorf("IndexGaps() = %d, want 0 across the 256 wrap", r.IndexGaps())
	}
	if r.Receiving() {
		t.Error("Receiving() should be false after completion")
	}
}

func TestReassemblerDataBeforeHeader(t *testing.T) {
	var r Reassembler
	_, err := r.Feed(EncodeData(0, []byte{1, 2}))
	if !errors.Is(err, ErrUnexpectedPkt) {
		t.Errorf("Feed() error = %v, want ErrUnexpectedPkt", err)
	}
}

func TestReassemblerOverrun(t *testing.T) {
	var r Reassembler
	hdr, _ := EncodeHeader(3, testMTU)
	if _, err := r.Feed(hdr); err != nil {
		t.Fatalf("Feed(header) error = %v", err)
	}
	_, err := r.Feed(EncodeData(0, []byte{1, 2, 3, 4}))
	if !errors.Is(err, ErrUnexpectedPkt) {
		t.Errorf("Feed() error = %v, want ErrUnexpectedPkt", err)
	}
	if r.Receiving() {
		t.Error("overrun should reset the reassembler")
	}
}

func TestReassemblerCountsIndexGaps(t *testing.T) {
	var r Reassembler
	hdr, _ := EncodeHeader(6, testMTU)
	r.Feed(hdr)
	r.Feed(EncodeData(0, []byte{1, 2}))
	r.Feed(EncodeData(2, []byte{3, 4})) // index 1 lost
	out, err := r.Feed(EncodeData(3, []byte{5, 6}))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if len(out) != 6 {
		t.Errorf("payload len = %d, want 6", len(out))
	}
	if r.IndexGaps() != 1 {
		t.Errorf("IndexGaps() = %d, want 1", r.IndexGaps())
	}
}

func TestReassemblerResetClearsGaps(t *testing.T) {
	var r Reassembler
	hdr, _ := EncodeHeader(6, testMTU)
	r.Feed(hdr)
	r.Feed(EncodeData(0, []byte{1, 2}))
	r.Feed(EncodeData(5, []byte{3, 4}))
	if r.IndexGaps() != 1 {
		t.Fatalf("IndexGaps() = %d, want 1 before Reset", r.IndexGaps())
	}

	r.Reset()
	if r.IndexGaps() != 0 || r.Receiving() || r.Received() != 0 {
		t.Errorf("after Reset: gaps=%d receiving=%v received=%d, want 0/false/0",
			r.IndexGaps(), r.Receiving(), r.Received())
	}
}

func TestReassemblerOverrunReportsAnnouncedSize(t *testing.T) {
	var r Reassembler
	hdr, _ := EncodeHeader(3, testMTU)
	r.Feed(hdr)
	_, err := r.Feed(EncodeData(0, []byte{1, 2, 3, 4}))
	if err == nil || !strings.Contains(err.Error(), "announced size 3") {
		t.Errorf("Feed() error = %v, want it to name announced size 3", err)
	}
}
