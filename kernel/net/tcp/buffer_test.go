package tcp

import (
	"bytes"
	"testing"

	"github.com/shiiinji/wasabi/kernel/net"
	"github.com/shiiinji/wasabi/kernel/net/tcp/seqnum"
)

func TestBufferWrapAround(t *testing.T) {
	b := newBuffer(8)

	if n := b.Write([]byte("abcdef")); n != 6 {
		t.Fatalf("expected 6 bytes to be written; got %d", n)
	}

	b.Discard(4)
	if n := b.Write([]byte("ghijklmn")); n != 6 {
		t.Fatalf("expected the write to be limited to the free space; got %d", n)
	}

	if b.Free() != 0 || b.Len() != 8 {
		t.Fatalf("expected a full buffer; got len %d free %d", b.Len(), b.Free())
	}

	peek := make([]byte, 3)
	if n := b.Peek(5, peek); n != 3 || string(peek) != "jkl" {
		t.Fatalf("expected to peek %q across the wrap point; got %q", "jkl", peek[:n])
	}

	out := make([]byte, 16)
	if n := b.Read(out); string(out[:n]) != "efghijkl" {
		t.Fatalf("expected %q; got %q", "efghijkl", out[:n])
	}

	if b.Peek(0, out) != 0 || b.Len() != 0 {
		t.Fatal("expected buffer to be empty")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	src, dst := net.IPv4Addr{10, 0, 2, 15}, net.IPv4Addr{10, 0, 2, 2}

	h := header{
		srcPort: 49152,
		dstPort: 80,
		seq:     seqnum.Value(0xfffffff0),
		ack:     seqnum.Value(7),
		flags:   FlagSYN | FlagACK,
		window:  4096,
		mss:     1460,
	}
	seg := h.marshal(src, dst, []byte("data"))

	if !verifyChecksum(src, dst, seg) {
		t.Fatal("expected checksum to verify")
	}

	got, payload, ok := parseHeader(seg)
	if !ok {
		t.Fatal("expected segment to parse")
	}

	if got != h || !bytes.Equal(payload, []byte("data")) {
		t.Fatalf("expected %+v with payload %q; got %+v with %q", h, "data", got, payload)
	}

	// The checksum covers the pseudo header.
	if verifyChecksum(src, net.IPv4Addr{10, 0, 2, 3}, seg) {
		t.Fatal("expected checksum to fail for another destination")
	}

	specs := []struct {
		seg []byte
	}{
		{seg[:HeaderLen-1]},
		// data offset below the header length
		{append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x40}, make([]byte, 7)...)},
		// data offset past the end of the segment
		{append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xf0}, make([]byte, 7)...)},
		// truncated option
		{append(append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x60}, make([]byte, 7)...), optMSS, 9, 0, 0)},
	}

	for specIndex, spec := range specs {
		if _, _, ok := parseHeader(spec.seg); ok {
			t.Errorf("[spec %d] expected segment to be rejected", specIndex)
		}
	}
}
