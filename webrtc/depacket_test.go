package webrtc

import (
	"bytes"
	"log/slog"
	"testing"
	"time"
)

type collector struct {
	nals [][]byte
}

func (c *collector) emit(nal []byte) {
	c.nals = append(c.nals, append([]byte(nil), nal...))
}

func newTestDepacketizer(clock *time.Time) (*depacketizer, *collector) {
	c := &collector{}
	d := newDepacketizer(slog.New(slog.DiscardHandler), func() time.Time { return *clock }, c.emit)
	return d, c
}

// fuaFragments splits a NAL into n FU-A payloads.
func fuaFragments(nal []byte, n int) [][]byte {
	header := nal[0]
	body := nal[1:]
	indicator := header&0xE0 | nalTypeFUA

	var out [][]byte
	for i := 0; i < n; i++ {
		start := i * len(body) / n
		end := (i + 1) * len(body) / n
		fu := header & 0x1F
		if i == 0 {
			fu |= 0x80
		}
		if i == n-1 {
			fu |= 0x40
		}
		out = append(out, append([]byte{indicator, fu}, body[start:end]...))
	}
	return out
}

func TestSingleNALPassesThrough(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	nal := []byte{0x41, 1, 2, 3}
	d.Push(nal, 100)

	if len(c.nals) != 1 || !bytes.Equal(c.nals[0], nal) {
		t.Fatalf("emitted %v, want the single NAL unchanged", c.nals)
	}
}

func TestFUAReassemblyEqualsConcatenation(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	nal := []byte{0x41, 10, 11, 12, 13, 14, 15}
	seq := uint16(1)
	for _, frag := range fuaFragments(nal, 3) {
		d.Push(frag, seq)
		seq++
	}

	if len(c.nals) != 1 {
		t.Fatalf("emitted %d NALs, want exactly 1", len(c.nals))
	}
	if !bytes.Equal(c.nals[0], nal) {
		t.Errorf("reassembled = %v, want %v", c.nals[0], nal)
	}
}

func TestStaleChainIsDiscarded(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	frags := fuaFragments([]byte{0x41, 1, 2, 3, 4}, 3)
	d.Push(frags[0], 1)
	d.Push(frags[1], 2)

	// Silence past the expiry window, then the chain's end arrives.
	clock = clock.Add(2 * time.Second)
	d.Push(frags[2], 3)

	if len(c.nals) != 0 {
		t.Fatalf("emitted %d NALs from an expired chain, want 0", len(c.nals))
	}
	if d.inChain {
		t.Error("partial chain state not freed after expiry")
	}
}

func TestSequenceGapDropsChain(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	frags := fuaFragments([]byte{0x41, 1, 2, 3, 4}, 3)
	d.Push(frags[0], 1)
	d.Push(frags[2], 5) // middle fragment lost

	if len(c.nals) != 0 {
		t.Fatalf("emitted %d NALs across a loss, want 0", len(c.nals))
	}
}

func TestSTAPAUnpacksAllUnits(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	a := []byte{0x41, 1}
	b := []byte{0x41, 2, 3}
	stap := []byte{nalTypeSTAPA}
	stap = append(stap, 0, byte(len(a)))
	stap = append(stap, a...)
	stap = append(stap, 0, byte(len(b)))
	stap = append(stap, b...)

	d.Push(stap, 1)

	if len(c.nals) != 2 {
		t.Fatalf("emitted %d NALs, want 2", len(c.nals))
	}
	if !bytes.Equal(c.nals[0], a) || !bytes.Equal(c.nals[1], b) {
		t.Errorf("emitted %v, want %v and %v", c.nals, a, b)
	}
}

func TestParameterSetsPrecedeIDR(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	sps := []byte{0x67, 0xAA}
	pps := []byte{0x68, 0xBB}
	idr := []byte{0x65, 0xCC}

	d.Push(sps, 1)
	d.Push(pps, 2)
	d.Push([]byte{0x41, 1}, 3)
	c.nals = nil

	d.Push(idr, 4)

	if len(c.nals) != 3 {
		t.Fatalf("emitted %d NALs around the IDR, want 3", len(c.nals))
	}
	if !bytes.Equal(c.nals[0], sps) || !bytes.Equal(c.nals[1], pps) || !bytes.Equal(c.nals[2], idr) {
		t.Errorf("emit order = %v, want SPS, PPS, IDR", c.nals)
	}
}

func TestInvalidNALDropped(t *testing.T) {
	t.Parallel()

	clock := time.UnixMilli(0)
	d, c := newTestDepacketizer(&clock)

	d.Push([]byte{0x80, 1}, 1) // forbidden_zero_bit set
	d.Push(nil, 2)

	if len(c.nals) != 0 {
		t.Fatalf("emitted %d NALs from invalid input, want 0", len(c.nals))
	}
}
