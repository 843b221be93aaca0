package transcode

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"
)

func box(typ string, payload []byte) []byte {
	b := make([]byte, boxHeaderLen+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:], typ)
	copy(b[boxHeaderLen:], payload)
	return b
}

func collectFragments(t *testing.T, ch <-chan Fragment) []Fragment {
	t.Helper()
	var out []Fragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("scanner never finished")
		}
	}
}

func TestScanFragmentsSplitsAtBoundaries(t *testing.T) {
	t.Parallel()

	ftyp := box("ftyp", []byte("isom"))
	moov := box("moov", bytes.Repeat([]byte{1}, 32))
	moof := box("moof", []byte{2, 2})
	mdat := box("mdat", bytes.Repeat([]byte{3}, 16))

	var stream []byte
	stream = append(stream, ftyp...)
	stream = append(stream, moov...)
	stream = append(stream, moof...)
	stream = append(stream, mdat...)

	exited := make(chan struct{})
	frags := collectFragments(t, ScanFragments(bytes.NewReader(stream), exited, slog.New(slog.DiscardHandler)))

	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3 (moov boundary, mdat boundary, final)", len(frags))
	}

	// ftyp rides with the moov fragment, moof with the mdat fragment.
	if want := append(append([]byte(nil), ftyp...), moov...); !bytes.Equal(frags[0].Data, want) {
		t.Errorf("fragment 0 = %d bytes, want ftyp+moov (%d bytes)", len(frags[0].Data), len(want))
	}
	if frags[0].IsLast {
		t.Error("fragment 0 marked last")
	}
	if want := append(append([]byte(nil), moof...), mdat...); !bytes.Equal(frags[1].Data, want) {
		t.Errorf("fragment 1 = %d bytes, want moof+mdat (%d bytes)", len(frags[1].Data), len(want))
	}
	if !frags[2].IsLast {
		t.Error("final fragment not marked last")
	}
}

func TestScanFragmentsTruncatedStream(t *testing.T) {
	t.Parallel()

	moov := box("moov", []byte{1, 2, 3})
	stream := append(append([]byte(nil), moov...), 0, 0) // trailing garbage

	exited := make(chan struct{})
	frags := collectFragments(t, ScanFragments(bytes.NewReader(stream), exited, slog.New(slog.DiscardHandler)))

	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want moov plus final", len(frags))
	}
	if !bytes.Equal(frags[0].Data, moov) {
		t.Error("moov fragment corrupted by trailing garbage")
	}
	if !frags[1].IsLast {
		t.Error("final fragment not marked last")
	}
}

func TestScanFragmentsWakesOnProcessExit(t *testing.T) {
	t.Parallel()

	// A reader that delivers one complete fragment and then blocks
	// forever, standing in for a wedged transcoder pipe with an
	// abandoned consumer.
	pr, pw := io.Pipe()
	go func() {
		pw.Write(box("moov", []byte{1}))
	}()

	exited := make(chan struct{})
	ch := ScanFragments(pr, exited, slog.New(slog.DiscardHandler))

	// Nobody reads the fragment; the exit signal must unblock the
	// scanner's pending send so the goroutine terminates.
	time.Sleep(20 * time.Millisecond)
	close(exited)
	pw.CloseWithError(io.ErrClosedPipe)

	select {
	case _, ok := <-ch:
		if ok {
			// The fragment may still be delivered if the send won the
			// race; drain to closure either way.
			for range ch {
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scanner stayed blocked after process exit")
	}
}
