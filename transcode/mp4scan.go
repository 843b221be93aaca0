package transcode

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// Fragment is one export unit handed to the recording generator:
// complete boxes up to and including a moov or mdat boundary. IsLast
// marks the final fragment when the stream ends.
type Fragment struct {
	Data   []byte
	IsLast bool
}

// mp4 box header: 4-byte big-endian size followed by a 4-character
// type, size inclusive of the header.
const boxHeaderLen = 8

// ScanFragments reads the transcoder's fragmented-MP4 output and
// yields one Fragment per moov/mdat boundary. The channel closes after
// the final fragment. A closed exited channel wakes a blocked send so
// a dead process cannot leave the consumer hanging.
func ScanFragments(r io.Reader, exited <-chan struct{}, log *slog.Logger) <-chan Fragment {
	if log == nil {
		log = slog.Default()
	}
	out := make(chan Fragment)

	go func() {
		defer close(out)
		var pending []byte

		for {
			box, typ, err := readBox(r)
			if err != nil {
				if err != io.EOF {
					log.Debug("export scan ended", "error", err)
				}
				if len(pending) > 0 {
					send(out, Fragment{Data: pending, IsLast: true}, exited)
				} else {
					send(out, Fragment{IsLast: true}, exited)
				}
				return
			}

			pending = append(pending, box...)
			if typ == "moov" || typ == "mdat" {
				if !send(out, Fragment{Data: pending}, exited) {
					return
				}
				pending = nil
			}
		}
	}()
	return out
}

// send delivers a fragment unless the consumer is gone and the process
// already exited.
func send(out chan<- Fragment, f Fragment, exited <-chan struct{}) bool {
	select {
	case out <- f:
		return true
	case <-exited:
		return false
	}
}

// readBox reads one complete box, header included.
func readBox(r io.Reader) ([]byte, string, error) {
	header := make([]byte, boxHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, "", io.EOF
		}
		return nil, "", err
	}

	size := binary.BigEndian.Uint32(header)
	typ := string(header[4:])
	if size < boxHeaderLen {
		return nil, "", fmt.Errorf("invalid box size %d for type %q", size, typ)
	}

	box := make([]byte, size)
	copy(box, header)
	if _, err := io.ReadFull(r, box[boxHeaderLen:]); err != nil {
		return nil, "", fmt.Errorf("truncated %q box: %w", typ, err)
	}
	return box, typ, nil
}
