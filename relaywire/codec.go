// Package relaywire implements the control-message codec spoken to the
// vendor's cloud relay. Both protocol adapters share it: one persistent
// multiplexed connection carries typed, length-prefixed serialized
// messages for session negotiation, talkback control, device-id
// resolution, and (on the legacy tunnel) media playback.
package relaywire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// Envelope is one framed control message: a type identifier and its
// serialized payload.
type Envelope struct {
	Type    uint64
	Payload []byte
}

// ReadMessage reads one control message from the connection.
// Wire format: [message_type (varint)] [payload_length (uint16 big-endian)] [payload].
func ReadMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		b := bufio.NewReader(r)
		br = b
		r = b
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read message payload: %w", err)
		}
	}

	return msgType, payload, nil
}

// WriteMessage writes one control message as a single Write call so the
// frame stays atomic even without external synchronization.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	_, err := w.Write(EncodeMessage(msgType, payload))
	return err
}

// EncodeMessage serializes a control message into a single frame,
// for transports that deliver whole messages (e.g. websocket).
func EncodeMessage(msgType uint64, payload []byte) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, msgType)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf
}

// DecodeMessage parses a whole-message frame produced by EncodeMessage.
func DecodeMessage(frame []byte) (Envelope, error) {
	typ, payload, err := ReadMessage(newFrameReader(frame))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: payload}, nil
}

// frameReader is a minimal byte reader over a frame, avoiding the
// bufio allocation in DecodeMessage's hot path.
type frameReader struct {
	data []byte
	pos  int
}

func newFrameReader(data []byte) *frameReader {
	return &frameReader{data: data}
}

func (f *frameReader) Read(p []byte) (int, error) {
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.pos:])
	f.pos += n
	return n, nil
}

func (f *frameReader) ReadByte() (byte, error) {
	if f.pos >= len(f.data) {
		return 0, io.EOF
	}
	b := f.data[f.pos]
	f.pos++
	return b, nil
}

// bufReader wraps a byte slice for sequential varint/byte reading of
// message payloads.
type bufReader struct {
	data []byte
	pos  int
}

func newBufReader(data []byte) *bufReader {
	return &bufReader{data: data}
}

func (b *bufReader) readVarint() (uint64, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, err
	}
	b.pos += n
	return val, nil
}

func (b *bufReader) readByte() (byte, error) {
	if b.pos >= len(b.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := b.data[b.pos]
	b.pos++
	return v, nil
}

func (b *bufReader) readVarIntBytes() ([]byte, error) {
	length, err := b.readVarint()
	if err != nil {
		return nil, err
	}
	end := b.pos + int(length)
	if end > len(b.data) || end < b.pos {
		return nil, io.ErrUnexpectedEOF
	}
	val := b.data[b.pos:end]
	b.pos = end
	return val, nil
}

func (b *bufReader) rest() []byte {
	return b.data[b.pos:]
}

// appendVarIntBytes appends a varint-length-prefixed byte string to buf.
func appendVarIntBytes(buf []byte, data []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}
