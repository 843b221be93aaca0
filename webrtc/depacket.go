// Package webrtc implements the peer-connection style upstream adapter:
// websocket signaling with the vendor relay, SDP answer parsing, RTP
// demux and H.264 depacketization, talkback, and a stall watchdog.
package webrtc

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/kestrelhq/kestrel/media"
)

// RTP H.264 packetization types (RFC 6184).
const (
	nalTypeSTAPA = 24
	nalTypeFUA   = 28
)

// defaultChainExpiry bounds how long a partial fragmentation chain may
// wait for its remaining packets before being discarded.
const defaultChainExpiry = 1500 * time.Millisecond

// depacketizer reassembles H.264 NAL units from RTP payloads: single
// NAL, STAP-A aggregates, and FU-A fragmentation chains. It caches the
// most recent SPS/PPS and re-emits them immediately before every IDR so
// a newly joined consumer's stream is self-describing.
type depacketizer struct {
	log    *slog.Logger
	expiry time.Duration
	now    func() time.Time
	emit   func(nal []byte)

	sps []byte
	pps []byte

	chain      []byte
	chainStart time.Time
	inChain    bool

	lastSeq uint16
	haveSeq bool
}

func newDepacketizer(log *slog.Logger, now func() time.Time, emit func(nal []byte)) *depacketizer {
	return &depacketizer{
		log:    log,
		expiry: defaultChainExpiry,
		now:    now,
		emit:   emit,
	}
}

// Push processes one RTP payload. Malformed input drops only the
// affected packet or chain; discontinuities are logged, never fatal.
func (d *depacketizer) Push(payload []byte, seq uint16) {
	gap := d.haveSeq && seq != d.lastSeq+1
	if gap {
		d.log.Debug("sequence discontinuity", "expected", d.lastSeq+1, "got", seq)
	}
	d.lastSeq = seq
	d.haveSeq = true

	d.expireChain(gap)

	if len(payload) == 0 {
		return
	}

	switch payload[0] & 0x1F {
	case nalTypeSTAPA:
		d.pushSTAPA(payload[1:])
	case nalTypeFUA:
		d.pushFUA(payload)
	default:
		d.emitNAL(payload)
	}
}

// expireChain drops an in-progress chain on a sequence gap or when it
// is older than the expiry window, freeing the partial state.
func (d *depacketizer) expireChain(gap bool) {
	if !d.inChain {
		return
	}
	if gap || d.now().Sub(d.chainStart) > d.expiry {
		d.log.Debug("discarding incomplete fragment chain", "bytes", len(d.chain))
		d.chain = nil
		d.inChain = false
	}
}

// pushSTAPA unpacks a STAP-A aggregate: repeated 2-byte big-endian
// size followed by one NAL each.
func (d *depacketizer) pushSTAPA(data []byte) {
	for len(data) >= 2 {
		size := int(binary.BigEndian.Uint16(data))
		data = data[2:]
		if size == 0 || size > len(data) {
			d.log.Debug("truncated aggregate unit", "size", size, "remaining", len(data))
			return
		}
		d.emitNAL(data[:size])
		data = data[size:]
	}
}

// pushFUA accumulates one fragmentation-unit packet. The start
// fragment reconstructs the original NAL header from the indicator and
// the fragment type; the end fragment emits the whole unit.
func (d *depacketizer) pushFUA(payload []byte) {
	if len(payload) < 2 {
		return
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		if d.inChain {
			d.log.Debug("fragment start with chain open, dropping previous", "bytes", len(d.chain))
		}
		nalHeader := indicator&0xE0 | header&0x1F
		d.chain = append(d.chain[:0], nalHeader)
		d.chainStart = d.now()
		d.inChain = true
	} else if !d.inChain {
		// Continuation without a start: the head was lost.
		return
	}

	d.chain = append(d.chain, payload[2:]...)

	if end {
		nal := make([]byte, len(d.chain))
		copy(nal, d.chain)
		d.chain = nil
		d.inChain = false
		d.emitNAL(nal)
	}
}

// emitNAL validates a complete unit, maintains the parameter-set
// cache, and emits. IDRs are preceded by the cached SPS and PPS.
func (d *depacketizer) emitNAL(nal []byte) {
	if !media.ValidNAL(nal) {
		d.log.Debug("dropping invalid NAL", "len", len(nal))
		return
	}

	switch t := media.NALType(nal); {
	case media.IsSPS(t):
		d.sps = append([]byte(nil), nal...)
	case media.IsPPS(t):
		d.pps = append([]byte(nil), nal...)
	case media.IsKeyframe(t):
		if d.sps != nil {
			d.emit(d.sps)
		}
		if d.pps != nil {
			d.emit(d.pps)
		}
	}

	d.emit(nal)
}
