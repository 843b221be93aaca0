// Package buffer implements the central relay for a single camera
// device: a time-ordered rolling buffer of recent packets, a table of
// named output sessions, and the engine that owns upstream
// connect/disconnect decisions, fallback frame injection, and
// distribution of packets to sessions.
package buffer

import (
	"github.com/kestrelhq/kestrel/media"
)

// Default rolling buffer bounds.
const (
	DefaultMaxAgeMs = 5000
	DefaultMaxCount = 200
)

// RollingBuffer is an ordered sequence of packets bound by an age limit
// and a count limit, evicted from the head whenever either is exceeded.
// It is not safe for concurrent use; the engine serializes access.
type RollingBuffer struct {
	maxAgeMs int64
	maxCount int
	packets  []*media.Packet
}

// NewRollingBuffer creates a buffer with the given bounds. Zero values
// select the defaults.
func NewRollingBuffer(maxAgeMs int64, maxCount int) *RollingBuffer {
	if maxAgeMs <= 0 {
		maxAgeMs = DefaultMaxAgeMs
	}
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	return &RollingBuffer{maxAgeMs: maxAgeMs, maxCount: maxCount}
}

// Insert adds a packet in capture-time order. Producers may deliver
// slightly out of order, so insertion scans backward from the tail; the
// buffer is always sorted ascending by CaptureTime after every call.
func (b *RollingBuffer) Insert(p *media.Packet) {
	i := len(b.packets)
	for i > 0 && b.packets[i-1].CaptureTime > p.CaptureTime {
		i--
	}
	b.packets = append(b.packets, nil)
	copy(b.packets[i+1:], b.packets[i:])
	b.packets[i] = p
}

// Trim evicts from the head until no packet is older than the age limit
// relative to now and the count limit is satisfied.
func (b *RollingBuffer) Trim(nowMs int64) {
	cutoff := nowMs - b.maxAgeMs
	start := 0
	for start < len(b.packets) && b.packets[start].CaptureTime < cutoff {
		start++
	}
	if over := len(b.packets) - start - b.maxCount; over > 0 {
		start += over
	}
	if start > 0 {
		b.packets = append(b.packets[:0], b.packets[start:]...)
	}
}

// TrimAge evicts only by age, leaving the count limit unchecked.
func (b *RollingBuffer) TrimAge(nowMs int64) {
	cutoff := nowMs - b.maxAgeMs
	start := 0
	for start < len(b.packets) && b.packets[start].CaptureTime < cutoff {
		start++
	}
	if start > 0 {
		b.packets = append(b.packets[:0], b.packets[start:]...)
	}
}

// DrainDue removes and returns every packet whose capture time is at or
// before now, preserving order. The buffer is sorted, so due packets
// form a prefix.
func (b *RollingBuffer) DrainDue(nowMs int64) []*media.Packet {
	n := 0
	for n < len(b.packets) && b.packets[n].CaptureTime <= nowMs {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]*media.Packet, n)
	copy(due, b.packets[:n])
	b.packets = append(b.packets[:0], b.packets[n:]...)
	return due
}

// Clone returns an independent buffer seeded with the same packets.
// Packets are immutable, so the clone shares payload bytes but evolves
// separately from the original.
func (b *RollingBuffer) Clone() *RollingBuffer {
	c := &RollingBuffer{
		maxAgeMs: b.maxAgeMs,
		maxCount: b.maxCount,
		packets:  make([]*media.Packet, len(b.packets)),
	}
	copy(c.packets, b.packets)
	return c
}

// Snapshot returns the current contents in order without modifying the
// buffer.
func (b *RollingBuffer) Snapshot() []*media.Packet {
	out := make([]*media.Packet, len(b.packets))
	copy(out, b.packets)
	return out
}

// Len returns the number of buffered packets.
func (b *RollingBuffer) Len() int {
	return len(b.packets)
}
