package webrtc

import "time"

// clockTracker reconstructs wall-clock capture times from RTP transport
// timestamps. The first packet anchors (base timestamp, base wall
// clock); later packets are offset by transport-timestamp delta scaled
// by the clock rate. Results never exceed now, guarding against clock
// skew producing future timestamps.
type clockTracker struct {
	clockRate uint32
	base      uint32
	baseWall  time.Time
	anchored  bool
}

func newClockTracker(clockRate uint32) *clockTracker {
	if clockRate == 0 {
		clockRate = 90000
	}
	return &clockTracker{clockRate: clockRate}
}

// CaptureMs returns the Unix-millisecond capture time for a transport
// timestamp. Unsigned subtraction makes 32-bit wrap transparent for
// forward movement.
func (c *clockTracker) CaptureMs(ts uint32, now time.Time) int64 {
	if !c.anchored {
		c.base = ts
		c.baseWall = now
		c.anchored = true
		return now.UnixMilli()
	}

	delta := ts - c.base
	elapsed := time.Duration(delta) * time.Second / time.Duration(c.clockRate)
	wall := c.baseWall.Add(elapsed)
	if wall.After(now) {
		wall = now
	}
	return wall.UnixMilli()
}

// Reset drops the anchor so the next packet re-anchors, used after a
// reconnect when the transport timestamp base changes.
func (c *clockTracker) Reset() {
	c.anchored = false
}
