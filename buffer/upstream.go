package buffer

import (
	"context"

	"github.com/kestrelhq/kestrel/media"
)

// Events are the callbacks an adapter drives as its connection to the
// relay progresses. The engine binds them once at construction; state
// transitions are driven only by these signals, never inferred.
type Events struct {
	// Packet delivers one demuxed media packet. Called synchronously
	// from the adapter's receive path; invocations never interleave.
	Packet func(kind media.Kind, payload []byte, captureTimeMs int64, seq uint32)

	// Connected signals that negotiation succeeded and media is flowing.
	Connected func()

	// Closed signals that the upstream connection ended, expectedly or
	// not. The engine decides whether to reconnect.
	Closed func(err error)
}

// Upstream is the protocol adapter interface the engine drives. Exactly
// one implementation is active per device, chosen by capability
// negotiation at construction time.
type Upstream interface {
	// Bind installs the engine's event callbacks. Called once, before
	// any Connect.
	Bind(ev Events)

	// Connect negotiates a media session with the vendor relay. It
	// returns once the session is established or rejected; packets then
	// flow through the bound callbacks.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Safe to call in any state.
	Disconnect()

	// SendTalk forwards one frame of talkback audio to the camera.
	// A zero-length frame signals end-of-talk.
	SendTalk(b []byte) error

	// Framing names the strategy used to re-frame video payloads when
	// they are written to sinks.
	Framing() media.Framing
}

// Capabilities describes what transports a device supports, learned
// from the vendor account metadata.
type Capabilities struct {
	PeerConnection bool
}

// Negotiate selects the adapter for a device: the peer-connection
// adapter when the device supports it, otherwise the legacy tunnel.
// The choice is resolved once here and never re-checked per call.
func Negotiate(caps Capabilities, peer, legacy Upstream) Upstream {
	if caps.PeerConnection && peer != nil {
		return peer
	}
	return legacy
}
