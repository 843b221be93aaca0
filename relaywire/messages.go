package relaywire

import (
	"github.com/quic-go/quic-go/quicvarint"
)

// Control message type IDs.
const (
	MsgHello           uint64 = 0x01
	MsgHelloOK         uint64 = 0x02
	MsgJoin            uint64 = 0x03
	MsgJoinOK          uint64 = 0x04
	MsgJoinError       uint64 = 0x05
	MsgExtend          uint64 = 0x06
	MsgExtendOK        uint64 = 0x07
	MsgEnd             uint64 = 0x08
	MsgResolveDevice   uint64 = 0x09
	MsgResolveDeviceOK uint64 = 0x0a
	MsgTalkStart       uint64 = 0x0b
	MsgTalkStartOK     uint64 = 0x0c
	MsgTalkStop        uint64 = 0x0d
	MsgTalkData        uint64 = 0x0e
	MsgPlayback        uint64 = 0x10
	MsgPlaybackEnd     uint64 = 0x11
	MsgPing            uint64 = 0x12
	MsgPong            uint64 = 0x13
)

// Version is the relay protocol version this implementation speaks.
const Version uint64 = 0x03

// Media channel identifiers carried in JoinOK channel descriptors and
// playback messages.
const (
	ChannelVideo byte = 0x00
	ChannelAudio byte = 0x01
	ChannelTalk  byte = 0x02
	ChannelMeta  byte = 0x03
)

// Hello opens a control session with the relay.
type Hello struct {
	Versions []uint64
	ClientID string
}

// HelloOK confirms the control session and states the keep-alive period.
type HelloOK struct {
	SelectedVersion uint64
	KeepAliveMs     uint64
}

// Join requests a media session for a device. Offer carries the local
// session description on the peer-connection path and is empty on the
// legacy tunnel.
type Join struct {
	RequestID uint64
	DeviceID  string
	SessionID string
	Offer     string
}

// Channel describes one media sub-stream granted by the relay.
type Channel struct {
	ID        byte
	Media     byte
	ClockRate uint64
	SSRC      uint64
}

// JoinOK grants a media session. Answer carries the remote session
// description on the peer-connection path.
type JoinOK struct {
	RequestID uint64
	SessionID string
	ExpiresMs uint64
	Answer    string
	Channels  []Channel
}

// JoinError rejects a join request.
type JoinError struct {
	RequestID uint64
	ErrorCode uint64
	Reason    string
}

// Extend renews a media session lease before it expires.
type Extend struct {
	RequestID uint64
	SessionID string
}

// ExtendOK confirms a lease renewal.
type ExtendOK struct {
	RequestID uint64
	ExpiresMs uint64
}

// End terminates a media session.
type End struct {
	RequestID uint64
	SessionID string
}

// ResolveDevice maps a vendor account device identifier to the relay's
// internal device id.
type ResolveDevice struct {
	RequestID  uint64
	ExternalID string
}

// ResolveDeviceOK carries the resolved device id.
type ResolveDeviceOK struct {
	RequestID uint64
	DeviceID  string
}

// TalkStart announces outgoing talkback audio for a session. SSRC is
// the synchronization source the sender will use, matching the inbound
// audio track on the peer-connection path.
type TalkStart struct {
	RequestID uint64
	SessionID string
	SSRC      uint64
}

// TalkStartOK confirms talkback setup.
type TalkStartOK struct {
	RequestID uint64
}

// TalkStop ends outgoing talkback audio.
type TalkStop struct {
	RequestID uint64
	SessionID string
}

// TalkData carries one frame of outgoing talkback audio on the tunnel.
type TalkData struct {
	Channel byte
	Payload []byte
}

// Playback carries one elementary media payload on the legacy tunnel.
type Playback struct {
	Channel   byte
	Timestamp uint64
	Seq       uint64
	Payload   []byte
}

// Ping and Pong keep the control connection alive.
type Ping struct {
	Timestamp uint64
}

// Pong answers a Ping.
type Pong struct {
	Timestamp uint64
}

// SerializeHello serializes a HELLO payload.
func SerializeHello(h Hello) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, uint64(len(h.Versions)))
	for _, v := range h.Versions {
		buf = quicvarint.Append(buf, v)
	}
	buf = appendVarIntBytes(buf, []byte(h.ClientID))
	return buf
}

// ParseHello parses a HELLO payload.
func ParseHello(data []byte) (Hello, error) {
	r := newBufReader(data)
	var h Hello

	n, err := r.readVarint()
	if err != nil {
		return h, &ParseError{Field: "num_versions", Err: err}
	}
	h.Versions = make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		v, err := r.readVarint()
		if err != nil {
			return h, &ParseError{Field: "version", Err: err}
		}
		h.Versions[i] = v
	}

	id, err := r.readVarIntBytes()
	if err != nil {
		return h, &ParseError{Field: "client_id", Err: err}
	}
	h.ClientID = string(id)
	return h, nil
}

// SerializeHelloOK serializes a HELLO_OK payload.
func SerializeHelloOK(h HelloOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, h.SelectedVersion)
	buf = quicvarint.Append(buf, h.KeepAliveMs)
	return buf
}

// ParseHelloOK parses a HELLO_OK payload.
func ParseHelloOK(data []byte) (HelloOK, error) {
	r := newBufReader(data)
	var h HelloOK
	var err error

	if h.SelectedVersion, err = r.readVarint(); err != nil {
		return h, &ParseError{Field: "selected_version", Err: err}
	}
	if h.KeepAliveMs, err = r.readVarint(); err != nil {
		return h, &ParseError{Field: "keepalive_ms", Err: err}
	}
	return h, nil
}

// SerializeJoin serializes a JOIN payload.
func SerializeJoin(j Join) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, j.RequestID)
	buf = appendVarIntBytes(buf, []byte(j.DeviceID))
	buf = appendVarIntBytes(buf, []byte(j.SessionID))
	buf = appendVarIntBytes(buf, []byte(j.Offer))
	return buf
}

// ParseJoin parses a JOIN payload.
func ParseJoin(data []byte) (Join, error) {
	r := newBufReader(data)
	var j Join
	var err error

	if j.RequestID, err = r.readVarint(); err != nil {
		return j, &ParseError{Field: "request_id", Err: err}
	}
	dev, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "device_id", Err: err}
	}
	j.DeviceID = string(dev)

	sess, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "session_id", Err: err}
	}
	j.SessionID = string(sess)

	offer, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "offer", Err: err}
	}
	j.Offer = string(offer)
	return j, nil
}

// SerializeJoinOK serializes a JOIN_OK payload.
func SerializeJoinOK(j JoinOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, j.RequestID)
	buf = appendVarIntBytes(buf, []byte(j.SessionID))
	buf = quicvarint.Append(buf, j.ExpiresMs)
	buf = appendVarIntBytes(buf, []byte(j.Answer))
	buf = quicvarint.Append(buf, uint64(len(j.Channels)))
	for _, ch := range j.Channels {
		buf = append(buf, ch.ID, ch.Media)
		buf = quicvarint.Append(buf, ch.ClockRate)
		buf = quicvarint.Append(buf, ch.SSRC)
	}
	return buf
}

// ParseJoinOK parses a JOIN_OK payload.
func ParseJoinOK(data []byte) (JoinOK, error) {
	r := newBufReader(data)
	var j JoinOK
	var err error

	if j.RequestID, err = r.readVarint(); err != nil {
		return j, &ParseError{Field: "request_id", Err: err}
	}
	sess, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "session_id", Err: err}
	}
	j.SessionID = string(sess)

	if j.ExpiresMs, err = r.readVarint(); err != nil {
		return j, &ParseError{Field: "expires_ms", Err: err}
	}

	answer, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "answer", Err: err}
	}
	j.Answer = string(answer)

	n, err := r.readVarint()
	if err != nil {
		return j, &ParseError{Field: "num_channels", Err: err}
	}
	j.Channels = make([]Channel, 0, n)
	for i := uint64(0); i < n; i++ {
		var ch Channel
		if ch.ID, err = r.readByte(); err != nil {
			return j, &ParseError{Field: "channel_id", Err: err}
		}
		if ch.Media, err = r.readByte(); err != nil {
			return j, &ParseError{Field: "channel_media", Err: err}
		}
		if ch.ClockRate, err = r.readVarint(); err != nil {
			return j, &ParseError{Field: "channel_clock_rate", Err: err}
		}
		if ch.SSRC, err = r.readVarint(); err != nil {
			return j, &ParseError{Field: "channel_ssrc", Err: err}
		}
		j.Channels = append(j.Channels, ch)
	}
	return j, nil
}

// SerializeJoinError serializes a JOIN_ERROR payload.
func SerializeJoinError(j JoinError) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, j.RequestID)
	buf = quicvarint.Append(buf, j.ErrorCode)
	buf = appendVarIntBytes(buf, []byte(j.Reason))
	return buf
}

// ParseJoinError parses a JOIN_ERROR payload.
func ParseJoinError(data []byte) (JoinError, error) {
	r := newBufReader(data)
	var j JoinError
	var err error

	if j.RequestID, err = r.readVarint(); err != nil {
		return j, &ParseError{Field: "request_id", Err: err}
	}
	if j.ErrorCode, err = r.readVarint(); err != nil {
		return j, &ParseError{Field: "error_code", Err: err}
	}
	reason, err := r.readVarIntBytes()
	if err != nil {
		return j, &ParseError{Field: "reason", Err: err}
	}
	j.Reason = string(reason)
	return j, nil
}

// SerializeExtend serializes an EXTEND payload.
func SerializeExtend(e Extend) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, e.RequestID)
	buf = appendVarIntBytes(buf, []byte(e.SessionID))
	return buf
}

// ParseExtend parses an EXTEND payload.
func ParseExtend(data []byte) (Extend, error) {
	r := newBufReader(data)
	var e Extend
	var err error

	if e.RequestID, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "request_id", Err: err}
	}
	sess, err := r.readVarIntBytes()
	if err != nil {
		return e, &ParseError{Field: "session_id", Err: err}
	}
	e.SessionID = string(sess)
	return e, nil
}

// SerializeExtendOK serializes an EXTEND_OK payload.
func SerializeExtendOK(e ExtendOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, e.RequestID)
	buf = quicvarint.Append(buf, e.ExpiresMs)
	return buf
}

// ParseExtendOK parses an EXTEND_OK payload.
func ParseExtendOK(data []byte) (ExtendOK, error) {
	r := newBufReader(data)
	var e ExtendOK
	var err error

	if e.RequestID, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "request_id", Err: err}
	}
	if e.ExpiresMs, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "expires_ms", Err: err}
	}
	return e, nil
}

// SerializeEnd serializes an END payload.
func SerializeEnd(e End) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, e.RequestID)
	buf = appendVarIntBytes(buf, []byte(e.SessionID))
	return buf
}

// ParseEnd parses an END payload.
func ParseEnd(data []byte) (End, error) {
	r := newBufReader(data)
	var e End
	var err error

	if e.RequestID, err = r.readVarint(); err != nil {
		return e, &ParseError{Field: "request_id", Err: err}
	}
	sess, err := r.readVarIntBytes()
	if err != nil {
		return e, &ParseError{Field: "session_id", Err: err}
	}
	e.SessionID = string(sess)
	return e, nil
}

// SerializeResolveDevice serializes a RESOLVE_DEVICE payload.
func SerializeResolveDevice(rd ResolveDevice) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, rd.RequestID)
	buf = appendVarIntBytes(buf, []byte(rd.ExternalID))
	return buf
}

// ParseResolveDevice parses a RESOLVE_DEVICE payload.
func ParseResolveDevice(data []byte) (ResolveDevice, error) {
	r := newBufReader(data)
	var rd ResolveDevice
	var err error

	if rd.RequestID, err = r.readVarint(); err != nil {
		return rd, &ParseError{Field: "request_id", Err: err}
	}
	ext, err := r.readVarIntBytes()
	if err != nil {
		return rd, &ParseError{Field: "external_id", Err: err}
	}
	rd.ExternalID = string(ext)
	return rd, nil
}

// SerializeResolveDeviceOK serializes a RESOLVE_DEVICE_OK payload.
func SerializeResolveDeviceOK(rd ResolveDeviceOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, rd.RequestID)
	buf = appendVarIntBytes(buf, []byte(rd.DeviceID))
	return buf
}

// ParseResolveDeviceOK parses a RESOLVE_DEVICE_OK payload.
func ParseResolveDeviceOK(data []byte) (ResolveDeviceOK, error) {
	r := newBufReader(data)
	var rd ResolveDeviceOK
	var err error

	if rd.RequestID, err = r.readVarint(); err != nil {
		return rd, &ParseError{Field: "request_id", Err: err}
	}
	dev, err := r.readVarIntBytes()
	if err != nil {
		return rd, &ParseError{Field: "device_id", Err: err}
	}
	rd.DeviceID = string(dev)
	return rd, nil
}

// SerializeTalkStart serializes a TALK_START payload.
func SerializeTalkStart(t TalkStart) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, t.RequestID)
	buf = appendVarIntBytes(buf, []byte(t.SessionID))
	buf = quicvarint.Append(buf, t.SSRC)
	return buf
}

// ParseTalkStart parses a TALK_START payload.
func ParseTalkStart(data []byte) (TalkStart, error) {
	r := newBufReader(data)
	var t TalkStart
	var err error

	if t.RequestID, err = r.readVarint(); err != nil {
		return t, &ParseError{Field: "request_id", Err: err}
	}
	sess, err := r.readVarIntBytes()
	if err != nil {
		return t, &ParseError{Field: "session_id", Err: err}
	}
	t.SessionID = string(sess)

	if t.SSRC, err = r.readVarint(); err != nil {
		return t, &ParseError{Field: "ssrc", Err: err}
	}
	return t, nil
}

// SerializeTalkStartOK serializes a TALK_START_OK payload.
func SerializeTalkStartOK(t TalkStartOK) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, t.RequestID)
	return buf
}

// ParseTalkStartOK parses a TALK_START_OK payload.
func ParseTalkStartOK(data []byte) (TalkStartOK, error) {
	r := newBufReader(data)
	reqID, err := r.readVarint()
	if err != nil {
		return TalkStartOK{}, &ParseError{Field: "request_id", Err: err}
	}
	return TalkStartOK{RequestID: reqID}, nil
}

// SerializeTalkStop serializes a TALK_STOP payload.
func SerializeTalkStop(t TalkStop) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, t.RequestID)
	buf = appendVarIntBytes(buf, []byte(t.SessionID))
	return buf
}

// ParseTalkStop parses a TALK_STOP payload.
func ParseTalkStop(data []byte) (TalkStop, error) {
	r := newBufReader(data)
	var t TalkStop
	var err error

	if t.RequestID, err = r.readVarint(); err != nil {
		return t, &ParseError{Field: "request_id", Err: err}
	}
	sess, err := r.readVarIntBytes()
	if err != nil {
		return t, &ParseError{Field: "session_id", Err: err}
	}
	t.SessionID = string(sess)
	return t, nil
}

// SerializeTalkData serializes a TALK_DATA payload. The audio bytes run
// to the end of the message, so no length prefix is needed.
func SerializeTalkData(t TalkData) []byte {
	var buf []byte
	buf = append(buf, t.Channel)
	buf = append(buf, t.Payload...)
	return buf
}

// ParseTalkData parses a TALK_DATA payload.
func ParseTalkData(data []byte) (TalkData, error) {
	r := newBufReader(data)
	ch, err := r.readByte()
	if err != nil {
		return TalkData{}, &ParseError{Field: "channel", Err: err}
	}
	return TalkData{Channel: ch, Payload: r.rest()}, nil
}

// SerializePlayback serializes a PLAYBACK payload. The media bytes run
// to the end of the message, so no length prefix is needed.
func SerializePlayback(p Playback) []byte {
	var buf []byte
	buf = append(buf, p.Channel)
	buf = quicvarint.Append(buf, p.Timestamp)
	buf = quicvarint.Append(buf, p.Seq)
	buf = append(buf, p.Payload...)
	return buf
}

// ParsePlayback parses a PLAYBACK payload.
func ParsePlayback(data []byte) (Playback, error) {
	r := newBufReader(data)
	var p Playback
	var err error

	if p.Channel, err = r.readByte(); err != nil {
		return p, &ParseError{Field: "channel", Err: err}
	}
	if p.Timestamp, err = r.readVarint(); err != nil {
		return p, &ParseError{Field: "timestamp", Err: err}
	}
	if p.Seq, err = r.readVarint(); err != nil {
		return p, &ParseError{Field: "seq", Err: err}
	}
	p.Payload = r.rest()
	return p, nil
}

// SerializePing serializes a PING payload.
func SerializePing(p Ping) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, p.Timestamp)
	return buf
}

// ParsePing parses a PING payload.
func ParsePing(data []byte) (Ping, error) {
	r := newBufReader(data)
	ts, err := r.readVarint()
	if err != nil {
		return Ping{}, &ParseError{Field: "timestamp", Err: err}
	}
	return Ping{Timestamp: ts}, nil
}

// SerializePong serializes a PONG payload.
func SerializePong(p Pong) []byte {
	var buf []byte
	buf = quicvarint.Append(buf, p.Timestamp)
	return buf
}

// ParsePong parses a PONG payload.
func ParsePong(data []byte) (Pong, error) {
	r := newBufReader(data)
	ts, err := r.readVarint()
	if err != nil {
		return Pong{}, &ParseError{Field: "timestamp", Err: err}
	}
	return Pong{Timestamp: ts}, nil
}
