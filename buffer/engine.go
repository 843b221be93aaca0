package buffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelhq/kestrel/media"
)

// ConnState is the upstream connection state for one device.
type ConnState int

// Connection states. Transitions are driven by adapter signals and
// session-need evaluation, never inferred from packet flow.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DeviceState mirrors the device-update fields routed from the bridge
// framework. Any field change forces a disconnect/reconnect cycle.
type DeviceState struct {
	Online           bool
	StreamingEnabled bool
	AudioEnabled     bool
	Migrating        bool
}

// Default output-loop timing.
const (
	DefaultTickInterval     = 40 * time.Millisecond
	DefaultFallbackInterval = 200 * time.Millisecond
)

// bufferSessionID is the fixed id of the single pre-roll session.
const bufferSessionID = "buffer"

// Config carries per-engine settings. One engine serves one device;
// nothing here is shared across devices.
type Config struct {
	DeviceID         string
	MaxAgeMs         int64
	MaxCount         int
	TickInterval     time.Duration
	FallbackInterval time.Duration
	Fallback         FallbackFrames
	Now              func() time.Time
	Logger           *slog.Logger
}

// EngineStats is a point-in-time snapshot of delivery counters.
type EngineStats struct {
	PacketsAdded   int64 `json:"packetsAdded"`
	PacketsDropped int64 `json:"packetsDropped"`
	FallbackWrites int64 `json:"fallbackWrites"`
	SinkErrors     int64 `json:"sinkErrors"`
}

// Engine is the central relay for one device. It owns the rolling
// buffer and session table, makes all upstream connect/disconnect
// decisions, injects fallback frames, and distributes packets to
// sessions with independent per-session windows.
type Engine struct {
	log     *slog.Logger
	cfg     Config
	up      Upstream
	framing media.Framing
	gate    *rate.Limiter
	now     func() time.Time

	mu            sync.Mutex
	rolling       *RollingBuffer
	sessions      map[string]*session
	state         ConnState
	device        DeviceState
	sessionCancel context.CancelFunc
	connectGen    uint64

	packetsAdded   atomic.Int64
	packetsDropped atomic.Int64
	fallbackWrites atomic.Int64
	sinkErrors     atomic.Int64
}

// NewEngine creates an Engine bound to the given upstream adapter. The
// adapter's event callbacks are installed here, once; the engine then
// owns every connect/disconnect decision for the device.
func NewEngine(cfg Config, up Upstream) *Engine {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = DefaultFallbackInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		log:      log.With("component", "engine", "device", cfg.DeviceID),
		cfg:      cfg,
		up:       up,
		framing:  up.Framing(),
		gate:     rate.NewLimiter(rate.Every(cfg.FallbackInterval), 1),
		now:      now,
		rolling:  NewRollingBuffer(cfg.MaxAgeMs, cfg.MaxCount),
		sessions: make(map[string]*session),
		device:   DeviceState{Online: true, StreamingEnabled: true, AudioEnabled: true},
	}

	up.Bind(Events{
		Packet:    e.AddPacket,
		Connected: e.upstreamConnected,
		Closed:    e.upstreamClosed,
	})
	return e
}

// nowMs returns the injected clock as Unix milliseconds.
func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

// AddPacket validates and buffers one packet from the adapter. Video
// payloads have their start code stripped and the inferred NAL type
// checked; rejects are dropped without affecting other packets. The
// packet lands in the shared rolling buffer and in every live/record
// session's private buffer, all trimmed afterward.
func (e *Engine) AddPacket(kind media.Kind, payload []byte, captureTimeMs int64, seq uint32) {
	if !kind.Valid() || kind == media.KindTalk {
		e.log.Warn("dropping packet with unusable kind", "kind", kind.String())
		e.packetsDropped.Add(1)
		return
	}

	if kind == media.KindVideo {
		payload = media.StripStartCode(payload)
		if !media.ValidNAL(payload) {
			e.log.Debug("dropping invalid video NAL", "len", len(payload))
			e.packetsDropped.Add(1)
			return
		}
	}

	nowMs := e.nowMs()
	if captureTimeMs <= 0 {
		captureTimeMs = nowMs
	}
	p := &media.Packet{Kind: kind, Payload: payload, CaptureTime: captureTimeMs, Seq: seq}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rolling.Insert(p)
	e.rolling.Trim(nowMs)

	for _, s := range e.sessions {
		if s.kind == SessionBuffer {
			continue
		}
		s.buf.Insert(p)
		s.buf.Trim(nowMs)
	}
	e.packetsAdded.Add(1)
}

// StartBuffer begins the rolling pre-event buffer session. Idempotent.
func (e *Engine) StartBuffer() {
	e.startSession(bufferSessionID, SessionBuffer)
}

// StopBuffer ends the pre-event buffer session. Idempotent.
func (e *Engine) StopBuffer() {
	e.stopSession(bufferSessionID)
}

// StartLive begins a live-view session and returns its sink handles
// (video, audio, talkback). A duplicate start for an existing id is a
// no-op returning the existing handles. The id "buffer" is reserved for
// the pre-roll session and is rejected with empty handles.
func (e *Engine) StartLive(id string) Handles {
	return e.startSession(id, SessionLive)
}

// StopLive ends a live-view session. Idempotent.
func (e *Engine) StopLive(id string) {
	e.stopSession(id)
}

// StartRecord begins a secure-recording session. Its private buffer is
// seeded with the current rolling buffer contents so pre-event packets
// are exportable. A duplicate start returns the existing handles.
func (e *Engine) StartRecord(id string) Handles {
	return e.startSession(id, SessionRecord)
}

// StopRecord ends a recording session. Idempotent.
func (e *Engine) StopRecord(id string) {
	e.stopSession(id)
}

func (e *Engine) startSession(id string, kind SessionKind) Handles {
	if kind != SessionBuffer && id == bufferSessionID {
		e.log.Warn("session id is reserved, start rejected",
			"session", id, "kind", kind.String())
		return Handles{}
	}

	e.mu.Lock()

	if s, ok := e.sessions[id]; ok {
		h := s.handles
		e.mu.Unlock()
		e.log.Warn("session already exists, returning existing handles",
			"session", id, "kind", s.kind.String())
		return h
	}

	s := newSession(id, kind, e.rolling, e.up)
	e.sessions[id] = s
	e.evaluateLocked()
	h := s.handles
	e.mu.Unlock()

	e.log.Info("session started", "session", id, "kind", kind.String())
	return h
}

func (e *Engine) stopSession(id string) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	var disconnect bool
	if ok {
		delete(e.sessions, id)
		disconnect = e.evaluateLocked()
	}
	e.mu.Unlock()

	if !ok {
		e.log.Debug("stop for unknown session ignored", "session", id)
		return
	}
	// close() ends the talkback through the adapter, which may block on
	// upstream I/O; it must never run under e.mu.
	s.close()
	e.log.Info("session stopped", "session", id, "kind", s.kind.String())
	if disconnect {
		e.up.Disconnect()
	}
}

// IsBuffering reports whether the pre-event buffer session is active.
func (e *Engine) IsBuffering() bool {
	return e.hasKind(SessionBuffer)
}

// IsStreaming reports whether any live-view session is active.
func (e *Engine) IsStreaming() bool {
	return e.hasKind(SessionLive)
}

// IsRecording reports whether a recording session is active.
func (e *Engine) IsRecording() bool {
	return e.hasKind(SessionRecord)
}

func (e *Engine) hasKind(kind SessionKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.sessions {
		if s.kind == kind {
			return true
		}
	}
	return false
}

// SessionCount returns the number of active sessions of all kinds.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// State returns the current upstream connection state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Stats returns a snapshot of delivery counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		PacketsAdded:   e.packetsAdded.Load(),
		PacketsDropped: e.packetsDropped.Load(),
		FallbackWrites: e.fallbackWrites.Load(),
		SinkErrors:     e.sinkErrors.Load(),
	}
}

// StopEverything tears down all sessions and forces a disconnect.
// Used on device removal.
func (e *Engine) StopEverything() {
	e.mu.Lock()
	closing := make([]*session, 0, len(e.sessions))
	for id, s := range e.sessions {
		closing = append(closing, s)
		delete(e.sessions, id)
	}
	e.dropConnectionLocked()
	e.mu.Unlock()

	for _, s := range closing {
		s.close()
	}
	e.up.Disconnect()
	e.log.Info("all sessions stopped, upstream disconnected")
}

// HandleDeviceUpdate applies a device-update message. Any field change
// while connected forces a disconnect; the closed signal then drives a
// reconnect if sessions still exist.
func (e *Engine) HandleDeviceUpdate(dev DeviceState) {
	e.mu.Lock()
	changed := dev != e.device
	e.device = dev
	force := changed && e.state != StateDisconnected
	var disconnect bool
	if changed && e.state == StateConnecting {
		// No adapter session exists yet, so Disconnect could not cancel
		// the attempt and no closed signal would ever fire. Cancel the
		// in-flight connect and re-evaluate against the new device state.
		e.dropConnectionLocked()
		e.evaluateLocked()
	} else {
		disconnect = force
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	e.log.Info("device update",
		"online", dev.Online,
		"streaming_enabled", dev.StreamingEnabled,
		"audio_enabled", dev.AudioEnabled,
		"migrating", dev.Migrating,
		"forces_reconnect", force)
	if disconnect {
		e.up.Disconnect()
	}
}

// evaluateLocked reconsiders the connection after the session table or
// state changed. A connect attempt issues only from disconnected when
// at least one session needs live data; dropping to zero sessions
// forces a disconnect, reported to the caller to perform outside the
// lock.
func (e *Engine) evaluateLocked() (disconnect bool) {
	if len(e.sessions) == 0 {
		if e.state != StateDisconnected {
			e.dropConnectionLocked()
			return true
		}
		return false
	}

	if e.state != StateDisconnected {
		return false
	}

	e.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	e.sessionCancel = cancel
	gen := e.connectGen
	e.log.Info("upstream connect attempt", "sessions", len(e.sessions))
	go e.connect(ctx, gen)
	return false
}

// connect runs one negotiation attempt. On failure the state returns
// to disconnected; there is no internal retry loop, so a persistently
// failing relay is retried only on the next session-need evaluation.
func (e *Engine) connect(ctx context.Context, gen uint64) {
	err := e.up.Connect(ctx)
	if err == nil {
		return // success is signaled through Events.Connected
	}

	e.log.Warn("upstream connect failed", "error", err)
	e.mu.Lock()
	if e.connectGen == gen && e.state == StateConnecting {
		e.dropConnectionLocked()
	}
	e.mu.Unlock()
}

// dropConnectionLocked cancels any in-flight session context and
// returns the state machine to disconnected.
func (e *Engine) dropConnectionLocked() {
	e.connectGen++
	if e.sessionCancel != nil {
		e.sessionCancel()
		e.sessionCancel = nil
	}
	e.state = StateDisconnected
}

// upstreamConnected handles the adapter's success signal.
func (e *Engine) upstreamConnected() {
	e.mu.Lock()
	if e.state == StateConnecting {
		e.state = StateConnected
	}
	e.mu.Unlock()
	e.log.Info("upstream connected")
}

// upstreamClosed handles the adapter's closure signal. Reconnect is
// attempted automatically only if sessions still exist.
func (e *Engine) upstreamClosed(err error) {
	e.mu.Lock()
	e.dropConnectionLocked()
	remaining := len(e.sessions)
	if remaining > 0 {
		e.evaluateLocked()
	}
	e.mu.Unlock()

	e.log.Info("upstream closed", "error", err, "sessions", remaining)
}

// Run drives the fixed-interval output loop until the context is
// cancelled. The loop is the sole consumer of per-session queues.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.tick()
		}
	}
}

// tick performs one output-loop pass: trim the shared buffer by age,
// then either inject a fallback pair (while upstream is unavailable or
// video is disabled/offline/migrating) or drain each session's due
// packets in timestamp order, video before audio.
func (e *Engine) tick() {
	nowMs := e.nowMs()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.rolling.TrimAge(nowMs)

	if e.fallbackActiveLocked() {
		if e.gate.AllowN(time.UnixMilli(nowMs), 1) {
			e.writeFallbackLocked()
		}
		return
	}

	for _, s := range e.sessions {
		if s.kind == SessionBuffer {
			continue
		}
		due := s.buf.DrainDue(nowMs)
		if len(due) == 0 {
			continue
		}
		// Video first, then audio, each in capture-time order.
		for _, p := range due {
			if p.Kind == media.KindVideo {
				e.writeSink(s, s.video, e.framing.Apply(p.Payload))
			}
		}
		for _, p := range due {
			if p.Kind == media.KindAudio {
				e.writeSink(s, s.audio, p.Payload)
			}
		}
	}
}

// fallbackActiveLocked reports whether consumers must be fed
// placeholder frames instead of real media.
func (e *Engine) fallbackActiveLocked() bool {
	return e.state != StateConnected ||
		!e.device.Online ||
		!e.device.StreamingEnabled ||
		e.device.Migrating
}

// fallbackCaseLocked picks the placeholder frame for the current
// condition. Migration wins over offline, offline over disabled; a
// plain upstream outage shows the offline frame.
func (e *Engine) fallbackCaseLocked() FallbackCase {
	switch {
	case e.device.Migrating:
		return FallbackMigrating
	case !e.device.Online:
		return FallbackOffline
	case !e.device.StreamingEnabled:
		return FallbackVideoDisabled
	default:
		return FallbackOffline
	}
}

// writeFallbackLocked writes one placeholder video frame plus one
// silence audio frame to every live/record sink. A missing asset
// disables the video half of that case; silence is always written so
// consumers never observe starvation.
func (e *Engine) writeFallbackLocked() {
	frame := e.cfg.Fallback[e.fallbackCaseLocked()]

	for _, s := range e.sessions {
		if s.kind == SessionBuffer {
			continue
		}
		if frame != nil {
			e.writeSink(s, s.video, e.framing.Apply(frame))
		}
		e.writeSink(s, s.audio, silenceFrame)
		e.fallbackWrites.Add(1)
	}
}

// writeSink writes one frame, swallowing failures: a broken consumer
// cannot affect other sessions or the upstream connection.
func (e *Engine) writeSink(s *session, sink *sinkPipe, b []byte) {
	if sink == nil {
		return
	}
	if _, err := sink.Write(b); err != nil {
		e.sinkErrors.Add(1)
		e.log.Debug("sink write failed", "session", s.id, "error", err)
	}
}
