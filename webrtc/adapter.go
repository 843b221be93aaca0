package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/buffer"
	"github.com/kestrelhq/kestrel/media"
	"github.com/kestrelhq/kestrel/relaywire"
)

// DefaultStallTimeout closes the connection when no media packet has
// arrived for this long.
const DefaultStallTimeout = 10 * time.Second

var (
	// ErrNotConnected is returned when an operation needs an active
	// media session and none exists.
	ErrNotConnected = errors.New("webrtc: not connected")

	errStalled = errors.New("webrtc: media stream stalled")
)

// Config carries per-device adapter settings.
type Config struct {
	DeviceID     string
	RelayURL     string
	StallTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger

	// DialMedia opens the media-plane datagram connection. Defaults to
	// UDP; tests inject a pipe.
	DialMedia func(ctx context.Context, addr string) (net.Conn, error)
}

// Stats is a snapshot of the adapter's ingest counters.
type Stats struct {
	BytesReceived   int64     `json:"bytesReceived"`
	PacketsReceived int64     `json:"packetsReceived"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Adapter is the peer-connection style upstream. One adapter serves
// one device; the engine drives its lifecycle through the
// buffer.Upstream interface.
type Adapter struct {
	log *slog.Logger
	cfg Config
	ev  buffer.Events
	now func() time.Time

	mu   sync.Mutex
	sess *mediaSession

	bytesIn     atomic.Int64
	packetsIn   atomic.Int64
	connectedAt atomic.Int64

	// videoSeq numbers emitted video NALs. RTP sequence numbers cannot
	// serve here: one transport packet can reassemble into several NALs
	// (parameter sets re-emitted before a keyframe), which all need
	// distinct, increasing values.
	videoSeq atomic.Uint32
}

// mediaSession is the state of one negotiated connection. A fresh one
// is built per Connect so reconnects never see stale state.
type mediaSession struct {
	cancel    context.CancelFunc
	sig       *signalClient
	conn      net.Conn
	sessionID string

	// channels maps RTP payload type to the granted channel descriptor.
	channels  map[byte]relaywire.Channel
	audioSSRC uint32
	talkPT    byte
	leaseMs   uint64

	videoClock *clockTracker
	audioClock *clockTracker
	depack     *depacketizer

	lastPacketMs atomic.Int64

	closeOnce sync.Once

	talkMu     sync.Mutex
	talkActive bool
	talkSeq    uint16
	talkTS     uint32
}

// NewAdapter creates the adapter. Connect is not attempted here; the
// engine decides when.
func NewAdapter(cfg Config) *Adapter {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	if cfg.DialMedia == nil {
		cfg.DialMedia = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "udp", addr)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		log: log.With("component", "webrtc", "device", cfg.DeviceID),
		cfg: cfg,
		now: now,
	}
}

// Bind installs the engine's event callbacks.
func (a *Adapter) Bind(ev buffer.Events) { a.ev = ev }

// Framing names the video write framing: plain Annex B start codes.
func (a *Adapter) Framing() media.Framing { return media.FramingAnnexB }

// Stats returns the current ingest counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		BytesReceived:   a.bytesIn.Load(),
		PacketsReceived: a.packetsIn.Load(),
		ConnectedAt:     time.UnixMilli(a.connectedAt.Load()),
	}
}

// Connect negotiates a media session: signaling handshake, offer/answer
// exchange, media-plane dial. On success the receive loops run in the
// background and the Connected event fires; every later failure
// surfaces through the Closed event.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.sess != nil {
		a.mu.Unlock()
		return errors.New("webrtc: connect while session active")
	}
	a.mu.Unlock()

	sig, err := dialSignal(ctx, a.cfg.RelayURL, a.log)
	if err != nil {
		return err
	}

	s, err := a.negotiate(ctx, sig)
	if err != nil {
		sig.close()
		return err
	}

	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
	a.connectedAt.Store(a.now().UnixMilli())

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go a.run(runCtx, s)

	if a.ev.Connected != nil {
		a.ev.Connected()
	}
	a.log.Info("media session established", "session", s.sessionID)
	return nil
}

// negotiate walks the control protocol to a granted session and an
// open media connection.
func (a *Adapter) negotiate(ctx context.Context, sig *signalClient) (*mediaSession, error) {
	// The read pump must run during negotiation so responses resolve.
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- sig.readLoop() }()

	if _, err := sig.hello(ctx, a.cfg.DeviceID); err != nil {
		return nil, fmt.Errorf("hello: %w", err)
	}

	offer, err := buildOffer()
	if err != nil {
		return nil, err
	}
	grant, err := sig.join(ctx, a.cfg.DeviceID, uuid.NewString(), offer)
	if err != nil {
		return nil, fmt.Errorf("join: %w", err)
	}

	addr, err := parseAnswerAddr(grant.Answer)
	if err != nil {
		return nil, err
	}
	conn, err := a.cfg.DialMedia(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing media plane: %w", err)
	}

	s := &mediaSession{
		sig:       sig,
		conn:      conn,
		sessionID: grant.SessionID,
		channels:  make(map[byte]relaywire.Channel, len(grant.Channels)),
		leaseMs:   grant.ExpiresMs,
	}
	for _, ch := range grant.Channels {
		s.channels[ch.ID] = ch
		switch ch.Media {
		case relaywire.ChannelVideo:
			s.videoClock = newClockTracker(uint32(ch.ClockRate))
		case relaywire.ChannelAudio:
			s.audioClock = newClockTracker(uint32(ch.ClockRate))
			s.audioSSRC = uint32(ch.SSRC)
			s.talkPT = ch.ID
		case relaywire.ChannelTalk:
			s.talkPT = ch.ID
		}
	}
	if s.videoClock == nil {
		s.videoClock = newClockTracker(90000)
	}
	if s.audioClock == nil {
		s.audioClock = newClockTracker(8000)
	}
	s.lastPacketMs.Store(a.now().UnixMilli())

	// The negotiation pump is handed off to run(); surface an early
	// death now so we do not start loops on a dead socket.
	select {
	case err := <-pumpDone:
		conn.Close()
		return nil, fmt.Errorf("signaling closed during negotiation: %w", err)
	default:
	}
	go func() {
		if err := <-pumpDone; err != nil {
			a.log.Debug("signaling read loop ended", "error", err)
			a.teardown(s, err)
		}
	}()
	return s, nil
}

// run drives the media receive loop, the stall watchdog, and the lease
// renewals until any of them fails or Disconnect cancels the context.
func (a *Adapter) run(ctx context.Context, s *mediaSession) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.mediaLoop(ctx, s) })
	g.Go(func() error { return a.watchdog(ctx, s) })
	g.Go(func() error { return a.leaseLoop(ctx, s) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("media session ended", "session", s.sessionID, "error", err)
	}
	a.teardown(s, err)
}

// mediaLoop reads RTP from the media plane and converts it to packets.
func (a *Adapter) mediaLoop(ctx context.Context, s *mediaSession) error {
	buf := make([]byte, 2048)
	depackCapture := int64(0)
	s.depack = newDepacketizer(a.log, a.now, func(nal []byte) {
		if a.ev.Packet != nil {
			a.ev.Packet(media.KindVideo, nal, depackCapture, a.videoSeq.Add(1))
		}
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := s.conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // watchdog decides when a quiet link is dead
			}
			return fmt.Errorf("reading media plane: %w", err)
		}

		a.bytesIn.Add(int64(n))
		a.packetsIn.Add(1)
		s.lastPacketMs.Store(a.now().UnixMilli())

		var p rtp.Packet
		if err := p.Unmarshal(buf[:n]); err != nil {
			a.log.Debug("dropping malformed transport packet", "error", err)
			continue
		}

		ch, ok := s.channels[p.PayloadType]
		if !ok {
			a.log.Debug("packet for unknown payload type", "pt", p.PayloadType)
			continue
		}
		now := a.now()
		switch ch.Media {
		case relaywire.ChannelVideo:
			depackCapture = s.videoClock.CaptureMs(p.Timestamp, now)
			// The unmarshaled payload aliases the read buffer; the
			// depacketizer may hold it across reads.
			s.depack.Push(append([]byte(nil), p.Payload...), p.SequenceNumber)
		case relaywire.ChannelAudio:
			pcm := media.DecodeMuLaw(p.Payload)
			if a.ev.Packet != nil {
				a.ev.Packet(media.KindAudio, pcm, s.audioClock.CaptureMs(p.Timestamp, now), uint32(p.SequenceNumber))
			}
		case relaywire.ChannelMeta:
			if a.ev.Packet != nil {
				payload := append([]byte(nil), p.Payload...)
				a.ev.Packet(media.KindMetadata, payload, now.UnixMilli(), uint32(p.SequenceNumber))
			}
		}
	}
}

// watchdog fails the session when no packet arrives for the stall
// timeout, driving the engine's reconnect path.
func (a *Adapter) watchdog(ctx context.Context, s *mediaSession) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			quiet := a.now().UnixMilli() - s.lastPacketMs.Load()
			if quiet > a.cfg.StallTimeout.Milliseconds() {
				return fmt.Errorf("%w: %dms without packets", errStalled, quiet)
			}
		}
	}
}

// leaseLoop renews the session before its lease expires.
func (a *Adapter) leaseLoop(ctx context.Context, s *mediaSession) error {
	// Renew at roughly two thirds of the lease.
	interval := time.Duration(s.leaseMs) * time.Millisecond * 2 / 3
	if interval <= 0 {
		interval = 40 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			ok, err := s.sig.extend(rctx, s.sessionID)
			cancel()
			if err != nil {
				return fmt.Errorf("extending session lease: %w", err)
			}
			a.log.Debug("session lease extended", "expires_ms", ok.ExpiresMs)
		}
	}
}

// Disconnect tears the session down. Safe in any state.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return
	}
	a.teardown(s, nil)
}

// teardown closes one session exactly once and reports closure.
func (a *Adapter) teardown(s *mediaSession, err error) {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.sig.end(s.sessionID)
		s.sig.close()
		s.conn.Close()

		a.mu.Lock()
		if a.sess == s {
			a.sess = nil
		}
		a.mu.Unlock()

		if a.ev.Closed != nil {
			a.ev.Closed(err)
		}
		a.log.Info("media session closed", "session", s.sessionID)
	})
}

// SendTalk forwards one frame of talkback audio. The first frame
// issues the start-talk control call; a zero-length frame stops the
// talk. Outgoing packets carry the inbound audio track's SSRC.
func (a *Adapter) SendTalk(b []byte) error {
	a.mu.Lock()
	s := a.sess
	a.mu.Unlock()
	if s == nil {
		return ErrNotConnected
	}

	s.talkMu.Lock()
	defer s.talkMu.Unlock()

	if len(b) == 0 {
		if !s.talkActive {
			return nil
		}
		s.talkActive = false
		return s.sig.talkStop(s.sessionID)
	}

	if !s.talkActive {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.sig.talkStart(ctx, s.sessionID, s.audioSSRC)
		cancel()
		if err != nil {
			return fmt.Errorf("starting talk: %w", err)
		}
		s.talkActive = true
	}

	s.talkSeq++
	s.talkTS += uint32(len(b))
	p := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.talkPT,
			SequenceNumber: s.talkSeq,
			Timestamp:      s.talkTS,
			SSRC:           s.audioSSRC,
		},
		Payload: b,
	}
	raw, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("framing talk packet: %w", err)
	}
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("writing talk packet: %w", err)
	}
	return nil
}
