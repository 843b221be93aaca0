// Package tunnel implements the legacy upstream adapter: one
// persistent TLS connection to the vendor relay carrying both control
// messages and elementary media payloads, with periodic keep-alive and
// lease renewal.
package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/buffer"
	"github.com/kestrelhq/kestrel/media"
	"github.com/kestrelhq/kestrel/relaywire"
)

// DefaultKeepAlive is the control-channel keep-alive period when the
// relay does not name one.
const DefaultKeepAlive = 60 * time.Second

// ErrNotConnected is returned when an operation needs an active tunnel
// and none exists.
var ErrNotConnected = errors.New("tunnel: not connected")

// Config carries per-device tunnel settings.
type Config struct {
	DeviceID  string
	RelayAddr string
	TLSConfig *tls.Config
	KeepAlive time.Duration
	Now       func() time.Time
	Logger    *slog.Logger

	// Dial opens the relay connection. Defaults to TLS over TCP; tests
	// inject a pipe.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
}

// Stats is a snapshot of the adapter's ingest counters.
type Stats struct {
	BytesReceived   int64     `json:"bytesReceived"`
	PacketsReceived int64     `json:"packetsReceived"`
	ConnectedAt     time.Time `json:"connectedAt"`
}

// Adapter is the legacy tunnel upstream, driven by the engine through
// the buffer.Upstream interface.
type Adapter struct {
	log *slog.Logger
	cfg Config
	ev  buffer.Events
	now func() time.Time

	mu   sync.Mutex
	sess *tunnelSession

	bytesIn     atomic.Int64
	packetsIn   atomic.Int64
	connectedAt atomic.Int64
}

// tunnelSession is the state of one established tunnel.
type tunnelSession struct {
	cancel context.CancelFunc
	conn   net.Conn
	// rd wraps conn once; per-read wrapping would drop read-ahead
	// bytes between messages.
	rd        *bufio.Reader
	exch      *relaywire.Exchange
	sessionID string
	keepAlive time.Duration

	// Delta timestamps in playback messages are anchored to the wall
	// clock of the first media payload.
	baseWallMs int64
	anchored   bool

	writeMu   sync.Mutex
	closeOnce sync.Once

	talkMu     sync.Mutex
	talkActive bool
}

// NewAdapter creates the adapter without connecting.
func NewAdapter(cfg Config) *Adapter {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			d := &tls.Dialer{Config: cfg.TLSConfig}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		log: log.With("component", "tunnel", "device", cfg.DeviceID),
		cfg: cfg,
		now: now,
	}
}

// Bind installs the engine's event callbacks.
func (a *Adapter) Bind(ev buffer.Events) { a.ev = ev }

// Framing names the video write framing: Annex B with a leading
// access-unit delimiter, matching what the legacy consumers expect.
func (a *Adapter) Framing() media.Framing { return media.FramingAnnexBAUD }

// Stats returns the current ingest counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		BytesReceived:   a.bytesIn.Load(),
		PacketsReceived: a.packetsIn.Load(),
		ConnectedAt:     time.UnixMilli(a.connectedAt.Load()),
	}
}

// send writes one framed control message to the tunnel.
func (s *tunnelSession) send(msgType uint64, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return relaywire.WriteMessage(s.conn, msgType, payload)
}

// Connect dials the relay, negotiates hello and join, and starts the
// receive and keep-alive loops. Media then flows through the bound
// callbacks until the tunnel fails or Disconnect is called.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.sess != nil {
		a.mu.Unlock()
		return errors.New("tunnel: connect while session active")
	}
	a.mu.Unlock()

	conn, err := a.cfg.Dial(ctx, a.cfg.RelayAddr)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	s := &tunnelSession{
		conn:      conn,
		rd:        bufio.NewReader(conn),
		exch:      relaywire.NewExchange(),
		keepAlive: a.cfg.KeepAlive,
	}

	// The receive pump must run during negotiation so responses
	// resolve. Its lifetime is the session's.
	pumpErr := make(chan error, 1)
	go func() { pumpErr <- a.readLoop(s) }()

	if err := a.negotiate(ctx, s); err != nil {
		conn.Close()
		s.exch.Close()
		return err
	}

	a.mu.Lock()
	a.sess = s
	a.mu.Unlock()
	a.connectedAt.Store(a.now().UnixMilli())

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go a.run(runCtx, s, pumpErr)

	if a.ev.Connected != nil {
		a.ev.Connected()
	}
	a.log.Info("tunnel established", "session", s.sessionID)
	return nil
}

// negotiate performs the hello handshake and joins the device stream.
func (a *Adapter) negotiate(ctx context.Context, s *tunnelSession) error {
	helloCh, err := s.exch.Expect(relaywire.MsgHelloOK)
	if err != nil {
		return err
	}
	hello := relaywire.Hello{Versions: []uint64{relaywire.Version}, ClientID: a.cfg.DeviceID}
	if err := s.send(relaywire.MsgHello, relaywire.SerializeHello(hello)); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	env, err := relaywire.Await(ctx, helloCh)
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	helloOK, err := relaywire.ParseHelloOK(env.Payload)
	if err != nil {
		return err
	}
	if helloOK.KeepAliveMs > 0 {
		s.keepAlive = time.Duration(helloOK.KeepAliveMs) * time.Millisecond
	}

	okCh, err := s.exch.Expect(relaywire.MsgJoinOK)
	if err != nil {
		return err
	}
	errCh, err := s.exch.Expect(relaywire.MsgJoinError)
	if err != nil {
		s.exch.Cancel(relaywire.MsgJoinOK)
		return err
	}
	join := relaywire.Join{
		RequestID: s.exch.NextRequestID(),
		DeviceID:  a.cfg.DeviceID,
		SessionID: uuid.NewString(),
	}
	if err := s.send(relaywire.MsgJoin, relaywire.SerializeJoin(join)); err != nil {
		s.exch.Cancel(relaywire.MsgJoinOK)
		s.exch.Cancel(relaywire.MsgJoinError)
		return fmt.Errorf("join: %w", err)
	}

	select {
	case env, ok := <-okCh:
		s.exch.Cancel(relaywire.MsgJoinError)
		if !ok {
			return relaywire.ErrSessionClosed
		}
		grant, err := relaywire.ParseJoinOK(env.Payload)
		if err != nil {
			return err
		}
		s.sessionID = grant.SessionID
		return nil
	case env, ok := <-errCh:
		s.exch.Cancel(relaywire.MsgJoinOK)
		if !ok {
			return relaywire.ErrSessionClosed
		}
		je, err := relaywire.ParseJoinError(env.Payload)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: code %d: %s", relaywire.ErrJoinRejected, je.ErrorCode, je.Reason)
	case <-ctx.Done():
		s.exch.Cancel(relaywire.MsgJoinOK)
		s.exch.Cancel(relaywire.MsgJoinError)
		return ctx.Err()
	}
}

// run owns the established session until the pump or keep-alive fails.
func (a *Adapter) run(ctx context.Context, s *tunnelSession, pumpErr <-chan error) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-pumpErr:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	g.Go(func() error { return a.keepAliveLoop(ctx, s) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("tunnel ended", "session", s.sessionID, "error", err)
	}
	a.teardown(s, err)
}

// readLoop pumps framed messages off the tunnel: responses resolve
// pending exchanges, playback messages become media packets, and a
// playback-end message fails the session.
func (a *Adapter) readLoop(s *tunnelSession) error {
	for {
		msgType, payload, err := relaywire.ReadMessage(s.rd)
		if err != nil {
			return fmt.Errorf("reading tunnel: %w", err)
		}
		a.bytesIn.Add(int64(len(payload)))

		env := relaywire.Envelope{Type: msgType, Payload: payload}
		if s.exch.Resolve(env) {
			continue
		}

		switch msgType {
		case relaywire.MsgPlayback:
			a.handlePlayback(s, payload)
		case relaywire.MsgPlaybackEnd:
			return errors.New("tunnel: relay ended playback")
		case relaywire.MsgPong:
			// Keep-alive answer, nothing to do.
		default:
			a.log.Debug("unsolicited tunnel message", "type", msgType)
		}
	}
}

// handlePlayback converts one playback message to a media packet.
// Video payloads pass through as elementary NAL units; audio payloads
// arrive G.711 µ-law and are decoded to linear PCM here.
func (a *Adapter) handlePlayback(s *tunnelSession, payload []byte) {
	p, err := relaywire.ParsePlayback(payload)
	if err != nil {
		a.log.Debug("dropping malformed playback message", "error", err)
		return
	}
	a.packetsIn.Add(1)

	nowMs := a.now().UnixMilli()
	if !s.anchored {
		s.baseWallMs = nowMs - int64(p.Timestamp)
		s.anchored = true
	}
	captureMs := s.baseWallMs + int64(p.Timestamp)
	if captureMs > nowMs {
		captureMs = nowMs
	}

	if a.ev.Packet == nil {
		return
	}
	switch p.Channel {
	case relaywire.ChannelVideo:
		a.ev.Packet(media.KindVideo, p.Payload, captureMs, uint32(p.Seq))
	case relaywire.ChannelAudio:
		a.ev.Packet(media.KindAudio, media.DecodeMuLaw(p.Payload), captureMs, uint32(p.Seq))
	case relaywire.ChannelMeta:
		a.ev.Packet(media.KindMetadata, p.Payload, captureMs, uint32(p.Seq))
	default:
		a.log.Debug("playback on unknown channel", "channel", p.Channel)
	}
}

// keepAliveLoop pings the relay and renews the session lease on the
// negotiated period.
func (a *Adapter) keepAliveLoop(ctx context.Context, s *tunnelSession) error {
	t := time.NewTicker(s.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			ping := relaywire.Ping{Timestamp: uint64(a.now().UnixMilli())}
			if err := s.send(relaywire.MsgPing, relaywire.SerializePing(ping)); err != nil {
				return fmt.Errorf("keep-alive ping: %w", err)
			}
			if err := a.extend(ctx, s); err != nil {
				return fmt.Errorf("keep-alive extend: %w", err)
			}
		}
	}
}

func (a *Adapter) extend(ctx context.Context, s *tunnelSession) error {
	ch, err := s.exch.Expect(relaywire.MsgExtendOK)
	if err != nil {
		return err
	}
	e := relaywire.Extend{RequestID: s.exch.NextRequestID(), SessionID: s.sessionID}
	if err := s.send(relaywire.MsgExtend, relaywire.SerializeExtend(e)); err != nil {
		s.exch.Cancel(relaywire.MsgExtendOK)
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	env, err := relaywire.Await(rctx, ch)
	if err != nil {
		s.exch.Cancel(relaywire.MsgExtendOK)
		return err
	}
	ok, err := relaywire.ParseExtendOK(env.Payload)
	if err != nil {
		return err
	}
	a.log.Debug("session lease extended", "expires_ms", ok.ExpiresMs)
	return nil
}

// Disconnect tears the tunnel down. Safe in any state.
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
func (a *Adapter) teardown(s *tunnelSession, err error) {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		end := relaywire.End{RequestID: s.exch.NextRequestID(), SessionID: s.sessionID}
		if sendErr := s.send(relaywire.MsgEnd, relaywire.SerializeEnd(end)); sendErr != nil {
			a.log.Debug("session end send failed", "error", sendErr)
		}
		s.exch.Close()
		s.conn.Close()

		a.mu.Lock()
		if a.sess == s {
			a.sess = nil
		}
		a.mu.Unlock()

		if a.ev.Closed != nil {
			a.ev.Closed(err)
		}
		a.log.Info("tunnel closed", "session", s.sessionID)
	})
}

// SendTalk forwards one frame of talkback audio over the control
// channel. The first frame issues the start-talk call; a zero-length
// frame issues stop-talk.
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
		stop := relaywire.TalkStop{RequestID: s.exch.NextRequestID(), SessionID: s.sessionID}
		return s.send(relaywire.MsgTalkStop, relaywire.SerializeTalkStop(stop))
	}

	if !s.talkActive {
		if err := a.startTalk(s); err != nil {
			return fmt.Errorf("starting talk: %w", err)
		}
		s.talkActive = true
	}

	data := relaywire.TalkData{Channel: relaywire.ChannelTalk, Payload: b}
	return s.send(relaywire.MsgTalkData, relaywire.SerializeTalkData(data))
}

func (a *Adapter) startTalk(s *tunnelSession) error {
	ch, err := s.exch.Expect(relaywire.MsgTalkStartOK)
	if err != nil {
		return err
	}
	start := relaywire.TalkStart{RequestID: s.exch.NextRequestID(), SessionID: s.sessionID}
	if err := s.send(relaywire.MsgTalkStart, relaywire.SerializeTalkStart(start)); err != nil {
		s.exch.Cancel(relaywire.MsgTalkStartOK)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := relaywire.Await(ctx, ch); err != nil {
		s.exch.Cancel(relaywire.MsgTalkStartOK)
		return err
	}
	return nil
}
