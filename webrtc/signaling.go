package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kestrelhq/kestrel/relaywire"
)

// signalClient speaks the relay control protocol over a websocket.
// Each websocket frame carries one serialized control message; the
// exchange tracker pairs requests with responses.
type signalClient struct {
	log  *slog.Logger
	conn *websocket.Conn
	exch *relaywire.Exchange

	writeMu sync.Mutex

	// onUnsolicited receives messages no exchange was waiting for,
	// such as relay-initiated session end.
	onUnsolicited func(env relaywire.Envelope)
}

func dialSignal(ctx context.Context, url string, log *slog.Logger) (*signalClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay signaling: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return newSignalClient(conn, log), nil
}

func newSignalClient(conn *websocket.Conn, log *slog.Logger) *signalClient {
	return &signalClient{
		log:  log.With("component", "signaling"),
		conn: conn,
		exch: relaywire.NewExchange(),
	}
}

// send writes one control message as a single binary frame.
func (c *signalClient) send(msgType uint64, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, relaywire.EncodeMessage(msgType, payload)); err != nil {
		return fmt.Errorf("writing control message: %w", err)
	}
	return nil
}

// readLoop pumps inbound control messages into the exchange tracker
// until the connection dies. It owns the read side of the websocket.
func (c *signalClient) readLoop() error {
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading control message: %w", err)
		}
		env, err := relaywire.DecodeMessage(frame)
		if err != nil {
			c.log.Warn("malformed control message", "error", err)
			continue
		}
		if c.exch.Resolve(env) {
			continue
		}
		if c.onUnsolicited != nil {
			c.onUnsolicited(env)
		} else {
			c.log.Debug("unsolicited control message", "type", env.Type)
		}
	}
}

func (c *signalClient) close() {
	c.exch.Close()
	c.conn.Close()
}

// hello performs the version handshake and returns the negotiated
// keep-alive period.
func (c *signalClient) hello(ctx context.Context, clientID string) (relaywire.HelloOK, error) {
	ch, err := c.exch.Expect(relaywire.MsgHelloOK)
	if err != nil {
		return relaywire.HelloOK{}, err
	}
	h := relaywire.Hello{Versions: []uint64{relaywire.Version}, ClientID: clientID}
	if err := c.send(relaywire.MsgHello, relaywire.SerializeHello(h)); err != nil {
		c.exch.Cancel(relaywire.MsgHelloOK)
		return relaywire.HelloOK{}, err
	}

	env, err := relaywire.Await(ctx, ch)
	if err != nil {
		c.exch.Cancel(relaywire.MsgHelloOK)
		return relaywire.HelloOK{}, err
	}
	ok, err := relaywire.ParseHelloOK(env.Payload)
	if err != nil {
		return relaywire.HelloOK{}, err
	}
	if ok.SelectedVersion != relaywire.Version {
		return relaywire.HelloOK{}, fmt.Errorf("relay selected unsupported version %d", ok.SelectedVersion)
	}
	return ok, nil
}

// join negotiates a media session, sending the local description and
// returning the relay's grant. A rejection surfaces as ErrJoinRejected
// wrapped with the relay's reason.
func (c *signalClient) join(ctx context.Context, deviceID, sessionID, offer string) (relaywire.JoinOK, error) {
	okCh, err := c.exch.Expect(relaywire.MsgJoinOK)
	if err != nil {
		return relaywire.JoinOK{}, err
	}
	errCh, err := c.exch.Expect(relaywire.MsgJoinError)
	if err != nil {
		c.exch.Cancel(relaywire.MsgJoinOK)
		return relaywire.JoinOK{}, err
	}
	cancel := func() {
		c.exch.Cancel(relaywire.MsgJoinOK)
		c.exch.Cancel(relaywire.MsgJoinError)
	}

	j := relaywire.Join{
		RequestID: c.exch.NextRequestID(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Offer:     offer,
	}
	if err := c.send(relaywire.MsgJoin, relaywire.SerializeJoin(j)); err != nil {
		cancel()
		return relaywire.JoinOK{}, err
	}

	select {
	case env, chOK := <-okCh:
		c.exch.Cancel(relaywire.MsgJoinError)
		if !chOK {
			return relaywire.JoinOK{}, relaywire.ErrSessionClosed
		}
		return relaywire.ParseJoinOK(env.Payload)
	case env, chOK := <-errCh:
		c.exch.Cancel(relaywire.MsgJoinOK)
		if !chOK {
			return relaywire.JoinOK{}, relaywire.ErrSessionClosed
		}
		je, err := relaywire.ParseJoinError(env.Payload)
		if err != nil {
			return relaywire.JoinOK{}, err
		}
		return relaywire.JoinOK{}, fmt.Errorf("%w: code %d: %s", relaywire.ErrJoinRejected, je.ErrorCode, je.Reason)
	case <-ctx.Done():
		cancel()
		return relaywire.JoinOK{}, ctx.Err()
	}
}

// extend renews the session lease.
func (c *signalClient) extend(ctx context.Context, sessionID string) (relaywire.ExtendOK, error) {
	ch, err := c.exch.Expect(relaywire.MsgExtendOK)
	if err != nil {
		return relaywire.ExtendOK{}, err
	}
	e := relaywire.Extend{RequestID: c.exch.NextRequestID(), SessionID: sessionID}
	if err := c.send(relaywire.MsgExtend, relaywire.SerializeExtend(e)); err != nil {
		c.exch.Cancel(relaywire.MsgExtendOK)
		return relaywire.ExtendOK{}, err
	}

	env, err := relaywire.Await(ctx, ch)
	if err != nil {
		c.exch.Cancel(relaywire.MsgExtendOK)
		return relaywire.ExtendOK{}, err
	}
	return relaywire.ParseExtendOK(env.Payload)
}

// end terminates the session. Best-effort: the connection is usually
// torn down right after.
func (c *signalClient) end(sessionID string) {
	e := relaywire.End{RequestID: c.exch.NextRequestID(), SessionID: sessionID}
	if err := c.send(relaywire.MsgEnd, relaywire.SerializeEnd(e)); err != nil {
		c.log.Debug("session end send failed", "error", err)
	}
}

// talkStart announces outgoing talkback audio with the given SSRC.
func (c *signalClient) talkStart(ctx context.Context, sessionID string, ssrc uint32) error {
	ch, err := c.exch.Expect(relaywire.MsgTalkStartOK)
	if err != nil {
		return err
	}
	t := relaywire.TalkStart{
		RequestID: c.exch.NextRequestID(),
		SessionID: sessionID,
		SSRC:      uint64(ssrc),
	}
	if err := c.send(relaywire.MsgTalkStart, relaywire.SerializeTalkStart(t)); err != nil {
		c.exch.Cancel(relaywire.MsgTalkStartOK)
		return err
	}
	if _, err := relaywire.Await(ctx, ch); err != nil {
		c.exch.Cancel(relaywire.MsgTalkStartOK)
		return err
	}
	return nil
}

// talkStop ends outgoing talkback audio. Fire-and-forget.
func (c *signalClient) talkStop(sessionID string) error {
	t := relaywire.TalkStop{RequestID: c.exch.NextRequestID(), SessionID: sessionID}
	return c.send(relaywire.MsgTalkStop, relaywire.SerializeTalkStop(t))
}
