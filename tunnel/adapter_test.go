package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/buffer"
	"github.com/kestrelhq/kestrel/media"
	"github.com/kestrelhq/kestrel/relaywire"
)

// fakeRelay answers the tunnel control protocol over one end of a
// pipe and records what the adapter sent.
type fakeRelay struct {
	conn net.Conn

	mu       sync.Mutex
	received []relaywire.Envelope
}

func (f *fakeRelay) serve() {
	rd := bufio.NewReader(f.conn)
	for {
		msgType, payload, err := relaywire.ReadMessage(rd)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, relaywire.Envelope{Type: msgType, Payload: payload})
		f.mu.Unlock()

		switch msgType {
		case relaywire.MsgHello:
			ok := relaywire.HelloOK{SelectedVersion: relaywire.Version, KeepAliveMs: 60000}
			relaywire.WriteMessage(f.conn, relaywire.MsgHelloOK, relaywire.SerializeHelloOK(ok))
		case relaywire.MsgJoin:
			j, err := relaywire.ParseJoin(payload)
			if err != nil {
				return
			}
			grant := relaywire.JoinOK{RequestID: j.RequestID, SessionID: "tun-1", ExpiresMs: 120000}
			relaywire.WriteMessage(f.conn, relaywire.MsgJoinOK, relaywire.SerializeJoinOK(grant))
		case relaywire.MsgTalkStart:
			t, err := relaywire.ParseTalkStart(payload)
			if err != nil {
				return
			}
			ok := relaywire.TalkStartOK{RequestID: t.RequestID}
			relaywire.WriteMessage(f.conn, relaywire.MsgTalkStartOK, relaywire.SerializeTalkStartOK(ok))
		}
	}
}

func (f *fakeRelay) sawType(msgType uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, env := range f.received {
		if env.Type == msgType {
			return true
		}
	}
	return false
}

func (f *fakeRelay) playback(p relaywire.Playback) error {
	return relaywire.WriteMessage(f.conn, relaywire.MsgPlayback, relaywire.SerializePlayback(p))
}

type eventSink struct {
	mu        sync.Mutex
	packets   []*media.Packet
	connected chan struct{}
	closed    chan error
}

func newEventSink() *eventSink {
	return &eventSink{
		connected: make(chan struct{}, 1),
		closed:    make(chan error, 1),
	}
}

func (s *eventSink) events() buffer.Events {
	return buffer.Events{
		Packet: func(kind media.Kind, payload []byte, captureMs int64, seq uint32) {
			s.mu.Lock()
			s.packets = append(s.packets, &media.Packet{
				Kind: kind, Payload: payload, CaptureTime: captureMs, Seq: seq,
			})
			s.mu.Unlock()
		},
		Connected: func() { s.connected <- struct{}{} },
		Closed:    func(err error) { s.closed <- err },
	}
}

func (s *eventSink) waitPackets(t *testing.T, n int) []*media.Packet {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.packets) >= n {
			out := make([]*media.Packet, len(s.packets))
			copy(out, s.packets)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d packets", n)
	return nil
}

func dialTestTunnel(t *testing.T) (*Adapter, *eventSink, *fakeRelay) {
	t.Helper()

	local, remote := net.Pipe()
	relay := &fakeRelay{conn: remote}
	go relay.serve()
	t.Cleanup(func() { remote.Close() })

	a := NewAdapter(Config{
		DeviceID: "dev-1",
		Logger:   slog.New(slog.DiscardHandler),
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return local, nil
		},
	})
	sink := newEventSink()
	a.Bind(sink.events())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected event never fired")
	}
	return a, sink, relay
}

func TestPlaybackBecomesMediaPackets(t *testing.T) {
	t.Parallel()

	a, sink, relay := dialTestTunnel(t)
	defer a.Disconnect()

	if err := relay.playback(relaywire.Playback{
		Channel:   relaywire.ChannelVideo,
		Timestamp: 0,
		Seq:       1,
		Payload:   []byte{0x65, 1, 2},
	}); err != nil {
		t.Fatalf("playback: %v", err)
	}
	if err := relay.playback(relaywire.Playback{
		Channel:   relaywire.ChannelAudio,
		Timestamp: 20,
		Seq:       2,
		Payload:   []byte{0xFF}, // µ-law silence
	}); err != nil {
		t.Fatalf("playback: %v", err)
	}

	packets := sink.waitPackets(t, 2)
	if packets[0].Kind != media.KindVideo || !bytes.Equal(packets[0].Payload, []byte{0x65, 1, 2}) {
		t.Errorf("video packet = %v %v, want the NAL unchanged", packets[0].Kind, packets[0].Payload)
	}
	if packets[1].Kind != media.KindAudio {
		t.Fatalf("second packet kind = %v, want audio", packets[1].Kind)
	}
	if !bytes.Equal(packets[1].Payload, []byte{0, 0}) {
		t.Errorf("audio payload = %v, want µ-law 0xFF decoded to PCM zero", packets[1].Payload)
	}
	if packets[1].Seq != 2 {
		t.Errorf("audio seq = %d, want 2", packets[1].Seq)
	}
}

func TestTalkbackControlFlow(t *testing.T) {
	t.Parallel()

	a, _, relay := dialTestTunnel(t)
	defer a.Disconnect()

	if err := a.SendTalk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send talk: %v", err)
	}
	if !relay.sawType(relaywire.MsgTalkStart) {
		t.Error("relay never saw the start-talk call")
	}
	dataDeadline := time.Now().Add(2 * time.Second)
	for !relay.sawType(relaywire.MsgTalkData) && time.Now().Before(dataDeadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !relay.sawType(relaywire.MsgTalkData) {
		t.Error("relay never saw the talk audio")
	}

	if err := a.SendTalk(nil); err != nil {
		t.Fatalf("end talk: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !relay.sawType(relaywire.MsgTalkStop) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !relay.sawType(relaywire.MsgTalkStop) {
		t.Error("relay never saw the stop-talk call")
	}
}

func TestDisconnectSendsEndAndFiresClosed(t *testing.T) {
	t.Parallel()

	a, sink, relay := dialTestTunnel(t)

	a.Disconnect()
	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed event never fired")
	}
	endDeadline := time.Now().Add(2 * time.Second)
	for !relay.sawType(relaywire.MsgEnd) && time.Now().Before(endDeadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !relay.sawType(relaywire.MsgEnd) {
		t.Error("relay never saw the session end")
	}

	if err := a.SendTalk([]byte{1}); err != ErrNotConnected {
		t.Errorf("SendTalk after disconnect = %v, want %v", err, ErrNotConnected)
	}
}

func TestPlaybackEndFailsSession(t *testing.T) {
	t.Parallel()

	_, sink, relay := dialTestTunnel(t)

	relaywire.WriteMessage(relay.conn, relaywire.MsgPlaybackEnd, nil)

	select {
	case err := <-sink.closed:
		if err == nil {
			t.Error("closed with nil error, want the playback-end cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("closed event never fired after playback end")
	}
}
