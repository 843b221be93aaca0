package buffer

import (
	"log/slog"
	"testing"
	"time"
)

func TestHandleRoutesMessages(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	e := NewEngine(Config{
		DeviceID: "dev-1",
		Now:      func() time.Time { return time.UnixMilli(0) },
		Logger:   slog.New(slog.DiscardHandler),
	}, up)

	if _, err := e.Handle(Message{Type: MsgStartBuffer}); err != nil {
		t.Fatalf("start buffer: %v", err)
	}
	if !e.IsBuffering() {
		t.Error("IsBuffering = false after start buffer")
	}

	res, err := e.Handle(Message{Type: MsgStartLive, SessionID: "s1"})
	if err != nil {
		t.Fatalf("start live: %v", err)
	}
	if res.Handles.Video == nil || res.Handles.Audio == nil {
		t.Error("start live returned nil handles")
	}

	if _, err := e.Handle(Message{Type: MsgStopLive, SessionID: "s1"}); err != nil {
		t.Fatalf("stop live: %v", err)
	}
	if e.IsStreaming() {
		t.Error("IsStreaming = true after stop live")
	}

	if _, err := e.Handle(Message{Type: MsgShutdown}); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if got := e.SessionCount(); got != 0 {
		t.Errorf("session count after shutdown = %d, want 0", got)
	}
}

func TestHandleUnknownType(t *testing.T) {
	t.Parallel()

	up := &fakeUpstream{}
	e := NewEngine(Config{
		DeviceID: "dev-1",
		Logger:   slog.New(slog.DiscardHandler),
	}, up)

	if _, err := e.Handle(Message{Type: MsgType(99)}); err == nil {
		t.Fatal("unknown message type did not error")
	}
}

func TestMsgTypeNames(t *testing.T) {
	t.Parallel()

	names := map[MsgType]string{
		MsgStartBuffer:  "start_buffer",
		MsgStopRecord:   "stop_record",
		MsgDeviceUpdate: "device_update",
		MsgType(99):     "unknown",
	}
	for typ, want := range names {
		if got := typ.String(); got != want {
			t.Errorf("MsgType(%d).String() = %q, want %q", int(typ), got, want)
		}
	}
}
