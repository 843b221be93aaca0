package buffer

import (
	"io"
)

// SessionKind identifies what an output session feeds.
type SessionKind int

// Session kinds. A buffer session shares the engine's rolling buffer;
// live and record sessions own an independent snapshot taken at start.
const (
	SessionBuffer SessionKind = iota
	SessionLive
	SessionRecord
)

// String returns the lowercase kind name for logging.
func (k SessionKind) String() string {
	switch k {
	case SessionBuffer:
		return "buffer"
	case SessionLive:
		return "live"
	case SessionRecord:
		return "record"
	default:
		return "unknown"
	}
}

// Handles are the consumer-facing ends of a session's streams. Video
// and Audio deliver the session's media; Talkback accepts return audio
// on live sessions and is nil otherwise. Closing Talkback (or writing a
// zero-length frame) ends the talk.
type Handles struct {
	Video    io.ReadCloser
	Audio    io.ReadCloser
	Talkback io.WriteCloser
}

// session is one engine-owned output session. kind is immutable after
// creation; buf is the shared rolling buffer for SessionBuffer and a
// private clone for live/record sessions.
type session struct {
	id      string
	kind    SessionKind
	buf     *RollingBuffer
	video   *sinkPipe
	audio   *sinkPipe
	handles Handles
}

// close tears down the session's sinks. Readers drain and then see EOF.
func (s *session) close() {
	if s.video != nil {
		s.video.CloseWrite()
	}
	if s.audio != nil {
		s.audio.CloseWrite()
	}
	if s.handles.Talkback != nil {
		s.handles.Talkback.Close()
	}
}

// talkWriter forwards talkback audio to the upstream adapter. The first
// write implicitly starts the talk; Close (or an explicit zero-length
// write) ends it.
type talkWriter struct {
	up Upstream
}

func (w *talkWriter) Write(b []byte) (int, error) {
	if err := w.up.SendTalk(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *talkWriter) Close() error {
	return w.up.SendTalk(nil)
}

// newSession builds a session of the given kind. Live and record
// sessions get sink pipes and a private snapshot of shared; buffer
// sessions share the rolling buffer directly and have no sinks.
func newSession(id string, kind SessionKind, shared *RollingBuffer, up Upstream) *session {
	s := &session{id: id, kind: kind}

	if kind == SessionBuffer {
		s.buf = shared
		return s
	}

	s.buf = shared.Clone()
	s.video = newSinkPipe()
	s.audio = newSinkPipe()
	s.handles = Handles{Video: s.video, Audio: s.audio}

	if kind == SessionLive {
		s.handles.Talkback = &talkWriter{up: up}
	}
	return s
}
