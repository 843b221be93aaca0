package buffer

import "fmt"

// MsgType identifies a control message routed to the engine from the
// device bridge framework.
type MsgType int

// Control message types.
const (
	MsgStartBuffer MsgType = iota
	MsgStopBuffer
	MsgStartLive
	MsgStopLive
	MsgStartRecord
	MsgStopRecord
	MsgDeviceUpdate
	MsgShutdown
)

// String returns the message type name for logging.
func (t MsgType) String() string {
	switch t {
	case MsgStartBuffer:
		return "start_buffer"
	case MsgStopBuffer:
		return "stop_buffer"
	case MsgStartLive:
		return "start_live"
	case MsgStopLive:
		return "stop_live"
	case MsgStartRecord:
		return "start_record"
	case MsgStopRecord:
		return "stop_record"
	case MsgDeviceUpdate:
		return "device_update"
	case MsgShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Message is one control message. SessionID applies to live/record
// operations; Device applies to device updates.
type Message struct {
	Type      MsgType
	SessionID string
	Device    DeviceState
}

// Result carries the handles produced by a session-starting message.
// Non-starting messages leave it zero.
type Result struct {
	Handles Handles
}

type handlerFunc func(*Engine, Message) Result

// handlers maps each message type to its engine operation. Keeping the
// table at package level makes the dispatch surface auditable in one
// place.
var handlers = map[MsgType]handlerFunc{
	MsgStartBuffer: func(e *Engine, _ Message) Result {
		e.StartBuffer()
		return Result{}
	},
	MsgStopBuffer: func(e *Engine, _ Message) Result {
		e.StopBuffer()
		return Result{}
	},
	MsgStartLive: func(e *Engine, m Message) Result {
		return Result{Handles: e.StartLive(m.SessionID)}
	},
	MsgStopLive: func(e *Engine, m Message) Result {
		e.StopLive(m.SessionID)
		return Result{}
	},
	MsgStartRecord: func(e *Engine, m Message) Result {
		return Result{Handles: e.StartRecord(m.SessionID)}
	},
	MsgStopRecord: func(e *Engine, m Message) Result {
		e.StopRecord(m.SessionID)
		return Result{}
	},
	MsgDeviceUpdate: func(e *Engine, m Message) Result {
		e.HandleDeviceUpdate(m.Device)
		return Result{}
	},
	MsgShutdown: func(e *Engine, _ Message) Result {
		e.StopEverything()
		return Result{}
	},
}

// Handle routes one control message to the matching engine operation.
// Unknown types return an error instead of panicking so a framework
// bug cannot take down the relay.
func (e *Engine) Handle(m Message) (Result, error) {
	h, ok := handlers[m.Type]
	if !ok {
		return Result{}, fmt.Errorf("unhandled message type %d", int(m.Type))
	}
	e.log.Debug("handling message", "type", m.Type.String(), "session", m.SessionID)
	return h(e, m), nil
}
