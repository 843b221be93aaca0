// Package media defines the packet model that flows from the protocol
// adapters through the buffer engine to session sinks, along with the
// Annex B framing helpers both adapters share.
package media

// Kind identifies the elementary stream a packet belongs to.
type Kind int

// Packet kinds. Talk packets travel upstream only (consumer to camera);
// the other three travel downstream from the adapter.
const (
	KindVideo Kind = iota
	KindAudio
	KindTalk
	KindMetadata
)

// String returns the lowercase name of the kind for logging.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindTalk:
		return "talk"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k >= KindVideo && k <= KindMetadata
}

// Packet is a single elementary media unit. Video payloads are raw NAL
// units with the start code stripped; framing is re-applied only at
// write time. Audio payloads are linear PCM. A Packet is immutable once
// built: sessions share pointers, never copies.
type Packet struct {
	Kind        Kind
	Payload     []byte
	CaptureTime int64 // Unix milliseconds
	Seq         uint32
}
