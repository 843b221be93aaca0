package buffer

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kestrelhq/kestrel/media"
)

// FallbackCase selects which pre-rendered placeholder frame the output
// loop injects while real media is unavailable.
type FallbackCase int

const (
	FallbackOffline FallbackCase = iota
	FallbackVideoDisabled
	FallbackMigrating
)

// String returns the case name for logging.
func (c FallbackCase) String() string {
	switch c {
	case FallbackOffline:
		return "offline"
	case FallbackVideoDisabled:
		return "video-disabled"
	case FallbackMigrating:
		return "migrating"
	default:
		return "unknown"
	}
}

// Placeholder asset filenames under the resource directory.
var fallbackFiles = map[FallbackCase]string{
	FallbackOffline:       "offline.h264",
	FallbackVideoDisabled: "video-disabled.h264",
	FallbackMigrating:     "migrating.h264",
}

// FallbackFrames holds the pre-rendered placeholder video frames,
// keyed by case, stored start-code free like every buffered payload.
// A missing entry disables that fallback case.
type FallbackFrames map[FallbackCase][]byte

// LoadFallbackFrames reads the three placeholder frames from dir.
// Absence of any file is non-fatal: the case is simply disabled.
func LoadFallbackFrames(dir string, log *slog.Logger) FallbackFrames {
	if log == nil {
		log = slog.Default()
	}
	frames := make(FallbackFrames)
	for c, name := range fallbackFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Debug("fallback frame unavailable", "case", c.String(), "file", name, "error", err)
			continue
		}
		frames[c] = media.StripStartCode(data)
	}
	return frames
}

// silenceSamples is the length of the injected audio silence frame:
// one fallback interval of 16 kHz mono PCM16.
const silenceSamples = 3200

// silenceFrame returns the cached PCM silence written alongside each
// placeholder video frame.
var silenceFrame = media.SilencePCM(silenceSamples)
