package transcode

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Capabilities is the result of probing the transcoder binary.
type Capabilities struct {
	Version  string
	Encoders map[string]bool
	Decoders map[string]bool
	Muxers   map[string]bool
	Demuxers map[string]bool

	// HWAccel is the preferred hardware acceleration method for this
	// platform, empty for software-only.
	HWAccel string
}

// Requirements names the codecs and formats a caller needs.
type Requirements struct {
	Encoders []string
	Decoders []string
	Muxers   []string
	Demuxers []string
}

// HasMinimumSupport reports whether every requirement is present.
func (c Capabilities) HasMinimumSupport(req Requirements) bool {
	for _, e := range req.Encoders {
		if !c.Encoders[e] {
			return false
		}
	}
	for _, d := range req.Decoders {
		if !c.Decoders[d] {
			return false
		}
	}
	for _, m := range req.Muxers {
		if !c.Muxers[m] {
			return false
		}
	}
	for _, d := range req.Demuxers {
		if !c.Demuxers[d] {
			return false
		}
	}
	return true
}

// Probe runs the binary once per capability listing and derives the
// platform hardware-acceleration preference.
func Probe(binary string) (Capabilities, error) {
	caps := Capabilities{HWAccel: hwAccelPreference()}

	out, err := exec.Command(binary, "-version").Output()
	if err != nil {
		return caps, fmt.Errorf("probing version: %w", err)
	}
	caps.Version = parseVersion(out)

	lists := []struct {
		flag string
		dst  *map[string]bool
	}{
		{"-encoders", &caps.Encoders},
		{"-decoders", &caps.Decoders},
		{"-muxers", &caps.Muxers},
		{"-demuxers", &caps.Demuxers},
	}
	for _, l := range lists {
		out, err := exec.Command(binary, "-hide_banner", l.flag).Output()
		if err != nil {
			return caps, fmt.Errorf("probing %s: %w", l.flag, err)
		}
		*l.dst = parseListing(out)
	}
	return caps, nil
}

// parseVersion extracts the version token from the first line of
// "-version" output ("ffmpeg version 6.1.1 Copyright ...").
func parseVersion(out []byte) string {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	fields := strings.Fields(string(line))
	for i, f := range fields {
		if f == "version" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// parseListing extracts names from a capability listing. Entries
// follow a "----" separator line, one per line with flag characters in
// the first column and the name in the second.
func parseListing(out []byte) map[string]bool {
	names := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	body := false
	for sc.Scan() {
		line := sc.Text()
		if !body {
			if strings.Contains(line, "----") {
				body = true
			}
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		// Muxer/demuxer lines may list aliases: "mov,mp4,m4a".
		for _, name := range strings.Split(fields[1], ",") {
			names[name] = true
		}
	}
	return names
}

// hwAccelPreference picks the acceleration method by platform:
// videotoolbox on darwin, vaapi on linux when a DRM render node
// exists, software otherwise.
func hwAccelPreference() string {
	switch runtime.GOOS {
	case "darwin":
		return "videotoolbox"
	case "linux":
		if entries, err := os.ReadDir("/dev/dri"); err == nil && len(entries) > 0 {
			return "vaapi"
		}
	}
	return ""
}
