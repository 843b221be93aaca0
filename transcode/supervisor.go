// Package transcode supervises external ffmpeg processes: at most one
// per (device, session, purpose) key, byte-stream pipes to the caller,
// stderr forwarding, and reaping on exit. It also probes the binary's
// capabilities once at construction.
package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
)

// minPipes is the floor on per-process byte-stream pipes: stdin,
// stdout, stderr.
const minPipes = 3

// ErrNoBinary is returned when the transcoder binary cannot be found.
var ErrNoBinary = errors.New("transcode: binary not found")

// Key identifies one supervised process.
type Key struct {
	Device  string
	Session string
	Purpose string
}

func (k Key) String() string {
	return k.Device + "/" + k.Session + "/" + k.Purpose
}

// Process is a handle on one running transcoder. Stdin and Stdout are
// the first two byte-stream pipes; Extra holds the write ends of any
// additional pipes requested beyond the standard three. Done is closed
// when the process has been reaped.
type Process struct {
	Key    Key
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Extra  []*os.File
	Done   chan struct{}

	cmd        *exec.Cmd
	childFiles []*os.File
}

// Config carries supervisor settings.
type Config struct {
	Binary string
	Logger *slog.Logger

	// SkipProbe disables the construction-time capability probe, for
	// callers that manage capabilities themselves.
	SkipProbe bool
}

// Supervisor owns the process table. It is the only state shared
// across devices; each key is exclusive by construction.
type Supervisor struct {
	log  *slog.Logger
	bin  string
	caps Capabilities

	mu    sync.Mutex
	procs map[Key]*Process
}

// NewSupervisor resolves the binary and probes its capabilities. A
// failed probe is non-fatal: the supervisor still spawns processes,
// with empty capabilities.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bin := cfg.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBinary, bin)
	}

	s := &Supervisor{
		log:   log.With("component", "transcode"),
		bin:   path,
		procs: make(map[Key]*Process),
	}
	if !cfg.SkipProbe {
		caps, err := Probe(path)
		if err != nil {
			s.log.Warn("capability probe failed", "error", err)
		}
		s.caps = caps
	}
	return s, nil
}

// Capabilities returns the probe results.
func (s *Supervisor) Capabilities() Capabilities { return s.caps }

// CreateSession spawns a transcoder for the key, or returns the
// existing process unchanged if the key is already present. pipeCount
// names the total byte-stream pipes; values above three add inherited
// pipe pairs through ExtraFiles. onStderr receives each diagnostic
// line; nil discards them.
func (s *Supervisor) CreateSession(deviceID, sessionID string, args []string, purpose string, onStderr func(line string), pipeCount int) (*Process, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	key := Key{Device: deviceID, Session: sessionID, Purpose: purpose}

	s.mu.Lock()
	if p, ok := s.procs[key]; ok {
		s.mu.Unlock()
		s.log.Debug("session already running", "key", key.String())
		return p, nil
	}
	s.mu.Unlock()

	p, err := s.spawn(key, args, onStderr, pipeCount)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.procs[key]; ok {
		// Lost a race with a concurrent create for the same key.
		s.mu.Unlock()
		go s.reap(p)
		s.stop(p)
		return existing, nil
	}
	s.procs[key] = p
	s.mu.Unlock()

	go s.reap(p)
	s.log.Info("transcoder started", "key", key.String(), "pid", p.cmd.Process.Pid)
	return p, nil
}

func (s *Supervisor) spawn(key Key, args []string, onStderr func(string), pipeCount int) (*Process, error) {
	if pipeCount < minPipes {
		pipeCount = minPipes
	}

	cmd := exec.Command(s.bin, args...)
	p := &Process{Key: key, Done: make(chan struct{}), cmd: cmd}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	p.Stdin = stdin
	p.Stdout = stdout

	// Extra pipes inherit as fd 3, 4, ... in the child.
	for i := minPipes; i < pipeCount; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			p.closePipes()
			return nil, fmt.Errorf("extra pipe %d: %w", i, err)
		}
		cmd.ExtraFiles = append(cmd.ExtraFiles, r)
		p.childFiles = append(p.childFiles, r)
		p.Extra = append(p.Extra, w)
	}

	if err := cmd.Start(); err != nil {
		p.closePipes()
		return nil, fmt.Errorf("starting transcoder: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			line := sc.Text()
			if onStderr != nil {
				onStderr(line)
			} else {
				s.log.Debug("transcoder stderr", "key", key.String(), "line", line)
			}
		}
	}()
	return p, nil
}

func (p *Process) closePipes() {
	if p.Stdin != nil {
		p.Stdin.Close()
	}
	for _, f := range p.childFiles {
		f.Close()
	}
	for _, f := range p.Extra {
		f.Close()
	}
}

// reap waits for exit, logs unexpected failures, and removes the key
// if this process still owns it. Removal is idempotent with
// KillSession, which deletes the key first.
func (s *Supervisor) reap(p *Process) {
	err := p.cmd.Wait()
	for _, f := range p.childFiles {
		f.Close()
	}
	close(p.Done)

	s.mu.Lock()
	if current, ok := s.procs[p.Key]; ok && current == p {
		delete(s.procs, p.Key)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("transcoder exited with error", "key", p.Key.String(), "error", err)
	} else {
		s.log.Debug("transcoder exited", "key", p.Key.String())
	}
}

// HasSession reports whether the key currently has a process. It
// reflects KillSession immediately, before the process has exited.
func (s *Supervisor) HasSession(deviceID, sessionID, purpose string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[Key{Device: deviceID, Session: sessionID, Purpose: purpose}]
	return ok
}

// SessionCount returns the number of supervised processes.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// KillSession signals termination and removes the key immediately,
// without waiting for exit confirmation. The reaper handles the actual
// exit later.
func (s *Supervisor) KillSession(deviceID, sessionID, purpose string) {
	key := Key{Device: deviceID, Session: sessionID, Purpose: purpose}

	s.mu.Lock()
	p, ok := s.procs[key]
	if ok {
		delete(s.procs, key)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.stop(p)
	s.log.Info("transcoder kill requested", "key", key.String())
}

// KillAllSessions kills every session whose device id starts with the
// given prefix. Used on device removal.
func (s *Supervisor) KillAllSessions(devicePrefix string) {
	s.mu.Lock()
	var victims []*Process
	for key, p := range s.procs {
		if strings.HasPrefix(key.Device, devicePrefix) {
			victims = append(victims, p)
			delete(s.procs, key)
		}
	}
	s.mu.Unlock()

	for _, p := range victims {
		s.stop(p)
	}
	if len(victims) > 0 {
		s.log.Info("transcoders killed", "device_prefix", devicePrefix, "count", len(victims))
	}
}

// stop asks a process to terminate. Closing stdin first lets a
// well-behaved transcoder flush and exit; the signal covers the rest.
func (s *Supervisor) stop(p *Process) {
	p.Stdin.Close()
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			s.log.Debug("terminate signal failed", "key", p.Key.String(), "error", err)
		}
	}
}
