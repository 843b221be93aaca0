// Kestrel relay daemon: one buffer engine per configured device,
// fed by the vendor relay through the peer-connection or legacy tunnel
// adapter, with ffmpeg supervision for live and recording consumers.
package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelhq/kestrel/buffer"
	"github.com/kestrelhq/kestrel/certs"
	"github.com/kestrelhq/kestrel/transcode"
	"github.com/kestrelhq/kestrel/tunnel"
	"github.com/kestrelhq/kestrel/webrtc"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	log := slog.Default()

	deviceID := envOr("DEVICE_ID", "")
	if deviceID == "" {
		log.Error("DEVICE_ID is required")
		os.Exit(1)
	}
	relayURL := envOr("RELAY_URL", "wss://relay.example.com/signal")
	relayAddr := envOr("RELAY_ADDR", "relay.example.com:8443")
	relayPin := envOr("RELAY_FINGERPRINT", "")
	fallbackDir := envOr("FALLBACK_DIR", "assets/fallback")
	ffmpegBin := envOr("FFMPEG", "ffmpeg")
	peerCapable := envOr("PEER_CONNECTION", "1") != "0"

	log.Info("kestrel starting",
		"version", version,
		"device", deviceID,
		"peer_connection", peerCapable,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sup, err := transcode.NewSupervisor(transcode.Config{Binary: ffmpegBin, Logger: log})
	if err != nil {
		log.Error("transcoder unavailable", "error", err)
		os.Exit(1)
	}
	caps := sup.Capabilities()
	log.Info("transcoder probed",
		"version", caps.Version,
		"hwaccel", caps.HWAccel,
	)
	if !caps.HasMinimumSupport(transcode.Requirements{
		Decoders: []string{"h264"},
		Muxers:   []string{"mp4"},
	}) {
		log.Warn("transcoder lacks h264/mp4 support, sessions may fail")
	}

	peer := webrtc.NewAdapter(webrtc.Config{
		DeviceID: deviceID,
		RelayURL: relayURL,
		Logger:   log,
	})

	tunnelCfg := tunnel.Config{
		DeviceID:  deviceID,
		RelayAddr: relayAddr,
		Logger:    log,
	}
	if relayPin != "" {
		tlsCfg, err := certs.PinnedClientConfig(relayPin)
		if err != nil {
			log.Error("invalid relay fingerprint", "error", err)
			os.Exit(1)
		}
		tunnelCfg.TLSConfig = tlsCfg
	}
	legacy := tunnel.NewAdapter(tunnelCfg)

	up := buffer.Negotiate(buffer.Capabilities{PeerConnection: peerCapable}, peer, legacy)

	engine := buffer.NewEngine(buffer.Config{
		DeviceID: deviceID,
		Fallback: buffer.LoadFallbackFrames(fallbackDir, log),
		Logger:   log,
	}, up)
	engine.StartBuffer()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })

	// Live sessions arrive as newline-separated session ids on stdin,
	// "-id" to stop one. Stand-in for the bridge framework's message
	// feed.
	g.Go(func() error {
		return readCommands(ctx, engine, log)
	})

	<-ctx.Done()
	engine.StopEverything()
	sup.KillAllSessions(deviceID)

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("relay error", "error", err)
		os.Exit(1)
	}
}

// readCommands drives the engine's dispatch table from stdin lines.
func readCommands(ctx context.Context, engine *buffer.Engine, log *slog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				lines <- line
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg := buffer.Message{Type: buffer.MsgStartLive, SessionID: line}
			if strings.HasPrefix(line, "-") {
				msg = buffer.Message{Type: buffer.MsgStopLive, SessionID: line[1:]}
			}
			if _, err := engine.Handle(msg); err != nil {
				log.Warn("command failed", "line", line, "error", err)
			}
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
