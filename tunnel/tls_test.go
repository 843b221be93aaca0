package tunnel

import (
	"context"
	"crypto/tls"
	"log/slog"
	"testing"
	"time"

	"github.com/kestrelhq/kestrel/certs"
)

// startTLSRelay serves the fake relay protocol behind a real TLS
// listener with a self-signed certificate.
func startTLSRelay(t *testing.T) (addr string, fingerprint string) {
	t.Helper()

	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cert.ServerTLSConfig())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			relay := &fakeRelay{conn: conn}
			go relay.serve()
		}
	}()
	return ln.Addr().String(), cert.FingerprintBase64()
}

func TestConnectOverPinnedTLS(t *testing.T) {
	t.Parallel()

	addr, fingerprint := startTLSRelay(t)

	tlsCfg, err := certs.PinnedClientConfig(fingerprint)
	if err != nil {
		t.Fatalf("pinned config: %v", err)
	}

	a := NewAdapter(Config{
		DeviceID:  "dev-1",
		RelayAddr: addr,
		TLSConfig: tlsCfg,
		Logger:    slog.New(slog.DiscardHandler),
	})
	sink := newEventSink()
	a.Bind(sink.events())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("connect over TLS: %v", err)
	}
	select {
	case <-sink.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected event never fired")
	}
	a.Disconnect()
}

func TestConnectRejectsUnpinnedRelay(t *testing.T) {
	t.Parallel()

	addr, _ := startTLSRelay(t)

	// Pin a fingerprint belonging to a different certificate.
	other, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	tlsCfg, err := certs.PinnedClientConfig(other.FingerprintBase64())
	if err != nil {
		t.Fatalf("pinned config: %v", err)
	}

	a := NewAdapter(Config{
		DeviceID:  "dev-1",
		RelayAddr: addr,
		TLSConfig: tlsCfg,
		Logger:    slog.New(slog.DiscardHandler),
	})
	a.Bind(newEventSink().events())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Connect(ctx); err == nil {
		t.Fatal("connect succeeded against an unpinned relay certificate")
	}
}
