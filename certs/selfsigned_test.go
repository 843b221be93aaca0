package certs

import (
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	c, err := Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("generated cert has no DER chain")
	}
	if time.Until(c.NotAfter) > time.Hour {
		t.Errorf("NotAfter = %v, want within the requested hour", c.NotAfter)
	}
	if c.FingerprintBase64() == "" {
		t.Error("empty fingerprint")
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()

	c, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	cfg, err := PinnedClientConfig(c.FingerprintBase64())
	if err != nil {
		t.Fatalf("PinnedClientConfig: %v", err)
	}

	der := c.TLSCert.Certificate[0]
	if err := cfg.VerifyPeerCertificate([][]byte{der}, nil); err != nil {
		t.Errorf("pinned certificate rejected: %v", err)
	}

	other, err := Generate(0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil); err != ErrFingerprintMismatch {
		t.Errorf("foreign certificate error = %v, want %v", err, ErrFingerprintMismatch)
	}
}

func TestPinnedClientConfigRejectsBadInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "not base64 ===", "AAAA"} {
		if _, err := PinnedClientConfig(in); err == nil {
			t.Errorf("PinnedClientConfig(%q) accepted invalid fingerprint", in)
		}
	}
}
