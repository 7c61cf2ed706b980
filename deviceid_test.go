package meshdht

import (
	"strings"
	"testing"
)

// =============================================================================
// DEVICE IDENTITY TESTS
// =============================================================================

// TestFingerprintSourcesDeterminism verifies the pure derivation: the same
// source list always digests to the same 40-hex fingerprint.
func TestFingerprintSourcesDeterminism(t *testing.T) {
	sources := []string{
		"machine-id=abc123",
		"hostname=node-1",
		"mac=aa:bb:cc:dd:ee:ff",
	}

	a := fingerprintSources(sources)
	b := fingerprintSources(sources)
	if a != b {
		t.Errorf("fingerprint not deterministic: %s != %s", a, b)
	}
	if len(a) != 40 || a != strings.ToLower(a) {
		t.Errorf("fingerprint is not 40 lowercase hex chars: %q", a)
	}
	if _, err := ParseID(a); err != nil {
		t.Errorf("fingerprint should parse as a DHT id: %v", err)
	}
}

// TestFingerprintSourcesSensitivity verifies every source contributes:
// changing, dropping, or reordering an input changes the fingerprint.
func TestFingerprintSourcesSensitivity(t *testing.T) {
	base := []string{"machine-id=abc123", "hostname=node-1"}
	fp := fingerprintSources(base)

	cases := []struct {
		name    string
		sources []string
	}{
		{"changed value", []string{"machine-id=abc124", "hostname=node-1"}},
		{"dropped source", []string{"machine-id=abc123"}},
		{"reordered", []string{"hostname=node-1", "machine-id=abc123"}},
		{"joined ambiguously", []string{"machine-id=abc123\nhostname=node-1"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if fingerprintSources(tt.sources) == fp {
				t.Error("fingerprint should differ from the base source list")
			}
		})
	}
}

// TestGetDeviceIdentityStable mirrors the consistency guarantee the beacon
// relies on: two derivations on the same machine agree.
func TestGetDeviceIdentityStable(t *testing.T) {
	first, err := GetDeviceIdentity()
	if err != nil {
		t.Skipf("no device identifiers on this host: %v", err)
	}
	second, err := GetDeviceIdentity()
	if err != nil {
		t.Fatalf("second derivation failed: %v", err)
	}

	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprint unstable: %s != %s", first.Fingerprint, second.Fingerprint)
	}
	if len(first.Sources) == 0 {
		t.Error("identity should list its sources")
	}
	for _, src := range first.Sources {
		if !strings.Contains(src, "=") {
			t.Errorf("source %q is not labeled", src)
		}
	}
}

func TestDeviceKeyForm(t *testing.T) {
	fp := fingerprintSources([]string{"hostname=node-1"})
	key := DeviceKey(fp)
	if !strings.HasPrefix(key, "device:") {
		t.Errorf("device key missing prefix: %q", key)
	}
	if key != (&DeviceIdentity{Fingerprint: fp}).Key() {
		t.Error("Key() and DeviceKey() should agree")
	}
}
