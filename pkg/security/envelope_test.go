package security

import (
	"crypto/rand"
	"crypto/rsa"
	"regexp"
	"testing"

	"github.com/clawlets/clawlets/pkg/types"
)

func generateRunnerKey(t *testing.T, bits int) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	spki, err := MarshalSPKI(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal SPKI: %v", err)
	}
	return key, spki
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, spki := generateRunnerKey(t, 3072)
	aad := EnvelopeAAD("proj-1", "job-1", "deploy_host", "runner-1")
	payload := []byte(`{"sshKey":"AAAA...","passphrase":"hunter2"}`)

	sealed, err := Seal(payload, spki, aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	// The stored form must stay inside the base64url alphabet.
	if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(sealed) {
		t.Errorf("sealed envelope is not base64url: %q", sealed[:32])
	}

	opened, err := Open(sealed, key, aad)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != string(payload) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key, spki := generateRunnerKey(t, 3072)
	sealed, err := Seal([]byte("payload"), spki, EnvelopeAAD("p", "j1", "k", "r"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := Open(sealed, key, EnvelopeAAD("p", "j2", "k", "r")); err == nil {
		t.Error("expected decrypt failure with mismatched AAD")
	}
}

func TestSealRejectsSmallKey(t *testing.T) {
	_, spki := generateRunnerKey(t, 2048)
	if _, err := Seal([]byte("payload"), spki, "aad"); err == nil {
		t.Error("expected error for 2048-bit key")
	}
}

func TestSealKidMatchesDerivedKeyID(t *testing.T) {
	key, spki := generateRunnerKey(t, 3072)
	sealed, err := Seal([]byte("payload"), spki, "aad")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	wantKid, err := KeyIDFromSPKI(spki)
	if err != nil {
		t.Fatalf("KeyIDFromSPKI() error = %v", err)
	}

	opened, err := Open(sealed, key, "aad")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = opened

	// Re-parse the envelope to inspect the header fields.
	raw, err := DecodeEnvelope(sealed)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if raw.Kid != wantKid {
		t.Errorf("kid = %q, want %q", raw.Kid, wantKid)
	}
	if raw.Alg != types.SealedInputAlg {
		t.Errorf("alg = %q, want %q", raw.Alg, types.SealedInputAlg)
	}
	if raw.V != 1 {
		t.Errorf("v = %d, want 1", raw.V)
	}
}
