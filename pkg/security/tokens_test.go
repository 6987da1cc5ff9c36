package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"regexp"
	"testing"
)

func TestRandomToken(t *testing.T) {
	token, err := RandomToken()
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}

	// 32 bytes in unpadded base64url is 43 characters.
	if len(token) != 43 {
		t.Errorf("token length = %d, want 43", len(token))
	}
	if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(token) {
		t.Errorf("token %q is not base64url", token)
	}

	other, err := RandomToken()
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}
	if token == other {
		t.Error("two tokens are identical")
	}
}

func TestSHA256Hex(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		if got := SHA256Hex(tt.in); got != tt.want {
			t.Errorf("SHA256Hex(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"equal", "token-value", "token-value", true},
		{"different", "token-value", "token-other", false},
		{"prefix", "token", "token-value", false},
		{"empty both", "", "", true},
		{"empty one", "", "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConstantTimeEqual(tt.a, tt.b); got != tt.want {
				t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestKeyIDFromSPKI(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal SPKI: %v", err)
	}
	spkiB64 := base64.RawURLEncoding.EncodeToString(der)

	got, err := KeyIDFromSPKI(spkiB64)
	if err != nil {
		t.Fatalf("KeyIDFromSPKI() error = %v", err)
	}

	sum := sha256.Sum256(der)
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if got != want {
		t.Errorf("KeyIDFromSPKI() = %q, want %q", got, want)
	}

	if _, err := KeyIDFromSPKI("!!not-base64url!!"); err == nil {
		t.Error("expected error for invalid base64url input")
	}
}

func TestParseBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"valid", "Bearer abc123", "abc123", true},
		{"trims space", "Bearer  abc123 ", "abc123", true},
		{"empty token", "Bearer ", "", false},
		{"wrong scheme", "Basic abc123", "", false},
		{"lowercase scheme", "bearer abc123", "", false},
		{"empty header", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseBearer(tt.header)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParseBearer(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}
