package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/clawlets/clawlets/pkg/types"
)

// Envelope is the sealed-input wire format: a base64url JSON object.
// The control plane never opens envelopes; Seal and Open exist for
// operator-side tooling and for runner implementations.
type Envelope struct {
	V   int    `json:"v"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	IV  string `json:"iv"`
	W   string `json:"w"`  // RSA-OAEP-wrapped AES-256 key
	CT  string `json:"ct"` // AES-256-GCM ciphertext
}

// rsaKeyBytes is the modulus size required of runner sealed-input keys.
const rsaKeyBytes = 384 // 3072 bits

// EnvelopeAAD builds the additional authenticated data binding an envelope
// to its reservation.
func EnvelopeAAD(projectID, jobID, kind, targetRunnerID string) string {
	return projectID + ":" + jobID + ":" + kind + ":" + targetRunnerID
}

// Seal encrypts payload under a fresh AES-256 key, wraps the key with the
// runner's RSA-OAEP-3072 public key, and returns the base64url envelope.
func Seal(payload []byte, spkiB64, aad string) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("cannot seal empty payload")
	}

	der, err := base64.RawURLEncoding.DecodeString(spkiB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode SPKI: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", fmt.Errorf("failed to parse SPKI: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("sealed-input key must be RSA, got %T", parsed)
	}
	if pub.Size() != rsaKeyBytes {
		return "", fmt.Errorf("sealed-input key must be 3072 bits, got %d", pub.Size()*8)
	}

	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, aesKey); err != nil {
		return "", fmt.Errorf("failed to generate data key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ct := gcm.Seal(nil, iv, payload, []byte(aad))

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return "", fmt.Errorf("failed to wrap data key: %w", err)
	}

	sum := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(sum[:])

	env := Envelope{
		V:   1,
		Alg: types.SealedInputAlg,
		Kid: kid,
		IV:  base64.RawURLEncoding.EncodeToString(iv),
		W:   base64.RawURLEncoding.EncodeToString(wrapped),
		CT:  base64.RawURLEncoding.EncodeToString(ct),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeEnvelope parses the base64url JSON envelope form without opening
// it. Runners use this to pick the right key by kid before unsealing.
func DecodeEnvelope(envelopeB64 string) (*Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.V != 1 {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.Alg != types.SealedInputAlg {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", env.Alg)
	}
	return &env, nil
}

// Open unwraps and decrypts an envelope with the runner's private key.
// The AAD must match the one the envelope was sealed with.
func Open(envelopeB64 string, priv *rsa.PrivateKey, aad string) ([]byte, error) {
	env, err := DecodeEnvelope(envelopeB64)
	if err != nil {
		return nil, err
	}

	wrapped, err := base64.RawURLEncoding.DecodeString(env.W)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}
	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key: %w", err)
	}

	iv, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d", len(iv))
	}

	plaintext, err := gcm.Open(nil, iv, ct, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// MarshalSPKI encodes an RSA public key as base64url SPKI DER, the form
// runners report in their capability record.
func MarshalSPKI(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal SPKI: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(der), nil
}
