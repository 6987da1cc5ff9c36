package main

import (
	"bytes"
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
	"log"
)

const (
	alg     = "rsa-oaep-3072/aes-256-gcm"
	rsaBits = 3072
)

// envelope is the sealed-input wire format: a base64url JSON object.
// The control plane stores and forwards envelopes but never opens them.
type envelope struct {
	V   int    `json:"v"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	IV  string `json:"iv"`
	W   string `json:"w"`  // RSA-OAEP-wrapped AES-256 key
	CT  string `json:"ct"` // AES-256-GCM ciphertext
}

func main() {
	log.Println("=== Clawlets Sealed Envelope POC ===")
	log.Printf("Algorithm: %s", alg)
	log.Println()

	// Runner side: generate the sealed-input keypair
	log.Println("1. Generating runner RSA-3072 keypair...")
	priv, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		log.Fatalf("Failed to generate keypair: %v", err)
	}
	log.Println("✓ Keypair generated")

	// The runner reports its public key as base64url SPKI DER in its
	// capability record; the control plane pins the derived key id
	log.Println("\n2. Deriving SPKI and key id...")
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		log.Fatalf("Failed to marshal SPKI: %v", err)
	}
	spkiB64 := base64.RawURLEncoding.EncodeToString(der)
	sum := sha256.Sum256(der)
	kid := base64.RawURLEncoding.EncodeToString(sum[:])
	log.Printf("✓ SPKI: %d bytes DER", len(der))
	log.Printf("  Key id: %s", kid)

	// Operator side: seal a payload against one specific reservation
	log.Println("\n3. Sealing payload...")
	payload := []byte(`{"sops_age_key":"AGE-SECRET-KEY-EXAMPLE","deploy_override":"pr-417"}`)
	aad := envelopeAAD("proj-1", "job-42", "deploy", "runner-7")
	log.Printf("  Payload: %d bytes", len(payload))
	log.Printf("  AAD: %s", aad)
	sealed, err := seal(payload, spkiB64, kid, aad)
	if err != nil {
		log.Fatalf("Failed to seal: %v", err)
	}
	log.Printf("✓ Envelope sealed: %d bytes base64url", len(sealed))

	// Control plane side: decode the header without opening. Checking the
	// kid against the pinned runner key is all the server ever does
	log.Println("\n4. Decoding envelope header (no decryption)...")
	env, err := decode(sealed)
	if err != nil {
		log.Fatalf("Failed to decode envelope: %v", err)
	}
	if env.Kid != kid {
		log.Fatalf("Key id mismatch: envelope %s, pinned %s", env.Kid, kid)
	}
	log.Printf("✓ Envelope v%d, alg %s, kid matches pinned key", env.V, env.Alg)

	// Runner side: open with the private key and the same AAD
	log.Println("\n5. Opening envelope on the runner...")
	opened, err := open(sealed, priv, aad)
	if err != nil {
		log.Fatalf("Failed to open: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		log.Fatalf("Plaintext mismatch:\n  sealed: %s\n  opened: %s", payload, opened)
	}
	log.Printf("✓ Payload recovered: %d bytes, byte-identical", len(opened))

	// A replayed envelope carries the wrong AAD and must not open
	log.Println("\n6. Replaying envelope against a different job...")
	wrongAAD := envelopeAAD("proj-1", "job-43", "deploy", "runner-7")
	if _, err := open(sealed, priv, wrongAAD); err == nil {
		log.Fatal("Envelope opened under the wrong AAD")
	} else {
		log.Printf("✓ Rejected: %v", err)
	}

	// GCM authenticates the ciphertext, so bit flips must not open either
	log.Println("\n7. Tampering with the ciphertext...")
	tampered, err := flipCiphertextBit(sealed)
	if err != nil {
		log.Fatalf("Failed to build tampered envelope: %v", err)
	}
	if _, err := open(tampered, priv, aad); err == nil {
		log.Fatal("Tampered envelope opened")
	} else {
		log.Printf("✓ Rejected: %v", err)
	}

	log.Println("\n✅ POC complete!")
	log.Println("The control plane only validates the base64url form and the key id.")
	log.Println("Clawlets will use:")
	log.Println("  - Operator CLI: seal against the reservation returned by the server")
	log.Println("  - Runner: pick the private key by kid, open with the reservation AAD")
}

// envelopeAAD binds an envelope to its reservation.
func envelopeAAD(projectID, jobID, kind, targetRunnerID string) string {
	return projectID + ":" + jobID + ":" + kind + ":" + targetRunnerID
}

// seal encrypts payload under a fresh AES-256 key, wraps the key with the
// runner's RSA-OAEP public key, and returns the base64url envelope.
func seal(payload []byte, spkiB64, kid, aad string) (string, error) {
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

	env := envelope{
		V:   1,
		Alg: alg,
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

// decode parses the envelope form without opening it.
func decode(envelopeB64 string) (*envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(envelopeB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if env.V != 1 {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.Alg != alg {
		return nil, fmt.Errorf("unsupported envelope algorithm %q", env.Alg)
	}
	return &env, nil
}

// open unwraps and decrypts an envelope with the runner's private key.
func open(envelopeB64 string, priv *rsa.PrivateKey, aad string) ([]byte, error) {
	env, err := decode(envelopeB64)
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

// flipCiphertextBit rebuilds the envelope with one ciphertext bit flipped.
func flipCiphertextBit(envelopeB64 string) (string, error) {
	env, err := decode(envelopeB64)
	if err != nil {
		return "", err
	}
	ct, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return "", err
	}
	ct[0] ^= 0x01
	env.CT = base64.RawURLEncoding.EncodeToString(ct)
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
