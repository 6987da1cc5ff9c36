/*
Package security provides the crypto primitives of the control plane:
token minting and hashing, constant-time comparison, sealed-input key-id
derivation, and the sealed-input envelope format.

# Tokens

Runner bearer tokens and project deletion tokens are minted as 32 random
bytes, base64url-encoded without padding (RandomToken). Only their SHA-256
hex digests are stored (SHA256Hex); plaintext is returned to the caller
exactly once. Deletion-token verification compares digests with
ConstantTimeEqual, which never short-circuits on a prefix mismatch.

# Sealed-Input Envelopes

Operators seal secret-bearing payloads client-side; the control plane
stores the resulting envelope opaquely and hands it to the leased runner.
The wire form is base64url of a JSON object:

	{
	  "v":   1,
	  "alg": "rsa-oaep-3072/aes-256-gcm",
	  "kid": base64url(SHA-256(SPKI)),
	  "iv":  base64url(GCM nonce),
	  "w":   base64url(RSA-OAEP-wrapped AES-256 key),
	  "ct":  base64url(AES-256-GCM ciphertext)
	}

The GCM additional authenticated data binds the envelope to its
reservation: "projectId:jobId:kind:targetRunnerId" (EnvelopeAAD). A stolen
envelope replayed against a different job fails authentication on the
runner.

Seal and Open implement both directions for the CLI sealing helper, the
demo under poc/sealed-envelope, and runner implementations. The server
itself never decrypts: it validates charset and size only and stores the
opaque string.

# Key IDs

Runners report their sealed-input public key as base64url SPKI DER.
KeyIDFromSPKI derives the key id the engine pins on reservations:
base64url(SHA-256(DER)) without padding. A key rotation changes the id and
forces operators back through reserve/finalize.

# Usage

Mint and store a runner token:

	plaintext, err := security.RandomToken()
	if err != nil { ... }
	row.TokenHash = security.SHA256Hex(plaintext)
	// return plaintext to the operator once, never persist it

Seal a payload for a reservation:

	aad := security.EnvelopeAAD(projectID, jobID, kind, runnerID)
	envB64, err := security.Seal(payloadJSON, runnerSPKI, aad)
*/
package security
