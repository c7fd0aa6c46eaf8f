// Package identity implements the long-term and ephemeral key material for a
// node: a signing keypair, an encryption keypair, and a stable pseudonym tag
// by which the node is known at the application layer.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

// ErrUnknownEphemeralKey is returned by Sign when the handle does not name a
// live ephemeral key.
var ErrUnknownEphemeralKey = fmt.Errorf("identity: unknown ephemeral key handle")

// Usage caps on an ephemeral key, per the EphemeralKey invariant.
const (
	ephemeralMaxUses = 100
	ephemeralMaxAge  = time.Hour
)

// Identity holds a node's long-term keypairs and its pseudonym.
//
// Rather than RSA, the asymmetric-primitive requirement is split across two
// purpose-built Curve25519-family primitives: Ed25519 for signatures and
// X25519 for anonymous public-key encryption (see the onion package's
// sealed-layer primitive).
type Identity struct {
	mu sync.Mutex

	Pseudonym [16]byte

	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	encPub   [32]byte
	encPriv  [32]byte

	ephemeral map[uuid.UUID]*ephemeralKey
}

type ephemeralKey struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	created  time.Time
	uses     int
}

// New creates a long-term keypair and a random 128-bit pseudonym tag.
func New() (*Identity, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	var encPriv [32]byte
	if _, err := rand.Read(encPriv[:]); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	encPub, err := curve25519.X25519(encPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive encryption public key: %w", err)
	}

	pseudonym := uuid.New()

	id := &Identity{
		signPub:   signPub,
		signPriv:  signPriv,
		ephemeral: make(map[uuid.UUID]*ephemeralKey),
	}
	copy(id.encPriv[:], encPriv[:])
	copy(id.encPub[:], encPub)
	copy(id.Pseudonym[:], pseudonym[:])
	return id, nil
}

// SigningPublicKey returns the long-term Ed25519 public key.
func (id *Identity) SigningPublicKey() ed25519.PublicKey {
	return id.signPub
}

// EncryptionPublicKey returns the long-term X25519 public key that onion
// layers addressed to this node are sealed to.
func (id *Identity) EncryptionPublicKey() [32]byte {
	return id.encPub
}

// EncryptionPrivateKey returns the long-term X25519 private key used to peel
// every onion layer addressed to this node, forwarding or terminal.
func (id *Identity) EncryptionPrivateKey() [32]byte {
	return id.encPriv
}

// NewEphemeral mints a fresh signing keypair with usage and time caps and
// returns an opaque handle to it. External holders never see the keypair
// itself.
func (id *Identity) NewEphemeral() (uuid.UUID, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("generate ephemeral key: %w", err)
	}

	handle := uuid.New()

	id.mu.Lock()
	id.ephemeral[handle] = &ephemeralKey{
		signPub:  pub,
		signPriv: priv,
		created:  time.Now(),
	}
	id.mu.Unlock()

	return handle, nil
}

// Sign increments the ephemeral key's use counter, enforces its usage/time
// invariant, and signs SHA-256(msg) with it. The signature is returned
// base64-encoded. Violating the invariant after the increment destroys the
// key and fails the signing operation.
func (id *Identity) Sign(msg []byte, handle uuid.UUID) (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	key, ok := id.ephemeral[handle]
	if !ok {
		return "", ErrUnknownEphemeralKey
	}

	key.uses++
	if key.uses > ephemeralMaxUses || time.Since(key.created) > ephemeralMaxAge {
		delete(id.ephemeral, handle)
		return "", fmt.Errorf("identity: ephemeral key %s exceeded its invariant and was destroyed", handle)
	}

	digest := sha256.Sum256(msg)
	sig := ed25519.Sign(key.signPriv, digest[:])
	return base64.StdEncoding.EncodeToString(sig), nil
}

// EphemeralUsable reports whether the ephemeral key named by handle
// currently satisfies its usage invariant: uses <= 100 and age <= 1 hour.
// It does not consume a use.
func (id *Identity) EphemeralUsable(handle uuid.UUID) bool {
	id.mu.Lock()
	defer id.mu.Unlock()

	key, ok := id.ephemeral[handle]
	if !ok {
		return false
	}
	return key.uses <= ephemeralMaxUses && time.Since(key.created) <= ephemeralMaxAge
}

// Prove returns SHA-256(pseudonym || challenge), the proof of pseudonym
// ownership for a given challenge.
func (id *Identity) Prove(challenge []byte) []byte {
	h := sha256.New()
	h.Write(id.Pseudonym[:])
	h.Write(challenge)
	return h.Sum(nil)
}

// Verify recomputes the expected proof for challenge and pseudonym and
// compares it against proof in constant time, so that a verifier leaks no
// byte-position timing to a forging caller.
func Verify(proof, challenge []byte, pseudonym [16]byte) bool {
	h := sha256.New()
	h.Write(pseudonym[:])
	h.Write(challenge)
	expected := h.Sum(nil)
	return subtle.ConstantTimeCompare(proof, expected) == 1
}

// ValidateSigningKey checks that a peer-supplied Ed25519 public key decodes
// to a valid point on the curve before it is ever handed to ed25519.Verify.
func ValidateSigningKey(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("identity: signing key has invalid length %d", len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("identity: invalid ed25519 point: %w", err)
	}
	return nil
}

// VerifySigned checks an Ed25519 signature produced by Sign (over
// SHA-256(msg)), after validating the public key is a valid curve point.
func VerifySigned(pub ed25519.PublicKey, msg []byte, sigB64 string) (bool, error) {
	if err := ValidateSigningKey(pub); err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("identity: decode signature: %w", err)
	}
	digest := sha256.Sum256(msg)
	return ed25519.Verify(pub, digest[:], sig), nil
}
