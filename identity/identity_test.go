package identity

import (
	"testing"
	"time"
)

func TestNewProduceDistinctIdentities(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Pseudonym == b.Pseudonym {
		t.Fatal("two identities produced the same pseudonym")
	}
	if string(a.SigningPublicKey()) == string(b.SigningPublicKey()) {
		t.Fatal("two identities produced the same signing key")
	}
}

func TestProveVerifyRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	challenge := []byte("challenge-data")
	proof := id.Prove(challenge)

	if !Verify(proof, challenge, id.Pseudonym) {
		t.Fatal("verify rejected a valid proof")
	}

	mutated := append([]byte(nil), proof...)
	mutated[0] ^= 0xFF
	if Verify(mutated, challenge, id.Pseudonym) {
		t.Fatal("verify accepted a mutated proof")
	}

	mutatedChallenge := append([]byte(nil), challenge...)
	mutatedChallenge[0] ^= 0xFF
	if Verify(proof, mutatedChallenge, id.Pseudonym) {
		t.Fatal("verify accepted a mutated challenge")
	}

	var otherPseudonym [16]byte
	copy(otherPseudonym[:], id.Pseudonym[:])
	otherPseudonym[0] ^= 0xFF
	if Verify(proof, challenge, otherPseudonym) {
		t.Fatal("verify accepted a mutated pseudonym")
	}
}

func TestSignUnknownHandle(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := id.Sign([]byte("msg"), [16]byte{}); err != ErrUnknownEphemeralKey {
		t.Fatalf("expected ErrUnknownEphemeralKey, got %v", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := id.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}

	msg := []byte("hello circuit")
	sigB64, err := id.Sign(msg, handle)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	key := id.ephemeral[handle]
	ok, err := VerifySigned(key.signPub, msg, sigB64)
	if err != nil {
		t.Fatalf("VerifySigned: %v", err)
	}
	if !ok {
		t.Fatal("signature did not verify")
	}
}

func TestEphemeralKeyUseCapDestroysKey(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := id.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}

	for i := 0; i < 100; i++ {
		if _, err := id.Sign([]byte("m"), handle); err != nil {
			t.Fatalf("sign %d: %v", i, err)
		}
	}

	// The 101st use violates the invariant and destroys the key.
	if _, err := id.Sign([]byte("m"), handle); err == nil {
		t.Fatal("expected the 101st signature to fail")
	}

	if _, err := id.Sign([]byte("m"), handle); err != ErrUnknownEphemeralKey {
		t.Fatalf("expected the key to be destroyed, got %v", err)
	}
}

func TestEphemeralKeyAgeCapDestroysKey(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := id.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}

	id.ephemeral[handle].created = time.Now().Add(-2 * time.Hour)

	if _, err := id.Sign([]byte("m"), handle); err == nil {
		t.Fatal("expected signing with an expired ephemeral key to fail")
	}
	if id.EphemeralUsable(handle) {
		t.Fatal("expired key reported usable after destruction")
	}
}

func TestValidateSigningKeyRejectsWrongLength(t *testing.T) {
	if err := ValidateSigningKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a short key")
	}
}
