package onion

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genKeypair(t *testing.T) (pub [32]byte, priv [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	copy(pub[:], pubBytes)
	return pub, priv
}

func TestPKEncryptDecryptRoundTrip(t *testing.T) {
	pub, priv := genKeypair(t)
	plaintext := []byte("the quick brown fox")

	sealed, err := pkEncrypt(pub, plaintext)
	if err != nil {
		t.Fatalf("pkEncrypt: %v", err)
	}
	got, err := pkDecrypt(priv, sealed)
	if err != nil {
		t.Fatalf("pkDecrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestPKDecryptRejectsTamperedCiphertext(t *testing.T) {
	pub, priv := genKeypair(t)
	sealed, err := pkEncrypt(pub, []byte("payload"))
	if err != nil {
		t.Fatalf("pkEncrypt: %v", err)
	}
	sealed[len(sealed)/2] ^= 0xFF

	if _, err := pkDecrypt(priv, sealed); err != ErrSealFailed {
		t.Fatalf("pkDecrypt on tampered input: got err %v, want ErrSealFailed", err)
	}
}

func TestPKDecryptRejectsTruncatedInput(t *testing.T) {
	_, priv := genKeypair(t)
	if _, err := pkDecrypt(priv, []byte("short")); err != ErrSealFailed {
		t.Fatalf("pkDecrypt on truncated input: got err %v, want ErrSealFailed", err)
	}
}
