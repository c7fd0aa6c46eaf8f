// Package onion implements layered (onion) encryption of application
// payloads over a sequence of relay hops, and the circuits those hops are
// assembled into.
package onion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

const (
	sealKeyLen    = 32 // AES-256
	sealIVLen     = 16 // AES-CTR IV
	sealMacKeyLen = 32
	sealMacLen    = 32 // SHA3-256 output
	sealTotalKeys = sealKeyLen + sealIVLen + sealMacKeyLen
)

// ErrSealFailed reports a failure to decrypt or authenticate a sealed
// envelope: a wrong key, a corrupted ciphertext, or truncated input. It is
// deliberately uninformative about which check failed.
var ErrSealFailed = fmt.Errorf("onion: seal verification failed")

// pkEncrypt seals plaintext to recipientPub using an ephemeral X25519 key
// agreement. The wire format is:
//
//	ephemeralPub(32) | ciphertext(len(plaintext)) | mac(32)
//
// Keys are derived with SHAKE256 over the shared secret, exactly as the
// layered-descriptor decryption this is modeled on derives its AES key, IV,
// and MAC key from a shared secret input.
func pkEncrypt(recipientPub [32]byte, plaintext []byte) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("onion: generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("onion: derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, fmt.Errorf("onion: ecdh: %w", err)
	}

	secretKey, iv, macKey := deriveKeys(shared, ephPub)

	block, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, fmt.Errorf("onion: new cipher: %w", err)
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	mac := sealMAC(macKey, ephPub, ciphertext)

	out := make([]byte, 0, len(ephPub)+len(ciphertext)+len(mac))
	out = append(out, ephPub...)
	out = append(out, ciphertext...)
	out = append(out, mac...)
	return out, nil
}

// pkDecrypt opens an envelope produced by pkEncrypt using the recipient's
// private key. Returns ErrSealFailed on any authentication or format
// failure; callers treat this as a silent peel failure.
func pkDecrypt(recipientPriv [32]byte, envelope []byte) ([]byte, error) {
	if len(envelope) < sealKeyLen+sealMacLen {
		return nil, ErrSealFailed
	}

	ephPub := envelope[:sealKeyLen]
	ciphertext := envelope[sealKeyLen : len(envelope)-sealMacLen]
	mac := envelope[len(envelope)-sealMacLen:]

	shared, err := curve25519.X25519(recipientPriv[:], ephPub)
	if err != nil {
		return nil, ErrSealFailed
	}

	secretKey, iv, macKey := deriveKeys(shared, ephPub)

	expectedMAC := sealMAC(macKey, ephPub, ciphertext)
	if subtle.ConstantTimeCompare(expectedMAC, mac) != 1 {
		return nil, ErrSealFailed
	}

	block, err := aes.NewCipher(secretKey)
	if err != nil {
		return nil, ErrSealFailed
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// deriveKeys expands a shared secret and the envelope's ephemeral public
// key (used in place of a random salt, since it is already unique per
// message) into an AES key, a CTR IV, and a MAC key via SHAKE256.
func deriveKeys(shared, ephPub []byte) (secretKey, iv, macKey []byte) {
	kdfInput := make([]byte, 0, len(shared)+len(ephPub))
	kdfInput = append(kdfInput, shared...)
	kdfInput = append(kdfInput, ephPub...)

	keys := make([]byte, sealTotalKeys)
	shake := sha3.NewShake256()
	shake.Write(kdfInput)
	_, _ = shake.Read(keys)

	return keys[:sealKeyLen], keys[sealKeyLen : sealKeyLen+sealIVLen], keys[sealKeyLen+sealIVLen:]
}

// sealMAC = SHA3-256(len(macKey) | macKey | len(ephPub) | ephPub | ciphertext).
func sealMAC(macKey, ephPub, ciphertext []byte) []byte {
	h := sha3.New256()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(macKey)))
	h.Write(lenBuf[:])
	h.Write(macKey)
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(ephPub)))
	h.Write(lenBuf[:])
	h.Write(ephPub)
	h.Write(ciphertext)
	return h.Sum(nil)
}
