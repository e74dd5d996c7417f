// Package state implements Mashin's raw-state model: sensitive-field
// folding for display and diffing, and authenticated encryption of the
// unfolded raw state for on-disk persistence.
package state

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// SaltSize is the fixed salt length required by key derivation.
const SaltSize = 32

// KeySize is the derived symmetric key length, matching secretbox.
const KeySize = 32

const nonceSize = 24 // secretbox nonce length

// argon2 interactive-strength parameters, modelled on libsodium's
// crypto_pwhash_OPSLIMIT_INTERACTIVE / MEMLIMIT_INTERACTIVE preset.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// ErrorKind classifies errors raised by this package.
type ErrorKind int

const (
	// KeyDerivationFailed means password hashing failed (bad salt length).
	KeyDerivationFailed ErrorKind = iota + 1
	// DecryptionFailed means authenticated decryption failed: key
	// mismatch, tamper, or a truncated/malformed serialised form.
	DecryptionFailed
)

// Error is returned by DeriveKey and Decrypt.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// DeriveKey derives a symmetric encryption key from a user passphrase and a
// fixed-length salt using Argon2id at interactive strength.
func DeriveKey(passphrase string, salt []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(salt) != SaltSize {
		return key, &Error{Kind: KeyDerivationFailed, Msg: fmt.Sprintf("salt must be %d bytes, got %d", SaltSize, len(salt))}
	}
	derived := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeySize)
	copy(key[:], derived)
	return key, nil
}

// Encrypted is the (nonce, ciphertext) pair produced by Encrypt.
type Encrypted struct {
	Nonce      [nonceSize]byte
	Ciphertext []byte
}

// Encrypt authenticated-encrypts raw under key, drawing a fresh random
// nonce for every call.
func Encrypt(raw []byte, key [KeySize]byte) (Encrypted, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Encrypted{}, fmt.Errorf("drawing nonce: %w", err)
	}
	ciphertext := secretbox.Seal(nil, raw, &nonce, &key)
	return Encrypted{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt authenticated-decrypts enc under key. It fails with
// DecryptionFailed on key mismatch, tampering, or truncation.
func Decrypt(enc Encrypted, key [KeySize]byte) ([]byte, error) {
	raw, ok := secretbox.Open(nil, enc.Ciphertext, &enc.Nonce, &key)
	if !ok {
		return nil, &Error{Kind: DecryptionFailed, Msg: "authenticated decryption failed"}
	}
	return raw, nil
}

// Serialize renders enc as "base64(nonce)_base64(ciphertext)" for storage.
func Serialize(enc Encrypted) string {
	return base64.StdEncoding.EncodeToString(enc.Nonce[:]) + "_" + base64.StdEncoding.EncodeToString(enc.Ciphertext)
}

// Deserialize parses the "base64(nonce)_base64(ciphertext)" form produced
// by Serialize. It rejects any form that does not split into exactly two
// base64 tokens with a nonce of the expected byte length.
func Deserialize(s string) (Encrypted, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return Encrypted{}, &Error{Kind: DecryptionFailed, Msg: "expected exactly two underscore-separated tokens"}
	}
	nonceBytes, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return Encrypted{}, &Error{Kind: DecryptionFailed, Msg: "invalid nonce base64: " + err.Error()}
	}
	if len(nonceBytes) != nonceSize {
		return Encrypted{}, &Error{Kind: DecryptionFailed, Msg: fmt.Sprintf("nonce must be %d bytes, got %d", nonceSize, len(nonceBytes))}
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return Encrypted{}, &Error{Kind: DecryptionFailed, Msg: "invalid ciphertext base64: " + err.Error()}
	}

	var enc Encrypted
	copy(enc.Nonce[:], nonceBytes)
	enc.Ciphertext = ciphertext
	return enc, nil
}
