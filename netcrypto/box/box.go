// Package box wraps the NaCl box/secretbox primitives behind a small
// facade: precomputed-key authenticated boxes, symmetric authenticated
// boxes, nonce/keypair generation and hashing.
//
// The authenticated public-key box is X25519 + XSalsa20-Poly1305
// (golang.org/x/crypto/nacl/box); the symmetric box is XSalsa20-Poly1305
// keyed directly (golang.org/x/crypto/nacl/secretbox).
package box

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// PublicKeySize is the size in bytes of a PublicKey.
	PublicKeySize = 32
	// SecretKeySize is the size in bytes of a SecretKey.
	SecretKeySize = 32
	// NonceSize is the size in bytes of a Nonce.
	NonceSize = 24
	// Overhead is the Poly1305 MAC length appended to every sealed box.
	Overhead = secretbox.Overhead
)

// ErrDecrypt is returned whenever an authenticated open fails. Never
// tear a connection down from a single ErrDecrypt alone.
var ErrDecrypt = errors.New("box: decryption failed")

// PublicKey is a long-lived or ephemeral Curve25519 public key.
type PublicKey [PublicKeySize]byte

// SecretKey is the matching Curve25519 secret key.
type SecretKey [SecretKeySize]byte

// Nonce is treated as a 192-bit big-endian counter by IncrementNonce.
type Nonce [NonceSize]byte

// PrecomputedKey is the shared secret derived from (our secret, their
// public) key pair. It depends only on the peer and is safe to cache.
type PrecomputedKey [32]byte

// GenerateKeyPair returns a fresh random Curve25519 key pair.
func GenerateKeyPair() (PublicKey, SecretKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, err
	}
	return PublicKey(*pub), SecretKey(*priv), nil
}

// GenerateNonce returns a fresh random nonce.
func GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return Nonce{}, err
	}
	return n, nil
}

// RandomU64 returns a cryptographically random 64-bit value, used for
// CookieRequest/CookieResponse request_id correlation.
func RandomU64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Precompute derives the shared key for (peerPublicKey, ourSecretKey).
// An all-zero result indicates the peer's key landed on a low-order
// point; that case is rejected here rather than by a full point-order
// check.
func Precompute(peerPublicKey PublicKey, ourSecretKey SecretKey) (PrecomputedKey, error) {
	var shared [32]byte
	pub := [32]byte(peerPublicKey)
	priv := [32]byte(ourSecretKey)
	box.Precompute(&shared, &pub, &priv)
	if isAllZero(shared[:]) {
		return PrecomputedKey{}, errors.New("box: peer key produced a degenerate shared secret")
	}
	return PrecomputedKey(shared), nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Seal authenticates and encrypts plaintext under a precomputed shared
// key and nonce.
func Seal(sharedKey PrecomputedKey, nonce Nonce, plaintext []byte) []byte {
	key := [32]byte(sharedKey)
	n := [24]byte(nonce)
	return box.SealAfterPrecomputation(nil, plaintext, &n, &key)
}

// Open authenticates and decrypts ciphertext sealed with Seal under the
// same shared key and nonce. Returns ErrDecrypt on authentication
// failure; callers must drop the packet silently, never tear down the
// connection from this alone.
func Open(sharedKey PrecomputedKey, nonce Nonce, ciphertext []byte) ([]byte, error) {
	key := [32]byte(sharedKey)
	n := [24]byte(nonce)
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &n, &key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealSymmetric authenticates and encrypts plaintext under a raw
// symmetric key (the process-wide cookie key).
func SealSymmetric(symKey [32]byte, nonce Nonce, plaintext []byte) []byte {
	n := [24]byte(nonce)
	return secretbox.Seal(nil, plaintext, &n, &symKey)
}

// OpenSymmetric authenticates and decrypts ciphertext sealed with
// SealSymmetric. Returns ErrDecrypt on authentication failure.
func OpenSymmetric(symKey [32]byte, nonce Nonce, ciphertext []byte) ([]byte, error) {
	n := [24]byte(nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &n, &symKey)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Hash256 returns the SHA-256 digest of data.
func Hash256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Hash512 returns the SHA-512 digest of data.
func Hash512(data []byte) [64]byte {
	return sha512.Sum512(data)
}

// IncrementNonce treats n as a 192-bit big-endian integer and adds k to
// it, with wraparound, via byte-wise add-with-carry from the LSB. It
// never relies on a big-integer runtime facility.
func IncrementNonce(n Nonce, k uint64) Nonce {
	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], k)

	var out Nonce
	copy(out[:], n[:])

	var carry uint16
	// add kb (8 bytes) into the low 8 bytes of the 24-byte counter first
	for i := 0; i < 8; i++ {
		idx := NonceSize - 1 - i
		sum := uint16(out[idx]) + uint16(kb[7-i]) + carry
		out[idx] = byte(sum)
		carry = sum >> 8
	}
	// propagate remaining carry through the higher-order bytes
	for i := NonceSize - 9; i >= 0 && carry != 0; i-- {
		sum := uint16(out[i]) + carry
		out[i] = byte(sum)
		carry = sum >> 8
	}
	return out
}
