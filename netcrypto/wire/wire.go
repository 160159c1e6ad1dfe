// Package wire implements the bit-exact on-wire encodings for
// CookieRequest, CookieResponse, CryptoHandshake, CryptoData and the
// inner payload/frame types carried between peers. Every function here
// is pure over byte buffers — no key material, no randomness, no
// clock. Sealing/opening payload ciphertexts is the caller's job (see
// netcrypto/session, using netcrypto/box): packet encodings stay
// separate from the crypto primitives facade.
//
// Fixed-size fields via encoding/binary, explicit length checks
// returning a local sentinel error rather than panicking on short
// buffers.
package wire

import (
	"errors"

	"toxnetcrypto/netcrypto/box"
)

// Packet type tags, one per wire message kind.
const (
	TagCookieRequest   byte = 0x18
	TagCookieResponse  byte = 0x19
	TagCryptoHandshake byte = 0x1a
	TagCryptoData      byte = 0x1b
)

// ErrMalformed is returned for any wire-format violation: short
// buffer, wrong tag, or an otherwise impossible field. The caller must
// drop the offending packet silently rather than surface it.
var ErrMalformed = errors.New("wire: malformed packet")

func checkLen(b []byte, n int) error {
	if len(b) < n {
		return ErrMalformed
	}
	return nil
}

func putPublicKey(dst []byte, pk box.PublicKey) {
	copy(dst, pk[:])
}

func getPublicKey(src []byte) box.PublicKey {
	var pk box.PublicKey
	copy(pk[:], src[:box.PublicKeySize])
	return pk
}

func putNonce(dst []byte, n box.Nonce) {
	copy(dst, n[:])
}

func getNonce(src []byte) box.Nonce {
	var n box.Nonce
	copy(n[:], src[:box.NonceSize])
	return n
}
