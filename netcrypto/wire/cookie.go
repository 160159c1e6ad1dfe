package wire

import (
	"encoding/binary"

	"toxnetcrypto/netcrypto/box"
)

const (
	cookiePlainSize   = box.PublicKeySize + box.PublicKeySize + 8 // peer_real_pk | peer_dht_pk | creation_time
	cookieSealedSize  = cookiePlainSize + box.Overhead
	EncryptedCookieSize = box.NonceSize + cookieSealedSize // 24 + 88 = 112
)

// CookiePayload is the plaintext cookie issued by the responder side
// and carried back (still encrypted) by the initiator.
type CookiePayload struct {
	PeerRealPK   box.PublicKey
	PeerDHTPK    box.PublicKey
	CreationTime uint64 // unix seconds
}

// Encode serializes the cookie plaintext, the payload SealSymmetric
// seals to produce an EncryptedCookie.
func (c CookiePayload) Encode() []byte {
	buf := make([]byte, cookiePlainSize)
	putPublicKey(buf[0:32], c.PeerRealPK)
	putPublicKey(buf[32:64], c.PeerDHTPK)
	binary.BigEndian.PutUint64(buf[64:72], c.CreationTime)
	return buf
}

// DecodeCookiePayload parses the plaintext produced by opening an
// EncryptedCookie with the symmetric cookie key.
func DecodeCookiePayload(b []byte) (CookiePayload, error) {
	if err := checkLen(b, cookiePlainSize); err != nil {
		return CookiePayload{}, err
	}
	return CookiePayload{
		PeerRealPK:   getPublicKey(b[0:32]),
		PeerDHTPK:    getPublicKey(b[32:64]),
		CreationTime: binary.BigEndian.Uint64(b[64:72]),
	}, nil
}

// EncryptedCookie is (nonce, sealed cookie bytes). Sealing/opening is
// left to the caller (netcrypto/box), since this package only frames
// bytes.
type EncryptedCookie struct {
	Nonce  box.Nonce
	Sealed []byte // ciphertext of a CookiePayload, i.e. cookieSealedSize bytes
}

// Encode lays out EncryptedCookie as nonce || sealed, 112 bytes total.
func (c EncryptedCookie) Encode() []byte {
	buf := make([]byte, box.NonceSize+len(c.Sealed))
	putNonce(buf[:box.NonceSize], c.Nonce)
	copy(buf[box.NonceSize:], c.Sealed)
	return buf
}

// DecodeEncryptedCookie parses an EncryptedCookie from exactly
// EncryptedCookieSize bytes.
func DecodeEncryptedCookie(b []byte) (EncryptedCookie, error) {
	if err := checkLen(b, EncryptedCookieSize); err != nil {
		return EncryptedCookie{}, err
	}
	return EncryptedCookie{
		Nonce:  getNonce(b[:box.NonceSize]),
		Sealed: append([]byte(nil), b[box.NonceSize:EncryptedCookieSize]...),
	}, nil
}
