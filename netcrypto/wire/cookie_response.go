package wire

import (
	"encoding/binary"

	"toxnetcrypto/netcrypto/box"
)

// CookieResponsePayload is sealed under the DHT-level precomputed key
// to produce a CookieResponsePacket's ciphertext.
type CookieResponsePayload struct {
	EncryptedCookie EncryptedCookie // 112 bytes encoded
	RequestID       uint64          // echoes CookieRequestPayload.RequestID
}

func (p CookieResponsePayload) Encode() []byte {
	ec := p.EncryptedCookie.Encode()
	buf := make([]byte, len(ec)+8)
	copy(buf, ec)
	binary.BigEndian.PutUint64(buf[len(ec):], p.RequestID)
	return buf
}

func DecodeCookieResponsePayload(b []byte) (CookieResponsePayload, error) {
	if err := checkLen(b, EncryptedCookieSize+8); err != nil {
		return CookieResponsePayload{}, err
	}
	ec, err := DecodeEncryptedCookie(b[:EncryptedCookieSize])
	if err != nil {
		return CookieResponsePayload{}, err
	}
	return CookieResponsePayload{
		EncryptedCookie: ec,
		RequestID:       binary.BigEndian.Uint64(b[EncryptedCookieSize : EncryptedCookieSize+8]),
	}, nil
}

// CookieResponsePacket is the framed form: tag | nonce | ciphertext.
type CookieResponsePacket struct {
	Nonce      box.Nonce
	Ciphertext []byte
}

const cookieResponseHeaderSize = 1 + box.NonceSize

func (p CookieResponsePacket) Encode() []byte {
	buf := make([]byte, cookieResponseHeaderSize+len(p.Ciphertext))
	buf[0] = TagCookieResponse
	putNonce(buf[1:1+box.NonceSize], p.Nonce)
	copy(buf[1+box.NonceSize:], p.Ciphertext)
	return buf
}

func DecodeCookieResponse(b []byte) (CookieResponsePacket, error) {
	if err := checkLen(b, cookieResponseHeaderSize); err != nil {
		return CookieResponsePacket{}, err
	}
	if b[0] != TagCookieResponse {
		return CookieResponsePacket{}, ErrMalformed
	}
	return CookieResponsePacket{
		Nonce:      getNonce(b[1 : 1+box.NonceSize]),
		Ciphertext: append([]byte(nil), b[1+box.NonceSize:]...),
	}, nil
}
