package wire

import (
	"encoding/binary"

	"toxnetcrypto/netcrypto/box"
)

// CookieRequestPayload is sealed under the DHT-level precomputed key
// to produce a CookieRequestPacket's ciphertext.
type CookieRequestPayload struct {
	SenderRealPK box.PublicKey
	RequestID    uint64
}

const cookieRequestPayloadSize = box.PublicKeySize + 8

func (p CookieRequestPayload) Encode() []byte {
	buf := make([]byte, cookieRequestPayloadSize)
	putPublicKey(buf[0:32], p.SenderRealPK)
	binary.BigEndian.PutUint64(buf[32:40], p.RequestID)
	return buf
}

func DecodeCookieRequestPayload(b []byte) (CookieRequestPayload, error) {
	if err := checkLen(b, cookieRequestPayloadSize); err != nil {
		return CookieRequestPayload{}, err
	}
	return CookieRequestPayload{
		SenderRealPK: getPublicKey(b[0:32]),
		RequestID:    binary.BigEndian.Uint64(b[32:40]),
	}, nil
}

// CookieRequestPacket is the framed form: tag | sender_dht_pk | nonce |
// ciphertext(CookieRequestPayload).
type CookieRequestPacket struct {
	SenderDHTPK box.PublicKey
	Nonce       box.Nonce
	Ciphertext  []byte
}

const cookieRequestHeaderSize = 1 + box.PublicKeySize + box.NonceSize

func (p CookieRequestPacket) Encode() []byte {
	buf := make([]byte, cookieRequestHeaderSize+len(p.Ciphertext))
	buf[0] = TagCookieRequest
	putPublicKey(buf[1:33], p.SenderDHTPK)
	putNonce(buf[33:57], p.Nonce)
	copy(buf[57:], p.Ciphertext)
	return buf
}

func DecodeCookieRequest(b []byte) (CookieRequestPacket, error) {
	if err := checkLen(b, cookieRequestHeaderSize); err != nil {
		return CookieRequestPacket{}, err
	}
	if b[0] != TagCookieRequest {
		return CookieRequestPacket{}, ErrMalformed
	}
	return CookieRequestPacket{
		SenderDHTPK: getPublicKey(b[1:33]),
		Nonce:       getNonce(b[33:57]),
		Ciphertext:  append([]byte(nil), b[57:]...),
	}, nil
}
