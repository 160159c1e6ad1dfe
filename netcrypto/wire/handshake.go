package wire

import (
	"toxnetcrypto/netcrypto/box"
)

// HandshakePayload is sealed under dht_precomputed_key to produce a
// HandshakePacket's ciphertext.
type HandshakePayload struct {
	BaseNonce                box.Nonce
	SessionPK                box.PublicKey
	ReceivedEncryptedCookieSHA512 [64]byte
	FreshEncryptedCookie      EncryptedCookie // 112 bytes encoded
}

const handshakePayloadFixedSize = box.NonceSize + box.PublicKeySize + 64

func (p HandshakePayload) Encode() []byte {
	fresh := p.FreshEncryptedCookie.Encode()
	buf := make([]byte, handshakePayloadFixedSize+len(fresh))
	off := 0
	putNonce(buf[off:off+box.NonceSize], p.BaseNonce)
	off += box.NonceSize
	putPublicKey(buf[off:off+box.PublicKeySize], p.SessionPK)
	off += box.PublicKeySize
	copy(buf[off:off+64], p.ReceivedEncryptedCookieSHA512[:])
	off += 64
	copy(buf[off:], fresh)
	return buf
}

func DecodeHandshakePayload(b []byte) (HandshakePayload, error) {
	if err := checkLen(b, handshakePayloadFixedSize+EncryptedCookieSize); err != nil {
		return HandshakePayload{}, err
	}
	var p HandshakePayload
	off := 0
	p.BaseNonce = getNonce(b[off : off+box.NonceSize])
	off += box.NonceSize
	p.SessionPK = getPublicKey(b[off : off+box.PublicKeySize])
	off += box.PublicKeySize
	copy(p.ReceivedEncryptedCookieSHA512[:], b[off:off+64])
	off += 64
	fresh, err := DecodeEncryptedCookie(b[off : off+EncryptedCookieSize])
	if err != nil {
		return HandshakePayload{}, err
	}
	p.FreshEncryptedCookie = fresh
	return p, nil
}

// HandshakePacket is the framed form: tag | encrypted_cookie | nonce |
// ciphertext(HandshakePayload).
type HandshakePacket struct {
	EncryptedCookie EncryptedCookie
	Nonce           box.Nonce
	Ciphertext      []byte
}

const handshakeHeaderSize = 1 + EncryptedCookieSize + box.NonceSize

func (p HandshakePacket) Encode() []byte {
	ec := p.EncryptedCookie.Encode()
	buf := make([]byte, handshakeHeaderSize+len(p.Ciphertext))
	off := 0
	buf[off] = TagCryptoHandshake
	off++
	copy(buf[off:off+len(ec)], ec)
	off += len(ec)
	putNonce(buf[off:off+box.NonceSize], p.Nonce)
	off += box.NonceSize
	copy(buf[off:], p.Ciphertext)
	return buf
}

func DecodeHandshake(b []byte) (HandshakePacket, error) {
	if err := checkLen(b, handshakeHeaderSize); err != nil {
		return HandshakePacket{}, err
	}
	if b[0] != TagCryptoHandshake {
		return HandshakePacket{}, ErrMalformed
	}
	off := 1
	ec, err := DecodeEncryptedCookie(b[off : off+EncryptedCookieSize])
	if err != nil {
		return HandshakePacket{}, err
	}
	off += EncryptedCookieSize
	nonce := getNonce(b[off : off+box.NonceSize])
	off += box.NonceSize
	return HandshakePacket{
		EncryptedCookie: ec,
		Nonce:           nonce,
		Ciphertext:      append([]byte(nil), b[off:]...),
	}, nil
}
