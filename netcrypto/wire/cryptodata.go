package wire

import (
	"encoding/binary"
)

// DataPacket is the framed form of a CryptoData message: tag |
// nonce_low (big-endian u16 hint) | ciphertext. The ciphertext
// decrypts to a DataPayload.
type DataPacket struct {
	NonceLow   uint16
	Ciphertext []byte
}

const dataHeaderSize = 1 + 2

func (p DataPacket) Encode() []byte {
	buf := make([]byte, dataHeaderSize+len(p.Ciphertext))
	buf[0] = TagCryptoData
	binary.BigEndian.PutUint16(buf[1:3], p.NonceLow)
	copy(buf[3:], p.Ciphertext)
	return buf
}

func DecodeDataPacket(b []byte) (DataPacket, error) {
	if err := checkLen(b, dataHeaderSize); err != nil {
		return DataPacket{}, err
	}
	if b[0] != TagCryptoData {
		return DataPacket{}, ErrMalformed
	}
	return DataPacket{
		NonceLow:   binary.BigEndian.Uint16(b[1:3]),
		Ciphertext: append([]byte(nil), b[3:]...),
	}, nil
}

// DataPayload is what a DataPacket's ciphertext decrypts to:
// buffer_start | packet_number | opaque application data.
type DataPayload struct {
	BufferStart  uint32
	PacketNumber uint32
	Data         []byte
}

const dataPayloadHeaderSize = 4 + 4

func (p DataPayload) Encode() []byte {
	buf := make([]byte, dataPayloadHeaderSize+len(p.Data))
	binary.BigEndian.PutUint32(buf[0:4], p.BufferStart)
	binary.BigEndian.PutUint32(buf[4:8], p.PacketNumber)
	copy(buf[8:], p.Data)
	return buf
}

func DecodeDataPayload(b []byte) (DataPayload, error) {
	if err := checkLen(b, dataPayloadHeaderSize); err != nil {
		return DataPayload{}, err
	}
	return DataPayload{
		BufferStart:  binary.BigEndian.Uint32(b[0:4]),
		PacketNumber: binary.BigEndian.Uint32(b[4:8]),
		Data:         append([]byte(nil), b[8:]...),
	}, nil
}
