package wire

import "encoding/binary"

// Frame discriminators for the inner application-data byte stream
// carried by a DataPayload.Data. The gap ("request") frame's
// discriminator is reserved and never delivered to the application;
// FrameKindKill is a best-effort teardown hint, also never delivered.
const (
	FrameKindRequest byte = 0x00
	FrameKindData    byte = 0x01
	FrameKindKill    byte = 0x02
)

// Frame is the 1-byte-discriminator envelope wrapping every byte
// sequence placed in a DataPayload's Data field.
type Frame struct {
	Kind byte
	Body []byte
}

func (f Frame) Encode() []byte {
	buf := make([]byte, 1+len(f.Body))
	buf[0] = f.Kind
	copy(buf[1:], f.Body)
	return buf
}

func DecodeFrame(b []byte) (Frame, error) {
	if err := checkLen(b, 1); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: b[0], Body: append([]byte(nil), b[1:]...)}, nil
}

// MaxRequestDeltasPerFrame bounds a single RequestFrame's size; a gap
// list longer than this is split across multiple request frames
// instead of growing one frame unboundedly.
const MaxRequestDeltasPerFrame = 256

// RequestFrame carries a list of missing-sequence deltas, relative to
// the sender's recv_array buffer_start, that the sender has observed
// as gaps.
type RequestFrame struct {
	Deltas []uint32
}

func (r RequestFrame) Encode() []byte {
	n := len(r.Deltas)
	buf := make([]byte, 2+4*n)
	binary.BigEndian.PutUint16(buf[:2], uint16(n))
	for i, d := range r.Deltas {
		binary.BigEndian.PutUint32(buf[2+4*i:6+4*i], d)
	}
	return buf
}

func DecodeRequestFrame(b []byte) (RequestFrame, error) {
	if err := checkLen(b, 2); err != nil {
		return RequestFrame{}, err
	}
	n := int(binary.BigEndian.Uint16(b[:2]))
	if err := checkLen(b, 2+4*n); err != nil {
		return RequestFrame{}, err
	}
	deltas := make([]uint32, n)
	for i := 0; i < n; i++ {
		deltas[i] = binary.BigEndian.Uint32(b[2+4*i : 6+4*i])
	}
	return RequestFrame{Deltas: deltas}, nil
}
