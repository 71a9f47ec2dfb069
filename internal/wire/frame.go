// Package wire implements the binary frame protocol spoken between the
// courier and the local daemon over the control socket.
//
// Two frame kinds share a common envelope. All integers are little-endian.
//
//	[4 bytes: total_len (LE u32), excludes itself]
//	[1 byte:  type]
//	[1 byte:  flags or status]
//	[2 bytes: reserved, must be zero]
//	[16 bytes: effect_id (raw UUID)]
//	[4 bytes: payload_len (LE u32)]
//	[N bytes: payload]
//
// The length prefix is the only delimiter on the stream; ReadFrame is the
// demultiplexing primitive that callers feed with accumulated bytes.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Frame type identifiers
	TypeSideEffect = 0x03
	TypePublishAck = 0x04

	// Publish status values carried by PublishAck frames
	StatusSuccess = 0x01
	StatusFailed  = 0x02

	// HeaderSize is the fixed frame body size before the variable payload:
	// type(1) + flags(1) + reserved(2) + uuid(16) + payload_len(4).
	HeaderSize = 24

	// LengthPrefixSize is the size of the leading total_len field.
	LengthPrefixSize = 4
)

var (
	ErrIncompleteFrame    = errors.New("incomplete frame")
	ErrInvalidFrameType   = errors.New("invalid frame type")
	ErrInvalidStatus      = errors.New("invalid status value")
	ErrPayloadLenMismatch = errors.New("payload length mismatch")
)

// PublishStatus is the daemon's verdict on one side effect.
type PublishStatus uint8

const (
	Success PublishStatus = StatusSuccess
	Failed  PublishStatus = StatusFailed
)

func (s PublishStatus) String() string {
	switch s {
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// SideEffectFrame carries one instruction daemon-ward. The payload is an
// opaque JSON blob the courier never inspects.
type SideEffectFrame struct {
	EffectID uuid.UUID
	Flags    uint8
	Payload  []byte
}

// Encode serializes the frame to wire format.
func (f *SideEffectFrame) Encode() []byte {
	return encode(TypeSideEffect, f.Flags, f.EffectID, f.Payload)
}

// PublishAckFrame carries the daemon's verdict back. ErrorMessage is empty
// on success and optional on failure.
type PublishAckFrame struct {
	EffectID     uuid.UUID
	Status       PublishStatus
	ErrorMessage string
}

// Encode serializes the frame to wire format.
func (f *PublishAckFrame) Encode() []byte {
	return encode(TypePublishAck, uint8(f.Status), f.EffectID, []byte(f.ErrorMessage))
}

func encode(frameType, second uint8, id uuid.UUID, payload []byte) []byte {
	totalLen := HeaderSize + len(payload)
	buf := make([]byte, LengthPrefixSize+totalLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(totalLen))
	buf[4] = frameType
	buf[5] = second
	// buf[6:8] reserved, already zero
	copy(buf[8:24], id[:])
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(payload)))
	copy(buf[28:], payload)

	return buf
}

// ReadFrame attempts to slice one complete frame body out of buf.
// It returns the frame body (without the length prefix), the number of bytes
// consumed, and ErrIncompleteFrame when buf does not yet hold a whole frame.
// Nothing is consumed on error; the caller retries after more bytes arrive.
func ReadFrame(buf []byte) (body []byte, consumed int, err error) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, ErrIncompleteFrame
	}

	frameLen := binary.LittleEndian.Uint32(buf[0:4])
	totalLen := LengthPrefixSize + int(frameLen)

	if len(buf) < totalLen {
		return nil, 0, ErrIncompleteFrame
	}

	return buf[LengthPrefixSize:totalLen], totalLen, nil
}

// ParseSideEffect parses a SideEffectFrame from a frame body obtained via
// ReadFrame. The payload is copied into an owned buffer.
func ParseSideEffect(body []byte) (*SideEffectFrame, error) {
	if err := checkBody(body, TypeSideEffect); err != nil {
		return nil, err
	}

	f := &SideEffectFrame{Flags: body[1]}
	copy(f.EffectID[:], body[4:20])
	if n := binary.LittleEndian.Uint32(body[20:24]); n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, body[24:])
	}
	return f, nil
}

// ParsePublishAck parses a PublishAckFrame from a frame body obtained via
// ReadFrame. Status bytes other than SUCCESS or FAILED are rejected.
func ParsePublishAck(body []byte) (*PublishAckFrame, error) {
	if err := checkBody(body, TypePublishAck); err != nil {
		return nil, err
	}

	status := PublishStatus(body[1])
	if status != Success && status != Failed {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidStatus, body[1])
	}

	f := &PublishAckFrame{Status: status}
	copy(f.EffectID[:], body[4:20])
	if n := binary.LittleEndian.Uint32(body[20:24]); n > 0 {
		f.ErrorMessage = string(body[24:])
	}
	return f, nil
}

// checkBody validates the fixed header: minimum length, type byte, and that
// the declared payload length matches the remaining bytes exactly.
func checkBody(body []byte, wantType uint8) error {
	if len(body) < HeaderSize {
		return fmt.Errorf("frame too short: got %d bytes, need at least %d", len(body), HeaderSize)
	}
	if body[0] != wantType {
		return fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrInvalidFrameType, wantType, body[0])
	}
	payloadLen := binary.LittleEndian.Uint32(body[20:24])
	if want := HeaderSize + int(payloadLen); len(body) != want {
		return fmt.Errorf("%w: header says %d bytes, got %d", ErrPayloadLenMismatch, want, len(body))
	}
	return nil
}
