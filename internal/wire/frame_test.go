package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSideEffectRoundTrip(t *testing.T) {
	for _, payload := range [][]byte{nil, []byte(`{"type":"session_updated"}`)} {
		f := &SideEffectFrame{EffectID: uuid.New(), Flags: 0x7f, Payload: payload}
		b := f.Encode()

		body, consumed, err := ReadFrame(b)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if consumed != len(b) {
			t.Fatalf("consumed = %d; want %d", consumed, len(b))
		}

		got, err := ParseSideEffect(body)
		if err != nil {
			t.Fatalf("ParseSideEffect: %v", err)
		}
		if got.EffectID != f.EffectID {
			t.Fatalf("effect id %s != %s", got.EffectID, f.EffectID)
		}
		if got.Flags != f.Flags {
			t.Fatalf("flags %#x != %#x", got.Flags, f.Flags)
		}
		if !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("payload %q != %q", got.Payload, f.Payload)
		}
	}
}

func TestPublishAckRoundTrip(t *testing.T) {
	for _, msg := range []string{"", "publish rejected: stale session"} {
		f := &PublishAckFrame{EffectID: uuid.New(), Status: Failed, ErrorMessage: msg}
		b := f.Encode()

		body, _, err := ReadFrame(b)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		got, err := ParsePublishAck(body)
		if err != nil {
			t.Fatalf("ParsePublishAck: %v", err)
		}
		if got.EffectID != f.EffectID || got.Status != f.Status || got.ErrorMessage != f.ErrorMessage {
			t.Fatalf("round trip changed frame: %+v != %+v", got, f)
		}
	}
}

func TestEncodeLengthPrefix(t *testing.T) {
	f := &SideEffectFrame{EffectID: uuid.New(), Payload: []byte("abc")}
	b := f.Encode()
	if got := binary.LittleEndian.Uint32(b[0:4]); int(got) != len(b)-LengthPrefixSize {
		t.Fatalf("total_len = %d; want %d", got, len(b)-LengthPrefixSize)
	}
	if len(b) != LengthPrefixSize+HeaderSize+3 {
		t.Fatalf("encoded length = %d; want %d", len(b), LengthPrefixSize+HeaderSize+3)
	}
}

func TestReadFrameIncomplete(t *testing.T) {
	f := &PublishAckFrame{EffectID: uuid.New(), Status: Success, ErrorMessage: "x"}
	b := f.Encode()

	// Every truncation point must report an incomplete frame and consume nothing.
	for i := 0; i < len(b); i++ {
		body, consumed, err := ReadFrame(b[:i])
		if !errors.Is(err, ErrIncompleteFrame) {
			t.Fatalf("truncated at %d: err = %v; want ErrIncompleteFrame", i, err)
		}
		if body != nil || consumed != 0 {
			t.Fatalf("truncated at %d: consumed %d bytes", i, consumed)
		}
	}
}

func TestReadFrameTrailingBytes(t *testing.T) {
	f := &SideEffectFrame{EffectID: uuid.New(), Payload: []byte("one")}
	b := append(f.Encode(), 0xde, 0xad)

	body, consumed, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if consumed != len(b)-2 {
		t.Fatalf("consumed = %d; want %d", consumed, len(b)-2)
	}
	if _, err := ParseSideEffect(body); err != nil {
		t.Fatalf("ParseSideEffect: %v", err)
	}
}

func TestParseRejectsWrongType(t *testing.T) {
	se := &SideEffectFrame{EffectID: uuid.New()}
	ack := &PublishAckFrame{EffectID: uuid.New(), Status: Success}

	seBody, _, _ := ReadFrame(se.Encode())
	ackBody, _, _ := ReadFrame(ack.Encode())

	if _, err := ParseSideEffect(ackBody); !errors.Is(err, ErrInvalidFrameType) {
		t.Fatalf("ParseSideEffect(ack body) err = %v; want ErrInvalidFrameType", err)
	}
	if _, err := ParsePublishAck(seBody); !errors.Is(err, ErrInvalidFrameType) {
		t.Fatalf("ParsePublishAck(side effect body) err = %v; want ErrInvalidFrameType", err)
	}
}

func TestParsePublishAckRejectsBadStatus(t *testing.T) {
	for _, status := range []uint8{0x00, 0x03, 0xff} {
		f := &PublishAckFrame{EffectID: uuid.New(), Status: Success}
		b := f.Encode()
		b[5] = status

		body, _, err := ReadFrame(b)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if _, err := ParsePublishAck(body); !errors.Is(err, ErrInvalidStatus) {
			t.Fatalf("status %#x: err = %v; want ErrInvalidStatus", status, err)
		}
	}
}

func TestParseRejectsPayloadLenMismatch(t *testing.T) {
	f := &SideEffectFrame{EffectID: uuid.New(), Payload: []byte("abcdef")}
	b := f.Encode()

	// Shrink the declared payload length without touching the frame body.
	binary.LittleEndian.PutUint32(b[24:28], 2)

	body, _, err := ReadFrame(b)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := ParseSideEffect(body); !errors.Is(err, ErrPayloadLenMismatch) {
		t.Fatalf("err = %v; want ErrPayloadLenMismatch", err)
	}
}

func TestParseRejectsShortBody(t *testing.T) {
	if _, err := ParsePublishAck(make([]byte, HeaderSize-1)); err == nil {
		t.Fatal("ParsePublishAck accepted a short body")
	}
}
