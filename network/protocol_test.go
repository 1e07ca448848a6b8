package network

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 70000),
	}

	for _, payload := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes) failed: %v", len(payload), err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("frame round trip corrupted %d-byte payload", len(payload))
		}
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	oversize := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&buf, oversize); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got err %v, want ErrFrameTooLarge", err)
	}

	// A forged oversize header must be rejected before allocation.
	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got err %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"chat","content":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeChat {
		t.Fatalf("got type %q, want %q", msgType, TypeChat)
	}

	if _, err := DecodeMessageType([]byte(`{"content":"no type"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("got err %v, want ErrInvalidMessageType", err)
	}
	if _, err := DecodeMessageType([]byte(`not json`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}
