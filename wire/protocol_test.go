package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping"}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	envelope, err := DecodeEnvelope([]byte(`{"type":"ack","request_id":"req-1","status":"received"}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if envelope.Type != TypeAck {
		t.Fatalf("expected type %q, got %q", TypeAck, envelope.Type)
	}
	if envelope.RequestID != "req-1" {
		t.Fatalf("expected request_id %q, got %q", "req-1", envelope.RequestID)
	}
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"request_id":"req-1"}`)); err != ErrInvalidFrameType {
		t.Fatalf("expected ErrInvalidFrameType, got %v", err)
	}
}
