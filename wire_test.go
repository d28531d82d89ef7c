package keri

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("some signed event bytes")
	data, err := encodeEnvelope(envelopeSubmitEvents, "DsomePrefix", payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != envelopeSubmitEvents {
		t.Fatalf("kind mismatch: got %q", env.Kind)
	}
	if env.Target != "DsomePrefix" {
		t.Fatalf("target mismatch: got %q", env.Target)
	}
	if string(env.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %q", env.Payload)
	}
	if env.RequestID == "" {
		t.Fatalf("expected a non-empty request id")
	}
	if env.SentAt.IsZero() {
		t.Fatalf("expected a non-zero send timestamp")
	}
}

func TestEnvelopeKindsDistinguished(t *testing.T) {
	data, err := encodeEnvelope(envelopeQueryTel, "", []byte("attestation body"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != envelopeQueryTel {
		t.Fatalf("expected query_tel kind, got %q", env.Kind)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0xff, 0xff}
	if _, err := decodeEnvelope(garbage); err == nil {
		t.Fatalf("expected an error decoding a malformed varint")
	}
}
