package keri

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func mustBasicPrefix(t *testing.T, seed byte) Prefix {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(bytes.NewReader(bytes.Repeat([]byte{seed}, 64)))
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewBasicPrefix(pub)
}

func TestEventMarshalRoundTrip(t *testing.T) {
	key := mustBasicPrefix(t, 1)
	next := mustBasicPrefix(t, 2)
	commitment, err := CommitToKeys([]Prefix{next})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}

	icp := Event{
		Prefix:             key,
		Sn:                 0,
		Type:               EventInception,
		CurrentKeys:        []Prefix{key},
		NextKeysCommitment: commitment,
		Threshold:          1,
	}

	raw, err := icp.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := ParseEvent(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !parsed.Prefix.Equal(icp.Prefix) {
		t.Fatalf("prefix mismatch: got %v want %v", parsed.Prefix, icp.Prefix)
	}
	if parsed.Sn != icp.Sn || parsed.Type != icp.Type || parsed.Threshold != icp.Threshold {
		t.Fatalf("scalar field mismatch: %+v", parsed)
	}
	if !parsed.NextKeysCommitment.Equal(icp.NextKeysCommitment) {
		t.Fatalf("commitment mismatch")
	}
}

func TestEventMarshalOmitsIrrelevantFields(t *testing.T) {
	ixn := Event{
		Prefix:      mustBasicPrefix(t, 3),
		Sn:          4,
		Type:        EventInteraction,
		PriorDigest: NewDigest([]byte("prior")),
	}
	raw, err := ixn.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(raw, []byte(`"kt"`)) {
		t.Fatalf("ixn wire form leaked icp-only field: %s", raw)
	}
}

func TestSignedEventStreamRoundTrip(t *testing.T) {
	key := mustBasicPrefix(t, 5)
	e1 := Event{Prefix: key, Sn: 0, Type: EventInception, CurrentKeys: []Prefix{key}, Threshold: 1}
	e2 := Event{Prefix: key, Sn: 1, Type: EventInteraction, PriorDigest: NewDigest([]byte("x"))}

	se1 := SignedEvent{Event: e1, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: []byte("sig1")}}}
	se2 := SignedEvent{Event: e2, Signatures: []AttachedSignature{
		{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: []byte("sig2a")},
		{Code: CodeEd25519Sha512, KeyIndex: 1, Sig: []byte("sig2b")},
	}}

	var buf bytes.Buffer
	for _, se := range []SignedEvent{se1, se2} {
		raw, err := EncodeSignedEvent(se)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(raw)
	}

	decoded, err := DecodeSignedEventStream(&buf)
	if err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(decoded))
	}
	if decoded[0].Event.Sn != 0 || decoded[1].Event.Sn != 1 {
		t.Fatalf("wrong sn ordering: %+v", decoded)
	}
	if len(decoded[1].Signatures) != 2 {
		t.Fatalf("expected 2 signatures on second event, got %d", len(decoded[1].Signatures))
	}
	if string(decoded[1].Signatures[1].Sig) != "sig2b" {
		t.Fatalf("signature bytes corrupted: %q", decoded[1].Signatures[1].Sig)
	}
}

func TestDigestRoundTrip(t *testing.T) {
	d := NewDigest([]byte("hello"))
	s := d.String()
	parsed, err := ParseDigest(s)
	if err != nil {
		t.Fatalf("parse digest: %v", err)
	}
	if !parsed.Equal(d) {
		t.Fatalf("digest round-trip mismatch")
	}
}

func TestPrefixRoundTrip(t *testing.T) {
	p := mustBasicPrefix(t, 7)
	parsed, err := ParsePrefix(p.String())
	if err != nil {
		t.Fatalf("parse prefix: %v", err)
	}
	if !parsed.Equal(p) {
		t.Fatalf("prefix round-trip mismatch")
	}
}
