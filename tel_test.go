package keri

import (
	"encoding/json"
	"testing"
)

func TestTelStateMachineTransitions(t *testing.T) {
	kel, err := NewKELProcessor(NewMemoryStore(), nil, 64)
	if err != nil {
		t.Fatalf("new kel: %v", err)
	}
	tel := NewTELProcessor(kel)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, tel)
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	sa, err := id.Issue(nil, "schema", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	body, err := sa.Body.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	vcDigest := NewDigest(body)

	if state := tel.State(vcDigest); state.Kind != TelIssued {
		t.Fatalf("expected TelIssued after issue, got %v", state.Kind)
	}

	if err := id.Revoke(vcDigest); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if state := tel.State(vcDigest); state.Kind != TelRevoked {
		t.Fatalf("expected TelRevoked after revoke, got %v", state.Kind)
	}

	// A TEL cannot exit Revoked: a second revoke must fail.
	if err := id.Revoke(vcDigest); err != ErrInvalidTelTransition {
		t.Fatalf("expected ErrInvalidTelTransition re-revoking, got %v", err)
	}
}

func TestTelEventsEncodeDecodeRoundTrip(t *testing.T) {
	kel, err := NewKELProcessor(NewMemoryStore(), nil, 64)
	if err != nil {
		t.Fatalf("new kel: %v", err)
	}
	tel := NewTELProcessor(kel)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, tel)
	if err != nil {
		t.Fatalf("incept: %v", err)
	}
	sa, err := id.Issue(nil, "schema", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	body, err := sa.Body.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	vcDigest := NewDigest(body)

	events := tel.Events(vcDigest)
	if len(events) != 1 {
		t.Fatalf("expected 1 tel event, got %d", len(events))
	}

	encoded, err := EncodeTelEvents(events)
	if err != nil {
		t.Fatalf("encode tel events: %v", err)
	}
	decoded, err := DecodeTelEvents(encoded)
	if err != nil {
		t.Fatalf("decode tel events: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected 1 decoded tel event, got %d", len(decoded))
	}
	if decoded[0].Operation != TelOperationIssue {
		t.Fatalf("expected issue operation, got %v", decoded[0].Operation)
	}
	if !decoded[0].Seal.EventDigest.Equal(events[0].Seal.EventDigest) {
		t.Fatalf("seal digest mismatch after round-trip")
	}
}

// TestProcessRejectsSealAnchoringADifferentDigest covers spec §8 scenario 7:
// a TelEvent whose seal resolves to a real, sn-valid interaction event that
// anchors some OTHER digest must be rejected, not silently accepted.
func TestProcessRejectsSealAnchoringADifferentDigest(t *testing.T) {
	kel, err := NewKELProcessor(NewMemoryStore(), nil, 64)
	if err != nil {
		t.Fatalf("new kel: %v", err)
	}
	tel := NewTELProcessor(kel)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, tel)
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	// A real interaction event anchoring digest X.
	digestX := NewDigest([]byte("attestation X"))
	seal, err := id.appendAnchoringInteraction(digestX)
	if err != nil {
		t.Fatalf("anchor digest x: %v", err)
	}

	// A TelEvent claiming that same seal anchors digest Y instead.
	digestY := NewDigest([]byte("attestation Y"))
	te, err := id.signTelEvent(MakeIssueEvent(seal))
	if err != nil {
		t.Fatalf("sign tel event: %v", err)
	}

	if err := tel.Process(digestY, te); err != ErrSealDoesNotMatch {
		t.Fatalf("expected ErrSealDoesNotMatch, got %v", err)
	}

	// The seal's real digest must still process cleanly.
	if err := tel.Process(digestX, te); err != nil {
		t.Fatalf("expected the correctly anchored digest to process, got %v", err)
	}
	if state := tel.State(digestY); state.Kind != TelNotIssued {
		t.Fatalf("the rejected event must not have advanced digest Y's tel, got %v", state.Kind)
	}
}
