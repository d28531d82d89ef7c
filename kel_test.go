package keri

import (
	"testing"
)

func newTestKEL(t *testing.T) *KELProcessor {
	t.Helper()
	kel, err := NewKELProcessor(NewMemoryStore(), nil, 64)
	if err != nil {
		t.Fatalf("new kel processor: %v", err)
	}
	return kel
}

// incept builds and accepts an inception event for signer, returning its
// prefix (scenario 1: inception then state).
func incept(t *testing.T, kel *KELProcessor, signer *KeyChainSigner) Prefix {
	t.Helper()
	id, err := NewInceptedIdentifier(signer, kel, NewTELProcessor(kel))
	if err != nil {
		t.Fatalf("incept: %v", err)
	}
	return id.Prefix
}

func TestInceptionThenState(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	k0 := NewBasicPrefix(signer.CurrentPublicKey())
	k1 := NewBasicPrefix(signer.NextPublicKey())

	prefix := incept(t, kel, signer)

	state, err := kel.StateAt(prefix, 0)
	if err != nil {
		t.Fatalf("state at 0: %v", err)
	}
	if state.Sn != 0 {
		t.Fatalf("expected sn 0, got %d", state.Sn)
	}
	if len(state.CurrentKeys) != 1 || !state.CurrentKeys[0].Equal(k0) {
		t.Fatalf("current keys mismatch: %+v", state.CurrentKeys)
	}
	wantCommitment, err := CommitToKeys([]Prefix{k1})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	if !state.NextKeysCommitment.Equal(wantCommitment) {
		t.Fatalf("next keys commitment mismatch")
	}
}

func TestRotationCorrectnessAndForgedRotationRejected(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tel := NewTELProcessor(kel)
	id, err := NewInceptedIdentifier(signer, kel, tel)
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	if err := id.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	state, err := kel.StateAtTail(id.Prefix)
	if err != nil {
		t.Fatalf("state at tail: %v", err)
	}
	if state.Sn != 1 {
		t.Fatalf("expected sn 1 after rotation, got %d", state.Sn)
	}

	evil, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new evil signer: %v", err)
	}
	evilKey := NewBasicPrefix(evil.CurrentPublicKey())
	forged := Event{
		Prefix:      id.Prefix,
		Sn:          2,
		Type:        EventRotation,
		CurrentKeys: []Prefix{evilKey},
		PriorDigest: state.LastEventDigest,
	}
	body, err := forged.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal forged rotation: %v", err)
	}
	sig, err := evil.Sign(body)
	if err != nil {
		t.Fatalf("sign forged rotation: %v", err)
	}
	se := SignedEvent{Event: forged, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}

	if err := kel.Accept(se); err != ErrPrerotationMismatch {
		t.Fatalf("expected ErrPrerotationMismatch, got %v", err)
	}
}

func TestByteIdenticalInceptionReturnsErrDuplicateInception(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, NewTELProcessor(kel))
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	events, err := kel.store.Slice(id.Prefix, 0)
	if err != nil {
		t.Fatalf("slice: %v", err)
	}
	if err := kel.Accept(events[0]); err != ErrDuplicateInception {
		t.Fatalf("expected ErrDuplicateInception, got %v", err)
	}
}

func TestForkDetectedOnConflictingSn(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, NewTELProcessor(kel))
	if err != nil {
		t.Fatalf("incept: %v", err)
	}
	if err := id.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	state, err := kel.StateAt(id.Prefix, 0)
	if err != nil {
		t.Fatalf("state at 0: %v", err)
	}
	conflicting := Event{
		Prefix:      id.Prefix,
		Sn:          1,
		Type:        EventInteraction,
		PriorDigest: state.LastEventDigest,
	}
	body, err := conflicting.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sig, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	se := SignedEvent{Event: conflicting, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}

	if err := kel.Accept(se); err != ErrForkDetected {
		t.Fatalf("expected ErrForkDetected, got %v", err)
	}
}

func TestOutOfOrderEventsAreBufferedThenDrained(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	tel := NewTELProcessor(kel)
	id, err := NewInceptedIdentifier(signer, kel, tel)
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	state0, err := kel.StateAt(id.Prefix, 0)
	if err != nil {
		t.Fatalf("state at 0: %v", err)
	}

	buildIxn := func(sn uint64, prior Digest) SignedEvent {
		e := Event{Prefix: id.Prefix, Sn: sn, Type: EventInteraction, PriorDigest: prior}
		body, err := e.MarshalCanonical()
		if err != nil {
			t.Fatalf("marshal ixn %d: %v", sn, err)
		}
		sig, err := signer.Sign(body)
		if err != nil {
			t.Fatalf("sign ixn %d: %v", sn, err)
		}
		return SignedEvent{Event: e, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}
	}

	ixn1 := buildIxn(1, state0.LastEventDigest)
	digest1, err := ixn1.Event.ComputeDigest()
	if err != nil {
		t.Fatalf("digest ixn1: %v", err)
	}
	ixn2 := buildIxn(2, digest1)

	// Deliver sn=2 before sn=1: must buffer as out-of-order.
	if err := kel.Accept(ixn2); err != ErrOutOfOrder {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}

	// Now deliver sn=1; accepting it should drain the buffered sn=2.
	if err := kel.Accept(ixn1); err != nil {
		t.Fatalf("accept ixn1: %v", err)
	}

	state, err := kel.StateAtTail(id.Prefix)
	if err != nil {
		t.Fatalf("state at tail: %v", err)
	}
	if state.Sn != 2 {
		t.Fatalf("expected drained state at sn 2, got %d", state.Sn)
	}
}

func TestStateAtSealRejectsMismatchedDigest(t *testing.T) {
	kel := newTestKEL(t)
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	id, err := NewInceptedIdentifier(signer, kel, NewTELProcessor(kel))
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	seal := EventSeal{Prefix: id.Prefix, Sn: 0, EventDigest: NewDigest([]byte("not the inception event"))}
	if _, err := kel.StateAtSeal(seal); err != ErrSealDoesNotMatch {
		t.Fatalf("expected ErrSealDoesNotMatch, got %v", err)
	}

	state, err := kel.StateAt(id.Prefix, 0)
	if err != nil {
		t.Fatalf("state at 0: %v", err)
	}
	goodSeal := EventSeal{Prefix: id.Prefix, Sn: 0, EventDigest: state.LastEventDigest}
	if _, err := kel.StateAtSeal(goodSeal); err != nil {
		t.Fatalf("expected matching seal to resolve, got %v", err)
	}
}
