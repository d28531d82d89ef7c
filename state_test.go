package keri

import "testing"

func signEvent(t *testing.T, signer *KeyChainSigner, e Event) SignedEvent {
	t.Helper()
	body, err := e.MarshalCanonical()
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	sig, err := signer.Sign(body)
	if err != nil {
		t.Fatalf("sign event: %v", err)
	}
	return SignedEvent{Event: e, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}
}

func TestFoldEventInception(t *testing.T) {
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	k0 := NewBasicPrefix(signer.CurrentPublicKey())
	commitment, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	icp := Event{Prefix: k0, Sn: 0, Type: EventInception, CurrentKeys: []Prefix{k0}, NextKeysCommitment: commitment, Threshold: 1}
	se := signEvent(t, signer, icp)

	state, err := foldEvent(IdentifierState{}, se)
	if err != nil {
		t.Fatalf("fold inception: %v", err)
	}
	if state.Sn != 0 || state.Threshold != 1 {
		t.Fatalf("unexpected state after fold: %+v", state)
	}
	if len(state.CurrentKeys) != 1 || !state.CurrentKeys[0].Equal(k0) {
		t.Fatalf("current keys not projected: %+v", state.CurrentKeys)
	}
	digest, err := icp.ComputeDigest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !state.LastEstablishmentEventSeal.EventDigest.Equal(digest) {
		t.Fatalf("inception must be its own last establishment event")
	}
}

func TestFoldEventRotationKeepsThresholdAdvancesKeys(t *testing.T) {
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	k0 := NewBasicPrefix(signer.CurrentPublicKey())
	n0, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	icp := Event{Prefix: k0, Sn: 0, Type: EventInception, CurrentKeys: []Prefix{k0}, NextKeysCommitment: n0, Threshold: 1}
	prior, err := foldEvent(IdentifierState{}, signEvent(t, signer, icp))
	if err != nil {
		t.Fatalf("fold inception: %v", err)
	}

	if err := signer.Rotate(); err != nil {
		t.Fatalf("rotate signer: %v", err)
	}
	k1 := NewBasicPrefix(signer.CurrentPublicKey())
	n1, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	rot := Event{Prefix: k0, Sn: 1, Type: EventRotation, CurrentKeys: []Prefix{k1}, NextKeysCommitment: n1, PriorDigest: prior.LastEventDigest}
	next, err := foldEvent(prior, signEvent(t, signer, rot))
	if err != nil {
		t.Fatalf("fold rotation: %v", err)
	}
	if next.Sn != 1 {
		t.Fatalf("expected sn 1, got %d", next.Sn)
	}
	if next.Threshold != prior.Threshold {
		t.Fatalf("rotation must not change the inherited threshold")
	}
	if len(next.CurrentKeys) != 1 || !next.CurrentKeys[0].Equal(k1) {
		t.Fatalf("rotation must advance current keys: %+v", next.CurrentKeys)
	}
	if next.LastEstablishmentEventSeal.Sn != 1 {
		t.Fatalf("rotation is an establishment event, expected seal sn 1, got %d", next.LastEstablishmentEventSeal.Sn)
	}
}

func TestFoldEventInteractionPreservesKeyState(t *testing.T) {
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	k0 := NewBasicPrefix(signer.CurrentPublicKey())
	n0, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	icp := Event{Prefix: k0, Sn: 0, Type: EventInception, CurrentKeys: []Prefix{k0}, NextKeysCommitment: n0, Threshold: 1}
	prior, err := foldEvent(IdentifierState{}, signEvent(t, signer, icp))
	if err != nil {
		t.Fatalf("fold inception: %v", err)
	}

	ixn := Event{Prefix: k0, Sn: 1, Type: EventInteraction, PriorDigest: prior.LastEventDigest}
	next, err := foldEvent(prior, signEvent(t, signer, ixn))
	if err != nil {
		t.Fatalf("fold interaction: %v", err)
	}
	if next.Sn != 1 {
		t.Fatalf("expected sn 1, got %d", next.Sn)
	}
	if len(next.CurrentKeys) != 1 || !next.CurrentKeys[0].Equal(k0) {
		t.Fatalf("interaction must not change current keys: %+v", next.CurrentKeys)
	}
	if !next.NextKeysCommitment.Equal(prior.NextKeysCommitment) {
		t.Fatalf("interaction must not change the next-keys commitment")
	}
	if !next.LastEstablishmentEventSeal.EventDigest.Equal(prior.LastEstablishmentEventSeal.EventDigest) ||
		next.LastEstablishmentEventSeal.Sn != prior.LastEstablishmentEventSeal.Sn {
		t.Fatalf("interaction must not move the last establishment event seal")
	}
}

func TestFoldEventReceiptDoesNotAdvanceState(t *testing.T) {
	signer, err := NewKeyChainSigner()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	k0 := NewBasicPrefix(signer.CurrentPublicKey())
	n0, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		t.Fatalf("commit to keys: %v", err)
	}
	icp := Event{Prefix: k0, Sn: 0, Type: EventInception, CurrentKeys: []Prefix{k0}, NextKeysCommitment: n0, Threshold: 1}
	prior, err := foldEvent(IdentifierState{}, signEvent(t, signer, icp))
	if err != nil {
		t.Fatalf("fold inception: %v", err)
	}

	vrc := Event{
		Prefix:          k0,
		Sn:              0,
		Type:            EventReceipt,
		ReceiptedDigest: prior.LastEventDigest,
		ValidatorSeal:   prior.LastEstablishmentEventSeal,
	}
	next, err := foldEvent(prior, signEvent(t, signer, vrc))
	if err != nil {
		t.Fatalf("fold receipt: %v", err)
	}
	if next.Sn != prior.Sn || !next.LastEventDigest.Equal(prior.LastEventDigest) {
		t.Fatalf("a receipt must not change the receipted identifier's own state")
	}
}
