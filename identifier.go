package keri

import "fmt"

// Identifier binds a Signer to a KEL processor and a TEL processor,
// orchestrating issuance and revocation as the sequence of KEL/TEL writes
// spec §4.8 describes. It is the sole writer for its own prefix.
type Identifier struct {
	Prefix Prefix
	Signer Signer
	KEL    *KELProcessor
	TEL    *TELProcessor
}

// NewInceptedIdentifier builds and accepts an inception event for signer's
// current/next keys, returning the bound Identifier.
func NewInceptedIdentifier(signer Signer, kel *KELProcessor, tel *TELProcessor) (*Identifier, error) {
	currentKey := NewBasicPrefix(signer.CurrentPublicKey())
	nextCommitment, err := CommitToKeys([]Prefix{NewBasicPrefix(signer.NextPublicKey())})
	if err != nil {
		return nil, err
	}

	icp := Event{
		Prefix:             currentKey,
		Sn:                 0,
		Type:               EventInception,
		CurrentKeys:        []Prefix{currentKey},
		NextKeysCommitment: nextCommitment,
		Threshold:          1,
	}
	body, err := icp.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("sign inception: %w", err)
	}
	se := SignedEvent{Event: icp, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}
	if err := kel.Accept(se); err != nil {
		return nil, err
	}

	return &Identifier{Prefix: currentKey, Signer: signer, KEL: kel, TEL: tel}, nil
}

// Rotate promotes the Signer's next key to current and appends the
// corresponding rotation event (spec §4.8 "Rotate").
func (id *Identifier) Rotate() error {
	state, err := id.KEL.StateAtTail(id.Prefix)
	if err != nil {
		return err
	}

	promotedKey := NewBasicPrefix(id.Signer.NextPublicKey())
	declaredCommitment, err := CommitToKeys([]Prefix{promotedKey})
	if err != nil {
		return err
	}
	if !declaredCommitment.Equal(state.NextKeysCommitment) {
		return ErrPrerotationMismatch
	}

	if err := id.Signer.Rotate(); err != nil {
		return fmt.Errorf("rotate signer: %w", err)
	}
	newNextCommitment, err := CommitToKeys([]Prefix{NewBasicPrefix(id.Signer.NextPublicKey())})
	if err != nil {
		return err
	}

	rot := Event{
		Prefix:             id.Prefix,
		Sn:                 state.Sn + 1,
		Type:               EventRotation,
		CurrentKeys:        []Prefix{promotedKey},
		NextKeysCommitment: newNextCommitment,
		PriorDigest:        state.LastEventDigest,
	}
	body, err := rot.MarshalCanonical()
	if err != nil {
		return err
	}
	sig, err := id.Signer.Sign(body)
	if err != nil {
		return fmt.Errorf("sign rotation: %w", err)
	}
	se := SignedEvent{Event: rot, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}
	return id.KEL.Accept(se)
}

// appendAnchoringInteraction appends an interaction event anchoring digest
// via a digest seal, returning the resulting event's seal.
func (id *Identifier) appendAnchoringInteraction(digest Digest) (EventSeal, error) {
	state, err := id.KEL.StateAtTail(id.Prefix)
	if err != nil {
		return EventSeal{}, err
	}

	ixn := Event{
		Prefix:      id.Prefix,
		Sn:          state.Sn + 1,
		Type:        EventInteraction,
		PriorDigest: state.LastEventDigest,
		Seals:       []Seal{NewDigestSeal(digest)},
	}
	body, err := ixn.MarshalCanonical()
	if err != nil {
		return EventSeal{}, err
	}
	sig, err := id.Signer.Sign(body)
	if err != nil {
		return EventSeal{}, fmt.Errorf("sign interaction: %w", err)
	}
	se := SignedEvent{Event: ixn, Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}}}
	if err := id.KEL.Accept(se); err != nil {
		return EventSeal{}, err
	}

	ixnDigest, err := ixn.ComputeDigest()
	if err != nil {
		return EventSeal{}, err
	}
	return EventSeal{Prefix: id.Prefix, Sn: ixn.Sn, EventDigest: ixnDigest}, nil
}

// signTelEvent signs a TelEvent's canonical bytes with the Signer's current key.
func (id *Identifier) signTelEvent(te TelEvent) (TelEvent, error) {
	sig, err := id.Signer.Sign(canonicalTelEventBytes(te))
	if err != nil {
		return TelEvent{}, fmt.Errorf("sign tel event: %w", err)
	}
	te.Signature = AttachedSignature{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}
	return te, nil
}

// Issue builds and signs an attestation, anchors it via an interaction
// event, and records the issuance in the TEL (spec §4.8 "Issue").
func (id *Identifier) Issue(sources []AttestationID, schema string, datum []byte) (SignedAttestation, error) {
	attestation, err := NewAttestation(id.Prefix.String(), sources, schema, datum, nil)
	if err != nil {
		return SignedAttestation{}, err
	}
	body, err := attestation.MarshalCanonical()
	if err != nil {
		return SignedAttestation{}, err
	}
	sig, err := id.Signer.Sign(body)
	if err != nil {
		return SignedAttestation{}, fmt.Errorf("sign attestation: %w", err)
	}

	vcDigest := NewDigest(body)
	seal, err := id.appendAnchoringInteraction(vcDigest)
	if err != nil {
		return SignedAttestation{}, err
	}

	te, err := id.signTelEvent(MakeIssueEvent(seal))
	if err != nil {
		return SignedAttestation{}, err
	}
	if err := id.TEL.Process(vcDigest, te); err != nil {
		return SignedAttestation{}, err
	}

	return SignedAttestation{Body: attestation, Signature: sig}, nil
}

// Revoke anchors a revocation for an already-issued attestation, identified
// by its content digest (spec §4.8 "Revoke").
func (id *Identifier) Revoke(vcDigest Digest) error {
	seal, err := id.appendAnchoringInteraction(vcDigest)
	if err != nil {
		return err
	}
	te, err := id.signTelEvent(MakeRevokeEvent(seal))
	if err != nil {
		return err
	}
	return id.TEL.Process(vcDigest, te)
}
