package keri

import "fmt"

// MakeReceipt builds a vrc event: validator signs its observation of
// observed (an establishment event from some other identifier), anchoring
// the receipt to the validator's own current establishment seal so the
// issuer can later verify it against that exact historical key state
// (spec §4.4).
func MakeReceipt(signer Signer, validatorState IdentifierState, observed SignedEvent) (SignedEvent, error) {
	observedDigest, err := observed.Event.ComputeDigest()
	if err != nil {
		return SignedEvent{}, fmt.Errorf("digest observed event: %w", err)
	}

	receipt := Event{
		Prefix:          observed.Event.Prefix,
		Sn:              observed.Event.Sn,
		Type:            EventReceipt,
		ReceiptedDigest: observedDigest,
		ValidatorSeal:   validatorState.LastEstablishmentEventSeal,
	}

	body, err := receipt.MarshalCanonical()
	if err != nil {
		return SignedEvent{}, err
	}
	sig, err := signer.Sign(body)
	if err != nil {
		return SignedEvent{}, fmt.Errorf("sign receipt: %w", err)
	}
	return SignedEvent{
		Event:      receipt,
		Signatures: []AttachedSignature{{Code: CodeEd25519Sha512, KeyIndex: 0, Sig: sig}},
	}, nil
}

// AcceptReceipt feeds a vrc into kel, which verifies it against the
// validator's historical key state and attaches it to the receipted event.
// Duplicate receipts are idempotent (spec §4.4).
func AcceptReceipt(kel *KELProcessor, receipt SignedEvent) error {
	if receipt.Event.Type != EventReceipt {
		return fmt.Errorf("not a receipt: %w", ErrMalformedEvent)
	}
	return kel.Accept(receipt)
}

// RespondToInception implements the first-contact response rule (spec
// §4.4): when local accepts a previously unknown peer's inception, it
// replies with its own current KEL slice for selfPrefix plus a receipt
// over the peer's inception, letting both sides synchronize in one round
// trip without a separate handshake.
func RespondToInception(kel *KELProcessor, store EventStore, selfPrefix Prefix, signer Signer, peerInception SignedEvent) ([]SignedEvent, error) {
	selfEvents, err := store.Slice(selfPrefix, 0)
	if err != nil {
		return nil, fmt.Errorf("load own kel: %w", ErrStorageError)
	}

	selfState, err := kel.StateAtTail(selfPrefix)
	if err != nil {
		return nil, err
	}

	receipt, err := MakeReceipt(signer, selfState, peerInception)
	if err != nil {
		return nil, err
	}

	return append(append([]SignedEvent(nil), selfEvents...), receipt), nil
}
