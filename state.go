package keri

// IdentifierState is the derived projection of a KEL up to some sn: the
// result of folding every accepted event from inception through sn in
// order (spec §3 "Identifier state").
type IdentifierState struct {
	Prefix                    Prefix
	Sn                        uint64
	LastEventDigest           Digest
	CurrentKeys               []Prefix
	NextKeysCommitment        Digest
	Threshold                 int
	LastEstablishmentEventSeal EventSeal
}

// foldEvent applies a single accepted event on top of a prior state,
// producing the next state. It assumes the event has already passed the
// acceptance algorithm's structural and cryptographic checks (kel.go);
// foldEvent itself performs no verification, only projection.
func foldEvent(prior IdentifierState, se SignedEvent) (IdentifierState, error) {
	e := se.Event
	digest, err := e.ComputeDigest()
	if err != nil {
		return IdentifierState{}, err
	}
	seal := EventSeal{Prefix: e.Prefix, Sn: e.Sn, EventDigest: digest}

	switch e.Type {
	case EventInception:
		return IdentifierState{
			Prefix:                     e.Prefix,
			Sn:                         e.Sn,
			LastEventDigest:            digest,
			CurrentKeys:                e.CurrentKeys,
			NextKeysCommitment:         e.NextKeysCommitment,
			Threshold:                  e.Threshold,
			LastEstablishmentEventSeal: seal,
		}, nil
	case EventRotation:
		return IdentifierState{
			Prefix:                     e.Prefix,
			Sn:                         e.Sn,
			LastEventDigest:            digest,
			CurrentKeys:                e.CurrentKeys,
			NextKeysCommitment:         e.NextKeysCommitment,
			Threshold:                  prior.Threshold,
			LastEstablishmentEventSeal: seal,
		}, nil
	case EventInteraction:
		next := prior
		next.Sn = e.Sn
		next.LastEventDigest = digest
		// Interaction events do not change key state or the last
		// establishment seal (spec §3: only icp/rot are establishment events).
		return next, nil
	case EventReceipt:
		// Receipts attach to the receipted event; they never advance the
		// receipted identifier's own KEL position.
		return prior, nil
	default:
		return IdentifierState{}, ErrMalformedEvent
	}
}
