package keri

import (
	"context"
	"crypto/ed25519"
	"errors"
)

// Verdict is one of the four possible outputs of verifying a signed
// attestation (spec §4.7/GLOSSARY). Verdicts are values, not errors —
// Revoked and NotIssued are correct, expected outcomes (spec §7).
type Verdict int

const (
	VerdictOk Verdict = iota
	VerdictInvalid
	VerdictRevoked
	VerdictNotIssued
)

func (v Verdict) String() string {
	switch v {
	case VerdictOk:
		return "Ok"
	case VerdictInvalid:
		return "Invalid"
	case VerdictRevoked:
		return "Revoked"
	case VerdictNotIssued:
		return "NotIssued"
	default:
		return "Unknown"
	}
}

// Verify composes TEL state with the historical key configuration anchored
// at the seal the TEL names, rather than the issuer's current keys (spec
// §4.7's central design commitment: a signature's validity is permanently
// anchored to the key state at issuance, not at verification time).
//
// Step 1 of §4.7 is "ensure the issuer's KEL is locally known; otherwise
// obtain it from the issuer via the peer channel, process it, and retry":
// locator/transport are the issuer's peer address directory and peer
// client. Either may be nil, in which case a locally-unknown issuer is
// resolved as far as the local KEL/TEL already allow and no sync is
// attempted — exactly the previous behavior for same-process verification
// that never needs a peer channel.
func Verify(ctx context.Context, kel *KELProcessor, tel *TELProcessor, locator PeerLocator, transport PeerTransport, sa SignedAttestation) (Verdict, error) {
	body, err := sa.Body.MarshalCanonical()
	if err != nil {
		return VerdictInvalid, err
	}
	vcDigest := NewDigest(body)

	issuer, err := ParsePrefix(sa.Body.ID.Testator)
	if err != nil {
		return VerdictInvalid, err
	}

	state := tel.State(vcDigest)
	if state.Kind == TelNotIssued {
		if syncIssuer(ctx, kel, tel, locator, transport, issuer, vcDigest, body) == nil {
			state = tel.State(vcDigest)
		}
	}

	switch state.Kind {
	case TelNotIssued:
		return VerdictNotIssued, nil
	case TelRevoked:
		// Revoked overrides validity; do not verify the signature at all.
		return VerdictRevoked, nil
	}

	keyState, err := kel.StateAtSeal(state.Seal)
	if errors.Is(err, ErrUnknownIdentifier) {
		if syncIssuer(ctx, kel, tel, locator, transport, issuer, vcDigest, body) == nil {
			keyState, err = kel.StateAtSeal(state.Seal)
		}
	}
	if err != nil {
		return VerdictInvalid, err
	}
	if len(keyState.CurrentKeys) == 0 {
		return VerdictInvalid, nil
	}
	key := keyState.CurrentKeys[0]
	if key.Code != CodeBasic {
		return VerdictInvalid, nil
	}
	if ed25519.Verify(key.PublicKey(), body, sa.Signature) {
		return VerdictOk, nil
	}
	return VerdictInvalid, nil
}

// syncIssuer implements §4.7 step 1: resolve the issuer's peer address,
// pull its KEL and the TEL for vcDigest, and feed both through the local
// processors. Best-effort — a failure here just leaves the verdict
// computation to work with whatever was already locally known.
func syncIssuer(ctx context.Context, kel *KELProcessor, tel *TELProcessor, locator PeerLocator, transport PeerTransport, issuer Prefix, vcDigest Digest, attestationBody []byte) error {
	if locator == nil || transport == nil {
		return ErrPeerUnavailable
	}
	address, err := locator.Resolve(issuer)
	if err != nil {
		return err
	}

	kelEvents, err := transport.SubmitEvents(ctx, address, issuer, nil)
	if err != nil {
		return err
	}
	for _, se := range kelEvents {
		if se.Event.Type == EventReceipt {
			// Receipts anchor to the validator's own KEL, which may not be
			// synced; they are not required to resolve this verification.
			_ = kel.Accept(se)
			continue
		}
		if err := kel.Accept(se); err != nil && !errors.Is(err, ErrDuplicateInception) {
			return err
		}
	}

	telEvents, err := transport.QueryTel(ctx, address, attestationBody)
	if err != nil {
		return err
	}
	for _, te := range telEvents {
		if err := tel.Process(vcDigest, te); err != nil && !errors.Is(err, ErrInvalidTelTransition) {
			return err
		}
	}
	return nil
}
