package keri

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TelOperation discriminates a TelEvent's transition (spec §3 "TEL").
type TelOperation string

const (
	TelOperationIssue  TelOperation = "issue"
	TelOperationRevoke TelOperation = "revoke"
)

// TelEvent is one entry in a per-attestation TEL: the operation it performs
// and the KEL event seal that anchors it.
type TelEvent struct {
	Seal      EventSeal
	Operation TelOperation
	Signature AttachedSignature
}

// TelStateKind is the TEL state machine's three reachable states (spec §3).
type TelStateKind int

const (
	TelNotIssued TelStateKind = iota
	TelIssued
	TelRevoked
)

// TelState is the current derived state of one attestation's TEL.
type TelState struct {
	Kind TelStateKind
	Seal EventSeal // meaningful for TelIssued and TelRevoked
}

// canonicalTelEventBytes renders a TelEvent deterministically, matching
// make_issue_event/make_revoke_event's sign-the-serialized-event shape.
func canonicalTelEventBytes(e TelEvent) []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s", e.Operation, e.Seal.Prefix.String(), e.Seal.Sn, e.Seal.EventDigest.String()))
}

// perAttestationTel is the append-only list and derived state for a single
// attestation digest.
type perAttestationTel struct {
	events []TelEvent
	state  TelState
}

// TELProcessor maintains one TEL per attestation digest, gated by the KEL
// it is bound to (spec §4.5).
type TELProcessor struct {
	kel *KELProcessor

	mu   sync.Mutex
	tels map[string]*perAttestationTel
}

// NewTELProcessor binds a TEL processor to the KEL it resolves seals against.
func NewTELProcessor(kel *KELProcessor) *TELProcessor {
	return &TELProcessor{kel: kel, tels: make(map[string]*perAttestationTel)}
}

// MakeIssueEvent builds an (unsigned) issue TelEvent anchored at issuingSeal.
func MakeIssueEvent(issuingSeal EventSeal) TelEvent {
	return TelEvent{Seal: issuingSeal, Operation: TelOperationIssue}
}

// MakeRevokeEvent builds an (unsigned) revoke TelEvent anchored at revokingSeal.
func MakeRevokeEvent(revokingSeal EventSeal) TelEvent {
	return TelEvent{Seal: revokingSeal, Operation: TelOperationRevoke}
}

// Process runs the 4-step algorithm of spec §4.5 against event for the
// attestation identified by vcDigest.
func (t *TELProcessor) Process(vcDigest Digest, event TelEvent) error {
	// Step 1: the seal must resolve to an accepted interaction event. A seal
	// whose event the KEL has not accepted yet is ErrOutOfOrder.
	interactionEvents, err := t.kel.store.Slice(event.Seal.Prefix, event.Seal.Sn)
	if err != nil {
		return fmt.Errorf("load anchoring event: %w", ErrStorageError)
	}
	if len(interactionEvents) == 0 || interactionEvents[0].Event.Sn != event.Seal.Sn {
		return ErrOutOfOrder
	}
	sealState, err := t.kel.StateAtSeal(event.Seal)
	if err != nil {
		return err
	}
	anchoring := interactionEvents[0].Event
	if anchoring.Type != EventInteraction {
		return fmt.Errorf("seal does not point to an interaction event: %w", ErrSealDoesNotMatch)
	}

	// Step 2: the interaction event must anchor vcDigest via a digest seal.
	anchored := false
	for _, seal := range anchoring.Seals {
		if seal.Kind == SealKindDigest && seal.Digest.Equal(vcDigest) {
			anchored = true
			break
		}
	}
	if !anchored {
		return ErrSealDoesNotMatch
	}

	// Verify the tel event's own signature against the key state active at
	// the anchoring seal (the same keys that signed the interaction event).
	body := canonicalTelEventBytes(event)
	if err := verifySingleSig(body, event.Signature, sealState.CurrentKeys); err != nil {
		return err
	}

	key := vcDigest.String()
	t.mu.Lock()
	defer t.mu.Unlock()

	tel, ok := t.tels[key]
	if !ok {
		tel = &perAttestationTel{state: TelState{Kind: TelNotIssued}}
		t.tels[key] = tel
	}

	// Step 3: apply the transition.
	next, err := applyTelTransition(tel.state, event)
	if err != nil {
		return err
	}

	// Step 4: append and update state.
	tel.events = append(tel.events, event)
	tel.state = next
	return nil
}

func applyTelTransition(current TelState, event TelEvent) (TelState, error) {
	switch event.Operation {
	case TelOperationIssue:
		if current.Kind != TelNotIssued {
			return TelState{}, ErrInvalidTelTransition
		}
		return TelState{Kind: TelIssued, Seal: event.Seal}, nil
	case TelOperationRevoke:
		if current.Kind != TelIssued {
			return TelState{}, ErrInvalidTelTransition
		}
		return TelState{Kind: TelRevoked, Seal: event.Seal}, nil
	default:
		return TelState{}, fmt.Errorf("unknown tel operation %q: %w", event.Operation, ErrMalformedEvent)
	}
}

// State returns the current TEL state for vcDigest. Unknown digests return
// TelNotIssued — absence is indistinguishable from never-issued (spec §4.5).
func (t *TELProcessor) State(vcDigest Digest) TelState {
	t.mu.Lock()
	defer t.mu.Unlock()
	tel, ok := t.tels[vcDigest.String()]
	if !ok {
		return TelState{Kind: TelNotIssued}
	}
	return tel.state
}

// Events returns the full event history for vcDigest's TEL, oldest first.
// An unknown digest returns an empty (not nil) slice.
func (t *TELProcessor) Events(vcDigest Digest) []TelEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	tel, ok := t.tels[vcDigest.String()]
	if !ok {
		return []TelEvent{}
	}
	return append([]TelEvent(nil), tel.events...)
}

type telEventWire struct {
	Prefix      string       `json:"prefix"`
	Sn          uint64       `json:"sn"`
	EventDigest string       `json:"event_digest"`
	Operation   TelOperation `json:"operation"`
	SigCode     byte         `json:"sig_code"`
	SigKeyIndex uint16       `json:"sig_key_index"`
	Sig         []byte       `json:"sig"`
}

// EncodeTelEvents renders events as the canonical-JSON TEL form spec §6
// names as a peer query's response payload.
func EncodeTelEvents(events []TelEvent) ([]byte, error) {
	wire := make([]telEventWire, len(events))
	for i, e := range events {
		wire[i] = telEventWire{
			Prefix:      e.Seal.Prefix.String(),
			Sn:          e.Seal.Sn,
			EventDigest: e.Seal.EventDigest.String(),
			Operation:   e.Operation,
			SigCode:     e.Signature.Code,
			SigKeyIndex: e.Signature.KeyIndex,
			Sig:         e.Signature.Sig,
		}
	}
	return json.Marshal(wire)
}

// DecodeTelEvents parses the form EncodeTelEvents produces.
func DecodeTelEvents(data []byte) ([]TelEvent, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wire []telEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("parse tel events: %w", ErrMalformedEvent)
	}
	events := make([]TelEvent, len(wire))
	for i, w := range wire {
		prefix, err := ParsePrefix(w.Prefix)
		if err != nil {
			return nil, err
		}
		digest, err := ParseDigest(w.EventDigest)
		if err != nil {
			return nil, err
		}
		events[i] = TelEvent{
			Seal:      EventSeal{Prefix: prefix, Sn: w.Sn, EventDigest: digest},
			Operation: w.Operation,
			Signature: AttachedSignature{Code: w.SigCode, KeyIndex: w.SigKeyIndex, Sig: w.Sig},
		}
	}
	return events, nil
}
