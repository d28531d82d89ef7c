package keri

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// AttestationID is the content-addressed identity of an attestation: the
// testator's identifier namespace plus a hash-derived suffix (spec §9 Open
// Question, pinned to a single form: "did:keri:{testator}/attestationId/{hash}";
// the divergent "did:{testator}/{hash}" form is not produced or parsed).
type AttestationID struct {
	Testator string
	Suffix   string // base64url(blake3_256(canonical(body with empty id)))
}

func (id AttestationID) String() string {
	return "did:keri:" + id.Testator + "/attestationId/" + id.Suffix
}

// ParseAttestationID parses the form String produces.
func ParseAttestationID(s string) (AttestationID, error) {
	const prefix = "did:keri:"
	if !strings.HasPrefix(s, prefix) {
		return AttestationID{}, fmt.Errorf("parse attestation id: %w", ErrMalformedEvent)
	}
	rest := s[len(prefix):]
	const marker = "/attestationId/"
	idx := strings.Index(rest, marker)
	if idx < 0 {
		return AttestationID{}, fmt.Errorf("parse attestation id: %w", ErrMalformedEvent)
	}
	return AttestationID{Testator: rest[:idx], Suffix: rest[idx+len(marker):]}, nil
}

// Attestation is the unsigned record spec §3 defines: {id, sources, schema,
// datum, optional_revocation_target}.
type Attestation struct {
	ID               AttestationID
	Sources          []AttestationID
	Schema           string
	Datum            json.RawMessage
	RevocationTarget *AttestationID
}

type attestationWire struct {
	ID               string          `json:"id"`
	Sources          []string        `json:"sources"`
	Schema           string          `json:"schema"`
	Datum            json.RawMessage `json:"datum"`
	RevocationTarget string          `json:"revocation_target,omitempty"`
}

// MarshalCanonical renders the attestation's canonical bytes — the exact
// bytes a SignedAttestation's signature is computed over (spec §4.6).
func (a Attestation) MarshalCanonical() ([]byte, error) {
	w := attestationWire{
		ID:      a.ID.String(),
		Sources: make([]string, len(a.Sources)),
		Schema:  a.Schema,
		Datum:   a.Datum,
	}
	for i, s := range a.Sources {
		w.Sources[i] = s.String()
	}
	if a.RevocationTarget != nil {
		w.RevocationTarget = a.RevocationTarget.String()
	}
	return json.Marshal(w)
}

// computeSuffix hashes the canonical bytes of a with its id held empty,
// yielding the content-addressed suffix (spec §4.6).
func computeSuffix(a Attestation) (string, error) {
	placeholder := a
	placeholder.ID = AttestationID{}
	raw, err := placeholder.MarshalCanonical()
	if err != nil {
		return "", err
	}
	d := NewDigest(raw)
	return base64.RawURLEncoding.EncodeToString(d.Bytes), nil
}

// NewAttestation builds an attestation for testator, deriving its
// content-addressed id from the body (spec §4.6: "the testator_id component
// of the id MUST equal the signing identifier, enforced at issuance").
func NewAttestation(testator string, sources []AttestationID, schema string, datum json.RawMessage, revocationTarget *AttestationID) (Attestation, error) {
	a := Attestation{Sources: sources, Schema: schema, Datum: datum, RevocationTarget: revocationTarget}
	suffix, err := computeSuffix(a)
	if err != nil {
		return Attestation{}, err
	}
	a.ID = AttestationID{Testator: testator, Suffix: suffix}
	return a, nil
}

// SignedAttestation is an Attestation plus a proof over its canonical bytes.
type SignedAttestation struct {
	Body      Attestation
	Signature []byte
}

const wireSeparator = "--"

// EncodeSignedAttestation renders the wire form spec §4.6/§6 define:
// ⟨canonical attestation bytes⟩--⟨base64url(signature)⟩.
func EncodeSignedAttestation(sa SignedAttestation) ([]byte, error) {
	body, err := sa.Body.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	sig := base64.RawURLEncoding.EncodeToString(sa.Signature)
	var buf bytes.Buffer
	buf.Write(body)
	buf.WriteString(wireSeparator)
	buf.WriteString(sig)
	return buf.Bytes(), nil
}

// DecodeSignedAttestation splits on the LAST occurrence of "--" so a parser
// need not first parse the (JSON, and therefore internally "--"-tolerant)
// body to find the proof (spec §6: "Verifiers split on the last occurrence").
func DecodeSignedAttestation(wire []byte) (SignedAttestation, error) {
	idx := bytes.LastIndex(wire, []byte(wireSeparator))
	if idx < 0 {
		return SignedAttestation{}, fmt.Errorf("missing proof separator: %w", ErrMalformedEvent)
	}
	bodyBytes := wire[:idx]
	sigB64 := wire[idx+len(wireSeparator):]

	var w attestationWire
	if err := json.Unmarshal(bodyBytes, &w); err != nil {
		return SignedAttestation{}, fmt.Errorf("parse attestation body: %w", ErrMalformedEvent)
	}
	id, err := ParseAttestationID(w.ID)
	if err != nil {
		return SignedAttestation{}, err
	}
	sources := make([]AttestationID, len(w.Sources))
	for i, s := range w.Sources {
		sid, err := ParseAttestationID(s)
		if err != nil {
			return SignedAttestation{}, err
		}
		sources[i] = sid
	}
	var revTarget *AttestationID
	if w.RevocationTarget != "" {
		rid, err := ParseAttestationID(w.RevocationTarget)
		if err != nil {
			return SignedAttestation{}, err
		}
		revTarget = &rid
	}

	sig, err := base64.RawURLEncoding.DecodeString(string(sigB64))
	if err != nil {
		return SignedAttestation{}, fmt.Errorf("decode signature: %w", ErrMalformedEvent)
	}

	return SignedAttestation{
		Body: Attestation{
			ID:               id,
			Sources:          sources,
			Schema:           w.Schema,
			Datum:            w.Datum,
			RevocationTarget: revTarget,
		},
		Signature: sig,
	}, nil
}
