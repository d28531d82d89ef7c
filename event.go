package keri

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// EventType discriminates the KEL/TEL event variants of spec §3.
type EventType string

const (
	EventInception   EventType = "icp"
	EventRotation    EventType = "rot"
	EventInteraction EventType = "ixn"
	EventReceipt     EventType = "vrc"
)

// SealKind discriminates the three seal shapes spec §3 calls out.
type SealKind string

const (
	SealKindDigest   SealKind = "digest"
	SealKindEvent    SealKind = "event"
	SealKindLocation SealKind = "location"
)

// Seal is a typed cryptographic anchor attached to an interaction event, or
// (as an EventSeal) a stable pointer into a KEL.
type Seal struct {
	Kind SealKind `json:"kind"`

	// Digest seal: anchors an external payload's hash.
	Digest Digest `json:"digest,omitempty"`

	// Event seal: anchors another event; also doubles as the standalone
	// EventSeal type used by receipts and TEL entries.
	Prefix      Prefix `json:"prefix,omitempty"`
	Sn          uint64 `json:"sn,omitempty"`
	EventDigest Digest `json:"event_digest,omitempty"`

	// Location seal: an opaque locator string (e.g. a storage address).
	Location string `json:"location,omitempty"`
}

// EventSeal is the {prefix, sn, event_digest} triple spec §3/GLOSSARY define
// as a stable, self-authenticating pointer into a KEL.
type EventSeal struct {
	Prefix      Prefix
	Sn          uint64
	EventDigest Digest
}

// AsSeal renders an EventSeal as a generic Seal of kind "event".
func (es EventSeal) AsSeal() Seal {
	return Seal{Kind: SealKindEvent, Prefix: es.Prefix, Sn: es.Sn, EventDigest: es.EventDigest}
}

// EventSeal returns s as an EventSeal, if s is an event seal.
func (s Seal) EventSeal() (EventSeal, bool) {
	if s.Kind != SealKindEvent {
		return EventSeal{}, false
	}
	return EventSeal{Prefix: s.Prefix, Sn: s.Sn, EventDigest: s.EventDigest}, true
}

// NewDigestSeal anchors an external payload's digest.
func NewDigestSeal(d Digest) Seal {
	return Seal{Kind: SealKindDigest, Digest: d}
}

// Event is a single KEL/TEL record: {prefix, sn, event_data, ...}. Only the
// fields relevant to Type are populated; MarshalCanonical emits exactly the
// JSON shape spec.md describes for that variant, nothing more.
type Event struct {
	Prefix Prefix
	Sn     uint64
	Type   EventType

	// icp / rot
	CurrentKeys        []Prefix
	NextKeysCommitment Digest
	Threshold          int

	// rot / ixn
	PriorDigest Digest

	// ixn
	Seals []Seal

	// vrc
	ReceiptedDigest Digest
	ValidatorSeal   EventSeal
}

// Each event variant gets its own wire struct carrying only the fields
// spec §3 assigns it, in fixed declaration order, so MarshalCanonical never
// emits a field a given variant doesn't define and parse(serialize(E)) == E
// holds trivially.
type icpWire struct {
	Prefix Prefix   `json:"prefix"`
	Sn     uint64   `json:"sn"`
	T      string   `json:"t"`
	K      []Prefix `json:"k"`
	N      Digest   `json:"n"`
	Kt     int      `json:"kt"`
}

type rotWire struct {
	Prefix Prefix   `json:"prefix"`
	Sn     uint64   `json:"sn"`
	T      string   `json:"t"`
	K      []Prefix `json:"k"`
	N      Digest   `json:"n"`
	P      Digest   `json:"p"`
}

type ixnWire struct {
	Prefix Prefix `json:"prefix"`
	Sn     uint64 `json:"sn"`
	T      string `json:"t"`
	P      Digest `json:"p"`
	A      []Seal `json:"a"`
}

type vrcWire struct {
	Prefix Prefix `json:"prefix"`
	Sn     uint64 `json:"sn"`
	T      string `json:"t"`
	Rd     Digest `json:"rd"`
	Vs     Seal   `json:"vs"`
}

// typeHeader is decoded first to dispatch to the right variant wire struct.
type typeHeader struct {
	T string `json:"t"`
}

// MarshalCanonical produces the deterministic byte-exact serialization that
// digests and signatures are computed over (spec §4.1). Each variant emits
// only the fields spec §3 defines for it.
func (e Event) MarshalCanonical() ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch e.Type {
	case EventInception:
		b, err = json.Marshal(icpWire{Prefix: e.Prefix, Sn: e.Sn, T: string(e.Type), K: e.CurrentKeys, N: e.NextKeysCommitment, Kt: e.Threshold})
	case EventRotation:
		b, err = json.Marshal(rotWire{Prefix: e.Prefix, Sn: e.Sn, T: string(e.Type), K: e.CurrentKeys, N: e.NextKeysCommitment, P: e.PriorDigest})
	case EventInteraction:
		b, err = json.Marshal(ixnWire{Prefix: e.Prefix, Sn: e.Sn, T: string(e.Type), P: e.PriorDigest, A: e.Seals})
	case EventReceipt:
		b, err = json.Marshal(vrcWire{Prefix: e.Prefix, Sn: e.Sn, T: string(e.Type), Rd: e.ReceiptedDigest, Vs: e.ValidatorSeal.AsSeal()})
	default:
		return nil, fmt.Errorf("marshal event of type %q: %w", e.Type, ErrMalformedEvent)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// CommitToKeys computes the pre-rotation commitment digest for a key set:
// the value an inception or rotation event's next_keys_commitment carries,
// and what a later rotation's declared current_keys must hash to match
// (spec §3 "pre-rotation rule").
func CommitToKeys(keys []Prefix) (Digest, error) {
	b, err := json.Marshal(keys)
	if err != nil {
		return Digest{}, fmt.Errorf("marshal keys: %w", err)
	}
	return NewDigest(b), nil
}

// ComputeDigest returns the digest of the event's canonical bytes.
func (e Event) ComputeDigest() (Digest, error) {
	b, err := e.MarshalCanonical()
	if err != nil {
		return Digest{}, err
	}
	return NewDigest(b), nil
}

// ParseEvent parses a single canonical event, without any attached signatures.
func ParseEvent(data []byte) (Event, error) {
	var hdr typeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", ErrMalformedEvent)
	}
	switch EventType(hdr.T) {
	case EventInception:
		var w icpWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("parse icp: %w", ErrMalformedEvent)
		}
		return Event{Prefix: w.Prefix, Sn: w.Sn, Type: EventInception, CurrentKeys: w.K, NextKeysCommitment: w.N, Threshold: w.Kt}, nil
	case EventRotation:
		var w rotWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("parse rot: %w", ErrMalformedEvent)
		}
		return Event{Prefix: w.Prefix, Sn: w.Sn, Type: EventRotation, CurrentKeys: w.K, NextKeysCommitment: w.N, PriorDigest: w.P}, nil
	case EventInteraction:
		var w ixnWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("parse ixn: %w", ErrMalformedEvent)
		}
		return Event{Prefix: w.Prefix, Sn: w.Sn, Type: EventInteraction, PriorDigest: w.P, Seals: w.A}, nil
	case EventReceipt:
		var w vrcWire
		if err := json.Unmarshal(data, &w); err != nil {
			return Event{}, fmt.Errorf("parse vrc: %w", ErrMalformedEvent)
		}
		seal, ok := w.Vs.EventSeal()
		if !ok {
			return Event{}, fmt.Errorf("receipt validator seal: %w", ErrMalformedEvent)
		}
		return Event{Prefix: w.Prefix, Sn: w.Sn, Type: EventReceipt, ReceiptedDigest: w.Rd, ValidatorSeal: seal}, nil
	default:
		return Event{}, fmt.Errorf("unknown event type %q: %w", hdr.T, ErrMalformedEvent)
	}
}

// AttachedSignature is one signature in an event's attached-signatures block:
// a signing-algorithm code, the index of the key within the event's declared
// current key set that produced it, and the raw signature bytes.
type AttachedSignature struct {
	Code     byte
	KeyIndex uint16
	Sig      []byte
}

// CodeEd25519Sha512 is the attached-signature algorithm code for Ed25519
// signing over a SHA-512 prehash-free message (spec §6: "A = Ed25519Sha512
// attached-signature prefix").
const CodeEd25519Sha512 byte = 'A'

// SignedEvent is an Event plus its ordered attached signatures.
type SignedEvent struct {
	Event      Event
	Signatures []AttachedSignature
}

// encodeSigBlock renders the length-prefixed attached-signatures block:
// uint16 count, then per signature: 1 byte code, uint16 key index, uint16
// signature length, signature bytes.
func encodeSigBlock(sigs []AttachedSignature) []byte {
	var buf bytes.Buffer
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(sigs)))
	buf.Write(countBuf[:])
	for _, s := range sigs {
		buf.WriteByte(s.Code)
		var idxBuf [2]byte
		binary.BigEndian.PutUint16(idxBuf[:], s.KeyIndex)
		buf.Write(idxBuf[:])
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s.Sig)))
		buf.Write(lenBuf[:])
		buf.Write(s.Sig)
	}
	return buf.Bytes()
}

// EncodeSignedEvent renders a SignedEvent's stream form: canonical event
// bytes immediately followed by its attached-signatures block (spec §4.1/§6).
func EncodeSignedEvent(se SignedEvent) ([]byte, error) {
	eventBytes, err := se.Event.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	return append(eventBytes, encodeSigBlock(se.Signatures)...), nil
}

// readExact reads exactly n bytes, first draining tail (a stateful cursor
// over bytes the JSON decoder had already buffered), then falling back to br.
func readExact(tail *bytes.Reader, br io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	if tail.Len() > 0 {
		m, _ := tail.Read(buf)
		read = m
	}
	if read < n {
		if _, err := io.ReadFull(br, buf[read:]); err != nil {
			return nil, fmt.Errorf("read signature block: %w", ErrTruncatedStream)
		}
	}
	return buf, nil
}

// DecodeSignedEventStream parses a concatenation of SignedEvent wire forms
// with no delimiters other than the length metadata implied by each event's
// attached-signatures block (spec §4.1). It stops cleanly at end of input.
func DecodeSignedEventStream(r io.Reader) ([]SignedEvent, error) {
	var out []SignedEvent
	src := r // bytes read ahead by a prior iteration's JSON decoder are chained in front of r

	for {
		dec := json.NewDecoder(src)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("parse event: %w", ErrMalformedEvent)
		}
		ev, err := ParseEvent(raw)
		if err != nil {
			return out, err
		}

		tailBytes, err := io.ReadAll(dec.Buffered())
		if err != nil {
			return out, fmt.Errorf("read decoder buffer: %w", ErrMalformedEvent)
		}
		tail := bytes.NewReader(tailBytes)

		countBuf, err := readExact(tail, src, 2)
		if err != nil {
			return out, err
		}
		count := binary.BigEndian.Uint16(countBuf)

		sigs := make([]AttachedSignature, 0, count)
		for i := 0; i < int(count); i++ {
			hdr, err := readExact(tail, src, 5)
			if err != nil {
				return out, err
			}
			code := hdr[0]
			keyIndex := binary.BigEndian.Uint16(hdr[1:3])
			sigLen := binary.BigEndian.Uint16(hdr[3:5])
			sigBytes, err := readExact(tail, src, int(sigLen))
			if err != nil {
				return out, err
			}
			sigs = append(sigs, AttachedSignature{Code: code, KeyIndex: keyIndex, Sig: sigBytes})
		}

		out = append(out, SignedEvent{Event: ev, Signatures: sigs})

		// Whatever remains unconsumed in tail, then in src, is the start of the next event.
		src = io.MultiReader(tail, src)
	}

	return out, nil
}
