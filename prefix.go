package keri

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PrefixCode identifies how a Prefix's suffix was derived.
type PrefixCode byte

const (
	// CodeBasic marks a prefix whose suffix is directly an Ed25519 public key.
	CodeBasic PrefixCode = 'D'
	// CodeSelfAddressing marks a prefix whose suffix is the Blake3-256 digest
	// of the inception event (used when a basic form can't capture the key set).
	CodeSelfAddressing PrefixCode = 'E'
)

// Prefix is a self-certifying identifier: a one-character derivation code
// followed by a base64url suffix (spec §3/§4.1). Once established for a KEL,
// it is immutable for the life of the log.
type Prefix struct {
	Code   PrefixCode
	Suffix []byte
}

// NewBasicPrefix derives a basic prefix directly from an Ed25519 public key.
func NewBasicPrefix(pub ed25519.PublicKey) Prefix {
	return Prefix{Code: CodeBasic, Suffix: append([]byte(nil), pub...)}
}

// NewSelfAddressingPrefix derives a self-addressing prefix from the canonical
// bytes of an inception event serialized with its prefix field held at the
// zero value (spec §4.1's "prefix-to-key(s) binding" recipe).
func NewSelfAddressingPrefix(zeroedInceptionBytes []byte) Prefix {
	d := NewDigest(zeroedInceptionBytes)
	return Prefix{Code: CodeSelfAddressing, Suffix: d.Bytes}
}

// IsZero reports whether p carries no derivation at all.
func (p Prefix) IsZero() bool {
	return p.Code == 0 && len(p.Suffix) == 0
}

// Equal compares two prefixes by code and suffix bytes.
func (p Prefix) Equal(o Prefix) bool {
	if p.Code != o.Code || len(p.Suffix) != len(o.Suffix) {
		return false
	}
	for i := range p.Suffix {
		if p.Suffix[i] != o.Suffix[i] {
			return false
		}
	}
	return true
}

// String renders the self-describing form: code || base64url(suffix).
func (p Prefix) String() string {
	if p.IsZero() {
		return ""
	}
	return string(rune(p.Code)) + base64.RawURLEncoding.EncodeToString(p.Suffix)
}

// ParsePrefix parses the self-describing form produced by String.
func ParsePrefix(s string) (Prefix, error) {
	if s == "" {
		return Prefix{}, nil
	}
	code := PrefixCode(s[0])
	switch code {
	case CodeBasic, CodeSelfAddressing:
		b, err := base64.RawURLEncoding.DecodeString(s[1:])
		if err != nil {
			return Prefix{}, fmt.Errorf("parse prefix: %w", ErrMalformedEvent)
		}
		return Prefix{Code: code, Suffix: b}, nil
	default:
		return Prefix{}, ErrUnknownDerivation
	}
}

// PublicKey returns the Ed25519 public key embedded in a basic prefix. It is
// only meaningful when Code == CodeBasic.
func (p Prefix) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(p.Suffix)
}

// MarshalJSON renders the prefix as its self-describing string form.
func (p Prefix) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses the prefix's self-describing string form.
func (p *Prefix) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal prefix: %w", ErrMalformedEvent)
	}
	parsed, err := ParsePrefix(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
