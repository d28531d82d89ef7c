package keri

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// DigestCode identifies the hash algorithm a Digest was produced with, so a
// future event type can adopt a different hash without ambiguity (spec §4.1).
type DigestCode byte

// CodeBlake3_256 is the only digest algorithm this implementation produces or
// accepts. The one-character code is carried on the wire so a later version
// could add a second code without breaking parsers of this one.
const CodeBlake3_256 DigestCode = 'E'

// Digest is a derivation-coded hash: a one-character algorithm code followed
// by the raw hash bytes.
type Digest struct {
	Code  DigestCode
	Bytes []byte
}

// NewDigest hashes data with the default algorithm (Blake3-256).
func NewDigest(data []byte) Digest {
	sum := blake3.Sum256(data)
	return Digest{Code: CodeBlake3_256, Bytes: sum[:]}
}

// Equal reports whether two digests carry the same code and bytes.
func (d Digest) Equal(o Digest) bool {
	if d.Code != o.Code || len(d.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range d.Bytes {
		if d.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether d carries no bytes at all (the "no prior digest" case).
func (d Digest) IsZero() bool {
	return d.Code == 0 && len(d.Bytes) == 0
}

// String renders the self-describing form: code || base64url(bytes).
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Code) + base64.RawURLEncoding.EncodeToString(d.Bytes)
}

// ParseDigest parses the self-describing form produced by String.
func ParseDigest(s string) (Digest, error) {
	if s == "" {
		return Digest{}, nil
	}
	code := DigestCode(s[0])
	switch code {
	case CodeBlake3_256:
		b, err := base64.RawURLEncoding.DecodeString(s[1:])
		if err != nil {
			return Digest{}, fmt.Errorf("parse digest: %w", ErrMalformedEvent)
		}
		return Digest{Code: code, Bytes: b}, nil
	default:
		return Digest{}, ErrUnknownDerivation
	}
}

// MarshalJSON renders the digest as its self-describing string form.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses the digest's self-describing string form.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal digest: %w", ErrMalformedEvent)
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
