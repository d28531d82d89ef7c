package keri

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// envelopeKind discriminates the two peer-protocol verbs spec §6 defines.
type envelopeKind string

const (
	envelopeSubmitEvents envelopeKind = "submit_events"
	envelopeQueryTel     envelopeKind = "query_tel"
)

// encodeEnvelope wraps a payload (a raw signed-event stream, or a raw
// attestation body) in a protobuf structpb.Struct control envelope: a
// request id for correlation, the verb, an optional target prefix, and a
// send timestamp. The payload itself travels base64-encoded inside the
// struct since structpb has no native bytes value kind.
func encodeEnvelope(kind envelopeKind, target string, payload []byte) ([]byte, error) {
	fields := map[string]interface{}{
		"request_id": uuid.NewString(),
		"kind":       string(kind),
		"target":     target,
		"payload":    base64.StdEncoding.EncodeToString(payload),
		"sent_at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	return proto.Marshal(s)
}

type decodedEnvelope struct {
	RequestID string
	Kind      envelopeKind
	Target    string
	Payload   []byte
	SentAt    time.Time
}

// decodeEnvelope is the inverse of encodeEnvelope.
func decodeEnvelope(data []byte) (decodedEnvelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return decodedEnvelope{}, fmt.Errorf("unmarshal envelope: %w", ErrMalformedEvent)
	}
	fields := s.GetFields()

	payloadB64 := fields["payload"].GetStringValue()
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return decodedEnvelope{}, fmt.Errorf("decode envelope payload: %w", ErrMalformedEvent)
	}

	sentAt, _ := time.Parse(time.RFC3339Nano, fields["sent_at"].GetStringValue())

	return decodedEnvelope{
		RequestID: fields["request_id"].GetStringValue(),
		Kind:      envelopeKind(fields["kind"].GetStringValue()),
		Target:    fields["target"].GetStringValue(),
		Payload:   payload,
		SentAt:    sentAt,
	}, nil
}
