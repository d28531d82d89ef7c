package keri

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PeerTransport carries the two peer-protocol verbs spec §6 defines across
// whatever connection a deployment chooses. Core logic never dials a peer
// itself; it is handed a PeerTransport and a resolved address.
type PeerTransport interface {
	// SubmitEvents sends events addressed to targetPrefix and returns the
	// peer's relevant KEL slice plus receipts in response.
	SubmitEvents(ctx context.Context, address string, targetPrefix Prefix, events []SignedEvent) ([]SignedEvent, error)

	// QueryTel asks a peer for the canonical-JSON TEL of the attestation
	// whose body is attestationBody, returning an empty slice for NotIssued.
	QueryTel(ctx context.Context, address string, attestationBody []byte) ([]TelEvent, error)
}

// HTTPPeerTransport implements PeerTransport over HTTP, POSTing the
// protobuf envelope wire.go defines.
type HTTPPeerTransport struct {
	Client *http.Client
}

// NewHTTPPeerTransport builds an HTTPPeerTransport with the given per-call
// timeout applied to every request it issues.
func NewHTTPPeerTransport(timeout time.Duration) *HTTPPeerTransport {
	return &HTTPPeerTransport{Client: &http.Client{Timeout: timeout}}
}

func (t *HTTPPeerTransport) post(ctx context.Context, address string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address+"/peer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build peer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contact peer: %w", ErrPeerUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read peer response: %w", ErrPeerUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer returned %d: %s: %w", resp.StatusCode, respBody, ErrPeerUnavailable)
	}
	return respBody, nil
}

// SubmitEvents encodes events as a concatenated signed-event stream inside
// a submit_events envelope and posts it to address.
func (t *HTTPPeerTransport) SubmitEvents(ctx context.Context, address string, targetPrefix Prefix, events []SignedEvent) ([]SignedEvent, error) {
	var buf bytes.Buffer
	for _, se := range events {
		raw, err := EncodeSignedEvent(se)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}

	envelope, err := encodeEnvelope(envelopeSubmitEvents, targetPrefix.String(), buf.Bytes())
	if err != nil {
		return nil, err
	}
	respBytes, err := t.post(ctx, address, envelope)
	if err != nil {
		return nil, err
	}

	resp, err := decodeEnvelope(respBytes)
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) == 0 {
		return nil, nil
	}
	return DecodeSignedEventStream(bytes.NewReader(resp.Payload))
}

// QueryTel posts a query_tel envelope carrying attestationBody, decoding
// the response payload as the JSON TEL form EncodeTelEvents produces.
func (t *HTTPPeerTransport) QueryTel(ctx context.Context, address string, attestationBody []byte) ([]TelEvent, error) {
	envelope, err := encodeEnvelope(envelopeQueryTel, "", attestationBody)
	if err != nil {
		return nil, err
	}
	respBytes, err := t.post(ctx, address, envelope)
	if err != nil {
		return nil, err
	}
	resp, err := decodeEnvelope(respBytes)
	if err != nil {
		return nil, err
	}
	return DecodeTelEvents(resp.Payload)
}

// LocalPeerTransport dispatches directly to an in-process PeerServer,
// useful for tests and single-process deployments where peers are
// co-located (mirrors the teacher's local-transport idiom, without a
// network hop).
type LocalPeerTransport struct {
	Server *PeerServer
}

// NewLocalPeerTransport builds a transport that calls server in-process.
func NewLocalPeerTransport(server *PeerServer) *LocalPeerTransport {
	return &LocalPeerTransport{Server: server}
}

// SubmitEvents delivers events directly to the local server's KEL processor.
func (t *LocalPeerTransport) SubmitEvents(ctx context.Context, _ string, targetPrefix Prefix, events []SignedEvent) ([]SignedEvent, error) {
	return t.Server.handleSubmitEvents(targetPrefix, events)
}

// QueryTel queries the local server's TEL processor directly.
func (t *LocalPeerTransport) QueryTel(ctx context.Context, _ string, attestationBody []byte) ([]TelEvent, error) {
	return t.Server.handleQueryTel(attestationBody)
}
