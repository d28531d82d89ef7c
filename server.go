package keri

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
)

// PeerServer answers the two peer-protocol verbs spec §6 defines over
// HTTP, dispatching to a KELProcessor and TELProcessor that may host
// many identifiers.
type PeerServer struct {
	KEL       *KELProcessor
	TEL       *TELProcessor
	tlsConfig *tls.Config
}

// NewPeerServer binds a server to the processors it answers queries from.
func NewPeerServer(kel *KELProcessor, tel *TELProcessor) *PeerServer {
	return &PeerServer{KEL: kel, TEL: tel}
}

// SetTLSConfig clones cfg and stores it for use when serving HTTPS.
// A nil cfg clears any previously set configuration.
func (s *PeerServer) SetTLSConfig(cfg *tls.Config) {
	if cfg == nil {
		s.tlsConfig = nil
		return
	}
	s.tlsConfig = cfg.Clone()
}

// handleSubmitEvents appends events for targetPrefix and returns that
// identifier's full KEL plus its receipts, the response shape spec §6
// promises for the "⟨target-prefix⟩ ⟨event-stream bytes⟩" verb.
func (s *PeerServer) handleSubmitEvents(targetPrefix Prefix, events []SignedEvent) ([]SignedEvent, error) {
	for _, se := range events {
		if err := s.KEL.Accept(se); err != nil {
			return nil, err
		}
	}

	kelSlice, err := s.KEL.store.Slice(targetPrefix, 0)
	if err != nil {
		return nil, err
	}
	out := append([]SignedEvent(nil), kelSlice...)
	for _, se := range kelSlice {
		receipts, err := s.KEL.store.Receipts(targetPrefix, se.Event.Sn)
		if err != nil {
			return nil, err
		}
		out = append(out, receipts...)
	}
	return out, nil
}

// handleQueryTel answers the "tel ⟨attestation body bytes⟩" verb: the
// canonical-JSON TEL for digest(body), or an empty TEL for NotIssued.
func (s *PeerServer) handleQueryTel(attestationBody []byte) ([]TelEvent, error) {
	digest := NewDigest(attestationBody)
	return s.TEL.Events(digest), nil
}

// isProtobufRequest mirrors the teacher's content-type sniff, retained
// because every envelope on this surface is protobuf-only.
func isProtobufRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "application/x-protobuf" || ct == "application/protobuf"
}

// ServeHTTP implements http.Handler, dispatching on the decoded
// envelope's kind rather than on URL path (spec §6: "single connection-
// oriented byte stream; two request verbs").
func (s *PeerServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !isProtobufRequest(r) {
		http.Error(w, "expected application/x-protobuf", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	env, err := decodeEnvelope(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
		return
	}

	var respPayload []byte
	switch env.Kind {
	case envelopeSubmitEvents:
		targetPrefix, err := ParsePrefix(env.Target)
		if err != nil {
			http.Error(w, fmt.Sprintf("parse target prefix: %v", err), http.StatusBadRequest)
			return
		}
		events, err := DecodeSignedEventStream(bytes.NewReader(env.Payload))
		if err != nil {
			http.Error(w, fmt.Sprintf("decode event stream: %v", err), http.StatusBadRequest)
			return
		}
		result, err := s.handleSubmitEvents(targetPrefix, events)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var buf bytes.Buffer
		for _, se := range result {
			raw, err := EncodeSignedEvent(se)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			buf.Write(raw)
		}
		respPayload = buf.Bytes()

	case envelopeQueryTel:
		telEvents, err := s.handleQueryTel(env.Payload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		respPayload, err = EncodeTelEvents(telEvents)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

	default:
		http.Error(w, fmt.Sprintf("unknown envelope kind %q", env.Kind), http.StatusBadRequest)
		return
	}

	respEnvelope, err := encodeEnvelope(env.Kind, env.Target, respPayload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respEnvelope)
}

func (s *PeerServer) tlsConfigWithDefaults() *tls.Config {
	if s.tlsConfig == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg := s.tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// ListenAndServeTLS starts the peer-protocol HTTPS listener at addr.
func (s *PeerServer) ListenAndServeTLS(addr, certFile, keyFile string) error {
	server := &http.Server{
		Addr:      addr,
		Handler:   s,
		TLSConfig: s.tlsConfigWithDefaults(),
	}
	return server.ListenAndServeTLS(certFile, keyFile)
}
