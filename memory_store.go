package keri

import (
	"fmt"
	"sort"
	"sync"
)

// memoryStore is an in-process, map-backed EventStore. It is the default
// backend for tests and for an Identifier that hasn't been wired to
// durable storage (spec §5: the store is the only persistent shared
// resource; everything else is rebuildable).
type memoryStore struct {
	mu       sync.RWMutex
	events   map[string]map[uint64]SignedEvent
	receipts map[string]map[uint64][]SignedEvent
}

// NewMemoryStore creates an empty in-memory EventStore.
func NewMemoryStore() EventStore {
	return &memoryStore{
		events:   make(map[string]map[uint64]SignedEvent),
		receipts: make(map[string]map[uint64][]SignedEvent),
	}
}

func (s *memoryStore) Append(se SignedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := se.Event.Prefix.String()
	byPrefix, ok := s.events[key]
	if !ok {
		byPrefix = make(map[uint64]SignedEvent)
		s.events[key] = byPrefix
	}

	existing, ok := byPrefix[se.Event.Sn]
	if !ok {
		byPrefix[se.Event.Sn] = se
		return nil
	}

	existingDigest, err := existing.Event.ComputeDigest()
	if err != nil {
		return fmt.Errorf("digest existing event: %w", err)
	}
	newDigest, err := se.Event.ComputeDigest()
	if err != nil {
		return fmt.Errorf("digest new event: %w", err)
	}
	if existingDigest.Equal(newDigest) {
		return nil // idempotent re-append
	}
	return ErrForkDetected
}

func (s *memoryStore) Slice(prefix Prefix, fromSn uint64) ([]SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPrefix, ok := s.events[prefix.String()]
	if !ok {
		return nil, nil
	}
	sns := make([]uint64, 0, len(byPrefix))
	for sn := range byPrefix {
		if sn >= fromSn {
			sns = append(sns, sn)
		}
	}
	sort.Slice(sns, func(i, j int) bool { return sns[i] < sns[j] })

	out := make([]SignedEvent, 0, len(sns))
	for _, sn := range sns {
		out = append(out, byPrefix[sn])
	}
	return out, nil
}

func (s *memoryStore) LastSn(prefix Prefix) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPrefix, ok := s.events[prefix.String()]
	if !ok || len(byPrefix) == 0 {
		return 0, false, nil
	}
	var last uint64
	first := true
	for sn := range byPrefix {
		if first || sn > last {
			last = sn
			first = false
		}
	}
	return last, true, nil
}

func (s *memoryStore) AppendReceipt(prefix Prefix, sn uint64, receipt SignedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := prefix.String()
	byPrefix, ok := s.receipts[key]
	if !ok {
		byPrefix = make(map[uint64][]SignedEvent)
		s.receipts[key] = byPrefix
	}

	receiptDigest, err := receipt.Event.ComputeDigest()
	if err != nil {
		return fmt.Errorf("digest receipt: %w", err)
	}
	for _, existing := range byPrefix[sn] {
		existingDigest, err := existing.Event.ComputeDigest()
		if err != nil {
			return fmt.Errorf("digest existing receipt: %w", err)
		}
		if existingDigest.Equal(receiptDigest) {
			return nil // idempotent
		}
	}
	byPrefix[sn] = append(byPrefix[sn], receipt)
	return nil
}

func (s *memoryStore) Receipts(prefix Prefix, sn uint64) ([]SignedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPrefix, ok := s.receipts[prefix.String()]
	if !ok {
		return nil, nil
	}
	return append([]SignedEvent(nil), byPrefix[sn]...), nil
}
