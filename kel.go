package keri

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// pendingEvent is a signed event that arrived out of order: its sn is ahead
// of the identifier's current tail. It is held until the intervening events
// arrive, or expires after pendingTTL (spec §4.3 "Tie-breaks & edge cases").
type pendingEvent struct {
	se       SignedEvent
	received time.Time
}

const pendingTTL = 30 * time.Second

// KELProcessor accepts, chains, and folds signed events for every identifier
// it is told about. Per spec §5 ("shared-nothing per-identifier"), each
// identifier's writes are serialized by its own entry in locks; readers of
// StateAt/StateAtSeal may run concurrently with writers of other identifiers.
type KELProcessor struct {
	store EventStore
	log   *log.Logger

	mu      sync.Mutex // guards locks and pending
	locks   map[string]*sync.Mutex
	pending map[string]map[uint64]pendingEvent

	cache *lru.Cache[string, IdentifierState]
}

// NewKELProcessor builds a processor over store, with an LRU-bounded,
// rebuildable state cache (spec §5: "no durability obligation attaches
// to it"). logger may be nil, in which case a no-op discard logger is used.
func NewKELProcessor(store EventStore, logger *log.Logger, cacheSize int) (*KELProcessor, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, IdentifierState](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}
	if logger == nil {
		logger = log.New(logDiscard{}, "", 0)
	}
	return &KELProcessor{
		store:   store,
		log:     logger,
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[string]map[uint64]pendingEvent),
		cache:   cache,
	}, nil
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

func (k *KELProcessor) lockFor(prefix string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[prefix]
	if !ok {
		l = &sync.Mutex{}
		k.locks[prefix] = l
	}
	return l
}

func cacheKey(prefix Prefix, sn uint64) string {
	return fmt.Sprintf("%s@%d", prefix.String(), sn)
}

// Accept runs the 7-step acceptance algorithm of spec §4.3 against se and,
// on success, stores it and drops any cached state at its sn, so the next
// StateAt refolds the identifier state from the store.
func (k *KELProcessor) Accept(se SignedEvent) error {
	lock := k.lockFor(se.Event.Prefix.String())
	lock.Lock()
	defer lock.Unlock()
	return k.acceptLocked(se)
}

// acceptLocked is Accept's body; the caller holds se's per-prefix lock.
func (k *KELProcessor) acceptLocked(se SignedEvent) error {
	prefixKey := se.Event.Prefix.String()
	lastSn, known, err := k.store.LastSn(se.Event.Prefix)
	if err != nil {
		return fmt.Errorf("load last sn: %w", ErrStorageError)
	}

	// Step 2: unknown prefix must start with inception.
	if !known {
		if se.Event.Type != EventInception {
			return ErrUnexpectedInception
		}
		return k.acceptInception(se)
	}

	if se.Event.Type == EventInception {
		return k.acceptDuplicateInception(se)
	}

	if se.Event.Type == EventReceipt {
		return k.acceptReceipt(se)
	}

	// Out-of-order: sn must be exactly lastSn+1 for establishment/interaction.
	if se.Event.Sn > lastSn+1 {
		k.bufferPending(prefixKey, se)
		return ErrOutOfOrder
	}
	if se.Event.Sn <= lastSn {
		// Already-seen sn: let the store's idempotent-or-fork check decide.
		return k.finalizeAppend(se)
	}

	switch se.Event.Type {
	case EventRotation:
		if err := k.acceptRotation(se, lastSn); err != nil {
			return err
		}
	case EventInteraction:
		if err := k.acceptInteraction(se, lastSn); err != nil {
			return err
		}
	default:
		return ErrMalformedEvent
	}

	if err := k.finalizeAppend(se); err != nil {
		return err
	}
	k.drainPending(prefixKey)
	return nil
}

func (k *KELProcessor) bufferPending(prefixKey string, se SignedEvent) {
	k.mu.Lock()
	defer k.mu.Unlock()
	byPrefix, ok := k.pending[prefixKey]
	if !ok {
		byPrefix = make(map[uint64]pendingEvent)
		k.pending[prefixKey] = byPrefix
	}
	byPrefix[se.Event.Sn] = pendingEvent{se: se, received: time.Now()}
}

// drainPending re-attempts any buffered events now that the tail has
// advanced, and expires anything older than pendingTTL.
func (k *KELProcessor) drainPending(prefixKey string) {
	for {
		k.mu.Lock()
		byPrefix := k.pending[prefixKey]
		if len(byPrefix) == 0 {
			k.mu.Unlock()
			return
		}
		k.mu.Unlock()

		lastSn, known, err := k.storeLastSnForPrefixKey(prefixKey)
		if err != nil || !known {
			return
		}

		k.mu.Lock()
		next, ok := byPrefix[lastSn+1]
		now := time.Now()
		for sn, pe := range byPrefix {
			if now.Sub(pe.received) > pendingTTL {
				delete(byPrefix, sn)
				k.log.Printf("pending sn=%d: %v", sn, ErrUnreachableContinuation)
			}
		}
		k.mu.Unlock()
		if !ok {
			return
		}

		k.mu.Lock()
		delete(byPrefix, next.se.Event.Sn)
		k.mu.Unlock()

		if err := k.acceptLocked(next.se); err != nil {
			k.log.Printf("drain pending sn=%d: %v", next.se.Event.Sn, err)
			return
		}
	}
}

// storeLastSnForPrefixKey re-derives the Prefix from its string form to
// query the store; used only by drainPending, which only has the string key.
func (k *KELProcessor) storeLastSnForPrefixKey(prefixKey string) (uint64, bool, error) {
	p, err := ParsePrefix(prefixKey)
	if err != nil {
		return 0, false, err
	}
	return k.store.LastSn(p)
}

func (k *KELProcessor) acceptInception(se SignedEvent) error {
	e := se.Event
	if len(e.CurrentKeys) == 0 {
		return fmt.Errorf("inception with no keys: %w", ErrMalformedEvent)
	}

	switch e.Prefix.Code {
	case CodeBasic:
		if len(e.CurrentKeys) != 1 || !e.Prefix.Equal(e.CurrentKeys[0]) {
			return fmt.Errorf("basic prefix key mismatch: %w", ErrMalformedEvent)
		}
	case CodeSelfAddressing:
		zeroed := e
		zeroed.Prefix = Prefix{}
		raw, err := zeroed.MarshalCanonical()
		if err != nil {
			return err
		}
		want := NewSelfAddressingPrefix(raw)
		if !want.Equal(e.Prefix) {
			return fmt.Errorf("self-addressing prefix mismatch: %w", ErrMalformedEvent)
		}
	default:
		return ErrUnknownDerivation
	}

	if err := verifyThreshold(e, se.Signatures, e.CurrentKeys, e.Threshold); err != nil {
		return err
	}
	return k.finalizeAppend(se)
}

func (k *KELProcessor) acceptDuplicateInception(se SignedEvent) error {
	existing, err := k.store.Slice(se.Event.Prefix, 0)
	if err != nil {
		return fmt.Errorf("load existing inception: %w", ErrStorageError)
	}
	if len(existing) == 0 {
		return ErrUnexpectedInception
	}
	existingDigest, err := existing[0].Event.ComputeDigest()
	if err != nil {
		return err
	}
	newDigest, err := se.Event.ComputeDigest()
	if err != nil {
		return err
	}
	if existingDigest.Equal(newDigest) {
		return ErrDuplicateInception
	}
	return ErrForkDetected
}

func (k *KELProcessor) acceptRotation(se SignedEvent, lastSn uint64) error {
	e := se.Event
	priorState, err := k.StateAt(e.Prefix, lastSn)
	if err != nil {
		return err
	}
	digestOfDeclaredKeys, err := CommitToKeys(e.CurrentKeys)
	if err != nil {
		return err
	}
	if !digestOfDeclaredKeys.Equal(priorState.NextKeysCommitment) {
		return ErrPrerotationMismatch
	}

	priorEvents, err := k.store.Slice(e.Prefix, lastSn)
	if err != nil {
		return fmt.Errorf("load prior event: %w", ErrStorageError)
	}
	if len(priorEvents) == 0 {
		return ErrPreviousDigestMismatch
	}
	priorDigest, err := priorEvents[0].Event.ComputeDigest()
	if err != nil {
		return err
	}
	if !priorDigest.Equal(e.PriorDigest) {
		return ErrPreviousDigestMismatch
	}

	return verifyThreshold(e, se.Signatures, e.CurrentKeys, priorState.Threshold)
}

func (k *KELProcessor) acceptInteraction(se SignedEvent, lastSn uint64) error {
	e := se.Event
	currentState, err := k.StateAt(e.Prefix, lastSn)
	if err != nil {
		return err
	}

	priorEvents, err := k.store.Slice(e.Prefix, lastSn)
	if err != nil {
		return fmt.Errorf("load prior event: %w", ErrStorageError)
	}
	if len(priorEvents) == 0 {
		return ErrPreviousDigestMismatch
	}
	priorDigest, err := priorEvents[0].Event.ComputeDigest()
	if err != nil {
		return err
	}
	if !priorDigest.Equal(e.PriorDigest) {
		return ErrPreviousDigestMismatch
	}

	return verifyThreshold(e, se.Signatures, currentState.CurrentKeys, currentState.Threshold)
}

func (k *KELProcessor) acceptReceipt(se SignedEvent) error {
	e := se.Event
	sealState, err := k.StateAtSeal(e.ValidatorSeal)
	if err != nil {
		return err
	}
	if err := verifyThreshold(e, se.Signatures, sealState.CurrentKeys, sealState.Threshold); err != nil {
		return err
	}
	// e.Prefix/e.Sn identify the receipted event directly; ValidatorSeal only
	// locates the validator's own historical key state used to sign this vrc.
	return k.store.AppendReceipt(e.Prefix, e.Sn, se)
}

func (k *KELProcessor) finalizeAppend(se SignedEvent) error {
	if err := k.store.Append(se); err != nil {
		return err
	}
	k.cache.Remove(cacheKey(se.Event.Prefix, se.Event.Sn))
	return nil
}

// StateAt folds events [0..sn] for prefix and returns the resulting state.
func (k *KELProcessor) StateAt(prefix Prefix, sn uint64) (IdentifierState, error) {
	key := cacheKey(prefix, sn)
	if st, ok := k.cache.Get(key); ok {
		return st, nil
	}

	events, err := k.store.Slice(prefix, 0)
	if err != nil {
		return IdentifierState{}, fmt.Errorf("load events: %w", ErrStorageError)
	}
	var state IdentifierState
	found := false
	for _, se := range events {
		if se.Event.Sn > sn {
			break
		}
		if se.Event.Type == EventReceipt {
			continue
		}
		state, err = foldEvent(state, se)
		if err != nil {
			return IdentifierState{}, err
		}
		found = true
	}
	if !found {
		return IdentifierState{}, ErrUnknownIdentifier
	}
	k.cache.Add(key, state)
	return state, nil
}

// StateAtTail returns the identifier's state as of its most recently
// accepted event.
func (k *KELProcessor) StateAtTail(prefix Prefix) (IdentifierState, error) {
	lastSn, known, err := k.store.LastSn(prefix)
	if err != nil {
		return IdentifierState{}, fmt.Errorf("load last sn: %w", ErrStorageError)
	}
	if !known {
		return IdentifierState{}, ErrUnknownIdentifier
	}
	return k.StateAt(prefix, lastSn)
}

// StateAtSeal computes state_at(seal.prefix, seal.sn) and additionally
// verifies that the last event's digest equals seal.event_digest, per
// spec §4.3 — never pretending a mismatch is a match.
func (k *KELProcessor) StateAtSeal(seal EventSeal) (IdentifierState, error) {
	state, err := k.StateAt(seal.Prefix, seal.Sn)
	if err != nil {
		return IdentifierState{}, err
	}
	if !state.LastEventDigest.Equal(seal.EventDigest) {
		return IdentifierState{}, ErrSealDoesNotMatch
	}
	return state, nil
}

// verifyThreshold checks that at least threshold of sigs validate against
// keys, matching each AttachedSignature.KeyIndex to keys[KeyIndex].
func verifyThreshold(e Event, sigs []AttachedSignature, keys []Prefix, threshold int) error {
	if threshold <= 0 {
		threshold = 1
	}
	body, err := e.MarshalCanonical()
	if err != nil {
		return err
	}
	valid := 0
	seen := make(map[uint16]bool)
	for _, sig := range sigs {
		if seen[sig.KeyIndex] {
			continue
		}
		if int(sig.KeyIndex) >= len(keys) {
			continue
		}
		if sig.Code != CodeEd25519Sha512 {
			continue
		}
		key := keys[sig.KeyIndex]
		if key.Code != CodeBasic {
			continue
		}
		if ed25519.Verify(key.PublicKey(), body, sig.Sig) {
			valid++
			seen[sig.KeyIndex] = true
		}
	}
	if valid < threshold {
		if valid == 0 {
			return ErrInvalidSignature
		}
		return ErrThresholdNotMet
	}
	return nil
}

// verifySingleSig checks one attached signature over body against the key
// it claims to come from, used where the signed payload isn't itself an
// Event (e.g. a TelEvent).
func verifySingleSig(body []byte, sig AttachedSignature, keys []Prefix) error {
	if sig.Code != CodeEd25519Sha512 {
		return ErrUnknownDerivation
	}
	if int(sig.KeyIndex) >= len(keys) {
		return ErrInvalidSignature
	}
	key := keys[sig.KeyIndex]
	if key.Code != CodeBasic {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(key.PublicKey(), body, sig.Sig) {
		return ErrInvalidSignature
	}
	return nil
}
