package keri

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// EventStore persists signed events keyed by (prefix, sn) and the receipts
// attached to them. Implementations MUST be idempotent on byte-identical
// re-append and MUST surface conflicting duplicates as ErrForkDetected
// without storing the conflicting event (spec §4.2).
type EventStore interface {
	// Append stores se as the event at (se.Event.Prefix, se.Event.Sn).
	// A byte-identical re-append is a silent no-op. A conflicting duplicate
	// (same sn, different digest) returns ErrForkDetected and is not stored.
	Append(se SignedEvent) error

	// Slice returns the events for prefix with sn >= fromSn, in ascending
	// sn order.
	Slice(prefix Prefix, fromSn uint64) ([]SignedEvent, error)

	// LastSn returns the highest sn stored for prefix, and whether any
	// event at all is stored for it.
	LastSn(prefix Prefix) (uint64, bool, error)

	// AppendReceipt attaches a validator receipt to the event it receipts.
	// Duplicate receipts (byte-identical) are idempotent.
	AppendReceipt(prefix Prefix, sn uint64, receipt SignedEvent) error

	// Receipts returns the receipts attached to the event at (prefix, sn).
	Receipts(prefix Prefix, sn uint64) ([]SignedEvent, error)
}

// StoreStats summarizes an EventStore's footprint for operator diagnostics.
type StoreStats struct {
	Identifiers int
	Events      int
	Receipts    int
	Bytes       int64
}

// String renders stats in the operator-facing form: identifier, event and
// receipt counts with thousands separators, footprint as a human-readable size.
func (s StoreStats) String() string {
	return fmt.Sprintf("%s identifiers, %s events, %s receipts, %s",
		humanize.Comma(int64(s.Identifiers)),
		humanize.Comma(int64(s.Events)),
		humanize.Comma(int64(s.Receipts)),
		humanize.Bytes(uint64(s.Bytes)))
}
