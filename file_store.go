package keri

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
)

// dirStore implements EventStore using one directory per identifier,
// holding an append-only events.dat file (the raw concatenated stream form
// C1 already knows how to parse with no extra framing) and a receipts/
// subdirectory with one file per receipted sn (spec §6 "Persistent state":
// "each identifier owns a directory holding the KEL ... and a sidecar
// holding attached receipts").
type dirStore struct {
	root string
	mu   sync.Mutex // serializes directory creation; per-file locking is flock
}

const (
	eventsFileName  = "events.dat"
	receiptsDirName = "receipts"
)

// OpenDirStore opens or creates a directory-backed EventStore rooted at root.
func OpenDirStore(root string) (EventStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &dirStore{root: root}, nil
}

func (s *dirStore) identifierDir(prefix Prefix) (string, error) {
	dir := filepath.Join(s.root, prefix.String())
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create identifier dir: %w", err)
	}
	return dir, nil
}

func (s *dirStore) Append(se SignedEvent) error {
	dir, err := s.identifierDir(se.Event.Prefix)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, eventsFileName)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open events file: %w", ErrStorageError)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock events file: %w", ErrStorageError)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	existing, err := readEventStream(f)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Event.Sn != se.Event.Sn {
			continue
		}
		existingDigest, err := e.Event.ComputeDigest()
		if err != nil {
			return err
		}
		newDigest, err := se.Event.ComputeDigest()
		if err != nil {
			return err
		}
		if existingDigest.Equal(newDigest) {
			return nil // idempotent re-append
		}
		return ErrForkDetected
	}

	raw, err := EncodeSignedEvent(se)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return fmt.Errorf("seek events file: %w", ErrStorageError)
	}
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write event: %w", ErrStorageError)
	}
	return f.Sync()
}

func (s *dirStore) Slice(prefix Prefix, fromSn uint64) ([]SignedEvent, error) {
	dir := filepath.Join(s.root, prefix.String())
	f, err := os.Open(filepath.Join(dir, eventsFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", ErrStorageError)
	}
	defer f.Close()

	events, err := readEventStream(f)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Event.Sn < events[j].Event.Sn })

	var out []SignedEvent
	for _, e := range events {
		if e.Event.Sn >= fromSn {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *dirStore) LastSn(prefix Prefix) (uint64, bool, error) {
	events, err := s.Slice(prefix, 0)
	if err != nil || len(events) == 0 {
		return 0, false, err
	}
	return events[len(events)-1].Event.Sn, true, nil
}

func (s *dirStore) receiptsPath(prefix Prefix, sn uint64) (string, error) {
	dir, err := s.identifierDir(prefix)
	if err != nil {
		return "", err
	}
	receiptsDir := filepath.Join(dir, receiptsDirName)
	if err := os.MkdirAll(receiptsDir, 0700); err != nil {
		return "", fmt.Errorf("create receipts dir: %w", ErrStorageError)
	}
	return filepath.Join(receiptsDir, fmt.Sprintf("%d.dat", sn)), nil
}

func (s *dirStore) AppendReceipt(prefix Prefix, sn uint64, receipt SignedEvent) error {
	path, err := s.receiptsPath(prefix, sn)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("open receipts file: %w", ErrStorageError)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock receipts file: %w", ErrStorageError)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	existing, err := readEventStream(f)
	if err != nil {
		return err
	}
	newDigest, err := receipt.Event.ComputeDigest()
	if err != nil {
		return err
	}
	for _, e := range existing {
		d, err := e.Event.ComputeDigest()
		if err != nil {
			return err
		}
		if d.Equal(newDigest) {
			return nil // idempotent
		}
	}

	raw, err := EncodeSignedEvent(receipt)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, 2); err != nil {
		return fmt.Errorf("seek receipts file: %w", ErrStorageError)
	}
	if _, err := f.Write(raw); err != nil {
		return fmt.Errorf("write receipt: %w", ErrStorageError)
	}
	return f.Sync()
}

func (s *dirStore) Receipts(prefix Prefix, sn uint64) ([]SignedEvent, error) {
	dir := filepath.Join(s.root, prefix.String())
	path := filepath.Join(dir, receiptsDirName, fmt.Sprintf("%d.dat", sn))
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open receipts file: %w", ErrStorageError)
	}
	defer f.Close()
	return readEventStream(f)
}

// readEventStream reads the full remaining contents of f and decodes them
// as a concatenated signed-event stream, rewinding f first.
func readEventStream(f *os.File) ([]SignedEvent, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek events file: %w", ErrStorageError)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("read events file: %w", ErrStorageError)
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return DecodeSignedEventStream(&buf)
}
