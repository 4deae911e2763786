package reliability

import (
	"fmt"
	"os"
	"path/filepath"

	"unitd/internal/errs"
)

// Store is the reliability journal: the last.mdb and pending.mdb tables
// under a single state directory.
type Store struct {
	Last    *Last
	Pending *Pending
}

// Open creates stateDir if needed and opens both tables inside it.
func Open(stateDir string) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, &errs.ReliabilityError{Reason: errs.ReliabilityStoreCorrupt, Err: fmt.Errorf("create state dir %s: %w", stateDir, err)}
	}

	last, err := OpenLast(filepath.Join(stateDir, "last.mdb"))
	if err != nil {
		return nil, &errs.ReliabilityError{Reason: errs.ReliabilityStoreCorrupt, Err: err}
	}

	pending, err := OpenPending(filepath.Join(stateDir, "pending.mdb"))
	if err != nil {
		last.Close()
		return nil, &errs.ReliabilityError{Reason: errs.ReliabilityStoreCorrupt, Err: err}
	}

	return &Store{Last: last, Pending: pending}, nil
}

func (s *Store) Close() error {
	err1 := s.Last.Close()
	err2 := s.Pending.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// HasPendingWork reports whether the "last" tables recorded an in-flight
// transition, meaning a replay is needed on this startup.
func (s *Store) HasPendingWork() (bool, error) {
	_, unitSet, err := s.Last.Unit()
	if err != nil {
		return false, err
	}
	if unitSet {
		return true, nil
	}
	frames, err := s.Last.Frames()
	if err != nil {
		return false, err
	}
	return len(frames) > 0, nil
}
