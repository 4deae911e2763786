package reliability

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
	"golang.org/x/sys/unix"
)

// PendingState is the close-on-exec dance state a retained fd moves
// through around re-exec.
type PendingState int

const (
	Retaining PendingState = iota
	Retained
	Removing
	Removed
)

func (s PendingState) String() string {
	switch s {
	case Retaining:
		return "Retaining"
	case Retained:
		return "Retained"
	case Removing:
		return "Removing"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

var bucketFD = []byte("fd")

// Pending wraps the "pending.mdb" fd table.
type Pending struct {
	db *bbolt.DB
}

// OpenPending opens (creating if absent) the pending.mdb store at path and
// performs crash-recovery consistency: any fd still marked Retaining or
// Removing when the store was last closed denotes a crash mid-transition;
// those fds are closed and dropped from the table since their CLOEXEC state
// cannot be trusted.
func OpenPending(path string) (*Pending, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("reliability: open pending store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFD)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reliability: init pending store bucket: %w", err)
	}
	p := &Pending{db: db}
	if err := p.makeConsistent(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pending) Close() error { return p.db.Close() }

func fdKey(fd int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(fd))
	return buf[:]
}

// makeConsistent closes every fd found in an in-doubt state (Retaining or
// Removing) from a previous run.
func (p *Pending) makeConsistent() error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFD)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) != 1 {
				return nil
			}
			state := PendingState(v[0])
			if state == Retaining || state == Removing {
				fd := int(binary.BigEndian.Uint32(k))
				_ = unix.Close(fd)
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// fdContains reports whether fd already has a recorded state, guarding
// against a double-retain.
func (p *Pending) fdContains(fd int) (bool, error) {
	var ok bool
	err := p.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketFD).Get(fdKey(fd)) != nil
		return nil
	})
	return ok, err
}

func (p *Pending) setState(fd int, state PendingState) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFD).Put(fdKey(fd), []byte{byte(state)})
	})
}

// Retain marks fd as being made inheritable across re-exec: clears
// CLOEXEC, recording Retaining before the syscall and Retained after. A
// no-op if fd is already tracked.
func (p *Pending) Retain(fd int) error {
	exists, err := p.fdContains(fd)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := p.setState(fd, Retaining); err != nil {
		return err
	}
	if err := fdSetCloexec(fd, false); err != nil {
		return fmt.Errorf("reliability: clear cloexec on fd %d: %w", fd, err)
	}
	return p.setState(fd, Retained)
}

// Remove reverses Retain: restores CLOEXEC and drops the fd from the
// table.
func (p *Pending) Remove(fd int) error {
	if err := p.setState(fd, Removing); err != nil {
		return err
	}
	if err := fdSetCloexec(fd, true); err != nil {
		return fmt.Errorf("reliability: set cloexec on fd %d: %w", fd, err)
	}
	return p.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFD).Delete(fdKey(fd))
	})
}

// Take returns every retained fd with its state, for the re-exec
// coordinator to walk during restore.
func (p *Pending) Take() (map[int]PendingState, error) {
	out := make(map[int]PendingState)
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFD).ForEach(func(k, v []byte) error {
			if len(v) != 1 {
				return nil
			}
			fd := int(binary.BigEndian.Uint32(k))
			out[fd] = PendingState(v[0])
			return nil
		})
	})
	return out, err
}

func fdSetCloexec(fd int, cloexec bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	if cloexec {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags)
	return err
}
