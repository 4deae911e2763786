package reliability

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

// lastSingletonKey is the literal key every singleton table uses; the
// tables are singletons, so the key is always the literal 0.
var lastSingletonKey = []byte{0, 0, 0, 0}

var (
	bucketUnit  = []byte("unit")
	bucketFrame = []byte("frame")
)

// Last wraps the "last.mdb" singleton tables: the name of the unit whose
// transition is currently in progress, and the ordered stack of critical
// sections nested inside that transition.
type Last struct {
	db     *bbolt.DB
	ignore bool
}

// OpenLast opens (creating if absent) the last.mdb store at path.
func OpenLast(path string) (*Last, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("reliability: open last store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUnit); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketFrame)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reliability: init last store buckets: %w", err)
	}
	return &Last{db: db}, nil
}

func (l *Last) Close() error { return l.db.Close() }

// IgnoreSet toggles journaling off during replay compensation, so the
// compensating actions do not journal themselves and recurse.
func (l *Last) IgnoreSet(ignore bool) { l.ignore = ignore }

// SetUnit records the unit currently being transitioned, by canonical name
// (ids are re-interned per process and would not survive a re-exec).
func (l *Last) SetUnit(name string) error {
	if l.ignore {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUnit).Put(lastSingletonKey, []byte(name))
	})
}

// ClearUnit removes the in-flight unit marker on normal completion.
func (l *Last) ClearUnit() error {
	if l.ignore {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUnit).Delete(lastSingletonKey)
	})
}

// Unit returns the in-flight unit name, and whether one is recorded.
func (l *Last) Unit() (string, bool, error) {
	var name string
	var ok bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketUnit).Get(lastSingletonKey)
		if v == nil {
			return nil
		}
		name = string(v)
		ok = true
		return nil
	})
	return name, ok, err
}

// PushFrame appends a frame to the nested critical-section stack. The
// caller is responsible for calling PopFrame on normal exit; a frame still
// present at startup denotes interrupted work.
func (l *Last) PushFrame(f Frame) error {
	if l.ignore {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		frames, err := l.readFramesTx(tx)
		if err != nil {
			return err
		}
		frames = append(frames, f)
		return l.writeFramesTx(tx, frames)
	})
}

// PopFrame removes the most recently pushed frame.
func (l *Last) PopFrame() error {
	if l.ignore {
		return nil
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		frames, err := l.readFramesTx(tx)
		if err != nil {
			return err
		}
		if len(frames) == 0 {
			return nil
		}
		frames = frames[:len(frames)-1]
		return l.writeFramesTx(tx, frames)
	})
}

// Frames returns the current frame stack, outermost first.
func (l *Last) Frames() ([]Frame, error) {
	var frames []Frame
	err := l.db.View(func(tx *bbolt.Tx) error {
		var err error
		frames, err = l.readFramesTx(tx)
		return err
	})
	return frames, err
}

const frameRecordSize = 12 // three uint32s: F1, F2, F3

func (l *Last) readFramesTx(tx *bbolt.Tx) ([]Frame, error) {
	v := tx.Bucket(bucketFrame).Get(lastSingletonKey)
	if len(v)%frameRecordSize != 0 {
		return nil, fmt.Errorf("reliability: corrupt frame record (%d bytes)", len(v))
	}
	n := len(v) / frameRecordSize
	frames := make([]Frame, n)
	for i := 0; i < n; i++ {
		off := i * frameRecordSize
		frames[i] = Frame{
			F1: FrameCode(binary.BigEndian.Uint32(v[off:])),
			F2: FrameCode(binary.BigEndian.Uint32(v[off+4:])),
			F3: FrameCode(binary.BigEndian.Uint32(v[off+8:])),
		}
	}
	return frames, nil
}

func (l *Last) writeFramesTx(tx *bbolt.Tx, frames []Frame) error {
	buf := make([]byte, len(frames)*frameRecordSize)
	for i, f := range frames {
		off := i * frameRecordSize
		binary.BigEndian.PutUint32(buf[off:], uint32(f.F1))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(f.F2))
		binary.BigEndian.PutUint32(buf[off+8:], uint32(f.F3))
	}
	if len(buf) == 0 {
		return tx.Bucket(bucketFrame).Delete(lastSingletonKey)
	}
	return tx.Bucket(bucketFrame).Put(lastSingletonKey, buf)
}

// DataClear wipes both singleton tables, used once replay compensation
// for every outstanding frame has completed.
func (l *Last) DataClear() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketUnit).Delete(lastSingletonKey); err != nil {
			return err
		}
		return tx.Bucket(bucketFrame).Delete(lastSingletonKey)
	})
}
