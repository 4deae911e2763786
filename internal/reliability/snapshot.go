package reliability

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketSnapshot = []byte("snapshot")

// UnitSnapshot is one unit's serialized supervisory state, written by the
// re-exec coordinator before execve and read back by the new process.
type UnitSnapshot struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ActiveState string `json:"activeState"`
	SubState    string `json:"subState"`
	NRestarts   int    `json:"nRestarts"`
	FDs         []int  `json:"fds,omitempty"`
	Pids        []int  `json:"pids,omitempty"`
}

// SaveSnapshot replaces the serialized unit graph with units, keyed by
// canonical name.
func (l *Last) SaveSnapshot(units []UnitSnapshot) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketSnapshot); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketSnapshot)
		if err != nil {
			return err
		}
		for _, u := range units {
			body, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(u.Name), body); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadSnapshot reads every serialized unit, or nil if no snapshot exists.
func (l *Last) LoadSnapshot() ([]UnitSnapshot, error) {
	var out []UnitSnapshot
	err := l.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSnapshot)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var u UnitSnapshot
			if err := json.Unmarshal(v, &u); err != nil {
				return fmt.Errorf("reliability: corrupt snapshot for %s: %w", k, err)
			}
			out = append(out, u)
			return nil
		})
	})
	return out, err
}

// ClearSnapshot drops the serialized unit graph after a completed restore.
func (l *Last) ClearSnapshot() error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketSnapshot); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}
