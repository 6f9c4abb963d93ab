// Package local implements storage.Store on a single bbolt file.
//
// bbolt suits dayslot's state: records are small JSON documents written a
// handful of times per pass, every write is an ACID transaction, and the
// whole state lives in one file (dayslot.db) under the node's data directory.
//
// Layout:
//
//	passes  — pass ULID   → PassRecord   (key order = chronological order)
//	outbox  — message ID  → OutboxEntry
//	dead    — message ID  → DeadLetter
//	holds   — message ID  → Hold
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/dayslot/internal/storage"
	"github.com/snehjoshi/dayslot/internal/types"
)

// FileName is the bbolt file created inside the data directory.
const FileName = "dayslot.db"

var (
	bucketPasses = []byte("passes")
	bucketOutbox = []byte("outbox")
	bucketDead   = []byte("dead")
	bucketHolds  = []byte("holds")
)

// Store is the bbolt-backed storage.Store.
type Store struct {
	db        *bbolt.DB
	closeOnce sync.Once
	closeErr  error
}

// Ensure Store satisfies the interface at compile time.
var _ storage.Store = (*Store)(nil)

// Open opens (or creates) dir/dayslot.db and ensures every bucket exists.
// It fails fast if another process holds the file lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, FileName)
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("local: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketPasses, bucketOutbox, bucketDead, bucketHolds} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("local: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// ─── passes ──────────────────────────────────────────────────────────────────

// SavePass implements storage.Store.
func (s *Store) SavePass(rec *storage.PassRecord) error {
	if rec.ID == "" {
		return errors.New("local: pass record has no id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("local: marshal pass %s: %w", rec.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPasses).Put([]byte(rec.ID), val)
	})
}

// GetPass implements storage.Store.
func (s *Store) GetPass(id string) (*storage.PassRecord, error) {
	var rec storage.PassRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPasses).Get([]byte(id))
		if val == nil {
			return storage.ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListPasses implements storage.Store. ULID keys sort chronologically, so a
// reverse cursor walk yields newest first.
func (s *Store) ListPasses(limit int) ([]*storage.PassRecord, error) {
	var out []*storage.PassRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPasses).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			rec := new(storage.PassRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("local: decode pass %s: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ─── outbox ──────────────────────────────────────────────────────────────────

// PutOutbox implements storage.Store.
func (s *Store) PutOutbox(passID string, updates []types.ScheduledUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		for _, u := range updates {
			val, err := json.Marshal(storage.OutboxEntry{PassID: passID, Update: u})
			if err != nil {
				return fmt.Errorf("local: marshal outbox %s: %w", u.MessageID, err)
			}
			if err := b.Put([]byte(u.MessageID), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// Outbox implements storage.Store.
func (s *Store) Outbox() ([]storage.OutboxEntry, error) {
	var out []storage.OutboxEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var e storage.OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("local: decode outbox %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// ClearOutbox implements storage.Store.
func (s *Store) ClearOutbox(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		for _, id := range messageIDs {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ─── dead letters ────────────────────────────────────────────────────────────

// DeadLetter implements storage.Store.
func (s *Store) DeadLetter(messageIDs []string, reason string, at int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		outbox, dead := tx.Bucket(bucketOutbox), tx.Bucket(bucketDead)
		for _, id := range messageIDs {
			val := outbox.Get([]byte(id))
			if val == nil {
				continue
			}
			var e storage.OutboxEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("local: decode outbox %s: %w", id, err)
			}
			dl, err := json.Marshal(storage.DeadLetter{PassID: e.PassID, Update: e.Update, Reason: reason, DeadAt: at})
			if err != nil {
				return err
			}
			if err := dead.Put([]byte(id), dl); err != nil {
				return err
			}
			if err := outbox.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeadLetters implements storage.Store.
func (s *Store) DeadLetters() ([]storage.DeadLetter, error) {
	var out []storage.DeadLetter
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDead).ForEach(func(k, v []byte) error {
			var d storage.DeadLetter
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("local: decode dead letter %s: %w", k, err)
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// ReplayDeadLetters implements storage.Store.
func (s *Store) ReplayDeadLetters(limit int) ([]storage.OutboxEntry, error) {
	var moved []storage.OutboxEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		outbox, dead := tx.Bucket(bucketOutbox), tx.Bucket(bucketDead)

		// Collect first: deleting while iterating a bbolt cursor skips keys.
		var keys [][]byte
		c := dead.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(moved) >= limit {
				break
			}
			var d storage.DeadLetter
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("local: decode dead letter %s: %w", k, err)
			}
			moved = append(moved, storage.OutboxEntry{PassID: d.PassID, Update: d.Update})
			keys = append(keys, append([]byte(nil), k...))
		}

		for i, e := range moved {
			val, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := outbox.Put(keys[i], val); err != nil {
				return err
			}
			if err := dead.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// ─── holds ───────────────────────────────────────────────────────────────────

// PutHold implements storage.Store.
func (s *Store) PutHold(messageID string, createdAt int64) error {
	if messageID == "" {
		return errors.New("local: hold needs a message id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHolds)
		if b.Get([]byte(messageID)) != nil {
			return nil
		}
		val, err := json.Marshal(storage.Hold{MessageID: messageID, CreatedAt: createdAt})
		if err != nil {
			return err
		}
		return b.Put([]byte(messageID), val)
	})
}

// DeleteHold implements storage.Store.
func (s *Store) DeleteHold(messageID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHolds)
		if b.Get([]byte(messageID)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(messageID))
	})
}

// Holds implements storage.Store.
func (s *Store) Holds() ([]storage.Hold, error) {
	var out []storage.Hold
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHolds).ForEach(func(k, v []byte) error {
			var h storage.Hold
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("local: decode hold %s: %w", k, err)
			}
			out = append(out, h)
			return nil
		})
	})
	return out, err
}

// Close closes the bbolt file. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}
