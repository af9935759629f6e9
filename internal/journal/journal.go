// Package journal provides a durable, crash-safe record of every
// execution/order event the Trade Engine has already applied, keyed by
// order-link id and topic. A reconnecting WS consumer (or the exchange
// re-delivering an event) must not cause the engine to double-apply a
// fill; the journal is consulted before a reactive handler runs and
// updated after it commits. This is an idempotency aid, not a reporting
// surface: it never feeds any retention/analytics output.
package journal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const appliedBucket = "applied_events"

// Journal wraps a BoltDB file holding one bucket of applied-event keys.
type Journal struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the journal database under dataPath.
func Open(dataPath string) (*Journal, error) {
	dbPath := filepath.Join(dataPath, "journal.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(appliedBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create applied-events bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func eventKey(topic, orderLinkID string) []byte {
	return []byte(topic + "|" + orderLinkID)
}

// Seen reports whether an event for (topic, orderLinkID) has already
// been applied.
func (j *Journal) Seen(topic, orderLinkID string) (bool, error) {
	var seen bool
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(appliedBucket))
		seen = b.Get(eventKey(topic, orderLinkID)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read applied-event: %w", err)
	}
	return seen, nil
}

// MarkApplied records that (topic, orderLinkID) has been applied at at.
func (j *Journal) MarkApplied(topic, orderLinkID string, at time.Time) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(at.UnixNano()))

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(appliedBucket))
		return b.Put(eventKey(topic, orderLinkID), buf)
	})
}

// Prune removes applied-event records older than olderThan, bounding the
// journal's growth over a long-lived process.
func (j *Journal) Prune(olderThan time.Time) error {
	cutoff := uint64(olderThan.UnixNano())

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(appliedBucket))
		c := b.Cursor()

		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) != 8 {
				continue
			}
			if binary.BigEndian.Uint64(v) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
