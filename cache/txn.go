package cache

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/liveq/encoding"
)

// Txn is the view a read-write transaction hands to its callback. Reads observe
// the transaction's own uncommitted writes.
type Txn interface {
	// Get returns a copy of the record, or ErrRecordNotFound
	Get(key string) (*Record, error)

	// Put replaces the record
	Put(rec *Record) error

	// Merge overlays rec's fields onto the stored record (creating it if needed)
	// and returns the merged result
	Merge(rec *Record) (*Record, error)

	// Delete removes the record
	Delete(key string) error

	// Version is the commit version stamped on every record written by this transaction
	Version() uint64
}

type txn struct {
	batch   *pebble.Batch
	version uint64

	// key -> record written by this txn, nil for deletes
	writes map[string]*Record
}

func newTxn(batch *pebble.Batch, version uint64) *txn {
	return &txn{
		batch:   batch,
		version: version,
		writes:  make(map[string]*Record),
	}
}

func (t *txn) Version() uint64 {
	return t.version
}

func (t *txn) Get(key string) (*Record, error) {
	if rec, ok := t.writes[key]; ok {
		if rec == nil {
			return nil, ErrRecordNotFound
		}
		return rec.Clone(), nil
	}

	val, closer, err := t.batch.Get(recordKey(key))
	if err == pebble.ErrNotFound {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec Record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (t *txn) Put(rec *Record) error {
	if rec == nil || rec.Key == "" {
		return ErrEmptyKey
	}

	stored := rec.Clone()
	stored.Version = t.version

	data, err := encoding.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	if err := t.batch.Set(recordKey(rec.Key), data, nil); err != nil {
		return err
	}

	t.writes[rec.Key] = stored
	return nil
}

func (t *txn) Merge(rec *Record) (*Record, error) {
	if rec == nil || rec.Key == "" {
		return nil, ErrEmptyKey
	}

	merged, err := t.Get(rec.Key)
	if err == ErrRecordNotFound {
		merged = NewRecord(rec.Key)
	} else if err != nil {
		return nil, err
	}

	merged.Overlay(rec)
	if err := t.Put(merged); err != nil {
		return nil, err
	}
	return t.writes[rec.Key].Clone(), nil
}

func (t *txn) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := t.batch.Delete(recordKey(key), nil); err != nil {
		return err
	}
	t.writes[key] = nil
	return nil
}
