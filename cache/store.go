// Package cache is the shared normalized result cache. Records live in pebble
// and every write goes through a read-write transaction built on an indexed
// batch, so a handler sees a consistent view and its writes commit atomically
// with the records of the message that triggered it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/liveq/cfg"
	"github.com/maxpert/liveq/encoding"
	"github.com/maxpert/liveq/hlc"
	"github.com/maxpert/liveq/notify"
	"github.com/maxpert/liveq/telemetry"
	"github.com/rs/zerolog/log"
)

const recordPrefix = "/rec/"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrStoreClosed    = errors.New("cache store closed")
	ErrEmptyKey       = errors.New("record key is empty")
)

// Mirror receives every published record set, e.g. to copy records to an external stream
type Mirror interface {
	Name() string
	Forward(records RecordSet) error
}

// Options configures a Store
type Options struct {
	Path       string
	MemoSize   int
	IDFields   []string
	SyncWrites bool
	ClientID   uint64
}

// DefaultOptions returns store options from cfg.Config
func DefaultOptions() Options {
	return Options{
		Path:       cfg.GetCachePath(),
		MemoSize:   cfg.Config.Cache.MemoSize,
		IDFields:   cfg.Config.Cache.IDFields,
		SyncWrites: cfg.Config.Cache.SyncWrites,
		ClientID:   cfg.Config.ClientID,
	}
}

// Store is the pebble-backed cache shared by every watcher of a client
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	idFields  []string
	clock     *hlc.Clock
	hub       *notify.Hub

	// serializes read-write transactions
	writeMu sync.Mutex

	// orders memo fills against post-commit memo updates
	memoMu sync.Mutex
	memo   *lru.Cache[uint64, *Record]

	mirrorsMu sync.RWMutex
	mirrors   []Mirror

	closed atomic.Bool
}

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens (or creates) the cache at opts.Path
func Open(opts Options) (*Store, error) {
	if opts.MemoSize < 1 {
		opts.MemoSize = 1
	}
	if len(opts.IDFields) == 0 {
		opts.IDFields = []string{"id"}
	}

	memo, err := lru.New[uint64, *Record](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create record memo: %w", err)
	}

	db, err := pebble.Open(opts.Path, &pebble.Options{
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	writeOpts := pebble.NoSync
	if opts.SyncWrites {
		writeOpts = pebble.Sync
	}

	log.Info().Str("path", opts.Path).Int("memo_size", opts.MemoSize).Msg("Cache store opened")

	return &Store{
		db:        db,
		writeOpts: writeOpts,
		idFields:  append([]string(nil), opts.IDFields...),
		clock:     hlc.NewClock(opts.ClientID),
		hub:       notify.NewHub(),
		memo:      memo,
	}, nil
}

func recordKey(key string) []byte {
	return []byte(recordPrefix + key)
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

// DeriveKey returns the cache key of a result object using the configured id fields
func (s *Store) DeriveKey(obj map[string]interface{}) (string, bool) {
	return DeriveKey(obj, s.idFields)
}

// Get returns a copy of the committed record
func (s *Store) Get(key string) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	h := xxhash.Sum64String(key)
	if rec, ok := s.memo.Get(h); ok && rec.Key == key {
		return rec.Clone(), nil
	}

	s.memoMu.Lock()
	defer s.memoMu.Unlock()

	if rec, ok := s.memo.Get(h); ok && rec.Key == key {
		return rec.Clone(), nil
	}

	rec, err := s.load(s.db, key)
	if err != nil {
		return nil, err
	}
	s.memo.Add(h, rec)
	return rec.Clone(), nil
}

func (s *Store) load(r pebble.Reader, key string) (*Record, error) {
	val, closer, err := r.Get(recordKey(key))
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

// Keys lists committed record keys starting with prefix from a consistent
// snapshot. A non-empty after resumes past that key; limit <= 0 means no limit.
func (s *Store) Keys(prefix, after string, limit int) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	lower := recordKey(prefix)
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	valid := iter.First()
	if after != "" {
		valid = iter.SeekGE(append(recordKey(after), 0))
	}

	var keys []string
	for ; valid; valid = iter.Next() {
		keys = append(keys, strings.TrimPrefix(string(iter.Key()), recordPrefix))
		if limit > 0 && len(keys) >= limit {
			break
		}
	}
	return keys, iter.Error()
}

// WithReadWriteTransaction runs fn against a fresh transaction and commits its
// writes atomically. If fn returns an error nothing is written.
func (s *Store) WithReadWriteTransaction(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrStoreClosed
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	t := newTxn(batch, s.clock.Now().Version())
	if err := fn(t); err != nil {
		telemetry.CacheTransactionsTotal.With("aborted").Inc()
		return err
	}

	if len(t.writes) == 0 {
		telemetry.CacheTransactionsTotal.With("committed").Inc()
		return nil
	}

	if err := batch.Commit(s.writeOpts); err != nil {
		telemetry.CacheTransactionsTotal.With("aborted").Inc()
		return fmt.Errorf("commit cache transaction: %w", err)
	}

	s.memoMu.Lock()
	for key, rec := range t.writes {
		h := xxhash.Sum64String(key)
		if rec == nil {
			s.memo.Remove(h)
			continue
		}
		s.memo.Add(h, rec)
	}
	s.memoMu.Unlock()

	telemetry.CacheTransactionsTotal.With("committed").Inc()
	telemetry.CacheRecordsWritten.Add(float64(len(t.writes)))

	log.Debug().Uint64("version", t.version).Int("records", len(t.writes)).Msg("Cache transaction committed")
	return nil
}

// AddMirror registers a mirror that receives every published record set
func (s *Store) AddMirror(m Mirror) {
	s.mirrorsMu.Lock()
	s.mirrors = append(s.mirrors, m)
	s.mirrorsMu.Unlock()
}

// Publish announces committed records to observers and mirrors. Mirror failures
// are logged and counted; only a store that can no longer publish returns an error.
func (s *Store) Publish(records RecordSet) error {
	if s.closed.Load() {
		telemetry.CachePublishTotal.With("failed").Inc()
		return ErrStoreClosed
	}
	if len(records) == 0 {
		return nil
	}

	s.hub.Signal(records.Keys(), records.MaxVersion())

	s.mirrorsMu.RLock()
	mirrors := s.mirrors
	s.mirrorsMu.RUnlock()

	for _, m := range mirrors {
		if err := m.Forward(records); err != nil {
			log.Warn().Err(err).Str("mirror", m.Name()).Int("records", len(records)).Msg("Mirror forward failed")
			telemetry.MirrorPublishTotal.With(m.Name(), "rejected").Add(float64(len(records)))
		}
	}

	telemetry.CachePublishTotal.With("success").Inc()
	return nil
}

// Observe returns a channel of change signals for keys matching any pattern
// (no patterns = every key) and a cancel function.
func (s *Store) Observe(patterns ...string) (<-chan notify.Signal, func(), error) {
	ch, cancel, err := s.hub.Subscribe(patterns...)
	if err != nil {
		return nil, nil, err
	}
	telemetry.CacheObservers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			telemetry.CacheObservers.Dec()
		})
	}, nil
}

// Close closes observers and the underlying database
func (s *Store) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.hub.Close()
	return s.db.Close()
}
