// Package monstore implements the monitor's versioned key/value store
// (spec.md §4.1): an ordered map partitioned by string prefix, with
// atomic multi-key transactions, lazy prefix range scans, and compaction.
// It is grounded on server/storage/backend/batch_tx.go's buffered bolt
// transaction idiom: a single *bolt.DB, one bucket per prefix, and a
// mutex-guarded batch that fsyncs before returning.
package monstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monerr"
)

// Op is one write within a Transaction.
type Op struct {
	Prefix string
	Key    string
	Value  []byte // nil Value means delete
}

// Transaction is an all-or-nothing batch of writes across any number of
// prefixes, per spec.md §4.1: "The batch must be all-or-nothing and
// durable before return."
type Transaction struct {
	ops []Op
}

// Put stages a write of key within prefix.
func (t *Transaction) Put(prefix, key string, value []byte) {
	t.ops = append(t.ops, Op{Prefix: prefix, Key: key, Value: value})
}

// Delete stages a delete of key within prefix.
func (t *Transaction) Delete(prefix, key string) {
	t.ops = append(t.ops, Op{Prefix: prefix, Key: key, Value: nil})
}

// NewTransaction returns an empty Transaction ready for Put/Delete calls.
func NewTransaction() *Transaction { return &Transaction{} }

// entry is the in-memory btree index element, ordered by (prefix, key).
type entry struct {
	prefix string
	key    string
}

func (e entry) Less(other btree.Item) bool {
	o := other.(entry)
	if e.prefix != o.prefix {
		return e.prefix < o.prefix
	}
	return e.key < o.key
}

// Store is the monitor's single-writer, versioned key/value persistence
// layer. The core assumes no cross-process access (spec.md §4.1).
type Store struct {
	lg *zap.Logger

	mu    sync.Mutex
	db    *bolt.DB
	index *btree.BTree // mirrors bolt's key ordering for range_scan

	path string

	compactDisabled map[string]bool // prefixes with trim paused during sync (spec.md §4.6)
}

// Open opens (creating if absent) the bolt-backed store at dataDir/mon.db.
func Open(lg *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", monerr.ErrStoreIOError, dataDir, err)
	}
	path := filepath.Join(dataDir, "mon.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", monerr.ErrStoreIOError, path, err)
	}
	s := &Store{
		lg:              lg,
		db:              db,
		index:           btree.New(32),
		path:            path,
		compactDisabled: map[string]bool{},
	}
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			prefix := string(name)
			return b.ForEach(func(k, _ []byte) error {
				s.index.ReplaceOrInsert(entry{prefix: prefix, key: string(k)})
				return nil
			})
		})
	})
}

// Close releases the underlying bolt database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", monerr.ErrStoreIOError, s.path, err)
	}
	return nil
}

// Get returns the value at (prefix, key), or nil if absent.
func (s *Store) Get(prefix, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", monerr.ErrStoreIOError, prefix, key, err)
	}
	return val, nil
}

// PutTransaction applies txn atomically: all writes land in a single bolt
// transaction, which is fsync'd before this call returns (bolt's default
// durability), matching spec.md §4.1's all-or-nothing contract.
func (s *Store) PutTransaction(txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range txn.ops {
			b, err := tx.CreateBucketIfNotExists([]byte(op.Prefix))
			if err != nil {
				return err
			}
			if op.Value == nil {
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
				continue
			}
			if err := b.Put([]byte(op.Key), op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.lg.Error("transaction failed", zap.Error(err))
		return fmt.Errorf("%w: %v", monerr.ErrStoreIOError, err)
	}

	for _, op := range txn.ops {
		e := entry{prefix: op.Prefix, key: op.Key}
		if op.Value == nil {
			s.index.Delete(e)
		} else {
			s.index.ReplaceOrInsert(e)
		}
	}
	return nil
}

// KV is one key/value pair returned by RangeScan.
type KV struct {
	Key   string
	Value []byte
}

// RangeScan lazily iterates keys within prefix in [from, to) order (to=""
// means unbounded), invoking fn for each. Iteration stops early if fn
// returns false. Mirrors spec.md §4.1's "lazy sequence" contract via a
// pull-style callback instead of building a full slice up front.
func (s *Store) RangeScan(prefix, from, to string, fn func(KV) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stopErr error
	s.index.AscendGreaterOrEqual(
		entry{prefix: prefix, key: from},
		func(i btree.Item) bool {
			e := i.(entry)
			if e.prefix != prefix {
				return false
			}
			if to != "" && e.key >= to {
				return false
			}
			val, err := s.getLocked(e.prefix, e.key)
			if err != nil {
				stopErr = err
				return false
			}
			if val == nil {
				// deleted since index snapshot; skip.
				return true
			}
			return fn(KV{Key: e.key, Value: val})
		},
	)
	return stopErr
}

// CollectRange drains RangeScan into a slice; callers with small expected
// result sets (e.g. the router reading subscriptions, a unit test) may
// prefer this over implementing fn themselves.
func (s *Store) CollectRange(prefix, from, to string) ([]KV, error) {
	var out []KV
	err := s.RangeScan(prefix, from, to, func(kv KV) bool {
		out = append(out, kv)
		return true
	})
	return out, err
}

// Compact removes all keys within prefix whose key sorts at or below
// throughVersionKey (callers pass a zero-padded version string so
// lexicographic and numeric order agree). DisableCompact/EnableCompact
// bracket this per spec.md §4.6: a sync provider must not trim while
// streaming its snapshot.
func (s *Store) Compact(prefix, throughVersionKey string) error {
	s.mu.Lock()
	if s.compactDisabled[prefix] {
		s.mu.Unlock()
		return fmt.Errorf("%w: compact disabled on %s during sync", monerr.ErrBusy, prefix)
	}
	s.mu.Unlock()

	var toDelete []string
	if err := s.RangeScan(prefix, "", bumpByte(throughVersionKey), func(kv KV) bool {
		toDelete = append(toDelete, kv.Key)
		return true
	}); err != nil {
		return err
	}
	if len(toDelete) == 0 {
		return nil
	}
	txn := NewTransaction()
	for _, k := range toDelete {
		txn.Delete(prefix, k)
	}
	return s.PutTransaction(txn)
}

// bumpByte returns the lexicographically-next string after s, used to make
// Compact's upper bound inclusive of throughVersionKey itself.
func bumpByte(s string) string {
	b := []byte(s)
	return string(append(b, 0x00))
}

// DisableCompact pauses trim on prefix for the duration of a sync session
// (spec.md §4.6 invariant: "the provider never serves a key newer than the
// initial snapshot", which also means it must not compact it out from
// under the reader mid-session).
func (s *Store) DisableCompact(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactDisabled[prefix] = true
}

// EnableCompact resumes trim on prefix.
func (s *Store) EnableCompact(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.compactDisabled, prefix)
}

// Snapshot returns up to limit entries for a sync provider, starting at the
// cursor: keys at or after cursorKey within cursorPrefix, then every later
// prefix in full, plus the cursor to resume from. Ordering uses Go string
// comparison, which is byte-wise and so matches bolt's own cursor order.
func (s *Store) Snapshot(cursorPrefix, cursorKey string, limit int) (kvs []KV, nextPrefix, nextKey string, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	s.index.Ascend(func(i btree.Item) bool {
		e := i.(entry)
		if before(e, cursorPrefix, cursorKey) {
			return true
		}
		if count >= limit {
			nextPrefix, nextKey = e.prefix, e.key
			return false
		}
		v, gerr := s.getLocked(e.prefix, e.key)
		if gerr != nil {
			err = gerr
			return false
		}
		if v != nil {
			kvs = append(kvs, KV{Key: e.prefix + "/" + e.key, Value: v})
			count++
		}
		return true
	})
	if err != nil {
		return nil, "", "", false, err
	}
	if nextPrefix == "" && nextKey == "" {
		done = true
	}
	return kvs, nextPrefix, nextKey, done, nil
}

func before(e entry, prefix, key string) bool {
	if e.prefix != prefix {
		return e.prefix < prefix
	}
	return e.key < key
}

func (s *Store) getLocked(prefix, key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(prefix))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", monerr.ErrStoreIOError, err)
	}
	return val, nil
}
