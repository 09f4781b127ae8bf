package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const bucketUsage = "usage"

type bboltStore struct {
	db    *bolt.DB
	appID string
	mu    sync.Mutex // serialises read-modify-write merges
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/usage.db.
func NewBboltStore(dataDir, appID string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "usage.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketUsage)); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucketUsage, err)
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db, appID: appID}, nil
}

// ---- Usage documents -------------------------------------------------------

func (s *bboltStore) GetUsage(_ context.Context, category, docID string) (*UsageDoc, error) {
	var doc UsageDoc
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketUsage)).Get([]byte(docKey(s.appID, category, docID)))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("get usage %s/%s: %w", category, docID, err)
	}
	if !found {
		return nil, nil
	}
	return &doc, nil
}

func (s *bboltStore) MergeCount(_ context.Context, category, docID string, count int) error {
	return s.merge(category, docID, func(doc *UsageDoc) { doc.Count = count })
}

func (s *bboltStore) MergeLast(_ context.Context, category, docID string, lastMillis int64) error {
	return s.merge(category, docID, func(doc *UsageDoc) { doc.Last = lastMillis })
}

// merge applies fn to the stored document (or a zero one) inside a single
// write transaction.
func (s *bboltStore) merge(category, docID string, fn func(*UsageDoc)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsage))
		key := []byte(docKey(s.appID, category, docID))

		var doc UsageDoc
		if raw := b.Get(key); raw != nil {
			if err := msgpack.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("unmarshal UsageDoc for %s: %w", key, err)
			}
		}
		fn(&doc)
		doc.UpdatedAt = time.Now().UTC()

		data, err := msgpack.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal UsageDoc: %w", err)
		}
		return b.Put(key, data)
	})
}

func (s *bboltStore) ListUsage(_ context.Context, category string) (map[string]UsageDoc, error) {
	result := make(map[string]UsageDoc)
	prefix := []byte(docKey(s.appID, category, ""))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketUsage)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var doc UsageDoc
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("unmarshal UsageDoc for %s: %w", k, err)
			}
			result[string(k[len(prefix):])] = doc
		}
		return nil
	})
	return result, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneUsage(_ context.Context, before time.Time) (int, error) {
	var pruned int
	prefix := []byte(s.appID + "/")
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketUsage))
		var toDelete [][]byte
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var doc UsageDoc
			if err := msgpack.Unmarshal(v, &doc); err != nil {
				continue // skip corrupt entries
			}
			if doc.UpdatedAt.Before(before) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketUsage)) == nil {
			return fmt.Errorf("bucket %s missing", bucketUsage)
		}
		return nil
	})
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
