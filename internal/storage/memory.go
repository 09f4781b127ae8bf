package storage

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// memoryStore keeps usage documents in process memory. Entries older than
// ttl are evicted by go-cache; a zero ttl keeps them until pruned.
type memoryStore struct {
	mu    sync.Mutex
	items *cache.Cache
	appID string
}

// NewMemoryStore returns an in-process Store. Intended for single-instance
// and serverless deployments where losing counters on restart is acceptable.
func NewMemoryStore(appID string, ttl time.Duration) Store {
	exp := cache.NoExpiration
	cleanup := time.Duration(0)
	if ttl > 0 {
		exp = ttl
		cleanup = ttl / 2
	}
	return &memoryStore{
		items: cache.New(exp, cleanup),
		appID: appID,
	}
}

func (s *memoryStore) GetUsage(_ context.Context, category, docID string) (*UsageDoc, error) {
	v, ok := s.items.Get(docKey(s.appID, category, docID))
	if !ok {
		return nil, nil
	}
	doc := v.(UsageDoc)
	return &doc, nil
}

func (s *memoryStore) MergeCount(_ context.Context, category, docID string, count int) error {
	s.merge(category, docID, func(doc *UsageDoc) { doc.Count = count })
	return nil
}

func (s *memoryStore) MergeLast(_ context.Context, category, docID string, lastMillis int64) error {
	s.merge(category, docID, func(doc *UsageDoc) { doc.Last = lastMillis })
	return nil
}

func (s *memoryStore) merge(category, docID string, fn func(*UsageDoc)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(s.appID, category, docID)
	var doc UsageDoc
	if v, ok := s.items.Get(key); ok {
		doc = v.(UsageDoc)
	}
	fn(&doc)
	doc.UpdatedAt = time.Now().UTC()
	s.items.SetDefault(key, doc)
}

func (s *memoryStore) ListUsage(_ context.Context, category string) (map[string]UsageDoc, error) {
	result := make(map[string]UsageDoc)
	for key, item := range s.items.Items() {
		cat, docID, ok := splitDocKey(s.appID, key)
		if !ok || cat != category {
			continue
		}
		result[docID] = item.Object.(UsageDoc)
	}
	return result, nil
}

func (s *memoryStore) PruneUsage(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	for key, item := range s.items.Items() {
		if item.Object.(UsageDoc).UpdatedAt.Before(before) {
			s.items.Delete(key)
			pruned++
		}
	}
	return pruned, nil
}

func (s *memoryStore) Ping(_ context.Context) error {
	return nil
}

func (s *memoryStore) Close() error {
	s.items.Flush()
	return nil
}
