package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/storage"
)

// MockStore implements storage.Store with an in-memory map for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu   sync.Mutex
	docs map[string]map[string]storage.UsageDoc // category -> docID -> doc

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		docs:   make(map[string]map[string]storage.UsageDoc),
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// Calls returns the total number of times the named method was called.
func (m *MockStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Put seeds a document directly.
func (m *MockStore) Put(category, docID string, doc storage.UsageDoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(category)[docID] = doc
}

// Doc returns a copy of a document and whether it exists.
func (m *MockStore) Doc(category, docID string) (storage.UsageDoc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[category][docID]
	return doc, ok
}

func (m *MockStore) popError(method string) error {
	m.calls[method]++
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockStore) bucket(category string) map[string]storage.UsageDoc {
	b, ok := m.docs[category]
	if !ok {
		b = make(map[string]storage.UsageDoc)
		m.docs[category] = b
	}
	return b
}

// --- Store interface implementation -----------------------------------------

func (m *MockStore) GetUsage(_ context.Context, category, docID string) (*storage.UsageDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetUsage"); err != nil {
		return nil, err
	}
	doc, ok := m.docs[category][docID]
	if !ok {
		return nil, nil
	}
	return &doc, nil
}

func (m *MockStore) MergeCount(_ context.Context, category, docID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("MergeCount"); err != nil {
		return err
	}
	b := m.bucket(category)
	doc := b[docID]
	doc.Count = count
	doc.UpdatedAt = time.Now().UTC()
	b[docID] = doc
	return nil
}

func (m *MockStore) MergeLast(_ context.Context, category, docID string, lastMillis int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("MergeLast"); err != nil {
		return err
	}
	b := m.bucket(category)
	doc := b[docID]
	doc.Last = lastMillis
	doc.UpdatedAt = time.Now().UTC()
	b[docID] = doc
	return nil
}

func (m *MockStore) ListUsage(_ context.Context, category string) (map[string]storage.UsageDoc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("ListUsage"); err != nil {
		return nil, err
	}
	result := make(map[string]storage.UsageDoc, len(m.docs[category]))
	for id, doc := range m.docs[category] {
		result[id] = doc
	}
	return result, nil
}

func (m *MockStore) PruneUsage(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneUsage"); err != nil {
		return 0, err
	}
	var pruned int
	for _, b := range m.docs {
		for id, doc := range b {
			if doc.UpdatedAt.Before(before) {
				delete(b, id)
				pruned++
			}
		}
	}
	return pruned, nil
}

func (m *MockStore) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockStore) Close() error {
	return nil
}
