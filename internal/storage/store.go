package storage

import (
	"context"
	"strings"
	"time"
)

// UsageDoc is one usage document. Daily counter documents only carry Count;
// cooldown documents only carry Last. Writes merge: each touches its own field.
type UsageDoc struct {
	Count     int
	Last      int64 // Unix epoch milliseconds of the last accepted request
	UpdatedAt time.Time
}

// Store is the persistence interface for per-client usage documents.
// Documents are addressed by (category, docID) inside the store's app namespace.
type Store interface {
	// GetUsage returns the document, or nil if it does not exist.
	GetUsage(ctx context.Context, category, docID string) (*UsageDoc, error)
	// MergeCount sets Count on the document, creating it if needed.
	MergeCount(ctx context.Context, category, docID string, count int) error
	// MergeLast sets Last on the document, creating it if needed.
	MergeLast(ctx context.Context, category, docID string, lastMillis int64) error
	// ListUsage returns every document of a category keyed by docID.
	ListUsage(ctx context.Context, category string) (map[string]UsageDoc, error)

	// PruneUsage deletes documents last written before the cutoff.
	PruneUsage(ctx context.Context, before time.Time) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Sizer is implemented by stores that can report their on-disk size.
type Sizer interface {
	SizeBytes() (int64, error)
}

// docKey builds the namespaced key "<appID>/<category>/<docID>".
func docKey(appID, category, docID string) string {
	return appID + "/" + category + "/" + docID
}

// splitDocKey reverses docKey for keys inside the app namespace.
func splitDocKey(appID, key string) (category, docID string, ok bool) {
	rest, found := strings.CutPrefix(key, appID+"/")
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, "/")
}
