// Package store defines the push-capable document boundary the live engine
// runs against. Round and chat state lives in an external document store;
// adapters translate its native protocol into the watch channels below.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Collections understood by every adapter
const (
	CollectionRounds   = "rounds"
	CollectionMessages = "roundMessages"
)

// ErrNotFound is returned by one-shot reads for documents that do not exist
var ErrNotFound = errors.New("store: document not found")

// Document is one stored document with its JSON payload
type Document struct {
	ID         string
	Data       json.RawMessage
	UpdateTime time.Time
}

// Decode unmarshals the document payload into v
func (d *Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// DocumentEvent is one delivery on a document watch. A nil Snapshot with a
// nil Err means the document does not exist. A non-nil Err is terminal for
// the watch; the channel closes after it.
type DocumentEvent struct {
	Snapshot *Document
	Err      error
}

// QueryEvent is one delivery on a query watch: the full current result set,
// never a delta. A non-nil Err is terminal for the watch.
type QueryEvent struct {
	Docs []Document
	Err  error
}

// Op is a filter comparison operator, in the store's native notation
type Op string

const (
	OpEqual Op = "=="
)

// Filter is one field condition on a query
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes a filtered, ordered, bounded scan of one collection
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Store is the document-store boundary. Implementations must deliver an
// initial event reflecting current state on every watch, deliver subsequent
// snapshots in the transport's order, and close the event channel when the
// context is canceled or after a terminal error event. Rapid successive
// updates may be conflated into fewer deliveries; the newest state always
// arrives. Cancellation via context is idempotent.
type Store interface {
	// WatchDocument streams snapshots of a single document
	WatchDocument(ctx context.Context, collection, docID string) (<-chan DocumentEvent, error)

	// WatchQuery streams full result sets of a query
	WatchQuery(ctx context.Context, q Query) (<-chan QueryEvent, error)

	// GetDocument reads one document, ErrNotFound when absent
	GetDocument(ctx context.Context, collection, docID string) (*Document, error)

	// RunQuery evaluates a query once
	RunQuery(ctx context.Context, q Query) ([]Document, error)

	// Append creates a new document from the given fields and returns its
	// ID. The adapter stamps the creation timestamp server-side; callers
	// never supply one.
	Append(ctx context.Context, collection string, fields map[string]any) (string, error)
}
