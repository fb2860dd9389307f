// Package memstore is a fully in-process implementation of the store
// boundary. It backs the engine tests and single-binary local development;
// nothing about it survives a restart.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stitts-dev/links-live/internal/store"
)

type record struct {
	doc store.Document
	seq int64
}

type docWatcher struct {
	ch chan store.DocumentEvent
}

type queryWatcher struct {
	q  store.Query
	ch chan store.QueryEvent
}

// Memstore holds documents per collection and fans every mutation out to the
// registered watchers. Deliveries conflate: a watcher always receives the
// newest state, not necessarily every intermediate one.
type Memstore struct {
	mu         sync.Mutex
	seq        int64
	watchSeq   int64
	cols       map[string]map[string]record
	docWatches map[string]map[int64]*docWatcher
	qryWatches map[int64]*queryWatcher
}

// New returns an empty store
func New() *Memstore {
	return &Memstore{
		cols:       make(map[string]map[string]record),
		docWatches: make(map[string]map[int64]*docWatcher),
		qryWatches: make(map[int64]*queryWatcher),
	}
}

// Put creates or replaces a document and notifies watchers
func (m *Memstore) Put(collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore: marshal document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	col := m.cols[collection]
	if col == nil {
		col = make(map[string]record)
		m.cols[collection] = col
	}
	m.seq++
	col[id] = record{
		doc: store.Document{ID: id, Data: data, UpdateTime: time.Now().UTC()},
		seq: m.seq,
	}
	m.notifyLocked(collection, id)
	return nil
}

// Delete removes a document and notifies watchers
func (m *Memstore) Delete(collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if col := m.cols[collection]; col != nil {
		delete(col, id)
	}
	m.notifyLocked(collection, id)
}

// Append implements store.Store. The creation timestamp is stamped here.
func (m *Memstore) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["createdAt"] = time.Now().UTC()

	id := uuid.NewString()
	if err := m.Put(collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// GetDocument implements store.Store
func (m *Memstore) GetDocument(ctx context.Context, collection, docID string) (*store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cols[collection][docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	d := rec.doc
	return &d, nil
}

// RunQuery implements store.Store
func (m *Memstore) RunQuery(ctx context.Context, q store.Query) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evalLocked(q), nil
}

// WatchDocument implements store.Store
func (m *Memstore) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &docWatcher{ch: make(chan store.DocumentEvent, 1)}

	m.mu.Lock()
	key := collection + "/" + docID
	watches := m.docWatches[key]
	if watches == nil {
		watches = make(map[int64]*docWatcher)
		m.docWatches[key] = watches
	}
	m.watchSeq++
	id := m.watchSeq
	watches[id] = w
	w.ch <- m.docEventLocked(collection, docID)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if ws := m.docWatches[key]; ws != nil {
			delete(ws, id)
		}
		close(w.ch)
		m.mu.Unlock()
	}()

	return w.ch, nil
}

// WatchQuery implements store.Store
func (m *Memstore) WatchQuery(ctx context.Context, q store.Query) (<-chan store.QueryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &queryWatcher{q: q, ch: make(chan store.QueryEvent, 1)}

	m.mu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.qryWatches[id] = w
	w.ch <- store.QueryEvent{Docs: m.evalLocked(q)}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.qryWatches, id)
		close(w.ch)
		m.mu.Unlock()
	}()

	return w.ch, nil
}

func (m *Memstore) docEventLocked(collection, docID string) store.DocumentEvent {
	rec, ok := m.cols[collection][docID]
	if !ok {
		return store.DocumentEvent{}
	}
	d := rec.doc
	return store.DocumentEvent{Snapshot: &d}
}

func (m *Memstore) notifyLocked(collection, id string) {
	if ws := m.docWatches[collection+"/"+id]; ws != nil {
		ev := m.docEventLocked(collection, id)
		for _, w := range ws {
			pushDoc(w.ch, ev)
		}
	}
	for _, w := range m.qryWatches {
		if w.q.Collection != collection {
			continue
		}
		pushQuery(w.ch, store.QueryEvent{Docs: m.evalLocked(w.q)})
	}
}

// pushDoc conflates: with a single producer holding the store lock, a full
// buffer is drained so the newest event always lands
func pushDoc(ch chan store.DocumentEvent, ev store.DocumentEvent) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}

func pushQuery(ch chan store.QueryEvent, ev store.QueryEvent) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- ev
	}
}

func (m *Memstore) evalLocked(q store.Query) []store.Document {
	type hit struct {
		rec    record
		fields map[string]any
	}
	var hits []hit
	for _, rec := range m.cols[q.Collection] {
		fields := map[string]any{}
		if err := json.Unmarshal(rec.doc.Data, &fields); err != nil {
			continue
		}
		if !matchesAll(fields, q.Filters) {
			continue
		}
		hits = append(hits, hit{rec: rec, fields: fields})
	}

	if q.OrderBy != "" {
		sort.SliceStable(hits, func(i, j int) bool {
			less, eq := compareField(hits[i].fields[q.OrderBy], hits[j].fields[q.OrderBy])
			if eq {
				less = hits[i].rec.seq < hits[j].rec.seq
			}
			if q.Descending {
				return !less
			}
			return less
		})
	}

	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}

	docs := make([]store.Document, 0, len(hits))
	for _, h := range hits {
		docs = append(docs, h.rec.doc)
	}
	return docs
}

func matchesAll(fields map[string]any, filters []store.Filter) bool {
	for _, f := range filters {
		if f.Op != store.OpEqual {
			return false
		}
		if !reflect.DeepEqual(normalize(fields[f.Field]), normalize(f.Value)) {
			return false
		}
	}
	return true
}

// normalize maps JSON-decoded and native Go values onto a common shape so
// string-kinded types and integer widths compare as expected
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		return x
	case float64:
		return x
	case string:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return fmt.Sprintf("%v", v)
}

func compareField(a, b any) (less, eq bool) {
	na, nb := normalize(a), normalize(b)
	switch x := na.(type) {
	case string:
		if y, ok := nb.(string); ok {
			// timestamps marshal as RFC3339; fractional seconds of
			// different widths do not sort lexically
			if ta, err := time.Parse(time.RFC3339Nano, x); err == nil {
				if tb, err2 := time.Parse(time.RFC3339Nano, y); err2 == nil {
					return ta.Before(tb), ta.Equal(tb)
				}
			}
			return x < y, x == y
		}
	case float64:
		if y, ok := nb.(float64); ok {
			return x < y, x == y
		}
	}
	// incomparable or missing values sort as equal, seq decides
	return false, true
}
