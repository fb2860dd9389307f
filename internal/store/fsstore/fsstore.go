// Package fsstore implements the store boundary on Cloud Firestore, the
// hosted deployment target. Firestore's own snapshot listeners carry the
// push half of the contract.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/stitts-dev/links-live/internal/store"
)

// Config selects the project and credentials
type Config struct {
	ProjectID       string
	CredentialsFile string
}

// Store implements store.Store on a firestore client
type Store struct {
	client *firestore.Client
	logger *logrus.Entry
}

// Open connects to firestore, or to the emulator when
// FIRESTORE_EMULATOR_HOST is set
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Store, error) {
	var opts []option.ClientOption
	switch {
	case os.Getenv("FIRESTORE_EMULATOR_HOST") != "":
		opts = append(opts, option.WithoutAuthentication())
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return New(client, logger), nil
}

// New wraps an existing client
func New(client *firestore.Client, logger *logrus.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.WithField("component", "fsstore"),
	}
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

func documentFromSnapshot(snap *firestore.DocumentSnapshot) (store.Document, error) {
	data := snap.Data()
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, ok := data["id"]; !ok {
		data["id"] = snap.Ref.ID
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return store.Document{}, fmt.Errorf("failed to marshal document %s: %w", snap.Ref.ID, err)
	}
	return store.Document{
		ID:         snap.Ref.ID,
		Data:       json.RawMessage(payload),
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (s *Store) query(q store.Query) firestore.Query {
	fq := s.client.Collection(q.Collection).Query
	for _, f := range q.Filters {
		fq = fq.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		fq = fq.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fq = fq.Limit(q.Limit)
	}
	return fq
}

// GetDocument implements store.Store
func (s *Store) GetDocument(ctx context.Context, collection, docID string) (*store.Document, error) {
	snap, err := s.client.Collection(collection).Doc(docID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc, err := documentFromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// RunQuery implements store.Store
func (s *Store) RunQuery(ctx context.Context, q store.Query) ([]store.Document, error) {
	it := s.query(q).Documents(ctx)
	defer it.Stop()

	var docs []store.Document
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to run query: %w", err)
		}
		doc, err := documentFromSnapshot(snap)
		if err != nil {
			s.logger.WithError(err).Warn("skipping unmarshalable document")
			continue
		}
		docs = append(docs, doc)
	}
}

// Append implements store.Store. The creation timestamp is the server's.
func (s *Store) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["createdAt"] = firestore.ServerTimestamp

	ref, _, err := s.client.Collection(collection).Add(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("failed to append document: %w", err)
	}
	return ref.ID, nil
}

// WatchDocument implements store.Store on a snapshot listener
func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan store.DocumentEvent, 1)

	go func() {
		defer close(out)
		it := s.client.Collection(collection).Doc(docID).Snapshots(ctx)
		defer it.Stop()

		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				pushDocEvent(out, store.DocumentEvent{Err: fmt.Errorf("document listener failed: %w", err)})
				return
			}
			if !snap.Exists() {
				pushDocEvent(out, store.DocumentEvent{})
				continue
			}
			doc, err := documentFromSnapshot(snap)
			if err != nil {
				s.logger.WithError(err).Warn("dropping unmarshalable snapshot")
				continue
			}
			pushDocEvent(out, store.DocumentEvent{Snapshot: &doc})
		}
	}()
	return out, nil
}

// WatchQuery implements store.Store on a query snapshot listener
func (s *Store) WatchQuery(ctx context.Context, q store.Query) (<-chan store.QueryEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(chan store.QueryEvent, 1)

	go func() {
		defer close(out)
		it := s.query(q).Snapshots(ctx)
		defer it.Stop()

		for {
			qsnap, err := it.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				pushQueryEvent(out, store.QueryEvent{Err: fmt.Errorf("query listener failed: %w", err)})
				return
			}

			docs, err := drainDocuments(qsnap.Documents)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.WithError(err).Warn("failed to read query snapshot")
				continue
			}
			pushQueryEvent(out, store.QueryEvent{Docs: docs})
		}
	}()
	return out, nil
}

func drainDocuments(it *firestore.DocumentIterator) ([]store.Document, error) {
	defer it.Stop()
	docs := make([]store.Document, 0)
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		doc, err := documentFromSnapshot(snap)
		if err != nil {
			continue
		}
		docs = append(docs, doc)
	}
}

func pushDocEvent(ch chan store.DocumentEvent, ev store.DocumentEvent) {
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

func pushQueryEvent(ch chan store.QueryEvent, ev store.QueryEvent) {
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
