// Package pgstore implements the store boundary on relational tables that
// hold JSON documents, in the self-hosted deployment shape: postgres (or
// sqlite for a single binary) as the source of truth, with invalidation
// pings carrying the push half of the contract.
package pgstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stitts-dev/links-live/internal/models"
	"github.com/stitts-dev/links-live/internal/store"
)

// Config selects the SQL backend
type Config struct {
	Driver      string // "postgres" or "sqlite"
	DatabaseURL string
	SQLitePath  string
	LogQueries  bool
}

// Store implements store.Store on gorm
type Store struct {
	db       *gorm.DB
	notifier Notifier
	logger   *logrus.Entry
}

// Open connects per the config and wraps the connection in a Store
func Open(cfg Config, notifier Notifier, logger *logrus.Logger) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	return New(db, notifier, logger), nil
}

// OpenWithPQNotifier connects to postgres and carries pings over the
// database's own LISTEN/NOTIFY, for deployments without redis
func OpenWithPQNotifier(cfg Config, logger *logrus.Logger) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	notifier, err := NewPQNotifier(db, cfg.DatabaseURL, logger)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	return New(db, notifier, logger), nil
}

func openDB(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DatabaseURL)
	}

	logMode := gormlogger.Silent
	if cfg.LogQueries {
		logMode = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logMode),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// New wraps an existing gorm connection
func New(db *gorm.DB, notifier Notifier, logger *logrus.Logger) *Store {
	return &Store{
		db:       db,
		notifier: notifier,
		logger:   logger.WithField("component", "pgstore"),
	}
}

// Migrate creates or updates the document tables
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&RoundRow{}, &MessageRow{})
}

// Drop removes the document tables
func (s *Store) Drop() error {
	return s.db.Migrator().DropTable(&MessageRow{}, &RoundRow{})
}

// Ping verifies the database connection
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the notifier and the connection pool
func (s *Store) Close() error {
	if err := s.notifier.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close notifier")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PutRound upserts a full round document and announces the change
func (s *Store) PutRound(ctx context.Context, r models.Round) error {
	row, err := roundRowFromModel(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to upsert round: %w", err)
	}
	s.announce(ctx, store.CollectionRounds)
	return nil
}

// Append implements store.Store; the creation timestamp is stamped here
func (s *Store) Append(ctx context.Context, collection string, fields map[string]any) (string, error) {
	switch collection {
	case store.CollectionMessages:
		id := uuid.NewString()
		now := time.Now().UTC()
		doc := make(map[string]any, len(fields)+2)
		for k, v := range fields {
			doc[k] = v
		}
		doc["id"] = id
		doc["createdAt"] = now
		payload, err := json.Marshal(doc)
		if err != nil {
			return "", fmt.Errorf("failed to marshal message: %w", err)
		}
		roundID, _ := fields["roundId"].(string)
		row := MessageRow{ID: id, RoundID: roundID, CreatedAt: now, Doc: payload}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return "", fmt.Errorf("failed to append message: %w", err)
		}
		s.announce(ctx, collection)
		return id, nil

	case store.CollectionRounds:
		payload, err := json.Marshal(fields)
		if err != nil {
			return "", fmt.Errorf("failed to marshal round: %w", err)
		}
		var r models.Round
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", fmt.Errorf("failed to decode round fields: %w", err)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt == nil {
			now := time.Now().UTC()
			r.CreatedAt = &now
		}
		if err := s.PutRound(ctx, r); err != nil {
			return "", err
		}
		return r.ID, nil
	}
	return "", fmt.Errorf("unknown collection %q", collection)
}

// announce publishes an invalidation ping; a failed ping degrades watches
// to stale rather than failing the write
func (s *Store) announce(ctx context.Context, collection string) {
	if err := s.notifier.Publish(ctx, collection); err != nil {
		s.logger.WithField("collection", collection).WithError(err).Warn("write not announced")
	}
}

// GetDocument implements store.Store
func (s *Store) GetDocument(ctx context.Context, collection, docID string) (*store.Document, error) {
	switch collection {
	case store.CollectionRounds:
		var row RoundRow
		err := s.db.WithContext(ctx).First(&row, "id = ?", docID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read round: %w", err)
		}
		doc := row.document()
		return &doc, nil

	case store.CollectionMessages:
		var row MessageRow
		err := s.db.WithContext(ctx).First(&row, "id = ?", docID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read message: %w", err)
		}
		doc := row.document()
		return &doc, nil
	}
	return nil, fmt.Errorf("unknown collection %q", collection)
}

var roundColumns = map[string]string{
	"status":    "status",
	"startedAt": "started_at",
}

var messageColumns = map[string]string{
	"roundId":   "round_id",
	"createdAt": "created_at",
}

// RunQuery implements store.Store. Only the indexed fields are filterable;
// anything else is a programming error surfaced loudly.
func (s *Store) RunQuery(ctx context.Context, q store.Query) ([]store.Document, error) {
	var columns map[string]string
	switch q.Collection {
	case store.CollectionRounds:
		columns = roundColumns
	case store.CollectionMessages:
		columns = messageColumns
	default:
		return nil, fmt.Errorf("unknown collection %q", q.Collection)
	}

	tx := s.db.WithContext(ctx)
	for _, f := range q.Filters {
		col, ok := columns[f.Field]
		if !ok {
			return nil, fmt.Errorf("unfilterable field %q", f.Field)
		}
		if f.Op != store.OpEqual {
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		tx = tx.Where(col+" = ?", f.Value)
	}
	if q.OrderBy != "" {
		col, ok := columns[q.OrderBy]
		if !ok {
			return nil, fmt.Errorf("unsortable field %q", q.OrderBy)
		}
		dir := " ASC"
		if q.Descending {
			dir = " DESC"
		}
		tx = tx.Order(col + dir)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	switch q.Collection {
	case store.CollectionRounds:
		var rows []RoundRow
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query rounds: %w", err)
		}
		docs := make([]store.Document, 0, len(rows))
		for _, row := range rows {
			docs = append(docs, row.document())
		}
		return docs, nil
	default:
		var rows []MessageRow
		if err := tx.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		docs := make([]store.Document, 0, len(rows))
		for _, row := range rows {
			docs = append(docs, row.document())
		}
		return docs, nil
	}
}

// WatchDocument implements store.Store: read now, then re-read on every
// invalidation ping, emitting only when the payload actually changed
func (s *Store) WatchDocument(ctx context.Context, collection, docID string) (<-chan store.DocumentEvent, error) {
	pings, err := s.notifier.Subscribe(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make(chan store.DocumentEvent, 1)

	go func() {
		defer close(out)
		var last *store.Document
		first := true

		emit := func() bool {
			doc, err := s.GetDocument(ctx, collection, docID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				if ctx.Err() != nil {
					return false
				}
				pushDocEvent(out, store.DocumentEvent{Err: err})
				return false
			}
			if !first && !docChanged(last, doc) {
				return true
			}
			first = false
			last = doc
			pushDocEvent(out, store.DocumentEvent{Snapshot: doc})
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-pings:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

// WatchQuery implements store.Store with the same read-on-ping shape
func (s *Store) WatchQuery(ctx context.Context, q store.Query) (<-chan store.QueryEvent, error) {
	pings, err := s.notifier.Subscribe(ctx, q.Collection)
	if err != nil {
		return nil, err
	}
	out := make(chan store.QueryEvent, 1)

	go func() {
		defer close(out)
		var last []store.Document
		first := true

		emit := func() bool {
			docs, err := s.RunQuery(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				pushQueryEvent(out, store.QueryEvent{Err: err})
				return false
			}
			if !first && !docsChanged(last, docs) {
				return true
			}
			first = false
			last = docs
			pushQueryEvent(out, store.QueryEvent{Docs: docs})
			return true
		}

		if !emit() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-pings:
				if !ok {
					return
				}
				if !emit() {
					return
				}
			}
		}
	}()
	return out, nil
}

func docChanged(prev, next *store.Document) bool {
	if prev == nil && next == nil {
		return false
	}
	if prev == nil || next == nil {
		return true
	}
	return !bytes.Equal(prev.Data, next.Data)
}

func docsChanged(prev, next []store.Document) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		if prev[i].ID != next[i].ID || !bytes.Equal(prev[i].Data, next[i].Data) {
			return true
		}
	}
	return false
}

// single producer per channel; a full buffer is drained so the newest event
// always lands
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
