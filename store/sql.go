package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/batchpub/db"
	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/feed"
	"github.com/teranos/batchpub/logger"
	"github.com/teranos/batchpub/query"
)

// SQLStore keeps documents in the SQLite documents table. Its feeds always
// poll: they re-run the query on every write made through this store,
// throttled, and on a fixed interval to pick up writes made elsewhere.
type SQLStore struct {
	db        *sql.DB
	observers *observers
	opts      Options
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps a migrated database.
func NewSQLStore(conn *sql.DB, opts Options) *SQLStore {
	return &SQLStore{db: conn, observers: newObservers(), opts: opts.withDefaults("sqlstore")}
}

func (s *SQLStore) Insert(ctx context.Context, collection string, id document.ID, fields document.Fields) error {
	return s.write(ctx, collection, id, func(prev document.Fields, exists bool) (document.Fields, error) {
		if exists {
			return nil, errors.NewInvalidRequestError("document %s/%s already exists", collection, id)
		}
		if fields == nil {
			return document.Fields{}, nil
		}
		return fields.Clone(), nil
	})
}

func (s *SQLStore) Update(ctx context.Context, collection string, id document.ID, set document.Fields, unset []string) error {
	return s.write(ctx, collection, id, func(prev document.Fields, exists bool) (document.Fields, error) {
		if !exists {
			return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
		}
		return prev.Apply(set, unset), nil
	})
}

func (s *SQLStore) Upsert(ctx context.Context, collection string, id document.ID, fields document.Fields) error {
	return s.write(ctx, collection, id, func(document.Fields, bool) (document.Fields, error) {
		if fields == nil {
			return document.Fields{}, nil
		}
		return fields.Clone(), nil
	})
}

func (s *SQLStore) Remove(ctx context.Context, collection string, id document.ID) error {
	return s.write(ctx, collection, id, func(_ document.Fields, exists bool) (document.Fields, error) {
		if !exists {
			return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
		}
		return nil, nil
	})
}

// write runs read-modify-write in one transaction, then notifies.
func (s *SQLStore) write(ctx context.Context, collection string, id document.ID, fn func(prev document.Fields, exists bool) (document.Fields, error)) error {
	if collection == "" {
		return errors.WithStack(errors.ErrMissingCollection)
	}
	if err := id.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return db.MapClosed(errors.Wrapf(err, "begin write %s/%s", collection, id), "sql store")
	}
	defer tx.Rollback()

	prev, exists, err := getFields(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	next, err := fn(prev, exists)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	switch {
	case next == nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id.String())
	default:
		raw, merr := json.Marshal(next)
		if merr != nil {
			return errors.Wrapf(merr, "encode %s/%s", collection, id)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, fields, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET fields = excluded.fields, updated_at = excluded.updated_at`,
			collection, id.String(), string(raw), now, now)
	}
	if err != nil {
		return errors.Wrapf(err, "write %s/%s", collection, id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "commit %s/%s", collection, id)
	}

	s.observers.notify(Write{Collection: collection, ID: id, Before: prev, After: next})
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFields(ctx context.Context, q queryer, collection string, id document.ID) (document.Fields, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT fields FROM documents WHERE collection = ? AND id = ?`, collection, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read %s/%s", collection, id)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode %s/%s", collection, id)
	}
	return fields, true, nil
}

func decodeFields(raw string) (document.Fields, error) {
	fields := document.Fields{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func (s *SQLStore) Get(ctx context.Context, collection string, id document.ID) (document.Fields, error) {
	fields, ok, err := getFields(ctx, s.db, collection, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "document %s/%s", collection, id)
	}
	return fields, nil
}

// Find loads the collection and evaluates q in Go.
func (s *SQLStore) Find(ctx context.Context, q query.Query) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, fields FROM documents WHERE collection = ?`, q.Collection)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", q.Collection)
	}
	defer rows.Close()

	var docs []document.Document
	for rows.Next() {
		var rawID, rawFields string
		if err := rows.Scan(&rawID, &rawFields); err != nil {
			return nil, errors.Wrapf(err, "scan %s", q.Collection)
		}
		id, err := document.ParseID(rawID)
		if err != nil {
			return nil, errors.Wrapf(err, "stored id %q in %s", rawID, q.Collection)
		}
		fields, err := decodeFields(rawFields)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s/%s", q.Collection, rawID)
		}
		docs = append(docs, document.Document{ID: id, Fields: fields})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", q.Collection)
	}
	return q.Apply(docs)
}

// Feed always returns a polling feed.
func (s *SQLStore) Feed(q query.Query) (feed.ChangeFeed, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if ok, reason := q.SupportsIncremental(); !ok {
		s.opts.Logger.Infow("Query degraded to polling",
			logger.FieldCollection, q.Collection,
			logger.FieldReason, reason,
		)
		s.opts.Metrics.FeedDegraded(q.Collection, reason)
	}
	fetch := func(ctx context.Context) ([]document.Document, error) {
		docs, err := s.Find(ctx, q)
		return docs, db.MapClosed(err, "poll "+q.Collection)
	}
	return &metered{ChangeFeed: newPollingFeed(q.Collection, fetch, s.observers, s.opts), metrics: s.opts.Metrics}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
