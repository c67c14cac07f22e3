package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/query"
)

// --- Sqlmock Tests ---
// Driver failures that a real SQLite file will not produce on demand.

type countingObserver struct{ writes int }

func (c *countingObserver) OnWrite(Write) { c.writes++ }

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLStore(conn, Options{}), mock
}

func TestSQLStoreWriteFailureRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	obs := &countingObserver{}
	s.observers.register("tasks", obs)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT fields FROM documents`).
		WithArgs("tasks", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"fields"}))
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("tasks", "t1", `{"n":1}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Insert(context.Background(), "tasks", document.NewID("t1"), document.Fields{"n": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write tasks/t1")
	assert.Zero(t, obs.writes, "failed writes are not announced")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReadFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT fields FROM documents`).
		WithArgs("tasks", "t1").
		WillReturnError(errors.New("database is locked"))

	_, err := s.Get(context.Background(), "tasks", document.NewID("t1"))
	require.Error(t, err)
	assert.False(t, errors.IsNotFoundError(err))
	assert.Contains(t, err.Error(), "read tasks/t1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreFindRejectsCorruptRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT id, fields FROM documents`).
		WithArgs("tasks").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fields"}).
			AddRow("t1", `{"n":1}`).
			AddRow("t2", `{not json`))

	_, err := s.Find(context.Background(), query.Query{Collection: "tasks"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode tasks/t2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreClosedConnectionIsErrClosed(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(sql.ErrConnDone)

	err := s.Upsert(context.Background(), "tasks", document.NewID("t1"), document.Fields{"n": 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))
	assert.NoError(t, mock.ExpectationsWereMet())
}
