package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/batchpub/errors"
)

// closedMessages are driver messages for a handle that can no longer serve
// queries. go-sqlite3 does not export a typed error for them.
var closedMessages = []string{
	"sql: database is closed",
	"database is closed",
}

// IsClosed reports whether err means the database handle, or the
// connection under a transaction, has been closed.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errors.ErrClosed) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := err.Error()
	for _, m := range closedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// MapClosed rewrites a closed-database error as errors.ErrClosed annotated
// with op, so stores report shutdown the same way for every backend. Other
// errors, and nil, are returned unchanged.
func MapClosed(err error, op string) error {
	if err == nil || errors.Is(err, errors.ErrClosed) || !IsClosed(err) {
		return err
	}
	return errors.Wrapf(errors.ErrClosed, "%s: %v", op, err)
}
