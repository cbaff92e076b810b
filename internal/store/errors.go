package store

import (
	"context"
	"database/sql/driver"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/Aidin1998/tradesentry/pkg/errors"
)

// DuplicateKeyErrorCode is the postgres unique_violation code
const DuplicateKeyErrorCode = "23505"

// translate maps driver errors onto the engine's error kinds. Transient
// errors are retried by callers; everything else is reported as is.
func translate(err error) error {
	var (
		pgErr     *pgconn.PgError
		sqliteErr sqlite3.Error
		netErr    net.Error
	)

	switch {
	case err == nil:
		return nil
	case isKinded(err):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Transient.Explain("store operation interrupted").Wrap(err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.NotFound.Wrap(err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return errors.Conflict.Explain("duplication of key").Wrap(err)
	case errors.Is(err, driver.ErrBadConn):
		return errors.Transient.Explain("bad connection").Wrap(err)
	case errors.As(err, &pgErr):
		switch {
		case pgErr.Code == DuplicateKeyErrorCode:
			return errors.Conflict.Explain("duplication of key").Wrap(err)
		case pgconn.SafeToRetry(err), len(pgErr.Code) == 5 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "40" || pgErr.Code[:2] == "57"):
			// connection exceptions, serialization failures, operator intervention
			return errors.Transient.Wrap(err)
		}
	case errors.As(err, &sqliteErr):
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errors.Transient.Explain("database is locked").Wrap(err)
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return errors.Conflict.Explain("duplication of key").Wrap(err)
			}
		}
	case errors.As(err, &netErr):
		return errors.Transient.Wrap(err)
	}
	return err
}

func isKinded(err error) bool {
	_, ok := err.(*errors.Error)
	return ok
}
