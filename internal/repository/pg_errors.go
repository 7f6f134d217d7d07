package repository

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgInvalidTextRepresentation = "22P02"

// isNotFound treats both "no rows" and a malformed UUID key as a missing row,
// since neither can name an existing record.
func isNotFound(err error) bool {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepresentation
}
