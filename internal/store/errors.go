package store

import (
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// isUniqueViolation recognises SQLite's and Postgres' distinct unique-constraint
// error shapes so repositories can translate them into a single conflict error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	// pgx surfaces unique_violation as SQLSTATE 23505; the stdlib database/sql
	// wrapper stringifies it, so fall back to a message match.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "UNIQUE constraint")
}
