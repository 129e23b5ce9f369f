package database

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Kind classifies a database error so callers can tell a legitimate conflict
// from a broken store.
type Kind int

const (
	// KindConnection means the store is unreachable or uninitialized.
	KindConnection Kind = iota + 1
	// KindMigration means migration sequencing was invalid or a unit failed.
	KindMigration
	// KindConstraint means a natural-key or referential conflict.
	KindConstraint
	// KindOperation is the catch-all for unexpected engine failures.
	KindOperation
	// KindDuplicate classifies a row skipped by a batch operation.
	KindDuplicate
)

// Sentinels matched via errors.Is.
var (
	ErrConnectionFailed    = errors.New("database: connection failed")
	ErrMigrationFailed     = errors.New("database: migration failed")
	ErrConstraintViolation = errors.New("database: constraint violation")
	ErrOperationFailed     = errors.New("database: operation failed")
	ErrDuplicateEntry      = errors.New("database: duplicate entry")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnectionFailed
	case KindMigration:
		return ErrMigrationFailed
	case KindConstraint:
		return ErrConstraintViolation
	case KindDuplicate:
		return ErrDuplicateEntry
	default:
		return ErrOperationFailed
	}
}

// Error carries the classification plus the offending query shape and
// parameters alongside the underlying engine error.
type Error struct {
	Kind  Kind
	Op    string
	Query string
	Args  []any
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.sentinel().Error(), e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.sentinel().Error(), e.Op)
}

// Unwrap exposes both the kind sentinel and the wrapped engine error, so
// errors.Is works against either.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind.sentinel(), e.Err}
	}
	return []error{e.Kind.sentinel()}
}

// NewError builds a classified error. Args are kept for diagnostics only.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithQuery attaches the query shape and parameters.
func (e *Error) WithQuery(query string, args ...any) *Error {
	e.Query = query
	e.Args = args
	return e
}

// IsUniqueViolation reports whether err is a sqlite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint &&
			(serr.ExtendedCode == sqlite3.ErrConstraintUnique || serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

// IsConstraintViolation reports whether err is any sqlite constraint failure
// (unique, foreign key, check).
func IsConstraintViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// ClassifyExec wraps an engine error from a write, promoting constraint
// failures so callers can surface them as user-facing conflicts.
func ClassifyExec(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConstraintViolation(err) {
		return NewError(KindConstraint, op, err)
	}
	return NewError(KindOperation, op, err)
}
