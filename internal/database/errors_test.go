package database

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	tests := []struct {
		kind Kind
		want error
	}{
		{KindConnection, ErrConnectionFailed},
		{KindMigration, ErrMigrationFailed},
		{KindConstraint, ErrConstraintViolation},
		{KindOperation, ErrOperationFailed},
		{KindDuplicate, ErrDuplicateEntry},
	}
	for _, tc := range tests {
		err := NewError(tc.kind, "op", fmt.Errorf("inner"))
		if !errors.Is(err, tc.want) {
			t.Errorf("kind %d: errors.Is(%v, %v) = false", tc.kind, err, tc.want)
		}
	}
}

func TestErrorUnwrapsInner(t *testing.T) {
	inner := errors.New("disk on fire")
	err := NewError(KindOperation, "write", fmt.Errorf("exec: %w", inner))
	if !errors.Is(err, inner) {
		t.Error("inner error not reachable through Unwrap")
	}
	if !errors.Is(err, ErrOperationFailed) {
		t.Error("sentinel not reachable through Unwrap")
	}
}

func TestErrorWithQuery(t *testing.T) {
	err := NewError(KindOperation, "count", errors.New("x")).WithQuery("SELECT COUNT(*) FROM t WHERE a = ?", 7)
	if err.Query == "" {
		t.Error("query not attached")
	}
	if len(err.Args) != 1 || err.Args[0] != 7 {
		t.Errorf("args = %v, want [7]", err.Args)
	}
}

// A live UNIQUE failure from the driver must classify as a constraint, and a
// plain engine failure as an operation error.
func TestClassifyExecAgainstLiveStore(t *testing.T) {
	ctx := context.Background()
	m := testManager(t)
	db, err := m.Conn()
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE u (k TEXT UNIQUE)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO u (k) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, dupErr := db.ExecContext(ctx, `INSERT INTO u (k) VALUES ('a')`)
	if dupErr == nil {
		t.Fatal("expected UNIQUE failure")
	}
	if !IsUniqueViolation(dupErr) {
		t.Error("IsUniqueViolation = false for duplicate insert")
	}
	if !IsConstraintViolation(dupErr) {
		t.Error("IsConstraintViolation = false for duplicate insert")
	}
	if !errors.Is(ClassifyExec("insert", dupErr), ErrConstraintViolation) {
		t.Error("ClassifyExec did not classify duplicate as constraint")
	}

	_, opErr := db.ExecContext(ctx, `INSERT INTO missing (k) VALUES ('a')`)
	if opErr == nil {
		t.Fatal("expected failure on missing table")
	}
	if IsConstraintViolation(opErr) {
		t.Error("missing table misclassified as constraint")
	}
	if !errors.Is(ClassifyExec("insert", opErr), ErrOperationFailed) {
		t.Error("ClassifyExec did not classify engine failure as operation")
	}

	if ClassifyExec("noop", nil) != nil {
		t.Error("ClassifyExec(nil) != nil")
	}
}
