package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

/*
Returned by QueryOne and QueryOneScalar when the result set is empty, and by
any other helper that fetches a single row and finds nothing.
*/
var NotFound = errors.New("not found")

// Matches a pool, a single connection, or a transaction.
type ConnOrTx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	// On a transaction this starts a savepoint. See pgx.Tx.Begin.
	Begin(ctx context.Context) (pgx.Tx, error)
}

/*
Runs a query and maps every row to T. Struct types are mapped by column name
using their `db` tags; anything else is scanned as a single column. Use the
$columns placeholder to select a struct's columns without listing them.

Results are returned as pointers. For primitive types, QueryScalar is usually
more convenient.
*/
func Query[T any](ctx context.Context, conn ConnOrTx, query string, args ...any) ([]*T, error) {
	compiled := compileQuery[T](query)

	rows, err := conn.Query(ctx, compiled, args...)
	if err != nil {
		return nil, err
	}

	var result []*T
	if isStructDest[T]() {
		result, err = pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[T])
	} else {
		result, err = pgx.CollectRows(rows, pgx.RowToAddrOf[T])
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Like Query, but returns only the first row, or NotFound.
func QueryOne[T any](ctx context.Context, conn ConnOrTx, query string, args ...any) (*T, error) {
	compiled := compileQuery[T](query)

	rows, err := conn.Query(ctx, compiled, args...)
	if err != nil {
		return nil, err
	}

	var result *T
	if isStructDest[T]() {
		result, err = pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[T])
	} else {
		result, err = pgx.CollectOneRow(rows, pgx.RowToAddrOf[T])
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFound
	} else if err != nil {
		return nil, err
	}
	return result, nil
}

// Like Query, but returns values instead of pointers.
func QueryScalar[T any](ctx context.Context, conn ConnOrTx, query string, args ...any) ([]T, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[T])
}

// Like QueryScalar, but returns only the first value, or NotFound.
func QueryOneScalar[T any](ctx context.Context, conn ConnOrTx, query string, args ...any) (T, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		var zero T
		return zero, err
	}

	result, err := pgx.CollectOneRow(rows, pgx.RowTo[T])
	if errors.Is(err, pgx.ErrNoRows) {
		var zero T
		return zero, NotFound
	}
	return result, err
}

/*
Runs fn inside a transaction. The transaction commits if fn returns nil and
rolls back otherwise. Errors from fn are returned as-is, so sentinel errors
survive the trip.
*/
func InTx(ctx context.Context, conn ConnOrTx, fn func(tx pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return oops.New(err, "failed to start transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return oops.New(err, "failed to commit transaction")
	}
	return nil
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// True if the error is a Postgres unique constraint violation. When
// constraint is not empty, the violated constraint must also match.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeForeignKeyViolation
}

var (
	reColumnsPlaceholder = regexp.MustCompile(`\$columns({(.*?)})?`)

	timeType    = reflect.TypeOf(time.Time{})
	scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
)

func isStructDest[T any]() bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() != reflect.Struct || t == timeType {
		return false
	}
	return !reflect.PointerTo(t).Implements(scannerType)
}

func compileQuery[T any](query string) string {
	m := reColumnsPlaceholder.FindStringSubmatch(query)
	if m == nil {
		return query
	}

	destType := reflect.TypeOf((*T)(nil)).Elem()
	if !isStructDest[T]() {
		panic(fmt.Errorf("$columns can only be used when querying into a struct, got %v", destType))
	}

	columns := ColumnNames(destType)
	if prefix := m[2]; prefix != "" {
		for i, c := range columns {
			columns[i] = prefix + "." + c
		}
	}
	return reColumnsPlaceholder.ReplaceAllLiteralString(query, strings.Join(columns, ", "))
}

// The column names of a struct, from its `db` tags, in field order. Fields
// without a tag or tagged "-" are skipped.
func ColumnNames(t reflect.Type) []string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	var names []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(field.Tag.Get("db"), ",")
		if name == "" || name == "-" {
			continue
		}
		names = append(names, name)
	}
	return names
}
