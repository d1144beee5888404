package queuegate

import (
	"context"
	"errors"
	"fmt"

	"git.handmade.network/hmn/reviewq/src/db"
	"git.handmade.network/hmn/reviewq/src/metrics"
	"git.handmade.network/hmn/reviewq/src/oops"
	"github.com/jackc/pgx/v5/pgconn"
)

// The row was not in the expected state; somebody else got there first.
var ErrStaleTransition = errors.New("stale transition: the item was changed by someone else")

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

/*
Guards writes to the shared mutable columns of a queue table. Every write is a
single UPDATE whose WHERE clause carries the caller's expectations, and the
affected row count decides the outcome: one row means the write happened, zero
means the expectations no longer hold and the caller gets ErrStaleTransition.
There is no read-then-write and no application lock.

Table and column names are trusted identifiers from code, never user input.
*/
type Guard struct {
	Table           string
	StatusColumn    string
	VersionColumn   string // optional
	TimestampColumn string // optional; set to NOW() on every write
}

type Assignment struct {
	Column string
	Value  any
}

// A raw SQL condition. Use $? for arguments.
type Predicate struct {
	SQL  string
	Args []any
}

func Eq(column string, value any) Predicate {
	return Predicate{SQL: column + " = $?", Args: []any{value}}
}

func IsNull(column string) Predicate {
	return Predicate{SQL: column + " IS NULL"}
}

type Write struct {
	ID          int64
	Set         []Assignment
	Where       []Predicate
	BumpVersion bool
}

/*
A status change. With From set the row must currently be in From; without it
the row must merely not be in To already, which is enough to stop a double
approval. ExpectedVersion, when set, must also match.
*/
type Change struct {
	ID              int64
	From            any
	To              any
	ExpectedVersion *int
	Set             []Assignment
	Where           []Predicate
}

// Performs a conditional write.
func (g Guard) Write(ctx context.Context, conn Execer, w Write) error {
	sql, args := g.build(w)

	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return oops.New(err, "failed to update %s %d", g.Table, w.ID)
	}
	switch tag.RowsAffected() {
	case 0:
		metrics.StaleTransitions.WithLabelValues(g.Table).Inc()
		return ErrStaleTransition
	case 1:
		return nil
	default:
		return oops.New(nil, "conditional update of %s %d touched %d rows", g.Table, w.ID, tag.RowsAffected())
	}
}

// Moves the row from one status to another. Always bumps the version when
// the guard has a version column.
func (g Guard) Transition(ctx context.Context, conn Execer, c Change) error {
	w := Write{
		ID:          c.ID,
		Set:         append([]Assignment{{Column: g.StatusColumn, Value: c.To}}, c.Set...),
		BumpVersion: true,
	}

	if c.From != nil {
		w.Where = append(w.Where, Eq(g.StatusColumn, c.From))
	} else {
		w.Where = append(w.Where, Predicate{SQL: g.StatusColumn + " <> $?", Args: []any{c.To}})
	}
	if c.ExpectedVersion != nil {
		if g.VersionColumn == "" {
			panic(fmt.Errorf("guard for %s has no version column", g.Table))
		}
		w.Where = append(w.Where, Eq(g.VersionColumn, *c.ExpectedVersion))
	}
	w.Where = append(w.Where, c.Where...)

	return g.Write(ctx, conn, w)
}

func (g Guard) build(w Write) (string, []any) {
	var qb db.QueryBuilder
	qb.Add(fmt.Sprintf("---- Guarded update of %s", g.Table))
	qb.Add(fmt.Sprintf("UPDATE %s SET", g.Table))

	first := true
	set := func(sql string, args ...any) {
		if !first {
			sql = ", " + sql
		}
		first = false
		qb.Add(sql, args...)
	}
	for _, a := range w.Set {
		set(a.Column+" = $?", a.Value)
	}
	if w.BumpVersion && g.VersionColumn != "" {
		set(fmt.Sprintf("%s = %s + 1", g.VersionColumn, g.VersionColumn))
	}
	if g.TimestampColumn != "" {
		set(g.TimestampColumn + " = NOW()")
	}
	if first {
		panic(fmt.Errorf("guarded update of %s sets nothing", g.Table))
	}

	qb.Add("WHERE id = $?", w.ID)
	for _, p := range w.Where {
		qb.Add("AND ("+p.SQL+")", p.Args...)
	}
	return qb.String(), qb.Args()
}
