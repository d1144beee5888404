package queuegate

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	sql  string
	args []any
	rows int64
	err  error
}

func (e *recordingExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	e.args = args
	if e.err != nil {
		return pgconn.CommandTag{}, e.err
	}
	return pgconn.NewCommandTag("UPDATE " + strconv.FormatInt(e.rows, 10)), nil
}

var reviewables = Guard{
	Table:           "reviewables",
	StatusColumn:    "status",
	VersionColumn:   "version",
	TimestampColumn: "updated_at",
}

func TestTransitionSQL(t *testing.T) {
	ctx := context.Background()

	t.Run("expected status and version", func(t *testing.T) {
		ex := &recordingExecer{rows: 1}
		version := 3
		err := reviewables.Transition(ctx, ex, Change{
			ID:              12,
			From:            0,
			To:              1,
			ExpectedVersion: &version,
			Where:           []Predicate{Eq("claimed_by_id", int64(7))},
		})
		require.Nil(t, err)
		assert.Equal(t,
			"---- Guarded update of reviewables\n"+
				"UPDATE reviewables SET\n"+
				"status = $1\n"+
				", version = version + 1\n"+
				", updated_at = NOW()\n"+
				"WHERE id = $2\n"+
				"AND (status = $3)\n"+
				"AND (version = $4)\n"+
				"AND (claimed_by_id = $5)\n",
			ex.sql,
		)
		assert.Equal(t, []any{1, int64(12), 0, 3, int64(7)}, ex.args)
	})
	t.Run("not already in target state", func(t *testing.T) {
		queued := Guard{Table: "queued_posts", StatusColumn: "state"}
		ex := &recordingExecer{rows: 1}
		err := queued.Transition(ctx, ex, Change{
			ID:  5,
			To:  2,
			Set: []Assignment{{Column: "approved_by_id", Value: int64(9)}},
		})
		require.Nil(t, err)
		assert.Equal(t,
			"---- Guarded update of queued_posts\n"+
				"UPDATE queued_posts SET\n"+
				"state = $1\n"+
				", approved_by_id = $2\n"+
				"WHERE id = $3\n"+
				"AND (state <> $4)\n",
			ex.sql,
		)
		assert.Equal(t, []any{2, int64(9), int64(5), 2}, ex.args)
	})
	t.Run("version required", func(t *testing.T) {
		noVersion := Guard{Table: "queued_posts", StatusColumn: "state"}
		v := 1
		assert.Panics(t, func() {
			_ = noVersion.Transition(ctx, &recordingExecer{rows: 1}, Change{ID: 1, To: 2, ExpectedVersion: &v})
		})
	})
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("claim-style write", func(t *testing.T) {
		ex := &recordingExecer{rows: 1}
		err := reviewables.Write(ctx, ex, Write{
			ID:    4,
			Set:   []Assignment{{Column: "claimed_by_id", Value: int64(2)}},
			Where: []Predicate{IsNull("claimed_by_id"), Eq("status", 0)},
		})
		require.Nil(t, err)
		assert.Contains(t, ex.sql, "claimed_by_id = $1\n, updated_at = NOW()\nWHERE id = $2\nAND (claimed_by_id IS NULL)\nAND (status = $3)\n")
		assert.NotContains(t, ex.sql, "version")
	})
	t.Run("zero rows is stale", func(t *testing.T) {
		err := reviewables.Write(ctx, &recordingExecer{rows: 0}, Write{ID: 4, Set: []Assignment{{Column: "score", Value: 1.0}}})
		assert.ErrorIs(t, err, ErrStaleTransition)
	})
	t.Run("more than one row is a bug", func(t *testing.T) {
		err := reviewables.Write(ctx, &recordingExecer{rows: 2}, Write{ID: 4, Set: []Assignment{{Column: "score", Value: 1.0}}})
		assert.NotNil(t, err)
		assert.False(t, errors.Is(err, ErrStaleTransition))
	})
	t.Run("exec errors are wrapped", func(t *testing.T) {
		boom := errors.New("connection reset")
		err := reviewables.Write(ctx, &recordingExecer{err: boom}, Write{ID: 4, Set: []Assignment{{Column: "score", Value: 1.0}}})
		assert.ErrorIs(t, err, boom)
	})
	t.Run("empty write panics", func(t *testing.T) {
		bare := Guard{Table: "reviewables", StatusColumn: "status"}
		assert.Panics(t, func() {
			_ = bare.Write(ctx, &recordingExecer{rows: 1}, Write{ID: 4})
		})
	})
}

// A single-row table that evaluates the same compare-and-swap a conditional
// UPDATE would, atomically.
type casRow struct {
	mu      sync.Mutex
	status  int
	version int
}

func (r *casRow) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// args: to, id, from, version
	to, from, version := args[0].(int), args[2].(int), args[3].(int)
	if r.status != from || r.version != version {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}
	r.status = to
	r.version++
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func TestConcurrentTransitions(t *testing.T) {
	row := &casRow{}
	version := 0

	const actors = 8
	results := make([]error, actors)
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = reviewables.Transition(context.Background(), row, Change{
				ID:              1,
				From:            0,
				To:              1,
				ExpectedVersion: &version,
			})
		}(i)
	}
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleTransition):
			stale++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, actors-1, stale)
	assert.Equal(t, 1, row.version)
}
