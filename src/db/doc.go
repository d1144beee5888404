/*
Package db is a thin layer over pgx for the queries reviewq runs against
Postgres. Queries are plain SQL; results map onto Go types through pgx's row
collectors.

Arguments use ordinary $1, $2 placeholders. To pass a list, use a Postgres
array rather than IN:

	ids, err := db.QueryScalar[int64](ctx, conn,
		`
		---- Reviewables for targets
		SELECT id
		FROM reviewables
		WHERE target_type = $1 AND target_id = ANY($2)
		`,
		"Post",
		[]int64{1, 2, 3},
	)

Structs map by their `db` tags. The $columns placeholder expands to every
tagged column of the destination struct, optionally with a table prefix:

	type Score struct {
		ID     int64   `db:"id"`
		UserID int64   `db:"user_id"`
		Score  float64 `db:"score"`
	}
	scores, err := db.Query[Score](ctx, conn, `
		SELECT $columns{s}
		FROM reviewable_scores AS s
		JOIN reviewables AS r ON r.id = s.reviewable_id
		WHERE r.status = 0
	`)
	// SELECT s.id, s.user_id, s.score FROM ...

A first line of the form "---- Name" names the query for the query duration
histogram.
*/
package db
