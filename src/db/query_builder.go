package db

import (
	"fmt"
	"strings"
)

/*
Builds up a query in chunks, numbering `$?` placeholders as it goes:

	var qb db.QueryBuilder
	qb.Add(`SELECT $columns FROM reviewables WHERE status = $?`, status)
	if claimedBy != 0 {
		qb.Add(`AND claimed_by_id = $?`, claimedBy)
	}
	// SELECT ... WHERE status = $1
	// AND claimed_by_id = $2
*/
type QueryBuilder struct {
	sql  strings.Builder
	args []any
}

func (qb *QueryBuilder) Add(sql string, args ...any) {
	numPlaceholders := strings.Count(sql, "$?")
	if numPlaceholders != len(args) {
		panic(fmt.Errorf("cannot add chunk to query; expected %d arguments but got %d", numPlaceholders, len(args)))
	}

	for _, arg := range args {
		sql = strings.Replace(sql, "$?", fmt.Sprintf("$%d", len(qb.args)+1), 1)
		qb.args = append(qb.args, arg)
	}

	qb.sql.WriteString(sql)
	qb.sql.WriteString("\n")
}

func (qb *QueryBuilder) String() string {
	return qb.sql.String()
}

func (qb *QueryBuilder) Args() []any {
	return qb.args
}
