package migrations

import (
	"git.handmade.network/hmn/reviewq/src/migration/types"
)

var All = make(map[types.MigrationVersion]types.Migration)

func registerMigration(m types.Migration) {
	if _, exists := All[m.Version()]; exists {
		panic("two migrations share version " + m.Version().String())
	}
	All[m.Version()] = m
}
