package main

import (
	_ "git.handmade.network/hmn/reviewq/src/admintools"
	_ "git.handmade.network/hmn/reviewq/src/migration"
	"git.handmade.network/hmn/reviewq/src/server"
)

func main() {
	server.ReviewQCommand.Execute()
}
