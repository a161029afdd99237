// Command dls manages a DLS permissions database and serves the
// permission API over HTTP.
//
// Usage:
//
//	dls [flags] <command>
//
// Commands that touch the database read database.url (or DLS_DATABASE_URL)
// unless --db is given. `dls serve --memory` runs without a database.
package main

func main() {
	Execute()
}
