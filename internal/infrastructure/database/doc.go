// Package database provides the SQLite handle shared by every Homelink store.
//
// Open configures WAL mode, a busy timeout and foreign keys, and pins the
// pool to a single connection. Migrate applies the embedded SQL migrations
// registered by the migrations package:
//
//	import _ "github.com/nerrad567/homelink-core/migrations"
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// All queries in the stores use parameterised statements.
package database
