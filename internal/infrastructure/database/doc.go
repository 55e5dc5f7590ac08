// Package database opens the SQLite file behind the embedded cache backend
// and applies its schema from migration files compiled into the binary.
//
//	db, err := database.Open(database.Config{Path: cfg.Cache.SQLite.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
