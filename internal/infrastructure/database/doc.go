// Package database opens the SQLite file that backs the session store and
// the device cache, and applies the schema migrations registered by
// package migrations.
//
// The reconciliation core never touches the database; only package store
// does, through the interfaces the client facade declares.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Thread Safety:
//   - DB allows one open connection; concurrent callers queue on it.
//   - RegisterMigrations may be called concurrently with Migrate.
package database
