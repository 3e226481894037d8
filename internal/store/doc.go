// Package store persists the account session and the last device listing
// in the core's SQLite database.
//
// Both stores are scoped to one account at construction and satisfy the
// aromalink.SessionStore and aromalink.DeviceCache interfaces. The schema
// comes from the migrations package; run database.DB.Migrate before use.
//
// Thread Safety:
//   - Safe for concurrent use; serialisation is left to database/sql.
package store
