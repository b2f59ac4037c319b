// Package database opens the SQLite file that backs the durable outbox and
// the dead-letter table, and applies the embedded schema migrations.
//
// The connection pool is pinned to a single connection. Every outbox
// operation is one short transaction, so serialising them costs little and
// keeps the claim/ack protocol free of write races.
//
// Durability: Synchronous defaults to FULL, so a committed outbox insert
// survives power loss. NORMAL trades that for throughput and only survives
// a process crash.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are pairs of files named YYYYMMDD_HHMMSS_name.up.sql and
// .down.sql, registered by the migrations package through MigrationsFS.
package database
