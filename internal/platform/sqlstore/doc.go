// Package sqlstore implements queue.Store on a SQL database.
//
// Two dialects are supported: PostgreSQL through the pgx database/sql
// driver, and SQLite through mattn/go-sqlite3. Both share one set of
// queries written with "?" placeholders that are rebound for PostgreSQL.
//
// Claiming is a single UPDATE ... RETURNING statement whose subquery picks
// the next ready job. On PostgreSQL the subquery locks with FOR UPDATE SKIP
// LOCKED so concurrent workers never block on or claim the same row. SQLite
// serializes writers on its own.
//
// Timestamps are stored as Unix milliseconds, with zero meaning unset, so
// the same scanning code works for both drivers.
//
// The schema is managed by goose from migrations embedded in the binary.
package sqlstore
