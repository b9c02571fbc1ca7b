// Package postgres implements the store using pgx/v5 with raw SQL.
// Features: conditional upserts for first-write-wins step recording,
// exactly-once terminal transitions, embedded SQL migrations.
package postgres
