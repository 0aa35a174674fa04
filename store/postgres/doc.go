// Package postgres implements store.Store on PostgreSQL using pgx/v5.
// Dequeue uses FOR UPDATE SKIP LOCKED, step materialization uses
// INSERT ... ON CONFLICT DO NOTHING followed by a read, and status
// transitions run inside a transaction holding a row lock.
package postgres
