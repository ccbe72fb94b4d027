// Package postgres provides PostgreSQL implementations of the store
// interfaces. Each store holds a store.DBTX, so the same code runs
// against a *sql.DB or, via WithTx, inside a caller-managed
// transaction. Driver errors are translated to store sentinels by
// MapError.
package postgres
