// Package store defines the persistence interfaces consumed by the
// queue manager, session manager, and task processors, together with
// the shared transaction helper and sentinel errors. Implementations
// live in internal/platform/postgres.
package store
