// Package domain defines the core business entities of the dispatch
// service: sessions, queue jobs, and the per-type task records produced
// by processing them. Entities validate themselves and carry no
// persistence or transport concerns.
package domain
