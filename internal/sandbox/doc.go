// Package sandbox provides containerized code execution over the Docker
// Engine API. Ephemeral runs are single-use, network-disabled containers
// removed as soon as the call returns; persistent containers are
// registered per (session, language) and live until stopped explicitly
// or swept by session cleanup.
package sandbox
