// Package storage persists the marketplace install ledger in an embedded
// BoltDB database. The ledger records which plugins were installed from
// where and with which checksum, surviving process restarts; event data
// itself is never persisted.
package storage
