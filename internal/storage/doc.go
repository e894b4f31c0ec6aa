// Package storage persists the channel registry, named groups, monitor
// settings, operator roster and audit trail behind a single Store
// interface with file and sqlite drivers.
package storage
