// Package cache defines the named cache stores that back the offline shell.
// A Storage owns a set of independently named stores (the versioned static
// store and the unversioned runtime store); each Store maps a request URL to a
// stored response snapshot (status, headers, body). Writes are atomic per key
// (temp file + rename on disk, a single map assignment in memory), so a
// cancelled or failed write never leaves a partially committed entry behind.
// Lifecycle and strategy packages depend on these interfaces only, which keeps
// them testable with counting fakes.
package cache
