// Package testutil provides an in-memory chat platform and blob store
// implementing the platform interfaces, with hooks for failure injection
// (rate limits, dead fetches, artificial latency) so the transfer engines
// can be exercised without a real platform.
package testutil
