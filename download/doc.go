// Package download implements the download engine: pulling every chunk of
// a complete session from the platform, reassembling them in index order,
// and verifying the merged result against the session's whole-file
// checksum when one was recorded.
//
// Each download is tracked as a State with a defined state machine:
//
//	pending → downloading → {merging → completed | paused | error}
//	paused  → downloading (on resume)
//
// Retrieved chunk bytes live in an in-memory resume cache so a paused
// download continues without refetching, at the cost of losing the cache
// on restart. A fetch returning no data fails the whole attempt: the
// merge step requires full coverage, so a missing chunk can never be
// silently skipped.
//
// Checksum failure does not fail the download. The merged bytes are still
// usable, so the mismatch is surfaced as a result flag for the caller to
// act on.
package download
