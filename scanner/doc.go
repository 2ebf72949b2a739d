// Package scanner rebuilds the chunk registry from channel history.
//
// The registry is memory-only, so after a process restart nothing is
// known about previously uploaded sessions until their carrier messages
// are observed again. The scanner walks a channel's message history
// backward in fixed-size pages, parses every message body as chunk
// metadata, and inserts whatever it recognizes into the registry.
// Non-chunk messages are skipped silently and existing records are left
// alone, so scanning is purely additive and safe to repeat.
package scanner
