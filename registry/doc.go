// Package registry maintains the in-memory index of discovered chunks,
// grouped into sessions keyed by their creation timestamp.
//
// The registry is a discovery cache, not a database: it is rebuilt after a
// restart by the scanner or by live message events. Insertion is idempotent
// per (session, index) pair, sessions expire after a period without
// mutation, and every visible change notifies registered listeners exactly
// once.
package registry
