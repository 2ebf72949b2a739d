// Package platform declares the interfaces the transfer core needs from
// its host chat platform and local settings store.
//
// The core treats the platform as an opaque service: send an attachment to
// a destination and receive a durable URL, fetch bytes back from that URL,
// page through historical messages, and persist one small JSON blob across
// restarts. Implementations adapt a concrete chat platform's API to these
// interfaces; the core never imports platform SDKs directly.
package platform
