// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

// ValueExtra carries the query tagging attached to fetch driven value
// deliveries: the query the value belongs to and the anchor path of the
// element delivered immediately before it in sort order (nil for the
// first element).
type ValueExtra struct {
	QueryID string
	After   *string
}

// Subscriber is anything registered to receive value notifications for
// a path: a connection handler, a per-element query forwarder, or a
// query state itself.
type Subscriber interface {
	// ID identifies the subscriber within a registry entry.
	ID() string

	// Closed reports whether the subscriber is defunct. Closed
	// subscribers are pruned lazily from the registry.
	Closed() bool

	// WriteProgress returns the subscriber's current write progress
	// counter.
	WriteProgress() int64

	// SendValue delivers a value notification. Implementations must
	// silently drop deliveries after closing.
	SendValue(path string, value interface{}, progress int64, extra *ValueExtra)
}

// Conn is the transport surface a Handler writes to. The apiserver
// provides a websocket backed implementation; tests use in-memory ones.
type Conn interface {
	// ID identifies the connection.
	ID() string

	// Emit sends a named message to the client. Implementations are
	// responsible for serialising concurrent calls.
	Emit(name string, payload interface{})
}
