// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package oplog tails the mongo oplog and republishes the mutations of
// the tree collection as path changes on a pubsub hub.
package oplog

const (
	// ChangeTopic carries Change values, one per tree mutation read
	// from the oplog.
	ChangeTopic = "oplog.change"

	// TailerStarting is published once the tailer has recorded its
	// starting checkpoint, just before it begins tailing. Mutations
	// already in the oplog at that point are never republished.
	TailerStarting = "oplog.starting"
)

// Change describes one tree mutation: the deepest path the mutation is
// known to affect, and the new value there. A nil Value means the
// subtree at Path was removed.
type Change struct {
	Path  string
	Value interface{}
}

// Hub represents a pubsub hub. The Tailer only ever publishes to it.
type Hub interface {
	Publish(topic string, data interface{}) func()
}
