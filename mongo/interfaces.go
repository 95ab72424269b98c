// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo defines the narrow slice of the mgo driver the broker
// consumes. The store gateway and the oplog tailer are written against
// these interfaces so that tests can substitute deterministic in-memory
// implementations (see mongo/mongotest).
package mongo

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
)

// Collection is the document collection surface used by the broker: id
// addressed reads and writes, pattern queries and bulk operations.
type Collection interface {
	// Find returns a query over the collection. The query document is
	// a bson.M whose conditions are limited to equality, $gt/$lt
	// ranges, and bson.RegEx matches on _id.
	Find(query interface{}) Query

	// FindId returns a query selecting the single document with the
	// given id.
	FindId(id interface{}) Query

	// UpsertId updates the document with the given id, inserting it if
	// it does not exist.
	UpsertId(id interface{}, update interface{}) error

	// UpdateId updates the document with the given id. It returns a
	// not-found error, recognised by IsNotFound, when no such document
	// exists.
	UpdateId(id interface{}, update interface{}) error

	// Bulk returns a new bulk operation builder.
	Bulk() Bulk
}

// Query is a prepared query over a Collection.
type Query interface {
	// Sort orders the results by the given fields, prefixed with "-"
	// for descending order. "$natural" sorts by insertion order.
	Sort(fields ...string) Query

	// Limit caps the number of results.
	Limit(n int) Query

	// LogReplay enables the oplog replay optimisation. It only makes
	// sense on ts-filtered queries against the oplog.
	LogReplay() Query

	// One unmarshals the first result, or returns a not-found error
	// recognised by IsNotFound.
	One(result interface{}) error

	// Iter iterates over the results.
	Iter() Iterator

	// Tail returns a tailing iterator that blocks for up to timeout
	// waiting for new results before reporting a timeout.
	Tail(timeout time.Duration) Iterator
}

// Iterator walks query results. The semantics follow mgo: after Next
// returns false, Timeout distinguishes a tail timeout (the iterator is
// still valid and Next may be called again) from a dead cursor, whose
// error is reported by Close or Err.
type Iterator interface {
	Next(result interface{}) bool
	Timeout() bool
	Err() error
	Close() error
}

// Bulk queues a batch of operations for a single round trip.
type Bulk interface {
	// Unordered lets the operations run in any order, continuing past
	// individual failures.
	Unordered()

	// Upsert queues (selector, update) pairs.
	Upsert(pairs ...interface{})

	// RemoveAll queues selectors whose every match is removed.
	RemoveAll(selectors ...interface{})

	// Run executes the queued operations. A partial failure is
	// reported as an error.
	Run() error
}

// IsNotFound reports whether err is the driver's not-found error.
func IsNotFound(err error) bool {
	return errors.Cause(err) == mgo.ErrNotFound
}
