// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongotest provides a deterministic in-memory implementation
// of the mongo interfaces, covering exactly the query shapes the broker
// issues. It backs the store, broker, oplog and apiserver test suites.
package mongotest

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/treebroker/mongo"
)

// Collection is an in-memory mongo.Collection. Documents are bson.M
// values kept in insertion order, so "$natural" sorts behave like a
// capped collection.
type Collection struct {
	mu      sync.Mutex
	docs    []bson.M
	changed chan struct{}

	// BulkRunError, when set, is returned by the next Bulk.Run without
	// applying any queued operation.
	BulkRunError error

	tailErr    error
	tailClosed bool
}

// NewCollection returns an empty in-memory collection.
func NewCollection() *Collection {
	return &Collection{changed: make(chan struct{})}
}

// Insert appends a document, waking any tailing iterator.
func (c *Collection) Insert(doc bson.M) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, cloneDoc(doc))
	c.bump()
}

// Docs returns a snapshot of all documents in insertion order.
func (c *Collection) Docs() []bson.M {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bson.M, len(c.docs))
	for i, d := range c.docs {
		out[i] = cloneDoc(d)
	}
	return out
}

// DocId returns the document with the given id, if present.
func (c *Collection) DocId(id string) (bson.M, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs {
		if d["_id"] == id {
			return cloneDoc(d), true
		}
	}
	return nil, false
}

// CloseTail makes every tailing iterator fail with err, emulating a
// dead cursor.
func (c *Collection) CloseTail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tailClosed = true
	c.tailErr = err
	c.bump()
}

// bump signals waiters that the collection changed. Callers hold mu.
func (c *Collection) bump() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Find implements mongo.Collection.
func (c *Collection) Find(query interface{}) mongo.Query {
	return &Query{coll: c, cond: asBsonM(query)}
}

// FindId implements mongo.Collection.
func (c *Collection) FindId(id interface{}) mongo.Query {
	return &Query{coll: c, cond: bson.M{"_id": id}}
}

// UpsertId implements mongo.Collection.
func (c *Collection) UpsertId(id interface{}, update interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertLocked(id, asBsonM(update))
	return nil
}

// UpdateId implements mongo.Collection.
func (c *Collection) UpdateId(id interface{}, update interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, d := range c.docs {
		if d["_id"] == id {
			c.docs[i] = applyUpdate(d, asBsonM(update))
			c.bump()
			return nil
		}
	}
	return mgo.ErrNotFound
}

// Bulk implements mongo.Collection.
func (c *Collection) Bulk() mongo.Bulk {
	return &Bulk{coll: c}
}

func (c *Collection) upsertLocked(id interface{}, update bson.M) {
	for i, d := range c.docs {
		if d["_id"] == id {
			c.docs[i] = applyUpdate(d, update)
			c.bump()
			return
		}
	}
	doc := applyUpdate(bson.M{"_id": id}, update)
	c.docs = append(c.docs, doc)
	c.bump()
}

func (c *Collection) removeAllLocked(selector bson.M) {
	kept := c.docs[:0]
	for _, d := range c.docs {
		if !matches(d, selector) {
			kept = append(kept, d)
		}
	}
	c.docs = kept
	c.bump()
}

// applyUpdate follows mgo semantics: an update document containing
// operators modifies the target, anything else replaces it wholesale.
func applyUpdate(doc, update bson.M) bson.M {
	operators := false
	for k := range update {
		if strings.HasPrefix(k, "$") {
			operators = true
			break
		}
	}
	if !operators {
		out := cloneDoc(update)
		out["_id"] = doc["_id"]
		return out
	}
	out := cloneDoc(doc)
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			out[k] = v
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for k := range unset {
			delete(out, k)
		}
	}
	return out
}

// Query implements mongo.Query.
type Query struct {
	coll  *Collection
	cond  bson.M
	sorts []string
	limit int
}

// Sort implements mongo.Query.
func (q *Query) Sort(fields ...string) mongo.Query {
	q.sorts = fields
	return q
}

// Limit implements mongo.Query.
func (q *Query) Limit(n int) mongo.Query {
	q.limit = n
	return q
}

// LogReplay implements mongo.Query. It is a no-op here.
func (q *Query) LogReplay() mongo.Query {
	return q
}

// One implements mongo.Query.
func (q *Query) One(result interface{}) error {
	docs := q.run()
	if len(docs) == 0 {
		return mgo.ErrNotFound
	}
	return decodeInto(docs[0], result)
}

// Iter implements mongo.Query.
func (q *Query) Iter() mongo.Iterator {
	return &sliceIter{docs: q.run()}
}

// Tail implements mongo.Query. The iterator delivers matching
// documents in insertion order, blocking up to timeout for more.
func (q *Query) Tail(timeout time.Duration) mongo.Iterator {
	return &tailIter{query: q, timeout: timeout}
}

func (q *Query) run() []bson.M {
	q.coll.mu.Lock()
	matched := make([]bson.M, 0)
	for _, d := range q.coll.docs {
		if matches(d, q.cond) {
			matched = append(matched, d)
		}
	}
	q.coll.mu.Unlock()

	for _, field := range q.sorts {
		desc := strings.HasPrefix(field, "-")
		name := strings.TrimPrefix(field, "-")
		if name == "$natural" {
			if desc {
				reverse(matched)
			}
			continue
		}
		sort.SliceStable(matched, func(i, j int) bool {
			less := compareValues(matched[i][name], matched[j][name]) < 0
			if desc {
				return !less && compareValues(matched[i][name], matched[j][name]) != 0
			}
			return less
		})
	}
	if q.limit > 0 && len(matched) > q.limit {
		matched = matched[:q.limit]
	}
	return matched
}

// reverse flips docs in place, for descending $natural sorts.
func reverse(docs []bson.M) {
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
}

type sliceIter struct {
	docs []bson.M
	pos  int
}

func (it *sliceIter) Next(result interface{}) bool {
	if it.pos >= len(it.docs) {
		return false
	}
	doc := it.docs[it.pos]
	it.pos++
	return decodeInto(doc, result) == nil
}

func (it *sliceIter) Timeout() bool { return false }
func (it *sliceIter) Err() error    { return nil }
func (it *sliceIter) Close() error  { return nil }

type tailIter struct {
	query   *Query
	timeout time.Duration
	pos     int
	timedOut bool
	err     error
}

func (it *tailIter) Next(result interface{}) bool {
	it.timedOut = false
	deadline := time.NewTimer(it.timeout)
	defer deadline.Stop()
	for {
		it.query.coll.mu.Lock()
		if it.query.coll.tailClosed {
			it.err = it.query.coll.tailErr
			it.query.coll.mu.Unlock()
			return false
		}
		for ; it.pos < len(it.query.coll.docs); it.pos++ {
			doc := it.query.coll.docs[it.pos]
			if matches(doc, it.query.cond) {
				it.pos++
				it.query.coll.mu.Unlock()
				return decodeInto(doc, result) == nil
			}
		}
		changed := it.query.coll.changed
		it.query.coll.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			it.timedOut = true
			return false
		}
	}
}

func (it *tailIter) Timeout() bool { return it.timedOut }
func (it *tailIter) Err() error    { return it.err }
func (it *tailIter) Close() error  { return it.err }

// Bulk implements mongo.Bulk by queueing operations and applying them
// atomically on Run.
type Bulk struct {
	coll *Collection
	ops  []func(*Collection)
}

// Unordered implements mongo.Bulk. Order never matters here.
func (b *Bulk) Unordered() {}

// Upsert implements mongo.Bulk.
func (b *Bulk) Upsert(pairs ...interface{}) {
	for i := 0; i+1 < len(pairs); i += 2 {
		selector := asBsonM(pairs[i])
		update := asBsonM(pairs[i+1])
		b.ops = append(b.ops, func(c *Collection) {
			c.upsertLocked(selector["_id"], update)
		})
	}
}

// RemoveAll implements mongo.Bulk.
func (b *Bulk) RemoveAll(selectors ...interface{}) {
	for _, sel := range selectors {
		selector := asBsonM(sel)
		b.ops = append(b.ops, func(c *Collection) {
			c.removeAllLocked(selector)
		})
	}
}

// Run implements mongo.Bulk.
func (b *Bulk) Run() error {
	b.coll.mu.Lock()
	defer b.coll.mu.Unlock()
	if err := b.coll.BulkRunError; err != nil {
		b.coll.BulkRunError = nil
		return err
	}
	for _, op := range b.ops {
		op(b.coll)
	}
	b.ops = nil
	return nil
}

func matches(doc, cond bson.M) bool {
	for field, want := range cond {
		got, exists := doc[field]
		switch w := want.(type) {
		case bson.RegEx:
			s, ok := got.(string)
			if !exists || !ok || !regexp.MustCompile(w.Pattern).MatchString(s) {
				return false
			}
		case bson.M:
			for op, bound := range w {
				switch op {
				case "$gt":
					if !exists || compareValues(got, bound) <= 0 {
						return false
					}
				case "$lt":
					if !exists || compareValues(got, bound) >= 0 {
						return false
					}
				default:
					return false
				}
			}
		default:
			if !exists || compareValues(got, want) != 0 {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b interface{}) int {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	// Incomparable or missing values sort first.
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return 0
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case bson.MongoTimestamp:
		return float64(n), true
	}
	return 0, false
}

func asBsonM(v interface{}) bson.M {
	switch m := v.(type) {
	case nil:
		return bson.M{}
	case bson.M:
		return m
	case map[string]interface{}:
		return bson.M(m)
	}
	// Structs and bson.D values round-trip through the codec.
	data, err := bson.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out bson.M
	if err := bson.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func decodeInto(doc bson.M, result interface{}) error {
	data, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(data, result)
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
