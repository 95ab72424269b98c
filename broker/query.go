// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"regexp"
	"sync"

	"github.com/juju/treebroker/store"
	"github.com/juju/treebroker/tree"
)

// QueryDef is the client supplied definition of a live query over the
// direct children of Path. Equals, From and To are pointers so that
// their presence survives the wire: a query filtering on equality with
// null is not a query without a filter.
type QueryDef struct {
	ID           string       `json:"id"`
	Path         string       `json:"path"`
	CompareField string       `json:"compareField,omitempty"`
	Equals       *interface{} `json:"equals,omitempty"`
	From         *interface{} `json:"from,omitempty"`
	To           *interface{} `json:"to,omitempty"`
	Limit        int          `json:"limit,omitempty"`
	LimitLast    bool         `json:"limitLast,omitempty"`
}

func (d QueryDef) spec() store.QuerySpec {
	s := store.QuerySpec{
		Path:    tree.NormalizePath(d.Path),
		Limit:   d.Limit,
		Reverse: d.LimitLast,
	}
	if d.CompareField != "" {
		s.CompareField = tree.NormalizePath(d.CompareField)
	}
	if d.Equals != nil {
		s.Equals, s.HasEquals = *d.Equals, true
	}
	if d.From != nil {
		s.From, s.HasFrom = *d.From, true
	}
	if d.To != nil {
		s.To, s.HasTo = *d.To, true
	}
	return s
}

// queryEntry is one element of a query's current result set.
type queryEntry struct {
	path string
	sort interface{}
}

// queryState runs one live query for a handler. It subscribes itself at
// the query path to track membership, and a sort-aware forwarder at
// each member's path to relay the member's values. The initial scan
// walks the matching bags in sort order, fetches each member
// concurrently, and relies on the forwarder's anchor chain to deliver
// the results in scan order anyway.
type queryState struct {
	handler   *Handler
	broker    *Broker
	def       QueryDef
	spec      store.QuerySpec
	id        string
	pattern   *regexp.Regexp
	forwarder *sortForwarder

	mu       sync.Mutex
	stopped  bool
	fetching int
	scanDone bool
	endSent  bool
	entries  []queryEntry
}

func newQueryState(h *Handler, b *Broker, def QueryDef) *queryState {
	spec := def.spec()
	q := &queryState{
		handler: h,
		broker:  b,
		def:     def,
		spec:    spec,
		id:      h.ID() + ":" + def.ID,
		pattern: regexp.MustCompile(tree.ElementPattern(spec.Path, spec.ElementSubpath())),
	}
	q.forwarder = newSortForwarder(q.id+"#f", def.ID, spec.Path, q, h)
	return q
}

func (q *queryState) start() {
	q.broker.Subscribe(q, q.spec.Path)
	go q.runScan()
}

func (q *queryState) stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	q.broker.Unsubscribe(q, q.spec.Path)
	for _, e := range entries {
		q.broker.Unsubscribe(q.forwarder, e.path)
	}
}

// ID implements Subscriber.
func (q *queryState) ID() string {
	return q.id
}

// Closed implements Subscriber.
func (q *queryState) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// WriteProgress implements Subscriber.
func (q *queryState) WriteProgress() int64 {
	return q.handler.WriteProgress()
}

func (q *queryState) runScan() {
	err := q.broker.store.QueryChildren(q.spec, q.found)
	if err != nil {
		logger.Errorf("query %s scan failed: %v", q.id, err)
	}
	q.mu.Lock()
	q.scanDone = true
	q.mu.Unlock()
	q.checkEnd()
}

// found receives the initial scan's bags, already in sort order.
func (q *queryState) found(childPath string, fields map[string]interface{}) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	sort := interface{}(childPath)
	if q.spec.CompareField != "" {
		sort = fields[tree.LeafPath(q.spec.CompareField)]
	}
	var after *string
	if n := len(q.entries); n > 0 {
		anchor := q.entries[n-1].path
		after = &anchor
	}
	q.entries = append(q.entries, queryEntry{path: childPath, sort: sort})
	q.fetching++
	q.mu.Unlock()

	q.broker.Subscribe(q.forwarder, childPath)
	go func() {
		q.broker.Fetch(q.forwarder, childPath, &ValueExtra{QueryID: q.def.ID, After: after})
		q.fetchDone()
	}()
}

func (q *queryState) fetchDone() {
	q.mu.Lock()
	q.fetching--
	q.mu.Unlock()
	q.checkEnd()
}

// checkEnd completes the initial snapshot once the scan has finished
// and every member fetch has come back.
func (q *queryState) checkEnd() {
	q.mu.Lock()
	if q.stopped || q.endSent || !q.scanDone || q.fetching > 0 {
		q.mu.Unlock()
		return
	}
	q.endSent = true
	q.mu.Unlock()

	q.forwarder.stopSorting()
	q.handler.queryFetchEnd(q.def.ID)
}

// SendValue implements Subscriber. The query is subscribed at its base
// path, so it sees every change anywhere under it and keeps the result
// set in step: elements enter when the bag holding the compare field
// starts matching the filter, move when their sort value changes, and
// exit when it stops matching or the element is deleted.
func (q *queryState) SendValue(path string, value interface{}, progress int64, extra *ValueExtra) {
	path, value = tree.NormalizeUpdatedValue(path, value)

	if value == nil {
		q.handleRemoval(path)
		return
	}
	if !q.pattern.MatchString(path) {
		return
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		return
	}
	childPath := tree.LimitToChild(path, q.spec.Path)

	sort := interface{}(childPath)
	if q.spec.CompareField != "" {
		var present bool
		sort, present = obj[tree.LeafPath(q.spec.CompareField)]
		if !present {
			q.checkExit(childPath)
			return
		}
	}
	if !q.matches(sort) {
		q.checkExit(childPath)
		return
	}
	q.enter(childPath, sort)
}

func (q *queryState) handleRemoval(path string) {
	if path == q.spec.Path {
		// The whole query path went away.
		q.mu.Lock()
		entries := q.entries
		q.entries = nil
		q.mu.Unlock()
		for _, e := range entries {
			q.exited(e.path)
		}
		return
	}
	childPath := tree.LimitToChild(path, q.spec.Path)
	if childPath == "" {
		return
	}
	if path == childPath || q.pattern.MatchString(path) {
		q.checkExit(childPath)
	}
}

// matches reports whether a sort value passes the query's filter.
func (q *queryState) matches(sort interface{}) bool {
	if q.spec.HasEquals {
		return tree.CompareValues(sort, q.spec.Equals) == 0
	}
	if q.spec.HasFrom && tree.CompareValues(sort, q.spec.From) <= 0 {
		return false
	}
	if q.spec.HasTo && tree.CompareValues(sort, q.spec.To) >= 0 {
		return false
	}
	return true
}

// enter adds or repositions a member. New members get their full value
// fetched and forwarded with an anchor naming the entry now preceding
// them; members whose position changed get the same, so the client can
// re-link its chain.
func (q *queryState) enter(childPath string, sort interface{}) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	oldPos := q.entryIndex(childPath)
	wasMember := oldPos >= 0
	if wasMember {
		q.entries = append(q.entries[:oldPos], q.entries[oldPos+1:]...)
	}
	pos := q.positionFor(sort)
	if q.def.Limit > 0 && pos >= q.def.Limit {
		q.mu.Unlock()
		if wasMember {
			q.exited(childPath)
		}
		return
	}
	q.entries = append(q.entries, queryEntry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = queryEntry{path: childPath, sort: sort}

	var after *string
	if pos > 0 {
		anchor := q.entries[pos-1].path
		after = &anchor
	}
	var evicted string
	if q.def.Limit > 0 && len(q.entries) > q.def.Limit {
		evicted = q.entries[len(q.entries)-1].path
		q.entries = q.entries[:len(q.entries)-1]
	}
	q.mu.Unlock()

	if !wasMember {
		logger.Tracef("query %s member %q entered at %d", q.id, childPath, pos)
		q.broker.Subscribe(q.forwarder, childPath)
	}
	if !wasMember || pos != oldPos {
		go q.broker.Fetch(q.forwarder, childPath, &ValueExtra{QueryID: q.def.ID, After: after})
	}
	if evicted != "" && evicted != childPath {
		q.exited(evicted)
	}
}

// checkExit drops childPath from the result set if it is a member.
func (q *queryState) checkExit(childPath string) {
	q.mu.Lock()
	if q.stopped || !q.removeEntry(childPath) {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.exited(childPath)
}

// exited tears down a departed member and tells the client.
func (q *queryState) exited(childPath string) {
	logger.Tracef("query %s member %q exited", q.id, childPath)
	q.broker.Unsubscribe(q.forwarder, childPath)
	q.handler.queryExit(childPath, q.def.ID)
}

// removeEntry drops childPath's entry, reporting whether it was there.
// Callers hold q.mu.
func (q *queryState) removeEntry(childPath string) bool {
	if i := q.entryIndex(childPath); i >= 0 {
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return true
	}
	return false
}

// entryIndex returns childPath's index in the result set, or -1.
// Callers hold q.mu.
func (q *queryState) entryIndex(childPath string) int {
	for i, e := range q.entries {
		if e.path == childPath {
			return i
		}
	}
	return -1
}

// positionFor returns the index an entry with the given sort value
// belongs at. Equal sort values sort after existing entries, so ties
// fall back to arrival order. Callers hold q.mu.
func (q *queryState) positionFor(sort interface{}) int {
	for i, e := range q.entries {
		cmp := tree.CompareValues(sort, e.sort)
		if q.spec.Reverse {
			cmp = -cmp
		}
		if cmp < 0 {
			return i
		}
	}
	return len(q.entries)
}
