// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"sync"

	"github.com/juju/treebroker/tree"
)

// pendingValue is a delivery withheld by the sort-aware forwarder.
type pendingValue struct {
	path     string
	value    interface{}
	progress int64
	extra    *ValueExtra
}

// sortForwarder sits between a query and its handler during the
// initial scan, releasing element values in sort order regardless of
// the order their fetches complete in. A delivery whose anchor element
// has not been sent yet is withheld, keyed by the anchor; sending an
// element releases, recursively, whatever was anchored on it. Plain
// updates for an element that raced the initial fetch are withheld per
// member and flushed right after the member's first send. Once the
// initial scan completes the buffers are flushed and every later send
// passes straight through.
type sortForwarder struct {
	id       string
	queryID  string
	basePath string
	from     Subscriber
	to       Subscriber

	mu       sync.Mutex
	sorting  bool
	sent     map[string]bool
	byAnchor map[string]pendingValue
	updates  map[string][]pendingValue
}

func newSortForwarder(id, queryID, basePath string, from, to Subscriber) *sortForwarder {
	return &sortForwarder{
		id:       id,
		queryID:  queryID,
		basePath: basePath,
		from:     from,
		to:       to,
		sorting:  true,
		sent:     make(map[string]bool),
		byAnchor: make(map[string]pendingValue),
		updates:  make(map[string][]pendingValue),
	}
}

// ID implements Subscriber.
func (f *sortForwarder) ID() string {
	return f.id
}

// Closed implements Subscriber.
func (f *sortForwarder) Closed() bool {
	return f.from.Closed() || f.to.Closed()
}

// WriteProgress implements Subscriber.
func (f *sortForwarder) WriteProgress() int64 {
	return f.to.WriteProgress()
}

// SendValue implements Subscriber. The delivery to the underlying
// subscriber happens under the forwarder's lock, which is what
// serialises the released chain into sort order.
func (f *sortForwarder) SendValue(path string, value interface{}, progress int64, extra *ValueExtra) {
	fetched := extra != nil && extra.QueryID != ""
	if extra == nil {
		// A broadcast for a member's subtree; tag it with the query so
		// the client can route it.
		extra = &ValueExtra{QueryID: f.queryID}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sorting {
		f.to.SendValue(path, value, progress, extra)
		return
	}
	if !fetched {
		member := tree.LimitToChild(path, f.basePath)
		if member != "" && !f.sent[member] {
			// An update that raced the member's initial fetch.
			f.updates[member] = append(f.updates[member], pendingValue{path, value, progress, extra})
			return
		}
		f.to.SendValue(path, value, progress, extra)
		return
	}
	if extra.After != nil && !f.sent[*extra.After] {
		logger.Tracef("%s withholding %q until %q is sent", f.id, path, *extra.After)
		f.byAnchor[*extra.After] = pendingValue{path, value, progress, extra}
		return
	}
	f.forward(pendingValue{path, value, progress, extra})
}

// forward delivers one element, its raced updates, and whatever chain
// of withheld elements it releases. Callers hold f.mu.
func (f *sortForwarder) forward(p pendingValue) {
	f.sent[p.path] = true
	f.to.SendValue(p.path, p.value, p.progress, p.extra)

	for _, u := range f.updates[p.path] {
		f.to.SendValue(u.path, u.value, u.progress, u.extra)
	}
	delete(f.updates, p.path)

	if next, ok := f.byAnchor[p.path]; ok {
		delete(f.byAnchor, p.path)
		f.forward(next)
	}
}

// stopSorting flushes everything still withheld and switches the
// forwarder to pass-through.
func (f *sortForwarder) stopSorting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sorting {
		return
	}
	logger.Tracef("%s stop sorting, flushing buffers", f.id)
	for len(f.byAnchor) > 0 {
		for anchor, p := range f.byAnchor {
			delete(f.byAnchor, anchor)
			f.forward(p)
			break
		}
	}
	for path, ups := range f.updates {
		for _, u := range ups {
			f.to.SendValue(u.path, u.value, u.progress, u.extra)
		}
		delete(f.updates, path)
	}
	f.sent = nil
	f.sorting = false
}
