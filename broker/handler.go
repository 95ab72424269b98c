// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker

import (
	"sync"

	"github.com/juju/collections/set"

	"github.com/juju/treebroker/tree"
)

// Handler owns one client connection: its path subscriptions, its live
// queries, and the ordering discipline between its reads and writes.
//
// Reads (path and query subscribes) run immediately when no write is
// queued or executing, otherwise they wait until the write queue
// drains. Writes always queue and run one at a time, never while a
// read they were queued behind is still in flight. Each write carries a
// client supplied progress number; the handler tracks the maximum seen
// and stamps it on every outgoing notification so the client can tell
// its own writes echoing back from its peers' changes.
type Handler struct {
	id     string
	conn   Conn
	broker *Broker

	mu           sync.Mutex
	closed       bool
	capability   Capability
	pathSubs     set.Strings
	queries      map[string]*queryState
	ongoingReads set.Strings
	writeBusy    bool
	writeQueue   []func()
	readQueue    []func()
	writeProg    int64
}

func newHandler(conn Conn, capability Capability, broker *Broker) *Handler {
	return &Handler{
		id:           conn.ID(),
		conn:         conn,
		broker:       broker,
		capability:   capability,
		pathSubs:     set.NewStrings(),
		queries:      make(map[string]*queryState),
		ongoingReads: set.NewStrings(),
		writeProg:    1,
	}
}

// ID implements Subscriber.
func (h *Handler) ID() string {
	return h.id
}

// Closed implements Subscriber.
func (h *Handler) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// WriteProgress implements Subscriber.
func (h *Handler) WriteProgress() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeProg
}

// SetCapability installs the value filter produced by a
// re-authentication.
func (h *Handler) SetCapability(capability Capability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if capability != nil {
		h.capability = capability
	}
}

// SubscribePath handles an "sp" request.
func (h *Handler) SubscribePath(path string, ack func(string)) {
	h.enqueueRead(func() {
		callback(ack, h.subscribePath(path))
	})
}

func (h *Handler) subscribePath(path string) string {
	path = tree.NormalizePath(path)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "k"
	}
	if h.pathSubs.Contains(path) {
		h.mu.Unlock()
		logger.Debugf("%s was already subscribed to %q", h.id, path)
		return "k"
	}
	h.pathSubs.Add(path)
	h.ongoingReads.Add(path)
	h.mu.Unlock()

	logger.Debugf("%s subscribing to %q", h.id, path)
	h.broker.Subscribe(h, path)
	go h.broker.Fetch(h, path, nil)
	return "k"
}

// UnsubscribePath handles an "up" request.
func (h *Handler) UnsubscribePath(path string, ack func(string)) {
	path = tree.NormalizePath(path)
	h.mu.Lock()
	wasSubscribed := h.pathSubs.Contains(path)
	h.pathSubs.Remove(path)
	h.ongoingReads.Remove(path)
	h.mu.Unlock()
	if wasSubscribed {
		logger.Debugf("%s unsubscribing from %q", h.id, path)
		h.broker.Unsubscribe(h, path)
	}
	h.dequeue()
	callback(ack, "k")
}

// Ping handles a "pi" request: the client resynchronises its write
// progress counter, and the ack echoes it back.
func (h *Handler) Ping(progress int64, ack func(int64)) {
	logger.Tracef("%s ping %d", h.id, progress)
	h.mu.Lock()
	h.writeProg = progress
	h.mu.Unlock()
	if ack != nil {
		ack(progress)
	}
}

// SubscribeQuery handles an "sq" request.
func (h *Handler) SubscribeQuery(def QueryDef, ack func(string)) {
	h.enqueueRead(func() {
		callback(ack, h.subscribeQuery(def))
	})
}

func (h *Handler) subscribeQuery(def QueryDef) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "k"
	}
	if _, ok := h.queries[def.ID]; ok {
		h.mu.Unlock()
		logger.Debugf("%s was already subscribed to query %q", h.id, def.ID)
		return "k"
	}
	q := newQueryState(h, h.broker, def)
	h.queries[def.ID] = q
	h.ongoingReads.Add(queryReadKey(def.ID))
	h.mu.Unlock()

	logger.Debugf("%s subscribing query %q on %q", h.id, def.ID, def.Path)
	q.start()
	return "k"
}

// UnsubscribeQuery handles an "uq" request.
func (h *Handler) UnsubscribeQuery(id string, ack func(string)) {
	h.mu.Lock()
	q := h.queries[id]
	delete(h.queries, id)
	h.ongoingReads.Remove(queryReadKey(id))
	h.mu.Unlock()
	if q != nil {
		logger.Debugf("%s unsubscribing from query %q", h.id, id)
		q.stop()
	}
	h.dequeue()
	callback(ack, "k")
}

// Set handles an "s" request.
func (h *Handler) Set(path string, value interface{}, progress int64, ack func(string)) {
	h.enqueueWrite(func() {
		h.bumpProgress(progress)
		go func() {
			result := "k"
			if err := h.write(path, value, false); err != nil {
				logger.Debugf("%s set %q failed: %v", h.id, path, err)
				result = err.Error()
			}
			callback(ack, result)
			h.writeDone()
		}()
	})
}

// Merge handles an "m" request.
func (h *Handler) Merge(path string, value map[string]interface{}, progress int64, ack func(string)) {
	h.enqueueWrite(func() {
		h.bumpProgress(progress)
		go func() {
			result := "k"
			if err := h.write(path, value, true); err != nil {
				logger.Debugf("%s merge %q failed: %v", h.id, path, err)
				result = err.Error()
			}
			callback(ack, result)
			h.writeDone()
		}()
	})
}

func (h *Handler) write(path string, value interface{}, merge bool) error {
	h.mu.Lock()
	capability := h.capability
	h.mu.Unlock()
	value, err := capability.FilterWrite(path, value)
	if err != nil {
		return err
	}
	if merge {
		obj, _ := value.(map[string]interface{})
		return h.broker.store.Merge(path, obj)
	}
	return h.broker.store.Set(path, value)
}

// SendValue implements Subscriber.
func (h *Handler) SendValue(path string, value interface{}, progress int64, extra *ValueExtra) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	capability := h.capability
	h.mu.Unlock()

	msg := ValueMessage{
		Path:     path,
		Value:    capability.FilterRead(path, value),
		Progress: progress,
	}
	if extra != nil {
		msg.QueryID = extra.QueryID
		msg.After = extra.After
	}
	logger.Tracef("%s sending value %q", h.id, path)
	h.conn.Emit("v", msg)

	if extra == nil || extra.QueryID == "" {
		h.mu.Lock()
		h.ongoingReads.Remove(path)
		h.mu.Unlock()
		h.dequeue()
	}
}

// queryFetchEnd signals that a query's initial snapshot is complete.
func (h *Handler) queryFetchEnd(queryID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.ongoingReads.Remove(queryReadKey(queryID))
	h.mu.Unlock()
	logger.Debugf("%s sending query end %q", h.id, queryID)
	h.conn.Emit("qd", QueryDoneMessage{QueryID: queryID})
	h.dequeue()
}

// queryExit signals that an element left a query's result set.
func (h *Handler) queryExit(path, queryID string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	progress := h.writeProg
	h.mu.Unlock()
	logger.Debugf("%s sending query exit %q:%q", h.id, queryID, path)
	h.conn.Emit("qx", QueryExitMessage{QueryID: queryID, Path: path, Progress: progress})
}

// Close tears the handler down: every path unsubscribed, every query
// stopped, the handler deregistered. Idempotent; deliveries arriving
// afterwards are dropped silently.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	logger.Debugf("%s closing handler", h.id)
	h.closed = true
	paths := h.pathSubs.Values()
	queries := h.queries
	h.queries = nil
	h.pathSubs = set.NewStrings()
	h.ongoingReads = set.NewStrings()
	h.readQueue = nil
	h.writeQueue = nil
	h.mu.Unlock()

	for _, path := range paths {
		h.broker.Unsubscribe(h, path)
	}
	for _, q := range queries {
		q.stop()
	}
	h.broker.unregister(h)
}

func (h *Handler) bumpProgress(progress int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if progress > h.writeProg {
		h.writeProg = progress
	}
}

// enqueueRead runs the operation now if no write is queued or
// executing, and parks it otherwise.
func (h *Handler) enqueueRead(run func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.writeQueue) == 0 && !h.writeBusy {
		h.mu.Unlock()
		run()
		return
	}
	h.readQueue = append(h.readQueue, run)
	count := len(h.readQueue)
	h.mu.Unlock()
	logger.Tracef("%s queued read operation, %d waiting", h.id, count)
}

func (h *Handler) enqueueWrite(run func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.writeQueue = append(h.writeQueue, run)
	count := len(h.writeQueue)
	h.mu.Unlock()
	logger.Tracef("%s queued write operation, %d waiting", h.id, count)
	h.dequeue()
}

// dequeue advances the read/write schedule: the next write runs once
// no read or write is in flight; with nothing left to write, parked
// reads all run.
func (h *Handler) dequeue() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if len(h.writeQueue) > 0 {
		if h.ongoingReads.Size() > 0 || h.writeBusy {
			h.mu.Unlock()
			return
		}
		next := h.writeQueue[0]
		h.writeQueue = h.writeQueue[1:]
		h.writeBusy = true
		h.mu.Unlock()
		next()
		return
	}
	reads := h.readQueue
	h.readQueue = nil
	h.mu.Unlock()
	for _, run := range reads {
		run()
	}
}

func (h *Handler) writeDone() {
	h.mu.Lock()
	h.writeBusy = false
	h.mu.Unlock()
	h.dequeue()
}

func queryReadKey(id string) string {
	return "$q" + id
}

func callback(ack func(string), result string) {
	if ack != nil {
		ack(result)
	}
}
