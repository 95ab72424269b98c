// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package broker implements the realtime fan-out engine: a registry of
// path subscribers, the broadcast passes that notify them of changes,
// the live query engine, and the per-connection handlers that arbitrate
// read/write ordering.
package broker

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/juju/treebroker/oplog"
	"github.com/juju/treebroker/store"
	"github.com/juju/treebroker/tree"
)

var logger = loggo.GetLogger("treebroker.broker")

// Config holds the collaborators a Broker requires.
type Config struct {
	// Store performs the tree reads and writes.
	Store *store.Store

	// Authenticator admits connections. Defaults to NopAuthenticator.
	Authenticator Authenticator
}

// Validate ensures that all the values that have to be set are set.
func (config Config) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("missing Store")
	}
	return nil
}

// Broker owns the subscription registry and fans changes out to it.
type Broker struct {
	store *store.Store
	auth  Authenticator

	mu            sync.Mutex
	closed        bool
	handlers      map[string]*Handler
	subscriptions map[string]map[string]Subscriber
}

// New returns a Broker over the given store.
func New(config Config) (*Broker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new broker invalid config")
	}
	auth := config.Authenticator
	if auth == nil {
		auth = NopAuthenticator{}
	}
	return &Broker{
		store:         config.Store,
		auth:          auth,
		handlers:      make(map[string]*Handler),
		subscriptions: make(map[string]map[string]Subscriber),
	}, nil
}

// Authenticate produces the capability for a connection.
func (b *Broker) Authenticate(conn Conn, credentials interface{}) (Capability, error) {
	capability, err := b.auth.Authenticate(conn, credentials)
	return capability, errors.Trace(err)
}

// Subscribe registers sub for value notifications at path.
func (b *Broker) Subscribe(sub Subscriber, path string) {
	path = tree.NormalizePath(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.subscriptions[path]
	if !ok {
		entry = make(map[string]Subscriber)
		b.subscriptions[path] = entry
	}
	entry[sub.ID()] = sub
}

// Unsubscribe removes sub's registration at path. The registry entry
// goes away with its last subscriber.
func (b *Broker) Unsubscribe(sub Subscriber, path string) {
	path = tree.NormalizePath(path)
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.subscriptions[path]
	if !ok {
		return
	}
	delete(entry, sub.ID())
	if len(entry) == 0 {
		delete(b.subscriptions, path)
	}
}

// Broadcast notifies every subscriber affected by a change of value at
// path: subscribers at and below the path see the slice of the value
// addressed by their own subscription, ancestors see the exact changed
// path with its new value. A subscriber reachable by both passes may be
// notified more than once for the same logical change; delivery is
// at least once.
func (b *Broker) Broadcast(path string, value interface{}) {
	path = tree.NormalizePath(path)
	b.broadcastDown(path, value)
	b.broadcastUp(tree.ParentPath(path), path, value)
}

func (b *Broker) broadcastDown(path string, value interface{}) {
	if value == nil {
		// The whole subtree is gone; every subscription under the
		// path learns about it directly.
		for _, at := range b.subscriptionPathsUnder(path) {
			b.deliver(at, at, nil)
		}
		return
	}
	if obj, ok := value.(map[string]interface{}); ok {
		for k, v := range obj {
			b.broadcastDown(path+"/"+k, v)
		}
	}
	b.deliver(path, path, value)
}

func (b *Broker) broadcastUp(at, fullPath string, value interface{}) {
	for ; at != ""; at = tree.ParentPath(at) {
		b.deliver(at, fullPath, value)
	}
}

// deliver notifies the subscribers registered at the path `at` of the
// value reported for reportPath, stamping each message with the
// subscriber's progress counter as it stands at delivery time.
func (b *Broker) deliver(at, reportPath string, value interface{}) {
	b.mu.Lock()
	entry := b.subscriptions[at]
	targets := make([]Subscriber, 0, len(entry))
	for id, sub := range entry {
		if sub.Closed() {
			delete(entry, id)
			continue
		}
		targets = append(targets, sub)
	}
	if len(entry) == 0 {
		delete(b.subscriptions, at)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.SendValue(reportPath, value, sub.WriteProgress(), nil)
	}
}

func (b *Broker) subscriptionPathsUnder(path string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var paths []string
	for at := range b.subscriptions {
		if tree.IsDescendant(path, at) {
			paths = append(paths, at)
		}
	}
	return paths
}

// Fetch reads the value at path and delivers it to sub, stamped with
// the progress counter captured before the read started. Store errors
// are logged and produce no notification.
func (b *Broker) Fetch(sub Subscriber, path string, extra *ValueExtra) {
	path = tree.NormalizePath(path)
	progress := sub.WriteProgress()
	value, err := b.store.FetchValue(path)
	if err != nil {
		logger.Errorf("fetch of %q for %s failed: %v", path, sub.ID(), err)
		return
	}
	sub.SendValue(path, value, progress, extra)
}

// HandleChange is a pubsub handler for oplog change topics; it feeds
// the broadcast engine. Subscribe it to oplog.ChangeTopic.
func (b *Broker) HandleChange(topic string, data interface{}) {
	change, ok := data.(oplog.Change)
	if !ok {
		logger.Criticalf("programming error: topic data expected oplog.Change, got %T", data)
		return
	}
	logger.Tracef("oplog change at %q", change.Path)
	b.Broadcast(change.Path, change.Value)
}

// NewHandler creates the Handler owning a freshly connected client.
func (b *Broker) NewHandler(conn Conn, capability Capability) (*Handler, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.Errorf("broker is closed")
	}
	b.mu.Unlock()
	if capability == nil {
		capability = nopCapability{}
	}
	h := newHandler(conn, capability, b)
	b.mu.Lock()
	b.handlers[h.ID()] = h
	b.mu.Unlock()
	logger.Debugf("handler %s created", h.ID())
	return h, nil
}

func (b *Broker) unregister(h *Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, h.ID())
}

// Close tears down every handler. It is idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	handlers := make([]*Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h.Close()
	}
}
