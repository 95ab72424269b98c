// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/worker/v4"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/juju/treebroker/mongo"
)

var logger = loggo.GetLogger("treebroker.oplog")

const (
	// tailTimeout bounds how long a single Next call may block waiting
	// for new oplog entries; it also bounds how long a Kill may take to
	// be noticed.
	tailTimeout = time.Second

	maxTailRetries = 10
)

// TailStrategy determines the delay between attempts to reopen the
// oplog cursor after it dies, typically because the capped collection
// rolled over underneath it.
//
// It must not be changed while a Tailer is running.
var TailStrategy retry.Strategy = retry.Exponential{
	Initial:  500 * time.Millisecond,
	Factor:   2.0,
	MaxDelay: 30 * time.Second,
}

// Config contains the configuration parameters required for a
// NewTailer.
type Config struct {
	// Collection is the oplog collection to tail, usually
	// local.oplog.rs.
	Collection mongo.Collection

	// Hub is where the changes are published to.
	Hub Hub

	// Clock allows tests to control the reopen backoff.
	Clock clock.Clock

	// Namespace restricts the tailer to entries whose ns field matches
	// exactly, usually "<db>.<tree collection>". Empty means no
	// restriction.
	Namespace string

	// IteratorFunc can be overridden in tests to control what entries
	// the tailer sees.
	IteratorFunc func(lastTs bson.MongoTimestamp) mongo.Iterator
}

// Validate ensures that all the values that have to be set are set.
func (config Config) Validate() error {
	if config.Collection == nil {
		return errors.NotValidf("missing Collection")
	}
	if config.Hub == nil {
		return errors.NotValidf("missing Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return nil
}

// Tailer tails the oplog from the point it was started at and publishes
// every tree mutation it reads to the hub.
type Tailer struct {
	coll         mongo.Collection
	hub          Hub
	clock        clock.Clock
	namespace    string
	iteratorFunc func(bson.MongoTimestamp) mongo.Iterator

	tomb tomb.Tomb
}

// NewTailer returns a Tailer observing the configured oplog collection.
func NewTailer(config Config) (*Tailer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Tailer invalid config")
	}
	t := &Tailer{
		coll:         config.Collection,
		hub:          config.Hub,
		clock:        config.Clock,
		namespace:    config.Namespace,
		iteratorFunc: config.IteratorFunc,
	}
	if t.iteratorFunc == nil {
		t.iteratorFunc = t.openTail
	}
	t.tomb.Go(func() error {
		err := t.loop()
		cause := errors.Cause(err)
		// tomb expects ErrDying or ErrStillAlive as exact values, so
		// log and unwrap the error first.
		if err != nil && cause != tomb.ErrDying {
			logger.Infof("tailer loop failed: %v", err)
		}
		return cause
	})
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *Tailer) Kill() {
	t.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *Tailer) Wait() error {
	return t.tomb.Wait()
}

// Stop stops all the tailer activities.
func (t *Tailer) Stop() error {
	return worker.Stop(t)
}

// Dead returns a channel that is closed when the tailer has stopped.
func (t *Tailer) Dead() <-chan struct{} {
	return t.tomb.Dead()
}

// oplog entry shapes, see
// https://www.mongodb.com/docs/manual/core/replica-set-oplog/
type oplogEntry struct {
	Ts  bson.MongoTimestamp `bson:"ts"`
	Op  string              `bson:"op"`
	Ns  string              `bson:"ns"`
	Doc bson.M              `bson:"o"`
	Ref bson.M              `bson:"o2"`
}

func (t *Tailer) loop() error {
	logger.Tracef("loop started")
	defer logger.Tracef("loop finished")

	// Record where the oplog currently ends before telling people we
	// have started: everything already written is history, not change.
	lastTs, err := t.initCheckpoint()
	if err != nil {
		return errors.Trace(err)
	}
	t.hub.Publish(TailerStarting, nil)

	retries := 0
	backoff := TailStrategy.NewTimer(t.clock.Now())
	for {
		iter := t.iteratorFunc(lastTs)
		advanced, err := t.consume(iter, &lastTs)
		if errors.Cause(err) == tomb.ErrDying {
			return errors.Trace(tomb.ErrDying)
		}
		if advanced {
			retries = 0
			backoff = TailStrategy.NewTimer(t.clock.Now())
		}
		retries++
		if retries > maxTailRetries {
			return errors.Annotate(err, "oplog cursor kept dying")
		}
		logger.Warningf("oplog cursor died, reopening: %v", err)
		d, ok := backoff.NextSleep(t.clock.Now())
		if !ok {
			backoff = TailStrategy.NewTimer(t.clock.Now())
			d, _ = backoff.NextSleep(t.clock.Now())
		}
		select {
		case <-t.tomb.Dying():
			return errors.Trace(tomb.ErrDying)
		case <-t.clock.After(d):
		}
	}
}

// initCheckpoint reads the timestamp of the newest oplog entry.
func (t *Tailer) initCheckpoint() (bson.MongoTimestamp, error) {
	var last struct {
		Ts bson.MongoTimestamp `bson:"ts"`
	}
	err := t.coll.Find(bson.M{}).Sort("-$natural").Limit(1).One(&last)
	if mongo.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Annotate(err, "reading oplog checkpoint")
	}
	logger.Debugf("tailing oplog from %v", last.Ts)
	return last.Ts, nil
}

// openTail is the default iterator factory.
func (t *Tailer) openTail(lastTs bson.MongoTimestamp) mongo.Iterator {
	cond := bson.M{"ts": bson.M{"$gt": lastTs}}
	if t.namespace != "" {
		cond["ns"] = t.namespace
	}
	return t.coll.Find(cond).LogReplay().Sort("$natural").Tail(tailTimeout)
}

// consume drains iter until the tailer is killed or the cursor dies,
// publishing every entry and advancing the checkpoint. It reports
// whether any entry was read, so the caller can reset its retry count.
func (t *Tailer) consume(iter mongo.Iterator, lastTs *bson.MongoTimestamp) (bool, error) {
	advanced := false
	for {
		select {
		case <-t.tomb.Dying():
			iter.Close()
			return advanced, tomb.ErrDying
		default:
		}
		var e oplogEntry
		if iter.Next(&e) {
			t.process(e)
			*lastTs = e.Ts
			advanced = true
			continue
		}
		if iter.Timeout() {
			continue
		}
		return advanced, errors.Trace(iter.Close())
	}
}

func (t *Tailer) process(e oplogEntry) {
	if t.namespace != "" && e.Ns != t.namespace {
		return
	}
	switch e.Op {
	case "i":
		id, ok := e.Doc["_id"].(string)
		if !ok {
			logger.Warningf("insert entry without string _id: %v", e.Doc["_id"])
			return
		}
		t.publish(id, docFields(e.Doc))
	case "u":
		id, ok := e.Ref["_id"].(string)
		if !ok {
			logger.Warningf("update entry without string _id: %v", e.Ref["_id"])
			return
		}
		t.processUpdate(id, e.Doc)
	case "d":
		id, ok := e.Doc["_id"].(string)
		if !ok {
			logger.Warningf("delete entry without string _id: %v", e.Doc["_id"])
			return
		}
		t.publish(id, nil)
	default:
		// Noops, commands, and everything else.
		logger.Tracef("skipping %q entry", e.Op)
	}
}

// processUpdate maps the three update shapes onto path changes: $set
// fields become values at the field's path, $unset fields become nil
// there, and a full document replacement becomes the replaced bag.
func (t *Tailer) processUpdate(id string, doc bson.M) {
	partial := false
	if set, ok := doc["$set"].(bson.M); ok {
		partial = true
		for field, value := range set {
			t.publish(id+"/"+field, convertValue(value))
		}
	}
	if unset, ok := doc["$unset"].(bson.M); ok {
		partial = true
		for field := range unset {
			t.publish(id+"/"+field, nil)
		}
	}
	if !partial {
		t.publish(id, docFields(doc))
	}
}

func (t *Tailer) publish(path string, value interface{}) {
	logger.Tracef("publishing change at %q", path)
	t.hub.Publish(ChangeTopic, Change{Path: path, Value: value})
}

// docFields converts a decoded bag document into the bag's value,
// dropping the _id.
func docFields(doc bson.M) map[string]interface{} {
	fields := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		fields[k] = convertValue(v)
	}
	return fields
}

// convertValue rewrites the driver's decoded types into the plain
// map and slice shapes the rest of the broker works with. bson.M is a
// distinct type from map[string]interface{}, and letting it escape
// would break every type switch downstream.
func convertValue(v interface{}) interface{} {
	switch v := v.(type) {
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = convertValue(e)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = convertValue(e)
		}
		return out
	case bson.D:
		out := make(map[string]interface{}, len(v))
		for _, e := range v {
			out[e.Name] = convertValue(e.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = convertValue(e)
		}
		return out
	default:
		return v
	}
}
