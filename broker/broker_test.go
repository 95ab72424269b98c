// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package broker_test

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/treebroker/broker"
	"github.com/juju/treebroker/mongo/mongotest"
	"github.com/juju/treebroker/oplog"
	"github.com/juju/treebroker/store"
	coretesting "github.com/juju/treebroker/testing"
)

// delivery records one SendValue call.
type delivery struct {
	path     string
	value    interface{}
	progress int64
	extra    *broker.ValueExtra
}

// fakeSub is a recording Subscriber.
type fakeSub struct {
	id string

	mu       sync.Mutex
	closed   bool
	progress int64
	notify   chan delivery
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{
		id:       id,
		progress: 1,
		notify:   make(chan delivery, 100),
	}
}

func (s *fakeSub) ID() string {
	return s.id
}

func (s *fakeSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) WriteProgress() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

func (s *fakeSub) SendValue(path string, value interface{}, progress int64, extra *broker.ValueExtra) {
	s.notify <- delivery{path: path, value: value, progress: progress, extra: extra}
}

func (s *fakeSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSub) setProgress(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = n
}

func (s *fakeSub) next(c *gc.C) delivery {
	select {
	case d := <-s.notify:
		return d
	case <-time.After(coretesting.LongWait):
		c.Fatalf("%s received no value", s.id)
	}
	panic("unreachable")
}

func (s *fakeSub) assertNoValue(c *gc.C) {
	select {
	case d := <-s.notify:
		c.Fatalf("%s received unexpected value at %q", s.id, d.path)
	case <-time.After(coretesting.ShortWait):
	}
}

type brokerSuite struct {
	testing.IsolationSuite

	coll   *mongotest.Collection
	store  *store.Store
	broker *broker.Broker
}

var _ = gc.Suite(&brokerSuite{})

func (s *brokerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.coll = mongotest.NewCollection()
	s.store = store.New(s.coll)
	b, err := broker.New(broker.Config{Store: s.store})
	c.Assert(err, jc.ErrorIsNil)
	s.broker = b
	s.AddCleanup(func(*gc.C) { b.Close() })
}

func (s *brokerSuite) TestValidate(c *gc.C) {
	_, err := broker.New(broker.Config{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *brokerSuite) TestBroadcastToExactSubscriber(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")

	s.broker.Broadcast("/a", map[string]interface{}{"b": 1.0})

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/a")
	c.Assert(d.value, jc.DeepEquals, map[string]interface{}{"b": 1.0})
}

func (s *brokerSuite) TestBroadcastDescendantSeesSlice(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a/b")

	s.broker.Broadcast("/a", map[string]interface{}{
		"b": map[string]interface{}{"c": 1.0},
	})

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/a/b")
	c.Assert(d.value, jc.DeepEquals, map[string]interface{}{"c": 1.0})
}

func (s *brokerSuite) TestBroadcastAncestorSeesExactPath(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")

	s.broker.Broadcast("/a/b/c", "x")

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/a/b/c")
	c.Assert(d.value, gc.Equals, "x")
}

func (s *brokerSuite) TestBroadcastNilReachesSubtreeSubscribers(c *gc.C) {
	subA := newFakeSub("a")
	subB := newFakeSub("b")
	s.broker.Subscribe(subA, "/a")
	s.broker.Subscribe(subB, "/a/b/c")

	s.broker.Broadcast("/a", nil)

	d := subA.next(c)
	c.Assert(d.path, gc.Equals, "/a")
	c.Assert(d.value, gc.IsNil)

	d = subB.next(c)
	c.Assert(d.path, gc.Equals, "/a/b/c")
	c.Assert(d.value, gc.IsNil)
}

func (s *brokerSuite) TestBroadcastSegmentAware(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/ab")

	s.broker.Broadcast("/a", nil)
	sub.assertNoValue(c)
}

func (s *brokerSuite) TestUnsubscribeStopsDelivery(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")
	s.broker.Unsubscribe(sub, "/a")

	s.broker.Broadcast("/a", "x")
	sub.assertNoValue(c)
}

func (s *brokerSuite) TestClosedSubscriberPruned(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")
	sub.close()

	s.broker.Broadcast("/a", "x")
	sub.assertNoValue(c)
}

func (s *brokerSuite) TestDeliveryStampedWithCurrentProgress(c *gc.C) {
	sub := newFakeSub("sub")
	sub.setProgress(42)
	s.broker.Subscribe(sub, "/a")

	s.broker.Broadcast("/a", "x")

	d := sub.next(c)
	c.Assert(d.progress, gc.Equals, int64(42))
}

func (s *brokerSuite) TestFetchDeliversStoredValue(c *gc.C) {
	err := s.store.Set("/a", map[string]interface{}{"b": 1.0})
	c.Assert(err, jc.ErrorIsNil)

	sub := newFakeSub("sub")
	sub.setProgress(7)
	s.broker.Fetch(sub, "/a", nil)

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/a")
	c.Assert(d.value, jc.DeepEquals, map[string]interface{}{"b": 1.0})
	c.Assert(d.progress, gc.Equals, int64(7))
	c.Assert(d.extra, gc.IsNil)
}

func (s *brokerSuite) TestFetchMissingValueDeliversNil(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Fetch(sub, "/nowhere", nil)

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/nowhere")
	c.Assert(d.value, gc.IsNil)
}

func (s *brokerSuite) TestHandleChangeBroadcasts(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")

	s.broker.HandleChange(oplog.ChangeTopic, oplog.Change{
		Path:  "/a",
		Value: map[string]interface{}{"b": 1.0},
	})

	d := sub.next(c)
	c.Assert(d.path, gc.Equals, "/a")
	c.Assert(d.value, jc.DeepEquals, map[string]interface{}{"b": 1.0})
}

func (s *brokerSuite) TestHandleChangeWrongType(c *gc.C) {
	sub := newFakeSub("sub")
	s.broker.Subscribe(sub, "/a")

	s.broker.HandleChange(oplog.ChangeTopic, "not a change")
	sub.assertNoValue(c)
}
