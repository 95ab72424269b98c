// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog_test

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/treebroker/mongo/mongotest"
	"github.com/juju/treebroker/oplog"
	coretesting "github.com/juju/treebroker/testing"
)

type tailerSuite struct {
	testing.IsolationSuite

	coll    *mongotest.Collection
	hub     *pubsub.SimpleHub
	changes chan oplog.Change
	started chan struct{}
}

var _ = gc.Suite(&tailerSuite{})

func (s *tailerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.coll = mongotest.NewCollection()
	s.hub = pubsub.NewSimpleHub(nil)
	s.changes = make(chan oplog.Change, 10)
	s.started = make(chan struct{}, 1)
	unsub := s.hub.Subscribe(oplog.ChangeTopic, func(topic string, data interface{}) {
		s.changes <- data.(oplog.Change)
	})
	s.AddCleanup(func(*gc.C) { unsub() })
	unsub = s.hub.Subscribe(oplog.TailerStarting, func(string, interface{}) {
		s.started <- struct{}{}
	})
	s.AddCleanup(func(*gc.C) { unsub() })
}

func (s *tailerSuite) newTailer(c *gc.C, clk clock.Clock) *oplog.Tailer {
	t, err := oplog.NewTailer(oplog.Config{
		Collection: s.coll,
		Hub:        s.hub,
		Clock:      clk,
		Namespace:  "tree.bags",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		t.Kill()
		select {
		case <-t.Dead():
		case <-time.After(coretesting.LongWait):
			c.Errorf("tailer failed to stop")
		}
	})
	select {
	case <-s.started:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("tailer never started")
	}
	return t
}

func (s *tailerSuite) insertEntry(ts int64, op string, doc, ref bson.M) {
	s.coll.Insert(bson.M{
		"ts": bson.MongoTimestamp(ts),
		"op": op,
		"ns": "tree.bags",
		"o":  doc,
		"o2": ref,
	})
}

func (s *tailerSuite) nextChange(c *gc.C) oplog.Change {
	select {
	case change := <-s.changes:
		return change
	case <-time.After(coretesting.LongWait):
		c.Fatalf("no change received")
	}
	panic("unreachable")
}

func (s *tailerSuite) assertNoChange(c *gc.C) {
	select {
	case change := <-s.changes:
		c.Fatalf("unexpected change at %q", change.Path)
	case <-time.After(coretesting.ShortWait):
	}
}

func (s *tailerSuite) TestValidate(c *gc.C) {
	_, err := oplog.NewTailer(oplog.Config{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *tailerSuite) TestPublishesInsert(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "i", bson.M{"_id": "/user/1", "name": "bob"}, nil)

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1")
	c.Assert(change.Value, jc.DeepEquals, map[string]interface{}{"name": "bob"})
}

func (s *tailerSuite) TestSkipsHistory(c *gc.C) {
	s.insertEntry(1, "i", bson.M{"_id": "/old", "gone": true}, nil)
	s.newTailer(c, clock.WallClock)
	s.insertEntry(2, "i", bson.M{"_id": "/new", "fresh": true}, nil)

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/new")
	s.assertNoChange(c)
}

func (s *tailerSuite) TestPublishesSetAndUnset(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "u", bson.M{"$set": bson.M{"name": "sue"}}, bson.M{"_id": "/user/1"})
	s.insertEntry(2, "u", bson.M{"$unset": bson.M{"name": 1}}, bson.M{"_id": "/user/1"})

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1/name")
	c.Assert(change.Value, gc.Equals, "sue")

	change = s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1/name")
	c.Assert(change.Value, gc.IsNil)
}

func (s *tailerSuite) TestPublishesReplacement(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "u", bson.M{"_id": "/user/1", "name": "sue"}, bson.M{"_id": "/user/1"})

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1")
	c.Assert(change.Value, jc.DeepEquals, map[string]interface{}{"name": "sue"})
}

func (s *tailerSuite) TestPublishesDelete(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "d", bson.M{"_id": "/user/1"}, nil)

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1")
	c.Assert(change.Value, gc.IsNil)
}

func (s *tailerSuite) TestConvertsNestedValues(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "u", bson.M{"$set": bson.M{"tags": []interface{}{bson.M{"k": "v"}}}}, bson.M{"_id": "/user/1"})

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/user/1/tags")
	c.Assert(change.Value, jc.DeepEquals, []interface{}{map[string]interface{}{"k": "v"}})
}

func (s *tailerSuite) TestIgnoresOtherNamespaces(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.coll.Insert(bson.M{
		"ts": bson.MongoTimestamp(1),
		"op": "i",
		"ns": "other.things",
		"o":  bson.M{"_id": "/x", "y": 1},
	})
	s.insertEntry(2, "i", bson.M{"_id": "/seen"}, nil)

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/seen")
	s.assertNoChange(c)
}

func (s *tailerSuite) TestIgnoresNoops(c *gc.C) {
	s.newTailer(c, clock.WallClock)
	s.insertEntry(1, "n", bson.M{"msg": "periodic noop"}, nil)
	s.insertEntry(2, "i", bson.M{"_id": "/seen"}, nil)

	change := s.nextChange(c)
	c.Assert(change.Path, gc.Equals, "/seen")
	s.assertNoChange(c)
}

func (s *tailerSuite) TestStop(c *gc.C) {
	t := s.newTailer(c, clock.WallClock)
	c.Assert(t.Stop(), jc.ErrorIsNil)
}

func (s *tailerSuite) TestDiesWhenCursorKeepsDying(c *gc.C) {
	clk := testclock.NewClock(time.Time{})
	t := s.newTailer(c, clk)

	s.coll.CloseTail(errors.New("boom"))

	done := make(chan error, 1)
	go func() {
		done <- t.Wait()
	}()
	// Every reopened cursor dies immediately, so the tailer backs off
	// between attempts until it gives up. The waits double from the
	// strategy's initial 500ms up to its 30s ceiling; advancing the
	// clock by exactly each delay keeps the backoff timer in step.
	delays := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for _, d := range delays {
		c.Assert(clk.WaitAdvance(d, coretesting.LongWait, 1), jc.ErrorIsNil)
	}
	select {
	case err := <-done:
		c.Assert(err, gc.ErrorMatches, "oplog cursor kept dying: boom")
	case <-time.After(coretesting.LongWait):
		c.Fatalf("tailer kept running")
	}
}
