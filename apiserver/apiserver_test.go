// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/treebroker/apiserver"
	"github.com/juju/treebroker/broker"
	"github.com/juju/treebroker/mongo/mongotest"
	"github.com/juju/treebroker/store"
	coretesting "github.com/juju/treebroker/testing"
)

// clientEnvelope mirrors the wire framing from the client's side.
type clientEnvelope struct {
	M string          `json:"m"`
	I json.RawMessage `json:"i,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

type apiserverSuite struct {
	testing.IsolationSuite

	coll   *mongotest.Collection
	store  *store.Store
	broker *broker.Broker
	server *apiserver.Server
	ws     *websocket.Conn
}

var _ = gc.Suite(&apiserverSuite{})

func (s *apiserverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.coll = mongotest.NewCollection()
	s.store = store.New(s.coll)
	b, err := broker.New(broker.Config{Store: s.store})
	c.Assert(err, jc.ErrorIsNil)
	s.broker = b
	s.AddCleanup(func(*gc.C) { b.Close() })

	s.server, err = apiserver.NewServer(apiserver.Config{
		Broker: b,
		Addr:   "localhost:0",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) {
		c.Check(s.server.Stop(), jc.ErrorIsNil)
	})

	s.ws = s.dial(c)
}

func (s *apiserverSuite) dial(c *gc.C) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.server.Addr()+"/sync", nil)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { ws.Close() })

	// The server greets every connection.
	env := s.readFrom(c, ws)
	c.Assert(env.M, gc.Equals, "aa")
	return ws
}

func (s *apiserverSuite) read(c *gc.C) clientEnvelope {
	return s.readFrom(c, s.ws)
}

func (s *apiserverSuite) readFrom(c *gc.C, ws *websocket.Conn) clientEnvelope {
	ws.SetReadDeadline(time.Now().Add(coretesting.LongWait))
	var env clientEnvelope
	err := ws.ReadJSON(&env)
	c.Assert(err, jc.ErrorIsNil)
	return env
}

func (s *apiserverSuite) send(c *gc.C, m string, id int, body interface{}) {
	env := map[string]interface{}{"m": m, "i": id}
	if body != nil {
		env["b"] = body
	}
	err := s.ws.WriteJSON(env)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *apiserverSuite) assertAck(c *gc.C, env clientEnvelope, id int, result interface{}) {
	c.Assert(env.M, gc.Equals, "ack")
	var reqID int
	err := json.Unmarshal(env.I, &reqID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(reqID, gc.Equals, id)
	var body struct {
		R interface{} `json:"r"`
	}
	err = json.Unmarshal(env.B, &body)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(body.R, jc.DeepEquals, result)
}

func (s *apiserverSuite) valueMessage(c *gc.C, env clientEnvelope) broker.ValueMessage {
	c.Assert(env.M, gc.Equals, "v")
	var msg broker.ValueMessage
	err := json.Unmarshal(env.B, &msg)
	c.Assert(err, jc.ErrorIsNil)
	return msg
}

func (s *apiserverSuite) TestValidate(c *gc.C) {
	_, err := apiserver.NewServer(apiserver.Config{})
	c.Assert(err, jc.Satisfies, errors.IsNotValid)
}

func (s *apiserverSuite) TestSubscribePath(c *gc.C) {
	err := s.store.Set("/a", map[string]interface{}{"b": 1.0})
	c.Assert(err, jc.ErrorIsNil)

	s.send(c, "sp", 1, map[string]interface{}{"p": "/a"})
	s.assertAck(c, s.read(c), 1, "k")

	msg := s.valueMessage(c, s.read(c))
	c.Assert(msg.Path, gc.Equals, "/a")
	c.Assert(msg.Value, jc.DeepEquals, map[string]interface{}{"b": 1.0})
	c.Assert(msg.Progress, gc.Equals, int64(1))
}

func (s *apiserverSuite) TestSubscriptionSeesBroadcasts(c *gc.C) {
	s.send(c, "sp", 1, map[string]interface{}{"p": "/a"})
	s.assertAck(c, s.read(c), 1, "k")
	s.valueMessage(c, s.read(c))

	s.broker.Broadcast("/a/b", "x")
	msg := s.valueMessage(c, s.read(c))
	c.Assert(msg.Path, gc.Equals, "/a/b")
	c.Assert(msg.Value, gc.Equals, "x")
}

func (s *apiserverSuite) TestSetWrites(c *gc.C) {
	s.send(c, "s", 1, map[string]interface{}{"p": "/a/b", "v": 1.0, "n": 2})
	s.assertAck(c, s.read(c), 1, "k")

	doc, found := s.coll.DocId("/a")
	c.Assert(found, jc.IsTrue)
	c.Assert(doc["b"], gc.Equals, 1.0)
}

func (s *apiserverSuite) TestMergeWrites(c *gc.C) {
	s.send(c, "m", 1, map[string]interface{}{
		"p": "/a",
		"v": map[string]interface{}{"x": 1.0, "y": 2.0},
		"n": 2,
	})
	s.assertAck(c, s.read(c), 1, "k")

	doc, found := s.coll.DocId("/a")
	c.Assert(found, jc.IsTrue)
	c.Assert(doc["x"], gc.Equals, 1.0)
	c.Assert(doc["y"], gc.Equals, 2.0)
}

func (s *apiserverSuite) TestMergeRejectsScalar(c *gc.C) {
	s.send(c, "m", 1, map[string]interface{}{"p": "/a", "v": 1.0, "n": 2})
	s.assertAck(c, s.read(c), 1, "merge value must be an object")
}

func (s *apiserverSuite) TestPing(c *gc.C) {
	s.send(c, "pi", 1, map[string]interface{}{"n": 7})
	s.assertAck(c, s.read(c), 1, 7.0)
}

func (s *apiserverSuite) TestQueryRoundTrip(c *gc.C) {
	err := s.store.Set("/players", map[string]interface{}{
		"a": map[string]interface{}{"score": 10.0},
		"b": map[string]interface{}{"score": 20.0},
	})
	c.Assert(err, jc.ErrorIsNil)

	s.send(c, "sq", 1, map[string]interface{}{
		"id": "q1", "path": "/players", "compareField": "score",
	})
	s.assertAck(c, s.read(c), 1, "k")

	msg := s.valueMessage(c, s.read(c))
	c.Assert(msg.Path, gc.Equals, "/players/a")
	c.Assert(msg.QueryID, gc.Equals, "q1")
	msg = s.valueMessage(c, s.read(c))
	c.Assert(msg.Path, gc.Equals, "/players/b")

	env := s.read(c)
	c.Assert(env.M, gc.Equals, "qd")
	var done broker.QueryDoneMessage
	err = json.Unmarshal(env.B, &done)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(done.QueryID, gc.Equals, "q1")

	s.send(c, "uq", 2, map[string]interface{}{"id": "q1"})
	s.assertAck(c, s.read(c), 2, "k")
}

func (s *apiserverSuite) TestEchoesAcknowledge(c *gc.C) {
	s.send(c, "aa", 1, nil)
	env := s.read(c)
	c.Assert(env.M, gc.Equals, "aa")
	s.assertAck(c, s.read(c), 1, "k")
}

func (s *apiserverSuite) TestUnknownMessage(c *gc.C) {
	s.send(c, "zz", 1, nil)
	s.assertAck(c, s.read(c), 1, "unknown message zz")
}

func (s *apiserverSuite) TestReauthentication(c *gc.C) {
	s.send(c, "auth", 1, map[string]interface{}{"token": "t"})
	s.assertAck(c, s.read(c), 1, "k")
}

func (s *apiserverSuite) TestStopClosesConnections(c *gc.C) {
	c.Assert(s.server.Stop(), jc.ErrorIsNil)

	s.ws.SetReadDeadline(time.Now().Add(coretesting.LongWait))
	var env clientEnvelope
	err := s.ws.ReadJSON(&env)
	c.Assert(err, gc.NotNil)
}

func (s *apiserverSuite) TestDisconnectClosesHandler(c *gc.C) {
	s.send(c, "sp", 1, map[string]interface{}{"p": "/a"})
	s.assertAck(c, s.read(c), 1, "k")
	s.valueMessage(c, s.read(c))

	s.ws.Close()
	// Wait for the server to notice and deregister the handler; a
	// broadcast afterwards must not block on the dead connection.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.broker.Broadcast("/a", "x")
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("broadcasts blocked on closed connection")
	}
}
