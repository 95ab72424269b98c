// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/utils/v4"

	"github.com/juju/treebroker/broker"
)

const (
	// writeWait is the time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// pongDelay is how long to wait for a pong from the client before
	// treating the connection as dead.
	pongDelay = 90 * time.Second

	// pingPeriod is how often pings are sent. It must be less than
	// pongDelay.
	pingPeriod = 30 * time.Second

	// sendQueueSize bounds the per-connection outgoing queue. A client
	// that cannot drain it gets disconnected.
	sendQueueSize = 256
)

// envelope frames every message in both directions: a message name, a
// request id on client requests (echoed verbatim on the ack), and a
// message specific body.
type envelope struct {
	Message string          `json:"m"`
	ID      json.RawMessage `json:"i,omitempty"`
	Body    json.RawMessage `json:"b,omitempty"`
}

type outEnvelope struct {
	Message string          `json:"m"`
	ID      json.RawMessage `json:"i,omitempty"`
	Body    interface{}     `json:"b,omitempty"`
}

type ackBody struct {
	Result interface{} `json:"r"`
}

type pathRequest struct {
	Path string `json:"p"`
}

type pingRequest struct {
	Progress int64 `json:"n"`
}

type writeRequest struct {
	Path     string      `json:"p"`
	Value    interface{} `json:"v"`
	Progress int64       `json:"n"`
}

type queryRemovalRequest struct {
	ID string `json:"id"`
}

// wsConn adapts a websocket to broker.Conn. All writes funnel through
// a single goroutine draining the send queue, per gorilla's
// single-writer rule.
type wsConn struct {
	id     string
	socket *websocket.Conn
	send   chan outEnvelope

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

func newWSConn(socket *websocket.Conn) *wsConn {
	return &wsConn{
		id:     "conn-" + utils.MustNewUUID().String(),
		socket: socket,
		send:   make(chan outEnvelope, sendQueueSize),
		stop:   make(chan struct{}),
	}
}

// ID implements broker.Conn.
func (c *wsConn) ID() string {
	return c.id
}

// Emit implements broker.Conn.
func (c *wsConn) Emit(name string, payload interface{}) {
	c.enqueue(outEnvelope{Message: name, Body: payload})
}

func (c *wsConn) enqueue(out outEnvelope) {
	select {
	case c.send <- out:
	case <-c.stop:
	default:
		// The client is not draining its socket; cut it loose rather
		// than blocking the broker.
		logger.Infof("%s send queue full, disconnecting", c.id)
		c.close()
	}
}

func (c *wsConn) ack(id json.RawMessage, result interface{}) {
	if id == nil {
		return
	}
	c.enqueue(outEnvelope{Message: "ack", ID: id, Body: ackBody{Result: result}})
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
	c.socket.Close()
}

// serve runs the connection until the client goes away: a writer
// goroutine drains the send queue and keeps the ping/pong heartbeat,
// while serve itself reads requests and dispatches them into the
// handler.
func (c *wsConn) serve(b *broker.Broker, handler *broker.Handler) {
	defer c.close()

	var writerDone sync.WaitGroup
	writerDone.Add(1)
	go func() {
		defer writerDone.Done()
		c.writeLoop()
	}()

	c.Emit("aa", nil)

	c.socket.SetReadDeadline(time.Now().Add(pongDelay))
	c.socket.SetPongHandler(func(string) error {
		c.socket.SetReadDeadline(time.Now().Add(pongDelay))
		return nil
	})
	for {
		var req envelope
		if err := c.socket.ReadJSON(&req); err != nil {
			logger.Debugf("%s receive error: %v", c.id, err)
			break
		}
		c.dispatch(b, handler, req)
	}
	c.close()
	writerDone.Wait()
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case out := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(out); err != nil {
				logger.Debugf("%s write error: %v", c.id, err)
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := c.socket.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Debugf("%s failed to write ping: %v", c.id, err)
				c.close()
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *wsConn) dispatch(b *broker.Broker, handler *broker.Handler, req envelope) {
	logger.Tracef("%s request %q", c.id, req.Message)
	switch req.Message {
	case "sp":
		var body pathRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.SubscribePath(body.Path, c.stringAck(req.ID))
	case "up":
		var body pathRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.UnsubscribePath(body.Path, c.stringAck(req.ID))
	case "pi":
		var body pingRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		id := req.ID
		handler.Ping(body.Progress, func(progress int64) {
			c.ack(id, progress)
		})
	case "sq":
		var def broker.QueryDef
		if err := json.Unmarshal(req.Body, &def); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.SubscribeQuery(def, c.stringAck(req.ID))
	case "uq":
		var body queryRemovalRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.UnsubscribeQuery(body.ID, c.stringAck(req.ID))
	case "s":
		var body writeRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.Set(body.Path, body.Value, body.Progress, c.stringAck(req.ID))
	case "m":
		var body writeRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		value, ok := body.Value.(map[string]interface{})
		if !ok {
			c.ack(req.ID, "merge value must be an object")
			return
		}
		handler.Merge(body.Path, value, body.Progress, c.stringAck(req.ID))
	case "auth":
		var credentials interface{}
		if len(req.Body) > 0 {
			if err := json.Unmarshal(req.Body, &credentials); err != nil {
				c.ack(req.ID, err.Error())
				return
			}
		}
		capability, err := b.Authenticate(c, credentials)
		if err != nil {
			c.ack(req.ID, err.Error())
			return
		}
		handler.SetCapability(capability)
		c.ack(req.ID, "k")
	case "aa":
		c.Emit("aa", nil)
		c.ack(req.ID, "k")
	default:
		logger.Debugf("%s unknown request %q", c.id, req.Message)
		c.ack(req.ID, "unknown message "+req.Message)
	}
}

func (c *wsConn) stringAck(id json.RawMessage) func(string) {
	return func(result string) {
		c.ack(id, result)
	}
}
