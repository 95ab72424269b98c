// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the broker over a websocket endpoint
// speaking the sync wire protocol.
package apiserver

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/juju/treebroker/broker"
)

var logger = loggo.GetLogger("treebroker.apiserver")

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Config contains the configuration parameters required for a
// NewServer.
type Config struct {
	// Broker handles the connections the server accepts.
	Broker *broker.Broker

	// Addr is the listen address, for example "localhost:9573". Use
	// port 0 to pick a free port.
	Addr string
}

// Validate ensures that all the values that have to be set are set.
func (config Config) Validate() error {
	if config.Broker == nil {
		return errors.NotValidf("missing Broker")
	}
	if config.Addr == "" {
		return errors.NotValidf("missing Addr")
	}
	return nil
}

// Server serves the /sync websocket endpoint until killed.
type Server struct {
	config   Config
	tomb     tomb.Tomb
	listener net.Listener
	server   *http.Server

	mu    sync.Mutex
	conns map[string]*wsConn
}

// NewServer binds the listen address and starts serving.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new server invalid config")
	}
	listener, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", config.Addr)
	}
	s := &Server{
		config:   config,
		listener: listener,
		conns:    make(map[string]*wsConn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", s.serveSync)
	s.server = &http.Server{Handler: mux}
	s.tomb.Go(s.loop)
	logger.Infof("listening on %s", listener.Addr())
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Stop stops the server and waits for it to exit.
func (s *Server) Stop() error {
	return worker.Stop(s)
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) loop() error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.server.Serve(s.listener)
	}()
	select {
	case <-s.tomb.Dying():
		s.server.Close()
		s.closeConnections()
		<-serveErr
		return tomb.ErrDying
	case err := <-serveErr:
		return errors.Trace(err)
	}
}

func (s *Server) serveSync(w http.ResponseWriter, req *http.Request) {
	socket, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	conn := newWSConn(socket)
	logger.Debugf("%s connected from %s", conn.ID(), req.RemoteAddr)

	capability, err := s.config.Broker.Authenticate(conn, nil)
	if err != nil {
		logger.Infof("%s rejected: %v", conn.ID(), err)
		socket.Close()
		return
	}
	handler, err := s.config.Broker.NewHandler(conn, capability)
	if err != nil {
		logger.Errorf("%s handler: %v", conn.ID(), err)
		socket.Close()
		return
	}

	s.addConn(conn)
	defer s.removeConn(conn)
	defer handler.Close()

	conn.serve(s.config.Broker, handler)
	logger.Debugf("%s disconnected", conn.ID())
}

func (s *Server) addConn(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID()] = conn
}

func (s *Server) removeConn(conn *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn.ID())
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}
