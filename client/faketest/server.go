// Package faketest provides an in-process fake storage-node server that
// speaks the bookkeeper wire protocol, so client package tests exercise
// PerConnectionClient, the pool, and the facade against a real TCP socket
// without a real server binary -- mirroring the role
// go.gazette.dev/core/broker/teststub plays for broker/client's tests.
package faketest

import (
	"bufio"
	"net"
	"strconv"
	"sync"

	"github.com/sschepens/bookkeeper/protocol"
)

// Handler answers one inbound frame. Returning ok=false means "send no
// response" (used to simulate a dropped/ignored request).
type Handler func(header protocol.PacketHeader, body []byte) (respHeader protocol.PacketHeader, respBody []byte, ok bool)

// Server is a minimal fake storage node: it accepts any number of
// connections and, for every inbound frame, invokes the current Handler.
type Server struct {
	ln net.Listener

	mu      sync.Mutex
	handler Handler
	conns   []net.Conn
}

// Start listens on an ephemeral loopback port and begins accepting
// connections in the background.
func Start(handler Handler) (*Server, error) {
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	var s = &Server{ln: ln, handler: handler}
	go s.acceptLoop()
	return s, nil
}

// SetHandler swaps the active Handler, e.g. mid-test to simulate a server
// that starts failing.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Address returns the protocol.ServerAddress clients should dial.
func (s *Server) Address() protocol.ServerAddress {
	var host, port, _ = net.SplitHostPort(s.ln.Addr().String())
	var p, _ = strconv.Atoi(port)
	return protocol.ServerAddress{Host: host, Port: p}
}

// CloseConnections forcibly drops every currently-accepted connection,
// simulating a peer disconnect without tearing down the listener.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	var conns = s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops accepting new connections and drops any that remain.
func (s *Server) Close() error {
	var err = s.ln.Close()
	s.CloseConnections()
	return err
}

func (s *Server) acceptLoop() {
	for {
		var conn, err = s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	var reader = bufio.NewReader(conn)
	for {
		header, body, err := protocol.BinaryFraming.Unpack(reader, protocol.MaxFrameLength)
		if err != nil {
			return
		}
		s.mu.Lock()
		var h = s.handler
		s.mu.Unlock()
		if h == nil {
			continue
		}
		respHeader, respBody, ok := h(header, body)
		if !ok {
			continue
		}
		if err := protocol.BinaryFraming.Marshal(conn, respHeader, respBody); err != nil {
			return
		}
	}
}
