// Copyright 2024 The memalloc Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package server provides a basic control server interface.

Note that no objects are registered by default. Users must provide their own
implementations of the control interface.
*/
package server

import (
	"os"
	"sync"

	"github.com/cse330/memalloc/pkg/log"
	"github.com/cse330/memalloc/pkg/unet"
	"github.com/cse330/memalloc/pkg/urpc"
)

// curUID is the unix user ID of the user that the control server is running as.
var curUID = os.Getuid()

// Server is a basic control server.
type Server struct {
	// socket is our bound socket.
	socket *unet.ServerSocket

	// server is our rpc server.
	server *urpc.Server

	// authorize decides whether a peer UID may use the server.
	authorize func(uid uint32) bool

	// wg waits for the accept loop to terminate.
	wg sync.WaitGroup
}

// New returns a new bound control server. Only the server's own user and
// root are allowed to connect.
func New(socket *unet.ServerSocket) *Server {
	return &Server{
		socket:    socket,
		server:    urpc.NewServer(),
		authorize: SameUserOrRoot,
	}
}

// SameUserOrRoot reports whether uid is root or the user the server runs as.
func SameUserOrRoot(uid uint32) bool {
	return int(uid) == curUID || uid == 0
}

// AllowUsers lets the listed UIDs connect, in addition to the server's own
// user and root. It must be called before StartServing.
func (s *Server) AllowUsers(uids ...uint32) {
	allowed := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		allowed[uid] = struct{}{}
	}
	s.authorize = func(uid uint32) bool {
		if SameUserOrRoot(uid) {
			return true
		}
		_, ok := allowed[uid]
		return ok
	}
}

// Addr returns the address that the server is bound to.
func (s *Server) Addr() string {
	return s.socket.Addr()
}

// Wait waits for the main server goroutine to exit. This should be
// called after a call to Serve.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Stop stops the server. Note that this function should only be called once
// and the server should not be used afterwards.
func (s *Server) Stop() {
	s.socket.Close()
	s.wg.Wait()

	// This will cause existing clients to be terminated safely.
	s.server.Stop()
}

// StartServing spawns the main service goroutine for handling incoming
// control requests. StartServing does not block; to wait for the control
// server to exit, call Wait.
func (s *Server) StartServing() error {
	s.wg.Add(1)
	go func() {
		s.serve()
		s.wg.Done()
	}()

	return nil
}

// serve is the body of the main service goroutine. It handles incoming control
// connections and dispatches requests to registered objects.
func (s *Server) serve() {
	for {
		// Accept clients.
		conn, err := s.socket.Accept()
		if err != nil {
			return
		}

		ucred, err := conn.GetPeerCred()
		if err != nil {
			log.Warningf("Control couldn't get credentials: %s", err.Error())
			conn.Close()
			continue
		}

		if !s.authorize(ucred.Uid) {
			// Authentication failed.
			log.Warningf("Control auth failure: other UID = %d, current UID = %d", ucred.Uid, curUID)
			conn.Close()
			continue
		}

		// Handle the connection non-blockingly.
		s.server.StartHandling(conn)
	}
}

// Register registers a specific control interface with the server.
func (s *Server) Register(obj any) {
	s.server.Register(obj)
}

// Create creates a new control server with a unix socket at the given
// address. It has no registered interfaces and will not start serving until
// StartServing is called.
func Create(addr string) (*Server, error) {
	socket, err := unet.Bind(addr)
	if err != nil {
		return nil, err
	}
	return New(socket), nil
}
