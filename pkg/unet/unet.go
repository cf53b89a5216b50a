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

// Package unet provides a minimal net package based on Unix Domain Sockets.
//
// Sockets are stream sockets. Servers learn the credentials of the process
// on the other end of each accepted connection.
package unet

import (
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Socket is a connected unix domain socket.
type Socket struct {
	conn *net.UnixConn
}

// NewSocket returns a Socket over conn.
func NewSocket(conn *net.UnixConn) *Socket {
	return &Socket{conn: conn}
}

// Connect connects to the server socket bound at addr. An addr starting with
// '@' names an abstract socket.
func Connect(addr string) (*Socket, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return NewSocket(conn), nil
}

// Read implements io.Reader.Read.
func (s *Socket) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// Write implements io.Writer.Write.
func (s *Socket) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Close closes the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// GetPeerCred returns the peer's unix credentials.
func (s *Socket) GetPeerCred() (*unix.Ucred, error) {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt(SO_PEERCRED): %w", credErr)
	}
	return cred, nil
}

// ServerSocket is a bound unix domain socket.
type ServerSocket struct {
	listener *net.UnixListener
	addr     string
}

// Bind creates and binds a new socket at addr, and starts listening on it. An
// addr starting with '@' names an abstract socket. A socket file left behind
// by an earlier server is removed first; callers must make sure no live
// server owns it.
func Bind(addr string) (*ServerSocket, error) {
	if !strings.HasPrefix(addr, "@") {
		if err := os.Remove(addr); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %q: %w", addr, err)
		}
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return &ServerSocket{listener: l, addr: addr}, nil
}

// Addr returns the address the socket is bound to.
func (s *ServerSocket) Addr() string {
	return s.addr
}

// Accept accepts a new connection.
func (s *ServerSocket) Accept() (*Socket, error) {
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		return nil, err
	}
	return NewSocket(conn), nil
}

// Close closes the server socket. Pending Accepts return an error. The
// socket file, if any, is removed.
func (s *ServerSocket) Close() error {
	return s.listener.Close()
}
