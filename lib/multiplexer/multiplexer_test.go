// Cityscale
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package multiplexer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoBackend accepts connections, reads one request line and echoes it back
// with a prefix, so tests can verify both routing and that peeked bytes were
// replayed to the backend.
func echoBackend(t *testing.T, prefix string) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				n, err := conn.Read(buf)
				if err != nil {
					return
				}
				conn.Write(append([]byte(prefix), buf[:n]...))
			}()
		}
	}()
	return listener
}

// greetingBackend accepts connections and speaks first, the way mysqld sends
// its handshake before the client says anything.
func greetingBackend(t *testing.T, greeting string) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte(greeting))
				// Hold the connection open until the peer hangs up.
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	return listener
}

func newTestMux(t *testing.T, httpAddr, mysqlAddr string) (*Mux, string) {
	t.Helper()
	public, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux, err := New(Config{
		Listener:    public,
		HTTPAddr:    httpAddr,
		MySQLAddr:   mysqlAddr,
		GraceWindow: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		mux.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return mux, public.Addr().String()
}

func TestMuxRoutesTalkerToHTTP(t *testing.T) {
	httpBackend := echoBackend(t, "http:")
	mysqlBackend := greetingBackend(t, "mysql-greeting")
	_, addr := newTestMux(t, httpBackend.Addr().String(), mysqlBackend.Addr().String())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	// The backend saw the request from its first byte, peeked bytes
	// included.
	require.Equal(t, "http:GET / HTTP/1.1\r\n", string(buf[:n]))
}

func TestMuxRoutesSilentPeerToMySQL(t *testing.T) {
	httpBackend := echoBackend(t, "http:")
	mysqlBackend := greetingBackend(t, "mysql-greeting")
	_, addr := newTestMux(t, httpBackend.Addr().String(), mysqlBackend.Addr().String())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	// Say nothing. After the grace window the connection must reach the
	// server-first backend and its greeting must come through.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "mysql-greeting", string(buf[:n]))
}

func TestMuxConcurrentMixedClients(t *testing.T) {
	httpBackend := echoBackend(t, "http:")
	mysqlBackend := greetingBackend(t, "mysql-greeting")
	_, addr := newTestMux(t, httpBackend.Addr().String(), mysqlBackend.Addr().String())

	// A silent client must not hold up a talking one accepted after it.
	silent, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer silent.Close()

	talker, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer talker.Close()

	_, err = talker.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, talker.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, err := talker.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "http:hello", string(buf[:n]))

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err = silent.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "mysql-greeting", string(buf[:n]))
}

func TestMuxCloseUnblocksServe(t *testing.T) {
	public, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	mux, err := New(Config{
		Listener:  public,
		HTTPAddr:  "127.0.0.1:1",
		MySQLAddr: "127.0.0.1:1",
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- mux.Serve(context.Background()) }()

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestMuxConfigValidation(t *testing.T) {
	_, err := New(Config{HTTPAddr: "a", MySQLAddr: "b"})
	require.Error(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	_, err = New(Config{Listener: listener, MySQLAddr: "b"})
	require.Error(t, err)
	_, err = New(Config{Listener: listener, HTTPAddr: "a"})
	require.Error(t, err)
}
