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

package utils

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"path"
	"syscall"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of one TCP connection over loopback.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- accepted{conn, err}
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	a := <-ch
	require.NoError(t, a.err)

	t.Cleanup(func() {
		dialed.Close()
		a.conn.Close()
	})
	return dialed, a.conn
}

func TestProxyConn(t *testing.T) {
	frontClient, frontServer := tcpPair(t)
	backClient, backServer := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		done <- ProxyConn(context.Background(), frontServer, backClient)
	}()

	// Bytes flow in both directions through the proxy.
	_, err := frontClient.Write([]byte("request"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	require.NoError(t, backServer.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := backServer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "request", string(buf[:n]))

	_, err = backServer.Write([]byte("response"))
	require.NoError(t, err)
	require.NoError(t, frontClient.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err = frontClient.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "response", string(buf[:n]))

	// A clean client hangup ends the proxy without an error.
	frontClient.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ProxyConn did not return after close")
	}

	// Both connections are closed on exit.
	_, err = backServer.Read(buf)
	require.Error(t, err)
}

func TestProxyConnContextCancel(t *testing.T) {
	_, frontServer := tcpPair(t)
	backClient, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ProxyConn(ctx, frontServer, backClient)
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("ProxyConn did not return after cancel")
	}
}

func TestCryptoRandomHex(t *testing.T) {
	out, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.Len(t, out, 32)
	_, err = hex.DecodeString(out)
	require.NoError(t, err)

	other, err := CryptoRandomHex(16)
	require.NoError(t, err)
	require.NotEqual(t, out, other)
}

func TestCryptoRandomString(t *testing.T) {
	out, err := CryptoRandomString(24)
	require.NoError(t, err)
	require.Len(t, out, 24)
	for _, r := range out {
		require.Contains(t, alphanumeric, string(r))
	}

	other, err := CryptoRandomString(24)
	require.NoError(t, err)
	require.NotEqual(t, out, other)
}

func TestIsOKNetworkError(t *testing.T) {
	require.True(t, IsOKNetworkError(io.EOF))
	require.True(t, IsOKNetworkError(syscall.EPIPE))
	require.True(t, IsOKNetworkError(syscall.ECONNRESET))
	require.True(t, IsOKNetworkError(net.ErrClosed))
	require.True(t, IsOKNetworkError(fmt.Errorf("read tcp: %w", net.ErrClosed)))
	require.True(t, IsOKNetworkError(trace.NewAggregate(io.EOF, syscall.EPIPE)))
	require.False(t, IsOKNetworkError(trace.NewAggregate(io.EOF, syscall.ECONNREFUSED)))
	require.False(t, IsOKNetworkError(syscall.ECONNREFUSED))
	require.False(t, IsOKNetworkError(nil))
}

func TestIsConnectionError(t *testing.T) {
	require.True(t, IsConnectionError(syscall.ECONNABORTED))
	require.True(t, IsConnectionError(syscall.ECONNRESET))
	require.False(t, IsConnectionError(io.EOF))
}

func TestIsUseOfClosedNetworkError(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	_, err = listener.Accept()
	require.True(t, IsUseOfClosedNetworkError(err))
	require.False(t, IsUseOfClosedNetworkError(nil))
	require.False(t, IsUseOfClosedNetworkError(path.ErrBadPattern))
}
