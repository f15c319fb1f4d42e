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

// Package multiplexer routes every connection on the single public port to
// one of two backends: the HTTP gateway or the native MySQL server.
//
// The MySQL protocol is server-first (the server sends a greeting before
// the client says anything), while HTTP clients always speak first. That
// asymmetry is the only routing signal available: a peer that sends bytes
// within the grace window is an HTTP client, a silent peer is a MySQL
// client waiting for the greeting. Only one port can be exposed in the
// deployment environments cityscale targets, so both protocols share it.
package multiplexer

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/defaults"
	"github.com/gravitational/cityscale/lib/utils"
)

// Config is the multiplexer configuration.
type Config struct {
	// Listener is the public listener connections are accepted on.
	Listener net.Listener
	// HTTPAddr is the internal HTTP gateway address.
	HTTPAddr string
	// MySQLAddr is the mysqld address.
	MySQLAddr string
	// GraceWindow is how long to wait for the client's first byte before
	// classifying the connection as native MySQL.
	GraceWindow time.Duration
	// AcceptBackoff is how long to pause after a transient accept error.
	AcceptBackoff time.Duration
	// Logger is the multiplexer logger.
	Logger *slog.Logger
	// Clock is used for deadlines and backoff.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Listener == nil {
		return trace.BadParameter("missing Listener")
	}
	if c.HTTPAddr == "" {
		return trace.BadParameter("missing HTTPAddr")
	}
	if c.MySQLAddr == "" {
		return trace.BadParameter("missing MySQLAddr")
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = defaults.MuxGraceWindow
	}
	if c.AcceptBackoff == 0 {
		c.AcceptBackoff = defaults.AcceptBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.With(cityscale.ComponentKey, cityscale.ComponentMux)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Mux is the single-port protocol demultiplexer.
type Mux struct {
	cfg Config
}

// New returns a multiplexer for the given listener and backends.
func New(cfg Config) (*Mux, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mux{cfg: cfg}, nil
}

// Serve accepts connections until the listener closes or the context is
// canceled. Each connection is routed and proxied on its own goroutine.
// Connection-scoped accept errors are skipped; other transient errors (for
// example hitting the open file limit) back off for a fixed interval
// instead of busy-looping, and never terminate the loop.
func (m *Mux) Serve(ctx context.Context) error {
	for {
		conn, err := m.cfg.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || utils.IsUseOfClosedNetworkError(err) {
				return nil
			}
			if utils.IsConnectionError(err) {
				continue
			}
			m.cfg.Logger.ErrorContext(ctx, "Accept failed, backing off.", "error", err, "backoff", m.cfg.AcceptBackoff)
			select {
			case <-m.cfg.Clock.After(m.cfg.AcceptBackoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		go m.handleConn(ctx, conn)
	}
}

// Close closes the public listener, unblocking Serve.
func (m *Mux) Close() error {
	return trace.Wrap(m.cfg.Listener.Close())
}

func (m *Mux) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	buffered := newBufferedConn(conn)
	backendAddr, err := m.detect(buffered)
	if err != nil {
		m.cfg.Logger.DebugContext(ctx, "Failed to classify connection.", "remote_addr", conn.RemoteAddr(), "error", err)
		return
	}

	var dialer net.Dialer
	backend, err := dialer.DialContext(ctx, "tcp", backendAddr)
	if err != nil {
		m.cfg.Logger.ErrorContext(ctx, "Failed to connect to backend.", "backend_addr", backendAddr, "error", err)
		return
	}

	// Byte-for-byte copy both ways. The buffered wrapper replays any
	// peeked bytes, so the backend sees the stream from its first byte.
	if err := utils.ProxyConn(ctx, buffered, backend); err != nil && !errors.Is(err, context.Canceled) {
		m.cfg.Logger.DebugContext(ctx, "Connection closed with error.", "remote_addr", conn.RemoteAddr(), "error", err)
	}
}

// detect peeks at the connection under a read deadline. Client bytes within
// the grace window mean HTTP; a deadline expiry means a native MySQL client
// waiting for the server greeting. A slow HTTP client that delays its first
// byte past the window is misrouted; the window is configuration so
// deployments with such clients can widen it.
func (m *Mux) detect(conn *bufferedConn) (string, error) {
	if err := conn.SetReadDeadline(m.cfg.Clock.Now().Add(m.cfg.GraceWindow)); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	_, err := conn.reader.Peek(1)
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	switch {
	case err == nil:
		return m.cfg.HTTPAddr, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return m.cfg.MySQLAddr, nil
	default:
		return "", trace.ConvertSystemError(err)
	}
}

// bufferedConn reads through a buffered reader so peeked bytes stay part of
// the stream.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func newBufferedConn(conn net.Conn) *bufferedConn {
	return &bufferedConn{Conn: conn, reader: bufio.NewReader(conn)}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}
