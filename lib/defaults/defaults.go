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

// Package defaults contains default constants used across cityscale.
package defaults

import "time"

const (
	// Port is the single public port serving both the HTTP gateway and
	// the native MySQL protocol.
	Port = 2489

	// MySQLAddr is the address the supervised mysqld listens on. Only
	// cityscale talks to it directly; external native clients reach it
	// through the multiplexer.
	MySQLAddr = "127.0.0.1:3306"

	// ConfigFile is the name of the configuration file inside the data
	// directory.
	ConfigFile = "config.json"

	// MySQLDataDir is the name of the mysqld data directory inside the
	// data directory.
	MySQLDataDir = "mysql"
)

const (
	// MuxGraceWindow is how long the multiplexer waits for the client to
	// send its first byte before deciding the peer is a native MySQL
	// client. The MySQL protocol is server-first, HTTP is client-first,
	// and that asymmetry is the only routing signal available on a
	// shared port.
	MuxGraceWindow = 500 * time.Millisecond

	// AcceptBackoff is how long the accept loop pauses after a transient
	// accept error (e.g. EMFILE) before trying again.
	AcceptBackoff = time.Second

	// MySQLReadyTimeout bounds how long startup waits for the supervised
	// mysqld to accept connections.
	MySQLReadyTimeout = 2 * time.Minute

	// MySQLReadyInterval is the pause between readiness pings.
	MySQLReadyInterval = time.Second

	// WebSessionTTL is how long an admin web session stays valid.
	WebSessionTTL = 12 * time.Hour

	// ShutdownTimeout bounds graceful HTTP server shutdown.
	ShutdownTimeout = 10 * time.Second
)

const (
	// PoolMaxAlive caps live connections per credential pool.
	PoolMaxAlive = 16

	// PoolMaxIdle caps idle connections kept per credential pool.
	PoolMaxIdle = 4
)
