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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/gravitational/trace"

	"github.com/gravitational/cityscale/lib/defaults"
)

// credentialKey identifies one authenticated principal in the pool cache.
//
// The cache is keyed by username and password rather than username and
// database: scoped users may own several schemas, and a connection without a
// bound database lets them switch with USE or qualified names. A wrong
// password can never hit a cached pool because it is part of the key.
type credentialKey struct {
	username string
	password string
}

// PoolConfig configures a credential pool cache.
type PoolConfig struct {
	// Addr is the mysqld address pools connect to.
	Addr string
	// MaxAlive caps live connections per credential pool.
	MaxAlive int
	// MaxIdle caps idle connections kept per credential pool.
	MaxIdle int
	// Logger is the logger the pools log through.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *PoolConfig) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing Addr")
	}
	if c.MaxAlive == 0 {
		c.MaxAlive = defaults.PoolMaxAlive
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = defaults.PoolMaxIdle
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Pool caches one live connection pool per distinct credential pair.
//
// Pools are created lazily on first use, validated by checking out one
// connection, and kept for the process lifetime unless invalidated through
// InvalidateUser.
type Pool struct {
	cfg PoolConfig

	mu    sync.RWMutex
	pools map[credentialKey]*client.Pool

	// created counts pool constructions, observable by tests to verify
	// cache-hit idempotence.
	created atomic.Int64
}

// NewPool returns an empty credential pool cache.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:   cfg,
		pools: make(map[credentialKey]*client.Pool),
	}, nil
}

// Acquire returns a connection checked out from the pool cached for the
// given credentials, alongside the pool itself. The pool handle is needed by
// callers that start transactions: a transaction checks out its own
// connection so the one returned here can go straight back via
// [client.Pool.PutConn].
//
// On a cache miss the credentials are validated against the database before
// the new pool is published; a failed validation caches nothing.
func (p *Pool) Acquire(ctx context.Context, username, password string) (*client.Conn, *client.Pool, error) {
	key := credentialKey{username: username, password: password}

	// Common case: cache hit under a read lock, so concurrent requests on
	// the same credentials only serialize on the pool's own checkout.
	p.mu.RLock()
	cached, ok := p.pools[key]
	p.mu.RUnlock()
	if ok {
		conn, err := cached.GetConn(ctx)
		if err != nil {
			return nil, nil, ConvertConnectError(err)
		}
		return conn, cached, nil
	}

	// Validate the credentials with a one-shot connection before any pool
	// exists for them: the handshake either authenticates or fails with a
	// precise server error, and a failed validation caches nothing.
	probe, err := client.Connect(p.cfg.Addr, username, password, "")
	if err != nil {
		return nil, nil, ConvertConnectError(err)
	}
	probe.Close()

	fresh := p.newClientPool(key)
	p.created.Add(1)

	p.mu.Lock()
	if racing, ok := p.pools[key]; ok {
		// Another request on the same credentials won the publish race.
		// Keep the invariant of one pool per key: discard ours and use
		// the published pool.
		go fresh.Close()
		fresh = racing
	} else {
		p.pools[key] = fresh
	}
	p.mu.Unlock()

	conn, err := fresh.GetConn(ctx)
	if err != nil {
		return nil, nil, ConvertConnectError(err)
	}
	return conn, fresh, nil
}

// InvalidateUser drops every cached pool for the given username. Called by
// the admin layer when a database user is dropped or its password changes,
// so the cache never serves revoked credentials.
func (p *Pool) InvalidateUser(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pool := range p.pools {
		if key.username == username {
			delete(p.pools, key)
			go pool.Close()
		}
	}
}

// Created returns how many connection pools have been constructed.
func (p *Pool) Created() int64 {
	return p.created.Load()
}

// Close drops all cached pools.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pool := range p.pools {
		delete(p.pools, key)
		go pool.Close()
	}
}

func (p *Pool) newClientPool(key credentialKey) *client.Pool {
	logf := func(format string, args ...any) {
		p.cfg.Logger.Debug(fmt.Sprintf(format, args...))
	}
	return client.NewPool(logf, 0, p.cfg.MaxAlive, p.cfg.MaxIdle, p.cfg.Addr, key.username, key.password, "")
}
