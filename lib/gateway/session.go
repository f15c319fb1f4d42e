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
	"log/slog"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// session is one open transaction bound to a dedicated connection checked
// out of a credential pool.
type session struct {
	// mu serializes operations on this session: at most one request may
	// drive a transaction connection at a time.
	mu sync.Mutex
	// finalized flips when the transaction is committed or rolled back.
	// A request that loses a finalize race observes it under mu and
	// reports the session as gone instead of touching the connection.
	finalized bool

	conn    *client.Conn
	pool    *client.Pool
	created time.Time
}

// Registry tracks open transactions by session identifier.
//
// The registry map is guarded by its own mutex held only for lookup, insert
// and remove, so requests on different sessions never block each other while
// queries run. Operations on one session are serialized by the session's own
// lock, and a commit or rollback racing a concurrent run resolves
// deterministically: the loser observes "session not found".
type Registry struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewRegistry returns an empty session registry.
func NewRegistry(logger *slog.Logger, clock clockwork.Clock) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		logger:   logger,
		clock:    clock,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Begin starts a transaction on a connection checked out from the given
// pool and registers it under a fresh random identifier.
//
// The driver's Begin issues the literal BEGIN statement, so callers must
// never execute one themselves on top of this.
func (r *Registry) Begin(ctx context.Context, pool *client.Pool) (uuid.UUID, error) {
	conn, err := pool.GetConn(ctx)
	if err != nil {
		return uuid.Nil, ConvertConnectError(err)
	}
	if err := conn.Begin(); err != nil {
		pool.PutConn(conn)
		return uuid.Nil, ConvertQueryError(err)
	}

	id := uuid.New()
	r.mu.Lock()
	r.sessions[id] = &session{
		conn:    conn,
		pool:    pool,
		created: r.clock.Now(),
	}
	r.mu.Unlock()

	r.logger.DebugContext(ctx, "Created session.", "session", id)
	return id, nil
}

// Run executes the query on the session's open transaction.
func (r *Registry) Run(ctx context.Context, id uuid.UUID, query string) (*mysql.Result, error) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("session %v not found", id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finalized {
		return nil, trace.NotFound("session %v not found", id)
	}

	r.logger.DebugContext(ctx, "Executing query on session.", "session", id, "query", query)
	result, err := sess.conn.Execute(query)
	if err != nil {
		return nil, ConvertQueryError(err)
	}
	return result, nil
}

// Commit commits the session's transaction and removes the session. The
// identifier is never valid again afterwards.
func (r *Registry) Commit(ctx context.Context, id uuid.UUID) error {
	return r.finalize(ctx, id, "COMMIT", (*client.Conn).Commit)
}

// Rollback rolls back the session's transaction and removes the session.
// The identifier is never valid again afterwards.
func (r *Registry) Rollback(ctx context.Context, id uuid.UUID) error {
	return r.finalize(ctx, id, "ROLLBACK", (*client.Conn).Rollback)
}

func (r *Registry) finalize(ctx context.Context, id uuid.UUID, op string, fn func(*client.Conn) error) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return trace.NotFound("session %v not found", id)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.finalized {
		return trace.NotFound("session %v not found", id)
	}
	sess.finalized = true

	err := fn(sess.conn)
	sess.pool.PutConn(sess.conn)
	if err != nil {
		return ConvertQueryError(err)
	}
	r.logger.DebugContext(ctx, "Finalized session.", "session", id, "op", op)
	return nil
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close rolls back every remaining session. Used on shutdown so mysqld does
// not hold abandoned transactions until its own idle timeout.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Rollback(context.Background(), id); err != nil && !trace.IsNotFound(err) {
			r.logger.Warn("Failed to roll back session on shutdown.", "session", id, "error", err)
		}
	}
}
