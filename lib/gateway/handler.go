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

// Package gateway implements the PlanetScale-compatible HTTP SQL gateway:
// a credential-keyed connection pool cache, a transaction session registry,
// the wire result encoder, and the Execute/CreateSession handlers that tie
// them together.
package gateway

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/httplib"
)

// Control statements handled by the gateway itself instead of being sent to
// the database: the driver's transaction calls issue the real statements.
const (
	stmtBegin    = "BEGIN"
	stmtCommit   = "COMMIT"
	stmtRollback = "ROLLBACK"
)

// HandlerConfig is the gateway handler configuration.
type HandlerConfig struct {
	// Pool is the credential-keyed connection pool cache.
	Pool *Pool
	// Registry tracks open transaction sessions.
	Registry *Registry
	// Logger is the gateway logger.
	Logger *slog.Logger
	// Clock measures request timing.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *HandlerConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing Pool")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry")
	}
	if c.Logger == nil {
		c.Logger = slog.With(cityscale.ComponentKey, cityscale.ComponentGateway)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler serves the HTTP SQL API.
type Handler struct {
	httprouter.Router
	cfg HandlerConfig
}

// NewHandler returns a gateway handler serving POST /Execute and
// POST /CreateSession.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}
	h.POST("/Execute", httplib.MakeHandler(h.execute))
	h.POST("/CreateSession", httplib.MakeHandler(h.createSession))
	return h, nil
}

// sessionInfo is the client-visible session handle.
type sessionInfo struct {
	ID uuid.UUID `json:"id"`
}

type executeRequest struct {
	Query   string       `json:"query"`
	Session *sessionInfo `json:"session"`
}

type executeResponse struct {
	Session *sessionInfo `json:"session,omitempty"`
	Result  any          `json:"result"`
	Timing  float64      `json:"timing"`
}

type createSessionResponse struct {
	Session sessionInfo `json:"session"`
}

// queryResult is the wire encoding of one query result.
type queryResult struct {
	RowsAffected string  `json:"rowsAffected"`
	InsertID     *string `json:"insertId"`
	Fields       []Field `json:"fields"`
	Rows         []Row   `json:"rows"`
}

// emptyResult is what control statements (BEGIN/COMMIT/ROLLBACK) report.
type emptyResult struct{}

// createSession authenticates the request and opens a new transaction
// session. The connection checked out for authentication goes straight back
// to the pool: the transaction runs on the pool generically, on a
// connection of its own.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	ctx := r.Context()
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, trace.AccessDenied("missing credentials")
	}
	conn, pool, err := h.cfg.Pool.Acquire(ctx, username, password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pool.PutConn(conn)

	id, err := h.cfg.Registry.Begin(ctx, pool)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &createSessionResponse{Session: sessionInfo{ID: id}}, nil
}

// execute authenticates the request and runs a query, either on an existing
// session's transaction or on a pooled autocommit connection. The BEGIN,
// COMMIT and ROLLBACK control strings manage the session lifecycle instead
// of reaching the database as SQL.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	ctx := r.Context()
	start := h.cfg.Clock.Now()

	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, trace.AccessDenied("missing credentials")
	}
	var req executeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	conn, pool, err := h.cfg.Pool.Acquire(ctx, username, password)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer pool.PutConn(conn)

	if req.Query == stmtBegin {
		// The transaction start issues the literal BEGIN; executing the
		// statement as SQL on top of it would start a second one.
		id, err := h.cfg.Registry.Begin(ctx, pool)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &executeResponse{
			Session: &sessionInfo{ID: id},
			Result:  emptyResult{},
			Timing:  h.cfg.Clock.Since(start).Seconds(),
		}, nil
	}

	var result *mysql.Result
	switch {
	case req.Session != nil && req.Query == stmtCommit:
		if err := h.cfg.Registry.Commit(ctx, req.Session.ID); err != nil {
			return nil, trace.Wrap(convertSessionError(err))
		}
		return &executeResponse{
			Session: req.Session,
			Result:  emptyResult{},
			Timing:  h.cfg.Clock.Since(start).Seconds(),
		}, nil
	case req.Session != nil && req.Query == stmtRollback:
		if err := h.cfg.Registry.Rollback(ctx, req.Session.ID); err != nil {
			return nil, trace.Wrap(convertSessionError(err))
		}
		return &executeResponse{
			Session: req.Session,
			Result:  emptyResult{},
			Timing:  h.cfg.Clock.Since(start).Seconds(),
		}, nil
	case req.Session != nil:
		result, err = h.cfg.Registry.Run(ctx, req.Session.ID, req.Query)
		if err != nil {
			return nil, trace.Wrap(convertSessionError(err))
		}
	default:
		h.cfg.Logger.DebugContext(ctx, "Executing query.", "query", req.Query)
		result, err = conn.Execute(req.Query)
		if err != nil {
			return nil, trace.Wrap(ConvertQueryError(err))
		}
	}

	encoded, err := encodeResult(result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &executeResponse{
		Session: req.Session,
		Result:  encoded,
		Timing:  h.cfg.Clock.Since(start).Seconds(),
	}, nil
}

// convertSessionError maps a stale or unknown session identifier to a bad
// request: it is a client error, not a server failure.
func convertSessionError(err error) error {
	if trace.IsNotFound(err) {
		return trace.BadParameter("invalid session")
	}
	return err
}

// encodeResult converts a native result into the wire format.
func encodeResult(result *mysql.Result) (*queryResult, error) {
	out := &queryResult{
		RowsAffected: strconv.FormatUint(result.AffectedRows, 10),
		Fields:       []Field{},
		Rows:         []Row{},
	}
	if result.InsertId != 0 {
		insertID := strconv.FormatUint(result.InsertId, 10)
		out.InsertID = &insertID
	}
	if result.Resultset == nil {
		return out, nil
	}

	fields, err := EncodeFields(result.Fields)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out.Fields = fields
	for _, values := range result.Values {
		row, err := EncodeRow(result.Fields, values)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}
