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

// Package web implements the admin API: dashboard login, admin account
// management, and database/user administration against the supervised
// mysqld.
package web

import (
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/config"
	"github.com/gravitational/cityscale/lib/defaults"
	"github.com/gravitational/cityscale/lib/gateway"
	"github.com/gravitational/cityscale/lib/httplib"
	"github.com/gravitational/cityscale/lib/utils"
)

// Config is the admin API handler configuration.
type Config struct {
	// ConfigManager reads and persists the process configuration.
	ConfigManager *config.Manager
	// Pool is the gateway credential pool; admin SQL runs through it with
	// the root credentials, and dropped users are invalidated in it.
	Pool *gateway.Pool
	// RootUser is the database account admin operations run as.
	RootUser string
	// SessionTTL bounds how long an admin session stays valid.
	SessionTTL time.Duration
	// Logger is the admin API logger.
	Logger *slog.Logger
	// Clock is used for session expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConfigManager == nil {
		return trace.BadParameter("missing ConfigManager")
	}
	if c.Pool == nil {
		return trace.BadParameter("missing Pool")
	}
	if c.RootUser == "" {
		c.RootUser = "root"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.WebSessionTTL
	}
	if c.Logger == nil {
		c.Logger = slog.With(cityscale.ComponentKey, cityscale.ComponentWeb)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// webSession is one logged-in admin.
type webSession struct {
	user    string
	expires time.Time
}

// Handler serves the admin HTTP API.
type Handler struct {
	httprouter.Router
	cfg Config

	mu       sync.Mutex
	sessions map[string]webSession
}

// NewHandler returns the admin API handler.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:      cfg,
		sessions: make(map[string]webSession),
	}

	h.GET("/", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		fmt.Fprint(w, "Cityscale!")
	})
	h.GET("/api/version", httplib.MakeHandler(func(http.ResponseWriter, *http.Request, httprouter.Params) (any, error) {
		return map[string]string{"version": cityscale.Version}, nil
	}))
	h.POST("/api/login", httplib.MakeHandler(h.login))
	h.POST("/api/logout", httplib.MakeHandler(h.logout))

	h.GET("/api/admins", h.withAuth(h.listAdmins))
	h.POST("/api/admins", h.withAuth(h.createAdmin))
	h.DELETE("/api/admins/:username", h.withAuth(h.deleteAdmin))

	h.GET("/api/databases", h.withAuth(h.listDatabases))
	h.POST("/api/databases", h.withAuth(h.createDatabase))
	h.DELETE("/api/databases/:name", h.withAuth(h.deleteDatabase))
	h.POST("/api/databases/:name/users", h.withAuth(h.createDatabaseUser))
	h.DELETE("/api/users/:username", h.withAuth(h.deleteDatabaseUser))

	return h, nil
}

// authedHandler is a handler that additionally receives the logged-in admin
// username.
type authedHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user string) (any, error)

// withAuth wraps a handler with admin session cookie authentication.
func (h *Handler) withAuth(fn authedHandler) httprouter.Handle {
	return httplib.MakeHandler(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		user, err := h.authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, user)
	})
}

func (h *Handler) authenticate(r *http.Request) (string, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", trace.AccessDenied("missing session cookie")
	}
	decoded, err := DecodeCookie(cookie.Value)
	if err != nil {
		return "", trace.AccessDenied("malformed session cookie")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[decoded.SID]
	if !ok || sess.user != decoded.User {
		return "", trace.AccessDenied("invalid session")
	}
	if h.cfg.Clock.Now().After(sess.expires) {
		delete(h.sessions, decoded.SID)
		return "", trace.AccessDenied("session expired")
	}
	return sess.user, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	hash, ok := h.cfg.ConfigManager.Get().Admins[req.Username]
	if !ok {
		// Compare against a throwaway hash anyway so a missing user costs
		// the same time as a wrong password.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$000000000000000000000u"), []byte(req.Password))
		return nil, trace.AccessDenied("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		return nil, trace.AccessDenied("invalid credentials")
	}

	sid, err := utils.CryptoRandomHex(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.mu.Lock()
	h.sessions[sid] = webSession{
		user:    req.Username,
		expires: h.cfg.Clock.Now().Add(h.cfg.SessionTTL),
	}
	h.mu.Unlock()

	if err := SetSessionCookie(w, req.Username, sid); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Admin logged in.", "user", req.Username)
	return map[string]string{"username": req.Username}, nil
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if decoded, err := DecodeCookie(cookie.Value); err == nil {
			h.mu.Lock()
			delete(h.sessions, decoded.SID)
			h.mu.Unlock()
		}
	}
	ClearSessionCookie(w)
	return map[string]string{"message": "ok"}, nil
}

type adminInfo struct {
	Username string `json:"username"`
	IsSelf   bool   `json:"is_self"`
}

func (h *Handler) listAdmins(_ http.ResponseWriter, _ *http.Request, _ httprouter.Params, user string) (any, error) {
	admins := h.cfg.ConfigManager.Get().Admins
	out := make([]adminInfo, 0, len(admins))
	for username := range admins {
		out = append(out, adminInfo{Username: username, IsSelf: username == user})
	}
	return out, nil
}

func (h *Handler) createAdmin(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ string) (any, error) {
	var req loginRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Username == "" || req.Password == "" {
		return nil, trace.BadParameter("username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	err = h.cfg.ConfigManager.Update(func(cfg *config.Config) error {
		if _, ok := cfg.Admins[req.Username]; ok {
			return trace.AlreadyExists("admin %q already exists", req.Username)
		}
		if cfg.Admins == nil {
			cfg.Admins = make(map[string]string)
		}
		cfg.Admins[req.Username] = string(hash)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"username": req.Username}, nil
}

func (h *Handler) deleteAdmin(_ http.ResponseWriter, _ *http.Request, p httprouter.Params, user string) (any, error) {
	username := p.ByName("username")
	if username == user {
		return nil, trace.BadParameter("you cannot delete yourself")
	}
	err := h.cfg.ConfigManager.Update(func(cfg *config.Config) error {
		if _, ok := cfg.Admins[username]; !ok {
			return trace.NotFound("admin %q not found", username)
		}
		delete(cfg.Admins, username)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"message": "ok"}, nil
}

// systemSchemas are never shown or dropped through the admin API.
var systemSchemas = map[string]bool{
	"mysql":              true,
	"information_schema": true,
	"performance_schema": true,
	"sys":                true,
}

func (h *Handler) listDatabases(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, _ string) (any, error) {
	result, err := h.rootExecute(r, "SHOW DATABASES")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	names := []string{}
	for _, row := range result.Values {
		if len(row) == 0 {
			continue
		}
		name := string(row[0].AsString())
		if !systemSchemas[name] {
			names = append(names, name)
		}
	}
	return names, nil
}

type createDatabaseRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createDatabase(_ http.ResponseWriter, r *http.Request, _ httprouter.Params, user string) (any, error) {
	var req createDatabaseRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkIdentifier(req.Name); err != nil {
		return nil, trace.Wrap(err)
	}
	if systemSchemas[req.Name] {
		return nil, trace.BadParameter("%q is a system schema", req.Name)
	}
	if _, err := h.rootExecute(r, fmt.Sprintf("CREATE DATABASE `%s`", req.Name)); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Created database.", "database", req.Name, "admin", user)
	return map[string]string{"name": req.Name}, nil
}

func (h *Handler) deleteDatabase(_ http.ResponseWriter, r *http.Request, p httprouter.Params, user string) (any, error) {
	name := p.ByName("name")
	if err := checkIdentifier(name); err != nil {
		return nil, trace.Wrap(err)
	}
	if systemSchemas[name] {
		return nil, trace.BadParameter("%q is a system schema", name)
	}
	if _, err := h.rootExecute(r, fmt.Sprintf("DROP DATABASE `%s`", name)); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Dropped database.", "database", name, "admin", user)
	return map[string]string{"message": "ok"}, nil
}

type createUserRequest struct {
	Username string `json:"username"`
}

// createDatabaseUser creates a database account scoped to one schema. The
// generated password is returned exactly once and stored nowhere.
func (h *Handler) createDatabaseUser(_ http.ResponseWriter, r *http.Request, p httprouter.Params, user string) (any, error) {
	database := p.ByName("name")
	var req createUserRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkIdentifier(database); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := checkIdentifier(req.Username); err != nil {
		return nil, trace.Wrap(err)
	}

	password, err := utils.CryptoRandomString(24)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.rootExecute(r, fmt.Sprintf("CREATE USER '%s'@'%%' IDENTIFIED BY '%s'", req.Username, password)); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.rootExecute(r, fmt.Sprintf("GRANT ALL PRIVILEGES ON `%s`.* TO '%s'@'%%'", database, req.Username)); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Created database user.", "database", database, "user", req.Username, "admin", user)
	return map[string]string{
		"username": req.Username,
		"password": password,
	}, nil
}

func (h *Handler) deleteDatabaseUser(_ http.ResponseWriter, r *http.Request, p httprouter.Params, user string) (any, error) {
	username := p.ByName("username")
	if err := checkIdentifier(username); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.rootExecute(r, fmt.Sprintf("DROP USER '%s'@'%%'", username)); err != nil {
		return nil, trace.Wrap(err)
	}
	// The gateway may hold cached pools for the dropped credentials;
	// revoke them so the cache never outlives the account.
	h.cfg.Pool.InvalidateUser(username)
	h.cfg.Logger.InfoContext(r.Context(), "Dropped database user.", "user", username, "admin", user)
	return map[string]string{"message": "ok"}, nil
}

// rootExecute runs a statement as the root database account through the
// gateway pool.
func (h *Handler) rootExecute(r *http.Request, query string) (*mysql.Result, error) {
	rootPassword := h.cfg.ConfigManager.Get().MySQLRootPassword
	conn, pool, err := h.cfg.Pool.Acquire(r.Context(), h.cfg.RootUser, rootPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer pool.PutConn(conn)

	result, err := conn.Execute(query)
	if err != nil {
		return nil, gateway.ConvertQueryError(err)
	}
	return result, nil
}

// identifierRe matches names safe to interpolate as quoted identifiers.
var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func checkIdentifier(name string) error {
	if name == "" {
		return trace.BadParameter("name is required")
	}
	if len(name) > 64 || !identifierRe.MatchString(name) {
		return trace.BadParameter("invalid name %q", name)
	}
	return nil
}
