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

package web

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// CookieName is the name of the admin session cookie.
const CookieName = "session"

// SessionCookie stores information about the active admin and session. The
// cookie is an opaque pointer: all state lives server-side in the session
// table, keyed by the crypto-random session id.
type SessionCookie struct {
	User string `json:"user"`
	SID  string `json:"sid"`
}

// EncodeCookie returns the hex-encoded cookie value for the given admin
// session.
func EncodeCookie(user, sid string) (string, error) {
	bytes, err := json.Marshal(SessionCookie{User: user, SID: sid})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(bytes), nil
}

// DecodeCookie parses a session cookie value.
func DecodeCookie(b string) (*SessionCookie, error) {
	bytes, err := hex.DecodeString(b)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var c SessionCookie
	if err := json.Unmarshal(bytes, &c); err != nil {
		return nil, trace.Wrap(err)
	}
	return &c, nil
}

// SetSessionCookie writes the admin session cookie to the response.
func SetSessionCookie(w http.ResponseWriter, user, sid string) error {
	d, err := EncodeCookie(user, sid)
	if err != nil {
		return trace.Wrap(err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    d,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearSessionCookie expires the admin session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
