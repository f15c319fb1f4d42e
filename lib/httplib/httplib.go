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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestSize caps JSON request bodies. Query text lives in the body, so
// the limit is generous but finite.
const maxRequestSize = 16 << 20

// HandlerFunc specifies an HTTP handler function that returns the response
// body to marshal, or an error to convert into a structured error response.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("request: %v", err)
	}
	return nil
}

// ReplyJSON writes the marshaled body with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Failed to marshal JSON response.", "error", err)
		http.Error(w, `{"error":{"message":"Internal Server Error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

// ErrorResponse is the structured error body every failed request carries.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail holds the client-visible error message.
type ErrorDetail struct {
	Message string `json:"message"`
}

// ReplyError converts an error into a structured JSON error response.
//
// Access denied and internal failures are reported with generic messages:
// a 401 must not reveal whether the username or the password was wrong, and
// a 500 must not leak infrastructure details. Bad parameter and not found
// errors carry their message so the client can see why its request failed.
func ReplyError(w http.ResponseWriter, err error) {
	switch {
	case trace.IsAccessDenied(err):
		ReplyJSON(w, http.StatusUnauthorized, ErrorResponse{ErrorDetail{Message: "Unauthorized"}})
	case trace.IsBadParameter(err):
		ReplyJSON(w, http.StatusBadRequest, ErrorResponse{ErrorDetail{Message: trace.UserMessage(err)}})
	case trace.IsNotFound(err):
		ReplyJSON(w, http.StatusNotFound, ErrorResponse{ErrorDetail{Message: trace.UserMessage(err)}})
	case trace.IsAlreadyExists(err):
		ReplyJSON(w, http.StatusConflict, ErrorResponse{ErrorDetail{Message: trace.UserMessage(err)}})
	default:
		slog.Error("Handler returned an internal error.", "error", err)
		ReplyJSON(w, http.StatusInternalServerError, ErrorResponse{ErrorDetail{Message: "Internal Server Error"}})
	}
}
