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
	"errors"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/gravitational/trace"
)

// causer defines an interface for errors wrapped by the pingcap/errors
// package the MySQL driver uses internally.
type causer interface {
	Cause() error
}

// unwrapMySQLError digs a *mysql.MyError out of the driver's error chain.
func unwrapMySQLError(err error) (*mysql.MyError, bool) {
	var myErr *mysql.MyError
	if errors.As(err, &myErr) {
		return myErr, true
	}
	var c causer
	if errors.As(err, &c) {
		return unwrapMySQLError(c.Cause())
	}
	return nil, false
}

// ConvertConnectError converts errors observed while establishing or
// checking out a connection into trace errors.
//
// Invalid credentials and unknown databases are distinct kinds because they
// map to different responses: unauthorized for the former, a client-readable
// error naming the database for the latter. Everything else is connectivity.
func ConvertConnectError(err error) error {
	if err == nil {
		return nil
	}
	if myErr, ok := unwrapMySQLError(err); ok {
		switch myErr.Code {
		case mysql.ER_ACCESS_DENIED_ERROR, mysql.ER_DBACCESS_DENIED_ERROR:
			return trace.AccessDenied("%s", myErr.Message)
		case mysql.ER_BAD_DB_ERROR:
			return trace.NotFound("%s", myErr.Message)
		}
	}
	return trace.ConnectionProblem(err, "failed to connect to database")
}

// ConvertQueryError converts errors returned by query execution into trace
// errors. Server-side SQL errors keep their message: the client must see why
// its query failed. Anything else is an infrastructure failure.
func ConvertQueryError(err error) error {
	if err == nil {
		return nil
	}
	if myErr, ok := unwrapMySQLError(err); ok {
		switch myErr.Code {
		case mysql.ER_ACCESS_DENIED_ERROR, mysql.ER_DBACCESS_DENIED_ERROR:
			return trace.AccessDenied("%s", myErr.Message)
		}
		// Server-side SQL errors, including a query naming a missing
		// database, surface with the server's message.
		return trace.BadParameter("%s", myErr.Message)
	}
	return trace.ConnectionProblem(err, "failed to execute query")
}
