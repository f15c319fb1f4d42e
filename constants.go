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

// Package cityscale contains constants shared across the whole project.
package cityscale

// Version is the semantic version of the cityscale binary.
const Version = "0.3.0"

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentGateway is the HTTP SQL gateway (Execute/CreateSession).
	ComponentGateway = "gateway"

	// ComponentMux is the single-port protocol demultiplexer.
	ComponentMux = "mux"

	// ComponentWeb is the admin web API.
	ComponentWeb = "web"

	// ComponentMySQL is the supervised mysqld process.
	ComponentMySQL = "mysqld"

	// ComponentConfig is the on-disk configuration manager.
	ComponentConfig = "config"
)
