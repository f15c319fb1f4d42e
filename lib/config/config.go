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

// Package config manages the on-disk JSON configuration file.
//
// The file lives in the data directory and is created with generated
// secrets on first boot. All mutation goes through Manager.Update so the
// in-memory view and the file never diverge.
package config

import (
	"encoding/json"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/utils"
)

// Config is the persisted process configuration.
type Config struct {
	// Secret signs admin dashboard session cookies.
	Secret string `json:"secret"`
	// MySQLRootPassword is the root password for the supervised mysqld.
	// Cityscale uses it to talk to the DB; it is never exposed to
	// end-users.
	MySQLRootPassword string `json:"mysql_root_password"`
	// Admins maps dashboard usernames to bcrypt password hashes.
	Admins map[string]string `json:"admins,omitempty"`
}

// clone returns a deep copy so callers can never mutate shared state.
func (c Config) clone() Config {
	out := c
	out.Admins = maps.Clone(c.Admins)
	return out
}

// DefaultAdminUser is the dashboard user created on first boot.
const DefaultAdminUser = "admin"

func newDefaultConfig() (*Config, error) {
	secret, err := utils.CryptoRandomString(64)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rootPassword, err := utils.CryptoRandomString(32)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The initial dashboard credentials are admin/admin; the dashboard
	// prompts for a change on first login.
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultAdminUser), bcrypt.DefaultCost)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Config{
		Secret:            secret,
		MySQLRootPassword: rootPassword,
		Admins:            map[string]string{DefaultAdminUser: string(hash)},
	}, nil
}

// Manager provides synchronized access to the configuration file.
type Manager struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Config
}

// Load reads the configuration file at path, creating it with generated
// defaults if it does not exist yet.
func Load(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: slog.With(cityscale.ComponentKey, cityscale.ComponentConfig),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &m.current); err != nil {
			return nil, trace.BadParameter("failed to parse configuration file %v: %v", path, err)
		}
	case os.IsNotExist(err):
		cfg, err := newDefaultConfig()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.current = *cfg
		if err := m.write(m.current); err != nil {
			return nil, trace.Wrap(err)
		}
		m.logger.Info("Created default configuration.", "path", path)
	default:
		return nil, trace.ConvertSystemError(err)
	}
	return m, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// Update applies fn to a copy of the configuration, persists the result to
// disk and, only if the write succeeds, publishes it as the new current
// configuration.
func (m *Manager) Update(fn func(*Config) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current.clone()
	if err := fn(&next); err != nil {
		return trace.Wrap(err)
	}
	if err := m.write(next); err != nil {
		return trace.Wrap(err)
	}
	m.current = next
	return nil
}

// write persists cfg with a rename so a crash mid-write never leaves a
// truncated configuration file behind.
func (m *Manager) write(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Path returns the location of the configuration file.
func (m *Manager) Path() string {
	return m.path
}

// EnsureDir creates the directory that will hold the configuration file.
func EnsureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
