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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	require.NoError(t, err)

	cfg := m.Get()
	require.Len(t, cfg.Secret, 64)
	require.Len(t, cfg.MySQLRootPassword, 32)
	hash, ok := cfg.Admins[DefaultAdminUser]
	require.True(t, ok)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("admin")))

	// Secrets must not be world-readable.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second load picks up the generated values instead of regenerating.
	m2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, m2.Get())
}

func TestUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	require.NoError(t, err)

	err = m.Update(func(c *Config) error {
		c.Admins["operator"] = "hash"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hash", m.Get().Admins["operator"])

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "hash", reloaded.Get().Admins["operator"])
}

func TestUpdateErrorChangesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	require.NoError(t, err)
	before := m.Get()

	err = m.Update(func(c *Config) error {
		c.Admins["operator"] = "hash"
		return trace.BadParameter("nope")
	})
	require.Error(t, err)
	require.Equal(t, before, m.Get())

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, before, reloaded.Get())
}

func TestGetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := Load(path)
	require.NoError(t, err)

	cfg := m.Get()
	cfg.Admins["intruder"] = "hash"
	_, ok := m.Get().Admins["intruder"]
	require.False(t, ok)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
